package redisstream

import (
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
)

// SectionSlug names the redis section in parsed values.
const SectionSlug = "redis"

// NewSection returns the redis section with defaults taken from d.
func NewSection(d Settings) (schema.Section, error) {
	return schema.NewSection(
		SectionSlug,
		"Redis Streams event mirror",
		schema.WithFields(
			fields.New("redis-enabled", fields.TypeBool, fields.WithDefault(d.Enabled), fields.WithHelp("Mirror outbound events to Redis Streams")),
			fields.New("redis-addr", fields.TypeString, fields.WithDefault(d.Addr), fields.WithHelp("Redis address host:port")),
			fields.New("redis-stream-prefix", fields.TypeString, fields.WithDefault(d.StreamPrefix), fields.WithHelp("Stream name prefix, one stream per client id")),
			fields.New("redis-group", fields.TypeString, fields.WithDefault(d.Group), fields.WithHelp("Consumer group used by events tail")),
			fields.New("redis-consumer", fields.TypeString, fields.WithDefault(d.Consumer), fields.WithHelp("Consumer name used by events tail")),
		),
	)
}

// SettingsFromValues decodes the redis section.
func SettingsFromValues(parsed *values.Values) (Settings, error) {
	var s Settings
	if err := parsed.DecodeSectionInto(SectionSlug, &s); err != nil {
		return s, errors.Wrap(err, "decode redis settings")
	}
	return s, nil
}
