package config

import (
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatrelay/pkg/provider"
	"github.com/go-go-golems/chatrelay/pkg/redisstream"
)

const (
	ServerSlug      = "server"
	TranscriptsSlug = "transcripts"
)

type serverValues struct {
	Addr              string   `glazed:"addr"`
	HistoryLimit      int      `glazed:"history-limit"`
	HistoryMaxTokens  int      `glazed:"history-max-tokens"`
	SendBuffer        int      `glazed:"send-buffer"`
	WriteTimeout      string   `glazed:"write-timeout"`
	PingInterval      string   `glazed:"ping-interval"`
	PongWait          string   `glazed:"pong-wait"`
	ReadLimit         int      `glazed:"read-limit"`
	ShutdownTimeout   string   `glazed:"shutdown-timeout"`
	DisconnectTimeout string   `glazed:"disconnect-timeout"`
	AllowedOrigins    []string `glazed:"allowed-origins"`
}

// NewServerSection returns the server section with defaults taken from d.
func NewServerSection(d ServerSettings) (schema.Section, error) {
	origins := d.AllowedOrigins
	if origins == nil {
		origins = []string{}
	}
	return schema.NewSection(
		ServerSlug,
		"Relay server",
		schema.WithFields(
			fields.New("addr", fields.TypeString, fields.WithDefault(d.Addr), fields.WithHelp("HTTP listen address")),
			fields.New("history-limit", fields.TypeInteger, fields.WithDefault(d.HistoryLimit),
				fields.WithHelp("Number of trailing history messages sent to the provider (0 = all)")),
			fields.New("history-max-tokens", fields.TypeInteger, fields.WithDefault(d.HistoryMaxTokens),
				fields.WithHelp("Trim provider context to this many cl100k tokens (0 = off)")),
			fields.New("send-buffer", fields.TypeInteger, fields.WithDefault(d.SendBuffer),
				fields.WithHelp("Outbound events buffered per connection before it is dropped")),
			fields.New("write-timeout", fields.TypeString, fields.WithDefault(d.WriteTimeout.String()),
				fields.WithHelp("Deadline of one websocket write")),
			fields.New("ping-interval", fields.TypeString, fields.WithDefault(d.PingInterval.String()),
				fields.WithHelp("Interval between websocket pings (0 = off)")),
			fields.New("pong-wait", fields.TypeString, fields.WithDefault(d.PongWait.String()),
				fields.WithHelp("Read deadline extended by every pong (0 = none)")),
			fields.New("read-limit", fields.TypeInteger, fields.WithDefault(int(d.ReadLimit)),
				fields.WithHelp("Maximum inbound frame size in bytes")),
			fields.New("shutdown-timeout", fields.TypeString, fields.WithDefault(d.ShutdownTimeout.String()),
				fields.WithHelp("Time allowed for a graceful shutdown")),
			fields.New("disconnect-timeout", fields.TypeString, fields.WithDefault(d.DisconnectTimeout.String()),
				fields.WithHelp("Time a disconnecting client waits for its completions")),
			fields.New("allowed-origins", fields.TypeStringList, fields.WithDefault(origins),
				fields.WithHelp("Allowed websocket origin hosts (empty allows any)")),
		),
	)
}

// NewTranscriptsSection returns the transcripts section with defaults taken from d.
func NewTranscriptsSection(d TranscriptSettings) (schema.Section, error) {
	return schema.NewSection(
		TranscriptsSlug,
		"Transcript recording",
		schema.WithFields(
			fields.New("transcripts", fields.TypeBool, fields.WithDefault(d.Enabled),
				fields.WithHelp("Record chat history to sqlite")),
			fields.New("transcripts-db", fields.TypeString, fields.WithDefault(d.Path),
				fields.WithHelp("Transcript sqlite file (DSN derived with WAL and busy_timeout)")),
			fields.New("transcripts-dsn", fields.TypeString, fields.WithDefault(d.DSN),
				fields.WithHelp("Transcript sqlite DSN (preferred over transcripts-db)")),
		),
	)
}

// Sections returns every settings section of the relay with defaults from cfg.
func Sections(cfg Config) ([]schema.Section, error) {
	server, err := NewServerSection(cfg.Server)
	if err != nil {
		return nil, errors.Wrap(err, "server section")
	}
	prov, err := provider.NewSection(cfg.Provider)
	if err != nil {
		return nil, errors.Wrap(err, "provider section")
	}
	redis, err := redisstream.NewSection(cfg.Redis)
	if err != nil {
		return nil, errors.Wrap(err, "redis section")
	}
	transcripts, err := NewTranscriptsSection(cfg.Transcripts)
	if err != nil {
		return nil, errors.Wrap(err, "transcripts section")
	}
	return []schema.Section{server, prov, redis, transcripts}, nil
}

// FromValues decodes the sections built by Sections.
func FromValues(parsed *values.Values) (Config, error) {
	var cfg Config
	var sv serverValues
	if err := parsed.DecodeSectionInto(ServerSlug, &sv); err != nil {
		return cfg, errors.Wrap(err, "decode server settings")
	}
	server, err := sv.settings()
	if err != nil {
		return cfg, err
	}
	cfg.Server = server

	if cfg.Provider, err = provider.SettingsFromValues(parsed); err != nil {
		return cfg, err
	}
	if cfg.Redis, err = redisstream.SettingsFromValues(parsed); err != nil {
		return cfg, err
	}
	if err := parsed.DecodeSectionInto(TranscriptsSlug, &cfg.Transcripts); err != nil {
		return cfg, errors.Wrap(err, "decode transcripts settings")
	}
	return cfg, nil
}

// TranscriptsFromValues decodes only the transcripts section.
func TranscriptsFromValues(parsed *values.Values) (TranscriptSettings, error) {
	var t TranscriptSettings
	if err := parsed.DecodeSectionInto(TranscriptsSlug, &t); err != nil {
		return t, errors.Wrap(err, "decode transcripts settings")
	}
	return t, nil
}

func (v serverValues) settings() (ServerSettings, error) {
	s := ServerSettings{
		Addr:             v.Addr,
		HistoryLimit:     v.HistoryLimit,
		HistoryMaxTokens: v.HistoryMaxTokens,
		SendBuffer:       v.SendBuffer,
		ReadLimit:        int64(v.ReadLimit),
		AllowedOrigins:   v.AllowedOrigins,
	}
	for _, d := range []struct {
		name string
		text string
		dst  *time.Duration
	}{
		{"write-timeout", v.WriteTimeout, &s.WriteTimeout},
		{"ping-interval", v.PingInterval, &s.PingInterval},
		{"pong-wait", v.PongWait, &s.PongWait},
		{"shutdown-timeout", v.ShutdownTimeout, &s.ShutdownTimeout},
		{"disconnect-timeout", v.DisconnectTimeout, &s.DisconnectTimeout},
	} {
		if d.text == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.text)
		if err != nil {
			return s, errors.Wrapf(err, "parse %s", d.name)
		}
		*d.dst = parsed
	}
	if len(s.AllowedOrigins) == 0 {
		s.AllowedOrigins = nil
	}
	return s, nil
}
