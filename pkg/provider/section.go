package provider

import (
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
)

// SectionSlug names the provider section in parsed values.
const SectionSlug = "provider"

// sectionValues mirrors Settings with durations as text.
type sectionValues struct {
	Kind         string `glazed:"provider"`
	BaseURL      string `glazed:"provider-base-url"`
	APIKey       string `glazed:"provider-api-key"`
	APIKeyEnv    string `glazed:"provider-api-key-env"`
	DefaultModel string `glazed:"default-model"`
	Timeout      string `glazed:"provider-timeout"`
	EchoDelay    string `glazed:"echo-delay"`
}

// NewSection returns the provider section with defaults taken from d.
func NewSection(d Settings) (schema.Section, error) {
	return schema.NewSection(
		SectionSlug,
		"Completion provider",
		schema.WithFields(
			fields.New("provider", fields.TypeString, fields.WithDefault(d.Kind),
				fields.WithHelp("Completion provider (openai, ollama, echo, geppetto)")),
			fields.New("provider-base-url", fields.TypeString, fields.WithDefault(d.BaseURL),
				fields.WithHelp("Provider base URL (openai defaults to the DashScope compatible endpoint)")),
			fields.New("provider-api-key", fields.TypeString, fields.WithDefault(d.APIKey),
				fields.WithHelp("Provider API key (prefer provider-api-key-env)")),
			fields.New("provider-api-key-env", fields.TypeString, fields.WithDefault(d.APIKeyEnv),
				fields.WithHelp("Environment variable holding the API key")),
			fields.New("default-model", fields.TypeString, fields.WithDefault(d.DefaultModel),
				fields.WithHelp("Model used when a message does not name one")),
			fields.New("provider-timeout", fields.TypeString, fields.WithDefault(d.Timeout.String()),
				fields.WithHelp("HTTP timeout of provider calls (0 = none)")),
			fields.New("echo-delay", fields.TypeString, fields.WithDefault(d.EchoDelay.String()),
				fields.WithHelp("Delay between echo chunks")),
		),
	)
}

// SettingsFromValues decodes the provider section.
func SettingsFromValues(parsed *values.Values) (Settings, error) {
	var v sectionValues
	if err := parsed.DecodeSectionInto(SectionSlug, &v); err != nil {
		return Settings{}, errors.Wrap(err, "decode provider settings")
	}
	s := Settings{
		Kind:         v.Kind,
		BaseURL:      v.BaseURL,
		APIKey:       v.APIKey,
		APIKeyEnv:    v.APIKeyEnv,
		DefaultModel: v.DefaultModel,
	}
	var err error
	if s.Timeout, err = parseDuration("provider-timeout", v.Timeout); err != nil {
		return s, err
	}
	if s.EchoDelay, err = parseDuration("echo-delay", v.EchoDelay); err != nil {
		return s, err
	}
	return s, nil
}

func parseDuration(name, text string) (time.Duration, error) {
	if text == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(text)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", name)
	}
	return d, nil
}
