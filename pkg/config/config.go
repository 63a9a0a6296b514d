// Package config holds the chatrelay settings: the YAML file, which provides the
// defaults, and the glazed sections that flags and environment override.
package config

import (
	"bytes"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatrelay/pkg/history"
	"github.com/go-go-golems/chatrelay/pkg/persistence/transcript"
	"github.com/go-go-golems/chatrelay/pkg/provider"
	"github.com/go-go-golems/chatrelay/pkg/redisstream"
)

type ServerSettings struct {
	Addr              string        `yaml:"addr"`
	HistoryLimit      int           `yaml:"history-limit"`
	HistoryMaxTokens  int           `yaml:"history-max-tokens"`
	SendBuffer        int           `yaml:"send-buffer"`
	WriteTimeout      time.Duration `yaml:"write-timeout"`
	PingInterval      time.Duration `yaml:"ping-interval"`
	PongWait          time.Duration `yaml:"pong-wait"`
	ReadLimit         int64         `yaml:"read-limit"`
	ShutdownTimeout   time.Duration `yaml:"shutdown-timeout"`
	DisconnectTimeout time.Duration `yaml:"disconnect-timeout"`
	// AllowedOrigins restricts websocket upgrades; empty allows any origin.
	AllowedOrigins []string `yaml:"allowed-origins"`
}

type TranscriptSettings struct {
	Enabled bool   `yaml:"enabled" glazed:"transcripts"`
	Path    string `yaml:"path" glazed:"transcripts-db"`
	// DSN overrides Path when set.
	DSN string `yaml:"dsn" glazed:"transcripts-dsn"`
}

// ResolveDSN returns the sqlite DSN for the transcript store.
func (t TranscriptSettings) ResolveDSN() (string, error) {
	if dsn := strings.TrimSpace(t.DSN); dsn != "" {
		return dsn, nil
	}
	return transcript.SQLiteDSNForFile(t.Path)
}

type Config struct {
	Server      ServerSettings       `yaml:"server"`
	Provider    provider.Settings    `yaml:"provider"`
	Redis       redisstream.Settings `yaml:"redis"`
	Transcripts TranscriptSettings   `yaml:"transcripts"`
}

func Default() Config {
	return Config{
		Server: ServerSettings{
			Addr:              ":8000",
			HistoryLimit:      history.DefaultLimit,
			SendBuffer:        256,
			WriteTimeout:      10 * time.Second,
			PingInterval:      30 * time.Second,
			PongWait:          60 * time.Second,
			ReadLimit:         64 * 1024,
			ShutdownTimeout:   30 * time.Second,
			DisconnectTimeout: 5 * time.Second,
		},
		Provider: provider.DefaultSettings(),
		Redis:    redisstream.DefaultSettings(),
		Transcripts: TranscriptSettings{
			Path: "chatrelay-transcripts.db",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := decode(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks the fields that would otherwise fail late.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server: addr is required")
	}
	if c.Server.HistoryLimit < 0 {
		return errors.Errorf("server: history-limit must be >= 0, got %d", c.Server.HistoryLimit)
	}
	if c.Server.HistoryMaxTokens < 0 {
		return errors.Errorf("server: history-max-tokens must be >= 0, got %d", c.Server.HistoryMaxTokens)
	}
	if c.Server.SendBuffer <= 0 {
		return errors.Errorf("server: send-buffer must be > 0, got %d", c.Server.SendBuffer)
	}
	if c.Server.PingInterval > 0 && c.Server.PongWait > 0 && c.Server.PingInterval >= c.Server.PongWait {
		return errors.Errorf("server: ping-interval (%s) must be shorter than pong-wait (%s)", c.Server.PingInterval, c.Server.PongWait)
	}
	switch strings.ToLower(strings.TrimSpace(c.Provider.Kind)) {
	case "", provider.KindOpenAI, provider.KindOllama, provider.KindEcho, provider.KindGeppetto:
	default:
		return errors.Errorf("provider: unknown kind %q", c.Provider.Kind)
	}
	if err := c.Redis.Validate(); err != nil {
		return err
	}
	if c.Transcripts.Enabled {
		if _, err := c.Transcripts.ResolveDSN(); err != nil {
			return errors.Wrap(err, "transcripts")
		}
	}
	return nil
}

// Marshal renders c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
