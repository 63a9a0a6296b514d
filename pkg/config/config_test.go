package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatrelay/pkg/provider"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 20, cfg.Server.HistoryLimit)
	require.Equal(t, provider.DefaultModel, cfg.Provider.DefaultModel)
	require.False(t, cfg.Redis.Enabled)
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad_OverlaysFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9000"
  history-limit: 10
  write-timeout: 3s
provider:
  kind: echo
  echo-delay: 5ms
redis:
  enabled: true
  addr: "redis:6379"
transcripts:
  enabled: true
  path: /tmp/t.db
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, ":9000", cfg.Server.Addr)
	require.Equal(t, 10, cfg.Server.HistoryLimit)
	require.Equal(t, 3*time.Second, cfg.Server.WriteTimeout)
	require.Equal(t, 30*time.Second, cfg.Server.PingInterval)
	require.Equal(t, provider.KindEcho, cfg.Provider.Kind)
	require.Equal(t, 5*time.Millisecond, cfg.Provider.EchoDelay)
	require.Equal(t, provider.DefaultModel, cfg.Provider.DefaultModel)
	require.Equal(t, "redis:6379", cfg.Redis.Addr)
	require.Equal(t, "chat", cfg.Redis.StreamPrefix)

	dsn, err := cfg.Transcripts.ResolveDSN()
	require.NoError(t, err)
	require.Contains(t, dsn, "/tmp/t.db")
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, "server:\n  adress: ':1'\n"))
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"empty addr":          func(c *Config) { c.Server.Addr = "" },
		"negative limit":      func(c *Config) { c.Server.HistoryLimit = -1 },
		"negative budget":     func(c *Config) { c.Server.HistoryMaxTokens = -5 },
		"zero send buffer":    func(c *Config) { c.Server.SendBuffer = 0 },
		"ping after pong":     func(c *Config) { c.Server.PingInterval = time.Minute; c.Server.PongWait = time.Second },
		"unknown provider":    func(c *Config) { c.Provider.Kind = "bard" },
		"redis without addr":  func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" },
		"transcripts no path": func(c *Config) { c.Transcripts.Enabled = true; c.Transcripts.Path = "" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Server.AllowedOrigins = []string{"http://localhost:8000"}
	data, err := cfg.Marshal()
	require.NoError(t, err)

	got, err := Load(writeConfig(t, string(data)))
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}

func TestSections(t *testing.T) {
	sections, err := Sections(Default())
	require.NoError(t, err)
	var slugs []string
	for _, s := range sections {
		slugs = append(slugs, s.GetSlug())
	}
	require.Equal(t, []string{ServerSlug, provider.SectionSlug, "redis", TranscriptsSlug}, slugs)
}

func TestServerValuesParseDurations(t *testing.T) {
	s, err := serverValues{
		Addr:              ":1",
		SendBuffer:        8,
		WriteTimeout:      "2s",
		ShutdownTimeout:   "1m",
		DisconnectTimeout: "250ms",
		AllowedOrigins:    []string{},
	}.settings()
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, s.WriteTimeout)
	require.Equal(t, time.Minute, s.ShutdownTimeout)
	require.Equal(t, 250*time.Millisecond, s.DisconnectTimeout)
	require.Zero(t, s.PingInterval)
	require.Nil(t, s.AllowedOrigins)

	_, err = serverValues{ShutdownTimeout: "soon"}.settings()
	require.ErrorContains(t, err, "shutdown-timeout")
}
