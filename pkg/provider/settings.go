package provider

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	KindOpenAI = "openai"
	KindOllama = "ollama"
	KindEcho   = "echo"
	// KindGeppetto runs a geppetto inference engine configured by its own
	// ai-* settings; see NewGeppetto.
	KindGeppetto = "geppetto"
)

// DefaultModel is used when a request does not name one.
const DefaultModel = "qwen3-max"

// Settings selects and configures the completion provider.
type Settings struct {
	Kind         string        `yaml:"kind"`
	BaseURL      string        `yaml:"base-url"`
	APIKey       string        `yaml:"api-key"`
	APIKeyEnv    string        `yaml:"api-key-env"`
	DefaultModel string        `yaml:"default-model"`
	Timeout      time.Duration `yaml:"timeout"`
	EchoDelay    time.Duration `yaml:"echo-delay"`
}

func DefaultSettings() Settings {
	return Settings{
		Kind:         KindOpenAI,
		APIKeyEnv:    "DASHSCOPE_API_KEY",
		DefaultModel: DefaultModel,
		EchoDelay:    50 * time.Millisecond,
	}
}

// ResolveAPIKey prefers the inline key and falls back to the configured env var.
func (s Settings) ResolveAPIKey() string {
	if k := strings.TrimSpace(s.APIKey); k != "" {
		return k
	}
	if env := strings.TrimSpace(s.APIKeyEnv); env != "" {
		return strings.TrimSpace(os.Getenv(env))
	}
	return ""
}

// New builds the provider described by s.
func New(s Settings) (Provider, error) {
	var httpClient *http.Client
	if s.Timeout > 0 {
		httpClient = &http.Client{Timeout: s.Timeout}
	}
	switch strings.ToLower(strings.TrimSpace(s.Kind)) {
	case "", KindOpenAI:
		key := s.ResolveAPIKey()
		if key == "" {
			return nil, errors.Errorf("provider %s: no api key (set api-key or $%s)", KindOpenAI, s.APIKeyEnv)
		}
		baseURL := s.BaseURL
		if strings.TrimSpace(baseURL) == "" {
			baseURL = DashScopeCompatibleURL
		}
		return NewOpenAI(baseURL, key, httpClient), nil
	case KindOllama:
		return NewOllama(s.BaseURL, httpClient)
	case KindEcho:
		return NewEcho(s.EchoDelay), nil
	case KindGeppetto:
		return nil, errors.Errorf("provider %s needs an inference engine, build it with NewGeppetto", KindGeppetto)
	default:
		return nil, errors.Errorf("unknown provider kind %q", s.Kind)
	}
}
