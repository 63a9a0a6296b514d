package redisstream

import (
	"strings"

	"github.com/pkg/errors"
)

// Settings holds the Redis Streams mirror configuration.
type Settings struct {
	Enabled      bool   `yaml:"enabled" glazed:"redis-enabled"`
	Addr         string `yaml:"addr" glazed:"redis-addr"`
	StreamPrefix string `yaml:"stream-prefix" glazed:"redis-stream-prefix"`
	Group        string `yaml:"group" glazed:"redis-group"`
	Consumer     string `yaml:"consumer" glazed:"redis-consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Enabled:      false,
		Addr:         "localhost:6379",
		StreamPrefix: "chat",
		Group:        "chatrelay-tail",
		Consumer:     "tail-1",
	}
}

func (s Settings) Validate() error {
	if !s.Enabled {
		return nil
	}
	if strings.TrimSpace(s.Addr) == "" {
		return errors.New("redis: addr is required when enabled")
	}
	if strings.TrimSpace(s.StreamPrefix) == "" {
		return errors.New("redis: stream-prefix is required when enabled")
	}
	return nil
}

// Topic is the stream name that mirrors the events of one client.
func Topic(prefix, clientID string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return clientID
	}
	return prefix + ":" + clientID
}
