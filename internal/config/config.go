// Package config loads the client's YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/seabed/spyglass/internal/otel"
)

// ServerConfig points the client at one orchestrator.
type ServerConfig struct {
	// BaseURL is the http(s) root; the websocket URL is derived from it.
	BaseURL string `yaml:"base_url"`
	// EventsPath is the streaming endpoint. Default /v2/events.
	EventsPath string `yaml:"events_path"`
	// BearingsPath is the bootstrap snapshot endpoint. Default /v2/bearings.
	BearingsPath string `yaml:"bearings_path"`
	// Token is the bearer token. The SPYGLASS_TOKEN environment
	// variable overrides it so tokens can stay out of config files.
	Token string `yaml:"token"`
}

// SessionConfig tunes the stream session.
type SessionConfig struct {
	// ReconnectPolicy is "fail-closed" (default) or "resubscribe".
	// The two behave very differently on stream closure; deployments
	// pick one explicitly.
	ReconnectPolicy string `yaml:"reconnect_policy"`
	// QueueSize bounds the inbound frame queue. Default 256.
	QueueSize int `yaml:"queue_size"`
}

// Config is the whole client configuration.
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Session  SessionConfig `yaml:"session"`
	LogLevel string        `yaml:"log_level"`
	Otel     otel.Config   `yaml:"otel"`
}

// Load reads and validates the config file at path.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.EventsPath == "" {
		c.Server.EventsPath = "/v2/events"
	}
	if c.Server.BearingsPath == "" {
		c.Server.BearingsPath = "/v2/bearings"
	}
	if c.Session.ReconnectPolicy == "" {
		c.Session.ReconnectPolicy = "fail-closed"
	}
	if c.Session.QueueSize <= 0 {
		c.Session.QueueSize = 256
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if token := os.Getenv("SPYGLASS_TOKEN"); token != "" {
		c.Server.Token = token
	}
}

// Validate checks the parts that would otherwise fail at connect time.
func (c Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return fmt.Errorf("server.base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.base_url: scheme must be http or https, got %q", u.Scheme)
	}
	switch c.Session.ReconnectPolicy {
	case "fail-closed", "resubscribe":
	default:
		return fmt.Errorf("session.reconnect_policy: unknown policy %q", c.Session.ReconnectPolicy)
	}
	return nil
}

// EventsURL derives the websocket endpoint from the base URL.
func (c Config) EventsURL() string {
	base := strings.TrimRight(c.Server.BaseURL, "/")
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + c.Server.EventsPath
}
