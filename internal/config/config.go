package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a string ("5s", "300ms") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.roomsync/config.toml.
type Config struct {
	DefaultSession string         `toml:"default_session"`
	Server         ServerConfig   `toml:"server"`
	Search         SearchConfig   `toml:"search"`
	Identity       IdentityConfig `toml:"identity"`
	Log            LogConfig      `toml:"log"`
}

// ServerConfig points at the backend.
type ServerConfig struct {
	// BrokerURL is the STOMP endpoint: ws:// or wss:// for STOMP over
	// WebSocket, tcp:// for a plain STOMP broker.
	BrokerURL      string   `toml:"broker_url"`
	APIURL         string   `toml:"api_url"`
	TopicPrefix    string   `toml:"topic_prefix"`
	UserPrefix     string   `toml:"user_prefix"`
	Heartbeat      Duration `toml:"heartbeat"`
	ReconnectDelay Duration `toml:"reconnect_delay"`
	RequestTimeout Duration `toml:"request_timeout"`
}

type SearchConfig struct {
	MinQueryLength int      `toml:"min_query_length"`
	Debounce       Duration `toml:"debounce"`
}

// IdentityConfig.MemberID overrides the member id read from the credential.
type IdentityConfig struct {
	MemberID string `toml:"member_id"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BrokerURL:      "ws://localhost:8080/ws",
			APIURL:         "http://localhost:8080",
			TopicPrefix:    "/topic/chat",
			UserPrefix:     "/user",
			Heartbeat:      Duration{10 * time.Second},
			ReconnectDelay: Duration{5 * time.Second},
			RequestTimeout: Duration{15 * time.Second},
		},
		Search: SearchConfig{
			MinQueryLength: 2,
			Debounce:       Duration{300 * time.Millisecond},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads config from the given path on top of Default. Returns an error
// if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks the server endpoints.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.BrokerURL)
	if err != nil {
		return fmt.Errorf("server.broker_url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "tcp":
	default:
		return fmt.Errorf("server.broker_url: unsupported scheme %q", u.Scheme)
	}
	a, err := url.Parse(c.Server.APIURL)
	if err != nil {
		return fmt.Errorf("server.api_url: %w", err)
	}
	if a.Scheme != "http" && a.Scheme != "https" {
		return fmt.Errorf("server.api_url: unsupported scheme %q", a.Scheme)
	}
	if c.Search.MinQueryLength < 1 {
		return fmt.Errorf("search.min_query_length must be positive, got %d", c.Search.MinQueryLength)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
