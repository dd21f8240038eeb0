// Package config loads and validates the commsd configuration file (JSON).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
)

// Config is the top-level configuration.
type Config struct {
	Identity Identity `json:"identity"`
	Paths    Paths    `json:"paths"`
	Realtime Realtime `json:"realtime"`
	Call     Call     `json:"call"`
	Notify   Notify   `json:"notify"`
}

// Identity identifies the signed-in user.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// Paths locates on-disk state.
type Paths struct {
	DataDir string `json:"data_dir"`
}

// Realtime selects the channel backend. Exactly one of NATSURL or RelayURL
// should be set; with neither, an in-process bus is used (single-node runs).
type Realtime struct {
	NATSURL          string `json:"nats_url"`
	RelayURL         string `json:"relay_url"`
	MaxReconnects    int    `json:"max_reconnects"`
	ReconnectWaitSec int    `json:"reconnect_wait_seconds"`
}

// Call tunes call sessions.
type Call struct {
	STUNServers []string `json:"stun_servers"`
}

// Notify tunes the notification dispatcher.
type Notify struct {
	Enabled bool `json:"enabled"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Paths: Paths{DataDir: "data"},
		Realtime: Realtime{
			MaxReconnects:    60,
			ReconnectWaitSec: 2,
		},
		Call: Call{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
		},
		Notify: Notify{Enabled: true},
	}
}

// Load reads path, layering the file over defaults. A missing file is an
// error — use Save to write a starter config first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration to path, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.Identity.UserID == "" {
		return errors.New("identity.user_id is required")
	}
	if c.Paths.DataDir == "" {
		return errors.New("paths.data_dir is required")
	}
	if c.Realtime.NATSURL != "" && c.Realtime.RelayURL != "" {
		return errors.New("set only one of realtime.nats_url and realtime.relay_url")
	}
	if c.Realtime.RelayURL != "" {
		u, err := url.Parse(c.Realtime.RelayURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("realtime.relay_url must be a ws:// or wss:// URL, got %q", c.Realtime.RelayURL)
		}
	}
	return nil
}
