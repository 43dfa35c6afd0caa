package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the engine policy file (engine.toml).
type Config struct {
	DataDir   string `toml:"data_dir"`
	ServerURL string `toml:"server_url"`

	// AllowPlaintextFallback permits sending a message unencrypted when
	// encryption fails. Off by default: encryption failure fails the send.
	AllowPlaintextFallback bool `toml:"allow_plaintext_fallback"`

	// RetryCeiling bounds automatic retries; past it a send is surfaced as
	// permanently failed and requires an explicit user retry or discard.
	RetryCeiling int `toml:"retry_ceiling"`

	FallbackTimerMS  int `toml:"fallback_timer_ms"`
	MatchWindowMS    int `toml:"match_window_ms"`
	RetentionGraceMS int `toml:"retention_grace_ms"`
	EventBufferGrace int `toml:"event_buffer_grace_ms"`
	PageSize         int `toml:"page_size"`
	LivenessPollSecs int `toml:"liveness_poll_s"`
}

// Default returns the engine defaults applied under any missing or zero field.
func Default() *Config {
	return &Config{
		RetryCeiling:     5,
		FallbackTimerMS:  3000,
		MatchWindowMS:    5000,
		RetentionGraceMS: 10000,
		EventBufferGrace: 30000,
		PageSize:         50,
		LivenessPollSecs: 120,
	}
}

// Load reads config from the given path and fills zero fields with defaults.
// Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
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

func (c *Config) applyDefaults() {
	d := Default()
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = d.RetryCeiling
	}
	if c.FallbackTimerMS <= 0 {
		c.FallbackTimerMS = d.FallbackTimerMS
	}
	if c.MatchWindowMS <= 0 {
		c.MatchWindowMS = d.MatchWindowMS
	}
	if c.RetentionGraceMS <= 0 {
		c.RetentionGraceMS = d.RetentionGraceMS
	}
	if c.EventBufferGrace <= 0 {
		c.EventBufferGrace = d.EventBufferGrace
	}
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	if c.LivenessPollSecs <= 0 {
		c.LivenessPollSecs = d.LivenessPollSecs
	}
}

// FallbackTimer returns the fallback timer duration.
func (c *Config) FallbackTimer() time.Duration {
	return time.Duration(c.FallbackTimerMS) * time.Millisecond
}

// MatchWindow returns the own-message timestamp matching window.
func (c *Config) MatchWindow() time.Duration {
	return time.Duration(c.MatchWindowMS) * time.Millisecond
}

// RetentionGrace returns how long plaintext is retained after the server id
// is known, to tolerate out-of-order push delivery.
func (c *Config) RetentionGrace() time.Duration {
	return time.Duration(c.RetentionGraceMS) * time.Millisecond
}

// EventGrace returns how long events for unknown server ids are buffered.
func (c *Config) EventGrace() time.Duration {
	return time.Duration(c.EventBufferGrace) * time.Millisecond
}

// LivenessPoll returns the safety-net poll interval.
func (c *Config) LivenessPoll() time.Duration {
	return time.Duration(c.LivenessPollSecs) * time.Second
}
