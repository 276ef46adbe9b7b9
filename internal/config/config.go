package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config carries everything the streaming core recognizes. Credentials may
// be either a ready auth token plus signature, or a {session, signature}
// cookie pair exchanged for a token at startup.
type Config struct {
	Token     string `yaml:"token"`
	Signature string `yaml:"signature"`
	Session   string `yaml:"session"`

	Server   string `yaml:"server"`   // data | prodata | widgetdata | history-data
	ChartID  string `yaml:"chart_id"` // required when server is history-data
	Location string `yaml:"location"` // override for the auth HTTP base

	Compression   *bool `yaml:"compression"`    // zip-payload decoding attempt (default on)
	AutoRehydrate *bool `yaml:"auto_rehydrate"` // replay session state after reconnect (default on)

	ConnectTimeoutMs          int     `yaml:"connect_timeout_ms"`
	ReconnectMaxRetries       int     `yaml:"reconnect_max_retries"`
	ReconnectFastFirstDelayMs int     `yaml:"reconnect_fast_first_delay_ms"`
	ReconnectBaseDelayMs      int     `yaml:"reconnect_base_delay_ms"`
	ReconnectMaxDelayMs       int     `yaml:"reconnect_max_delay_ms"`
	ReconnectMultiplier       float64 `yaml:"reconnect_multiplier"`
	ReconnectJitter           *bool   `yaml:"reconnect_jitter"`
	AuthMaxAttempts           int     `yaml:"auth_max_attempts"`
	AuthRetryDelayMs          int     `yaml:"auth_retry_delay_ms"`

	// RequestTimeoutMs bounds suspending operations (symbol resolve, series
	// create, backfill, study create, history request) unless the caller
	// passes a tighter context.
	RequestTimeoutMs int `yaml:"request_timeout_ms"`

	// HighWaterMark caps a session's pending dispatch queue; beyond it the
	// oldest entry is dropped and a backpressure event is emitted.
	HighWaterMark int `yaml:"high_water_mark"`

	Debug          bool `yaml:"debug"`
	StrictProtocol bool `yaml:"strict_protocol"`
}

func (c *Config) CompressionEnabled() bool { return c.Compression == nil || *c.Compression }

func (c *Config) AutoRehydrateEnabled() bool { return c.AutoRehydrate == nil || *c.AutoRehydrate }

func (c *Config) JitterEnabled() bool { return c.ReconnectJitter == nil || *c.ReconnectJitter }

func (c *Config) Validate() error {
	switch c.Server {
	case "data", "prodata", "widgetdata":
	case "history-data":
		if c.ChartID == "" {
			return fmt.Errorf("server 'history-data' requires chart_id")
		}
	default:
		return fmt.Errorf("invalid server '%s': must be 'data', 'prodata', 'widgetdata' or 'history-data'", c.Server)
	}
	if c.ReconnectMultiplier < 1 {
		return fmt.Errorf("reconnect_multiplier must be >= 1, got %.2f", c.ReconnectMultiplier)
	}
	if c.ReconnectMaxDelayMs < c.ReconnectBaseDelayMs {
		return fmt.Errorf("reconnect_max_delay_ms (%d) must be >= reconnect_base_delay_ms (%d)",
			c.ReconnectMaxDelayMs, c.ReconnectBaseDelayMs)
	}
	if c.AuthMaxAttempts <= 0 {
		return fmt.Errorf("auth_max_attempts must be positive, got %d", c.AuthMaxAttempts)
	}
	if c.HighWaterMark <= 0 {
		return fmt.Errorf("high_water_mark must be positive, got %d", c.HighWaterMark)
	}
	return nil
}

// ApplyDefaults fills zero-value tunables so a sparse yaml file (or a
// programmatically built Config) behaves sensibly.
func (c *Config) ApplyDefaults() {
	if c.Server == "" {
		c.Server = "data"
	}
	if c.ConnectTimeoutMs == 0 {
		c.ConnectTimeoutMs = 10000
	}
	if c.ReconnectMaxRetries == 0 {
		c.ReconnectMaxRetries = 10
	}
	if c.ReconnectFastFirstDelayMs == 0 {
		c.ReconnectFastFirstDelayMs = 250
	}
	if c.ReconnectBaseDelayMs == 0 {
		c.ReconnectBaseDelayMs = 1000
	}
	if c.ReconnectMaxDelayMs == 0 {
		c.ReconnectMaxDelayMs = 30000
	}
	if c.ReconnectMultiplier == 0 {
		c.ReconnectMultiplier = 2
	}
	if c.AuthMaxAttempts == 0 {
		c.AuthMaxAttempts = 3
	}
	if c.AuthRetryDelayMs == 0 {
		c.AuthRetryDelayMs = 500
	}
	if c.RequestTimeoutMs == 0 {
		c.RequestTimeoutMs = 15000
	}
	if c.HighWaterMark == 0 {
		c.HighWaterMark = 256
	}
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}

	c.ApplyDefaults()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &c, nil
}
