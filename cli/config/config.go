package config

import (
	"fmt"
	"time"

	"github.com/pithecene-io/inkwell/policy"
)

// Config represents an inkwell.yaml configuration file.
// All values are optional and act as defaults for inkwell generate flags.
// CLI flags always override config values.
type Config struct {
	Server   ServerConfig     `yaml:"server"`
	Stream   StreamConfig     `yaml:"stream"`
	Cache    CacheConfig      `yaml:"cache"`
	Adapter  AdapterConfig    `yaml:"adapter"`
	Defaults GenerateDefaults `yaml:"defaults"`
}

// ServerConfig holds job-control API defaults from the config file.
type ServerConfig struct {
	BaseURL   string   `yaml:"base_url"`
	AuthToken string   `yaml:"auth_token"`
	Timeout   Duration `yaml:"timeout,omitempty"`
	Retries   *int     `yaml:"retries,omitempty"`
}

// StreamConfig holds reconnect and liveness tuning from the config file.
type StreamConfig struct {
	HeartbeatTimeout Duration   `yaml:"heartbeat_timeout,omitempty"`
	MaxRetries       int        `yaml:"max_retries,omitempty"`
	Backoff          []Duration `yaml:"backoff,omitempty"`
	BreakerThreshold int        `yaml:"breaker_threshold,omitempty"`
	BreakerWindow    Duration   `yaml:"breaker_window,omitempty"`
	BreakerCooldown  Duration   `yaml:"breaker_cooldown,omitempty"`
}

// CacheConfig holds resume-cache settings from the config file.
type CacheConfig struct {
	Path     string `yaml:"path,omitempty"`
	Disabled bool   `yaml:"disabled,omitempty"`
}

// AdapterConfig holds notification adapter defaults from the config file.
type AdapterConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// GenerateDefaults holds request defaults from the config file.
type GenerateDefaults struct {
	Project     string   `yaml:"project,omitempty"`
	ScriptType  string   `yaml:"script_type,omitempty"`
	Model       string   `yaml:"model,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	TargetWords *int     `yaml:"target_words,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// PolicyConfig converts the stream block into a reconnect policy config.
// Unset fields stay zero so policy.New applies its own defaults.
func (c *Config) PolicyConfig() policy.Config {
	pc := policy.Config{
		MaxRetries:       c.Stream.MaxRetries,
		BreakerThreshold: c.Stream.BreakerThreshold,
		BreakerWindow:    c.Stream.BreakerWindow.Duration,
		BreakerCooldown:  c.Stream.BreakerCooldown.Duration,
	}
	if len(c.Stream.Backoff) > 0 {
		pc.Backoff = make([]time.Duration, 0, len(c.Stream.Backoff))
		for _, d := range c.Stream.Backoff {
			pc.Backoff = append(pc.Backoff, d.Duration)
		}
	}
	return pc
}
