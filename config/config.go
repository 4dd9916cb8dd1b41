// Package config loads the node's yaml configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from yaml strings like
// "500ms" or "15m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the complete node configuration.
type Config struct {
	// Listen is the UDP address the DHT socket binds.
	Listen string `yaml:"listen"`
	// Bootstrap lists host:port routers pinged at startup.
	Bootstrap []string `yaml:"bootstrap"`
	// NodeID pins the local ID (hex); empty means random per start.
	NodeID string `yaml:"node_id"`

	QueryTimeout  Duration `yaml:"query_timeout"`
	TokenLifetime Duration `yaml:"token_lifetime"`
	NodeTimeout   Duration `yaml:"node_timeout"`
	RangeTimeout  Duration `yaml:"range_timeout"`

	LogLevel      string `yaml:"log_level"`
	MetricsListen string `yaml:"metrics_listen"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:        "0.0.0.0:6881",
		QueryTimeout:  Duration(2 * time.Second),
		TokenLifetime: Duration(5 * time.Minute),
		NodeTimeout:   Duration(15 * time.Minute),
		RangeTimeout:  Duration(15 * time.Minute),
		LogLevel:      "info",
	}
}

// Load reads a yaml config file on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	bs, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(bs, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.QueryTimeout <= 0 {
		return fmt.Errorf("query_timeout must be positive")
	}
	if c.TokenLifetime <= 0 {
		return fmt.Errorf("token_lifetime must be positive")
	}
	if c.NodeTimeout <= 0 || c.RangeTimeout <= 0 {
		return fmt.Errorf("node_timeout and range_timeout must be positive")
	}
	return nil
}
