package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/axiomhq/digest"
	"github.com/axiomhq/digest/reporting"
)

const (
	kindTime  = "time"
	kindValue = "value"
)

// Config declares the distributions served by `digestctl serve`.
type Config struct {
	// Namespace prefixes every metric name.
	Namespace string `yaml:"namespace"`

	Distributions []DistributionConfig `yaml:"distributions"`
}

// DistributionConfig declares a single distribution.
type DistributionConfig struct {
	// Name is the metric name and the key used by input lines.
	Name string `yaml:"name"`

	// Kind is either `time`, backed by a quantile digest, or `value`,
	// backed by a decaying t-digest.
	Kind string `yaml:"kind"`

	// HalfLife is the age at which a value weighs half as much as a fresh
	// one. Zero disables decay.
	HalfLife time.Duration `yaml:"halfLife"`

	// Unit is the unit of time distribution values, both on input and in
	// the exposed metrics.
	Unit time.Duration `yaml:"unit"`

	// Compression is the t-digest compression of value distributions.
	Compression float64 `yaml:"compression"`
}

// DefaultConfig returns a configuration without distributions.
func DefaultConfig() *Config {
	return &Config{
		Namespace: "digest",
	}
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return ParseConfig(bytes.NewReader(data))
}

// ParseConfig decodes and validates a YAML configuration, filling in
// defaults.
func ParseConfig(r io.Reader) (*Config, error) {
	config := DefaultConfig()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	for i := range config.Distributions {
		dc := &config.Distributions[i]
		if dc.Kind == "" {
			dc.Kind = kindValue
		}
		if dc.Unit == 0 {
			dc.Unit = time.Second
		}
		if dc.Compression == 0 {
			dc.Compression = digest.DefaultCompression
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// Validate ...
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Distributions))
	for _, dc := range c.Distributions {
		if dc.Name == "" {
			return fmt.Errorf("distribution without a name")
		}
		if _, found := seen[dc.Name]; found {
			return fmt.Errorf("distribution '%s' declared twice", dc.Name)
		}
		seen[dc.Name] = struct{}{}

		if dc.Kind != kindTime && dc.Kind != kindValue {
			return fmt.Errorf("distribution '%s': unknown kind '%s'", dc.Name, dc.Kind)
		}
		if dc.HalfLife < 0 {
			return fmt.Errorf("distribution '%s': negative half life", dc.Name)
		}
		if dc.Unit < 0 {
			return fmt.Errorf("distribution '%s': negative unit", dc.Name)
		}
	}

	return nil
}

func (dc DistributionConfig) options() []reporting.Option {
	opts := []reporting.Option{
		reporting.WithUnit(dc.Unit),
		reporting.WithCompression(dc.Compression),
	}
	if dc.HalfLife > 0 {
		opts = append(opts, reporting.WithHalfLife(dc.HalfLife))
	}

	return opts
}
