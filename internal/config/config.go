package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config models leadline.yml: the allocation policy knobs that are not
// derivable from the data itself. It is stored in the database and
// importable, so every instance sharing the workspace agrees on policy.
type Config struct {
	Pool struct {
		// RestrictToCreationDate additionally filters the eligible
		// pool to orders created on the allocation date. Off by
		// default: backlog from earlier days stays allocatable.
		RestrictToCreationDate bool `yaml:"restrict_to_creation_date"`
	} `yaml:"pool"`
	Profit struct {
		PerPaidOrder       string `yaml:"per_paid_order"`
		MemberSharePercent int    `yaml:"member_share_percent"`
	} `yaml:"profit"`
	Server struct {
		LogLevel string `yaml:"log_level"`
	} `yaml:"server"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Profit.PerPaidOrder == "" {
		return fmt.Errorf("config.profit.per_paid_order is required")
	}
	per, err := decimal.NewFromString(c.Profit.PerPaidOrder)
	if err != nil {
		return fmt.Errorf("config.profit.per_paid_order: %w", err)
	}
	if per.IsNegative() {
		return fmt.Errorf("config.profit.per_paid_order must not be negative")
	}
	if c.Profit.MemberSharePercent < 0 || c.Profit.MemberSharePercent > 100 {
		return fmt.Errorf("config.profit.member_share_percent must be within 0..100")
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	return nil
}

// PerPaidOrder returns the profit booked for each paid order.
func (c *Config) PerPaidOrder() decimal.Decimal {
	d, err := decimal.NewFromString(c.Profit.PerPaidOrder)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// MemberShare returns the member's cut of the per-order profit.
func (c *Config) MemberShare() decimal.Decimal {
	return c.PerPaidOrder().
		Mul(decimal.NewFromInt(int64(c.Profit.MemberSharePercent))).
		Div(decimal.NewFromInt(100))
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `pool:
  # When true, only orders created on the allocation date are eligible.
  restrict_to_creation_date: false

profit:
  per_paid_order: "450"
  member_share_percent: 40

server:
  log_level: info
`
