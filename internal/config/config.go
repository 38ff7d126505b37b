// Package config loads the gateway's YAML configuration and applies
// environment overrides. Secrets (platform API keys, DSNs, the master key
// reference) are usually supplied through the environment; the file carries
// structure.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaymeter/relaymeter-gateway/internal/pricing"
	"github.com/relaymeter/relaymeter-gateway/internal/routing"
	"github.com/relaymeter/relaymeter-gateway/internal/vault"
)

// Provider configures one upstream adapter.
type Provider struct {
	// APIKey is the platform-funded key for this provider.
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	// Organization applies to openai only.
	Organization string `yaml:"organization"`
	// Version applies to anthropic only.
	Version string `yaml:"version"`
}

// Database selects the persistence backend. Driver is "sqlite" or
// "postgres".
type Database struct {
	Driver string `yaml:"driver"`
	// Path is the sqlite directory; ledger and credential files live in it.
	Path string `yaml:"path"`
	// DSN is the postgres connection string.
	DSN string `yaml:"dsn"`
}

// Redis configures the optional shared balance cache.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Health tunes the provider monitor.
type Health struct {
	Interval      time.Duration `yaml:"interval"`
	Timeout       time.Duration `yaml:"timeout"`
	SlowThreshold time.Duration `yaml:"slow_threshold"`
	FlipThreshold int           `yaml:"flip_threshold"`
	WindowSize    int           `yaml:"window_size"`
}

// Ledger holds tier economics.
type Ledger struct {
	// Allocations maps tier name to its periodic credit allocation,
	// decimal strings.
	Allocations map[string]string `yaml:"allocations"`
	DefaultTier string            `yaml:"default_tier"`
	// ByokTiers may store and use their own provider keys.
	ByokTiers []string `yaml:"byok_tiers"`
	// ResetCheckInterval is how often the period scheduler scans accounts.
	ResetCheckInterval time.Duration `yaml:"reset_check_interval"`
	CacheTTL           time.Duration `yaml:"cache_ttl"`
}

// RateLimit throttles completion traffic per principal. A zero rate
// disables throttling. Tiers may override the default shape.
type RateLimit struct {
	Enabled   bool                `yaml:"enabled"`
	PerSecond float64             `yaml:"per_second"`
	Burst     float64             `yaml:"burst"`
	Tiers     map[string]RateTier `yaml:"tiers"`
}

// RateTier is a per-tier override of the default limit.
type RateTier struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     float64 `yaml:"burst"`
}

// Logging configures the rotating file sink.
type Logging struct {
	File     string `yaml:"file"`
	MaxBytes int64  `yaml:"max_bytes"`
	KeepDays int    `yaml:"keep_days"`
}

// Config is the root document.
type Config struct {
	Listen string `yaml:"listen"`

	// MasterKeyRef locates the vault master key: env://VAR, file:///path
	// or vault://mount/path#field.
	MasterKeyRef string            `yaml:"master_key_ref"`
	VaultServer  vault.VaultConfig `yaml:"-"`

	Database Database `yaml:"database"`
	Redis    Redis    `yaml:"redis"`

	Providers map[string]Provider `yaml:"providers"`

	// RulesFile points at the routing rules YAML. When RulesFromDB is set
	// the shared postgres table is used instead.
	RulesFile   string `yaml:"rules_file"`
	RulesFromDB bool   `yaml:"rules_from_db"`
	// Tiers, lowest privilege first. Shared by routing and the ledger.
	Tiers []string `yaml:"tiers"`

	Pricing []pricing.ModelPrice `yaml:"pricing"`

	Ledger    Ledger    `yaml:"ledger"`
	Health    Health    `yaml:"health"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Logging   Logging   `yaml:"logging"`

	// AttemptTimeout bounds a single provider attempt.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// Load reads path, applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv lets the environment override file values so deployments keep
// secrets out of the config file.
func (c *Config) applyEnv() {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Listen, "GATEWAY_LISTEN")
	set(&c.MasterKeyRef, "GATEWAY_MASTER_KEY_REF")
	set(&c.Database.DSN, "GATEWAY_PG_DSN")
	set(&c.Database.Path, "GATEWAY_DATA_DIR")
	set(&c.Redis.Addr, "GATEWAY_REDIS_ADDR")
	set(&c.Redis.Password, "GATEWAY_REDIS_PASSWORD")
	set(&c.Logging.File, "GATEWAY_LOG_FILE")

	set(&c.VaultServer.Address, "VAULT_ADDR")
	set(&c.VaultServer.Token, "VAULT_TOKEN")
	set(&c.VaultServer.RoleID, "VAULT_ROLE_ID")
	set(&c.VaultServer.SecretID, "VAULT_SECRET_ID")

	for name, p := range c.Providers {
		envKey := strings.ToUpper(name) + "_API_KEY"
		if v := os.Getenv(envKey); v != "" {
			p.APIKey = v
			c.Providers[name] = p
		}
	}
	if v := os.Getenv("GATEWAY_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data"
	}
	if c.Health.Interval == 0 {
		c.Health.Interval = 30 * time.Second
	}
	if c.Health.Timeout == 0 {
		c.Health.Timeout = 5 * time.Second
	}
	if c.Health.SlowThreshold == 0 {
		c.Health.SlowThreshold = 2 * time.Second
	}
	if c.Health.FlipThreshold == 0 {
		c.Health.FlipThreshold = 3
	}
	if c.Health.WindowSize == 0 {
		c.Health.WindowSize = 20
	}
	if c.Ledger.ResetCheckInterval == 0 {
		c.Ledger.ResetCheckInterval = time.Hour
	}
	if c.Ledger.CacheTTL == 0 {
		c.Ledger.CacheTTL = 30 * time.Second
	}
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = 60 * time.Second
	}
	if c.Logging.MaxBytes == 0 {
		c.Logging.MaxBytes = 64 << 20
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.PerSecond == 0 {
			c.RateLimit.PerSecond = 5
		}
		if c.RateLimit.Burst == 0 {
			c.RateLimit.Burst = 10
		}
	}
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("config: postgres driver requires a dsn")
		}
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	if c.MasterKeyRef == "" {
		return fmt.Errorf("config: master_key_ref is required")
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: at least one provider must be configured")
	}
	if len(c.Tiers) == 0 {
		return fmt.Errorf("config: tiers must be configured")
	}
	if len(c.Ledger.Allocations) == 0 {
		return fmt.Errorf("config: ledger allocations must be configured")
	}
	for _, tier := range c.Tiers {
		if _, ok := c.Ledger.Allocations[tier]; !ok {
			return fmt.Errorf("config: tier %q has no credit allocation", tier)
		}
	}
	if c.Ledger.DefaultTier == "" {
		c.Ledger.DefaultTier = c.Tiers[0]
	}
	if _, ok := c.Ledger.Allocations[c.Ledger.DefaultTier]; !ok {
		return fmt.Errorf("config: default tier %q has no allocation", c.Ledger.DefaultTier)
	}
	for _, tier := range c.Ledger.ByokTiers {
		if !contains(c.Tiers, tier) {
			return fmt.Errorf("config: byok tier %q is not a configured tier", tier)
		}
	}
	if !c.RulesFromDB && c.RulesFile == "" {
		return fmt.Errorf("config: rules_file is required unless rules_from_db is set")
	}
	if c.RulesFromDB && c.Database.Driver != "postgres" {
		return fmt.Errorf("config: rules_from_db requires the postgres driver")
	}
	if len(c.Pricing) == 0 {
		return fmt.Errorf("config: pricing table must not be empty")
	}
	for tier := range c.RateLimit.Tiers {
		if !contains(c.Tiers, tier) {
			return fmt.Errorf("config: rate limit override for unknown tier %q", tier)
		}
	}
	return nil
}

// ProviderNames returns the configured provider names, for routing rule
// validation.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	return names
}

// PlatformKeys extracts the provider -> platform key map.
func (c *Config) PlatformKeys() map[string]string {
	keys := make(map[string]string, len(c.Providers))
	for name, p := range c.Providers {
		if p.APIKey != "" {
			keys[name] = p.APIKey
		}
	}
	return keys
}

// LoadRules reads the routing rules from the configured file.
func (c *Config) LoadRules() (*routing.RuleSet, error) {
	raw, err := os.ReadFile(c.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return routing.ParseWithTiers(raw, c.Tiers, c.ProviderNames())
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
