// Package config loads the static parameters of a sigmaguard process: limits,
// thresholds, TTLs, recovery timeouts and the backends to wire. Values come
// from a YAML file with SIGMA_* environment overrides and are immutable once
// Load returns.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/danielgonzagat/peninaocubo-sub002/pkg/archive"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/budget"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/gate"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/observability"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/optimizer"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/provider"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/resiliency"
)

// CurrentVersion is written by this build and SupportedVersions is the range it reads.
const (
	CurrentVersion    = "1.1.0"
	SupportedVersions = ">= 1.0.0, < 2.0.0"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

type BudgetConfig struct {
	HardLimit    float64            `yaml:"hard_limit"`
	SoftRatio    float64            `yaml:"soft_ratio"`
	Period       string             `yaml:"period"`
	ProviderCaps map[string]float64 `yaml:"provider_caps"`
}

type CacheConfig struct {
	FastCapacity int           `yaml:"fast_capacity"`
	DefaultTTL   time.Duration `yaml:"default_ttl"`
	// SlowTier is "log", "redis" or "none".
	SlowTier string `yaml:"slow_tier"`
}

type GateConfig struct {
	Thresholds gate.Thresholds  `yaml:"thresholds"`
	Checks     []gate.ExprCheck `yaml:"checks"`
}

type ProviderConfig struct {
	ID    string `yaml:"id"`
	URL   string `yaml:"url"`
	Model string `yaml:"model"`
	// APIKeyEnv names the environment variable holding the key.
	APIKeyEnv string `yaml:"api_key_env"`
	// MaxCost is the declared worst-case cost of one call; it is reserved
	// against the budget before the call is made.
	MaxCost            float64       `yaml:"max_cost"`
	Quality            float64       `yaml:"quality"`
	Timeout            time.Duration `yaml:"timeout"`
	InputPricePerMTok  float64       `yaml:"input_price_per_mtok"`
	OutputPricePerMTok float64       `yaml:"output_price_per_mtok"`
	RequestsPerSecond  float64       `yaml:"requests_per_second"`
	Burst              int           `yaml:"burst"`
}

type StorageConfig struct {
	// DatabaseURL selects Postgres when it starts with postgres://, otherwise
	// it is a SQLite path or DSN.
	DatabaseURL   string `yaml:"database_url"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type LedgerConfig struct {
	Archive archive.Config `yaml:"archive"`
}

type APIConfig struct {
	Addr         string  `yaml:"addr"`
	RateLimit    float64 `yaml:"rate_limit"`
	RateBurst    int     `yaml:"rate_burst"`
	AuthDisabled bool    `yaml:"auth_disabled"`
}

// Config is the full process configuration.
type Config struct {
	ConfigVersion string               `yaml:"config_version"`
	LogLevel      string               `yaml:"log_level"`
	Budget        BudgetConfig         `yaml:"budget"`
	Circuit       resiliency.Settings  `yaml:"circuit"`
	Cache         CacheConfig          `yaml:"cache"`
	Optimizer     optimizer.Weights    `yaml:"optimizer"`
	Gate          GateConfig           `yaml:"gate"`
	Providers     []ProviderConfig     `yaml:"providers"`
	Storage       StorageConfig        `yaml:"storage"`
	Ledger        LedgerConfig         `yaml:"ledger"`
	Observability observability.Config `yaml:"observability"`
	API           APIConfig            `yaml:"api"`
}

// Default returns a configuration that boots in lite mode with no providers.
func Default() Config {
	return Config{
		ConfigVersion: CurrentVersion,
		LogLevel:      "INFO",
		Budget:        BudgetConfig{HardLimit: 10, SoftRatio: 0.95, Period: string(budget.PeriodDaily)},
		Circuit:       resiliency.DefaultSettings(),
		Cache:         CacheConfig{FastCapacity: 1024, DefaultTTL: time.Hour, SlowTier: "log"},
		Optimizer:     optimizer.DefaultWeights(),
		Gate:          GateConfig{Thresholds: gate.DefaultThresholds()},
		Storage:       StorageConfig{DatabaseURL: "data/sigmaguard.db"},
		Ledger:        LedgerConfig{Archive: archive.Config{Kind: archive.KindFile, Dir: "data/archive"}},
		Observability: *observability.DefaultConfig(),
		API:           APIConfig{Addr: ":8080", RateLimit: 20, RateBurst: 40},
	}
}

// Load reads path (optional; empty means defaults only), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("load config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	float := func(key string, dst *float64) error {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
			}
			*dst = f
		}
		return nil
	}

	str("SIGMA_LOG_LEVEL", &cfg.LogLevel)
	str("SIGMA_API_ADDR", &cfg.API.Addr)
	str("DATABASE_URL", &cfg.Storage.DatabaseURL)
	str("SIGMA_DATABASE_URL", &cfg.Storage.DatabaseURL)
	str("REDIS_URL", &cfg.Storage.RedisAddr)
	str("SIGMA_REDIS_ADDR", &cfg.Storage.RedisAddr)
	str("SIGMA_CACHE_SLOW_TIER", &cfg.Cache.SlowTier)
	str("SIGMA_BUDGET_PERIOD", &cfg.Budget.Period)
	str("SIGMA_ARCHIVE_KIND", &cfg.Ledger.Archive.Kind)
	str("SIGMA_ARCHIVE_BUCKET", &cfg.Ledger.Archive.Bucket)
	str("SIGMA_ARCHIVE_DIR", &cfg.Ledger.Archive.Dir)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Observability.OTLPEndpoint)
	if err := float("SIGMA_BUDGET_HARD_LIMIT", &cfg.Budget.HardLimit); err != nil {
		return err
	}
	if err := float("SIGMA_BUDGET_SOFT_RATIO", &cfg.Budget.SoftRatio); err != nil {
		return err
	}
	if v := os.Getenv("SIGMA_OTEL_ENABLED"); v != "" {
		cfg.Observability.Enabled = v == "true"
	}
	if os.Getenv("SIGMA_API_AUTH_DISABLED") == "true" {
		cfg.API.AuthDisabled = true
	}
	// A REDIS_URL implies the redis slow tier unless one was chosen explicitly.
	if os.Getenv("REDIS_URL") != "" && os.Getenv("SIGMA_CACHE_SLOW_TIER") == "" {
		cfg.Cache.SlowTier = "redis"
	}
	return nil
}

// Validate reports the first problem found.
func (c *Config) Validate() error {
	v, err := semver.NewVersion(c.ConfigVersion)
	if err != nil {
		return fmt.Errorf("%w: config_version %q: %v", ErrInvalid, c.ConfigVersion, err)
	}
	supported, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	if !supported.Check(v) {
		return fmt.Errorf("%w: config_version %s outside supported range %s", ErrInvalid, v, SupportedVersions)
	}

	if err := c.BudgetLimits().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Budget.SoftRatio <= 0 || c.Budget.SoftRatio > 1 {
		return fmt.Errorf("%w: budget.soft_ratio must be in (0,1]", ErrInvalid)
	}
	if c.Circuit.FailureThreshold < 1 {
		return fmt.Errorf("%w: circuit.failure_threshold must be at least 1", ErrInvalid)
	}
	if c.Circuit.RecoveryTimeout <= 0 {
		return fmt.Errorf("%w: circuit.recovery_timeout must be positive", ErrInvalid)
	}
	switch c.Cache.SlowTier {
	case "log", "redis", "none":
	default:
		return fmt.Errorf("%w: cache.slow_tier %q", ErrInvalid, c.Cache.SlowTier)
	}
	if c.Cache.SlowTier == "redis" && c.Storage.RedisAddr == "" {
		return fmt.Errorf("%w: cache.slow_tier redis needs storage.redis_addr", ErrInvalid)
	}
	if c.Cache.FastCapacity < 1 || c.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("%w: cache capacity and default_ttl must be positive", ErrInvalid)
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		switch {
		case p.ID == "":
			return fmt.Errorf("%w: providers[%d] has no id", ErrInvalid, i)
		case seen[p.ID]:
			return fmt.Errorf("%w: duplicate provider %q", ErrInvalid, p.ID)
		case p.MaxCost < 0:
			return fmt.Errorf("%w: provider %q max_cost must not be negative", ErrInvalid, p.ID)
		case p.Quality < 0 || p.Quality > 1:
			return fmt.Errorf("%w: provider %q quality must be in [0,1]", ErrInvalid, p.ID)
		case p.Timeout <= 0:
			return fmt.Errorf("%w: provider %q timeout must be positive", ErrInvalid, p.ID)
		}
		seen[p.ID] = true
	}
	for id := range c.Budget.ProviderCaps {
		if !seen[id] {
			return fmt.Errorf("%w: budget cap for unknown provider %q", ErrInvalid, id)
		}
	}

	if _, err := gate.New(c.Gate.Thresholds, c.Gate.Checks); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("%w: log_level %q", ErrInvalid, c.LogLevel)
	}
	return nil
}

// BudgetLimits converts the budget section to tracker limits.
func (c *Config) BudgetLimits() budget.Limits {
	l := budget.Limits{
		Hard:      budget.FromFloat(c.Budget.HardLimit),
		SoftRatio: c.Budget.SoftRatio,
		Period:    budget.Period(c.Budget.Period),
	}
	if len(c.Budget.ProviderCaps) > 0 {
		l.ProviderCaps = make(map[string]budget.Amount, len(c.Budget.ProviderCaps))
		for id, v := range c.Budget.ProviderCaps {
			l.ProviderCaps[id] = budget.FromFloat(v)
		}
	}
	return l
}

// Endpoints returns the HTTP client endpoints, resolving API keys from the environment.
func (c *Config) Endpoints() []provider.Endpoint {
	out := make([]provider.Endpoint, 0, len(c.Providers))
	for _, p := range c.Providers {
		ep := provider.Endpoint{
			ID:                 p.ID,
			URL:                p.URL,
			Model:              p.Model,
			InputPricePerMTok:  p.InputPricePerMTok,
			OutputPricePerMTok: p.OutputPricePerMTok,
			RequestsPerSecond:  p.RequestsPerSecond,
			Burst:              p.Burst,
		}
		if p.APIKeyEnv != "" {
			ep.APIKey = os.Getenv(p.APIKeyEnv)
		}
		out = append(out, ep)
	}
	return out
}
