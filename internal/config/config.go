// Package config defines all configuration for the trading engine. Config is
// loaded from a YAML file (default: configs/config.yaml) with sensitive
// fields overridable via BYE_* environment variables, the same split the
// teacher's config package uses for its wallet/API secrets.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly onto the YAML file.
type Config struct {
	Demo      bool            `mapstructure:"demo"`
	API       APIConfig       `mapstructure:"api"`
	Store     StoreConfig     `mapstructure:"store"`
	Strategy  StrategyDefaults `mapstructure:"strategy_defaults"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Users     []UserConfig    `mapstructure:"users"`
}

// APIConfig holds the exchange REST/WS endpoints. Live vs demo host
// selection happens once at startup from Demo.
type APIConfig struct {
	RESTBaseURLLive string `mapstructure:"rest_base_url_live"`
	RESTBaseURLDemo string `mapstructure:"rest_base_url_demo"`
	WSPublicURL     string `mapstructure:"ws_public_url"`
	WSPrivateURLLive string `mapstructure:"ws_private_url_live"`
	WSPrivateURLDemo string `mapstructure:"ws_private_url_demo"`
}

// RESTBaseURL returns the REST host to use given Demo.
func (c Config) RESTBaseURL() string {
	if c.Demo {
		return c.API.RESTBaseURLDemo
	}
	return c.API.RESTBaseURLLive
}

// WSPrivateURL returns the private WS host to use given Demo.
func (c Config) WSPrivateURL() string {
	if c.Demo {
		return c.API.WSPrivateURLDemo
	}
	return c.API.WSPrivateURLLive
}

// StoreConfig configures the relational OrderStore backing.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // not read: store.Open always uses sqlite
	DSN    string `mapstructure:"dsn"`
}

// StrategyDefaults are the factory defaults for a new StrategyConfig
// snapshot, before any per-user override is applied. Field names mirror
// spec.md §3's StrategyConfig exactly.
type StrategyDefaults struct {
	OrderAmount               float64       `mapstructure:"order_amount"`
	Leverage                  int           `mapstructure:"leverage"`
	AveragingTriggerPct       float64       `mapstructure:"averaging_trigger_pct"`
	AveragingMultiplier       float64       `mapstructure:"averaging_multiplier"`
	AveragingStopLossPct      float64       `mapstructure:"averaging_stop_loss_pct"`
	MaxAveragingCount         int           `mapstructure:"max_averaging_count"`
	EnableStopLoss            bool          `mapstructure:"enable_stop_loss"`
	EnableAveraging           bool          `mapstructure:"enable_averaging"`
	EnableStagnationDetector  bool          `mapstructure:"enable_stagnation_detector"`
	StagnationRangeMinPct     float64       `mapstructure:"stagnation_range_min_pct"`
	StagnationRangeMaxPct     float64       `mapstructure:"stagnation_range_max_pct"`
	StagnationObservationSecs int           `mapstructure:"stagnation_observation_seconds"`
	StagnationMultiplier      float64       `mapstructure:"stagnation_multiplier"`
	AnalysisInterval          string        `mapstructure:"analysis_interval"`
	AnalysisFastPeriod        int           `mapstructure:"analysis_fast_period"`
	AnalysisSlowPeriod        int           `mapstructure:"analysis_slow_period"`
	SpikeMultiplier           float64       `mapstructure:"spike_multiplier"`
	// The two cooldowns below are not read; the strategy uses its own 60s
	// constants strategy.CooldownAfterClose and strategy.CooldownAfterReversal.
	CooldownAfterClose        time.Duration `mapstructure:"cooldown_after_close"`
	CooldownAfterReversal     time.Duration `mapstructure:"cooldown_after_reversal"`
}

// UserAccount is one credentialed sub-account a user trades through,
// identified by its account_priority, §6.4.
type UserAccount struct {
	AccountPriority int    `mapstructure:"account_priority"`
	APIKey          string `mapstructure:"api_key"`
	APISecret       string `mapstructure:"api_secret"`
}

// UserConfig is one user's engine-wide configuration: which accounts trade,
// which symbols they watch, and which strategy drives them. The production
// equivalent is loaded from a database seeded by a Telegram onboarding flow;
// that surface is out of scope, so the engine boots directly from this
// static list, §6.4.
type UserConfig struct {
	UserID       int64         `mapstructure:"user_id"`
	Watchlist    []string      `mapstructure:"watchlist"`
	StrategyType string        `mapstructure:"strategy_type"`
	Accounts     []UserAccount `mapstructure:"accounts"`
}

// RiskConfig sets per-user hard limits enforced by SessionSupervisor / the
// risk package, mirroring the teacher's kill-switch configuration shape.
type RiskConfig struct {
	MaxConcurrentPositions int           `mapstructure:"max_concurrent_positions"`
	MaxDailyLossUSDT       float64       `mapstructure:"max_daily_loss_usdt"`
	CooldownAfterKill      time.Duration `mapstructure:"cooldown_after_kill"`
}

// RecoveryConfig tunes boot-time reconciliation.
type RecoveryConfig struct {
	OrderStatusTimeout time.Duration `mapstructure:"order_status_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "console" or "json"
}

// Load reads config from a YAML file with env var overrides. ${VAR}
// placeholders in each account's api_key/api_secret are expanded from the
// process environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BYE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if dsn := os.Getenv("BYE_STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if os.Getenv("BYE_DEMO") == "true" || os.Getenv("BYE_DEMO") == "1" {
		cfg.Demo = true
	}
	for i := range cfg.Users {
		for j := range cfg.Users[i].Accounts {
			acc := &cfg.Users[i].Accounts[j]
			acc.APIKey = os.ExpandEnv(acc.APIKey)
			acc.APISecret = os.ExpandEnv(acc.APISecret)
		}
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.API.RESTBaseURLLive == "" && c.API.RESTBaseURLDemo == "" {
		return fmt.Errorf("api.rest_base_url_live or rest_base_url_demo is required")
	}
	if c.API.WSPublicURL == "" {
		return fmt.Errorf("api.ws_public_url is required")
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required (set BYE_STORE_DSN)")
	}
	if c.Strategy.OrderAmount <= 0 {
		return fmt.Errorf("strategy_defaults.order_amount must be > 0")
	}
	if c.Strategy.Leverage <= 0 {
		return fmt.Errorf("strategy_defaults.leverage must be > 0")
	}
	if c.Strategy.MaxAveragingCount < 0 {
		return fmt.Errorf("strategy_defaults.max_averaging_count must be >= 0")
	}
	if c.Risk.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("risk.max_concurrent_positions must be > 0")
	}
	if c.Strategy.AnalysisSlowPeriod <= c.Strategy.AnalysisFastPeriod {
		return fmt.Errorf("strategy_defaults.analysis_slow_period must be greater than analysis_fast_period")
	}
	for _, u := range c.Users {
		if len(u.Accounts) == 0 {
			return fmt.Errorf("user %d has no accounts configured", u.UserID)
		}
	}
	return nil
}
