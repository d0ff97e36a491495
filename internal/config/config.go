// Package config defines all configuration for the trading core. Config
// is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via KATS_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	TradeMode string        `mapstructure:"trade_mode"` // LIVE or PAPER
	Broker    BrokerConfig  `mapstructure:"broker"`
	Capital   CapitalConfig `mapstructure:"capital"`
	Risk      RiskConfig    `mapstructure:"risk"`
	Store     StoreConfig   `mapstructure:"store"`
	Logging   LoggingConfig `mapstructure:"logging"`
	Ops       OpsConfig     `mapstructure:"ops"`
	Notify    NotifyConfig  `mapstructure:"notify"`
}

// BrokerConfig holds the broker API credentials and account identifiers.
// AppKey/AppSecret authenticate every REST/WS call; AccountNo/ProductCode
// identify the trading account the orders post against.
type BrokerConfig struct {
	AppKey       string `mapstructure:"app_key"`
	AppSecret    string `mapstructure:"app_secret"`
	AccountNo    string `mapstructure:"account_no"`
	ProductCode  string `mapstructure:"product_code"`
	RestBaseURL  string `mapstructure:"rest_base_url"`
	WSBaseURL    string `mapstructure:"ws_base_url"`
	PaperBaseURL string `mapstructure:"paper_base_url"`
}

// CapitalConfig sets the starting capital the risk pipeline sizes against.
type CapitalConfig struct {
	TotalCapital float64 `mapstructure:"total_capital"`
}

// RiskConfig carries the process-level risk limits. No defaults are
// applied here; Validate requires each to be > 0.
//
//   - DailyLossLimitPct: daily loss fraction that trips the kill switch
//     (the engine passes it to killswitch.SetDailyLossLimitPct).
//   - MonthlyLossLimitPct: monthly loss limit. Loaded and validated only;
//     the drawdown protocol escalates to ORANGE on its own fixed 6%
//     threshold and does not read this value.
//   - MaxActivePositions: cap on concurrently open positions. Loaded and
//     validated only; no component reads it.
type RiskConfig struct {
	DailyLossLimitPct   float64 `mapstructure:"daily_loss_limit_pct"`
	MonthlyLossLimitPct float64 `mapstructure:"monthly_loss_limit_pct"`
	MaxActivePositions  int     `mapstructure:"max_active_positions"`
}

// StoreConfig points at the durable backing stores: the relational
// repository (trades, journal, stats) and the crash-safe snapshot
// directory for in-flight order/position state.
type StoreConfig struct {
	DBURL       string `mapstructure:"db_url"`
	RedisURL    string `mapstructure:"redis_url"`
	SnapshotDir string `mapstructure:"snapshot_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// OpsConfig controls the minimal operational HTTP surface (health/metrics).
type OpsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// NotifyConfig carries the tokens for the outbound notification channel
// (spec §6 "Notification contract").
type NotifyConfig struct {
	Token  string `mapstructure:"token"`
	ChatID string `mapstructure:"chat_id"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive/deployment-specific fields use env vars: KATS_APP_KEY,
// KATS_APP_SECRET, KATS_ACCOUNT_NO, KATS_PRODUCT_CODE, KATS_TRADE_MODE,
// KATS_DB_URL, KATS_REDIS_URL, KATS_TOTAL_CAPITAL, KATS_DAILY_LOSS_LIMIT_PCT,
// KATS_MONTHLY_LOSS_LIMIT_PCT, KATS_MAX_ACTIVE_POSITIONS,
// KATS_NOTIFY_TOKEN, KATS_NOTIFY_CHAT_ID.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("KATS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive/deployment-specific fields from env, matching
	// the teacher's convention of never trusting viper's automatic env
	// binding alone for credentials.
	if v := os.Getenv("KATS_APP_KEY"); v != "" {
		cfg.Broker.AppKey = v
	}
	if v := os.Getenv("KATS_APP_SECRET"); v != "" {
		cfg.Broker.AppSecret = v
	}
	if v := os.Getenv("KATS_ACCOUNT_NO"); v != "" {
		cfg.Broker.AccountNo = v
	}
	if v := os.Getenv("KATS_PRODUCT_CODE"); v != "" {
		cfg.Broker.ProductCode = v
	}
	if v := os.Getenv("KATS_TRADE_MODE"); v != "" {
		cfg.TradeMode = v
	}
	if v := os.Getenv("KATS_DB_URL"); v != "" {
		cfg.Store.DBURL = v
	}
	if v := os.Getenv("KATS_REDIS_URL"); v != "" {
		cfg.Store.RedisURL = v
	}
	if v := os.Getenv("KATS_TOTAL_CAPITAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Capital.TotalCapital = f
		}
	}
	if v := os.Getenv("KATS_DAILY_LOSS_LIMIT_PCT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Risk.DailyLossLimitPct = f
		}
	}
	if v := os.Getenv("KATS_MONTHLY_LOSS_LIMIT_PCT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Risk.MonthlyLossLimitPct = f
		}
	}
	if v := os.Getenv("KATS_MAX_ACTIVE_POSITIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Risk.MaxActivePositions = n
		}
	}
	if v := os.Getenv("KATS_NOTIFY_TOKEN"); v != "" {
		cfg.Notify.Token = v
	}
	if v := os.Getenv("KATS_NOTIFY_CHAT_ID"); v != "" {
		cfg.Notify.ChatID = v
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	switch c.TradeMode {
	case "LIVE", "PAPER":
	default:
		return fmt.Errorf("trade_mode must be LIVE or PAPER (set KATS_TRADE_MODE), got %q", c.TradeMode)
	}
	if c.Broker.AppKey == "" {
		return fmt.Errorf("broker.app_key is required (set KATS_APP_KEY)")
	}
	if c.Broker.AppSecret == "" {
		return fmt.Errorf("broker.app_secret is required (set KATS_APP_SECRET)")
	}
	if c.Broker.AccountNo == "" {
		return fmt.Errorf("broker.account_no is required (set KATS_ACCOUNT_NO)")
	}
	if c.Broker.ProductCode == "" {
		return fmt.Errorf("broker.product_code is required (set KATS_PRODUCT_CODE)")
	}
	if c.Broker.RestBaseURL == "" {
		return fmt.Errorf("broker.rest_base_url is required")
	}
	if c.Broker.WSBaseURL == "" {
		return fmt.Errorf("broker.ws_base_url is required")
	}
	if c.Capital.TotalCapital <= 0 {
		return fmt.Errorf("capital.total_capital must be > 0")
	}
	if c.Risk.DailyLossLimitPct <= 0 {
		return fmt.Errorf("risk.daily_loss_limit_pct must be > 0")
	}
	if c.Risk.MonthlyLossLimitPct <= 0 {
		return fmt.Errorf("risk.monthly_loss_limit_pct must be > 0")
	}
	if c.Risk.MaxActivePositions <= 0 {
		return fmt.Errorf("risk.max_active_positions must be > 0")
	}
	if c.Store.SnapshotDir == "" {
		return fmt.Errorf("store.snapshot_dir is required")
	}
	return nil
}

// RestBaseURLForMode returns the broker's live or paper REST host
// depending on the configured trade mode.
func (c *Config) RestBaseURLForMode() string {
	if c.TradeMode == "PAPER" && c.Broker.PaperBaseURL != "" {
		return c.Broker.PaperBaseURL
	}
	return c.Broker.RestBaseURL
}

// RequestTimeout is the default broker HTTP request timeout.
const RequestTimeout = 10 * time.Second
