// Package config provides configuration management for the trading application.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Trading       TradingConfig      `mapstructure:"trading"`
	Strategy      StrategyConfig     `mapstructure:"strategy"`
	Schedule      ScheduleConfig     `mapstructure:"schedule"`
	Server        ServerConfig       `mapstructure:"server"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Credentials   Credentials        `mapstructure:"-"` // Loaded separately
}

// TradingConfig holds trading-related configuration.
type TradingConfig struct {
	Mode        string  `mapstructure:"mode"`         // "live", "paper"
	IndexSymbol string  `mapstructure:"index_symbol"` // e.g. NSE:NIFTY50-INDEX
	LotSize     int     `mapstructure:"lot_size"`
	StrikeStep  int     `mapstructure:"strike_step"`
	Capital     float64 `mapstructure:"capital"`
	RiskPct     float64 `mapstructure:"risk_pct"`
	NumLots     int     `mapstructure:"num_lots"`
}

// StrategyConfig holds the entry targets and gamma defence thresholds.
// Thresholds live here, never hardcoded in the policy.
type StrategyConfig struct {
	CEDeltaTarget    float64 `mapstructure:"ce_delta_target"`
	PEDeltaTarget    float64 `mapstructure:"pe_delta_target"`
	HedgeDeltaTarget float64 `mapstructure:"hedge_delta_target"`
	RollDeltaTarget  float64 `mapstructure:"roll_delta_target"`

	SoftDeltaLimit float64 `mapstructure:"soft_delta_limit"`
	HardDeltaLimit float64 `mapstructure:"hard_delta_limit"`
	GammaLimit     float64 `mapstructure:"gamma_limit"`
	MaxAdjustments int     `mapstructure:"max_adjustments"`

	MaxTradesPerDay int `mapstructure:"max_trades_per_day"`

	ExpiryOTMOffset   int     `mapstructure:"expiry_otm_offset"`
	ExpiryHedgeWidth  int     `mapstructure:"expiry_hedge_width"`
	ExpiryTargetPct   float64 `mapstructure:"expiry_target_pct"`
	ExpiryStopMult    float64 `mapstructure:"expiry_stop_mult"`
	SupertrendPeriod  int     `mapstructure:"supertrend_period"`
	SupertrendMult    float64 `mapstructure:"supertrend_mult"`
	RiskFreeRate      float64 `mapstructure:"risk_free_rate"`
	DefaultImpliedVol float64 `mapstructure:"default_implied_vol"`
}

// ScheduleConfig holds the daily boundary times (exchange-local) and the
// monitor cadence. Times are "HH:MM" strings.
type ScheduleConfig struct {
	PreOpen         string        `mapstructure:"pre_open"`
	MarketOpen      string        `mapstructure:"market_open"`
	EntryCutoff     string        `mapstructure:"entry_cutoff"`
	ForceClose      string        `mapstructure:"force_close"`
	Report          string        `mapstructure:"report"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	Holidays        []string      `mapstructure:"holidays"` // "2006-01-02"
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// NotificationConfig holds notification configuration.
type NotificationConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Level    string         `mapstructure:"level"` // all, trades_only, errors_only
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// TelegramConfig holds Telegram bot configuration. The same bot both sends
// alerts and accepts owner commands.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   int64  `mapstructure:"chat_id"`
}

// Credentials holds API credentials.
type Credentials struct {
	Fyers FyersCredentials `mapstructure:"fyers"`
}

// FyersCredentials holds Fyers API v3 credentials.
type FyersCredentials struct {
	ClientID    string `mapstructure:"client_id"`
	SecretKey   string `mapstructure:"secret_key"`
	RedirectURL string `mapstructure:"redirect_url"`
	TOTPSecret  string `mapstructure:"totp_secret"` // For auto-login with 2FA
	PIN         string `mapstructure:"pin"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/nifty-terminal"
	}
	return filepath.Join(home, ".config", "nifty-terminal")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := &Config{}

	if err := loadConfigFile(configDir, cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadConfigFile(configDir string, target *Config) error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		// Config file not found, create template and continue with defaults
		if werr := createTemplateConfig(configDir); werr != nil {
			return werr
		}
	}

	return v.Unmarshal(target)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("trading.mode", "paper")
	v.SetDefault("trading.index_symbol", "NSE:NIFTY50-INDEX")
	v.SetDefault("trading.lot_size", 65)
	v.SetDefault("trading.strike_step", 50)
	v.SetDefault("trading.capital", 500000.0)
	v.SetDefault("trading.risk_pct", 2.0)
	v.SetDefault("trading.num_lots", 1)

	v.SetDefault("strategy.ce_delta_target", 0.22)
	v.SetDefault("strategy.pe_delta_target", 0.22)
	v.SetDefault("strategy.hedge_delta_target", 0.10)
	v.SetDefault("strategy.roll_delta_target", 0.20)
	v.SetDefault("strategy.soft_delta_limit", 0.5)
	v.SetDefault("strategy.hard_delta_limit", 0.8)
	v.SetDefault("strategy.gamma_limit", 75.0)
	v.SetDefault("strategy.max_adjustments", 3)
	v.SetDefault("strategy.max_trades_per_day", 2)
	v.SetDefault("strategy.expiry_otm_offset", 100)
	v.SetDefault("strategy.expiry_hedge_width", 150)
	v.SetDefault("strategy.expiry_target_pct", 0.5)
	v.SetDefault("strategy.expiry_stop_mult", 1.5)
	v.SetDefault("strategy.supertrend_period", 10)
	v.SetDefault("strategy.supertrend_mult", 3.0)
	v.SetDefault("strategy.risk_free_rate", 0.065)
	v.SetDefault("strategy.default_implied_vol", 0.15)

	v.SetDefault("schedule.pre_open", "09:00")
	v.SetDefault("schedule.market_open", "09:20")
	v.SetDefault("schedule.entry_cutoff", "14:45")
	v.SetDefault("schedule.force_close", "15:10")
	v.SetDefault("schedule.report", "15:20")
	v.SetDefault("schedule.monitor_interval", 30*time.Second)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.level", "all")
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FYERS_CLIENT_ID"); v != "" {
		cfg.Credentials.Fyers.ClientID = v
	}
	if v := os.Getenv("FYERS_SECRET_KEY"); v != "" {
		cfg.Credentials.Fyers.SecretKey = v
	}
	if v := os.Getenv("FYERS_TOTP_SECRET"); v != "" {
		cfg.Credentials.Fyers.TOTPSecret = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Notifications.Telegram.BotToken = v
	}
	if v := os.Getenv("TRADING_MODE"); v != "" {
		cfg.Trading.Mode = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Trading.Mode != "" && c.Trading.Mode != "live" && c.Trading.Mode != "paper" {
		return fmt.Errorf("invalid trading mode: %s (must be 'live' or 'paper')", c.Trading.Mode)
	}

	if c.Trading.Capital <= 0 {
		return fmt.Errorf("capital must be positive")
	}
	if c.Trading.RiskPct <= 0 || c.Trading.RiskPct > 100 {
		return fmt.Errorf("risk_pct must be in (0, 100]")
	}
	if c.Trading.NumLots < 1 {
		return fmt.Errorf("num_lots must be at least 1")
	}
	if c.Trading.LotSize < 1 {
		return fmt.Errorf("lot_size must be at least 1")
	}

	if c.Strategy.SoftDeltaLimit <= 0 || c.Strategy.HardDeltaLimit <= 0 {
		return fmt.Errorf("delta limits must be positive")
	}
	if c.Strategy.SoftDeltaLimit >= c.Strategy.HardDeltaLimit {
		return fmt.Errorf("soft_delta_limit must be below hard_delta_limit")
	}
	if c.Strategy.MaxAdjustments < 0 {
		return fmt.Errorf("max_adjustments must be non-negative")
	}

	for _, name := range []string{
		c.Schedule.PreOpen, c.Schedule.MarketOpen, c.Schedule.EntryCutoff,
		c.Schedule.ForceClose, c.Schedule.Report,
	} {
		if _, err := time.Parse("15:04", name); err != nil {
			return fmt.Errorf("invalid schedule boundary %q: %w", name, err)
		}
	}

	return nil
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Trading.Mode == "paper"
}
