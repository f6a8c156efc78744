// Package config defines all configuration for the copytrade agent.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via POLY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	API       APIConfig       `mapstructure:"api"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Settings  SettingsConfig  `mapstructure:"settings"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// WalletConfig holds the Ethereum wallet used for signing requests.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys.
// FunderAddress is the on-chain address that funds orders (may differ from signer if using a proxy).
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int64  `mapstructure:"chain_id"`
}

// APIConfig holds Polymarket API endpoints and optional pre-derived L2 credentials.
// If ApiKey/Secret/Passphrase are empty, the agent derives them via L1 auth on startup.
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	DataBaseURL  string `mapstructure:"data_base_url"`
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`
}

// TradingConfig parameterizes the copy — whose portfolio to mirror, how
// much capital to commit, and how aggressively to proportion it.
//
//   - TraderAddress: the wallet being mirrored.
//   - Budget: total USD the agent is allowed to ever commit.
//   - CopyPercentage: fraction (0,1] of the trader's weighted allocation to copy.
//   - MaxTradePct: per-position cap as a fraction of Budget (prevents one
//     outsized target position from consuming the whole budget).
type TradingConfig struct {
	TraderAddress  string  `mapstructure:"trader_address"`
	Budget         float64 `mapstructure:"budget"`
	CopyPercentage float64 `mapstructure:"copy_percentage"`
	MaxTradePct    float64 `mapstructure:"max_trade_pct"`
}

// RiskConfig sets the ongoing exposure monitor. The startup funding check
// itself isn't configurable — it always requires cash plus held value to
// cover trading.budget — but drawdown logging is: breaching MaxDrawdownPct
// logs a warning, it never cancels resting orders or aborts the control loop.
type RiskConfig struct {
	MaxDrawdownPct float64 `mapstructure:"max_drawdown_pct"`
}

// SettingsConfig tunes the control loop's polling cadence.
type SettingsConfig struct {
	PollIntervalSecs int `mapstructure:"poll_interval_secs"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the optional observability dashboard server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: POLY_PRIVATE_KEY, POLY_API_KEY, POLY_API_SECRET, POLY_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("settings.poll_interval_secs", 10)
	v.SetDefault("trading.max_trade_pct", 0.3)
	v.SetDefault("wallet.chain_id", 137)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if os.Getenv("POLY_DRY_RUN") == "true" || os.Getenv("POLY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set POLY_PRIVATE_KEY)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.API.GammaBaseURL == "" {
		return fmt.Errorf("api.gamma_base_url is required")
	}
	if c.Trading.TraderAddress == "" {
		return fmt.Errorf("trading.trader_address is required")
	}
	if c.Trading.Budget <= 0 {
		return fmt.Errorf("trading.budget must be > 0")
	}
	if c.Trading.CopyPercentage <= 0 || c.Trading.CopyPercentage > 1 {
		return fmt.Errorf("trading.copy_percentage must be in (0, 1]")
	}
	if c.Trading.MaxTradePct <= 0 || c.Trading.MaxTradePct > 1 {
		return fmt.Errorf("trading.max_trade_pct must be in (0, 1]")
	}
	if c.Settings.PollIntervalSecs <= 0 {
		return fmt.Errorf("settings.poll_interval_secs must be > 0")
	}
	return nil
}

// PollInterval converts PollIntervalSecs to a time.Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Settings.PollIntervalSecs) * time.Second
}
