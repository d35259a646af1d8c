// Package config defines all configuration for the quoting agent.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// credentials and endpoints overridable via POLY_* environment variables.
// No runtime trading behavior lives in environment variables.
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
	DryRun   bool                      `mapstructure:"dry_run"`
	Wallet   WalletConfig              `mapstructure:"wallet"`
	API      APIConfig                 `mapstructure:"api"`
	Trading  TradingConfig             `mapstructure:"trading"`
	Markets  MarketsConfig             `mapstructure:"markets"`
	Profiles map[string]ProfileConfig  `mapstructure:"profiles"`
	Store    StoreConfig               `mapstructure:"store"`
	Logging  LoggingConfig             `mapstructure:"logging"`
}

// WalletConfig holds the Polygon wallet used for signing orders and merges.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys.
// FunderAddress is the on-chain address that funds orders (may differ from
// the signer when using a proxy wallet).
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds Polymarket API endpoints and optional pre-derived L2
// credentials. If ApiKey/Secret/Passphrase are empty, the agent derives them
// via L1 auth on startup.
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	DataBaseURL  string `mapstructure:"data_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	WSUserURL    string `mapstructure:"ws_user_url"`
	PolygonRPC   string `mapstructure:"polygon_rpc"`
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`
}

// TradingConfig carries the named trading constants of the quoting core.
//
//   - DefaultProfile: strategy profile used when a market names none.
//   - HardShareCap: absolute share cap per token; buys are suppressed above it.
//   - LowPriceThreshold / LowPriceMultiplier: when the buy price is below the
//     threshold, the buy size is scaled by the multiplier (≥ 1).
//   - BuyReplacePriceDelta / BuyReplaceSizeRatio: a live buy is cancelled and
//     re-placed when the desired quote drifts past either threshold.
//   - SellReplacePriceDelta / SellReplaceSizeRatio: same for the sell side,
//     looser because take-profit prices move with the average entry.
//   - MergeMinShares: both complementary tokens at or above this share count
//     triggers an on-chain merge back into USDC.
//   - BookTriggerCooldown: minimum gap between reconciliations triggered only
//     by book changes (private events and periodic pulls bypass it).
type TradingConfig struct {
	DefaultProfile        string        `mapstructure:"default_profile"`
	HardShareCap          float64       `mapstructure:"hard_share_cap"`
	LowPriceThreshold     float64       `mapstructure:"low_price_threshold"`
	LowPriceMultiplier    float64       `mapstructure:"low_price_multiplier"`
	BuyReplacePriceDelta  float64       `mapstructure:"buy_replace_price_delta"`
	BuyReplaceSizeRatio   float64       `mapstructure:"buy_replace_size_ratio"`
	SellReplacePriceDelta float64       `mapstructure:"sell_replace_price_delta"`
	SellReplaceSizeRatio  float64       `mapstructure:"sell_replace_size_ratio"`
	MergeMinShares        float64       `mapstructure:"merge_min_shares"`
	PendingTTL            time.Duration `mapstructure:"pending_ttl"`
	BookTriggerCooldown   time.Duration `mapstructure:"book_trigger_cooldown"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout"`
	PullInterval          time.Duration `mapstructure:"pull_interval"`
	RegistryInterval      time.Duration `mapstructure:"registry_interval"`
	SnapshotInterval      time.Duration `mapstructure:"snapshot_interval"`
}

// MarketsConfig points at the market table file consumed by the registry.
type MarketsConfig struct {
	File string `mapstructure:"file"`
}

// ProfileConfig is one strategy profile: a named bundle of risk thresholds.
// StopLossThreshold is negative (PnL percent at which to stop out).
type ProfileConfig struct {
	StopLossThreshold   float64 `mapstructure:"stop_loss_threshold"`
	TakeProfitThreshold float64 `mapstructure:"take_profit_threshold"`
	SpreadThreshold     float64 `mapstructure:"spread_threshold"`
	VolatilityThreshold float64 `mapstructure:"volatility_threshold"`
	VolWindow           int     `mapstructure:"vol_window"`
	SleepPeriod         float64 `mapstructure:"sleep_period"` // hours
}

// StoreConfig sets where owned state is persisted: risk-off records as JSON
// files, sink records in a SQLite database.
type StoreConfig struct {
	RiskOffDir string `mapstructure:"risk_off_dir"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Credentials use env vars: POLY_PRIVATE_KEY, POLY_API_KEY, POLY_API_SECRET,
// POLY_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
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
	if rpc := os.Getenv("POLY_POLYGON_RPC"); rpc != "" {
		cfg.API.PolygonRPC = rpc
	}
	if os.Getenv("POLY_DRY_RUN") == "true" || os.Getenv("POLY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// setDefaults pins the reference values for every named trading constant so a
// minimal YAML file still yields a working configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("trading.default_profile", "default")
	v.SetDefault("trading.hard_share_cap", 250.0)
	v.SetDefault("trading.low_price_threshold", 0.10)
	v.SetDefault("trading.low_price_multiplier", 1.0)
	v.SetDefault("trading.buy_replace_price_delta", 0.015)
	v.SetDefault("trading.buy_replace_size_ratio", 0.25)
	v.SetDefault("trading.sell_replace_price_delta", 0.05)
	v.SetDefault("trading.sell_replace_size_ratio", 0.30)
	v.SetDefault("trading.merge_min_shares", 20.0)
	v.SetDefault("trading.pending_ttl", time.Minute)
	v.SetDefault("trading.book_trigger_cooldown", 30*time.Second)
	v.SetDefault("trading.request_timeout", 10*time.Second)
	v.SetDefault("trading.pull_interval", 10*time.Second)
	v.SetDefault("trading.registry_interval", time.Minute)
	v.SetDefault("trading.snapshot_interval", 5*time.Minute)
	v.SetDefault("store.risk_off_dir", "data/riskoff")
	v.SetDefault("store.sqlite_path", "data/quoter.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set POLY_PRIVATE_KEY)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.Markets.File == "" {
		return fmt.Errorf("markets.file is required")
	}
	if c.Trading.HardShareCap <= 0 {
		return fmt.Errorf("trading.hard_share_cap must be > 0")
	}
	if c.Trading.LowPriceMultiplier < 1 {
		return fmt.Errorf("trading.low_price_multiplier must be >= 1")
	}
	if c.Trading.BuyReplacePriceDelta <= 0 || c.Trading.SellReplacePriceDelta <= 0 {
		return fmt.Errorf("trading replace price deltas must be > 0")
	}
	if _, ok := c.Profiles[c.Trading.DefaultProfile]; !ok {
		return fmt.Errorf("trading.default_profile %q has no entry under profiles", c.Trading.DefaultProfile)
	}
	return nil
}
