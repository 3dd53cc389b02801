// Package config defines all configuration for the hedging engine.
// Everything is loaded from the environment (prefix RH_), with an optional
// config file honoured when RH_CONFIG_FILE points at one. A .env file in the
// working directory is read first, so local runs need no exported variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"perp-hedger/pkg/types"
)

// Config is the top-level configuration.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	Venues     []VenueConfig    `mapstructure:"-"`
	Default    EngineDefaults   `mapstructure:"default"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Funding    FundingConfig    `mapstructure:"funding"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Journal    JournalConfig    `mapstructure:"journal"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// VenueConfig describes one derivatives venue the hedger trades on.
// Credentials come from plain env vars named after the venue
// (<NAME>_API_KEY / <NAME>_API_SECRET) so they never end up in config files.
type VenueConfig struct {
	Name           string
	Kind           string // adapter kind; "sim" is built in
	Quote          string // quote suffix used to build pair names (BTC -> BTCUSDT)
	APIKey         string
	APISecret      string
	RecvWindowMS   int
	TakerFeeRate   float64
	MakerFeeRate   float64
	Reliability    float64 // static prior in [0,1] used by pair scoring
	LiquidityPrior float64 // static depth prior in USD used by pair scoring
}

// EngineDefaults are the per-engine trade parameters the supervisor hands to
// every child unless overridden.
//
//   - DaemonMode: the engine picks sides from the Z-score and risk snapshot;
//     when false, Side1 and TotalAmount pin the direction and budget.
//   - AmountMin/AmountMax/AmountStep: the base-quantity sampling window.
//   - MinOrderValueUSD/MaxOrderValueUSD: notional window one order must fit.
//   - MaxFirstLevelRatio: cap as a fraction of the thinner top-of-book level.
//   - NoTradeTimeoutSec: 0 disables the idle-exit.
type EngineDefaults struct {
	DaemonMode         bool    `mapstructure:"daemon_mode"`
	Side1              string  `mapstructure:"side1"`
	AmountMin          float64 `mapstructure:"amount_min"`
	AmountMax          float64 `mapstructure:"amount_max"`
	AmountStep         float64 `mapstructure:"amount_step"`
	TotalAmount        float64 `mapstructure:"total_amount"`
	MinOrderValueUSD   float64 `mapstructure:"min_order_value_usd"`
	MaxOrderValueUSD   float64 `mapstructure:"max_order_value_usd"`
	TradeIntervalSec   float64 `mapstructure:"trade_interval_sec"`
	UseDynamicAmount   bool    `mapstructure:"use_dynamic_amount"`
	MaxFirstLevelRatio float64 `mapstructure:"max_first_level_ratio"`
	NoTradeTimeoutSec  int     `mapstructure:"no_trade_timeout_sec"`
	ZScoreThreshold    float64 `mapstructure:"zscore_threshold"`
}

// TradeInterval returns the loop interval as a duration.
func (e EngineDefaults) TradeInterval() time.Duration {
	return time.Duration(e.TradeIntervalSec * float64(time.Second))
}

// RiskConfig sets the gates every trade must pass and the adaptive
// profit-rate machinery.
type RiskConfig struct {
	MaxOrderbookAgeSec          float64 `mapstructure:"max_orderbook_age_sec"`
	MaxSpreadPct                float64 `mapstructure:"max_spread_pct"`
	MinLiquidityUSD             float64 `mapstructure:"min_liquidity_usd"`
	LiquidityDepthLevels        int     `mapstructure:"liquidity_depth_levels"`
	MinProfitRate               float64 `mapstructure:"min_profit_rate"`
	ReducePosMinProfitRate      float64 `mapstructure:"reduce_pos_min_profit_rate"`
	UserMinProfitRate           float64 `mapstructure:"user_min_profit_rate"`
	EnableDynamicProfitRate     bool    `mapstructure:"enable_dynamic_profit_rate"`
	ProfitRateAdjustStep        float64 `mapstructure:"profit_rate_adjust_step"`
	ProfitRateAdjustThreshold   int     `mapstructure:"profit_rate_adjust_threshold"`
	NoTradeReduceTimeoutSec     int     `mapstructure:"no_trade_reduce_timeout_sec"`
	NoTradeReduceStepMultiplier float64 `mapstructure:"no_trade_reduce_step_multiplier"`
	AutoPosBalanceUSDValueLimit float64 `mapstructure:"auto_pos_balance_usd_value_limit"`
	MinFundingProfitAPY         float64 `mapstructure:"min_funding_profit_apy"`

	SafeLeverage        float64 `mapstructure:"safe_leverage"`
	TargetLeverage      float64 `mapstructure:"target_leverage"`
	DangerLeverage      float64 `mapstructure:"danger_leverage"`
	ForceReduceLeverage float64 `mapstructure:"force_reduce_leverage"`
	SafeMMR             float64 `mapstructure:"safe_mmr"`
	DangerMMR           float64 `mapstructure:"danger_mmr"`
	ForceReduceMMR      float64 `mapstructure:"force_reduce_mmr"`
	SafeMarginUsage     float64 `mapstructure:"safe_margin_usage"`
	DangerMarginUsage   float64 `mapstructure:"danger_margin_usage"`
}

// MaxOrderbookAge returns the freshness bound as a duration.
func (r RiskConfig) MaxOrderbookAge() time.Duration {
	return time.Duration(r.MaxOrderbookAgeSec * float64(time.Second))
}

// Thresholds converts the flat threshold fields into the shared form the
// aggregator stamps onto every ExchangeInfo.
func (r RiskConfig) Thresholds() types.RiskThresholds {
	return types.RiskThresholds{
		SafeLeverage:        r.SafeLeverage,
		TargetLeverage:      r.TargetLeverage,
		DangerLeverage:      r.DangerLeverage,
		ForceReduceLeverage: r.ForceReduceLeverage,
		SafeMMR:             r.SafeMMR,
		DangerMMR:           r.DangerMMR,
		ForceReduceMMR:      r.ForceReduceMMR,
		SafeMarginUsage:     r.SafeMarginUsage,
		DangerMarginUsage:   r.DangerMarginUsage,
	}
}

// SupervisorConfig controls child lifecycle, health checks and reporting.
type SupervisorConfig struct {
	Symbols               []string `mapstructure:"-"`
	RiskUpdateIntervalMin float64  `mapstructure:"risk_update_interval_min"`
	NotifyIntervalMin     float64  `mapstructure:"notify_interval_min"`
	EngineStartupDelaySec float64  `mapstructure:"engine_startup_delay_sec"`
	MaxRestartAttempts    int      `mapstructure:"max_restart_attempts"`
	RestartBackoffFactor  float64  `mapstructure:"restart_backoff_factor"`
	MemoryLimitMB         int      `mapstructure:"memory_limit_mb"`
	ActivityTimeoutSec    int      `mapstructure:"activity_timeout_sec"`
}

// RiskUpdateInterval returns the snapshot refresh cadence.
func (s SupervisorConfig) RiskUpdateInterval() time.Duration {
	return time.Duration(s.RiskUpdateIntervalMin * float64(time.Minute))
}

// NotifyInterval returns the digest cadence.
func (s SupervisorConfig) NotifyInterval() time.Duration {
	return time.Duration(s.NotifyIntervalMin * float64(time.Minute))
}

// EngineStartupDelay returns the pause between child launches.
func (s SupervisorConfig) EngineStartupDelay() time.Duration {
	return time.Duration(s.EngineStartupDelaySec * float64(time.Second))
}

// ActivityTimeout returns the heartbeat bound before a child is unhealthy.
func (s SupervisorConfig) ActivityTimeout() time.Duration {
	return time.Duration(s.ActivityTimeoutSec) * time.Second
}

// FundingConfig drives the shared funding-rate cache.
type FundingConfig struct {
	TTLMin     float64 `mapstructure:"ttl_min"`
	Source1URL string  `mapstructure:"source1_url"`
	Source2URL string  `mapstructure:"source2_url"`
}

// TTL returns the cache expiry as a duration.
func (f FundingConfig) TTL() time.Duration {
	return time.Duration(f.TTLMin * float64(time.Minute))
}

// SourceURLs returns the configured aggregator endpoints, skipping blanks.
func (f FundingConfig) SourceURLs() []string {
	var urls []string
	for _, u := range []string{f.Source1URL, f.Source2URL} {
		if u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// NotifyConfig selects the alert sink. When both fields are set alerts go to
// the webhook; otherwise they are printed to the console.
type NotifyConfig struct {
	WebhookURL string
	Token      string
}

// JournalConfig sets where trade records are appended.
type JournalConfig struct {
	Dir string `mapstructure:"dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dry_run", false)

	v.SetDefault("default.daemon_mode", true)
	v.SetDefault("default.side1", "")
	v.SetDefault("default.amount_min", 0.001)
	v.SetDefault("default.amount_max", 0.01)
	v.SetDefault("default.amount_step", 0.001)
	v.SetDefault("default.total_amount", 0.0)
	v.SetDefault("default.min_order_value_usd", 20.0)
	v.SetDefault("default.max_order_value_usd", 500.0)
	v.SetDefault("default.trade_interval_sec", 1.0)
	v.SetDefault("default.use_dynamic_amount", true)
	v.SetDefault("default.max_first_level_ratio", 0.5)
	v.SetDefault("default.no_trade_timeout_sec", 0)
	v.SetDefault("default.zscore_threshold", 2.0)

	v.SetDefault("risk.max_orderbook_age_sec", 1.0)
	v.SetDefault("risk.max_spread_pct", 0.002)
	v.SetDefault("risk.min_liquidity_usd", 5000.0)
	v.SetDefault("risk.liquidity_depth_levels", 5)
	v.SetDefault("risk.min_profit_rate", 0.0005)
	v.SetDefault("risk.reduce_pos_min_profit_rate", 0.0002)
	v.SetDefault("risk.user_min_profit_rate", 0.0003)
	v.SetDefault("risk.enable_dynamic_profit_rate", true)
	v.SetDefault("risk.profit_rate_adjust_step", 0.0001)
	v.SetDefault("risk.profit_rate_adjust_threshold", 5)
	v.SetDefault("risk.no_trade_reduce_timeout_sec", 0)
	v.SetDefault("risk.no_trade_reduce_step_multiplier", 2.0)
	v.SetDefault("risk.auto_pos_balance_usd_value_limit", 1000.0)
	v.SetDefault("risk.min_funding_profit_apy", types.DefaultMinFundingProfitAPY)

	v.SetDefault("risk.safe_leverage", 3.0)
	v.SetDefault("risk.target_leverage", 2.0)
	v.SetDefault("risk.danger_leverage", 8.0)
	v.SetDefault("risk.force_reduce_leverage", 10.0)
	v.SetDefault("risk.safe_mmr", 0.2)
	v.SetDefault("risk.danger_mmr", 0.5)
	v.SetDefault("risk.force_reduce_mmr", 0.7)
	v.SetDefault("risk.safe_margin_usage", 0.6)
	v.SetDefault("risk.danger_margin_usage", 0.9)

	v.SetDefault("supervisor.risk_update_interval_min", 2.0)
	v.SetDefault("supervisor.notify_interval_min", 30.0)
	v.SetDefault("supervisor.engine_startup_delay_sec", 5.0)
	v.SetDefault("supervisor.max_restart_attempts", 3)
	v.SetDefault("supervisor.restart_backoff_factor", 2.0)
	v.SetDefault("supervisor.memory_limit_mb", 1024)
	v.SetDefault("supervisor.activity_timeout_sec", 300)

	v.SetDefault("funding.ttl_min", 30.0)
	v.SetDefault("funding.source1_url", "")
	v.SetDefault("funding.source2_url", "")

	v.SetDefault("journal.dir", "data")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads configuration from the environment (and the optional file named
// by RH_CONFIG_FILE). Venue credentials use plain env vars so they work with
// standard secret tooling: ALPHA_API_KEY, ALPHA_API_SECRET for a venue named
// alpha. DANGER_LEVERAGE and RECV_WINDOW are honoured unprefixed.
func Load() (*Config, error) {
	// Best effort; absence of a .env file is the normal production case.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("RH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path := os.Getenv("RH_CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Supervisor.Symbols = splitList(v.GetString("supervisor.symbols"))

	names := splitList(v.GetString("venues"))
	for _, name := range names {
		cfg.Venues = append(cfg.Venues, loadVenue(v, name))
	}

	// Unprefixed overrides kept for operational compatibility.
	if s := os.Getenv("DANGER_LEVERAGE"); s != "" {
		lev, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("parse DANGER_LEVERAGE: %w", err)
		}
		cfg.Risk.DangerLeverage = lev
	}

	cfg.Notify.WebhookURL = os.Getenv("NOTIFY_WEBHOOK_URL")
	cfg.Notify.Token = os.Getenv("NOTIFY_TOKEN")

	return &cfg, nil
}

func loadVenue(v *viper.Viper, name string) VenueConfig {
	key := func(field string) string { return "venue." + name + "." + field }

	vc := VenueConfig{
		Name:           name,
		Kind:           v.GetString(key("kind")),
		Quote:          v.GetString(key("quote")),
		RecvWindowMS:   v.GetInt(key("recv_window_ms")),
		TakerFeeRate:   v.GetFloat64(key("taker_fee")),
		MakerFeeRate:   v.GetFloat64(key("maker_fee")),
		Reliability:    v.GetFloat64(key("reliability")),
		LiquidityPrior: v.GetFloat64(key("liquidity_prior")),
	}
	if vc.Kind == "" {
		vc.Kind = "sim"
	}
	if vc.Quote == "" {
		vc.Quote = "USDT"
	}
	if vc.TakerFeeRate == 0 {
		vc.TakerFeeRate = 0.0005
	}
	if vc.Reliability == 0 {
		vc.Reliability = 0.5
	}
	if vc.RecvWindowMS == 0 {
		if s := os.Getenv("RECV_WINDOW"); s != "" {
			if ms, err := strconv.Atoi(s); err == nil {
				vc.RecvWindowMS = ms
			}
		}
		if vc.RecvWindowMS == 0 {
			vc.RecvWindowMS = 5000
		}
	}

	upper := strings.ToUpper(name)
	vc.APIKey = os.Getenv(upper + "_API_KEY")
	vc.APISecret = os.Getenv(upper + "_API_SECRET")
	return vc
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Venues) < 2 {
		return fmt.Errorf("at least two venues are required (set RH_VENUES), got %d", len(c.Venues))
	}
	seen := make(map[string]bool, len(c.Venues))
	for _, vc := range c.Venues {
		if seen[vc.Name] {
			return fmt.Errorf("duplicate venue name %q", vc.Name)
		}
		seen[vc.Name] = true
		if vc.Kind != "sim" && (vc.APIKey == "" || vc.APISecret == "") {
			return fmt.Errorf("venue %s: missing credentials (set %s_API_KEY / %s_API_SECRET)",
				vc.Name, strings.ToUpper(vc.Name), strings.ToUpper(vc.Name))
		}
	}

	d := c.Default
	if d.AmountMin <= 0 || d.AmountMax < d.AmountMin {
		return fmt.Errorf("default.amount window invalid: min=%v max=%v", d.AmountMin, d.AmountMax)
	}
	if d.AmountStep <= 0 {
		return fmt.Errorf("default.amount_step must be > 0")
	}
	if d.MinOrderValueUSD <= 0 || d.MaxOrderValueUSD < d.MinOrderValueUSD {
		return fmt.Errorf("default.order value window invalid: min=%v max=%v",
			d.MinOrderValueUSD, d.MaxOrderValueUSD)
	}
	if d.MaxFirstLevelRatio <= 0 || d.MaxFirstLevelRatio > 1 {
		return fmt.Errorf("default.max_first_level_ratio must be in (0, 1], got %v", d.MaxFirstLevelRatio)
	}
	if d.ZScoreThreshold <= 0 {
		return fmt.Errorf("default.zscore_threshold must be > 0")
	}
	if !d.DaemonMode {
		if d.Side1 != string(types.BUY) && d.Side1 != string(types.SELL) {
			return fmt.Errorf("default.side1 must be BUY or SELL when daemon_mode is off")
		}
		if d.TotalAmount <= 0 {
			return fmt.Errorf("default.total_amount must be > 0 when daemon_mode is off")
		}
	}

	r := c.Risk
	if r.MaxOrderbookAgeSec <= 0 {
		return fmt.Errorf("risk.max_orderbook_age_sec must be > 0")
	}
	if r.LiquidityDepthLevels <= 0 {
		return fmt.Errorf("risk.liquidity_depth_levels must be > 0")
	}
	if r.ProfitRateAdjustThreshold <= 0 {
		return fmt.Errorf("risk.profit_rate_adjust_threshold must be > 0")
	}
	if !(r.SafeLeverage < r.DangerLeverage && r.DangerLeverage <= r.ForceReduceLeverage) {
		return fmt.Errorf("risk leverage thresholds must satisfy safe < danger <= force_reduce")
	}
	if !(r.SafeMMR < r.DangerMMR && r.DangerMMR <= r.ForceReduceMMR) {
		return fmt.Errorf("risk MMR thresholds must satisfy safe < danger <= force_reduce")
	}

	s := c.Supervisor
	if s.RiskUpdateIntervalMin <= 0 {
		return fmt.Errorf("supervisor.risk_update_interval_min must be > 0")
	}
	if s.MaxRestartAttempts < 0 {
		return fmt.Errorf("supervisor.max_restart_attempts must be >= 0")
	}
	if s.RestartBackoffFactor < 1 {
		return fmt.Errorf("supervisor.restart_backoff_factor must be >= 1")
	}

	if c.Funding.TTLMin <= 0 {
		return fmt.Errorf("funding.ttl_min must be > 0")
	}
	if c.Journal.Dir == "" {
		return fmt.Errorf("journal.dir is required")
	}
	return nil
}
