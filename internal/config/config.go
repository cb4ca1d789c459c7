package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full application configuration loaded from YAML with
// environment variable overrides for deployment-sensitive values.
type Config struct {
	Regime  RegimeConfig  `yaml:"regime"`
	Arbiter ArbiterConfig `yaml:"arbiter"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Mirror  MirrorConfig  `yaml:"mirror"`
	HTTP    HTTPConfig    `yaml:"http"`
	Scan    ScanConfig    `yaml:"scan"`
}

// RegimeConfig tunes the regime classifier.
type RegimeConfig struct {
	HysteresisCalls     int           `yaml:"hysteresis_calls"`      // consecutive calls before a label flip (5)
	MinBaselineSamples  int           `yaml:"min_baseline_samples"`  // spread baseline warm-up floor (30)
	SubScoreTTL         time.Duration `yaml:"sub_score_ttl"`         // expensive sub-score cache TTL (2s)
	ShutdownSpreadBps   float64       `yaml:"shutdown_spread_bps"`   // default per-instrument shutdown threshold (25)
	InstrumentShutdowns map[string]float64 `yaml:"instrument_shutdowns,omitempty"` // overrides by instrument
}

// ShutdownThreshold returns the liquidity-shutdown spread threshold for an
// instrument, falling back to the global default.
func (c RegimeConfig) ShutdownThreshold(instrument string) float64 {
	if v, ok := c.InstrumentShutdowns[instrument]; ok {
		return v
	}
	return c.ShutdownSpreadBps
}

// FamilyGate declares when a strategy family is eligible to trade.
type FamilyGate struct {
	MinTrendProb float64 `yaml:"min_trend_prob"` // family enabled when p_trend >= this
	MinRangeProb float64 `yaml:"min_range_prob"` // or when p_range >= this
	Always       bool    `yaml:"always"`         // eligible in every regime
}

// ArbiterConfig tunes conflict resolution.
type ArbiterConfig struct {
	LockTimeout        time.Duration          `yaml:"lock_timeout"`          // bounded wait per key (5s)
	MinEVBps           float64                `yaml:"min_ev_bps"`            // base net-EV floor (2.0)
	ShockEVMultiplier  float64                `yaml:"shock_ev_multiplier"`   // EV floor multiplier under shock (2.0)
	HardCorrelation    float64                `yaml:"hard_correlation"`      // mutual exclusion |rho| (0.85)
	SoftCorrelation    float64                `yaml:"soft_correlation"`      // down-weight threshold (0.40)
	MinHistorySamples  int                    `yaml:"min_history_samples"`   // EV history floor before prior kicks in (10)
	FamilyGates        map[string]FamilyGate  `yaml:"family_gates"`
	FamilyBudgets      map[string]float64     `yaml:"family_budgets"`        // fraction of capital per family
	CapitalUSD         float64                `yaml:"capital_usd"`
	NoTradeZoneBase    map[string]float64     `yaml:"no_trade_zone_base"`    // per horizon
	FeesBps            float64                `yaml:"fees_bps"`
	Slippage           SlippageConfig         `yaml:"slippage"`
}

// SlippageConfig parameterizes the slippage model.
type SlippageConfig struct {
	BaseBps           float64 `yaml:"base_bps"`            // venue floor (0.8)
	VolMultiplier     float64 `yaml:"vol_multiplier"`      // short-vol contribution (1.2)
	SpreadImpact      float64 `yaml:"spread_impact"`       // spread-expansion contribution (1.5)
	DepthImpact       float64 `yaml:"depth_impact"`        // order-size / book-depth impact (2.0)
	ADVImpact         float64 `yaml:"adv_impact"`          // notional / ADV impact (3.0)
	UrgencyPremiumBps float64 `yaml:"urgency_premium_bps"` // short holding-time premium (0.5)
	ShockMultiplier   float64 `yaml:"shock_multiplier"`    // scale-up under elevated shock (1.8)
}

// LedgerConfig locates and keys the decision ledger.
type LedgerConfig struct {
	Root      string `yaml:"root"`       // storage root for daily segments
	AuthKey   string `yaml:"auth_key"`   // HMAC key, overridable via ARBITER_LEDGER_KEY
	RedisAddr string `yaml:"redis_addr"` // optional hot idempotency index
	RedisDB   int    `yaml:"redis_db"`
}

// MirrorConfig configures the optional Postgres decision mirror.
type MirrorConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"` // overridable via ARBITER_MIRROR_DSN
}

// HTTPConfig configures the monitoring API.
type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// ScanConfig paces the evaluation cycle runner.
type ScanConfig struct {
	Interval       time.Duration `yaml:"interval"`         // full cycle cadence (15s)
	RoundsPerSec   float64       `yaml:"rounds_per_sec"`   // rate limit on arbitration rounds (50)
	MaxConcurrency int           `yaml:"max_concurrency"`  // parallel instrument rounds (16)
	SpoolDir       string        `yaml:"spool_dir"`        // inbox for strategy batch files
}

// Default returns the built-in production configuration.
func Default() *Config {
	return &Config{
		Regime: RegimeConfig{
			HysteresisCalls:    5,
			MinBaselineSamples: 30,
			SubScoreTTL:        2 * time.Second,
			ShutdownSpreadBps:  25.0,
		},
		Arbiter: ArbiterConfig{
			LockTimeout:       5 * time.Second,
			MinEVBps:          2.0,
			ShockEVMultiplier: 2.0,
			HardCorrelation:   0.85,
			SoftCorrelation:   0.40,
			MinHistorySamples: 10,
			FamilyGates: map[string]FamilyGate{
				"momentum":       {MinTrendProb: 0.55},
				"mean_reversion": {MinRangeProb: 0.55},
				"microstructure": {Always: true},
				"volatility":     {Always: true},
			},
			FamilyBudgets: map[string]float64{
				"momentum":       0.30,
				"mean_reversion": 0.30,
				"microstructure": 0.20,
				"volatility":     0.20,
			},
			CapitalUSD: 1_000_000,
			NoTradeZoneBase: map[string]float64{
				"m15": 0.25,
				"h1":  0.20,
				"h4":  0.15,
			},
			FeesBps: 0.7,
			Slippage: SlippageConfig{
				BaseBps:           0.8,
				VolMultiplier:     1.2,
				SpreadImpact:      1.5,
				DepthImpact:       2.0,
				ADVImpact:         3.0,
				UrgencyPremiumBps: 0.5,
				ShockMultiplier:   1.8,
			},
		},
		Ledger: LedgerConfig{
			Root:    "data/ledger",
			AuthKey: "dev-only-key",
		},
		HTTP: HTTPConfig{ListenAddr: ":8087"},
		Scan: ScanConfig{
			Interval:       15 * time.Second,
			RoundsPerSec:   50,
			MaxConcurrency: 16,
			SpoolDir:       "data/spool",
		},
	}
}

// Load reads configuration from a YAML file over the built-in defaults, then
// applies environment overrides and validates the result. A missing file is
// not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ARBITER_LEDGER_KEY"); v != "" {
		cfg.Ledger.AuthKey = v
	}
	if v := os.Getenv("ARBITER_LEDGER_ROOT"); v != "" {
		cfg.Ledger.Root = v
	}
	if v := os.Getenv("ARBITER_REDIS_ADDR"); v != "" {
		cfg.Ledger.RedisAddr = v
	}
	if v := os.Getenv("ARBITER_MIRROR_DSN"); v != "" {
		cfg.Mirror.DSN = v
		cfg.Mirror.Enabled = true
	}
	if v := os.Getenv("ARBITER_HTTP_ADDR"); v != "" {
		cfg.HTTP.ListenAddr = v
	}
}

// Validate rejects configurations that would make arbitration unsound.
func (c *Config) Validate() error {
	if c.Regime.HysteresisCalls < 1 {
		return fmt.Errorf("regime.hysteresis_calls must be >= 1, got %d", c.Regime.HysteresisCalls)
	}
	if c.Regime.ShutdownSpreadBps <= 0 {
		return fmt.Errorf("regime.shutdown_spread_bps must be positive, got %.2f", c.Regime.ShutdownSpreadBps)
	}
	if c.Arbiter.LockTimeout <= 0 {
		return fmt.Errorf("arbiter.lock_timeout must be positive, got %s", c.Arbiter.LockTimeout)
	}
	if c.Arbiter.HardCorrelation <= 0 || c.Arbiter.HardCorrelation > 1 {
		return fmt.Errorf("arbiter.hard_correlation must be in (0,1], got %.2f", c.Arbiter.HardCorrelation)
	}
	if c.Arbiter.SoftCorrelation < 0 || c.Arbiter.SoftCorrelation >= c.Arbiter.HardCorrelation {
		return fmt.Errorf("arbiter.soft_correlation must be in [0, hard), got %.2f", c.Arbiter.SoftCorrelation)
	}
	if c.Arbiter.CapitalUSD <= 0 {
		return fmt.Errorf("arbiter.capital_usd must be positive, got %.2f", c.Arbiter.CapitalUSD)
	}
	var total float64
	for family, frac := range c.Arbiter.FamilyBudgets {
		if frac <= 0 || frac > 1 {
			return fmt.Errorf("arbiter.family_budgets[%s] must be in (0,1], got %.2f", family, frac)
		}
		total += frac
	}
	if total > 1.0001 {
		return fmt.Errorf("arbiter.family_budgets sum to %.2f, must not exceed 1.0", total)
	}
	if c.Ledger.Root == "" {
		return fmt.Errorf("ledger.root must be set")
	}
	if c.Ledger.AuthKey == "" {
		return fmt.Errorf("ledger.auth_key must be set")
	}
	return nil
}
