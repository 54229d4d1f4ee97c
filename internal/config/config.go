// Package config defines all configuration for the trading runtime.
//
// The core itself reads no environment variables: the supervisor receives a
// fully-populated Config struct. Load is the cmd-layer convenience that fills
// that struct from a YAML file (default: configs/config.yaml) with TRADE_*
// environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"tradecore/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	Bus        BusConfig        `mapstructure:"bus"`
	MarketData MarketDataConfig `mapstructure:"market_data"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Orders     OrderConfig      `mapstructure:"orders"`
	Brokers    BrokerConfig     `mapstructure:"brokers"`
	Store      StoreConfig      `mapstructure:"store"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Dashboard  DashboardConfig  `mapstructure:"dashboard"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Strategies []StrategyConfig `mapstructure:"strategies"`
}

// BusConfig bounds the event bus queues.
//
//   - QueueDepth: per-(topic, subscriber) queue capacity.
//   - BackpressureTimeout: how long a publisher blocks on a full lossless
//     queue before failing with a backpressure error.
type BusConfig struct {
	QueueDepth          int           `mapstructure:"queue_depth"`
	BackpressureTimeout time.Duration `mapstructure:"backpressure_timeout"`
}

// MarketDataConfig tunes provider failover in the ingress.
//
//   - HeartbeatInterval: expected bar cadence; 3 missed heartbeats trigger failover.
//   - FailoverErrorCount: consecutive provider errors before it is marked unhealthy.
//   - ProviderCooldown: how long an unhealthy provider sits out before a probe.
type MarketDataConfig struct {
	HeartbeatInterval  time.Duration    `mapstructure:"heartbeat_interval"`
	FailoverErrorCount int              `mapstructure:"failover_error_count"`
	ProviderCooldown   time.Duration    `mapstructure:"provider_cooldown"`
	Providers          []ProviderConfig `mapstructure:"providers"`
}

// ProviderConfig describes one market-data provider endpoint.
type ProviderConfig struct {
	Name         string        `mapstructure:"name"`
	Kind         string        `mapstructure:"kind"` // ws | rest
	URL          string        `mapstructure:"url"`
	Priority     int           `mapstructure:"priority"`
	PollInterval time.Duration `mapstructure:"poll_interval"` // rest only
}

// RiskConfig sets the pre-trade limits (see types.RiskLimits) plus the
// initial cash used when no persisted portfolio exists.
type RiskConfig struct {
	MaxPositionFraction      float64            `mapstructure:"max_position_fraction"`
	MaxGrossExposureFraction float64            `mapstructure:"max_gross_exposure_fraction"`
	MaxDailyLossFraction     float64            `mapstructure:"max_daily_loss_fraction"`
	MaxLeverage              float64            `mapstructure:"max_leverage"`
	PerSymbolCaps            map[string]float64 `mapstructure:"per_symbol_caps"`
	AllowShort               bool               `mapstructure:"allow_short"`
	ScaleByConfidence        bool               `mapstructure:"scale_by_confidence"`
	InitialCash              float64            `mapstructure:"initial_cash"`
}

// Limits converts the float config values to the decimal RiskLimits the risk
// engine works with. Floats appear only here, at the boundary.
func (r RiskConfig) Limits() types.RiskLimits {
	caps := make(map[types.Symbol]decimal.Decimal, len(r.PerSymbolCaps))
	for sym, cap := range r.PerSymbolCaps {
		caps[types.Symbol(sym)] = decimal.NewFromFloat(cap)
	}
	return types.RiskLimits{
		MaxPositionFraction:      decimal.NewFromFloat(r.MaxPositionFraction),
		MaxGrossExposureFraction: decimal.NewFromFloat(r.MaxGrossExposureFraction),
		MaxDailyLossFraction:     decimal.NewFromFloat(r.MaxDailyLossFraction),
		MaxLeverage:              decimal.NewFromFloat(r.MaxLeverage),
		PerSymbolCaps:            caps,
		AllowShort:               r.AllowShort,
		ScaleByConfidence:        r.ScaleByConfidence,
	}
}

// OrderConfig tunes the order manager.
//
//   - OrderTimeout: cancel any order still non-terminal this long after
//     creation. Measured from creation, not last update, which is aggressive
//     for long-lived LIMIT orders.
//   - MaxOrdersPerMinute: sliding-window submission cap.
//   - MaxDailyOrders: hard cap, reset at UTC midnight.
//   - QueueOnRateLimit: queue (true) or drop (false) signals over the window cap.
//   - DedupCacheSize: bound on the signal/fill idempotency caches.
type OrderConfig struct {
	OrderTimeout       time.Duration `mapstructure:"order_timeout"`
	MaxOrdersPerMinute int           `mapstructure:"max_orders_per_minute"`
	MaxDailyOrders     int           `mapstructure:"max_daily_orders"`
	QueueOnRateLimit   bool          `mapstructure:"queue_on_rate_limit"`
	DedupCacheSize     int           `mapstructure:"dedup_cache_size"`
}

// BrokerConfig tunes the broker pool.
//
//   - SelectionPolicy: priority | round_robin | health_based | performance_based.
//   - HealthCheckInterval: background probe cadence.
//   - MaxFailoverAttempts: bound on the per-submission failover loop.
//   - ReadmitProbes: consecutive probe passes before a critical broker returns.
//   - MaxOrdersPerMinute: per-broker token bucket; a broker over its window is
//     skipped for the current submission.
type BrokerConfig struct {
	SelectionPolicy     string        `mapstructure:"selection_policy"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	MaxFailoverAttempts int           `mapstructure:"max_failover_attempts"`
	ReadmitProbes       int           `mapstructure:"readmit_probes"`
	MaxOrdersPerMinute  int           `mapstructure:"max_orders_per_minute"`
}

// StoreConfig sets where durable state lives. An empty Path selects the
// in-memory repository (tests, dry-run).
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// SupervisorConfig bounds shutdown.
type SupervisorConfig struct {
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

// DashboardConfig controls the operator HTTP/WebSocket API. The server binds
// to localhost only.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StrategyConfig declares one strategy instance: which registered factory to
// build and what to feed it.
type StrategyConfig struct {
	ID        string             `mapstructure:"id"`
	Strategy  string             `mapstructure:"strategy"`
	Symbols   []string           `mapstructure:"symbols"`
	Timeframe string             `mapstructure:"timeframe"`
	Params    map[string]float64 `mapstructure:"params"`
}

// Default returns a runnable configuration with the documented defaults.
func Default() Config {
	return Config{
		Bus: BusConfig{
			QueueDepth:          1024,
			BackpressureTimeout: 5 * time.Second,
		},
		MarketData: MarketDataConfig{
			HeartbeatInterval:  10 * time.Second,
			FailoverErrorCount: 3,
			ProviderCooldown:   time.Minute,
		},
		Risk: RiskConfig{
			MaxPositionFraction:      0.10,
			MaxGrossExposureFraction: 1.0,
			MaxDailyLossFraction:     0.03,
			MaxLeverage:              1.0,
			ScaleByConfidence:        true,
			InitialCash:              100000,
		},
		Orders: OrderConfig{
			OrderTimeout:       60 * time.Minute,
			MaxOrdersPerMinute: 60,
			MaxDailyOrders:     500,
			QueueOnRateLimit:   true,
			DedupCacheSize:     10000,
		},
		Brokers: BrokerConfig{
			SelectionPolicy:     "priority",
			HealthCheckInterval: 30 * time.Second,
			MaxFailoverAttempts: 3,
			ReadmitProbes:       3,
			MaxOrdersPerMinute:  120,
		},
		Supervisor: SupervisorConfig{
			DrainTimeout: 30 * time.Second,
		},
		Dashboard: DashboardConfig{Enabled: false, Port: 8089},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads config from a YAML file with TRADE_* env var overrides, layered
// over Default().
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Bus.QueueDepth <= 0 {
		return fmt.Errorf("bus.queue_depth must be > 0")
	}
	if c.Bus.BackpressureTimeout <= 0 {
		return fmt.Errorf("bus.backpressure_timeout must be > 0")
	}
	if c.MarketData.HeartbeatInterval <= 0 {
		return fmt.Errorf("market_data.heartbeat_interval must be > 0")
	}
	if c.MarketData.FailoverErrorCount <= 0 {
		return fmt.Errorf("market_data.failover_error_count must be > 0")
	}
	if c.Risk.MaxPositionFraction <= 0 || c.Risk.MaxPositionFraction > 1 {
		return fmt.Errorf("risk.max_position_fraction must be in (0, 1]")
	}
	if c.Risk.MaxDailyLossFraction <= 0 || c.Risk.MaxDailyLossFraction > 1 {
		return fmt.Errorf("risk.max_daily_loss_fraction must be in (0, 1]")
	}
	if c.Risk.MaxLeverage <= 0 {
		return fmt.Errorf("risk.max_leverage must be > 0")
	}
	if c.Risk.InitialCash <= 0 {
		return fmt.Errorf("risk.initial_cash must be > 0")
	}
	if c.Orders.OrderTimeout <= 0 {
		return fmt.Errorf("orders.order_timeout must be > 0")
	}
	if c.Orders.MaxOrdersPerMinute <= 0 {
		return fmt.Errorf("orders.max_orders_per_minute must be > 0")
	}
	if c.Orders.MaxDailyOrders <= 0 {
		return fmt.Errorf("orders.max_daily_orders must be > 0")
	}
	if c.Orders.DedupCacheSize <= 0 {
		return fmt.Errorf("orders.dedup_cache_size must be > 0")
	}
	switch c.Brokers.SelectionPolicy {
	case "priority", "round_robin", "health_based", "performance_based":
	default:
		return fmt.Errorf("brokers.selection_policy must be one of: priority, round_robin, health_based, performance_based")
	}
	if c.Brokers.MaxFailoverAttempts <= 0 {
		return fmt.Errorf("brokers.max_failover_attempts must be > 0")
	}
	if c.Brokers.MaxOrdersPerMinute <= 0 {
		return fmt.Errorf("brokers.max_orders_per_minute must be > 0")
	}
	if c.Supervisor.DrainTimeout <= 0 {
		return fmt.Errorf("supervisor.drain_timeout must be > 0")
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be a valid port")
	}
	for i, p := range c.MarketData.Providers {
		if p.Name == "" || p.URL == "" {
			return fmt.Errorf("market_data.providers[%d]: name and url are required", i)
		}
		switch p.Kind {
		case "ws", "rest":
		default:
			return fmt.Errorf("market_data.providers[%d]: kind must be ws or rest", i)
		}
	}
	for i, s := range c.Strategies {
		if s.ID == "" || s.Strategy == "" {
			return fmt.Errorf("strategies[%d]: id and strategy are required", i)
		}
		if len(s.Symbols) == 0 {
			return fmt.Errorf("strategies[%d]: at least one symbol is required", i)
		}
	}
	return nil
}
