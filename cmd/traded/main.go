// traded is the live algorithmic trading core.
//
// Architecture:
//
//	supervisor/   lifecycle: starts components in dependency order, reverse shutdown
//	bus/          typed pub/sub event bus, one payload type per topic
//	marketdata/   provider failover ingress normalizing bars onto the bus
//	strategy/     strategy host: isolated per-strategy tasks, signal emission
//	risk/         pre-trade validation, position sizing, emergency-stop latch
//	portfolio/    single-writer fill accounting with atomic snapshots
//	order/        signal-to-order pipeline, state machine, TWAP/VWAP/POV/IS execution
//	broker/       broker pool: selection policies, failover, health probes
//	store/        SQLite (or in-memory) repository for orders, fills, snapshots
//	api/          operator HTTP/WebSocket surface
//
// Signals flow strategy, bus, order manager, broker pool; fills flow back
// broker, bus, portfolio. Components never call each other directly.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"tradecore/internal/broker"
	"tradecore/internal/config"
	"tradecore/internal/marketdata"
	"tradecore/internal/strategy"
	"tradecore/internal/supervisor"
	"tradecore/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TRADE_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	providers := buildProviders(cfg, logger)
	specs := buildStrategySpecs(cfg)

	// Live broker adapters plug in here; without any, dry-run installs the
	// paper venue and live mode refuses to start.
	var brokers []broker.Broker
	if !cfg.DryRun && len(brokers) == 0 {
		logger.Error("no broker adapters configured for live trading; set dry_run: true")
		os.Exit(1)
	}

	sup := supervisor.New(cfg, providers, brokers, specs, logger)

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE: orders route to the paper venue")
	}
	logger.Info("trading core starting",
		"strategies", len(specs),
		"providers", len(providers),
		"dry_run", cfg.DryRun,
	)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	if err := sup.Run(ctx); err != nil {
		logger.Error("runtime failed", "error", err)
		os.Exit(1)
	}
}

func buildProviders(cfg *config.Config, logger *slog.Logger) []marketdata.Provider {
	out := make([]marketdata.Provider, 0, len(cfg.MarketData.Providers))
	for _, pc := range cfg.MarketData.Providers {
		switch pc.Kind {
		case "ws":
			out = append(out, marketdata.NewWSProvider(pc.Name, pc.Priority, pc.URL, logger))
		case "rest":
			out = append(out, marketdata.NewRESTProvider(pc.Name, pc.Priority, pc.URL, pc.PollInterval, logger))
		}
	}
	return out
}

func buildStrategySpecs(cfg *config.Config) []supervisor.StrategySpec {
	out := make([]supervisor.StrategySpec, 0, len(cfg.Strategies))
	for _, sc := range cfg.Strategies {
		symbols := make([]types.Symbol, 0, len(sc.Symbols))
		for _, s := range sc.Symbols {
			symbols = append(symbols, types.Symbol(s))
		}
		out = append(out, supervisor.StrategySpec{
			Factory: sc.Strategy,
			Config: strategy.Config{
				ID:        sc.ID,
				Symbols:   symbols,
				Timeframe: types.Timeframe(sc.Timeframe),
				Params:    sc.Params,
			},
		})
	}
	return out
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
