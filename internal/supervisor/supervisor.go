// Package supervisor owns component lifecycle: it builds the runtime from
// configuration and explicit port implementations, starts everything in
// dependency order and tears it down in reverse on shutdown.
//
// Start order: bus, repository, portfolio, market-data ingress, broker pool,
// risk engine, order manager, strategy host. Nothing holds a direct reference
// to anything it did not construct; components talk through the bus.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"tradecore/internal/api"
	"tradecore/internal/broker"
	"tradecore/internal/bus"
	"tradecore/internal/config"
	"tradecore/internal/marketdata"
	"tradecore/internal/order"
	"tradecore/internal/portfolio"
	"tradecore/internal/risk"
	"tradecore/internal/store"
	"tradecore/internal/strategy"
	"tradecore/pkg/types"
)

// StrategySpec names a registered strategy factory and its instance config.
type StrategySpec struct {
	Factory string
	Config  strategy.Config
}

// Supervisor runs the trading core. Create with New, then Run until the
// context is cancelled.
type Supervisor struct {
	cfg       *config.Config
	logger    *slog.Logger
	providers []marketdata.Provider
	brokers   []broker.Broker
	specs     []StrategySpec

	bus        *bus.Bus
	repo       store.Repository
	stop       *risk.EmergencyStop
	portfolio  *portfolio.Core
	ingress    *marketdata.Ingress
	brokerMgr  *broker.Manager
	riskEngine *risk.Engine
	orders     *order.Manager
	host       *strategy.Host
	apiServer  *api.Server

	ingressCancel context.CancelFunc
	ingressDone   chan struct{}
}

// New assembles a supervisor. Providers, broker adapters and strategy specs
// are passed in explicitly; in dry-run mode with no adapters a paper broker
// is installed.
func New(cfg *config.Config, providers []marketdata.Provider, brokers []broker.Broker,
	specs []StrategySpec, logger *slog.Logger) *Supervisor {
	if cfg.DryRun && len(brokers) == 0 {
		brokers = []broker.Broker{broker.NewPaper("paper", 1)}
	}
	return &Supervisor{
		cfg:         cfg,
		logger:      logger.With("component", "supervisor"),
		providers:   providers,
		brokers:     brokers,
		specs:       specs,
		ingressDone: make(chan struct{}),
	}
}

// EmergencyStop exposes the latch for operator tooling.
func (s *Supervisor) EmergencyStop() *risk.EmergencyStop { return s.stop }

// Run starts every component, blocks until ctx is cancelled, then shuts the
// runtime down in reverse order.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.start(ctx); err != nil {
		s.shutdown()
		return err
	}
	s.logger.Info("runtime started",
		"dry_run", s.cfg.DryRun,
		"strategies", len(s.specs),
		"providers", len(s.providers),
		"brokers", len(s.brokers))

	<-ctx.Done()
	s.logger.Info("shutdown requested")
	s.shutdown()
	return nil
}

func (s *Supervisor) start(ctx context.Context) error {
	s.stop = risk.NewEmergencyStop()
	s.bus = bus.New(s.cfg.Bus, s.logger)

	if err := s.startStore(); err != nil {
		return err
	}

	s.portfolio = portfolio.New(
		decimal.NewFromFloat(s.cfg.Risk.InitialCash),
		s.cfg.Orders.DedupCacheSize,
		s.bus, s.repo, s.stop, s.logger)
	if err := s.portfolio.Start(ctx); err != nil {
		return fmt.Errorf("start portfolio: %w", err)
	}

	if err := s.startIngress(ctx); err != nil {
		return err
	}

	s.brokerMgr = broker.NewManager(s.cfg.Brokers, s.bus, s.logger)
	for _, br := range s.brokers {
		s.brokerMgr.Add(br)
	}
	if err := s.brokerMgr.Start(ctx); err != nil {
		return fmt.Errorf("start broker pool: %w", err)
	}
	if err := s.wirePaperMarks(); err != nil {
		return err
	}

	s.riskEngine = risk.NewEngine(s.cfg.Risk.Limits(), s.stop, s.portfolio.Snapshot, s.logger)
	s.riskEngine.Start()

	s.orders = order.New(s.cfg.Orders, s.bus, s.repo, s.riskEngine,
		s.brokerMgr, s.stop, s.portfolio.Snapshot, s.logger)
	if err := s.orders.Start(ctx); err != nil {
		return fmt.Errorf("start order manager: %w", err)
	}

	s.host = strategy.NewHost(s.bus, s.stop, s.cfg.Bus.QueueDepth, s.logger)
	for _, spec := range s.specs {
		strat, err := strategy.NewByName(spec.Factory)
		if err != nil {
			return fmt.Errorf("strategy %s: %w", spec.Config.ID, err)
		}
		if err := s.host.Register(strat, spec.Config); err != nil {
			return fmt.Errorf("register strategy %s: %w", spec.Config.ID, err)
		}
	}
	if err := s.host.Start(ctx); err != nil {
		return fmt.Errorf("start strategy host: %w", err)
	}

	if s.ingress != nil {
		if symbols := s.host.Symbols(); len(symbols) > 0 {
			if err := s.ingress.Subscribe(ctx, symbols); err != nil {
				return fmt.Errorf("subscribe market data: %w", err)
			}
		}
	}

	if err := s.watchAlerts(); err != nil {
		return err
	}

	if s.cfg.Dashboard.Enabled {
		s.apiServer = api.NewServer(s.cfg.Dashboard, s, s.bus, s.logger)
		go func() {
			if err := s.apiServer.Start(); err != nil {
				s.logger.Error("operator api failed", "error", err)
			}
		}()
	}
	return nil
}

func (s *Supervisor) startStore() error {
	if s.cfg.Store.Path == "" {
		s.repo = store.NewMemory()
		s.logger.Info("using in-memory repository")
		return nil
	}
	repo, err := store.OpenSQLite(s.cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	s.repo = repo
	return nil
}

func (s *Supervisor) startIngress(ctx context.Context) error {
	if len(s.providers) == 0 {
		s.logger.Warn("no market-data providers configured, ingress disabled")
		close(s.ingressDone)
		return nil
	}
	ing, err := marketdata.NewIngress(s.cfg.MarketData, s.bus, s.providers, s.logger)
	if err != nil {
		return fmt.Errorf("build ingress: %w", err)
	}
	s.ingress = ing

	runCtx, cancel := context.WithCancel(ctx)
	s.ingressCancel = cancel
	go func() {
		defer close(s.ingressDone)
		if err := ing.Run(runCtx); err != nil && runCtx.Err() == nil {
			s.logger.Error("ingress stopped", "error", err)
		}
	}()
	return nil
}

// wirePaperMarks feeds live bar closes to any paper venue so its MARKET
// fills track the tape in dry-run.
func (s *Supervisor) wirePaperMarks() error {
	var papers []*broker.Paper
	for _, br := range s.brokers {
		if p, ok := br.(*broker.Paper); ok {
			papers = append(papers, p)
		}
	}
	if len(papers) == 0 {
		return nil
	}
	_, err := s.bus.Subscribe(bus.TopicMarketData, "paper_marks", func(_ context.Context, evt bus.Event) error {
		bar := evt.Payload.(types.MarketBar)
		for _, p := range papers {
			p.SetMark(bar.Symbol, bar.Close)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe paper marks: %w", err)
	}
	return nil
}

// watchAlerts mirrors system alerts into the operator log.
func (s *Supervisor) watchAlerts() error {
	_, err := s.bus.Subscribe(bus.TopicSystemAlert, "supervisor", func(_ context.Context, evt bus.Event) error {
		a := evt.Payload.(types.Alert)
		attrs := []any{"kind", a.Kind, "message", a.Message}
		for k, v := range a.Fields {
			attrs = append(attrs, k, v)
		}
		switch a.Severity {
		case types.AlertFatal, types.AlertError:
			s.logger.Error("system alert", attrs...)
		case types.AlertWarning:
			s.logger.Warn("system alert", attrs...)
		default:
			s.logger.Info("system alert", attrs...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe alerts: %w", err)
	}
	return nil
}

// shutdown tears components down in reverse start order. Each stage gets the
// remainder of the drain budget.
func (s *Supervisor) shutdown() {
	drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Supervisor.DrainTimeout)
	defer cancel()

	if s.apiServer != nil {
		if err := s.apiServer.Stop(); err != nil {
			s.logger.Warn("operator api stop", "error", err)
		}
	}
	if s.host != nil {
		s.host.Stop()
	}
	if s.orders != nil {
		s.orders.Stop(drainCtx)
	}
	if s.riskEngine != nil {
		s.riskEngine.Stop()
	}
	if s.brokerMgr != nil {
		s.brokerMgr.Stop()
	}
	if s.ingressCancel != nil {
		s.ingressCancel()
		select {
		case <-s.ingressDone:
		case <-drainCtx.Done():
			s.logger.Warn("ingress did not stop within drain budget")
		}
	}
	if s.portfolio != nil {
		s.portfolio.Stop()
	}
	if s.bus != nil {
		if err := s.bus.Close(drainCtx); err != nil {
			s.logger.Warn("bus close", "error", err)
		}
	}
	if s.repo != nil {
		if err := s.repo.Close(); err != nil {
			s.logger.Warn("repository close", "error", err)
		}
	}
	s.logger.Info("runtime stopped")
}

// api.StatusProvider implementation; the operator surface reads the runtime
// through these.

func (s *Supervisor) Portfolio() types.Portfolio {
	if s.portfolio == nil {
		return types.Portfolio{}
	}
	return s.portfolio.Snapshot()
}

func (s *Supervisor) BrokerHealth() []types.BrokerHealth {
	if s.brokerMgr == nil {
		return nil
	}
	return s.brokerMgr.Health()
}

func (s *Supervisor) StrategyStates() map[string]types.StrategyState {
	if s.host == nil {
		return nil
	}
	return s.host.States()
}

func (s *Supervisor) ActiveOrders() int {
	if s.orders == nil {
		return 0
	}
	return s.orders.ActiveCount()
}

func (s *Supervisor) EmergencyStopState() (bool, string) {
	if s.stop == nil {
		return false, ""
	}
	return s.stop.Active(), s.stop.Reason()
}

func (s *Supervisor) EngageStop(reason string) {
	if s.stop != nil {
		s.stop.Engage(reason)
	}
}

func (s *Supervisor) ClearStop() {
	if s.stop != nil {
		s.stop.Clear()
	}
}
