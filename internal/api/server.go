// Package api serves the operator surface: an HTTP status endpoint, an
// emergency-stop control and a WebSocket stream of runtime events fed from
// the bus.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"tradecore/internal/bus"
	"tradecore/internal/config"
	"tradecore/pkg/types"
)

// Server runs the HTTP/WebSocket operator API.
type Server struct {
	cfg      config.DashboardConfig
	provider StatusProvider
	bus      *bus.Bus
	hub      *Hub
	server   *http.Server
	subs     []*bus.Subscription
	logger   *slog.Logger
}

func NewServer(cfg config.DashboardConfig, provider StatusProvider, b *bus.Bus, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/status", handlers.HandleStatus)
	mux.HandleFunc("/api/emergency-stop", handlers.HandleEmergencyStop)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	return &Server{
		cfg:      cfg,
		provider: provider,
		bus:      b,
		hub:      hub,
		server: &http.Server{
			Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		logger: logger.With("component", "api"),
	}
}

// Start subscribes the stream feeds and begins serving. Blocks until Stop.
func (s *Server) Start() error {
	if err := s.subscribeFeeds(); err != nil {
		return err
	}
	go s.hub.Run()

	s.logger.Info("operator api listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop shuts the HTTP server down and detaches from the bus.
func (s *Server) Stop() error {
	for _, sub := range s.subs {
		s.bus.Unsubscribe(sub)
	}
	s.hub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// subscribeFeeds mirrors the operationally interesting topics onto the
// WebSocket stream.
func (s *Server) subscribeFeeds() error {
	feeds := []struct {
		topic bus.Topic
		kind  string
	}{
		{bus.TopicPortfolioUpdate, "portfolio"},
		{bus.TopicOrderStatus, "order_status"},
		{bus.TopicFill, "fill"},
		{bus.TopicStrategyLifecycle, "strategy"},
		{bus.TopicSystemAlert, "alert"},
	}
	for _, f := range feeds {
		kind := f.kind
		sub, err := s.bus.Subscribe(f.topic, "operator_api", func(_ context.Context, evt bus.Event) error {
			s.hub.Emit(kind, streamPayload(evt.Payload))
			return nil
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", f.topic, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

// streamPayload converts bus payloads to their wire shape. Portfolio events
// reuse the status DTO so decimals stay strings.
func streamPayload(payload any) any {
	switch p := payload.(type) {
	case types.Portfolio:
		out := portfolioStatus{
			Cash:        p.Cash.String(),
			TotalEquity: p.TotalEquity.String(),
			AsOf:        p.AsOf,
			Positions:   make([]positionStatus, 0, len(p.Positions)),
		}
		for _, pos := range p.Positions {
			out.Positions = append(out.Positions, positionStatus{
				Symbol:        string(pos.Symbol),
				Quantity:      pos.Quantity.String(),
				AvgCost:       pos.AvgCost.String(),
				MarketValue:   pos.MarketValue.String(),
				RealizedPnL:   pos.RealizedPnL.String(),
				UnrealizedPnL: pos.UnrealizedPnL.String(),
			})
		}
		return out
	case types.Fill:
		return map[string]any{
			"fill_id":  p.ID,
			"order_id": p.OrderID,
			"symbol":   string(p.Symbol),
			"side":     string(p.Side),
			"quantity": p.Quantity.String(),
			"price":    p.Price.String(),
			"venue":    p.Venue,
		}
	default:
		return payload
	}
}
