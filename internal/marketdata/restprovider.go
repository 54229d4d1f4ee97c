// restprovider.go implements a polling REST provider for feeds without a
// streaming endpoint. It fetches the latest bars for the subscribed symbols
// on a fixed interval; the ingress watermark discards the bars we have
// already seen, so repeated polls are harmless.
package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"tradecore/pkg/types"
)

// restBar is the JSON shape the bars endpoint returns.
type restBar struct {
	Symbol    string  `json:"symbol"`
	Timestamp int64   `json:"timestamp"` // unix millis
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// RESTProvider polls GET /bars?symbols=A,B on a fixed interval.
type RESTProvider struct {
	name     string
	priority int
	interval time.Duration
	http     *resty.Client
	logger   *slog.Logger

	mu         sync.Mutex
	subscribed map[types.Symbol]bool
	cancel     context.CancelFunc
	done       chan struct{}

	barCh chan RawBar
	errCh chan error
}

// NewRESTProvider creates a polling provider with retry on 5xx, mirroring the
// upstream client's tolerance for transient server faults.
func NewRESTProvider(name string, priority int, baseURL string, interval time.Duration, logger *slog.Logger) *RESTProvider {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &RESTProvider{
		name:       name,
		priority:   priority,
		interval:   interval,
		http:       client,
		logger:     logger.With("component", "rest_provider", "provider", name),
		subscribed: make(map[types.Symbol]bool),
		barCh:      make(chan RawBar, wsBarBuffer),
		errCh:      make(chan error, 8),
	}
}

func (p *RESTProvider) Name() string        { return p.name }
func (p *RESTProvider) Priority() int       { return p.priority }
func (p *RESTProvider) Bars() <-chan RawBar { return p.barCh }
func (p *RESTProvider) Errs() <-chan error  { return p.errCh }

// Connect starts the polling loop.
func (p *RESTProvider) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.poll(runCtx)
	return nil
}

// Disconnect stops the polling loop.
func (p *RESTProvider) Disconnect() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (p *RESTProvider) Subscribe(_ context.Context, symbols []types.Symbol) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range symbols {
		p.subscribed[s] = true
	}
	return nil
}

func (p *RESTProvider) Unsubscribe(_ context.Context, symbols []types.Symbol) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range symbols {
		delete(p.subscribed, s)
	}
	return nil
}

// Ping probes the health endpoint.
func (p *RESTProvider) Ping(ctx context.Context) error {
	resp, err := p.http.R().SetContext(ctx).Get("/health")
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("ping: status %d", resp.StatusCode())
	}
	return nil
}

func (p *RESTProvider) poll(ctx context.Context) {
	defer close(p.done)
	defer close(p.barCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.fetch(ctx); err != nil {
				p.logger.Warn("poll failed", "error", err)
				select {
				case p.errCh <- err:
				default:
				}
			}
		}
	}
}

func (p *RESTProvider) fetch(ctx context.Context) error {
	p.mu.Lock()
	symbols := make([]string, 0, len(p.subscribed))
	for s := range p.subscribed {
		symbols = append(symbols, string(s))
	}
	p.mu.Unlock()
	if len(symbols) == 0 {
		return nil
	}

	var bars []restBar
	resp, err := p.http.R().
		SetContext(ctx).
		SetQueryParam("symbols", strings.Join(symbols, ",")).
		SetResult(&bars).
		Get("/bars")
	if err != nil {
		return fmt.Errorf("get bars: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("get bars: status %d: %s", resp.StatusCode(), resp.String())
	}

	for _, rb := range bars {
		bar := RawBar{
			Symbol:    rb.Symbol,
			Timestamp: time.UnixMilli(rb.Timestamp).UTC(),
			Open:      rb.Open,
			High:      rb.High,
			Low:       rb.Low,
			Close:     rb.Close,
			Volume:    rb.Volume,
		}
		select {
		case p.barCh <- bar:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
