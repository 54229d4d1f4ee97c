// stream.go implements the WebSocket streaming provider.
//
// The feed connects to an upstream bar stream, subscribes by symbol, and
// pushes decoded bars to the ingress. The connection auto-reconnects with
// exponential backoff (1s up to 30s) and re-subscribes to all tracked symbols
// on reconnection. A read deadline detects silent server failures within
// about two missed pings.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradecore/pkg/types"
)

const (
	wsPingInterval     = 50 * time.Second
	wsReadTimeout      = 90 * time.Second
	wsMaxReconnectWait = 30 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsBarBuffer        = 256
)

// wsSubscribeMsg is the subscription control message for the stream.
type wsSubscribeMsg struct {
	Action  string   `json:"action"` // "subscribe" or "unsubscribe"
	Symbols []string `json:"symbols"`
}

// wsBarMsg is the wire shape of one bar on the stream.
type wsBarMsg struct {
	Type      string  `json:"type"` // "bar"
	Symbol    string  `json:"symbol"`
	Timestamp int64   `json:"timestamp"` // unix millis
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// WSProvider is a Provider over a WebSocket bar stream.
type WSProvider struct {
	name     string
	priority int
	url      string
	logger   *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	subscribedMu sync.RWMutex
	subscribed   map[types.Symbol]bool

	barCh  chan RawBar
	errCh  chan error
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWSProvider creates a WebSocket provider. Connect starts the read loop.
func NewWSProvider(name string, priority int, url string, logger *slog.Logger) *WSProvider {
	return &WSProvider{
		name:       name,
		priority:   priority,
		url:        url,
		logger:     logger.With("component", "ws_provider", "provider", name),
		subscribed: make(map[types.Symbol]bool),
		barCh:      make(chan RawBar, wsBarBuffer),
		errCh:      make(chan error, 8),
	}
}

func (p *WSProvider) Name() string          { return p.name }
func (p *WSProvider) Priority() int         { return p.priority }
func (p *WSProvider) Bars() <-chan RawBar   { return p.barCh }
func (p *WSProvider) Errs() <-chan error    { return p.errCh }

// Connect dials the stream and starts the reconnecting read loop.
func (p *WSProvider) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	if err := p.dial(runCtx); err != nil {
		cancel()
		close(p.done)
		return err
	}

	go p.run(runCtx)
	return nil
}

// Disconnect stops the read loop and closes the connection.
func (p *WSProvider) Disconnect() error {
	if p.cancel != nil {
		p.cancel()
	}
	p.connMu.Lock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	p.connMu.Unlock()
	if p.done != nil {
		<-p.done
	}
	return nil
}

// Subscribe tracks symbols and sends the subscription message.
func (p *WSProvider) Subscribe(ctx context.Context, symbols []types.Symbol) error {
	p.subscribedMu.Lock()
	for _, s := range symbols {
		p.subscribed[s] = true
	}
	p.subscribedMu.Unlock()
	return p.sendControl("subscribe", symbols)
}

// Unsubscribe removes symbols from tracking and notifies the stream.
func (p *WSProvider) Unsubscribe(ctx context.Context, symbols []types.Symbol) error {
	p.subscribedMu.Lock()
	for _, s := range symbols {
		delete(p.subscribed, s)
	}
	p.subscribedMu.Unlock()
	return p.sendControl("unsubscribe", symbols)
}

// Ping probes liveness with a WebSocket ping frame, falling back to a dial
// check when disconnected.
func (p *WSProvider) Ping(ctx context.Context) error {
	p.connMu.Lock()
	conn := p.conn
	p.connMu.Unlock()

	if conn != nil {
		return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
	}

	dialer := websocket.Dialer{HandshakeTimeout: wsWriteTimeout}
	c, resp, err := dialer.DialContext(ctx, p.url, nil)
	if err != nil {
		return fmt.Errorf("probe dial: %w", err)
	}
	if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
		c.Close()
		return fmt.Errorf("probe dial: status %d", resp.StatusCode)
	}
	return c.Close()
}

func (p *WSProvider) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsWriteTimeout}
	conn, _, err := dialer.DialContext(ctx, p.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.url, err)
	}

	p.connMu.Lock()
	p.conn = conn
	p.connMu.Unlock()

	// Re-subscribe everything we track.
	p.subscribedMu.RLock()
	symbols := make([]types.Symbol, 0, len(p.subscribed))
	for s := range p.subscribed {
		symbols = append(symbols, s)
	}
	p.subscribedMu.RUnlock()
	if len(symbols) > 0 {
		if err := p.sendControl("subscribe", symbols); err != nil {
			return err
		}
	}
	return nil
}

// run reads until ctx is cancelled, reconnecting with exponential backoff.
// After the backoff cap is exceeded twice the bar channel is closed so the
// ingress treats the provider as disconnected.
func (p *WSProvider) run(ctx context.Context) {
	defer close(p.done)
	defer close(p.barCh)

	backoff := time.Second
	for {
		err := p.readLoop(ctx)
		if ctx.Err() != nil {
			return
		}

		p.logger.Warn("stream disconnected, reconnecting", "error", err, "backoff", backoff)
		p.pushErr(err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > wsMaxReconnectWait {
			backoff = wsMaxReconnectWait
		}

		if err := p.dial(ctx); err != nil {
			p.pushErr(err)
			continue
		}
		backoff = time.Second
	}
}

func (p *WSProvider) readLoop(ctx context.Context) error {
	p.connMu.Lock()
	conn := p.conn
	p.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("no connection")
	}

	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-pingTicker.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		var msg wsBarMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			p.logger.Warn("undecodable message", "error", err)
			continue
		}
		if msg.Type != "bar" {
			continue
		}

		bar := RawBar{
			Symbol:    msg.Symbol,
			Timestamp: time.UnixMilli(msg.Timestamp).UTC(),
			Open:      msg.Open,
			High:      msg.High,
			Low:       msg.Low,
			Close:     msg.Close,
			Volume:    msg.Volume,
		}
		select {
		case p.barCh <- bar:
		default:
			p.logger.Warn("bar buffer full, dropping", "symbol", msg.Symbol)
		}
	}
}

func (p *WSProvider) sendControl(action string, symbols []types.Symbol) error {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.conn == nil {
		return nil // applied on next dial via the subscribed set
	}

	raw := make([]string, len(symbols))
	for i, s := range symbols {
		raw[i] = string(s)
	}
	p.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return p.conn.WriteJSON(wsSubscribeMsg{Action: action, Symbols: raw})
}

func (p *WSProvider) pushErr(err error) {
	select {
	case p.errCh <- err:
	default:
	}
}
