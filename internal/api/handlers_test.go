package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

type fakeProvider struct {
	mu         sync.Mutex
	stopActive bool
	stopReason string
}

func (f *fakeProvider) Portfolio() types.Portfolio {
	return types.Portfolio{
		Cash:        decimal.NewFromInt(25000),
		TotalEquity: decimal.NewFromInt(40000),
		AsOf:        time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		Positions: map[types.Symbol]types.Position{
			"AAPL": {
				Symbol:      "AAPL",
				Quantity:    decimal.NewFromInt(100),
				AvgCost:     decimal.NewFromInt(150),
				MarketValue: decimal.NewFromInt(15000),
			},
		},
	}
}

func (f *fakeProvider) BrokerHealth() []types.BrokerHealth {
	return []types.BrokerHealth{{
		BrokerName:      "paper",
		Healthy:         true,
		SuccessCount:    9,
		ErrorCount:      1,
		AvgResponseTime: 12 * time.Millisecond,
	}}
}

func (f *fakeProvider) StrategyStates() map[string]types.StrategyState {
	return map[string]types.StrategyState{"sma-1": types.StrategyRunning}
}

func (f *fakeProvider) ActiveOrders() int { return 3 }

func (f *fakeProvider) EmergencyStopState() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopActive, f.stopReason
}

func (f *fakeProvider) EngageStop(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopActive, f.stopReason = true, reason
}

func (f *fakeProvider) ClearStop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopActive, f.stopReason = false, ""
}

func testHandlers() (*Handlers, *fakeProvider) {
	logger := slog.New(slog.NewTextHandler(testWriter{}, nil))
	provider := &fakeProvider{}
	return NewHandlers(provider, NewHub(logger), logger), provider
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestHandleStatusReportsRuntime(t *testing.T) {
	t.Parallel()

	h, _ := testHandlers()
	rec := httptest.NewRecorder()
	h.HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Portfolio.Cash != "25000" {
		t.Errorf("cash = %q, want 25000", resp.Portfolio.Cash)
	}
	if len(resp.Portfolio.Positions) != 1 || resp.Portfolio.Positions[0].Symbol != "AAPL" {
		t.Errorf("positions = %+v, want single AAPL", resp.Portfolio.Positions)
	}
	if resp.ActiveOrders != 3 {
		t.Errorf("active orders = %d, want 3", resp.ActiveOrders)
	}
	if len(resp.Brokers) != 1 || resp.Brokers[0].SuccessRate != 0.9 {
		t.Errorf("brokers = %+v, want paper at 0.9 success rate", resp.Brokers)
	}
	if resp.Strategies["sma-1"] != "RUNNING" {
		t.Errorf("strategies = %v, want sma-1 RUNNING", resp.Strategies)
	}
	if resp.EmergencyStop {
		t.Error("emergency stop should be clear")
	}
}

func TestHandleEmergencyStopEngageAndClear(t *testing.T) {
	t.Parallel()

	h, provider := testHandlers()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/emergency-stop",
		strings.NewReader(`{"action":"engage","reason":"fat finger"}`))
	h.HandleEmergencyStop(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("engage status = %d, want 200", rec.Code)
	}
	if active, reason := provider.EmergencyStopState(); !active || reason != "fat finger" {
		t.Fatalf("latch = (%v, %q), want engaged with reason", active, reason)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/emergency-stop",
		strings.NewReader(`{"action":"clear"}`))
	h.HandleEmergencyStop(rec, req)

	if active, _ := provider.EmergencyStopState(); active {
		t.Fatal("latch should be clear")
	}
}

func TestHandleEmergencyStopDefaultsReason(t *testing.T) {
	t.Parallel()

	h, provider := testHandlers()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/emergency-stop",
		strings.NewReader(`{"action":"engage"}`))
	h.HandleEmergencyStop(rec, req)

	if _, reason := provider.EmergencyStopState(); reason != "operator request" {
		t.Fatalf("reason = %q, want operator request", reason)
	}
}

func TestHandleEmergencyStopRejectsBadInput(t *testing.T) {
	t.Parallel()

	h, _ := testHandlers()

	rec := httptest.NewRecorder()
	h.HandleEmergencyStop(rec, httptest.NewRequest(http.MethodGet, "/api/emergency-stop", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/emergency-stop",
		strings.NewReader(`{"action":"detonate"}`))
	h.HandleEmergencyStop(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad action status = %d, want 400", rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	h, _ := testHandlers()
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status ok", body)
	}
}
