package api

import (
	"time"

	"tradecore/pkg/types"
)

// StatusProvider is the slice of the runtime the API reads from.
type StatusProvider interface {
	Portfolio() types.Portfolio
	BrokerHealth() []types.BrokerHealth
	StrategyStates() map[string]types.StrategyState
	ActiveOrders() int
	EmergencyStopState() (active bool, reason string)
	EngageStop(reason string)
	ClearStop()
}

// StreamEvent is the envelope pushed to WebSocket clients.
type StreamEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Wire DTOs. Decimals go out as strings so clients never touch floats.

type positionStatus struct {
	Symbol        string `json:"symbol"`
	Quantity      string `json:"quantity"`
	AvgCost       string `json:"avg_cost"`
	MarketValue   string `json:"market_value"`
	RealizedPnL   string `json:"realized_pnl"`
	UnrealizedPnL string `json:"unrealized_pnl"`
}

type portfolioStatus struct {
	Cash        string           `json:"cash"`
	TotalEquity string           `json:"total_equity"`
	AsOf        time.Time        `json:"as_of"`
	Positions   []positionStatus `json:"positions"`
}

type brokerStatus struct {
	Name                string  `json:"name"`
	Healthy             bool    `json:"healthy"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	SuccessRate         float64 `json:"success_rate"`
	AvgResponseTimeMs   int64   `json:"avg_response_time_ms"`
}

type statusResponse struct {
	Portfolio      portfolioStatus   `json:"portfolio"`
	Brokers        []brokerStatus    `json:"brokers"`
	Strategies     map[string]string `json:"strategies"`
	ActiveOrders   int               `json:"active_orders"`
	EmergencyStop  bool              `json:"emergency_stop"`
	EmergencyCause string            `json:"emergency_cause,omitempty"`
}

func buildStatus(p StatusProvider) statusResponse {
	pf := p.Portfolio()
	out := statusResponse{
		Portfolio: portfolioStatus{
			Cash:        pf.Cash.String(),
			TotalEquity: pf.TotalEquity.String(),
			AsOf:        pf.AsOf,
			Positions:   make([]positionStatus, 0, len(pf.Positions)),
		},
		Strategies:   make(map[string]string),
		ActiveOrders: p.ActiveOrders(),
	}
	for _, pos := range pf.Positions {
		out.Portfolio.Positions = append(out.Portfolio.Positions, positionStatus{
			Symbol:        string(pos.Symbol),
			Quantity:      pos.Quantity.String(),
			AvgCost:       pos.AvgCost.String(),
			MarketValue:   pos.MarketValue.String(),
			RealizedPnL:   pos.RealizedPnL.String(),
			UnrealizedPnL: pos.UnrealizedPnL.String(),
		})
	}
	for _, h := range p.BrokerHealth() {
		out.Brokers = append(out.Brokers, brokerStatus{
			Name:                h.BrokerName,
			Healthy:             h.Healthy,
			ConsecutiveFailures: h.ConsecutiveFailures,
			SuccessRate:         h.SuccessRate(),
			AvgResponseTimeMs:   h.AvgResponseTime.Milliseconds(),
		})
	}
	for id, state := range p.StrategyStates() {
		out.Strategies[id] = string(state)
	}
	out.EmergencyStop, out.EmergencyCause = p.EmergencyStopState()
	return out
}
