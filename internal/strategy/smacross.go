package strategy

import (
	"fmt"

	"github.com/markcheno/go-talib"

	"tradecore/pkg/types"
)

func init() {
	RegisterFactory("sma_cross", func() Strategy { return &SMACross{} })
}

// SMACross is the reference strategy: a fast/slow simple-moving-average
// crossover. A fast line crossing above the slow line emits BUY, crossing
// below emits SELL. Close prices leave decimal only for the indicator input;
// no money math happens here.
type SMACross struct {
	id   string
	fast int
	slow int

	closes map[types.Symbol][]float64
}

// Initialize reads the fast/slow periods from Params (defaults 10/30).
func (s *SMACross) Initialize(cfg Config) error {
	s.id = cfg.ID
	s.fast = paramInt(cfg.Params, "fast", 10)
	s.slow = paramInt(cfg.Params, "slow", 30)
	if s.fast <= 0 || s.slow <= s.fast {
		return fmt.Errorf("sma_cross %s: need 0 < fast < slow, got fast=%d slow=%d", cfg.ID, s.fast, s.slow)
	}
	s.closes = make(map[types.Symbol][]float64, len(cfg.Symbols))
	return nil
}

func paramInt(params map[string]float64, key string, def int) int {
	if v, ok := params[key]; ok {
		return int(v)
	}
	return def
}

// OnMarketData appends the close and checks for a crossover once enough
// history exists.
func (s *SMACross) OnMarketData(bar types.MarketBar) ([]types.Signal, error) {
	history := append(s.closes[bar.Symbol], bar.Close.InexactFloat64())
	// slow+1 closes are enough to compare the previous and current crossing.
	if max := s.slow + 1; len(history) > max {
		history = history[len(history)-max:]
	}
	s.closes[bar.Symbol] = history

	if len(history) < s.slow+1 {
		return nil, nil
	}

	fastLine := talib.Sma(history, s.fast)
	slowLine := talib.Sma(history, s.slow)
	n := len(history) - 1

	prevDiff := fastLine[n-1] - slowLine[n-1]
	currDiff := fastLine[n] - slowLine[n]

	var side types.Side
	switch {
	case prevDiff <= 0 && currDiff > 0:
		side = types.BUY
	case prevDiff >= 0 && currDiff < 0:
		side = types.SELL
	default:
		return nil, nil
	}

	sig := types.Signal{
		Symbol:         bar.Symbol,
		Side:           side,
		Confidence:     crossConfidence(currDiff, slowLine[n]),
		ReferencePrice: bar.Close,
		Timestamp:      bar.Timestamp,
	}
	if side == types.SELL {
		// Crossover exits close the whole position.
		sig.Metadata = map[string]string{"close_fraction": "1"}
	}
	return []types.Signal{sig}, nil
}

// crossConfidence maps the relative separation of the averages to [0.5, 1]:
// a hairline cross is half confidence, a 2% separation or more is full.
func crossConfidence(diff, slowVal float64) float64 {
	if slowVal == 0 {
		return 0.5
	}
	sep := diff / slowVal
	if sep < 0 {
		sep = -sep
	}
	conf := 0.5 + sep/0.02*0.5
	if conf > 1 {
		conf = 1
	}
	return conf
}

func (s *SMACross) OnFill(types.Fill) {}

func (s *SMACross) OnPortfolioUpdate(types.Portfolio) {}

func (s *SMACross) Shutdown() {
	s.closes = nil
}
