package backtester

import (
	"sync"

	"github.com/evostrat/engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RiskManager enforces the replay's risk limits. Once a hard limit
// trips, the kill switch stays latched for the rest of the run.
type RiskManager struct {
	mu         sync.Mutex
	logger     *zap.Logger
	limits     *types.RiskLimits
	peakEquity decimal.Decimal
	halted     bool
}

func NewRiskManager(logger *zap.Logger, limits *types.RiskLimits) *RiskManager {
	return &RiskManager{logger: logger, limits: limits}
}

// Check inspects the book against the hard limits and returns a
// non-empty reason when the run must halt.
func (rm *RiskManager) Check(book *Portfolio) string {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.halted {
		return ""
	}
	equity := book.GetEquity()

	if !rm.peakEquity.IsZero() && !rm.limits.MaxDrawdown.IsZero() {
		drawdown := rm.peakEquity.Sub(equity).Div(rm.peakEquity)
		if drawdown.GreaterThan(rm.limits.MaxDrawdown) {
			rm.halted = true
			return "max_drawdown"
		}
	}
	if equity.GreaterThan(rm.peakEquity) {
		rm.peakEquity = equity
	}
	return ""
}

// AllowSignal rejects new entries once the book is at its position
// cap; exits stay allowed so the replay can always flatten.
func (rm *RiskManager) AllowSignal(signal *types.Signal, book *Portfolio) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.halted {
		return false
	}
	if book.OpenPositionCount() >= rm.limits.MaxOpenPositions && signal.Type != types.SignalTypeExit {
		rm.logger.Debug("signal rejected at position cap", zap.String("symbol", signal.Symbol))
		return false
	}
	return true
}
