package runtime

import (
	"context"

	"github.com/evostrat/engine/internal/signalengine"
	"github.com/evostrat/engine/internal/tradeexec"
	"github.com/evostrat/engine/pkg/model"
	"github.com/shopspring/decimal"
)

// Validator implements evolution.Validator: it drives a candidate
// through live validation-trade signals until it accumulates
// param_validation_trades observations, then reports whether the
// resulting win rate and PnL cleared the configured floor. It reuses
// the Trade Executor Loop's validation path so a
// candidate under validation produces exactly the trade records a real
// strategy would, just classified model.TradeValidation.
type Validator struct {
	signals      *signalengine.Engine
	exec         *tradeexec.Executor
	tradeLog     *tradeexec.Store
	targetTrades int
	minWinRate   decimal.Decimal
	minPnL       decimal.Decimal
}

// NewValidator constructs a Validator against the same signal engine
// and trade executor the live evaluation path uses.
func NewValidator(signals *signalengine.Engine, exec *tradeexec.Executor, tradeLog *tradeexec.Store, targetTrades int, minWinRate, minPnL decimal.Decimal) *Validator {
	if targetTrades <= 0 {
		targetTrades = 20
	}
	return &Validator{
		signals: signals, exec: exec, tradeLog: tradeLog,
		targetTrades: targetTrades, minWinRate: minWinRate, minPnL: minPnL,
	}
}

// Validate evaluates candidate repeatedly (bounded at 10x targetTrades
// attempts, since hold signals consume an attempt without producing a
// trade) until it has targetTrades validation trades recorded, then
// checks the outcome against the configured floors.
func (v *Validator) Validate(ctx context.Context, candidate *model.Strategy) (bool, int, error) {
	maxAttempts := v.targetTrades * 10
	var recorded int
	for attempt := 0; attempt < maxAttempts && recorded < v.targetTrades; attempt++ {
		sig, err := v.signals.Evaluate(ctx, candidate)
		if err != nil {
			return false, recorded, err
		}
		if !sig.IsActionable() {
			continue
		}
		if _, err := v.exec.Execute(ctx, candidate, sig, model.TradeValidation); err != nil {
			return false, recorded, err
		}
		recorded++
	}

	trades, err := v.tradeLog.ListByStrategy(ctx, candidate.ID)
	if err != nil {
		return false, recorded, err
	}

	var wins, n int
	total := decimal.Zero
	for _, t := range trades {
		if t.Kind != model.TradeValidation {
			continue
		}
		n++
		if t.PnL.GreaterThan(decimal.Zero) {
			wins++
		}
		total = total.Add(t.PnL)
	}
	if n == 0 {
		return false, recorded, nil
	}
	winRate := decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(n)))
	passed := !winRate.LessThan(v.minWinRate) && !total.LessThan(v.minPnL)
	return passed, recorded, nil
}
