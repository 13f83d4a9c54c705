// Package gate implements the trade classifier and gate: splits
// signals into {real, validation} using scores plus the operator's
// real_trading_enabled toggle, and performs the dual dispatch that keeps
// validation scoring continuous even for real trades.
package gate

import (
	"time"

	"github.com/evostrat/engine/pkg/model"
)

// Config is the subset of live configuration the gate consults.
type Config struct {
	RealTradingEnabled bool
	ProtectWindow      time.Duration
}

// Gate decides real vs validation for a signal given its strategy's
// current scheduling state.
type Gate struct{}

// New constructs a Gate. It is stateless; all inputs are passed to
// Decide explicitly so concurrent evaluation workers can share one
// instance without locking.
func New() *Gate { return &Gate{} }

// Decide classifies a signal originating from strat:
//   - real_trading_enabled == false -> validation
//   - strat not in T4, or not real-eligible, or within protect_window
//     after first real-eligibility -> validation
//   - otherwise -> real
func (g *Gate) Decide(strat *model.Strategy, cfg Config, now time.Time) model.TradeKind {
	if !cfg.RealTradingEnabled {
		return model.TradeValidation
	}
	if strat.Tier != model.TierT4 {
		return model.TradeValidation
	}
	if !strat.QualifiesForReal {
		return model.TradeValidation
	}
	if !strat.RealEligibleSince.IsZero() && now.Sub(strat.RealEligibleSince) < cfg.ProtectWindow {
		return model.TradeValidation
	}
	return model.TradeReal
}

// DualDispatch reports whether a real-classified signal must also be
// archived as a validation observation for scoring continuity. A real
// fill's PnL later replaces the validation's PnL for the same
// fingerprint.
func DualDispatch(kind model.TradeKind) bool {
	return kind == model.TradeReal
}
