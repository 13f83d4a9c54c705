package gate_test

import (
	"testing"
	"time"

	"github.com/evostrat/engine/internal/gate"
	"github.com/evostrat/engine/pkg/model"
)

func t4Strategy() *model.Strategy {
	return &model.Strategy{
		ID:               "s1",
		Tier:             model.TierT4,
		QualifiesForReal: true,
	}
}

// real_trading_enabled=false -> every new trade is
// validation, no exception for an otherwise real-eligible T4 strategy.
func TestGateOffAlwaysValidation(t *testing.T) {
	g := gate.New()
	strat := t4Strategy()
	cfg := gate.Config{RealTradingEnabled: false}
	kind := g.Decide(strat, cfg, time.Now())
	if kind != model.TradeValidation {
		t.Fatalf("expected validation with real_trading_enabled=false, got %v", kind)
	}
}

func TestGateNonT4IsValidation(t *testing.T) {
	g := gate.New()
	strat := t4Strategy()
	strat.Tier = model.TierT3
	cfg := gate.Config{RealTradingEnabled: true}
	if kind := g.Decide(strat, cfg, time.Now()); kind != model.TradeValidation {
		t.Fatalf("expected validation for non-T4 strategy, got %v", kind)
	}
}

func TestGateNotRealEligibleIsValidation(t *testing.T) {
	g := gate.New()
	strat := t4Strategy()
	strat.QualifiesForReal = false
	cfg := gate.Config{RealTradingEnabled: true}
	if kind := g.Decide(strat, cfg, time.Now()); kind != model.TradeValidation {
		t.Fatalf("expected validation for a non-eligible strategy, got %v", kind)
	}
}

func TestGateWithinProtectWindowIsValidation(t *testing.T) {
	g := gate.New()
	strat := t4Strategy()
	now := time.Now()
	strat.RealEligibleSince = now.Add(-time.Minute)
	cfg := gate.Config{RealTradingEnabled: true, ProtectWindow: time.Hour}
	if kind := g.Decide(strat, cfg, now); kind != model.TradeValidation {
		t.Fatalf("expected validation within protect_window, got %v", kind)
	}
}

func TestGatePastProtectWindowIsReal(t *testing.T) {
	g := gate.New()
	strat := t4Strategy()
	now := time.Now()
	strat.RealEligibleSince = now.Add(-2 * time.Hour)
	cfg := gate.Config{RealTradingEnabled: true, ProtectWindow: time.Hour}
	if kind := g.Decide(strat, cfg, now); kind != model.TradeReal {
		t.Fatalf("expected real trade past protect_window for a qualified T4 strategy, got %v", kind)
	}
}

func TestDualDispatchOnlyForReal(t *testing.T) {
	if !gate.DualDispatch(model.TradeReal) {
		t.Fatalf("expected dual dispatch for real trades")
	}
	if gate.DualDispatch(model.TradeValidation) {
		t.Fatalf("expected no dual dispatch for validation trades")
	}
}
