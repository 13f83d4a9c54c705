// Package runtime wires the engine's components together into a
// running system: it implements the narrow collaborator interfaces
// (scheduler.Evaluator, evolution.ShadowBacktester, evolution.Validator)
// that the core packages deliberately leave unimplemented so they stay
// free of import cycles onto each other; subsystems share only
// pkg/model and narrow interfaces, and this package couples them
// with small, single-purpose adapters instead of one god-object.
package runtime

import (
	"context"
	"time"

	"github.com/evostrat/engine/internal/config"
	"github.com/evostrat/engine/internal/evolog"
	"github.com/evostrat/engine/internal/gate"
	"github.com/evostrat/engine/internal/registry"
	"github.com/evostrat/engine/internal/scoring"
	"github.com/evostrat/engine/internal/signalengine"
	"github.com/evostrat/engine/internal/tradeexec"
	"github.com/evostrat/engine/pkg/engerr"
	"github.com/evostrat/engine/pkg/model"
	"go.uber.org/zap"
)

// Evaluator implements scheduler.Evaluator: one full cycle of signal
// generation, classification, dispatch and rescoring for a single
// strategy.
type Evaluator struct {
	logger   *zap.Logger
	reg      *registry.Registry
	cfg      *config.Store
	log      *evolog.Log
	signals  *signalengine.Engine
	gate     *gate.Gate
	exec     *tradeexec.Executor
	scorer   *scoring.Calculator
	tradeLog *tradeexec.Store
}

// NewEvaluator constructs an Evaluator from the engine's core
// components.
func NewEvaluator(
	logger *zap.Logger,
	reg *registry.Registry,
	cfg *config.Store,
	log *evolog.Log,
	signals *signalengine.Engine,
	g *gate.Gate,
	exec *tradeexec.Executor,
	scorer *scoring.Calculator,
	tradeLog *tradeexec.Store,
) *Evaluator {
	return &Evaluator{
		logger: logger.Named("runtime.evaluator"), reg: reg, cfg: cfg, log: log,
		signals: signals, gate: g, exec: exec, scorer: scorer, tradeLog: tradeLog,
	}
}

// EvaluateOne runs the Signal Engine, classifies the result, dispatches
// it through the Trade Executor Loop, and folds the outcome back into
// the strategy's rolling score.
func (e *Evaluator) EvaluateOne(ctx context.Context, strategyID string) error {
	strat, err := e.reg.Get(ctx, strategyID)
	if err != nil {
		return err
	}
	if strat.Retired || !strat.Enabled {
		return nil
	}

	sig, err := e.signals.Evaluate(ctx, strat)
	if err != nil {
		return err
	}
	if !sig.IsActionable() {
		return nil
	}

	kind := e.gate.Decide(strat, gate.Config{
		RealTradingEnabled: e.cfg.GetBool("real_trading_enabled"),
		ProtectWindow:      e.cfg.GetDuration("protect_window"),
	}, time.Now())

	rec, err := e.exec.Execute(ctx, strat, sig, kind)
	if err != nil {
		e.log.ObserveError(engerr.KindOf(err))
		return err
	}

	if gate.DualDispatch(kind) {
		if _, verr := e.exec.Execute(ctx, strat, sig, model.TradeValidation); verr != nil {
			e.logger.Warn("dual-dispatch validation archive failed", zap.Error(verr))
		}
	}

	if kind == model.TradeReal && rec.Success {
		if _, lerr := e.reg.RecordRealLoss(ctx, strategyID, rec.PnL.IsNegative()); lerr != nil {
			e.logger.Warn("record real loss failed", zap.Error(lerr))
		}
	}

	return e.rescore(ctx, strat)
}

// rescore recomputes strat's rolling metrics and SCS from its full
// trade history and persists both the metrics and the derived
// qualifies_for_real flag.
func (e *Evaluator) rescore(ctx context.Context, strat *model.Strategy) error {
	trades, err := e.tradeLog.ListByStrategy(ctx, strat.ID)
	if err != nil {
		return err
	}
	// Dual dispatch archives a validation twin for every real fill; the
	// real fill's PnL replaces the twin's in the scoring contribution,
	// so each fingerprint counts once with real taking precedence.
	byFingerprint := make(map[string]model.TradeRecord, len(trades))
	order := make([]string, 0, len(trades))
	for _, t := range trades {
		prev, seen := byFingerprint[t.Fingerprint]
		if !seen {
			order = append(order, t.Fingerprint)
			byFingerprint[t.Fingerprint] = t
			continue
		}
		if prev.Kind != model.TradeReal && t.Kind == model.TradeReal {
			byFingerprint[t.Fingerprint] = t
		}
	}
	samples := make([]scoring.TradeSample, 0, len(order))
	for _, fp := range order {
		t := byFingerprint[fp]
		samples = append(samples, scoring.TradeSample{PnL: t.PnL, Timestamp: t.Timestamp})
	}

	weights := scoring.Weights{
		WinRate:      e.cfg.GetDecimal("scs_weight_win_rate"),
		Sharpe:       e.cfg.GetDecimal("scs_weight_sharpe"),
		ProfitFactor: e.cfg.GetDecimal("scs_weight_profit_factor"),
		Drawdown:     e.cfg.GetDecimal("scs_weight_drawdown"),
		Volatility:   e.cfg.GetDecimal("scs_weight_volatility"),
		PriorDefault: e.cfg.GetDecimal("scs_prior_default"),
	}
	minSamples := e.cfg.GetInt("min_trades_for_real")

	m, sub := e.scorer.Compute(samples, weights, minSamples)
	composite, provisional := scoring.Composite(sub, weights)
	m.FinalScore = composite
	m.Provisional = provisional

	if err := e.reg.UpdateMetrics(ctx, strat.ID, m); err != nil {
		return err
	}
	e.log.Record(ctx, model.EvolutionEvent{
		Timestamp: time.Now().UTC(), StrategyID: strat.ID, Kind: model.EventScored,
		Reason: "evaluation_cycle",
	})

	sReal := e.cfg.GetDecimal("S_real")
	minWinRate := e.cfg.GetDecimal("min_win_rate")
	strat.Metrics = m
	qualifies := strat.QualifiesForRealTrading(sReal, minWinRate, minSamples)
	return e.reg.SetQualifiesForReal(ctx, strat.ID, qualifies)
}
