// Package evolution implements the evolution engine: the
// propose -> shadow-backtest -> live-validate -> commit-or-discard
// pipeline that mutates and crosses strategy parameters, plus
// population homeostasis and top-K protection. The
// mutation/crossover/tournament-selection machinery works against
// decimal.Decimal and model.Schema's typed bounds.
package evolution

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/evostrat/engine/internal/config"
	"github.com/evostrat/engine/internal/registry"
	"github.com/evostrat/engine/pkg/decimalx"
	"github.com/evostrat/engine/pkg/engerr"
	"github.com/evostrat/engine/pkg/model"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EventSink is the evolution-log dependency for created/mutated/
// eliminated events.
type EventSink interface {
	Record(ctx context.Context, ev model.EvolutionEvent)
}

// ShadowBacktester replays history for a candidate's parameters and
// returns its would-be metrics, without touching the live population or
// the exchange. Implemented by the wiring layer atop the backtesting
// subsystem.
type ShadowBacktester interface {
	ShadowBacktest(ctx context.Context, candidate *model.Strategy) (model.Metrics, bool, error)
}

// Validator runs a candidate through param_validation_trades trades
// of the live validation-trade path and reports whether it cleared
// min_sim_win_rate and min_sim_pnl.
type Validator interface {
	Validate(ctx context.Context, candidate *model.Strategy) (passed bool, trades int, err error)
}

// Engine runs the proposal pipeline and homeostasis sweeps.
type Engine struct {
	logger *zap.Logger
	reg    *registry.Registry
	cfg    *config.Store
	events EventSink
	shadow ShadowBacktester
	valid  Validator

	mu  sync.Mutex
	rng *rand.Rand
}

// New constructs an Engine. shadow and valid may be nil in tests that
// only exercise the pure mutation/crossover math.
func New(logger *zap.Logger, reg *registry.Registry, cfg *config.Store, events EventSink, shadow ShadowBacktester, valid Validator) *Engine {
	return &Engine{
		logger: logger.Named("evolution"),
		reg:    reg,
		cfg:    cfg,
		events: events,
		shadow: shadow,
		valid:  valid,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Propose builds one new candidate strategy from parent, crossed with a
// tournament-selected mate from population at crossover_rate and
// mutated at mutation_rate per parameter. The candidate is
// returned unpersisted; the caller drives it through ShadowBacktest and
// Validate before CommitOrDiscard.
func (e *Engine) Propose(parent *model.Strategy, population []*model.Strategy) (*model.Strategy, error) {
	schema, ok := model.Schemas[parent.Type]
	if !ok {
		return nil, engerr.New(engerr.Internal, "no schema for strategy type "+string(parent.Type))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	base := parent.Parameters.Clone()
	crossoverRate, _ := e.cfg.GetDecimal("crossover_rate").Float64()
	if e.rng.Float64() < crossoverRate {
		mate := e.tournamentSelect(population, parent.Type)
		if mate != nil {
			base = e.crossover(schema, parent.Parameters, mate.Parameters)
		}
	}
	mutated := e.mutate(schema, base)

	candidate := &model.Strategy{
		ID:         uuid.NewString(),
		Type:       parent.Type,
		Symbol:     parent.Symbol,
		Parameters: mutated,
		Generation: parent.Generation + 1,
		Cycle:      0,
		ParentID:   parent.ID,
		Enabled:    false, // enabled only after CommitOrDiscard succeeds
		Tier:       model.TierNone,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	return candidate, nil
}

// tournamentSelect picks the best-scoring of three random same-type
// members of population.
func (e *Engine) tournamentSelect(population []*model.Strategy, typ model.StrategyType) *model.Strategy {
	var pool []*model.Strategy
	for _, s := range population {
		if s.Type == typ && !s.Retired {
			pool = append(pool, s)
		}
	}
	if len(pool) == 0 {
		return nil
	}
	best := pool[e.rng.Intn(len(pool))]
	for i := 1; i < 3; i++ {
		cand := pool[e.rng.Intn(len(pool))]
		if cand.Metrics.FinalScore.GreaterThan(best.Metrics.FinalScore) {
			best = cand
		}
	}
	return best
}

// crossover performs uniform crossover: each gene independently comes
// from parent a or b with equal probability.
func (e *Engine) crossover(schema model.Schema, a, b model.Parameters) model.Parameters {
	child := make(model.Parameters, len(schema.Params))
	for _, spec := range schema.Params {
		if e.rng.Float64() < 0.5 {
			child[spec.Name] = a[spec.Name]
		} else {
			child[spec.Name] = b[spec.Name]
		}
	}
	return e.repair(schema, child)
}

// mutate perturbs each gene independently with probability
// mutation_rate via a Gaussian step scaled to 10% of the parameter's
// range, clamped to its bounds. Integer parameters round to the
// nearest whole unit.
func (e *Engine) mutate(schema model.Schema, params model.Parameters) model.Parameters {
	mutated := params.Clone()
	rate, _ := e.cfg.GetDecimal("mutation_rate").Float64()
	for _, spec := range schema.Params {
		if e.rng.Float64() >= rate {
			continue
		}
		current, _ := mutated[spec.Name].Float64()
		rng, _ := spec.Max.Sub(spec.Min).Float64()
		delta := e.rng.NormFloat64() * rng * 0.1
		newVal := current + delta
		if spec.Kind == model.ParamInteger {
			newVal = math.Round(newVal)
		}
		mutated[spec.Name] = decimalx.Clamp(decimal.NewFromFloat(newVal), spec.Min, spec.Max)
	}
	return e.repair(schema, mutated)
}

// repair nudges any pairwise constraint violation back into bounds by
// swapping the two values, which preserves both values' magnitudes
// (the constrained quantity, e.g. a period, stays a plausible value
// for either role) rather than clamping one to an arbitrary bound.
func (e *Engine) repair(schema model.Schema, params model.Parameters) model.Parameters {
	for _, c := range schema.Constraints {
		lesser, greater := params[c.Lesser], params[c.Greater]
		if lesser.Equal(greater) {
			// A swap leaves equal values equal: step the greater one up a
			// unit, or the lesser one down when the greater is at its max.
			one := decimal.NewFromInt(1)
			params[c.Greater] = greater.Add(one)
			for _, spec := range schema.Params {
				if spec.Name == c.Greater && greater.Add(one).GreaterThan(spec.Max) {
					params[c.Greater], params[c.Lesser] = greater, lesser.Sub(one)
				}
			}
			continue
		}
		if !lesser.LessThan(greater) {
			params[c.Lesser], params[c.Greater] = greater, lesser
		}
	}
	return params
}

// Stage carries a candidate through its full evaluation pipeline and
// returns the outcome without mutating the registry — CommitOrDiscard
// applies the result.
type Stage struct {
	Candidate    *model.Strategy
	ShadowPassed bool
	ShadowMetrics model.Metrics
	ValidPassed  bool
	ValidTrades  int
}

// Run drives candidate through shadow-backtest then, if it clears
// min_score_improvement over parent, live-validation.
func (e *Engine) Run(ctx context.Context, candidate, parent *model.Strategy) (Stage, error) {
	stage := Stage{Candidate: candidate}

	if e.shadow != nil {
		m, viable, err := e.shadow.ShadowBacktest(ctx, candidate)
		if err != nil {
			return stage, err
		}
		stage.ShadowMetrics = m
		minImprovement := e.cfg.GetDecimal("min_score_improvement")
		improved := m.FinalScore.Sub(parent.Metrics.FinalScore).GreaterThanOrEqual(minImprovement)
		stage.ShadowPassed = viable && improved
	} else {
		stage.ShadowPassed = true
	}
	if !stage.ShadowPassed {
		return stage, nil
	}

	if e.valid != nil {
		passed, trades, err := e.valid.Validate(ctx, candidate)
		if err != nil {
			return stage, err
		}
		stage.ValidPassed = passed
		stage.ValidTrades = trades
	} else {
		stage.ValidPassed = true
	}
	return stage, nil
}

// CommitOrDiscard persists a successful candidate by replacing parent's
// parameters in place, bumping its cycle: the population slot, not the
// row, is what survives. A failed candidate is discarded without
// touching the registry, emitting a rejected event.
func (e *Engine) CommitOrDiscard(ctx context.Context, parent *model.Strategy, stage Stage) error {
	if !stage.ShadowPassed || !stage.ValidPassed {
		e.events.Record(ctx, model.EvolutionEvent{
			Timestamp: time.Now().UTC(), StrategyID: parent.ID, Kind: model.EventRejected,
			Reason: fmt.Sprintf("candidate discarded: shadow=%v valid=%v", stage.ShadowPassed, stage.ValidPassed),
		})
		return nil
	}

	err := e.reg.CommitParameters(ctx, parent.ID, stage.Candidate.Parameters, parent.Cycle, 1)
	if err != nil {
		return err
	}
	e.events.Record(ctx, model.EvolutionEvent{
		Timestamp: time.Now().UTC(), StrategyID: parent.ID, Kind: model.EventMutated,
		Before: parent.Parameters, After: stage.Candidate.Parameters, Reason: "evolution_commit",
	})
	return nil
}

// Seed creates a brand-new strategy for typ/symbol from its schema's
// prior distribution, used by homeostasis to replenish eliminated
// slots.
func (e *Engine) Seed(ctx context.Context, typ model.StrategyType, symbol string) (*model.Strategy, error) {
	schema, ok := model.Schemas[typ]
	if !ok {
		return nil, engerr.New(engerr.Internal, "no schema for "+string(typ))
	}
	params := schema.DefaultParameters()

	e.mu.Lock()
	for _, spec := range schema.Params {
		jitter := e.rng.NormFloat64() * 0.2
		v, _ := spec.Default.Float64()
		newVal := v * (1 + jitter)
		if spec.Kind == model.ParamInteger {
			newVal = math.Round(newVal)
		}
		params[spec.Name] = decimalx.Clamp(decimal.NewFromFloat(newVal), spec.Min, spec.Max)
	}
	e.mu.Unlock()
	params = e.repair(schema, params)

	now := time.Now().UTC()
	s := &model.Strategy{
		ID: uuid.NewString(), Type: typ, Symbol: symbol, Parameters: params,
		Generation: 0, Cycle: 0, Enabled: true, Tier: model.TierT1,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := e.reg.Upsert(ctx, s); err != nil {
		return nil, err
	}
	e.events.Record(ctx, model.EvolutionEvent{Timestamp: now, StrategyID: s.ID, Kind: model.EventCreated, Reason: "homeostasis_seed"})
	return s, nil
}

// Homeostasis enforces the population bounds: strategies failing any
// elimination criterion are retired, and the population is replenished
// back toward optimal_strategy_count (capped at max_total_strategies)
// with new seeds, biased toward underrepresented families for
// diversity. Elimination fires when any one of these holds:
//   - final_score below S_elim (once the score is no longer the
//     provisional prior-filled placeholder),
//   - no improvement — no committed parameter change and no score
//     increase — for elimination_days,
//   - persistent negative PnL with at least min_trades_for_evaluation
//     trades.
//
// A strategy inside its protection window is never retired.
func (e *Engine) Homeostasis(ctx context.Context, all []*model.Strategy) error {
	sElim := e.cfg.GetDecimal("S_elim")
	elimDays := time.Duration(e.cfg.GetInt("elimination_days")) * 24 * time.Hour
	minTradesEval := e.cfg.GetInt("min_trades_for_evaluation")
	optimal := e.cfg.GetInt("optimal_strategy_count")
	maxTotal := e.cfg.GetInt("max_total_strategies")

	now := time.Now().UTC()
	counts := make(map[model.StrategyType]int)
	live := 0
	for _, s := range all {
		if s.Retired {
			continue
		}
		live++
		counts[s.Type]++
		if now.Before(s.ProtectedUntil) {
			continue
		}

		reason := ""
		switch {
		case !s.Metrics.Provisional && s.Metrics.FinalScore.LessThan(sElim):
			reason = "below_s_elim"
		case now.Sub(lastImprovement(s)) >= elimDays:
			reason = "no_improvement"
		case s.Metrics.TotalTrades >= minTradesEval && s.Metrics.TotalReturn.IsNegative():
			reason = "persistent_negative_pnl"
		}
		if reason == "" {
			continue
		}
		if err := e.reg.Retire(ctx, s.ID, reason); err != nil {
			return err
		}
		e.events.Record(ctx, model.EvolutionEvent{Timestamp: now, StrategyID: s.ID, Kind: model.EventEliminated, Reason: reason})
		live--
		counts[s.Type]--
	}

	deficit := optimal - live
	if deficit <= 0 {
		return nil
	}
	if live+deficit > maxTotal {
		deficit = maxTotal - live
	}
	for i := 0; i < deficit; i++ {
		typ := leastRepresented(counts)
		if _, err := e.Seed(ctx, typ, defaultSymbolFor(all)); err != nil {
			return err
		}
		counts[typ]++
	}
	return nil
}

// lastImprovement is the start of the no-improvement elimination clock:
// the last committed parameter change or score increase, falling back to
// creation for strategies that have never improved.
func lastImprovement(s *model.Strategy) time.Time {
	if s.LastImprovedAt.IsZero() {
		return s.CreatedAt
	}
	return s.LastImprovedAt
}

// leastRepresented returns the strategy type with the fewest live
// members, defaulting to the first family when counts is empty, so
// homeostasis seeding keeps the population diverse across families
// rather than piling onto whichever type happens to score best.
func leastRepresented(counts map[model.StrategyType]int) model.StrategyType {
	best := model.AllStrategyTypes[0]
	bestCount := counts[best]
	for _, t := range model.AllStrategyTypes {
		if counts[t] < bestCount {
			best, bestCount = t, counts[t]
		}
	}
	return best
}

func defaultSymbolFor(all []*model.Strategy) string {
	if len(all) == 0 {
		return "BTC/USDT"
	}
	return all[0].Symbol
}
