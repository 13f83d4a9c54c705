package evolution_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/evostrat/engine/internal/config"
	"github.com/evostrat/engine/internal/evolution"
	"github.com/evostrat/engine/internal/registry"
	"github.com/evostrat/engine/pkg/engerr"
	"github.com/evostrat/engine/pkg/model"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
	"go.uber.org/zap"
)

type recordingSink struct {
	events []model.EvolutionEvent
}

func (r *recordingSink) Record(ctx context.Context, ev model.EvolutionEvent) {
	r.events = append(r.events, ev)
}

func newEngine(t *testing.T) (*evolution.Engine, *registry.Registry, *config.Store, *recordingSink) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reg, err := registry.New(db, zap.NewNop())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	sink := &recordingSink{}
	cfg, err := config.NewStore(db, zap.NewNop(), sink)
	if err != nil {
		t.Fatalf("new config store: %v", err)
	}
	eng := evolution.New(zap.NewNop(), reg, cfg, sink, nil, nil)
	return eng, reg, cfg, sink
}

func trendFollowingParent() *model.Strategy {
	return &model.Strategy{
		ID:         "parent",
		Type:       model.StrategyTrendFollowing,
		Symbol:     "BTC/USDT",
		Parameters: model.Schemas[model.StrategyTrendFollowing].DefaultParameters(),
		Generation: 0,
		Cycle:      3,
	}
}

// Every proposed candidate must stay within its schema's bounds and
// satisfy its pairwise constraints, regardless of the
// mutation/crossover randomness involved.
func TestProposeRespectsSchemaBoundsAndConstraints(t *testing.T) {
	eng, _, _, _ := newEngine(t)
	parent := trendFollowingParent()
	schema := model.Schemas[model.StrategyTrendFollowing]

	for i := 0; i < 50; i++ {
		candidate, err := eng.Propose(parent, []*model.Strategy{parent})
		if err != nil {
			t.Fatalf("propose: %v", err)
		}
		if !schema.Validate(candidate.Parameters) {
			t.Fatalf("candidate violated schema bounds/constraints: %+v", candidate.Parameters)
		}
		if candidate.Generation != parent.Generation+1 {
			t.Fatalf("expected candidate generation to be parent+1, got %d", candidate.Generation)
		}
		if candidate.ParentID != parent.ID {
			t.Fatalf("expected candidate to record its parent id")
		}
		if candidate.Enabled {
			t.Fatalf("a freshly proposed candidate must not be enabled until CommitOrDiscard succeeds")
		}
	}
}

// CommitOrDiscard bumps the parent's cycle and installs the candidate's
// parameters when both stages passed.
func TestCommitOrDiscardCommitsOnFullPass(t *testing.T) {
	eng, reg, _, sink := newEngine(t)
	ctx := context.Background()
	parent := trendFollowingParent()
	if err := reg.Upsert(ctx, parent); err != nil {
		t.Fatalf("seed parent: %v", err)
	}

	candidate, err := eng.Propose(parent, nil)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	stage := evolution.Stage{Candidate: candidate, ShadowPassed: true, ValidPassed: true}
	if err := eng.CommitOrDiscard(ctx, parent, stage); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := reg.Get(ctx, parent.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Cycle != parent.Cycle+1 {
		t.Fatalf("expected cycle bumped by exactly one, got %d -> %d", parent.Cycle, got.Cycle)
	}
	if !got.Parameters["fast_period"].Equal(candidate.Parameters["fast_period"]) {
		t.Fatalf("expected the committed parameters to match the candidate's")
	}

	foundMutated := false
	for _, ev := range sink.events {
		if ev.Kind == model.EventMutated {
			foundMutated = true
		}
	}
	if !foundMutated {
		t.Fatalf("expected a mutated event to be recorded on commit")
	}
}

// A candidate that failed shadow-backtest or live-validation is
// discarded: the parent's parameters and cycle are untouched, and a
// rejected event is recorded instead.
func TestCommitOrDiscardDiscardsOnFailedStage(t *testing.T) {
	eng, reg, _, sink := newEngine(t)
	ctx := context.Background()
	parent := trendFollowingParent()
	if err := reg.Upsert(ctx, parent); err != nil {
		t.Fatalf("seed parent: %v", err)
	}

	candidate, err := eng.Propose(parent, nil)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	stage := evolution.Stage{Candidate: candidate, ShadowPassed: false, ValidPassed: false}
	if err := eng.CommitOrDiscard(ctx, parent, stage); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := reg.Get(ctx, parent.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Cycle != parent.Cycle {
		t.Fatalf("expected cycle untouched on discard, got %d -> %d", parent.Cycle, got.Cycle)
	}
	if len(sink.events) != 1 || sink.events[0].Kind != model.EventRejected {
		t.Fatalf("expected exactly one rejected event, got %+v", sink.events)
	}
}

// If another writer already bumped the parent's cycle between Propose
// and CommitOrDiscard, the commit must lose the race with CycleConflict
// rather than silently overwrite the winner.
func TestCommitOrDiscardSurfacesCycleConflict(t *testing.T) {
	eng, reg, _, _ := newEngine(t)
	ctx := context.Background()
	parent := trendFollowingParent()
	if err := reg.Upsert(ctx, parent); err != nil {
		t.Fatalf("seed parent: %v", err)
	}

	candidate, err := eng.Propose(parent, nil)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	// Someone else commits first, bumping the live cycle out from under
	// our stale in-memory parent snapshot.
	other := model.Schemas[model.StrategyTrendFollowing].DefaultParameters()
	if err := reg.CommitParameters(ctx, parent.ID, other, parent.Cycle, 1); err != nil {
		t.Fatalf("competing commit should succeed: %v", err)
	}

	stage := evolution.Stage{Candidate: candidate, ShadowPassed: true, ValidPassed: true}
	err = eng.CommitOrDiscard(ctx, parent, stage)
	if engerr.KindOf(err) != engerr.CycleConflict {
		t.Fatalf("expected CycleConflict when the parent's cycle moved underneath us, got %v", err)
	}
}

func TestSeedProducesValidDefaultedStrategy(t *testing.T) {
	eng, reg, _, sink := newEngine(t)
	ctx := context.Background()
	schema := model.Schemas[model.StrategyGrid]

	s, err := eng.Seed(ctx, model.StrategyGrid, "ETH/USDT")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if !schema.Validate(s.Parameters) {
		t.Fatalf("seeded strategy violated its own schema bounds: %+v", s.Parameters)
	}
	if !s.Enabled || s.Tier != model.TierT1 {
		t.Fatalf("expected a freshly seeded strategy enabled in T1, got enabled=%v tier=%v", s.Enabled, s.Tier)
	}

	got, err := reg.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatalf("expected the seeded strategy to be persisted in the registry")
	}
	if len(sink.events) != 1 || sink.events[0].Kind != model.EventCreated {
		t.Fatalf("expected exactly one created event, got %+v", sink.events)
	}
}

func homeostasisFixture(score float64, provisional bool) *model.Strategy {
	now := time.Now().UTC()
	s := &model.Strategy{
		ID:         "h1",
		Type:       model.StrategyMomentum,
		Symbol:     "BTC/USDT",
		Parameters: model.Schemas[model.StrategyMomentum].DefaultParameters(),
		Enabled:    true,
		CreatedAt:  now,
		LastImprovedAt: now,
	}
	s.Metrics.FinalScore = decimal.NewFromFloat(score)
	s.Metrics.Provisional = provisional
	return s
}

func runHomeostasis(t *testing.T, eng *evolution.Engine, reg *registry.Registry, cfg *config.Store, strat *model.Strategy) *model.Strategy {
	t.Helper()
	ctx := context.Background()
	// No replenishment: these tests only exercise the retirement side.
	if err := cfg.Set(ctx, "optimal_strategy_count", "0", "test"); err != nil {
		t.Fatalf("set config: %v", err)
	}
	if err := reg.Upsert(ctx, strat); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := eng.Homeostasis(ctx, []*model.Strategy{strat}); err != nil {
		t.Fatalf("homeostasis: %v", err)
	}
	got, err := reg.Get(ctx, strat.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return got
}

// Each elimination criterion retires a strategy on its own: a settled
// score below S_elim, no improvement for elimination_days, or
// persistent negative PnL with enough trades — while a provisional
// low score alone does not.
func TestHomeostasisRetiresOnSettledScoreBelowFloor(t *testing.T) {
	eng, reg, cfg, _ := newEngine(t)
	strat := homeostasisFixture(10, false)
	got := runHomeostasis(t, eng, reg, cfg, strat)
	if !got.Retired || got.RetiredReason != "below_s_elim" {
		t.Fatalf("expected retirement for a settled score below S_elim, got retired=%v reason=%q", got.Retired, got.RetiredReason)
	}
}

func TestHomeostasisSparesProvisionalLowScore(t *testing.T) {
	eng, reg, cfg, _ := newEngine(t)
	strat := homeostasisFixture(10, true)
	got := runHomeostasis(t, eng, reg, cfg, strat)
	if got.Retired {
		t.Fatalf("a provisional prior-filled score must not trigger elimination, got reason=%q", got.RetiredReason)
	}
}

func TestHomeostasisRetiresOnStagnation(t *testing.T) {
	eng, reg, cfg, _ := newEngine(t)
	strat := homeostasisFixture(60, true)
	strat.CreatedAt = time.Now().UTC().Add(-40 * 24 * time.Hour)
	strat.LastImprovedAt = strat.CreatedAt
	got := runHomeostasis(t, eng, reg, cfg, strat)
	if !got.Retired || got.RetiredReason != "no_improvement" {
		t.Fatalf("expected retirement after elimination_days without improvement, got retired=%v reason=%q", got.Retired, got.RetiredReason)
	}
}

func TestHomeostasisRetiresOnPersistentNegativePnL(t *testing.T) {
	eng, reg, cfg, _ := newEngine(t)
	strat := homeostasisFixture(60, false)
	strat.Metrics.TotalTrades = 15
	strat.Metrics.TotalReturn = decimal.NewFromInt(-20)
	got := runHomeostasis(t, eng, reg, cfg, strat)
	if !got.Retired || got.RetiredReason != "persistent_negative_pnl" {
		t.Fatalf("expected retirement for persistent negative PnL, got retired=%v reason=%q", got.Retired, got.RetiredReason)
	}
}

// A strategy inside its protection window survives every criterion.
func TestHomeostasisSparesProtectedStrategy(t *testing.T) {
	eng, reg, cfg, _ := newEngine(t)
	strat := homeostasisFixture(10, false)
	strat.Metrics.TotalTrades = 15
	strat.Metrics.TotalReturn = decimal.NewFromInt(-20)
	strat.ProtectedUntil = time.Now().UTC().Add(time.Hour)
	got := runHomeostasis(t, eng, reg, cfg, strat)
	if got.Retired {
		t.Fatalf("a protected strategy must not be retired, got reason=%q", got.RetiredReason)
	}
}
