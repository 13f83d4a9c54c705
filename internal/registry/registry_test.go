package registry_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/evostrat/engine/internal/registry"
	"github.com/evostrat/engine/pkg/engerr"
	"github.com/evostrat/engine/pkg/model"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
	"go.uber.org/zap"
)

func openRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	r, err := registry.New(db, zap.NewNop())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return r
}

func seedStrategy(t *testing.T, r *registry.Registry, id string) *model.Strategy {
	t.Helper()
	s := &model.Strategy{
		ID:         id,
		Type:       model.StrategyMomentum,
		Symbol:     "BTC/USDT",
		Parameters: model.Schemas[model.StrategyMomentum].DefaultParameters(),
		Enabled:    true,
	}
	if err := r.Upsert(context.Background(), s); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	return s
}

// Cycle equals the number of committed parameter changes and strictly
// increases only on an atomic commit.
func TestCommitParametersBumpsCycle(t *testing.T) {
	r := openRegistry(t)
	seedStrategy(t, r, "s1")

	newParams := model.Schemas[model.StrategyMomentum].DefaultParameters()
	newParams["threshold"] = decimal.NewFromFloat(0.02)
	if err := r.CommitParameters(context.Background(), "s1", newParams, 0, 1); err != nil {
		t.Fatalf("commit parameters: %v", err)
	}

	got, err := r.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Cycle != 1 {
		t.Fatalf("expected cycle 1 after one commit, got %d", got.Cycle)
	}
	if !got.Parameters["threshold"].Equal(decimal.NewFromFloat(0.02)) {
		t.Fatalf("expected committed parameter to persist, got %s", got.Parameters["threshold"])
	}
}

// Two evolution workers propose on the same strategy
// at the same cycle; the first commit wins and the second is rejected
// with CycleConflict, leaving the strategy untouched by the loser.
func TestCommitParametersCycleConflict(t *testing.T) {
	r := openRegistry(t)
	seedStrategy(t, r, "s1")
	ctx := context.Background()

	paramsA := model.Schemas[model.StrategyMomentum].DefaultParameters()
	paramsA["threshold"] = decimal.NewFromFloat(0.03)
	if err := r.CommitParameters(ctx, "s1", paramsA, 0, 1); err != nil {
		t.Fatalf("first commit should succeed: %v", err)
	}

	paramsB := model.Schemas[model.StrategyMomentum].DefaultParameters()
	paramsB["threshold"] = decimal.NewFromFloat(0.05)
	err := r.CommitParameters(ctx, "s1", paramsB, 0, 1)
	if err == nil {
		t.Fatalf("expected CycleConflict for a stale expected_cycle, got nil")
	}
	if engerr.KindOf(err) != engerr.CycleConflict {
		t.Fatalf("expected CycleConflict kind, got %v", engerr.KindOf(err))
	}

	got, err := r.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Cycle != 1 {
		t.Fatalf("expected cycle still 1 after rejected commit, got %d", got.Cycle)
	}
	if !got.Parameters["threshold"].Equal(decimal.NewFromFloat(0.03)) {
		t.Fatalf("losing commit must not have touched parameters, got %s", got.Parameters["threshold"])
	}
}

func TestRetireIsTerminal(t *testing.T) {
	r := openRegistry(t)
	seedStrategy(t, r, "s1")
	ctx := context.Background()

	if err := r.Retire(ctx, "s1", "score_floor"); err != nil {
		t.Fatalf("retire: %v", err)
	}
	got, err := r.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Retired || got.Enabled {
		t.Fatalf("expected retired=true, enabled=false, got retired=%v enabled=%v", got.Retired, got.Enabled)
	}

	// A commit against a retired strategy must not resurrect it.
	params := model.Schemas[model.StrategyMomentum].DefaultParameters()
	err = r.CommitParameters(ctx, "s1", params, 0, 1)
	if engerr.KindOf(err) != engerr.CycleConflict {
		t.Fatalf("expected commit on a retired strategy to fail as CycleConflict, got %v", err)
	}
}

func TestListOrdersByScoreDescending(t *testing.T) {
	r := openRegistry(t)
	ctx := context.Background()

	lo := seedStrategy(t, r, "lo")
	lo.Metrics.FinalScore = decimal.NewFromInt(40)
	if err := r.Upsert(ctx, lo); err != nil {
		t.Fatalf("upsert lo: %v", err)
	}
	hi := seedStrategy(t, r, "hi")
	hi.Metrics.FinalScore = decimal.NewFromInt(90)
	if err := r.Upsert(ctx, hi); err != nil {
		t.Fatalf("upsert hi: %v", err)
	}

	out, err := r.List(ctx, registry.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 2 || out[0].ID != "hi" || out[1].ID != "lo" {
		t.Fatalf("expected [hi, lo] ordered by score desc, got %+v", out)
	}
}
