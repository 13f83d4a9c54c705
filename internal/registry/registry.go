// Package registry implements the strategy registry: the single
// durable source of truth for the strategy population, with
// optimistic-concurrency parameter commits: a cycle-guarded entity
// store with filtered listing over database/sql.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/evostrat/engine/pkg/engerr"
	"github.com/evostrat/engine/pkg/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrNotFound reports a Get for an id the registry has never held.
var ErrNotFound = errors.New("strategy not found")

// Registry is the durable Strategy population store. All mutation of
// parameters, tier, enablement and retirement goes through here; callers
// elsewhere (schedulers, evolvers) hold only entity ids.
type Registry struct {
	db     *sql.DB
	logger *zap.Logger
}

// New opens (creating if absent) the strategies table on db.
func New(db *sql.DB, logger *zap.Logger) (*Registry, error) {
	r := &Registry{db: db, logger: logger.Named("registry")}
	if err := r.initTables(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) initTables() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS strategies (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			symbol TEXT NOT NULL,
			parameters TEXT NOT NULL DEFAULT '{}',
			generation INTEGER NOT NULL DEFAULT 0,
			cycle INTEGER NOT NULL DEFAULT 0,
			parent_id TEXT NOT NULL DEFAULT '',
			total_trades INTEGER NOT NULL DEFAULT 0,
			win_rate TEXT NOT NULL DEFAULT '0',
			total_return TEXT NOT NULL DEFAULT '0',
			max_drawdown TEXT NOT NULL DEFAULT '0',
			sharpe TEXT NOT NULL DEFAULT '0',
			profit_factor TEXT NOT NULL DEFAULT '0',
			volatility TEXT NOT NULL DEFAULT '0',
			daily_return TEXT NOT NULL DEFAULT '0',
			final_score TEXT NOT NULL DEFAULT '0',
			provisional BOOLEAN NOT NULL DEFAULT 1,
			last_evaluated_at TIMESTAMP,
			enabled BOOLEAN NOT NULL DEFAULT 1,
			tier INTEGER NOT NULL DEFAULT 0,
			qualifies_for_real BOOLEAN NOT NULL DEFAULT 0,
			real_eligible_since TIMESTAMP,
			consecutive_real_losses INTEGER NOT NULL DEFAULT 0,
			last_improved_at TIMESTAMP,
			protected_until TIMESTAMP,
			retired BOOLEAN NOT NULL DEFAULT 0,
			retired_at TIMESTAMP,
			retired_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("creating strategies table: %w", err)
	}
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_strategies_tier ON strategies(tier)`,
		`CREATE INDEX IF NOT EXISTS idx_strategies_score ON strategies(final_score)`,
		`CREATE INDEX IF NOT EXISTS idx_strategies_enabled ON strategies(enabled)`,
		`CREATE INDEX IF NOT EXISTS idx_strategies_type ON strategies(type)`,
	} {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("creating index: %w", err)
		}
	}
	return nil
}

// Filter narrows List's result set. Zero values are "don't filter".
type Filter struct {
	Tier      model.Tier
	HasTier   bool
	Enabled   *bool
	Type      model.StrategyType
	HasType   bool
	RetiredOK bool // include retired strategies; default excludes them
}

// Get fetches a single strategy by id.
func (r *Registry) Get(ctx context.Context, id string) (*model.Strategy, error) {
	row := r.db.QueryRowContext(ctx, selectCols+` WHERE id = ?`, id)
	s, err := scanStrategy(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, engerr.Wrap(engerr.Internal, "get strategy", err)
	}
	return s, nil
}

// List returns strategies matching filter, ordered by final_score DESC.
func (r *Registry) List(ctx context.Context, f Filter) ([]*model.Strategy, error) {
	query := selectCols + ` WHERE 1=1`
	var args []any
	if !f.RetiredOK {
		query += ` AND retired = 0`
	}
	if f.HasTier {
		query += ` AND tier = ?`
		args = append(args, int(f.Tier))
	}
	if f.Enabled != nil {
		query += ` AND enabled = ?`
		args = append(args, *f.Enabled)
	}
	if f.HasType {
		query += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	query += ` ORDER BY CAST(final_score AS REAL) DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engerr.Wrap(engerr.Internal, "list strategies", err)
	}
	defer rows.Close()

	var out []*model.Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, engerr.Wrap(engerr.Internal, "scan strategy", err)
		}
		out = append(out, s)
	}
	// Defensive re-sort: sqlite's CAST(TEXT AS REAL) comparison is
	// correct for the values this table stores, but a decimal-precise
	// tie-break keeps List's ordering independent of the driver.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Metrics.FinalScore.GreaterThan(out[j].Metrics.FinalScore)
	})
	return out, nil
}

// Upsert inserts a brand-new strategy, or fully overwrites an existing
// one outside the cycle-guarded parameter path (used only by the evolver's
// creation step, never for parameter mutation).
func (r *Registry) Upsert(ctx context.Context, s *model.Strategy) error {
	params, err := json.Marshal(s.Parameters)
	if err != nil {
		return engerr.Wrap(engerr.Internal, "marshal parameters", err)
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.LastImprovedAt.IsZero() {
		s.LastImprovedAt = s.CreatedAt
	}
	s.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO strategies (
			id, type, symbol, parameters, generation, cycle, parent_id,
			total_trades, win_rate, total_return, max_drawdown, sharpe,
			profit_factor, volatility, daily_return, final_score, provisional,
			last_evaluated_at, enabled, tier, qualifies_for_real,
			real_eligible_since, consecutive_real_losses, retired, retired_at,
			retired_reason, created_at, updated_at, last_improved_at, protected_until
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			type=excluded.type, symbol=excluded.symbol, parameters=excluded.parameters,
			generation=excluded.generation, cycle=excluded.cycle, parent_id=excluded.parent_id,
			total_trades=excluded.total_trades, win_rate=excluded.win_rate,
			total_return=excluded.total_return, max_drawdown=excluded.max_drawdown,
			sharpe=excluded.sharpe, profit_factor=excluded.profit_factor,
			volatility=excluded.volatility, daily_return=excluded.daily_return,
			final_score=excluded.final_score, provisional=excluded.provisional,
			last_evaluated_at=excluded.last_evaluated_at, enabled=excluded.enabled,
			tier=excluded.tier, qualifies_for_real=excluded.qualifies_for_real,
			real_eligible_since=excluded.real_eligible_since,
			consecutive_real_losses=excluded.consecutive_real_losses,
			retired=excluded.retired, retired_at=excluded.retired_at,
			retired_reason=excluded.retired_reason, updated_at=excluded.updated_at,
			last_improved_at=excluded.last_improved_at, protected_until=excluded.protected_until
	`,
		s.ID, string(s.Type), s.Symbol, string(params), s.Generation, s.Cycle, s.ParentID,
		s.Metrics.TotalTrades, s.Metrics.WinRate.String(), s.Metrics.TotalReturn.String(),
		s.Metrics.MaxDrawdown.String(), s.Metrics.Sharpe.String(), s.Metrics.ProfitFactor.String(),
		s.Metrics.Volatility.String(), s.Metrics.DailyReturn.String(), s.Metrics.FinalScore.String(),
		s.Metrics.Provisional, nullTime(s.Metrics.LastEvaluatedAt), s.Enabled, int(s.Tier),
		s.QualifiesForReal, nullTime(s.RealEligibleSince), s.ConsecutiveRealLosses,
		s.Retired, nullTime(s.RetiredAt), s.RetiredReason, s.CreatedAt, s.UpdatedAt,
		nullTime(s.LastImprovedAt), nullTime(s.ProtectedUntil),
	)
	if err != nil {
		return engerr.Wrap(engerr.Internal, "upsert strategy", err)
	}
	return nil
}

// CommitParameters atomically writes newParams and bumps cycle by
// cycleDelta, but only if the stored cycle still equals expectedCycle
// Returns CycleConflict otherwise — the caller discards its proposal
// without side effects.
func (r *Registry) CommitParameters(ctx context.Context, id string, newParams model.Parameters, expectedCycle, cycleDelta int) error {
	params, err := json.Marshal(newParams)
	if err != nil {
		return engerr.Wrap(engerr.Internal, "marshal parameters", err)
	}
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE strategies
		SET parameters = ?, cycle = cycle + ?, last_improved_at = ?, updated_at = ?
		WHERE id = ? AND cycle = ? AND retired = 0
	`, string(params), cycleDelta, now, now, id, expectedCycle)
	if err != nil {
		return engerr.Wrap(engerr.Internal, "commit parameters", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return engerr.Wrap(engerr.Internal, "commit parameters rows affected", err)
	}
	if n == 0 {
		return engerr.New(engerr.CycleConflict, fmt.Sprintf("strategy %s: expected cycle %d no longer current", id, expectedCycle))
	}
	return nil
}

// SetEnabled flips the participation flag.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE strategies SET enabled = ?, updated_at = ? WHERE id = ?`, enabled, time.Now().UTC(), id)
	if err != nil {
		return engerr.Wrap(engerr.Internal, "set enabled", err)
	}
	return nil
}

// SetTier records a scheduling allocation made by the scheduler. Tier membership is
// never derived here; the scheduler computes it and simply writes it.
func (r *Registry) SetTier(ctx context.Context, id string, tier model.Tier) error {
	_, err := r.db.ExecContext(ctx, `UPDATE strategies SET tier = ?, updated_at = ? WHERE id = ?`, int(tier), time.Now().UTC(), id)
	if err != nil {
		return engerr.Wrap(engerr.Internal, "set tier", err)
	}
	return nil
}

// UpdateMetrics persists the Metrics block written exclusively by the scoring subsystem.
func (r *Registry) UpdateMetrics(ctx context.Context, id string, m model.Metrics) error {
	// A strictly higher composite score counts as improvement and resets
	// the elimination clock; every SET expression sees the pre-update row,
	// so comparing against the old final_score here is race-free.
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		UPDATE strategies SET
			total_trades = ?, win_rate = ?, total_return = ?, max_drawdown = ?,
			sharpe = ?, profit_factor = ?, volatility = ?, daily_return = ?,
			last_improved_at = CASE
				WHEN CAST(? AS REAL) > CAST(final_score AS REAL) THEN ?
				ELSE last_improved_at
			END,
			final_score = ?, provisional = ?, last_evaluated_at = ?, updated_at = ?
		WHERE id = ?
	`, m.TotalTrades, m.WinRate.String(), m.TotalReturn.String(), m.MaxDrawdown.String(),
		m.Sharpe.String(), m.ProfitFactor.String(), m.Volatility.String(), m.DailyReturn.String(),
		m.FinalScore.String(), now,
		m.FinalScore.String(), m.Provisional, nullTime(m.LastEvaluatedAt), now, id)
	if err != nil {
		return engerr.Wrap(engerr.Internal, "update metrics", err)
	}
	return nil
}

// SetQualifiesForReal records the derived gate eligibility flag,
// stamping RealEligibleSince the first time it flips true so the
// protect_window can be enforced.
func (r *Registry) SetQualifiesForReal(ctx context.Context, id string, qualifies bool) error {
	s, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	since := s.RealEligibleSince
	if qualifies && !s.QualifiesForReal {
		since = time.Now().UTC()
	}
	if !qualifies {
		since = time.Time{}
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE strategies SET qualifies_for_real = ?, real_eligible_since = ?, updated_at = ? WHERE id = ?
	`, qualifies, nullTime(since), time.Now().UTC(), id)
	if err != nil {
		return engerr.Wrap(engerr.Internal, "set qualifies for real", err)
	}
	return nil
}

// SetProtectedUntil stamps (or clears, with a zero time) the window in
// which a top-ranked strategy is shielded from demotion, mutation and
// retirement.
func (r *Registry) SetProtectedUntil(ctx context.Context, id string, until time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE strategies SET protected_until = ?, updated_at = ? WHERE id = ?
	`, nullTime(until), time.Now().UTC(), id)
	if err != nil {
		return engerr.Wrap(engerr.Internal, "set protected until", err)
	}
	return nil
}

// RecordRealLoss increments or resets the consecutive-real-loss counter
// the scheduler's emergency-demotion rule consumes.
func (r *Registry) RecordRealLoss(ctx context.Context, id string, losing bool) (int, error) {
	s, err := r.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	n := 0
	if losing {
		n = s.ConsecutiveRealLosses + 1
	}
	_, err = r.db.ExecContext(ctx, `UPDATE strategies SET consecutive_real_losses = ?, updated_at = ? WHERE id = ?`, n, time.Now().UTC(), id)
	if err != nil {
		return 0, engerr.Wrap(engerr.Internal, "record real loss", err)
	}
	return n, nil
}

// Retire marks a strategy permanently terminal; a strategy is either
// retired forever or live, with no partial states.
func (r *Registry) Retire(ctx context.Context, id, reason string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		UPDATE strategies SET retired = 1, retired_at = ?, retired_reason = ?, enabled = 0, tier = 0, updated_at = ? WHERE id = ?
	`, now, reason, now, id)
	if err != nil {
		return engerr.Wrap(engerr.Internal, "retire strategy", err)
	}
	return nil
}

// Count returns the number of live (non-retired) strategies, used by
// the evolver's bootstrap to seed only an empty registry.
func (r *Registry) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM strategies WHERE retired = 0`).Scan(&n); err != nil {
		return 0, engerr.Wrap(engerr.Internal, "count strategies", err)
	}
	return n, nil
}

// CountByType returns the number of live (non-retired) strategies per
// type.
func (r *Registry) CountByType(ctx context.Context) (map[model.StrategyType]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM strategies WHERE retired = 0 GROUP BY type`)
	if err != nil {
		return nil, engerr.Wrap(engerr.Internal, "count by type", err)
	}
	defer rows.Close()
	out := make(map[model.StrategyType]int)
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		out[model.StrategyType(t)] = n
	}
	return out, nil
}

const selectCols = `SELECT
	id, type, symbol, parameters, generation, cycle, parent_id,
	total_trades, win_rate, total_return, max_drawdown, sharpe,
	profit_factor, volatility, daily_return, final_score, provisional,
	last_evaluated_at, enabled, tier, qualifies_for_real,
	real_eligible_since, consecutive_real_losses, last_improved_at,
	protected_until, retired, retired_at, retired_reason,
	created_at, updated_at
	FROM strategies`

type scanner interface {
	Scan(dest ...any) error
}

func scanStrategy(row scanner) (*model.Strategy, error) {
	var s model.Strategy
	var typ, params string
	var winRate, totalReturn, maxDrawdown, sharpe, profitFactor, volatility, dailyReturn, finalScore string
	var lastEvaluatedAt, realEligibleSince, lastImprovedAt, protectedUntil, retiredAt sql.NullTime

	if err := row.Scan(
		&s.ID, &typ, &s.Symbol, &params, &s.Generation, &s.Cycle, &s.ParentID,
		&s.Metrics.TotalTrades, &winRate, &totalReturn, &maxDrawdown, &sharpe,
		&profitFactor, &volatility, &dailyReturn, &finalScore, &s.Metrics.Provisional,
		&lastEvaluatedAt, &s.Enabled, &s.Tier, &s.QualifiesForReal,
		&realEligibleSince, &s.ConsecutiveRealLosses, &lastImprovedAt, &protectedUntil,
		&s.Retired, &retiredAt, &s.RetiredReason, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}

	s.Type = model.StrategyType(typ)
	if err := json.Unmarshal([]byte(params), &s.Parameters); err != nil {
		return nil, fmt.Errorf("unmarshal parameters: %w", err)
	}
	s.Metrics.WinRate = mustDecimal(winRate)
	s.Metrics.TotalReturn = mustDecimal(totalReturn)
	s.Metrics.MaxDrawdown = mustDecimal(maxDrawdown)
	s.Metrics.Sharpe = mustDecimal(sharpe)
	s.Metrics.ProfitFactor = mustDecimal(profitFactor)
	s.Metrics.Volatility = mustDecimal(volatility)
	s.Metrics.DailyReturn = mustDecimal(dailyReturn)
	s.Metrics.FinalScore = mustDecimal(finalScore)
	if lastEvaluatedAt.Valid {
		s.Metrics.LastEvaluatedAt = lastEvaluatedAt.Time
	}
	if realEligibleSince.Valid {
		s.RealEligibleSince = realEligibleSince.Time
	}
	if lastImprovedAt.Valid {
		s.LastImprovedAt = lastImprovedAt.Time
	}
	if protectedUntil.Valid {
		s.ProtectedUntil = protectedUntil.Time
	}
	if retiredAt.Valid {
		s.RetiredAt = retiredAt.Time
	}
	return &s, nil
}

func mustDecimal(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
