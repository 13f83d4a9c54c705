package tradeexec

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/evostrat/engine/pkg/engerr"
	"github.com/evostrat/engine/pkg/model"
	"github.com/shopspring/decimal"
)

// Store persists trade(fingerprint, kind, ...) records, unique on
// (fingerprint, kind): at most one real and one validation trade per
// fingerprint.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if absent) the trades table on db.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS trades (
			fingerprint TEXT NOT NULL,
			strategy_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			kind TEXT NOT NULL,
			side TEXT NOT NULL,
			fill_price TEXT NOT NULL,
			fill_qty TEXT NOT NULL,
			pnl TEXT NOT NULL,
			fees TEXT NOT NULL,
			slippage TEXT NOT NULL,
			ts TIMESTAMP NOT NULL,
			success BOOLEAN NOT NULL,
			failure_reason TEXT NOT NULL DEFAULT '',
			exchange_order_id TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (fingerprint, kind)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("creating trades table: %w", err)
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS signals (
			fingerprint TEXT NOT NULL,
			strategy_id TEXT NOT NULL,
			ts TIMESTAMP NOT NULL,
			side TEXT NOT NULL,
			price TEXT NOT NULL,
			confidence TEXT NOT NULL,
			kind TEXT NOT NULL,
			PRIMARY KEY (fingerprint)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("creating signals table: %w", err)
	}
	return s, nil
}

// RecordSignal inserts the signal row that precedes any trade
// insertion, ignoring a duplicate insert for a fingerprint already
// seen.
func (s *Store) RecordSignal(ctx context.Context, sig model.Signal, kind model.TradeKind) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO signals (fingerprint, strategy_id, ts, side, price, confidence, kind)
		VALUES (?,?,?,?,?,?,?)
	`, sig.Fingerprint(), sig.StrategyID, sig.Timestamp, string(sig.Side), sig.Price.String(), sig.Confidence.String(), string(kind))
	if err != nil {
		return engerr.Wrap(engerr.Internal, "record signal", err)
	}
	return nil
}

// Get returns the existing trade for (fingerprint, kind), if any. A
// second submission of the same fingerprint/kind returns the first
// outcome rather than re-executing.
func (s *Store) Get(ctx context.Context, fingerprint string, kind model.TradeKind) (*model.TradeRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT fingerprint, strategy_id, symbol, kind, side, fill_price, fill_qty, pnl, fees, slippage, ts, success, failure_reason, exchange_order_id
		FROM trades WHERE fingerprint = ? AND kind = ?
	`, fingerprint, string(kind))
	return scanTrade(row)
}

// Insert records a new trade. Relies on the (fingerprint, kind) primary
// key to reject a concurrent duplicate; callers treat a unique
// violation as "lost the race, fetch the winner."
func (s *Store) Insert(ctx context.Context, t model.TradeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (fingerprint, strategy_id, symbol, kind, side, fill_price, fill_qty, pnl, fees, slippage, ts, success, failure_reason, exchange_order_id)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, t.Fingerprint, t.StrategyID, t.Symbol, string(t.Kind), string(t.Side),
		t.FillPrice.String(), t.FillQty.String(), t.PnL.String(), t.Fees.String(), t.Slippage.String(),
		t.Timestamp, t.Success, t.FailureReason, t.ExchangeOrderID)
	if err != nil {
		return engerr.Wrap(engerr.Internal, "insert trade", err)
	}
	return nil
}

// UpdateOutcome overwrites the realized PnL and fees of an existing
// trade record, used when a managed exit closes a real position after
// the entry fill was recorded.
func (s *Store) UpdateOutcome(ctx context.Context, fingerprint string, kind model.TradeKind, pnl, fees decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE trades SET pnl = ?, fees = ? WHERE fingerprint = ? AND kind = ?
	`, pnl.String(), fees.String(), fingerprint, string(kind))
	if err != nil {
		return engerr.Wrap(engerr.Internal, "update trade outcome", err)
	}
	return nil
}

// ListByStrategy returns every trade for strategyID, used by the
// Scoring Subsystem to recompute SCS from the stored trade set.
func (s *Store) ListByStrategy(ctx context.Context, strategyID string) ([]model.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fingerprint, strategy_id, symbol, kind, side, fill_price, fill_qty, pnl, fees, slippage, ts, success, failure_reason, exchange_order_id
		FROM trades WHERE strategy_id = ? ORDER BY ts ASC
	`, strategyID)
	if err != nil {
		return nil, engerr.Wrap(engerr.Internal, "list trades", err)
	}
	defer rows.Close()
	var out []model.TradeRecord
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

type scanner interface{ Scan(dest ...any) error }

func scanTrade(row scanner) (*model.TradeRecord, error) {
	var t model.TradeRecord
	var kind, side, fillPrice, fillQty, pnl, fees, slippage string
	err := row.Scan(&t.Fingerprint, &t.StrategyID, &t.Symbol, &kind, &side, &fillPrice, &fillQty, &pnl, &fees, &slippage, &t.Timestamp, &t.Success, &t.FailureReason, &t.ExchangeOrderID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	t.Kind = model.TradeKind(kind)
	t.Side = model.Side(side)
	t.FillPrice = mustDec(fillPrice)
	t.FillQty = mustDec(fillQty)
	t.PnL = mustDec(pnl)
	t.Fees = mustDec(fees)
	t.Slippage = mustDec(slippage)
	return &t, nil
}

func mustDec(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}
