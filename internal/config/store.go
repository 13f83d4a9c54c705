package config

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/evostrat/engine/pkg/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Logger is the narrow interface the store needs from the evolution log,
// kept minimal so config does not import evolog directly.
type Logger interface {
	Record(ctx context.Context, ev model.EvolutionEvent)
}

// Store is the live config(key, value, updated_at) table,
// single-row-per-key, every change logged as a config_changed event.
// No version number is kept per key.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	cache  map[string]string
	log    *zap.Logger
	events Logger
}

// DefaultValues seeds every configuration key with a sane operating
// default.
var DefaultValues = map[string]string{
	// Population
	"max_total_strategies":   "150",
	"optimal_strategy_count": "100",
	"max_active_strategies":  "120",

	// Tier sizes & cadences
	"T2_size":        "2000",
	"T3_size":        "21",
	"T4_size":        "3",
	"T1_interval":    "6h",
	"T2_interval":    "5m",
	"T3_interval":    "1m",

	// Gates
	"real_trading_enabled": "false",
	"S_real":               "65",
	"min_trades_for_real":  "10",
	"min_win_rate":         "0.6",
	"min_sim_days":         "1",
	"min_sim_win_rate":     "0.55",
	"min_sim_pnl":          "0",

	// Evolution
	"mutation_rate":             "0.15",
	"crossover_rate":            "0.3",
	"min_score_improvement":     "2",
	"param_validation_trades":   "20",
	"top_protect":               "5",
	"protect_window":            "24h",
	"elimination_days":          "14",
	"S_elim":                    "30",
	"min_trades_for_evaluation": "10",

	// Risk
	"validation_amount":   "100",
	"real_trading_amount": "50",
	"stop_loss_pct":       "0.02",
	"take_profit_pct":     "0.04",
	"max_position_pct":    "0.1",
	"max_holding_minutes": "240",
	"validation_slippage_bps": "5",
	"validation_fee_rate":     "0.001",

	// Feeds
	"max_age": "30s",

	// SCS weights
	"scs_weight_win_rate":      "0.30",
	"scs_weight_sharpe":        "0.25",
	"scs_weight_profit_factor": "0.20",
	"scs_weight_drawdown":      "0.15",
	"scs_weight_volatility":    "0.10",
	"scs_prior_default":        "0.4",

	// Hysteresis
	"tier_hysteresis_pct": "0.05",
	"max_drawdown_cap":    "0.25",

	// Evaluation retries
	"max_eval_retries": "3",
	"max_retries":      "5",
}

// NewStore opens (creating if needed) the config table on db and seeds
// any missing keys with their defaults.
func NewStore(db *sql.DB, logger *zap.Logger, events Logger) (*Store, error) {
	s := &Store{
		db:     db,
		cache:  make(map[string]string),
		log:    logger.Named("config"),
		events: events,
	}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("creating config table: %w", err)
	}

	rows, err := s.db.Query(`SELECT key, value FROM config`)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	defer rows.Close()

	s.mu.Lock()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			s.mu.Unlock()
			return err
		}
		s.cache[k] = v
	}
	s.mu.Unlock()

	// Seed missing keys directly, without the config_changed audit event
	// Set emits: seeding is first-run initialization, not an operator
	// change.
	now := time.Now().UTC()
	for k, v := range DefaultValues {
		s.mu.RLock()
		_, exists := s.cache[k]
		s.mu.RUnlock()
		if exists {
			continue
		}
		if _, err := s.db.Exec(`
			INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO NOTHING
		`, k, v, now); err != nil {
			return fmt.Errorf("seeding config key %q: %w", k, err)
		}
		s.mu.Lock()
		s.cache[k] = v
		s.mu.Unlock()
	}
	return nil
}

// Get returns the raw string value for key, falling back to the compiled
// default when the cache lacks it, and "" when neither has it.
func (s *Store) Get(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.cache[key]; ok {
		return v
	}
	return DefaultValues[key]
}

// GetDecimal parses key as a decimal.Decimal.
func (s *Store) GetDecimal(key string) decimal.Decimal {
	v, err := decimal.NewFromString(s.Get(key))
	if err != nil {
		return decimal.Zero
	}
	return v
}

// GetInt parses key as an int.
func (s *Store) GetInt(key string) int {
	n, _ := strconv.Atoi(s.Get(key))
	return n
}

// GetBool parses key as a bool.
func (s *Store) GetBool(key string) bool {
	b, _ := strconv.ParseBool(s.Get(key))
	return b
}

// GetDuration parses key as a time.Duration (e.g. "5m", "6h").
func (s *Store) GetDuration(key string) time.Duration {
	d, err := time.ParseDuration(s.Get(key))
	if err != nil {
		return 0
	}
	return d
}

// Set writes key=value, persists it, updates the cache, and emits a
// config_changed evolution event so the change is auditable.
func (s *Store) Set(ctx context.Context, key, value, reason string) error {
	now := time.Now().UTC()

	s.mu.Lock()
	before := s.cache[key]
	s.cache[key] = value
	s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at
	`, key, value, now)
	if err != nil {
		return fmt.Errorf("writing config key %q: %w", key, err)
	}

	s.log.Info("config updated", zap.String("key", key), zap.String("value", value))
	if s.events != nil {
		s.events.Record(ctx, model.EvolutionEvent{
			Timestamp: now,
			Kind:      model.EventConfigChanged,
			Before:    before,
			After:     value,
			Reason:    reason,
		})
	}
	return nil
}
