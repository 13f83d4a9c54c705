package config_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/evostrat/engine/internal/config"
	"github.com/evostrat/engine/pkg/model"
	_ "modernc.org/sqlite"
	"go.uber.org/zap"
)

type recordingSink struct {
	events []model.EvolutionEvent
}

func (r *recordingSink) Record(ctx context.Context, ev model.EvolutionEvent) {
	r.events = append(r.events, ev)
}

func openStore(t *testing.T, events config.Logger) *config.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := config.NewStore(db, zap.NewNop(), events)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

// Every key in DefaultValues must be readable immediately after the
// store is opened, with no prior Set call.
func TestNewStoreSeedsDefaults(t *testing.T) {
	s := openStore(t, nil)
	if got := s.Get("real_trading_enabled"); got != "false" {
		t.Fatalf("expected real_trading_enabled default 'false', got %q", got)
	}
	if got := s.GetInt("T4_size"); got != 3 {
		t.Fatalf("expected T4_size default 3, got %d", got)
	}
	if got := s.GetDuration("T2_interval").String(); got != "5m0s" {
		t.Fatalf("expected T2_interval default 5m0s, got %s", got)
	}
}

// A live override persists and is visible to a later Get without
// needing to reopen the store.
func TestSetOverridesAndPersists(t *testing.T) {
	s := openStore(t, nil)
	if err := s.Set(context.Background(), "real_trading_enabled", "true", "operator override"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !s.GetBool("real_trading_enabled") {
		t.Fatalf("expected the override to take effect immediately")
	}
}

// Set emits a config_changed event carrying the before/after values, so
// every live configuration change leaves an audit trail.
func TestSetEmitsConfigChangedEvent(t *testing.T) {
	sink := &recordingSink{}
	s := openStore(t, sink)

	if err := s.Set(context.Background(), "S_real", "70", "raise the real-trading bar"); err != nil {
		t.Fatalf("set: %v", err)
	}

	var found *model.EvolutionEvent
	for i := range sink.events {
		if sink.events[i].Kind == model.EventConfigChanged {
			found = &sink.events[i]
		}
	}
	if found == nil {
		t.Fatalf("expected a config_changed event, got %+v", sink.events)
	}
	if found.After != "70" {
		t.Fatalf("expected After to carry the new value, got %v", found.After)
	}
	if found.Before != "65" {
		t.Fatalf("expected Before to carry the seeded default, got %v", found.Before)
	}
}

func TestGetDecimalFallsBackToZeroOnUnknownKey(t *testing.T) {
	s := openStore(t, nil)
	if v := s.GetDecimal("not_a_real_key"); !v.IsZero() {
		t.Fatalf("expected zero for an unknown key, got %s", v)
	}
}
