package data_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/evostrat/engine/internal/data"
	"github.com/evostrat/engine/internal/marketdata"
	"github.com/evostrat/engine/pkg/engerr"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
	"go.uber.org/zap"
)

func openStore(t *testing.T) *data.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := data.NewStore(db, zap.NewNop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func hourlyBars(start time.Time, closes ...int64) []marketdata.Candle {
	out := make([]marketdata.Candle, len(closes))
	for i, c := range closes {
		px := decimal.NewFromInt(c)
		out[i] = marketdata.Candle{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      px, High: px.Add(decimal.NewFromInt(2)),
			Low: px.Sub(decimal.NewFromInt(2)), Close: px,
			Volume: decimal.NewFromInt(1000),
		}
	}
	return out
}

func TestSaveAndLoadCandlesRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Hour).Add(-3 * time.Hour)

	if err := store.SaveCandles(ctx, "TEST/USDT", hourlyBars(start, 105, 108, 112)); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.LoadCandles(ctx, "TEST/USDT", start, start.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 candles, got %d", len(got))
	}
	if !got[0].Close.Equal(decimal.NewFromInt(105)) {
		t.Errorf("first candle close = %s, want 105", got[0].Close)
	}

	symbols := store.GetAvailableSymbols()
	if len(symbols) != 1 || symbols[0] != "TEST/USDT" {
		t.Fatalf("expected exactly the saved symbol registered, got %v", symbols)
	}
	first, last, err := store.GetDataRange("TEST/USDT")
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if !first.Equal(start) || !last.Equal(start.Add(2*time.Hour)) {
		t.Errorf("range = %v..%v, want %v..%v", first, last, start, start.Add(2*time.Hour))
	}
}

// Re-saving an already-persisted bar replaces it instead of failing the
// (symbol, ts) primary key or duplicating the row.
func TestSaveCandlesUpsertsCorrectedBars(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Hour)

	if err := store.SaveCandles(ctx, "TEST/USDT", hourlyBars(start, 100)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SaveCandles(ctx, "TEST/USDT", hourlyBars(start, 200)); err != nil {
		t.Fatalf("re-save: %v", err)
	}

	got, err := store.LoadCandles(ctx, "TEST/USDT", start, start)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected the corrected bar to replace, not duplicate; got %d rows", len(got))
	}
	if !got[0].Close.Equal(decimal.NewFromInt(200)) {
		t.Errorf("expected the corrected close 200, got %s", got[0].Close)
	}
}

func TestLoadCandlesFiltersTimeRange(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Hour).Add(-5 * time.Hour)

	if err := store.SaveCandles(ctx, "TEST/USDT", hourlyBars(start, 1, 2, 3, 4, 5)); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.LoadCandles(ctx, "TEST/USDT", start.Add(time.Hour), start.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 candles inside the range, got %d", len(got))
	}
	if !got[0].Close.Equal(decimal.NewFromInt(2)) || !got[2].Close.Equal(decimal.NewFromInt(4)) {
		t.Errorf("range filter returned wrong bars: %s..%s", got[0].Close, got[2].Close)
	}
}

func TestGetDataRangeFailsForUnknownSymbol(t *testing.T) {
	store := openStore(t)
	_, _, err := store.GetDataRange("NO/DATA")
	if engerr.KindOf(err) != engerr.StaleData {
		t.Fatalf("expected StaleData for a symbol with no history, got %v", err)
	}
}

// With no persisted history, LoadCandles falls back to a synthesized
// series so a freshly proposed candidate always has something to
// shadow-backtest against — and two identical loads replay identical
// bars.
func TestSynthesizedHistoryIsDeterministic(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	end := time.Now().UTC()
	start := end.AddDate(0, -1, 0)

	first, err := store.LoadCandles(ctx, "SOL/USDT", start, end)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(first) == 0 {
		t.Fatal("expected synthesized candles for a symbol with no persisted history")
	}
	for _, bar := range first {
		if bar.High.LessThan(bar.Low) {
			t.Errorf("synthesized candle has high < low: %+v", bar)
		}
	}

	second, err := store.LoadCandles(ctx, "SOL/USDT", start, end)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if len(second) != len(first) {
		t.Fatalf("repeated synthesized load changed length: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if !first[i].Close.Equal(second[i].Close) {
			t.Fatalf("repeated synthesized load diverged at bar %d: %s vs %s", i, first[i].Close, second[i].Close)
		}
	}
}

// Once real history is ingested, it supersedes the synthesized series.
func TestSavedHistorySupersedesSynthesized(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Hour).Add(-2 * time.Hour)

	if _, err := store.LoadCandles(ctx, "TEST/USDT", start, start.Add(2*time.Hour)); err != nil {
		t.Fatalf("synthesized load: %v", err)
	}
	if err := store.SaveCandles(ctx, "TEST/USDT", hourlyBars(start, 42, 43)); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.LoadCandles(ctx, "TEST/USDT", start, start.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 || !got[0].Close.Equal(decimal.NewFromInt(42)) {
		t.Fatalf("expected persisted bars to replace the synthesized series, got %+v", got)
	}
}

func TestConcurrentLoads(t *testing.T) {
	store := openStore(t)
	var wg sync.WaitGroup
	for _, symbol := range []string{"A/USD", "B/USD", "C/USD", "D/USD"} {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			now := time.Now().UTC()
			if _, err := store.LoadCandles(context.Background(), symbol, now.AddDate(0, 0, -1), now); err != nil {
				t.Errorf("LoadCandles(%s): %v", symbol, err)
			}
		}(symbol)
	}
	wg.Wait()
}
