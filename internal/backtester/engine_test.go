package backtester_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/evostrat/engine/internal/backtester"
	"github.com/evostrat/engine/internal/backtester/events"
	"github.com/evostrat/engine/internal/data"
	"github.com/evostrat/engine/pkg/types"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
	"go.uber.org/zap"
)

func replayConfig() *types.BacktestConfig {
	return &types.BacktestConfig{
		ID:             "replay",
		Symbols:        []string{"SOL/USDT"},
		StartDate:      time.Now().AddDate(0, -1, 0),
		EndDate:        time.Now(),
		InitialCapital: decimal.NewFromInt(10000),
		Commission:     decimal.NewFromFloat(0.001),
		RiskLimits: types.RiskLimits{
			MaxPositionSize:  decimal.NewFromFloat(0.1),
			MaxDrawdown:      decimal.NewFromFloat(0.2),
			MaxOpenPositions: 5,
		},
	}
}

func newReplayEngine(t *testing.T) *backtester.Engine {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := data.NewStore(db, zap.NewNop())
	if err != nil {
		t.Fatalf("data store: %v", err)
	}
	return backtester.NewEngine(zap.NewNop(), store, backtester.NewFixedSlippage(decimal.NewFromInt(10)))
}

// A run over synthesized history completes and reports every bar it
// replayed, even with no strategy installed.
func TestEngineRunReplaysAllBars(t *testing.T) {
	engine := newReplayEngine(t)

	cfg := replayConfig()
	result, err := engine.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ID != cfg.ID {
		t.Errorf("result ID = %q, want %q", result.ID, cfg.ID)
	}
	if result.EventsProcessed == 0 {
		t.Error("expected at least one replayed bar")
	}
	if len(result.Trades) != 0 {
		t.Errorf("expected no trades without a strategy, got %d", len(result.Trades))
	}
}

// A strategy that buys early and sells a few bars later produces a
// closed trade with realized PnL in the result.
func TestEngineRunRecordsStrategyTrades(t *testing.T) {
	engine := newReplayEngine(t)

	bars := 0
	engine.SetStrategy(func(bar *events.MarketDataEvent) *types.Signal {
		bars++
		switch bars {
		case 1:
			return &types.Signal{Symbol: bar.Symbol, Side: types.OrderSideBuy, CreatedAt: bar.Timestamp}
		case 5:
			return &types.Signal{Symbol: bar.Symbol, Side: types.OrderSideSell, CreatedAt: bar.Timestamp}
		}
		return nil
	})

	result, err := engine.Run(context.Background(), replayConfig())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Trades) == 0 {
		t.Fatal("expected the buy/sell pair to close at least one trade")
	}
	if result.Trades[0].ExecutedAt.IsZero() {
		t.Error("trade must carry its execution timestamp")
	}
}

func TestPortfolioBuySellRoundTrip(t *testing.T) {
	book := backtester.NewPortfolio(decimal.NewFromInt(10000))

	book.Buy("SOL/USDT", decimal.NewFromInt(10), decimal.NewFromInt(100), decimal.NewFromInt(1))
	wantCash := decimal.NewFromInt(10000 - 1000 - 1)
	if !book.GetCash().Equal(wantCash) {
		t.Errorf("cash after buy = %s, want %s", book.GetCash(), wantCash)
	}

	pos := book.GetPosition("SOL/USDT")
	if pos == nil || !pos.Quantity.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("position after buy = %+v", pos)
	}

	book.UpdatePrice("SOL/USDT", decimal.NewFromInt(110))
	wantEquity := wantCash.Add(decimal.NewFromInt(10 * 110))
	if !book.GetEquity().Equal(wantEquity) {
		t.Errorf("equity after mark = %s, want %s", book.GetEquity(), wantEquity)
	}

	pnl := book.Sell("SOL/USDT", decimal.NewFromInt(10), decimal.NewFromInt(110), decimal.NewFromInt(1))
	if !pnl.Equal(decimal.NewFromInt(99)) {
		t.Errorf("realized pnl = %s, want 99", pnl)
	}
	if book.GetPosition("SOL/USDT") != nil {
		t.Error("position should close after a full sell")
	}
}

func TestSlippageModels(t *testing.T) {
	fixed := backtester.NewFixedSlippage(decimal.NewFromInt(10))
	want := decimal.NewFromFloat(0.001)
	if slip := fixed.Calculate(nil, nil); !slip.Equal(want) {
		t.Errorf("fixed slippage = %s, want %s", slip, want)
	}

	vw := backtester.NewVolumeWeightedSlippage(
		decimal.NewFromInt(10), decimal.NewFromFloat(0.1), decimal.NewFromFloat(0.1))
	if slip := vw.Calculate(nil, nil); slip.LessThan(want) {
		t.Errorf("volume-weighted slippage without a bar should fall back to base, got %s", slip)
	}
}

func TestMetricsCalculatorBasics(t *testing.T) {
	calc := backtester.NewMetricsCalculator()

	trades := []*types.Trade{
		{PnL: decimal.NewFromInt(100)},
		{PnL: decimal.NewFromInt(50)},
		{PnL: decimal.NewFromInt(-30)},
		{PnL: decimal.NewFromInt(80)},
		{PnL: decimal.NewFromInt(-20)},
	}
	now := time.Now()
	curve := []types.EquityCurvePoint{
		{Timestamp: now.Add(-5 * time.Hour), Equity: decimal.NewFromInt(10000)},
		{Timestamp: now.Add(-4 * time.Hour), Equity: decimal.NewFromInt(10100)},
		{Timestamp: now.Add(-3 * time.Hour), Equity: decimal.NewFromInt(10150)},
		{Timestamp: now.Add(-2 * time.Hour), Equity: decimal.NewFromInt(10120)},
		{Timestamp: now.Add(-1 * time.Hour), Equity: decimal.NewFromInt(10200)},
		{Timestamp: now, Equity: decimal.NewFromInt(10180)},
	}

	m := calc.Calculate(trades, curve, decimal.NewFromInt(10000))
	if m.TotalTrades != 5 || m.WinningTrades != 3 || m.LosingTrades != 2 {
		t.Errorf("trade counts = %d/%d/%d, want 5/3/2", m.TotalTrades, m.WinningTrades, m.LosingTrades)
	}
	if !m.WinRate.Equal(decimal.NewFromFloat(0.6)) {
		t.Errorf("win rate = %s, want 0.6", m.WinRate)
	}
	wantReturn := decimal.NewFromFloat(0.018)
	if m.TotalReturn.Sub(wantReturn).Abs().GreaterThan(decimal.NewFromFloat(0.001)) {
		t.Errorf("total return = %s, want ~%s", m.TotalReturn, wantReturn)
	}
}
