package marketdata_test

import (
	"context"
	"testing"
	"time"

	"github.com/evostrat/engine/internal/marketdata"
	"github.com/evostrat/engine/pkg/engerr"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type alwaysConnected struct{}

func (alwaysConnected) Connected() bool { return true }

type disconnected struct{}

func (disconnected) Connected() bool { return false }

// Symbols published and read under different spellings of the same pair
// must resolve to a single cache entry (pkg/utils.FormatSymbol is wired
// into every Gateway entry point for this).
func TestPublishAndReadNormalizeSymbolSpelling(t *testing.T) {
	g := marketdata.NewGateway(zap.NewNop(), alwaysConnected{}, 10)
	g.PublishQuote("btc-usdt", marketdata.Quote{
		Bid: decimal.NewFromFloat(100), Ask: decimal.NewFromFloat(101), Last: decimal.NewFromFloat(100.5), Ts: time.Now(),
	})

	q, err := g.Price(context.Background(), "BTC_USDT", 0)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if !q.Last.Equal(decimal.NewFromFloat(100.5)) {
		t.Fatalf("expected the quote published under a different spelling to be found, got %+v", q)
	}

	q2, err := g.Price(context.Background(), "BTC/USDT", 0)
	if err != nil {
		t.Fatalf("price with canonical spelling: %v", err)
	}
	if !q2.Last.Equal(q.Last) {
		t.Fatalf("expected the same cache entry regardless of symbol spelling")
	}
}

func TestPriceFailsStaleDataWhenTooOld(t *testing.T) {
	g := marketdata.NewGateway(zap.NewNop(), alwaysConnected{}, 10)
	g.PublishQuote("BTC/USDT", marketdata.Quote{
		Last: decimal.NewFromFloat(100), Ts: time.Now().Add(-time.Hour),
	})

	_, err := g.Price(context.Background(), "BTC/USDT", time.Minute)
	if engerr.KindOf(err) != engerr.StaleData {
		t.Fatalf("expected StaleData for a quote older than max_age, got %v", err)
	}
}

func TestPriceFailsUnavailableWhenFeedDisconnectedAndNoTick(t *testing.T) {
	g := marketdata.NewGateway(zap.NewNop(), disconnected{}, 10)
	_, err := g.Price(context.Background(), "ETH/USDT", time.Minute)
	if engerr.KindOf(err) != engerr.Unavailable {
		t.Fatalf("expected Unavailable when the feed is disconnected and no tick exists, got %v", err)
	}
}

func TestPriceFailsStaleDataWhenNoTickButFeedConnected(t *testing.T) {
	g := marketdata.NewGateway(zap.NewNop(), alwaysConnected{}, 10)
	_, err := g.Price(context.Background(), "ETH/USDT", time.Minute)
	if engerr.KindOf(err) != engerr.StaleData {
		t.Fatalf("expected StaleData when the feed is connected but has never ticked this symbol, got %v", err)
	}
}

// Candles never errors, even for a symbol never published: the
// insufficient-history judgment belongs to the Signal Engine.
func TestCandlesNeverErrorsOnUnknownSymbol(t *testing.T) {
	g := marketdata.NewGateway(zap.NewNop(), alwaysConnected{}, 10)
	out, err := g.Candles(context.Background(), "DOES/NOTEXIST", 20)
	if err != nil {
		t.Fatalf("expected no error for an unknown symbol, got %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected an empty slice, got %d candles", len(out))
	}
}

func TestCandlesTrimsToMaxHistory(t *testing.T) {
	g := marketdata.NewGateway(zap.NewNop(), alwaysConnected{}, 3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		g.PublishCandle("BTC/USDT", marketdata.Candle{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Close:     decimal.NewFromInt(int64(i)),
		})
	}
	out, err := g.Candles(context.Background(), "BTC/USDT", 0)
	if err != nil {
		t.Fatalf("candles: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected history capped at maxHistory=3, got %d", len(out))
	}
	if !out[len(out)-1].Close.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("expected the newest candle retained, got close=%s", out[len(out)-1].Close)
	}
}
