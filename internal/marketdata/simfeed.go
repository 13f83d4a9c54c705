package marketdata

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// symbolSeed is the per-symbol random-walk state a SimFeed advances on
// every tick.
type symbolSeed struct {
	price float64
}

// SimFeed is a simulated Feed publishing a continuous random walk of
// quotes and candles for a fixed symbol set, standing in for a real
// exchange websocket connection: an always-running ticker that
// publishes a random-walk quote and bar stream directly into a
// Gateway.
type SimFeed struct {
	logger  *zap.Logger
	gateway *Gateway
	rng     *rand.Rand

	mu      sync.Mutex
	seeds   map[string]*symbolSeed
	candles map[string]Candle // bar currently being built

	interval  time.Duration
	connected atomic.Bool

	cancel context.CancelFunc
}

// NewSimFeed constructs a SimFeed that will publish into gateway once
// started. startingPrices seeds the random walk per symbol (e.g.
// "SOL/USDT": 100).
func NewSimFeed(logger *zap.Logger, gateway *Gateway, startingPrices map[string]decimal.Decimal, tickInterval time.Duration) *SimFeed {
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	seeds := make(map[string]*symbolSeed, len(startingPrices))
	for sym, px := range startingPrices {
		f, _ := px.Float64()
		seeds[sym] = &symbolSeed{price: f}
	}
	return &SimFeed{
		logger:   logger.Named("marketdata.simfeed"),
		gateway:  gateway,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		seeds:    seeds,
		candles:  make(map[string]Candle),
		interval: tickInterval,
	}
}

// Connected reports whether the simulated feed is currently running.
func (f *SimFeed) Connected() bool {
	return f.connected.Load()
}

// Start begins publishing quotes and, once per barInterval, closed
// candles, until ctx is cancelled or Stop is called.
func (f *SimFeed) Start(ctx context.Context, barInterval time.Duration) {
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.connected.Store(true)

	go f.run(runCtx, barInterval)
}

// Stop halts publication; Connected reports false afterward.
func (f *SimFeed) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.connected.Store(false)
}

func (f *SimFeed) run(ctx context.Context, barInterval time.Duration) {
	tickTicker := time.NewTicker(f.interval)
	barTicker := time.NewTicker(barInterval)
	defer tickTicker.Stop()
	defer barTicker.Stop()
	defer f.connected.Store(false)

	for {
		select {
		case <-ctx.Done():
			return
		case <-tickTicker.C:
			f.tick()
		case <-barTicker.C:
			f.closeBars()
		}
	}
}

// tick advances every symbol's random walk by one step and publishes
// the resulting quote (and folds it into the in-progress bar).
func (f *SimFeed) tick() {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now().UTC()
	for sym, seed := range f.seeds {
		change := (f.rng.Float64() - 0.5) * 0.004 * seed.price
		seed.price += change
		if seed.price <= 0 {
			seed.price = 0.01
		}
		last := decimal.NewFromFloat(seed.price)
		spread := last.Mul(decimal.NewFromFloat(0.0005))

		f.gateway.PublishQuote(sym, Quote{
			Bid:  last.Sub(spread),
			Ask:  last.Add(spread),
			Last: last,
			Ts:   now,
		})

		bar, ok := f.candles[sym]
		if !ok {
			bar = Candle{Timestamp: now, Open: last, High: last, Low: last, Close: last}
		}
		bar.High = decimal.Max(bar.High, last)
		bar.Low = decimal.Min(bar.Low, last)
		bar.Close = last
		bar.Volume = bar.Volume.Add(decimal.NewFromFloat(f.rng.Float64() * 1000))
		f.candles[sym] = bar
	}
}

// closeBars publishes the currently accumulating bar for every symbol
// to the gateway's candle history and opens a fresh one.
func (f *SimFeed) closeBars() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for sym, bar := range f.candles {
		f.gateway.PublishCandle(sym, bar)
		f.candles[sym] = Candle{Timestamp: time.Now().UTC(), Open: bar.Close, High: bar.Close, Low: bar.Close, Close: bar.Close}
	}
}
