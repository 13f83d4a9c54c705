// Package tradeexec implements the trade executor loop: turns a
// classified signal into a persisted trade record, either by submitting
// a real order to the exchange executor or by simulating a validation
// fill that never reaches an exchange. The validation path keeps a
// lightweight per-strategy paper position so a closing fill realizes
// PnL against its entry, which is what the scoring window and the
// evolution validator consume.
package tradeexec

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/evostrat/engine/internal/config"
	"github.com/evostrat/engine/internal/exchange"
	"github.com/evostrat/engine/internal/marketdata"
	"github.com/evostrat/engine/pkg/decimalx"
	"github.com/evostrat/engine/pkg/engerr"
	"github.com/evostrat/engine/pkg/model"
	"github.com/evostrat/engine/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EventSink is the narrow evolution-log dependency: demotion-pressure
// and rejection events from the real path.
type EventSink interface {
	Record(ctx context.Context, ev model.EvolutionEvent)
}

// Gateway is the price lookup the validation path and the real path's
// sizing both need.
type Gateway interface {
	Price(ctx context.Context, symbol string, maxAge time.Duration) (marketdata.Quote, error)
}

// Executor runs both the real and validation trade paths, keyed by
// model.TradeKind, and persists every outcome via Store.
type Executor struct {
	logger  *zap.Logger
	adapter *exchange.Protected
	cfg     *config.Store
	gateway Gateway
	store   *Store
	events  EventSink

	// positions is the validation path's paper book, keyed by
	// strategy|symbol: signed quantity plus average entry, so closing
	// fills realize PnL.
	posMu     sync.Mutex
	positions map[string]*paperPosition

	// symLocks serializes real orders per symbol so a strategy never
	// competes with itself on the same market.
	symMu    sync.Mutex
	symLocks map[string]*sync.Mutex
}

// paperPosition is one strategy's simulated exposure on one symbol.
// Quantity is signed: positive long, negative short.
type paperPosition struct {
	qty      decimal.Decimal
	avgEntry decimal.Decimal
}

// New constructs an Executor. adapter is expected to already be wrapped
// in exchange.Protected so the rate limiter and circuit breaker apply to
// every real submission.
func New(logger *zap.Logger, adapter *exchange.Protected, cfg *config.Store, gateway Gateway, store *Store, events EventSink) *Executor {
	return &Executor{
		logger:    logger.Named("tradeexec"),
		adapter:   adapter,
		cfg:       cfg,
		gateway:   gateway,
		store:     store,
		events:    events,
		positions: make(map[string]*paperPosition),
		symLocks:  make(map[string]*sync.Mutex),
	}
}

// Execute dispatches sig for strat under kind, returning the persisted
// trade record. It is idempotent: a repeated call with the same
// signal fingerprint and kind returns the already-recorded outcome
// instead of re-executing; the first submission wins.
func (e *Executor) Execute(ctx context.Context, strat *model.Strategy, sig model.Signal, kind model.TradeKind) (*model.TradeRecord, error) {
	fp := sig.Fingerprint()

	if existing, err := e.store.Get(ctx, fp, kind); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}
	if err := e.store.RecordSignal(ctx, sig, kind); err != nil {
		return nil, err
	}

	var rec model.TradeRecord
	var err error
	switch kind {
	case model.TradeReal:
		rec, err = e.executeReal(ctx, strat, sig)
	default:
		rec, err = e.executeValidation(ctx, strat, sig)
	}
	if err != nil {
		return nil, err
	}

	if insErr := e.store.Insert(ctx, rec); insErr != nil {
		// Another goroutine won the race on (fingerprint, kind); fetch and
		// return its outcome rather than surfacing a constraint error.
		if existing, getErr := e.store.Get(ctx, fp, kind); getErr == nil && existing != nil {
			return existing, nil
		}
		return nil, insErr
	}
	return &rec, nil
}

// executeValidation simulates a fill at the current mid price, modeling
// fees at the configured rate and slippage as slippage_bps of mid, with
// no call to the exchange adapter.
func (e *Executor) executeValidation(ctx context.Context, strat *model.Strategy, sig model.Signal) (model.TradeRecord, error) {
	quote, err := e.gateway.Price(ctx, sig.Symbol, 0)
	if err != nil {
		return model.TradeRecord{}, err
	}
	mid := quote.Bid.Add(quote.Ask).Div(decimal.NewFromInt(2))
	if mid.IsZero() {
		mid = quote.Last
	}

	amount := e.cfg.GetDecimal("validation_amount")
	slippageBps := e.cfg.GetDecimal("validation_slippage_bps")
	feeRate := e.cfg.GetDecimal("validation_fee_rate")

	slip := mid.Mul(slippageBps).Div(decimal.NewFromInt(10000))
	fillPrice := mid
	if sig.Side == model.SideBuy {
		fillPrice = mid.Add(slip)
	} else {
		fillPrice = mid.Sub(slip)
	}

	qty := decimal.Zero
	if !fillPrice.IsZero() {
		qty = amount.Div(fillPrice)
	}
	fees := amount.Mul(feeRate)

	pnl := e.applyPaperFill(strat.ID, sig.Symbol, sig.Side, qty, fillPrice, fees)

	return model.TradeRecord{
		Fingerprint: sig.Fingerprint(),
		StrategyID:  strat.ID,
		Symbol:      sig.Symbol,
		Kind:        model.TradeValidation,
		Side:        sig.Side,
		FillPrice:   fillPrice,
		FillQty:     qty,
		PnL:         pnl,
		Fees:        fees,
		Slippage:    slip,
		Timestamp:   time.Now().UTC(),
		Success:     true,
	}, nil
}

// executeReal submits a sized order to the exchange adapter, retrying
// on recoverable errors and applying demotion pressure on the
// non-recoverable ones. Real orders are serialized per symbol.
func (e *Executor) executeReal(ctx context.Context, strat *model.Strategy, sig model.Signal) (model.TradeRecord, error) {
	mu := e.lockSymbol(sig.Symbol)
	mu.Lock()
	defer mu.Unlock()

	quote, err := e.gateway.Price(ctx, sig.Symbol, 0)
	if err != nil {
		return model.TradeRecord{}, err
	}

	bal, err := e.adapter.Balance(ctx, quoteAsset(sig.Symbol))
	if err != nil {
		return model.TradeRecord{}, err
	}

	maxPositionPct := e.cfg.GetDecimal("max_position_pct")
	realAmount := e.cfg.GetDecimal("real_trading_amount")
	amount := utils.MinDecimal(realAmount, bal.Available.Mul(maxPositionPct))
	if amount.LessThanOrEqual(decimal.Zero) {
		e.emitRejection(ctx, strat, "insufficient_balance")
		return model.TradeRecord{}, engerr.New(engerr.InsufficientFunds, "no available balance for real order")
	}

	price := quote.Ask
	if sig.Side == model.SideSell {
		price = quote.Bid
	}
	qty := decimalx.RoundQty(amount.Div(price), decimal.NewFromFloat(0.0001))
	price = decimalx.RoundPrice(price, decimal.NewFromFloat(0.01), sig.Side)

	order := exchange.Order{
		ClientRef: sig.Fingerprint(),
		Symbol:    sig.Symbol,
		Side:      string(sig.Side),
		Type:      exchange.OrderTypeMarket,
		Quantity:  qty,
		Price:     price,
	}

	maxRetries := e.cfg.GetInt("max_retries")
	var ack exchange.Ack
	for attempt := 0; ; attempt++ {
		ack, err = e.adapter.Submit(ctx, order)
		if err == nil {
			break
		}
		if !engerr.Recoverable(engerr.KindOf(err)) || attempt >= maxRetries {
			e.emitRejection(ctx, strat, "submit_failed")
			return model.TradeRecord{
				Fingerprint: sig.Fingerprint(), StrategyID: strat.ID, Symbol: sig.Symbol,
				Kind: model.TradeReal, Side: sig.Side, Timestamp: time.Now().UTC(),
				Success: false, FailureReason: err.Error(),
			}, nil
		}
		backoff := time.Duration(math.Pow(2, float64(attempt))) * 200 * time.Millisecond
		select {
		case <-ctx.Done():
			return model.TradeRecord{}, ctx.Err()
		case <-time.After(backoff):
		}
	}

	fill, err := e.pollFill(ctx, ack.OrderID)
	if err != nil {
		e.emitRejection(ctx, strat, "fill_timeout")
		return model.TradeRecord{
			Fingerprint: sig.Fingerprint(), StrategyID: strat.ID, Symbol: sig.Symbol,
			Kind: model.TradeReal, Side: sig.Side, Timestamp: time.Now().UTC(),
			Success: false, FailureReason: err.Error(), ExchangeOrderID: ack.OrderID,
		}, nil
	}

	rec := model.TradeRecord{
		Fingerprint:     sig.Fingerprint(),
		StrategyID:      strat.ID,
		Symbol:          sig.Symbol,
		Kind:            model.TradeReal,
		Side:            sig.Side,
		FillPrice:       fill.Price,
		FillQty:         fill.Qty,
		Fees:            fill.Fees,
		Timestamp:       fill.Ts,
		Success:         true,
		ExchangeOrderID: ack.OrderID,
	}
	go e.manageExit(context.WithoutCancel(ctx), rec)
	return rec, nil
}

// manageExit watches the market after a real entry fill and closes the
// position when price crosses stop_loss_pct or take_profit_pct, or when
// max_holding_minutes elapses, whichever comes first. The closing order
// reuses the entry fingerprint with an "-exit" suffix as its client_ref
// so a crashed-and-retried exit never doubles up, and the realized PnL
// of the round trip replaces the entry record's.
func (e *Executor) manageExit(ctx context.Context, entry model.TradeRecord) {
	stopPct := e.cfg.GetDecimal("stop_loss_pct")
	takePct := e.cfg.GetDecimal("take_profit_pct")
	holding := time.Duration(e.cfg.GetInt("max_holding_minutes")) * time.Minute
	if holding <= 0 {
		holding = 4 * time.Hour
	}
	deadline := time.NewTimer(holding)
	defer deadline.Stop()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	one := decimal.NewFromInt(1)
	stopPx := entry.FillPrice.Mul(one.Sub(stopPct))
	takePx := entry.FillPrice.Mul(one.Add(takePct))
	if entry.Side == model.SideSell {
		stopPx = entry.FillPrice.Mul(one.Add(stopPct))
		takePx = entry.FillPrice.Mul(one.Sub(takePct))
	}

	reason := ""
	for reason == "" {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			reason = "max_holding"
		case <-ticker.C:
			quote, err := e.gateway.Price(ctx, entry.Symbol, 0)
			if err != nil {
				continue
			}
			px := quote.Last
			if entry.Side == model.SideBuy {
				if px.LessThanOrEqual(stopPx) {
					reason = "stop_loss"
				} else if px.GreaterThanOrEqual(takePx) {
					reason = "take_profit"
				}
			} else {
				if px.GreaterThanOrEqual(stopPx) {
					reason = "stop_loss"
				} else if px.LessThanOrEqual(takePx) {
					reason = "take_profit"
				}
			}
		}
	}

	closeSide := model.SideSell
	if entry.Side == model.SideSell {
		closeSide = model.SideBuy
	}
	mu := e.lockSymbol(entry.Symbol)
	mu.Lock()
	defer mu.Unlock()

	quote, err := e.gateway.Price(ctx, entry.Symbol, 0)
	if err != nil {
		e.logger.Warn("exit price unavailable, abandoning managed exit",
			zap.String("fingerprint", entry.Fingerprint), zap.Error(err))
		return
	}
	exitPx := quote.Bid
	if closeSide == model.SideBuy {
		exitPx = quote.Ask
	}
	order := exchange.Order{
		ClientRef: entry.Fingerprint + "-exit",
		Symbol:    entry.Symbol,
		Side:      string(closeSide),
		Type:      exchange.OrderTypeMarket,
		Quantity:  entry.FillQty,
		Price:     decimalx.RoundPrice(exitPx, decimal.NewFromFloat(0.01), closeSide),
	}
	ack, err := e.adapter.Submit(ctx, order)
	if err != nil {
		e.logger.Warn("managed exit submit failed",
			zap.String("fingerprint", entry.Fingerprint), zap.Error(err))
		return
	}
	fill, err := e.pollFill(ctx, ack.OrderID)
	if err != nil {
		e.logger.Warn("managed exit fill failed",
			zap.String("fingerprint", entry.Fingerprint), zap.Error(err))
		return
	}

	diff := fill.Price.Sub(entry.FillPrice)
	if entry.Side == model.SideSell {
		diff = diff.Neg()
	}
	fees := entry.Fees.Add(fill.Fees)
	pnl := diff.Mul(entry.FillQty).Sub(fees)
	if err := e.store.UpdateOutcome(ctx, entry.Fingerprint, model.TradeReal, pnl, fees); err != nil {
		e.logger.Warn("persisting managed-exit outcome failed", zap.Error(err))
		return
	}
	e.logger.Info("real position closed",
		zap.String("fingerprint", entry.Fingerprint),
		zap.String("reason", reason),
		zap.String("pnl", pnl.String()),
	)
}

// pollFill polls the adapter for orderID's terminal state, bounded by
// max_holding_minutes; the forced-close window doubles as the poll
// deadline for a market order that should fill near-instantly.
func (e *Executor) pollFill(ctx context.Context, orderID string) (exchange.Fill, error) {
	timeout := time.Duration(e.cfg.GetInt("max_holding_minutes")) * time.Minute
	if timeout <= 0 {
		timeout = 4 * time.Hour
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		state, fill, err := e.adapter.Poll(ctx, orderID)
		if err != nil {
			return exchange.Fill{}, err
		}
		switch state {
		case exchange.StateFilled:
			return *fill, nil
		case exchange.StateRejected:
			return exchange.Fill{}, engerr.New(engerr.Rejected, "order rejected by exchange")
		}
		select {
		case <-ctx.Done():
			return exchange.Fill{}, engerr.New(engerr.Network, "fill poll timed out")
		case <-ticker.C:
		}
	}
}

// applyPaperFill folds a validation fill into the strategy's paper
// position and returns the realized PnL: minus fees while the fill
// extends the position, entry-vs-fill PnL (net of fees) for the closing
// portion when it reduces or flips it.
func (e *Executor) applyPaperFill(strategyID, symbol string, side model.Side, qty, price, fees decimal.Decimal) decimal.Decimal {
	e.posMu.Lock()
	defer e.posMu.Unlock()

	key := strategyID + "|" + symbol
	pos, ok := e.positions[key]
	if !ok {
		pos = &paperPosition{}
		e.positions[key] = pos
	}

	signed := qty
	if side == model.SideSell {
		signed = qty.Neg()
	}

	pnl := decimal.Zero
	sameDirection := pos.qty.IsZero() || pos.qty.Sign() == signed.Sign()
	if sameDirection {
		total := pos.qty.Add(signed)
		if !total.IsZero() {
			cost := pos.qty.Abs().Mul(pos.avgEntry).Add(qty.Mul(price))
			pos.avgEntry = cost.Div(total.Abs())
		}
		pos.qty = total
		return pnl.Sub(fees)
	}

	closing := decimal.Min(qty, pos.qty.Abs())
	diff := price.Sub(pos.avgEntry)
	if pos.qty.Sign() < 0 {
		diff = diff.Neg()
	}
	pnl = diff.Mul(closing).Sub(fees)

	pos.qty = pos.qty.Add(signed)
	if pos.qty.IsZero() {
		delete(e.positions, key)
	} else if pos.qty.Sign() == signed.Sign() {
		// flipped through zero; the remainder opens at the fill price
		pos.avgEntry = price
	}
	return pnl
}

// quoteAsset extracts the quote currency from a "BASE/QUOTE" pair, the
// asset real order sizing draws its balance from.
func quoteAsset(symbol string) string {
	for i := len(symbol) - 1; i >= 0; i-- {
		if symbol[i] == '/' {
			return symbol[i+1:]
		}
	}
	return "USDT"
}

// lockSymbol returns the per-symbol mutex, creating it on first use.
func (e *Executor) lockSymbol(symbol string) *sync.Mutex {
	e.symMu.Lock()
	defer e.symMu.Unlock()
	mu, ok := e.symLocks[symbol]
	if !ok {
		mu = &sync.Mutex{}
		e.symLocks[symbol] = mu
	}
	return mu
}

func (e *Executor) emitRejection(ctx context.Context, strat *model.Strategy, reason string) {
	if e.events == nil {
		return
	}
	e.events.Record(ctx, model.EvolutionEvent{
		Timestamp: time.Now().UTC(), StrategyID: strat.ID, Kind: model.EventRejected, Reason: reason,
	})
}
