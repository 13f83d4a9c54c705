// Package signalengine implements the signal engine: for each
// evaluated strategy, read bounded market history and compute a
// discrete trade signal from the strategy's parametric rule. Each
// family is a tagged variant — a pure function from candle history and
// validated parameters to a decision — over caller-supplied history,
// so evaluation stays stateless and safe for concurrent evaluation
// workers.
package signalengine

import (
	"context"

	"github.com/evostrat/engine/internal/marketdata"
	"github.com/evostrat/engine/pkg/model"
	"github.com/shopspring/decimal"
)

// Decision is a family's raw verdict before the engine wraps it into a
// model.Signal with identity and fingerprint fields.
type Decision struct {
	Side       model.Side
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	Confidence decimal.Decimal
	Reason     string
}

func hold(reason string) Decision {
	return Decision{Side: model.SideHold, Reason: reason}
}

// Family evaluates one strategy family's rule against bounded history.
// Implementations never error: insufficient or stale input is reported
// as a hold Decision with Reason="insufficient_data", never an
// error.
type Family func(history []marketdata.Candle, params model.Parameters) Decision

// Families maps every strategy type to its rule.
var Families = map[model.StrategyType]Family{
	model.StrategyMomentum:       momentum,
	model.StrategyMeanReversion:  meanReversion,
	model.StrategyBreakout:       breakout,
	model.StrategyGrid:           gridTrading,
	model.StrategyHighFrequency:  highFrequency,
	model.StrategyTrendFollowing: trendFollowing,
}

// Gateway is the narrow slice of the Market Data Gateway the engine
// needs, kept as an interface so tests can substitute a fixed fixture.
type Gateway interface {
	Candles(ctx context.Context, symbol string, n int) ([]marketdata.Candle, error)
}

// Engine evaluates one strategy at a time against the gateway's bounded
// history and produces a fully-formed, fingerprinted Signal.
type Engine struct {
	gateway Gateway
	lookback int
}

// NewEngine constructs an Engine reading up to lookback candles per
// evaluation (enough for every family's largest lookback_period).
func NewEngine(gateway Gateway, lookback int) *Engine {
	if lookback <= 0 {
		lookback = 500
	}
	return &Engine{gateway: gateway, lookback: lookback}
}

// Evaluate runs s's family rule against the latest market history and
// returns a fingerprinted Signal. Lot/tick-size rounding is applied by
// the trade executor once order size is known; this stage emits unrounded
// economic quantities.
func (e *Engine) Evaluate(ctx context.Context, s *model.Strategy) (model.Signal, error) {
	history, err := e.gateway.Candles(ctx, s.Symbol, e.lookback)
	if err != nil {
		sig := model.Signal{
			StrategyID:     s.ID,
			Symbol:         s.Symbol,
			Side:           model.SideHold,
			ParameterCycle: s.Cycle,
			Reason:         "insufficient_data",
		}
		return sig, nil
	}

	family, ok := Families[s.Type]
	if !ok {
		return model.Signal{
			StrategyID: s.ID, Symbol: s.Symbol, Side: model.SideHold,
			ParameterCycle: s.Cycle, Reason: "insufficient_data",
		}, nil
	}

	decision := family(history, s.Parameters)

	barTs := s.Metrics.LastEvaluatedAt
	if len(history) > 0 {
		barTs = history[len(history)-1].Timestamp
	}

	return model.Signal{
		StrategyID:     s.ID,
		Symbol:         s.Symbol,
		Side:           decision.Side,
		Price:          decision.Price,
		Quantity:       decision.Quantity,
		Confidence:     decision.Confidence,
		Timestamp:      barTs,
		ParameterCycle: s.Cycle,
		BarTimestamp:   barTs,
		Reason:         decision.Reason,
	}, nil
}
