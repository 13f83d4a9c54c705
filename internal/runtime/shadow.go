package runtime

import (
	"context"
	"time"

	"github.com/evostrat/engine/internal/backtester"
	"github.com/evostrat/engine/internal/backtester/events"
	"github.com/evostrat/engine/internal/data"
	"github.com/evostrat/engine/internal/marketdata"
	"github.com/evostrat/engine/internal/scoring"
	"github.com/evostrat/engine/internal/signalengine"
	"github.com/evostrat/engine/pkg/model"
	"github.com/evostrat/engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ShadowBacktester implements evolution.ShadowBacktester by replaying
// recent history through the event-driven backtesting engine with its
// StrategySignalFunc hook pointed at one candidate's family and
// parameters. The backtester's own
// portfolio/order/risk machinery stays untouched; only the resulting
// trade PnLs feed the scoring calculator, so shadow-backtest scores come
// from the same Compute/Composite SCS calculation live rescoring uses,
// with fixed weights rather than the live config's. The replay's
// PerformanceMetrics/RiskMetrics are additionally graded by a
// ViabilityChecker, so a candidate with a good score but pathological
// risk characteristics (e.g. two lucky trades) never reaches the
// live-validation stage.
type ShadowBacktester struct {
	logger       *zap.Logger
	dataLoader   backtester.DataLoader
	slippage     backtester.SlippageModel
	scorer       *scoring.Calculator
	viability    *backtester.ViabilityChecker
	lookbackDays int
}

// NewShadowBacktester constructs a ShadowBacktester reading up to
// lookbackDays of history from dataLoader (enough for a quick shadow
// pass, not a full multi-year validation).
func NewShadowBacktester(logger *zap.Logger, dataLoader *data.Store, scorer *scoring.Calculator, lookbackDays int) *ShadowBacktester {
	if lookbackDays <= 0 {
		lookbackDays = 30
	}
	return &ShadowBacktester{
		logger:       logger.Named("runtime.shadow"),
		dataLoader:   dataLoader,
		slippage:     backtester.NewFixedSlippage(decimal.NewFromInt(5)),
		scorer:       scorer,
		viability:    backtester.NewViabilityChecker(backtester.DefaultViabilityThresholds()),
		lookbackDays: lookbackDays,
	}
}

// ShadowBacktest replays candidate.Symbol's recent history through
// candidate's family and parameters, scores the resulting trades, and
// grades the replay's risk/return profile for viability.
func (s *ShadowBacktester) ShadowBacktest(ctx context.Context, candidate *model.Strategy) (model.Metrics, bool, error) {
	family, ok := signalengine.Families[candidate.Type]
	if !ok {
		return model.Metrics{}, false, nil
	}

	engine := backtester.NewEngine(s.logger, s.dataLoader, s.slippage)
	engine.SetStrategy(familyAsStrategySignalFunc(family, candidate))

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -s.lookbackDays)
	cfg := &types.BacktestConfig{
		ID:             "shadow-" + candidate.ID,
		Symbols:        []string{candidate.Symbol},
		StartDate:      start,
		EndDate:        end,
		InitialCapital: decimal.NewFromInt(10000),
		Commission:     decimal.NewFromFloat(0.001),
		RiskLimits: types.RiskLimits{
			MaxPositionSize:  decimal.NewFromFloat(0.2),
			MaxOpenPositions: 5,
		},
	}

	result, err := engine.Run(ctx, cfg)
	if err != nil {
		return model.Metrics{}, false, err
	}

	samples := make([]scoring.TradeSample, 0, len(result.Trades))
	for _, t := range result.Trades {
		samples = append(samples, scoring.TradeSample{PnL: t.PnL, Timestamp: t.ExecutedAt})
	}
	weights := scoring.Weights{
		WinRate: decimal.NewFromFloat(0.3), Sharpe: decimal.NewFromFloat(0.25),
		ProfitFactor: decimal.NewFromFloat(0.2), Drawdown: decimal.NewFromFloat(0.15),
		Volatility: decimal.NewFromFloat(0.1), PriorDefault: decimal.NewFromFloat(0.4),
	}
	m, sub := s.scorer.Compute(samples, weights, 1)
	m.FinalScore, m.Provisional = scoring.Composite(sub, weights)

	report := s.viability.Check(result)
	s.logger.Debug("shadow backtest viability",
		zap.String("candidate", candidate.ID),
		zap.Int("score", report.Score),
		zap.String("grade", report.Grade),
		zap.Bool("viable", report.IsViable),
	)
	return m, report.IsViable, nil
}

// familyAsStrategySignalFunc adapts a signalengine.Family (history,
// params) -> Decision into the backtester's event-shaped
// StrategySignalFunc, translating between signalengine.Decision and
// types.Signal.
func familyAsStrategySignalFunc(family signalengine.Family, candidate *model.Strategy) backtester.StrategySignalFunc {
	var history []marketdata.Candle

	return func(event *events.MarketDataEvent) *types.Signal {
		if event.Candle == nil {
			return nil
		}
		history = append(history, *event.Candle)
		const maxHistory = 500
		if len(history) > maxHistory {
			history = history[len(history)-maxHistory:]
		}

		decision := family(history, candidate.Parameters)
		if decision.Side != model.SideBuy && decision.Side != model.SideSell {
			return nil
		}

		side := types.OrderSideBuy
		if decision.Side == model.SideSell {
			side = types.OrderSideSell
		}
		price := decision.Price
		if price.IsZero() {
			price = event.Candle.Close
		}
		return &types.Signal{
			ID:         candidate.ID,
			Symbol:     event.Symbol,
			Side:       side,
			Price:      price,
			Confidence: decision.Confidence,
			Source:     string(candidate.Type),
			CreatedAt:  event.Timestamp,
		}
	}
}
