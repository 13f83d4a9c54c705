// Package scoring implements the scoring subsystem: rolling
// per-strategy metrics and the weighted SCS composite. The raw
// win-rate/Sharpe/profit-factor/max-drawdown computations mirror the
// backtester's MetricsCalculator and are normalized into sub-scores
// here.
package scoring

import (
	"math"
	"time"

	"github.com/evostrat/engine/pkg/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Weights holds the five SCS sub-score weights, sourced from the live
// config store so an operator can override them.
type Weights struct {
	WinRate      decimal.Decimal
	Sharpe       decimal.Decimal
	ProfitFactor decimal.Decimal
	Drawdown     decimal.Decimal
	Volatility   decimal.Decimal
	PriorDefault decimal.Decimal
}

// Calculator computes rolling metrics and the SCS for a strategy from
// its trade history.
type Calculator struct {
	logger     *zap.Logger
	windowN    int
	windowDays time.Duration
}

// NewCalculator builds a Calculator whose rolling window keeps the trades
// from the last d days and, of those, at most the newest n; a zero n or
// d leaves that bound off.
func NewCalculator(logger *zap.Logger, n int, d time.Duration) *Calculator {
	return &Calculator{logger: logger.Named("scoring"), windowN: n, windowDays: d}
}

// TradeSample is the minimal per-trade input the calculator needs; it is
// intentionally narrower than model.TradeRecord so tests can build
// fixtures without constructing a full record.
type TradeSample struct {
	PnL       decimal.Decimal
	Timestamp time.Time
}

// Window narrows trades to the configured rolling window, newest last.
func (c *Calculator) Window(trades []TradeSample) []TradeSample {
	cutoff := time.Time{}
	if c.windowDays > 0 {
		cutoff = time.Now().Add(-c.windowDays)
	}
	var byTime []TradeSample
	for _, t := range trades {
		if cutoff.IsZero() || !t.Timestamp.Before(cutoff) {
			byTime = append(byTime, t)
		}
	}
	if c.windowN > 0 && len(byTime) > c.windowN {
		byTime = byTime[len(byTime)-c.windowN:]
	}
	return byTime
}

// SubScores is the set of normalized [0,1] components SCS combines.
type SubScores struct {
	WinRate      decimal.Decimal
	Sharpe       decimal.Decimal
	ProfitFactor decimal.Decimal
	Drawdown     decimal.Decimal
	Volatility   decimal.Decimal
	Provisional  bool
}

// Compute derives raw metrics and normalized sub-scores from trades,
// falling back to w.PriorDefault (marked provisional) wherever the
// sample is too small to define a sub-score.
func (c *Calculator) Compute(trades []TradeSample, w Weights, minSamples int) (model.Metrics, SubScores) {
	window := c.Window(trades)
	m := model.Metrics{TotalTrades: len(window), LastEvaluatedAt: time.Now().UTC()}

	if len(window) == 0 {
		return m, c.provisionalSubScores(w)
	}

	var wins, losses int
	var totalWin, totalLoss decimal.Decimal
	for _, t := range window {
		if t.PnL.GreaterThan(decimal.Zero) {
			wins++
			totalWin = totalWin.Add(t.PnL)
		} else if t.PnL.LessThan(decimal.Zero) {
			losses++
			totalLoss = totalLoss.Add(t.PnL.Abs())
		}
	}
	m.WinRate = decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(len(window))))
	if !totalLoss.IsZero() {
		m.ProfitFactor = totalWin.Div(totalLoss)
	} else if wins > 0 {
		m.ProfitFactor = decimal.NewFromInt(1000) // no losses at all: effectively unbounded, clamp downstream
	}

	returns := make([]float64, 0, len(window))
	equity := decimal.Zero
	peak := decimal.Zero
	maxDD := decimal.Zero
	for _, t := range window {
		equity = equity.Add(t.PnL)
		if equity.GreaterThan(peak) {
			peak = equity
		}
		if !peak.IsZero() {
			dd := peak.Sub(equity).Div(peak.Abs().Add(decimal.NewFromInt(1)))
			if dd.GreaterThan(maxDD) {
				maxDD = dd
			}
		}
		f, _ := t.PnL.Float64()
		returns = append(returns, f)
	}
	m.MaxDrawdown = maxDD
	m.TotalReturn = equity

	avg, sd := meanStdDev(returns)
	if sd > 0 {
		m.Sharpe = decimal.NewFromFloat(avg / sd * math.Sqrt(252))
		m.Volatility = decimal.NewFromFloat(sd * math.Sqrt(252))
	}

	sub := SubScores{
		WinRate:      clamp01(m.WinRate),
		Sharpe:       squash(m.Sharpe),
		ProfitFactor: logSquash(m.ProfitFactor),
		Drawdown:     oneMinusRatio(m.MaxDrawdown, decimal.NewFromFloat(0.5)),
		Volatility:   inverseSquash(m.Volatility),
	}

	if len(window) < minSamples {
		sub.Provisional = true
	}
	return m, sub
}

// Composite combines sub-scores into the 0-100 SCS, substituting
// w.PriorDefault for any component the caller marks undefined, and
// reports whether the result is provisional.
func Composite(sub SubScores, w Weights) (decimal.Decimal, bool) {
	score := w.WinRate.Mul(orPrior(sub.WinRate, sub.Provisional, w.PriorDefault)).
		Add(w.Sharpe.Mul(orPrior(sub.Sharpe, sub.Provisional, w.PriorDefault))).
		Add(w.ProfitFactor.Mul(orPrior(sub.ProfitFactor, sub.Provisional, w.PriorDefault))).
		Add(w.Drawdown.Mul(orPrior(sub.Drawdown, sub.Provisional, w.PriorDefault))).
		Add(w.Volatility.Mul(orPrior(sub.Volatility, sub.Provisional, w.PriorDefault)))
	return score.Mul(decimal.NewFromInt(100)), sub.Provisional
}

func orPrior(v decimal.Decimal, provisional bool, prior decimal.Decimal) decimal.Decimal {
	if provisional && v.IsZero() {
		return prior
	}
	return v
}

func (c *Calculator) provisionalSubScores(w Weights) SubScores {
	return SubScores{
		WinRate: w.PriorDefault, Sharpe: w.PriorDefault, ProfitFactor: w.PriorDefault,
		Drawdown: w.PriorDefault, Volatility: w.PriorDefault, Provisional: true,
	}
}

func clamp01(v decimal.Decimal) decimal.Decimal {
	if v.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	if v.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return v
}

// squash maps an unbounded Sharpe-like ratio to [0,1] via tanh.
func squash(v decimal.Decimal) decimal.Decimal {
	f, _ := v.Float64()
	return decimal.NewFromFloat((math.Tanh(f) + 1) / 2)
}

// logSquash maps a non-negative profit factor to [0,1] via a log
// curve, saturating at a profit factor of 10.
func logSquash(v decimal.Decimal) decimal.Decimal {
	f, _ := v.Float64()
	if f < 0 {
		f = 0
	}
	return clamp01(decimal.NewFromFloat(math.Log1p(f) / math.Log1p(10)))
}

// oneMinusRatio implements `1 - min(dd/dd_max, 1)`.
func oneMinusRatio(dd, ddMax decimal.Decimal) decimal.Decimal {
	if ddMax.IsZero() {
		return decimal.NewFromInt(1)
	}
	ratio := dd.Div(ddMax)
	if ratio.GreaterThan(decimal.NewFromInt(1)) {
		ratio = decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(1).Sub(ratio)
}

// inverseSquash penalizes high volatility, mapping it to [0,1]
// inversely.
func inverseSquash(vol decimal.Decimal) decimal.Decimal {
	f, _ := vol.Float64()
	if f < 0 {
		f = 0
	}
	return decimal.NewFromFloat(1 / (1 + f))
}

func meanStdDev(values []float64) (mean, stddev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))
	if len(values) < 2 {
		return mean, 0
	}
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	stddev = math.Sqrt(sq / float64(len(values)-1))
	return mean, stddev
}
