package backtester

import (
	"math"
	"sort"
	"time"

	"github.com/evostrat/engine/pkg/types"
	"github.com/shopspring/decimal"
)

// periodsPerYear annualizes per-bar return statistics.
const periodsPerYear = 252

// MetricsCalculator derives performance and risk metrics from a
// replay's trades and equity curve.
type MetricsCalculator struct{}

func NewMetricsCalculator() *MetricsCalculator {
	return &MetricsCalculator{}
}

// Calculate folds the trade list and equity curve into a full
// PerformanceMetrics block. An empty replay yields zero metrics rather
// than an error.
func (mc *MetricsCalculator) Calculate(
	trades []*types.Trade,
	equityCurve []types.EquityCurvePoint,
	initialCapital decimal.Decimal,
) *types.PerformanceMetrics {
	if len(trades) == 0 || len(equityCurve) == 0 {
		return &types.PerformanceMetrics{}
	}

	m := &types.PerformanceMetrics{TotalTrades: len(trades)}

	var totalWins, totalLosses decimal.Decimal
	for _, trade := range trades {
		switch {
		case trade.PnL.GreaterThan(decimal.Zero):
			m.WinningTrades++
			totalWins = totalWins.Add(trade.PnL)
			if trade.PnL.GreaterThan(m.LargestWin) {
				m.LargestWin = trade.PnL
			}
		case trade.PnL.LessThan(decimal.Zero):
			m.LosingTrades++
			loss := trade.PnL.Abs()
			totalLosses = totalLosses.Add(loss)
			if loss.GreaterThan(m.LargestLoss) {
				m.LargestLoss = loss
			}
		}
	}

	total := decimal.NewFromInt(int64(m.TotalTrades))
	m.WinRate = decimal.NewFromInt(int64(m.WinningTrades)).Div(total)
	if m.WinningTrades > 0 {
		m.AvgWin = totalWins.Div(decimal.NewFromInt(int64(m.WinningTrades)))
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = totalLosses.Div(decimal.NewFromInt(int64(m.LosingTrades)))
	}
	if !totalLosses.IsZero() {
		m.ProfitFactor = totalWins.Div(totalLosses)
	}
	lossRate := decimal.NewFromInt(1).Sub(m.WinRate)
	m.Expectancy = m.WinRate.Mul(m.AvgWin).Sub(lossRate.Mul(m.AvgLoss))

	if !initialCapital.IsZero() {
		final := equityCurve[len(equityCurve)-1].Equity
		m.TotalReturn = final.Sub(initialCapital).Div(initialCapital)
	}

	returns := barReturns(equityCurve)
	if len(returns) > 0 {
		m.AnnualizedReturn = decimal.NewFromFloat(floatMean(returns) * periodsPerYear)
	}
	if len(returns) > 1 {
		if sd := floatStdDev(returns); sd > 0 {
			m.SharpeRatio = decimal.NewFromFloat(floatMean(returns) / sd * math.Sqrt(periodsPerYear))
		}
		if dd := downsideStdDev(returns); dd > 0 {
			m.SortinoRatio = decimal.NewFromFloat(floatMean(returns) / dd * math.Sqrt(periodsPerYear))
		}
	}

	m.MaxDrawdown, m.MaxDrawdownDate = maxDrawdown(equityCurve)
	if !m.MaxDrawdown.IsZero() {
		m.CalmarRatio = m.AnnualizedReturn.Div(m.MaxDrawdown)
	}
	return m
}

// CalculateRiskMetrics derives volatility and tail-loss metrics from
// the equity curve alone.
func (mc *MetricsCalculator) CalculateRiskMetrics(equityCurve []types.EquityCurvePoint) *types.RiskMetrics {
	returns := barReturns(equityCurve)
	if len(returns) == 0 {
		return &types.RiskMetrics{}
	}

	m := &types.RiskMetrics{}
	vol := floatStdDev(returns)
	m.DailyVolatility = decimal.NewFromFloat(vol)
	m.AnnualVolatility = decimal.NewFromFloat(vol * math.Sqrt(periodsPerYear))

	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	idx95 := int(float64(len(sorted)) * 0.05)
	if idx95 < len(sorted) {
		m.VaR95 = decimal.NewFromFloat(-sorted[idx95])
	}
	idx99 := int(float64(len(sorted)) * 0.01)
	if idx99 < len(sorted) {
		m.VaR99 = decimal.NewFromFloat(-sorted[idx99])
	}
	if idx95 > 0 {
		var tail float64
		for _, r := range sorted[:idx95] {
			tail += r
		}
		m.CVaR95 = decimal.NewFromFloat(-tail / float64(idx95))
	}
	return m
}

// barReturns converts the equity curve into per-bar fractional
// returns, skipping bars where the prior equity was zero.
func barReturns(equityCurve []types.EquityCurvePoint) []float64 {
	if len(equityCurve) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(equityCurve)-1)
	for i := 1; i < len(equityCurve); i++ {
		prev := equityCurve[i-1].Equity
		if prev.IsZero() {
			continue
		}
		r, _ := equityCurve[i].Equity.Sub(prev).Div(prev).Float64()
		returns = append(returns, r)
	}
	return returns
}

// maxDrawdown walks the curve tracking the running peak and returns
// the deepest fractional decline and when it bottomed.
func maxDrawdown(equityCurve []types.EquityCurvePoint) (decimal.Decimal, time.Time) {
	var (
		maxDD decimal.Decimal
		at    time.Time
	)
	if len(equityCurve) == 0 {
		return maxDD, at
	}
	peak := equityCurve[0].Equity
	for _, point := range equityCurve {
		if point.Equity.GreaterThan(peak) {
			peak = point.Equity
		}
		if peak.IsZero() {
			continue
		}
		dd := peak.Sub(point.Equity).Div(peak)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
			at = point.Timestamp
		}
	}
	return maxDD, at
}

func floatMean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// floatStdDev is the sample standard deviation.
func floatStdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := floatMean(values)
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)-1))
}

// downsideStdDev is the sample standard deviation of the negative
// returns only.
func downsideStdDev(returns []float64) float64 {
	var negative []float64
	for _, r := range returns {
		if r < 0 {
			negative = append(negative, r)
		}
	}
	return floatStdDev(negative)
}
