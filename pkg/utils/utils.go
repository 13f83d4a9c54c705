// Package utils holds small, stateless numeric helpers shared across
// the signal, scoring, and sizing paths: decimal statistics (mean,
// stddev), symbol normalization, and the rolling EMA/SMA accumulators
// several strategy families need.
package utils

import (
	"strings"

	"github.com/shopspring/decimal"
)

// FormatSymbol normalizes a trading symbol to BASE/QUOTE, tolerating
// dash/underscore separators and mixed case. internal/marketdata calls
// this on every publish and read so a feed adapter's spelling of a pair
// never fragments the cache into duplicate keys.
func FormatSymbol(symbol string) string {
	symbol = strings.TrimSpace(symbol)
	symbol = strings.ToUpper(symbol)
	symbol = strings.ReplaceAll(symbol, "-", "/")
	symbol = strings.ReplaceAll(symbol, "_", "/")

	if !strings.Contains(symbol, "/") {
		quotes := []string{"USDT", "USDC", "USD", "BTC", "ETH", "BNB"}
		for _, quote := range quotes {
			if strings.HasSuffix(symbol, quote) && symbol != quote {
				base := strings.TrimSuffix(symbol, quote)
				return base + "/" + quote
			}
		}
	}
	return symbol
}

// ParseSymbol splits a normalized BASE/QUOTE symbol into its parts.
func ParseSymbol(symbol string) (base, quote string) {
	parts := strings.Split(symbol, "/")
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return symbol, ""
}

// CalculateMean is the plain arithmetic mean, used wherever a strategy
// family or the scoring window needs the average of a decimal series.
func CalculateMean(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(values))))
}

// CalculateStdDev is the sample standard deviation (n-1 divisor) of a
// decimal series. Used by internal/signalengine's mean-reversion and
// high-frequency families for realized volatility.
func CalculateStdDev(values []decimal.Decimal) decimal.Decimal {
	if len(values) < 2 {
		return decimal.Zero
	}
	mean := CalculateMean(values)
	sumSquares := decimal.Zero
	for _, v := range values {
		diff := v.Sub(mean)
		sumSquares = sumSquares.Add(diff.Mul(diff))
	}
	variance := sumSquares.Div(decimal.NewFromInt(int64(len(values) - 1)))
	return sqrtDecimal(variance)
}

// sqrtDecimal runs Newton's method to a fixed iteration count
// (shopspring/decimal has no native Sqrt).
func sqrtDecimal(v decimal.Decimal) decimal.Decimal {
	if v.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	x := v
	two := decimal.NewFromInt(2)
	for i := 0; i < 30; i++ {
		x = x.Add(v.Div(x)).Div(two)
	}
	return x
}

// MinDecimal returns the smaller of a and b.
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// EMA is a stateful exponential moving average accumulator over a
// fixed period, used by internal/signalengine's trend-following family
// for its fast/slow crossover.
type EMA struct {
	period     int
	multiplier decimal.Decimal
	current    decimal.Decimal
	count      int
}

// NewEMA creates an EMA accumulator for the given period.
func NewEMA(period int) *EMA {
	mult := decimal.NewFromFloat(2.0 / float64(period+1))
	return &EMA{period: period, multiplier: mult}
}

// Add folds value into the running average and returns the new current
// value. The first call seeds the average with value itself.
func (e *EMA) Add(value decimal.Decimal) decimal.Decimal {
	e.count++
	if e.count == 1 {
		e.current = value
		return e.current
	}
	e.current = value.Sub(e.current).Mul(e.multiplier).Add(e.current)
	return e.current
}

// Current returns the last value Add produced, or zero before any call.
func (e *EMA) Current() decimal.Decimal {
	return e.current
}

// SMA is a stateful simple moving average accumulator over a trailing
// window of fixed size.
type SMA struct {
	period int
	values []decimal.Decimal
	sum    decimal.Decimal
}

// NewSMA creates an SMA accumulator for the given trailing window size.
func NewSMA(period int) *SMA {
	return &SMA{period: period, values: make([]decimal.Decimal, 0, period)}
}

// Add folds value into the trailing window and returns the new average.
func (s *SMA) Add(value decimal.Decimal) decimal.Decimal {
	s.values = append(s.values, value)
	s.sum = s.sum.Add(value)
	if len(s.values) > s.period {
		s.sum = s.sum.Sub(s.values[0])
		s.values = s.values[1:]
	}
	return s.Current()
}

// Current returns the average of the values currently in the window.
func (s *SMA) Current() decimal.Decimal {
	if len(s.values) == 0 {
		return decimal.Zero
	}
	return s.sum.Div(decimal.NewFromInt(int64(len(s.values))))
}
