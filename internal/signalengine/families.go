package signalengine

import (
	"github.com/evostrat/engine/internal/marketdata"
	"github.com/evostrat/engine/pkg/model"
	"github.com/evostrat/engine/pkg/utils"
	"github.com/shopspring/decimal"
)

func intParam(params model.Parameters, name string) int {
	v, ok := params[name]
	if !ok {
		return 0
	}
	return int(v.IntPart())
}

func decParam(params model.Parameters, name string) decimal.Decimal {
	return params[name]
}

func meanVolume(history []marketdata.Candle) decimal.Decimal {
	vols := make([]decimal.Decimal, len(history))
	for i, c := range history {
		vols[i] = c.Volume
	}
	return utils.CalculateMean(vols)
}

// momentum: compare short-horizon return vs threshold; confirm with
// volume_threshold x mean_volume.
func momentum(history []marketdata.Candle, params model.Parameters) Decision {
	period := intParam(params, "period")
	threshold := decParam(params, "threshold")
	volThreshold := decParam(params, "volume_threshold")

	if period <= 0 || len(history) < period+1 {
		return hold("insufficient_data")
	}

	last := history[len(history)-1]
	past := history[len(history)-1-period]
	if past.Close.IsZero() {
		return hold("insufficient_data")
	}

	ret := last.Close.Sub(past.Close).Div(past.Close)
	avgVol := meanVolume(history[len(history)-period:])
	if avgVol.IsZero() || last.Volume.LessThan(volThreshold.Mul(avgVol)) {
		return hold("insufficient_volume")
	}

	if ret.GreaterThan(threshold) {
		return Decision{Side: model.SideBuy, Price: last.Close, Quantity: decimal.NewFromInt(1),
			Confidence: clampConfidence(ret.Div(threshold)), Reason: "momentum_up"}
	}
	if ret.LessThan(threshold.Neg()) {
		return Decision{Side: model.SideSell, Price: last.Close, Quantity: decimal.NewFromInt(1),
			Confidence: clampConfidence(ret.Abs().Div(threshold)), Reason: "momentum_down"}
	}
	return hold("below_threshold")
}

// meanReversion: z-score of price over lookback_period vs std_multiplier,
// counter-trading the deviation once it exceeds min_deviation
// (Bollinger-band shape).
func meanReversion(history []marketdata.Candle, params model.Parameters) Decision {
	lookback := intParam(params, "lookback_period")
	stdMult := decParam(params, "std_multiplier")
	minDev := decParam(params, "min_deviation")

	if lookback <= 0 || len(history) < lookback {
		return hold("insufficient_data")
	}

	window := history[len(history)-lookback:]
	mean := closeMean(window)
	if mean.IsZero() {
		return hold("insufficient_data")
	}
	sd := closeStdDev(window, mean)
	last := window[len(window)-1].Close
	dev := last.Sub(mean).Div(mean)

	if dev.Abs().LessThan(minDev) {
		return hold("below_min_deviation")
	}
	if sd.IsZero() {
		return hold("insufficient_data")
	}
	z := last.Sub(mean).Div(sd)
	band := stdMult

	if z.GreaterThan(band) {
		return Decision{Side: model.SideSell, Price: last, Quantity: decimal.NewFromInt(1),
			Confidence: clampConfidence(z.Div(band)), Reason: "mean_reversion_overbought"}
	}
	if z.LessThan(band.Neg()) {
		return Decision{Side: model.SideBuy, Price: last, Quantity: decimal.NewFromInt(1),
			Confidence: clampConfidence(z.Abs().Div(band)), Reason: "mean_reversion_oversold"}
	}
	return hold("within_band")
}

// breakout: close crosses rolling max/min of lookback_period by
// breakout_threshold, confirmed for confirmation_periods consecutive
// bars.
func breakout(history []marketdata.Candle, params model.Parameters) Decision {
	lookback := intParam(params, "lookback_period")
	threshold := decParam(params, "breakout_threshold")
	confirm := intParam(params, "confirmation_periods")
	if confirm <= 0 {
		confirm = 1
	}

	if lookback <= 0 || len(history) < lookback+confirm {
		return hold("insufficient_data")
	}

	confirmed := true
	var lastClose decimal.Decimal
	for i := 0; i < confirm; i++ {
		idx := len(history) - 1 - i
		window := history[idx-lookback : idx]
		hi, lo := rollingHighLow(window)
		c := history[idx].Close
		if i == 0 {
			lastClose = c
		}
		brokeUp := c.GreaterThan(hi.Mul(decimal.NewFromInt(1).Add(threshold)))
		brokeDown := c.LessThan(lo.Mul(decimal.NewFromInt(1).Sub(threshold)))
		if !brokeUp && !brokeDown {
			confirmed = false
			break
		}
	}
	if !confirmed {
		return hold("unconfirmed")
	}

	window := history[len(history)-1-lookback : len(history)-1]
	hi, _ := rollingHighLow(window)
	if lastClose.GreaterThan(hi) {
		return Decision{Side: model.SideBuy, Price: lastClose, Quantity: decimal.NewFromInt(1),
			Confidence: decimal.NewFromFloat(0.75), Reason: "breakout_up"}
	}
	return Decision{Side: model.SideSell, Price: lastClose, Quantity: decimal.NewFromInt(1),
		Confidence: decimal.NewFromFloat(0.75), Reason: "breakout_down"}
}

// gridTrading: static ladder of grid_count levels at grid_spacing around
// a trailing SMA reference taken over every bar but the two used for
// cross detection; emits when the latest close crosses a level.
func gridTrading(history []marketdata.Candle, params model.Parameters) Decision {
	count := intParam(params, "grid_count")
	spacing := decParam(params, "grid_spacing")
	if count <= 0 || len(history) < 2 {
		return hold("insufficient_data")
	}

	sma := utils.NewSMA(len(history) - 2)
	var reference decimal.Decimal
	for _, c := range history[:len(history)-2] {
		reference = sma.Add(c.Close)
	}
	if sma.Current().IsZero() {
		reference = history[0].Close
	}
	last := history[len(history)-1].Close
	prev := history[len(history)-2].Close
	if reference.IsZero() {
		return hold("insufficient_data")
	}

	half := count / 2
	for i := -half; i <= half; i++ {
		level := reference.Mul(decimal.NewFromInt(1).Add(spacing.Mul(decimal.NewFromInt(int64(i)))))
		crossedUp := prev.LessThan(level) && !last.LessThan(level)
		crossedDown := prev.GreaterThan(level) && !last.GreaterThan(level)
		if crossedDown {
			return Decision{Side: model.SideBuy, Price: level, Quantity: decimal.NewFromInt(1),
				Confidence: decimal.NewFromFloat(0.6), Reason: "grid_level_buy"}
		}
		if crossedUp {
			return Decision{Side: model.SideSell, Price: level, Quantity: decimal.NewFromInt(1),
				Confidence: decimal.NewFromFloat(0.6), Reason: "grid_level_sell"}
		}
	}
	return hold("no_level_crossed")
}

// highFrequency: realized volatility over lookback_period exceeds
// volatility_threshold and expected edge after fees clears min_profit,
// subject to a signal_interval cooldown, counted in bars.
func highFrequency(history []marketdata.Candle, params model.Parameters) Decision {
	lookback := intParam(params, "lookback_period")
	volThreshold := decParam(params, "volatility_threshold")
	minProfit := decParam(params, "min_profit")
	interval := intParam(params, "signal_interval")
	if interval <= 0 {
		interval = 1
	}

	if lookback <= 0 || len(history) < lookback+1 {
		return hold("insufficient_data")
	}
	if len(history)%interval != 0 {
		return hold("cooldown")
	}

	window := history[len(history)-lookback:]
	mean := closeMean(window)
	sd := closeStdDev(window, mean)
	if mean.IsZero() {
		return hold("insufficient_data")
	}
	realizedVol := sd.Div(mean)
	if realizedVol.LessThan(volThreshold) {
		return hold("low_volatility")
	}

	last := window[len(window)-1].Close
	prev := window[len(window)-2].Close
	if prev.IsZero() {
		return hold("insufficient_data")
	}
	edge := last.Sub(prev).Div(prev).Abs()
	if edge.LessThan(minProfit) {
		return hold("edge_below_min_profit")
	}

	if last.GreaterThan(prev) {
		return Decision{Side: model.SideBuy, Price: last, Quantity: decimal.NewFromInt(1),
			Confidence: clampConfidence(edge.Div(minProfit)), Reason: "hf_edge_up"}
	}
	return Decision{Side: model.SideSell, Price: last, Quantity: decimal.NewFromInt(1),
		Confidence: clampConfidence(edge.Div(minProfit)), Reason: "hf_edge_down"}
}

// trendFollowing: fast/slow EMA crossover gated by trend_threshold over
// lookback_period, with trailing_stop_pct informing the Quantity's
// implied risk (stop placement itself lives in the trade executor).
func trendFollowing(history []marketdata.Candle, params model.Parameters) Decision {
	fast := intParam(params, "fast_period")
	slow := intParam(params, "slow_period")
	threshold := decParam(params, "trend_threshold")

	if fast <= 0 || slow <= 0 || fast >= slow || len(history) < slow+1 {
		return hold("insufficient_data")
	}

	fastEMA := ema(history, fast)
	slowEMA := ema(history, slow)
	if slowEMA.IsZero() {
		return hold("insufficient_data")
	}

	strength := fastEMA.Sub(slowEMA).Div(slowEMA)
	last := history[len(history)-1].Close

	if strength.GreaterThan(threshold) {
		return Decision{Side: model.SideBuy, Price: last, Quantity: decimal.NewFromInt(1),
			Confidence: clampConfidence(strength.Div(threshold)), Reason: "trend_up"}
	}
	if strength.LessThan(threshold.Neg()) {
		return Decision{Side: model.SideSell, Price: last, Quantity: decimal.NewFromInt(1),
			Confidence: clampConfidence(strength.Abs().Div(threshold)), Reason: "trend_down"}
	}
	return hold("no_trend")
}

func clampConfidence(v decimal.Decimal) decimal.Decimal {
	if v.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	if v.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	return v
}

func closes(window []marketdata.Candle) []decimal.Decimal {
	out := make([]decimal.Decimal, len(window))
	for i, c := range window {
		out[i] = c.Close
	}
	return out
}

func closeMean(window []marketdata.Candle) decimal.Decimal {
	return utils.CalculateMean(closes(window))
}

// closeStdDev defers to utils.CalculateStdDev (sample stddev, n-1
// divisor) rather than hand-rolling Newton's method a second time; mean
// is accepted for callers that already computed it but the n-1 bias
// correction is identical either way.
func closeStdDev(window []marketdata.Candle, _ decimal.Decimal) decimal.Decimal {
	return utils.CalculateStdDev(closes(window))
}

func rollingHighLow(window []marketdata.Candle) (hi, lo decimal.Decimal) {
	if len(window) == 0 {
		return decimal.Zero, decimal.Zero
	}
	hi, lo = window[0].High, window[0].Low
	for _, c := range window[1:] {
		if c.High.GreaterThan(hi) {
			hi = c.High
		}
		if c.Low.LessThan(lo) {
			lo = c.Low
		}
	}
	return hi, lo
}

// ema feeds the trailing period bars through utils.EMA, seeded on the
// window's first close (standard 2/(period+1) smoothing factor).
func ema(history []marketdata.Candle, period int) decimal.Decimal {
	if len(history) < period {
		return decimal.Zero
	}
	window := history[len(history)-period:]
	avg := utils.NewEMA(period)
	var out decimal.Decimal
	for _, c := range window {
		out = avg.Add(c.Close)
	}
	return out
}
