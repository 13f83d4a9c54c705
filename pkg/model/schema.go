package model

import "github.com/shopspring/decimal"

// ParamKind distinguishes how a parameter's range is interpreted and how
// mutation perturbs it.
type ParamKind int

const (
	ParamContinuous ParamKind = iota
	ParamInteger
	ParamBool
)

// ParamSpec describes one parameter's valid range within a family schema.
type ParamSpec struct {
	Name string
	Kind ParamKind
	Min  decimal.Decimal
	Max  decimal.Decimal
	// Default seeds newly-created strategies of this family; homeostasis
	// draws fresh parameters from a band around it.
	Default decimal.Decimal
}

// PairwiseConstraint names two parameters where Lesser must stay strictly
// below Greater, e.g. fast_period < slow_period.
type PairwiseConstraint struct {
	Lesser  string
	Greater string
}

// Schema is the typed parameter schema for one strategy family. Every
// parameter read/write outside of mutation is expected to
// pass through Validate.
type Schema struct {
	Type        StrategyType
	Params      []ParamSpec
	Constraints []PairwiseConstraint
}

// Validate reports whether params satisfies every bound and pairwise
// constraint in the schema. A Constraint error kind is produced by the
// caller (evolution engine) when this returns false.
func (s Schema) Validate(params Parameters) bool {
	for _, spec := range s.Params {
		v, ok := params[spec.Name]
		if !ok {
			return false
		}
		if v.LessThan(spec.Min) || v.GreaterThan(spec.Max) {
			return false
		}
	}
	for _, c := range s.Constraints {
		lesser, ok1 := params[c.Lesser]
		greater, ok2 := params[c.Greater]
		if !ok1 || !ok2 {
			return false
		}
		if !lesser.LessThan(greater) {
			return false
		}
	}
	return true
}

// DefaultParameters seeds a fresh parameter set from the schema's priors.
func (s Schema) DefaultParameters() Parameters {
	out := make(Parameters, len(s.Params))
	for _, spec := range s.Params {
		out[spec.Name] = spec.Default
	}
	return out
}

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// Schemas maps every strategy family to its parameter schema.
var Schemas = map[StrategyType]Schema{
	StrategyMomentum: {
		Type: StrategyMomentum,
		Params: []ParamSpec{
			{Name: "period", Kind: ParamInteger, Min: d(3), Max: d(200), Default: d(14)},
			{Name: "threshold", Kind: ParamContinuous, Min: d(0.0005), Max: d(0.1), Default: d(0.01)},
			{Name: "volume_threshold", Kind: ParamContinuous, Min: d(0.1), Max: d(10), Default: d(1.5)},
		},
	},
	StrategyMeanReversion: {
		Type: StrategyMeanReversion,
		Params: []ParamSpec{
			{Name: "lookback_period", Kind: ParamInteger, Min: d(5), Max: d(500), Default: d(20)},
			{Name: "std_multiplier", Kind: ParamContinuous, Min: d(0.5), Max: d(5), Default: d(2)},
			{Name: "min_deviation", Kind: ParamContinuous, Min: d(0.0001), Max: d(0.05), Default: d(0.002)},
		},
	},
	StrategyBreakout: {
		Type: StrategyBreakout,
		Params: []ParamSpec{
			{Name: "lookback_period", Kind: ParamInteger, Min: d(5), Max: d(500), Default: d(20)},
			{Name: "breakout_threshold", Kind: ParamContinuous, Min: d(0.0005), Max: d(0.05), Default: d(0.005)},
			{Name: "confirmation_periods", Kind: ParamInteger, Min: d(1), Max: d(10), Default: d(2)},
		},
	},
	StrategyGrid: {
		Type: StrategyGrid,
		Params: []ParamSpec{
			{Name: "grid_count", Kind: ParamInteger, Min: d(2), Max: d(100), Default: d(10)},
			{Name: "grid_spacing", Kind: ParamContinuous, Min: d(0.0005), Max: d(0.1), Default: d(0.01)},
		},
	},
	StrategyHighFrequency: {
		Type: StrategyHighFrequency,
		Params: []ParamSpec{
			{Name: "lookback_period", Kind: ParamInteger, Min: d(5), Max: d(200), Default: d(30)},
			{Name: "volatility_threshold", Kind: ParamContinuous, Min: d(0.0005), Max: d(0.1), Default: d(0.01)},
			{Name: "min_profit", Kind: ParamContinuous, Min: d(0.00005), Max: d(0.02), Default: d(0.0008)},
			{Name: "signal_interval", Kind: ParamInteger, Min: d(1), Max: d(3600), Default: d(30)},
		},
	},
	StrategyTrendFollowing: {
		Type: StrategyTrendFollowing,
		Params: []ParamSpec{
			{Name: "fast_period", Kind: ParamInteger, Min: d(2), Max: d(100), Default: d(12)},
			{Name: "slow_period", Kind: ParamInteger, Min: d(5), Max: d(400), Default: d(26)},
			{Name: "trend_threshold", Kind: ParamContinuous, Min: d(0.0005), Max: d(0.05), Default: d(0.005)},
			{Name: "trailing_stop_pct", Kind: ParamContinuous, Min: d(0.001), Max: d(0.2), Default: d(0.02)},
		},
		Constraints: []PairwiseConstraint{
			{Lesser: "fast_period", Greater: "slow_period"},
		},
	},
}
