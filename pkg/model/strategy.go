// Package model defines the domain entities shared by every engine
// component: strategies, signals, trade records and evolution events.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// StrategyType tags a Strategy with one of the six parametric families the
// Signal Engine knows how to evaluate.
type StrategyType string

const (
	StrategyMomentum      StrategyType = "momentum"
	StrategyMeanReversion StrategyType = "mean_reversion"
	StrategyBreakout      StrategyType = "breakout"
	StrategyGrid          StrategyType = "grid"
	StrategyHighFrequency StrategyType = "high_frequency"
	StrategyTrendFollowing StrategyType = "trend_following"
)

// AllStrategyTypes lists every family, in a fixed order used for
// diversity-biased sampling during population homeostasis.
var AllStrategyTypes = []StrategyType{
	StrategyMomentum,
	StrategyMeanReversion,
	StrategyBreakout,
	StrategyGrid,
	StrategyHighFrequency,
	StrategyTrendFollowing,
}

// Tier is the scheduling class assigned by the four-tier scheduler.
// It is a pure scheduling allocation, not derived from score.
type Tier int

const (
	TierNone Tier = 0
	TierT1   Tier = 1
	TierT2   Tier = 2
	TierT3   Tier = 3
	TierT4   Tier = 4
)

// Parameters is a structured document mapping parameter name to value.
// Every read must go through the owning family's schema validator
// (see Schema in schema.go) rather than being trusted blind.
type Parameters map[string]decimal.Decimal

// Clone returns an independent copy, used before mutation so proposals
// never alias the committed parameter set.
func (p Parameters) Clone() Parameters {
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Metrics holds the rolling performance figures maintained exclusively by
// the scoring subsystem. No other component writes these fields.
type Metrics struct {
	TotalTrades     int
	WinRate         decimal.Decimal
	TotalReturn     decimal.Decimal
	MaxDrawdown     decimal.Decimal
	Sharpe          decimal.Decimal
	ProfitFactor    decimal.Decimal
	Volatility      decimal.Decimal
	DailyReturn     decimal.Decimal
	FinalScore      decimal.Decimal
	Provisional     bool
	LastEvaluatedAt time.Time
}

// Strategy is the central entity of the population: a parametric,
// scored, versioned trading rule instance.
type Strategy struct {
	ID       string
	Type     StrategyType
	Symbol   string

	Parameters Parameters

	Generation int
	Cycle      int
	ParentID   string

	Metrics Metrics

	Enabled          bool
	Tier             Tier
	QualifiesForReal bool

	// RealEligibleSince marks when the strategy first became real-eligible,
	// used to enforce the protect_window after promotion.
	RealEligibleSince time.Time

	// ConsecutiveRealLosses supports emergency demotion.
	ConsecutiveRealLosses int

	// LastImprovedAt is the most recent committed parameter change or
	// score improvement; the no-improvement elimination clock runs from
	// here.
	LastImprovedAt time.Time

	// ProtectedUntil shields a top-ranked strategy from demotion,
	// mutation and retirement until the deadline passes.
	ProtectedUntil time.Time

	Retired   bool
	RetiredAt time.Time
	RetiredReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// QualifiesForRealTrading reports whether s meets the gate's static
// score/sample thresholds, independent of tier membership or protection
// windows (those are applied by the gate on top of this check).
func (s *Strategy) QualifiesForRealTrading(sReal, minWinRate decimal.Decimal, minTrades int) bool {
	if s.Retired || !s.Enabled {
		return false
	}
	if s.Metrics.TotalTrades < minTrades {
		return false
	}
	if s.Metrics.FinalScore.LessThan(sReal) {
		return false
	}
	return !s.Metrics.WinRate.LessThan(minWinRate)
}
