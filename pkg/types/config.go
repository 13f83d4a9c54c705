package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// BacktestConfig configures a single shadow-backtest replay used to
// score candidate parameters against recent history before promotion.
// Strategy parameters live on the candidate model.Strategy
// itself, wired through Engine.SetStrategy, not on this config.
type BacktestConfig struct {
	ID             string          `json:"id"`
	Symbols        []string        `json:"symbols"`
	StartDate      time.Time       `json:"startDate"`
	EndDate        time.Time       `json:"endDate"`
	InitialCapital decimal.Decimal `json:"initialCapital"`
	Commission     decimal.Decimal `json:"commission"`
	RiskLimits     RiskLimits      `json:"riskLimits"`
}

// RiskLimits bounds a replay: position sizing, the drawdown kill
// switch, and the open-position cap.
type RiskLimits struct {
	MaxPositionSize  decimal.Decimal `json:"maxPositionSize"`
	MaxDrawdown      decimal.Decimal `json:"maxDrawdown"`
	MaxOpenPositions int             `json:"maxOpenPositions"`
}

// BacktestResult represents the results of a backtest
type BacktestResult struct {
	ID              string              `json:"id"`
	Config          *BacktestConfig     `json:"config"`
	Metrics         *PerformanceMetrics `json:"metrics"`
	RiskMetrics     *RiskMetrics        `json:"riskMetrics"`
	EquityCurve     []EquityCurvePoint  `json:"equityCurve"`
	Trades          []Trade             `json:"trades"`
	StartedAt       time.Time           `json:"startedAt"`
	CompletedAt     time.Time           `json:"completedAt"`
	Duration        time.Duration       `json:"duration"`
	EventsProcessed uint64              `json:"eventsProcessed"`
}
