package backtester

import (
	"time"

	"github.com/evostrat/engine/pkg/types"
	"github.com/shopspring/decimal"
)

// ViabilityThresholds are the floors a replay must clear before its
// candidate is worth live validation.
type ViabilityThresholds struct {
	MinSharpeRatio  decimal.Decimal
	MaxDrawdown     decimal.Decimal
	MinProfitFactor decimal.Decimal
	MinWinRate      decimal.Decimal
	MinTrades       int
	MaxVaR95        decimal.Decimal
	MinExpectancy   decimal.Decimal
}

// DefaultViabilityThresholds returns conservative floors: Sharpe above
// 0.5, drawdown under 20%, profit factor above 1.5.
func DefaultViabilityThresholds() *ViabilityThresholds {
	return &ViabilityThresholds{
		MinSharpeRatio:  decimal.NewFromFloat(0.5),
		MaxDrawdown:     decimal.NewFromFloat(0.20),
		MinProfitFactor: decimal.NewFromFloat(1.5),
		MinWinRate:      decimal.NewFromFloat(0.40),
		MinTrades:       30,
		MaxVaR95:        decimal.NewFromFloat(0.05),
		MinExpectancy:   decimal.Zero,
	}
}

// ViabilityIssue names one metric that missed its floor.
type ViabilityIssue struct {
	Metric   string          `json:"metric"`
	Actual   decimal.Decimal `json:"actual"`
	Required decimal.Decimal `json:"required"`
	Critical bool            `json:"critical"`
}

// ViabilityReport grades a replay. A candidate is viable when no issue
// is critical and the composite score clears 60.
type ViabilityReport struct {
	IsViable         bool             `json:"is_viable"`
	Score            int              `json:"score"`
	Grade            string           `json:"grade"`
	Issues           []ViabilityIssue `json:"issues"`
	ReturnScore      int              `json:"return_score"`
	RiskScore        int              `json:"risk_score"`
	ConsistencyScore int              `json:"consistency_score"`
	GeneratedAt      time.Time        `json:"generated_at"`
}

// ViabilityChecker grades replay results against its thresholds.
type ViabilityChecker struct {
	thresholds *ViabilityThresholds
}

func NewViabilityChecker(thresholds *ViabilityThresholds) *ViabilityChecker {
	if thresholds == nil {
		thresholds = DefaultViabilityThresholds()
	}
	return &ViabilityChecker{thresholds: thresholds}
}

// Check assesses result and returns the full report.
func (vc *ViabilityChecker) Check(result *types.BacktestResult) *ViabilityReport {
	report := &ViabilityReport{GeneratedAt: time.Now()}
	m := result.Metrics
	t := vc.thresholds

	vc.require(report, "sharpe_ratio", m.SharpeRatio, t.MinSharpeRatio, m.SharpeRatio.IsNegative())
	vc.requireMax(report, "max_drawdown", m.MaxDrawdown, t.MaxDrawdown,
		m.MaxDrawdown.GreaterThan(decimal.NewFromFloat(0.30)))
	vc.require(report, "profit_factor", m.ProfitFactor, t.MinProfitFactor,
		m.ProfitFactor.LessThan(decimal.NewFromInt(1)))
	vc.require(report, "win_rate", m.WinRate, t.MinWinRate,
		m.WinRate.LessThan(decimal.NewFromFloat(0.30)))
	vc.require(report, "trade_count",
		decimal.NewFromInt(int64(m.TotalTrades)), decimal.NewFromInt(int64(t.MinTrades)), false)
	vc.require(report, "expectancy", m.Expectancy, t.MinExpectancy, m.Expectancy.IsNegative())
	if result.RiskMetrics != nil {
		vc.requireMax(report, "var_95", result.RiskMetrics.VaR95, t.MaxVaR95, false)
	}

	report.ReturnScore = returnScore(m)
	report.RiskScore = riskScore(m, result.RiskMetrics)
	report.ConsistencyScore = consistencyScore(m)
	report.Score = (report.ReturnScore*35 + report.RiskScore*35 + report.ConsistencyScore*30) / 100
	report.Grade = gradeOf(report.Score)

	critical := false
	for _, issue := range report.Issues {
		if issue.Critical {
			critical = true
			break
		}
	}
	report.IsViable = !critical && report.Score >= 60
	return report
}

func (vc *ViabilityChecker) require(report *ViabilityReport, metric string, actual, floor decimal.Decimal, critical bool) {
	if actual.LessThan(floor) {
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric: metric, Actual: actual, Required: floor, Critical: critical,
		})
	}
}

func (vc *ViabilityChecker) requireMax(report *ViabilityReport, metric string, actual, ceiling decimal.Decimal, critical bool) {
	if actual.GreaterThan(ceiling) {
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric: metric, Actual: actual, Required: ceiling, Critical: critical,
		})
	}
}

// returnScore rewards risk-adjusted return: a base of 50 plus up to 30
// for Sharpe and 20 for Sortino, minus 20 when Sharpe is not positive.
func returnScore(m *types.PerformanceMetrics) int {
	score := 50
	sharpe, _ := m.SharpeRatio.Float64()
	if sharpe > 0 {
		score += clampInt(int(sharpe*20), 0, 30)
	} else {
		score -= 20
	}
	sortino, _ := m.SortinoRatio.Float64()
	if sortino > 0 {
		score += clampInt(int(sortino*10), 0, 20)
	}
	return clampInt(score, 0, 100)
}

// riskScore starts perfect and deducts for drawdown and tail risk.
func riskScore(m *types.PerformanceMetrics, rm *types.RiskMetrics) int {
	score := 100
	dd, _ := m.MaxDrawdown.Float64()
	score -= int(dd * 200)
	if rm != nil {
		v, _ := rm.VaR95.Float64()
		score -= int(v * 300)
	}
	return clampInt(score, 0, 100)
}

// consistencyScore rewards win rate, profit factor and sample size.
func consistencyScore(m *types.PerformanceMetrics) int {
	score := 0
	winRate, _ := m.WinRate.Float64()
	score += int(winRate * 60)
	pf, _ := m.ProfitFactor.Float64()
	if pf > 1 {
		score += clampInt(int((pf-1)*20), 0, 40)
	}
	switch {
	case m.TotalTrades >= 100:
		score += 20
	case m.TotalTrades >= 50:
		score += 15
	case m.TotalTrades >= 30:
		score += 10
	}
	return clampInt(score, 0, 100)
}

func gradeOf(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
