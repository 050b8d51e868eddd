package models

import "time"

// -----------------------------------------------------------------------------
// Marathon statuses
// -----------------------------------------------------------------------------

const (
	MarathonUpcoming = "upcoming"
	MarathonOngoing  = "ongoing"
	MarathonFinished = "finished"
)

// -----------------------------------------------------------------------------
// Rule kinds (closed enumeration, keys of MMarathon.Rules)
// -----------------------------------------------------------------------------

const (
	RuleMinTrades           = "MIN_TRADES"
	RuleMaxDrawdownPercent  = "MAX_DRAWDOWN_PERCENT"
	RuleDailyDrawdownPct    = "DAILY_DRAWDOWN_PERCENT"
	RuleMinProfitPercent    = "MIN_PROFIT_PERCENT"
	RuleFloatingRiskPercent = "FLOATING_RISK_PERCENT"
)

// -----------------------------------------------------------------------------

// MMarathon is a trading competition window with its configured rule thresholds.
type MMarathon struct {
	ID        int64              `json:"id"`
	Name      string             `json:"name"`
	StartDate time.Time          `json:"startDate"`
	EndDate   time.Time          `json:"endDate"`
	Status    string             `json:"status"`
	IsActive  bool               `json:"isActive"`
	Rules     map[string]float64 `json:"rules"`
}

// RuleThreshold returns the configured threshold for a rule kind, if present.
func (m *MMarathon) RuleThreshold(kind string) (float64, bool) {
	if m.Rules == nil {
		return 0, false
	}
	v, ok := m.Rules[kind]
	return v, ok
}
