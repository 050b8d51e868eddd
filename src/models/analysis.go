package models

import "time"

// MAnalysis is the full computed payload pushed to participant and self-view
// subscribers. Assembled by the analysis facade, cached briefly there.
type MAnalysis struct {
	ParticipantID           int64           `json:"participantId"`
	MarathonID              int64           `json:"marathonId"`
	AccountLogin            string          `json:"accountLogin"`
	Rank                    int             `json:"rank"`
	Balance                 float64         `json:"balance"`
	Equity                  float64         `json:"equity"`
	Profit                  float64         `json:"profit"`
	Margin                  float64         `json:"margin"`
	FreeMargin              float64         `json:"freeMargin"`
	ProfitPercentage        float64         `json:"profitPercentage"`
	DrawdownPercent         float64         `json:"drawdownPercent"`
	MaxDailyDrawdownPercent float64         `json:"maxDailyDrawdownPercent"`
	FloatingRiskPercent     float64         `json:"floatingRiskPercent"`
	TradeCount              int             `json:"tradeCount"`
	EquityCurve             []MEquitySample `json:"equityCurve,omitempty"`
	UpdatedAt               time.Time       `json:"updatedAt"`
}
