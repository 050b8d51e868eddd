package models

import "time"

// MLeaderboardEntry is a derived ranking row, computed fresh per request from
// the participant roster and the current snapshot set. Never stored.
type MLeaderboardEntry struct {
	ParticipantID    int64     `json:"participantId"`
	UserID           int64     `json:"userId"`
	AccountLogin     string    `json:"accountLogin"`
	Rank             int       `json:"rank"`
	Balance          float64   `json:"balance"`
	Equity           float64   `json:"equity"`
	Profit           float64   `json:"profit"`
	ProfitPercentage float64   `json:"profitPercentage"`
	UpdatedAt        time.Time `json:"updatedAt"`
}
