package models

import "time"

// -----------------------------------------------------------------------------
// Participant statuses
// -----------------------------------------------------------------------------

const (
	ParticipantActive       = "active"
	ParticipantDisqualified = "disqualified"
	ParticipantCompleted    = "completed"
)

// -----------------------------------------------------------------------------

// MParticipant links a platform user to a marathon and a brokerage account.
type MParticipant struct {
	ID                     int64            `json:"id"`
	MarathonID             int64            `json:"marathonId"`
	UserID                 int64            `json:"userId"`
	AccountLogin           string           `json:"accountLogin"`
	IsActive               bool             `json:"isActive"`
	Status                 string           `json:"status"`
	JoinedAt               time.Time        `json:"joinedAt"`
	DisqualificationReason []MRuleViolation `json:"disqualificationReason,omitempty"`
}

// -----------------------------------------------------------------------------

// MRuleViolation records a single threshold breach. Persisted as an immutable
// list on the participant once disqualification occurs.
type MRuleViolation struct {
	Rule          string  `json:"rule"`
	ObservedValue float64 `json:"observedValue"`
	Limit         float64 `json:"limit"`
}
