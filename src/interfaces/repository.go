package interfaces

import (
	"context"
	"time"

	"marathon-engine/src/models"
)

// -----------------------------------------------------------------------------
// IParticipantRepository defines the contract for participant persistence.
// -----------------------------------------------------------------------------

type IParticipantRepository interface {

	// GetByID loads a single participant.
	GetByID(ctx context.Context, id int64) (*models.MParticipant, error)

	// -----------------------------------------------------------------------------

	// GetByAccountLogin resolves a participant from its linked account login.
	GetByAccountLogin(ctx context.Context, login string) (*models.MParticipant, error)

	// -----------------------------------------------------------------------------

	// GetByUserAndMarathon resolves the participant a user holds in a marathon.
	GetByUserAndMarathon(ctx context.Context, userID, marathonID int64) (*models.MParticipant, error)

	// -----------------------------------------------------------------------------

	// ActiveByMarathon returns the active roster of a marathon,
	// ordered by joined_at then id (the leaderboard's stable-sort base order).
	ActiveByMarathon(ctx context.Context, marathonID int64) ([]models.MParticipant, error)

	// -----------------------------------------------------------------------------

	// Disqualify marks a participant disqualified and persists the violation
	// list in one write. Must be a no-op if already disqualified.
	Disqualify(ctx context.Context, id int64, violations []models.MRuleViolation) error
}

// -----------------------------------------------------------------------------
// IMarathonRepository defines the contract for marathon persistence.
// -----------------------------------------------------------------------------

type IMarathonRepository interface {

	// GetByID loads a single marathon with its rule thresholds.
	GetByID(ctx context.Context, id int64) (*models.MMarathon, error)

	// -----------------------------------------------------------------------------

	// Ongoing returns all marathons currently in the ongoing status.
	Ongoing(ctx context.Context) ([]models.MMarathon, error)
}

// -----------------------------------------------------------------------------
// IHistoryRepository defines the contract for historical account telemetry.
// -----------------------------------------------------------------------------

type IHistoryRepository interface {

	// EquityHistory returns equity samples for an account within [from, to],
	// ordered by recorded_at ascending.
	EquityHistory(ctx context.Context, login string, from, to time.Time) ([]models.MEquitySample, error)

	// -----------------------------------------------------------------------------

	// TradeCount returns the number of trades the account closed within [from, to].
	TradeCount(ctx context.Context, login string, from, to time.Time) (int, error)

	// -----------------------------------------------------------------------------

	// SaveEquitySample appends one equity/balance observation.
	SaveEquitySample(ctx context.Context, sample models.MEquitySample) error
}
