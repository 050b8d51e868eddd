package leaderboard

import (
	"context"
	"fmt"
	"sort"

	"marathon-engine/src/analysis/core"
	"marathon-engine/src/interfaces"
	"marathon-engine/src/logger"
	"marathon-engine/src/models"
)

// -----------------------------------------------------------------------------
// Calculator
// -----------------------------------------------------------------------------

// Calculator produces deterministic rankings from the participant roster and
// the current snapshot set. It keeps no cache of its own; callers decide
// caching policy.
type Calculator struct {
	Participants interfaces.IParticipantRepository
	Logger       *logger.Logger
}

// -----------------------------------------------------------------------------

func NewCalculator(participants interfaces.IParticipantRepository, log *logger.Logger) *Calculator {
	return &Calculator{
		Participants: participants,
		Logger:       log,
	}
}

// -----------------------------------------------------------------------------

// Calculate ranks the active participants of a marathon. Participants without
// a linked account or without a snapshot are silently excluded, not an error.
// Ties keep roster order (stable sort); rank is 1-based after sorting.
func (c *Calculator) Calculate(ctx context.Context, marathonID int64, snapshots map[string]models.MAccountSnapshot) ([]models.MLeaderboardEntry, error) {
	roster, err := c.Participants.ActiveByMarathon(ctx, marathonID)
	if err != nil {
		return nil, fmt.Errorf("load roster for marathon %d: %w", marathonID, err)
	}

	entries := make([]models.MLeaderboardEntry, 0, len(roster))
	for _, p := range roster {
		if p.AccountLogin == "" {
			continue
		}
		snap, ok := snapshots[p.AccountLogin]
		if !ok {
			continue
		}

		entries = append(entries, models.MLeaderboardEntry{
			ParticipantID:    p.ID,
			UserID:           p.UserID,
			AccountLogin:     p.AccountLogin,
			Balance:          snap.Balance,
			Equity:           snap.Equity,
			Profit:           snap.Profit,
			ProfitPercentage: core.ProfitPercent(snap.Profit, snap.Balance),
			UpdatedAt:        snap.UpdatedAt,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].ProfitPercentage > entries[j].ProfitPercentage
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}

	return entries, nil
}

// -----------------------------------------------------------------------------

// EntryForAccount resolves a participant by account login and derives its
// ranked entry from the same snapshot set Calculate would use.
// Returns nil when the participant is not on the board (missing data).
func (c *Calculator) EntryForAccount(ctx context.Context, login string, snapshots map[string]models.MAccountSnapshot) (*models.MLeaderboardEntry, error) {
	p, err := c.Participants.GetByAccountLogin(ctx, login)
	if err != nil {
		return nil, fmt.Errorf("resolve participant for login %s: %w", login, err)
	}
	if p == nil {
		return nil, nil
	}

	entries, err := c.Calculate(ctx, p.MarathonID, snapshots)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].ParticipantID == p.ID {
			return &entries[i], nil
		}
	}
	return nil, nil
}
