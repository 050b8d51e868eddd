package analysis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marathon-engine/src/analysis/core"
	"marathon-engine/src/interfaces"
	"marathon-engine/src/leaderboard"
	"marathon-engine/src/logger"
	"marathon-engine/src/models"
)

// -----------------------------------------------------------------------------

// SnapshotProvider is the live telemetry surface the facade reads from.
type SnapshotProvider interface {
	GetSnapshot(login string) (models.MAccountSnapshot, bool)
	GetAllSnapshots() map[string]models.MAccountSnapshot
	EquityCurve(login string) []models.MEquitySample
}

// -----------------------------------------------------------------------------
// AnalysisFacade
// -----------------------------------------------------------------------------

// AnalysisFacade assembles the full per-participant analysis payload from the
// live snapshot, the equity history and the current leaderboard. Payloads are
// cached for a short TTL because direct subscribers can request the same
// participant many times within one update burst.
type AnalysisFacade struct {
	Config     *models.MConfig
	Logger     *logger.Logger
	Calculator *leaderboard.Calculator
	History    interfaces.IHistoryRepository
	Snapshots  SnapshotProvider

	mu    sync.Mutex
	cache map[int64]cachedAnalysis

	now func() time.Time
}

type cachedAnalysis struct {
	payload *models.MAnalysis
	at      time.Time
}

// -----------------------------------------------------------------------------

func NewAnalysisFacade(
	cfg *models.MConfig,
	log *logger.Logger,
	calc *leaderboard.Calculator,
	history interfaces.IHistoryRepository,
	snapshots SnapshotProvider,
) *AnalysisFacade {
	return &AnalysisFacade{
		Config:     cfg,
		Logger:     log,
		Calculator: calc,
		History:    history,
		Snapshots:  snapshots,
		cache:      make(map[int64]cachedAnalysis),
		now:        time.Now,
	}
}

// -----------------------------------------------------------------------------

// ParticipantAnalysis computes (or returns the cached) analysis payload for
// one participant. Returns nil without error when no snapshot is cached yet.
func (f *AnalysisFacade) ParticipantAnalysis(ctx context.Context, p *models.MParticipant, m *models.MMarathon) (*models.MAnalysis, error) {
	if p == nil || m == nil || p.AccountLogin == "" {
		return nil, nil
	}

	ttl := time.Duration(f.Config.Hub.AnalysisCacheTTLSeconds) * time.Second
	now := f.now()

	f.mu.Lock()
	if entry, ok := f.cache[p.ID]; ok && now.Sub(entry.at) < ttl {
		f.mu.Unlock()
		return entry.payload, nil
	}
	f.mu.Unlock()

	snap, ok := f.Snapshots.GetSnapshot(p.AccountLogin)
	if !ok {
		return nil, nil
	}

	payload, err := f.build(ctx, p, m, snap)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.cache[p.ID] = cachedAnalysis{payload: payload, at: now}
	f.mu.Unlock()
	return payload, nil
}

// -----------------------------------------------------------------------------

func (f *AnalysisFacade) build(ctx context.Context, p *models.MParticipant, m *models.MMarathon, snap models.MAccountSnapshot) (*models.MAnalysis, error) {
	history, err := f.History.EquityHistory(ctx, p.AccountLogin, m.StartDate, f.now())
	if err != nil {
		return nil, fmt.Errorf("equity history for %s: %w", p.AccountLogin, err)
	}

	tradeCount, err := f.History.TradeCount(ctx, p.AccountLogin, m.StartDate, f.now())
	if err != nil {
		return nil, fmt.Errorf("trade count for %s: %w", p.AccountLogin, err)
	}

	peak := core.PeakEquity(history)
	if peak == 0 {
		peak = snap.Equity
	}

	rank := 0
	entries, err := f.Calculator.Calculate(ctx, m.ID, f.Snapshots.GetAllSnapshots())
	if err != nil {
		f.Logger.Warning("Analysis rank lookup failed for participant %d: %v", p.ID, err)
	} else {
		for _, e := range entries {
			if e.ParticipantID == p.ID {
				rank = e.Rank
				break
			}
		}
	}

	return &models.MAnalysis{
		ParticipantID:           p.ID,
		MarathonID:              m.ID,
		AccountLogin:            p.AccountLogin,
		Rank:                    rank,
		Balance:                 snap.Balance,
		Equity:                  snap.Equity,
		Profit:                  snap.Profit,
		Margin:                  snap.Margin,
		FreeMargin:              snap.FreeMargin,
		ProfitPercentage:        core.ProfitPercent(snap.Profit, snap.Balance),
		DrawdownPercent:         core.DrawdownPercent(peak, snap.Equity),
		MaxDailyDrawdownPercent: core.MaxDailyDrawdownPercent(history),
		FloatingRiskPercent:     core.FloatingRiskPercent(snap.Profit, snap.Equity),
		TradeCount:              tradeCount,
		EquityCurve:             f.Snapshots.EquityCurve(p.AccountLogin),
		UpdatedAt:               snap.UpdatedAt,
	}, nil
}

// -----------------------------------------------------------------------------

// Invalidate drops the cached payload for a participant (used after
// disqualification so stale analyses are not served).
func (f *AnalysisFacade) Invalidate(participantID int64) {
	f.mu.Lock()
	delete(f.cache, participantID)
	f.mu.Unlock()
}
