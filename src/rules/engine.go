package rules

import (
	"context"
	"fmt"
	"time"

	"marathon-engine/src/analysis/core"
	"marathon-engine/src/interfaces"
	"marathon-engine/src/logger"
	"marathon-engine/src/models"
)

// -----------------------------------------------------------------------------

// SnapshotSource is the live-telemetry lookup the engine needs for the
// real-time check path.
type SnapshotSource interface {
	GetSnapshot(login string) (models.MAccountSnapshot, bool)
}

// -----------------------------------------------------------------------------
// Engine
// -----------------------------------------------------------------------------

// Engine evaluates marathon rule thresholds per participant and disqualifies
// on violation. Disqualification is terminal: the status guard at entry makes
// re-checks of a disqualified participant a no-op.
type Engine struct {
	Participants interfaces.IParticipantRepository
	Marathons    interfaces.IMarathonRepository
	History      interfaces.IHistoryRepository
	Snapshots    SnapshotSource
	Logger       *logger.Logger

	now func() time.Time
}

// -----------------------------------------------------------------------------

func NewEngine(
	participants interfaces.IParticipantRepository,
	marathons interfaces.IMarathonRepository,
	history interfaces.IHistoryRepository,
	snapshots SnapshotSource,
	log *logger.Logger,
) *Engine {
	return &Engine{
		Participants: participants,
		Marathons:    marathons,
		History:      history,
		Snapshots:    snapshots,
		Logger:       log,
		now:          time.Now,
	}
}

// -----------------------------------------------------------------------------

// CheckParticipant evaluates all configured rules for one participant.
// live selects the real-time path (current equity from the live snapshot);
// otherwise the latest historical sample is used. Returns the violations
// found; when non-empty the participant has been disqualified in one write.
func (e *Engine) CheckParticipant(ctx context.Context, participantID int64, live bool) ([]models.MRuleViolation, error) {
	p, err := e.Participants.GetByID(ctx, participantID)
	if err != nil {
		return nil, fmt.Errorf("load participant %d: %w", participantID, err)
	}
	if p == nil {
		return nil, nil
	}

	m, err := e.Marathons.GetByID(ctx, p.MarathonID)
	if err != nil {
		return nil, fmt.Errorf("load marathon %d: %w", p.MarathonID, err)
	}

	return e.check(ctx, p, m, live)
}

// -----------------------------------------------------------------------------

// CheckAllParticipantsRules is the scheduled batch path: every ongoing
// marathon's active participants, historical equity only. A failure for one
// participant never aborts the rest of the batch.
func (e *Engine) CheckAllParticipantsRules(ctx context.Context) error {
	marathons, err := e.Marathons.Ongoing(ctx)
	if err != nil {
		return fmt.Errorf("load ongoing marathons: %w", err)
	}

	for i := range marathons {
		m := &marathons[i]
		roster, err := e.Participants.ActiveByMarathon(ctx, m.ID)
		if err != nil {
			e.Logger.Error("Rule batch: roster load failed for marathon %d: %v", m.ID, err)
			continue
		}

		for j := range roster {
			p := &roster[j]
			if _, err := e.check(ctx, p, m, false); err != nil {
				e.Logger.Error("Rule batch: check failed for participant %d: %v", p.ID, err)
			}
		}
	}
	return nil
}

// -----------------------------------------------------------------------------

// check runs the rule evaluation. All present-valued rules are evaluated
// independently; violations accumulate rather than short-circuit.
func (e *Engine) check(ctx context.Context, p *models.MParticipant, m *models.MMarathon, live bool) ([]models.MRuleViolation, error) {
	if p == nil || m == nil {
		return nil, nil
	}
	// Evaluation applies only to live participants of ongoing marathons.
	if p.Status != models.ParticipantActive || !p.IsActive || m.Status != models.MarathonOngoing {
		return nil, nil
	}
	if p.AccountLogin == "" {
		return nil, nil
	}

	now := e.now()

	var liveSnap *models.MAccountSnapshot
	if live && e.Snapshots != nil {
		if snap, ok := e.Snapshots.GetSnapshot(p.AccountLogin); ok {
			liveSnap = &snap
		}
	}

	history, err := e.History.EquityHistory(ctx, p.AccountLogin, m.StartDate, now)
	if err != nil {
		return nil, fmt.Errorf("equity history for %s: %w", p.AccountLogin, err)
	}

	var violations []models.MRuleViolation

	// MIN_TRADES: the participant gets the full marathon window before this
	// rule can fire.
	if limit, ok := m.RuleThreshold(models.RuleMinTrades); ok && !now.Before(m.EndDate) {
		count, err := e.History.TradeCount(ctx, p.AccountLogin, m.StartDate, m.EndDate)
		if err != nil {
			return nil, fmt.Errorf("trade count for %s: %w", p.AccountLogin, err)
		}
		if float64(count) < limit {
			violations = append(violations, models.MRuleViolation{
				Rule:          models.RuleMinTrades,
				ObservedValue: float64(count),
				Limit:         limit,
			})
		}
	}

	// MAX_DRAWDOWN_PERCENT
	if limit, ok := m.RuleThreshold(models.RuleMaxDrawdownPercent); ok {
		peak := core.PeakEquity(history)
		current, have := 0.0, false
		switch {
		case live && liveSnap != nil:
			current, have = liveSnap.Equity, true
			if peak == 0 {
				// No history yet: compare live equity against itself.
				peak = liveSnap.Equity
			}
		case len(history) > 0:
			current, have = history[len(history)-1].Equity, true
		}
		if have {
			dd := core.DrawdownPercent(peak, current)
			if dd > limit {
				violations = append(violations, models.MRuleViolation{
					Rule:          models.RuleMaxDrawdownPercent,
					ObservedValue: dd,
					Limit:         limit,
				})
			}
		}
	}

	// DAILY_DRAWDOWN_PERCENT
	if limit, ok := m.RuleThreshold(models.RuleDailyDrawdownPct); ok && len(history) > 0 {
		dd := core.MaxDailyDrawdownPercent(history)
		if dd > limit {
			violations = append(violations, models.MRuleViolation{
				Rule:          models.RuleDailyDrawdownPct,
				ObservedValue: dd,
				Limit:         limit,
			})
		}
	}

	// MIN_PROFIT_PERCENT: end-gated like MIN_TRADES; needs the live snapshot
	// for profit/balance, skipped when none is cached.
	if limit, ok := m.RuleThreshold(models.RuleMinProfitPercent); ok && !now.Before(m.EndDate) && liveSnap != nil {
		pct := core.ProfitPercent(liveSnap.Profit, liveSnap.Balance)
		if pct < limit {
			violations = append(violations, models.MRuleViolation{
				Rule:          models.RuleMinProfitPercent,
				ObservedValue: pct,
				Limit:         limit,
			})
		}
	}

	// FLOATING_RISK_PERCENT: only evaluable with a live snapshot; absence of
	// data is never a violation.
	if limit, ok := m.RuleThreshold(models.RuleFloatingRiskPercent); ok && liveSnap != nil {
		risk := core.FloatingRiskPercent(liveSnap.Profit, liveSnap.Equity)
		if risk > limit {
			violations = append(violations, models.MRuleViolation{
				Rule:          models.RuleFloatingRiskPercent,
				ObservedValue: risk,
				Limit:         limit,
			})
		}
	}

	if len(violations) == 0 {
		return nil, nil
	}

	if err := e.Participants.Disqualify(ctx, p.ID, violations); err != nil {
		return violations, fmt.Errorf("disqualify participant %d: %w", p.ID, err)
	}
	e.Logger.Info("Participant %d disqualified (%d violations)", p.ID, len(violations))
	return violations, nil
}
