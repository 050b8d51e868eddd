package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"marathon-engine/src/models"
)

// -----------------------------------------------------------------------------

// ParticipantRepo implements interfaces.IParticipantRepository.
type ParticipantRepo struct {
	*PostgresDB
}

func NewParticipantRepo(db *PostgresDB) *ParticipantRepo {
	return &ParticipantRepo{PostgresDB: db}
}

// -----------------------------------------------------------------------------

const participantColumns = `id, marathon_id, user_id, account_login, is_active, status, joined_at, disqualification_reason`

func (r *ParticipantRepo) GetByID(ctx context.Context, id int64) (*models.MParticipant, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE id = $1`, id)
	return scanParticipant(row)
}

// -----------------------------------------------------------------------------

func (r *ParticipantRepo) GetByAccountLogin(ctx context.Context, login string) (*models.MParticipant, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE account_login = $1
		 ORDER BY joined_at DESC LIMIT 1`, login)
	return scanParticipant(row)
}

// -----------------------------------------------------------------------------

func (r *ParticipantRepo) GetByUserAndMarathon(ctx context.Context, userID, marathonID int64) (*models.MParticipant, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE user_id = $1 AND marathon_id = $2`,
		userID, marathonID)
	return scanParticipant(row)
}

// -----------------------------------------------------------------------------

// ActiveByMarathon returns the active roster ordered by joined_at then id,
// which is the stable-sort base order of the leaderboard.
func (r *ParticipantRepo) ActiveByMarathon(ctx context.Context, marathonID int64) ([]models.MParticipant, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+participantColumns+` FROM participants
		 WHERE marathon_id = $1 AND status = 'active' AND is_active
		 ORDER BY joined_at, id`, marathonID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MParticipant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------

// Disqualify persists the terminal state transition in a single write.
// The status predicate makes a repeat call a no-op.
func (r *ParticipantRepo) Disqualify(ctx context.Context, id int64, violations []models.MRuleViolation) error {
	reason, err := json.Marshal(violations)
	if err != nil {
		return fmt.Errorf("marshal violations: %w", err)
	}

	_, err = r.DB.ExecContext(ctx,
		`UPDATE participants
		 SET status = 'disqualified', is_active = FALSE, disqualification_reason = $2
		 WHERE id = $1 AND status <> 'disqualified'`,
		id, reason)
	return err
}

// -----------------------------------------------------------------------------

func scanParticipant(row rowScanner) (*models.MParticipant, error) {
	var p models.MParticipant
	var reason []byte
	err := row.Scan(&p.ID, &p.MarathonID, &p.UserID, &p.AccountLogin,
		&p.IsActive, &p.Status, &p.JoinedAt, &reason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(reason) > 0 {
		if err := json.Unmarshal(reason, &p.DisqualificationReason); err != nil {
			return nil, fmt.Errorf("decode disqualification reason: %w", err)
		}
	}
	return &p, nil
}
