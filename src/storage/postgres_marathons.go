package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"marathon-engine/src/models"
)

// -----------------------------------------------------------------------------

// MarathonRepo implements interfaces.IMarathonRepository.
type MarathonRepo struct {
	*PostgresDB
}

func NewMarathonRepo(db *PostgresDB) *MarathonRepo {
	return &MarathonRepo{PostgresDB: db}
}

// -----------------------------------------------------------------------------

const marathonColumns = `id, name, start_date, end_date, status, is_active, rules`

func (r *MarathonRepo) GetByID(ctx context.Context, id int64) (*models.MMarathon, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+marathonColumns+` FROM marathons WHERE id = $1`, id)
	return scanMarathon(row)
}

// -----------------------------------------------------------------------------

func (r *MarathonRepo) Ongoing(ctx context.Context) ([]models.MMarathon, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+marathonColumns+` FROM marathons WHERE status = 'ongoing' AND is_active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MMarathon
	for rows.Next() {
		m, err := scanMarathon(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------

func scanMarathon(row rowScanner) (*models.MMarathon, error) {
	var m models.MMarathon
	var rules []byte
	err := row.Scan(&m.ID, &m.Name, &m.StartDate, &m.EndDate, &m.Status, &m.IsActive, &rules)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(rules) > 0 {
		if err := json.Unmarshal(rules, &m.Rules); err != nil {
			return nil, fmt.Errorf("decode marathon rules: %w", err)
		}
	}
	return &m, nil
}
