package storage

import (
	"context"
	"time"

	"marathon-engine/src/models"
)

// -----------------------------------------------------------------------------

// HistoryRepo implements interfaces.IHistoryRepository.
type HistoryRepo struct {
	*PostgresDB
}

func NewHistoryRepo(db *PostgresDB) *HistoryRepo {
	return &HistoryRepo{PostgresDB: db}
}

// -----------------------------------------------------------------------------

func (r *HistoryRepo) EquityHistory(ctx context.Context, login string, from, to time.Time) ([]models.MEquitySample, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT account_login, equity, balance, recorded_at FROM equity_history
		 WHERE account_login = $1 AND recorded_at BETWEEN $2 AND $3
		 ORDER BY recorded_at`, login, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MEquitySample
	for rows.Next() {
		var s models.MEquitySample
		if err := rows.Scan(&s.AccountLogin, &s.Equity, &s.Balance, &s.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------

func (r *HistoryRepo) TradeCount(ctx context.Context, login string, from, to time.Time) (int, error) {
	var count int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trades
		 WHERE account_login = $1 AND closed_at BETWEEN $2 AND $3`,
		login, from, to).Scan(&count)
	return count, err
}

// -----------------------------------------------------------------------------

func (r *HistoryRepo) SaveEquitySample(ctx context.Context, sample models.MEquitySample) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO equity_history (account_login, equity, balance, recorded_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (account_login, recorded_at) DO NOTHING`,
		sample.AccountLogin, sample.Equity, sample.Balance, sample.RecordedAt)
	return err
}
