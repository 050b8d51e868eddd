package storage

import (
	"database/sql"
	"fmt"

	"marathon-engine/src/logger"
	"marathon-engine/src/models"

	_ "github.com/lib/pq"
)

// -----------------------------------------------------------------------------

// PostgresDB owns the shared connection pool and schema. The repository types
// (ParticipantRepo, MarathonRepo, HistoryRepo) are thin views over it.
type PostgresDB struct {
	Config *models.MConfig
	DB     *sql.DB
	Logger *logger.Logger
}

// -----------------------------------------------------------------------------

func NewPostgresDB(cfg *models.MConfig, log *logger.Logger) *PostgresDB {
	return &PostgresDB{
		Config: cfg,
		Logger: log,
	}
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) Initialize() error {
	db, err := sql.Open("postgres", d.Config.Storage.DBConnectionString)
	if err != nil {
		return err
	}

	if err := db.Ping(); err != nil {
		return err
	}

	d.DB = db

	if err := d.createTables(); err != nil {
		return err
	}

	d.Logger.Info("PostgresDB initialized successfully")
	return nil
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) createTables() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS marathons (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			start_date TIMESTAMPTZ NOT NULL,
			end_date TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL DEFAULT 'upcoming',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			rules JSONB NOT NULL DEFAULT '{}'
		);`,
		`CREATE TABLE IF NOT EXISTS participants (
			id BIGSERIAL PRIMARY KEY,
			marathon_id BIGINT NOT NULL,
			user_id BIGINT NOT NULL,
			account_login TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			status TEXT NOT NULL DEFAULT 'active',
			joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			disqualification_reason JSONB
		);`,
		`CREATE INDEX IF NOT EXISTS idx_participants_login ON participants (account_login);`,
		`CREATE INDEX IF NOT EXISTS idx_participants_marathon ON participants (marathon_id);`,
		`CREATE TABLE IF NOT EXISTS equity_history (
			account_login TEXT NOT NULL,
			equity DOUBLE PRECISION NOT NULL,
			balance DOUBLE PRECISION NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (account_login, recorded_at)
		);`,
		`CREATE TABLE IF NOT EXISTS trades (
			account_login TEXT NOT NULL,
			ticket BIGINT NOT NULL,
			volume DOUBLE PRECISION,
			profit DOUBLE PRECISION,
			closed_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (account_login, ticket)
		);`,
	}

	for _, stmt := range statements {
		if _, err := d.DB.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) Close() error {
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}

// -----------------------------------------------------------------------------

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}
