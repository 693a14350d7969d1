package quota

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/clinscale/clinscale/internal/plan"
)

// PostgresStore is a Store backed by PostgreSQL. The conditional increment is
// a single statement, so two concurrent consumers can never both push a
// counter past its ceiling.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an existing connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the usage_counters table. Development convenience;
// production uses the versioned migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS usage_counters (
			team_id     TEXT NOT NULL,
			feature_key TEXT NOT NULL,
			period_key  TEXT NOT NULL,
			count       BIGINT NOT NULL DEFAULT 0 CHECK (count >= 0),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (team_id, feature_key, period_key)
		)`)
	if err != nil {
		return fmt.Errorf("migrate usage_counters: %w", err)
	}
	return nil
}

func (s *PostgresStore) Increment(ctx context.Context, teamID string, feature plan.FeatureKey, period string, amount int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_counters (team_id, feature_key, period_key, count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (team_id, feature_key, period_key)
		DO UPDATE SET count = usage_counters.count + EXCLUDED.count, updated_at = NOW()`,
		teamID, string(feature), period, amount)
	if err != nil {
		return fmt.Errorf("increment counter: %w", err)
	}
	return nil
}

func (s *PostgresStore) IncrementWithCeiling(ctx context.Context, teamID string, feature plan.FeatureKey, period string, amount, ceiling int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_counters AS uc (team_id, feature_key, period_key, count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (team_id, feature_key, period_key)
		DO UPDATE SET count = uc.count + EXCLUDED.count, updated_at = NOW()
		WHERE uc.count + EXCLUDED.count <= $5`,
		teamID, string(feature), period, amount, ceiling)
	if err != nil {
		return false, fmt.Errorf("conditional increment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("conditional increment rows: %w", err)
	}
	// Fresh inserts bypass the DO UPDATE guard; the tracker guarantees
	// amount <= ceiling before calling, so that path is always in bounds.
	return n > 0, nil
}

func (s *PostgresStore) Count(ctx context.Context, teamID string, feature plan.FeatureKey, period string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT count FROM usage_counters
		WHERE team_id = $1 AND feature_key = $2 AND period_key = $3`,
		teamID, string(feature), period).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter: %w", err)
	}
	return count, nil
}
