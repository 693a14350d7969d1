package billing

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/clinscale/clinscale/internal/plan"
)

// PostgresStore persists billing records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed billing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetByTeam(ctx context.Context, teamID string) (*TeamBilling, error) {
	return p.scanRecord(p.db.QueryRowContext(ctx, `
		SELECT team_id, customer_id, subscription_id, plan, status, period_end, created_at, updated_at
		FROM team_billing WHERE team_id = $1`, teamID), ErrNotFound)
}

func (p *PostgresStore) GetByCustomer(ctx context.Context, customerID string) (*TeamBilling, error) {
	return p.scanRecord(p.db.QueryRowContext(ctx, `
		SELECT team_id, customer_id, subscription_id, plan, status, period_end, created_at, updated_at
		FROM team_billing WHERE customer_id = $1`, customerID), ErrCustomerNotFound)
}

func (p *PostgresStore) Ensure(ctx context.Context, teamID string) (*TeamBilling, error) {
	tb := NewRecord(teamID)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO team_billing (team_id, plan, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (team_id) DO NOTHING`,
		tb.TeamID, string(tb.Plan), string(tb.Status), tb.CreatedAt, tb.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p.GetByTeam(ctx, teamID)
}

func (p *PostgresStore) Update(ctx context.Context, tb *TeamBilling) error {
	tb.UpdatedAt = time.Now().UTC()

	var customerID, subscriptionID sql.NullString
	if tb.CustomerID != "" {
		customerID = sql.NullString{String: tb.CustomerID, Valid: true}
	}
	if tb.SubscriptionID != "" {
		subscriptionID = sql.NullString{String: tb.SubscriptionID, Valid: true}
	}
	var periodEnd sql.NullTime
	if !tb.PeriodEnd.IsZero() {
		periodEnd = sql.NullTime{Time: tb.PeriodEnd, Valid: true}
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE team_billing
		SET customer_id = $1, subscription_id = $2, plan = $3, status = $4,
			period_end = $5, updated_at = $6
		WHERE team_id = $7`,
		customerID, subscriptionID, string(tb.Plan), string(tb.Status),
		periodEnd, tb.UpdatedAt, tb.TeamID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO billing_events (event_id, event_type, processed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrEventProcessed
		}
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEventProcessed
	}
	return nil
}

func (p *PostgresStore) scanRecord(row *sql.Row, notFound error) (*TeamBilling, error) {
	tb := &TeamBilling{}
	var (
		planID, status             string
		customerID, subscriptionID sql.NullString
		periodEnd                  sql.NullTime
	)
	err := row.Scan(&tb.TeamID, &customerID, &subscriptionID, &planID, &status,
		&periodEnd, &tb.CreatedAt, &tb.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, notFound
	}
	if err != nil {
		return nil, err
	}
	tb.Plan = plan.ID(planID)
	tb.Status = Status(status)
	if customerID.Valid {
		tb.CustomerID = customerID.String
	}
	if subscriptionID.Valid {
		tb.SubscriptionID = subscriptionID.String
	}
	if periodEnd.Valid {
		tb.PeriodEnd = periodEnd.Time
	}
	return tb, nil
}

// Migrate creates the billing tables (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS team_billing (
			team_id         TEXT PRIMARY KEY,
			customer_id     TEXT UNIQUE,
			subscription_id TEXT,
			plan            TEXT NOT NULL DEFAULT 'free',
			status          TEXT NOT NULL DEFAULT 'none',
			period_end      TIMESTAMPTZ,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_team_billing_customer ON team_billing(customer_id);

		CREATE TABLE IF NOT EXISTS billing_events (
			event_id     TEXT PRIMARY KEY,
			event_type   TEXT NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

var _ Store = (*PostgresStore)(nil)
