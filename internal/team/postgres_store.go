package team

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/clinscale/clinscale/internal/idgen"
	"github.com/clinscale/clinscale/internal/pagination"
)

// PostgresStore persists teams in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed team store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, t *Team) error {
	if t.ID == "" {
		t.ID = idgen.WithPrefix("team_")
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO teams (id, name, slug, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.Name, t.Slug, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrSlugTaken
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Team, error) {
	return p.scanTeam(p.db.QueryRowContext(ctx, `
		SELECT id, name, slug, created_at, updated_at
		FROM teams WHERE id = $1`, id))
}

func (p *PostgresStore) GetBySlug(ctx context.Context, slug string) (*Team, error) {
	return p.scanTeam(p.db.QueryRowContext(ctx, `
		SELECT id, name, slug, created_at, updated_at
		FROM teams WHERE slug = $1`, slug))
}

func (p *PostgresStore) List(ctx context.Context, cursor *pagination.Cursor, limit int) ([]*Team, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cursor == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, name, slug, created_at, updated_at
			FROM teams ORDER BY created_at DESC, id DESC
			LIMIT $1`, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, name, slug, created_at, updated_at
			FROM teams
			WHERE (created_at, id) < ($1, $2)
			ORDER BY created_at DESC, id DESC
			LIMIT $3`, cursor.CreatedAt, cursor.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	teams := []*Team{}
	for rows.Next() {
		t := &Team{}
		if err := rows.Scan(&t.ID, &t.Name, &t.Slug, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, t *Team) error {
	t.UpdatedAt = time.Now().UTC()
	result, err := p.db.ExecContext(ctx, `
		UPDATE teams SET name = $1, slug = $2, updated_at = $3
		WHERE id = $4`,
		t.Name, t.Slug, t.UpdatedAt, t.ID,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrSlugTaken
		}
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

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM teams WHERE id = $1`, id)
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

func (p *PostgresStore) scanTeam(row *sql.Row) (*Team, error) {
	t := &Team{}
	err := row.Scan(&t.ID, &t.Name, &t.Slug, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Migrate creates the teams table (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS teams (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			slug       TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_teams_slug ON teams(slug);
	`)
	return err
}

var _ Store = (*PostgresStore)(nil)
