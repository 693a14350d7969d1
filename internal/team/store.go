package team

import (
	"context"

	"github.com/clinscale/clinscale/internal/pagination"
)

// Store persists teams.
type Store interface {
	Create(ctx context.Context, t *Team) error
	Get(ctx context.Context, id string) (*Team, error)
	GetBySlug(ctx context.Context, slug string) (*Team, error)
	// List returns up to limit teams ordered newest first. A non-nil cursor
	// resumes after the (created_at, id) position it encodes.
	List(ctx context.Context, cursor *pagination.Cursor, limit int) ([]*Team, error)
	Update(ctx context.Context, t *Team) error
	Delete(ctx context.Context, id string) error
}
