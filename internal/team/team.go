// Package team manages the organizations that subscribe to the platform.
// A team is the unit of billing: plans, quotas, and entitlements all hang
// off a team id.
package team

import (
	"errors"
	"regexp"
	"time"
)

var (
	// ErrNotFound is returned when no team matches the given id or slug.
	ErrNotFound = errors.New("team not found")
	// ErrSlugTaken is returned when creating a team with a slug already in use.
	ErrSlugTaken = errors.New("team slug already taken")
)

// Team is a billable organization.
type Team struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}[a-z0-9]$`)

// ValidSlug reports whether s is a usable team slug: lowercase alphanumerics
// and hyphens, 3-64 characters, no leading or trailing hyphen.
func ValidSlug(s string) bool {
	return slugPattern.MatchString(s)
}
