// Package pagination implements opaque keyset cursors for list endpoints.
//
// Listings are ordered by (created_at, id) descending; a cursor encodes the
// position after the last row of a page so the next request resumes there
// instead of re-scanning with OFFSET.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor is a decoded position in a (created_at, id) ordered listing.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns the opaque form handed to clients as next_cursor.
func Encode(createdAt time.Time, id string) string {
	raw := fmt.Sprintf("%d|%s", createdAt.UnixNano(), id)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a client-supplied cursor. Empty input means the first page
// and decodes to nil. Any malformed input yields the same generic error;
// the encoding is opaque and clients get no parsing feedback.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid cursor")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	return &Cursor{
		CreatedAt: time.Unix(0, nanos).UTC(),
		ID:        parts[1],
	}, nil
}

// ComputePage trims a limit+1 fetch down to one page. extractKey pulls the
// (created_at, id) ordering key from the last kept row for the next cursor.
// Returns the page, the next cursor, and whether more rows exist.
func ComputePage[T any](items []T, limit int, extractKey func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	last := items[len(items)-1]
	createdAt, id := extractKey(last)
	return items, Encode(createdAt, id), true
}
