package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 8, 12, 9, 15, 0, 0, time.UTC)
	id := "team_01h9xkq3"

	encoded := Encode(ts, id)
	assert.NotEmpty(t, encoded)

	cursor, err := Decode(encoded)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, id, cursor.ID)
}

func TestDecode_EmptyMeansFirstPage(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode("not-base64!!!")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cursor")
}

func TestDecode_MalformedPayload(t *testing.T) {
	// Valid base64 but no | separator
	_, err := Decode("bm9waXBl") // "nopipe"
	assert.Error(t, err)
}

func TestComputePage_NoMore(t *testing.T) {
	teams := []string{"team_a", "team_b", "team_c"}
	page, cursor, hasMore := ComputePage(teams, 5, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Equal(t, 3, len(page))
	assert.Empty(t, cursor)
	assert.False(t, hasMore)
}

func TestComputePage_HasMore(t *testing.T) {
	// A limit+1 fetch came back full: the extra row signals another page.
	teams := []string{"team_a", "team_b", "team_c", "team_d"}
	page, cursor, hasMore := ComputePage(teams, 3, func(s string) (time.Time, string) {
		return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), s
	})
	assert.Equal(t, 3, len(page))
	assert.NotEmpty(t, cursor)
	assert.True(t, hasMore)

	// The cursor points at the last row kept, not the trimmed extra.
	c, err := Decode(cursor)
	require.NoError(t, err)
	assert.Equal(t, "team_c", c.ID)
}

func TestComputePage_ExactLimit(t *testing.T) {
	teams := []string{"team_a", "team_b", "team_c"}
	page, cursor, hasMore := ComputePage(teams, 3, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Equal(t, 3, len(page))
	assert.Empty(t, cursor)
	assert.False(t, hasMore)
}
