package core

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return tm
}

func TestNewDeliveryIDFormat(t *testing.T) {
	id := NewDeliveryID()

	parts := strings.Split(id, "_")
	require.Len(t, parts, 3)
	assert.Equal(t, "del", parts[0])

	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	require.NoError(t, err)
	assert.Greater(t, nanos, int64(0))

	assert.NotEmpty(t, parts[2])
	for _, r := range parts[2] {
		assert.Contains(t, base62Alphabet, string(r))
	}
}

func TestNewDeliveryIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewDeliveryID()
		assert.False(t, seen[id], "duplicate delivery id %s", id)
		seen[id] = true
	}
}

func TestBase62(t *testing.T) {
	assert.Equal(t, "0", base62(0))
	assert.Equal(t, "1", base62(1))
	assert.Equal(t, "10", base62(62))
	assert.Equal(t, "z", base62(61))
}

func TestNewIdempotencyKeyUnique(t *testing.T) {
	a := NewIdempotencyKey()
	b := NewIdempotencyKey()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestMaintenanceWindowContains(t *testing.T) {
	w := &MaintenanceWindow{
		StartTime:          mustTime(t, "2026-01-01T00:00:00Z"),
		EndTime:            mustTime(t, "2026-01-01T02:00:00Z"),
		DestinationID:      "d1",
		SuppressAlertTypes: []AlertType{AlertConsecutiveFailures},
	}

	inside := mustTime(t, "2026-01-01T01:00:00Z")
	outside := mustTime(t, "2026-01-01T03:00:00Z")

	assert.True(t, w.Contains(inside, AlertConsecutiveFailures, "d1"))
	assert.False(t, w.Contains(inside, AlertFailureRate, "d1"), "other types stay permitted")
	assert.False(t, w.Contains(inside, AlertConsecutiveFailures, "d2"), "other destinations stay permitted")
	assert.False(t, w.Contains(outside, AlertConsecutiveFailures, "d1"))

	// Org-wide window (no destination) matches any destination.
	w.DestinationID = ""
	assert.True(t, w.Contains(inside, AlertConsecutiveFailures, "d2"))
}
