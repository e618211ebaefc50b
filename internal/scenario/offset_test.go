package scenario

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOffsetLiteralSemantics(t *testing.T) {
	tests := []struct {
		expr      string
		want      time.Duration
		hasClock  bool
		immediate bool
	}{
		{"3", 3 * 24 * time.Hour, false, false},
		{"-2", -2 * 24 * time.Hour, false, false},
		{"+1", 24 * time.Hour, false, false},
		{"2 10:00", 2*24*time.Hour + 10*time.Hour, true, false},
		{"0 9:05", 9*time.Hour + 5*time.Minute, true, false},
		{"0", 0, false, true},
		{"  5  ", 5 * 24 * time.Hour, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			off, err := ParseOffset(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, off.Duration())
			assert.Equal(t, tt.hasClock, off.HasClock)
			assert.Equal(t, tt.immediate, off.Immediate)
		})
	}
}

func TestParseOffsetMalformed(t *testing.T) {
	for _, expr := range []string{"", "abc", "2 25:00", "2 10", "2 10:7", "1 2 3", "x 10:00", "1 10:60"} {
		t.Run(expr, func(t *testing.T) {
			_, err := ParseOffset(expr)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrParseFailure), "got %v", err)
		})
	}
}

func TestSendAtWithClockShiftsDateAndReplacesTime(t *testing.T) {
	event := time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)
	off, err := ParseOffset("2 10:00")
	require.NoError(t, err)

	got := off.SendAt(event, time.Now(), DefaultBareUnit)
	assert.Equal(t, time.Date(2024, 1, 12, 10, 0, 0, 0, time.UTC), got)

	off, err = ParseOffset("-1 18:30")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 9, 18, 30, 0, 0, time.UTC), off.SendAt(event, time.Now(), DefaultBareUnit))
}

func TestSendAtImmediate(t *testing.T) {
	off, err := ParseOffset("0")
	require.NoError(t, err)
	now := time.Now()
	got := off.SendAt(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), now, DefaultBareUnit)
	assert.False(t, got.Before(now.Add(5*time.Second)))
	assert.False(t, got.After(now.Add(10*time.Second)))
}

// Bare counts sort as days but schedule in the configured unit (hours by default).
func TestSendAtBareCountUsesSchedulingUnit(t *testing.T) {
	event := time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)
	off, err := ParseOffset("3")
	require.NoError(t, err)

	assert.Equal(t, 72*time.Hour, off.Duration())
	assert.Equal(t, event.Add(3*time.Hour), off.SendAt(event, time.Now(), DefaultBareUnit))
	assert.Equal(t, event.Add(3*time.Hour), off.SendAt(event, time.Now(), 0))
	assert.Equal(t, event.AddDate(0, 0, 3), off.SendAt(event, time.Now(), 24*time.Hour))

	off, err = ParseOffset("-24")
	require.NoError(t, err)
	assert.Equal(t, event.Add(-24*time.Hour), off.SendAt(event, time.Now(), DefaultBareUnit))
}

func TestSortKeyTreatsGarbageAsZero(t *testing.T) {
	assert.Equal(t, time.Duration(0), SortKey("soon"))
	assert.Equal(t, 48*time.Hour, SortKey("2"))
}
