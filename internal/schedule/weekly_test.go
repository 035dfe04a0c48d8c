package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lunchbox/internal/task"
)

func TestNextWeekdayAt(t *testing.T) {
	// Monday 2026-08-31 10:30 UTC.
	anchor := time.Date(2026, 8, 31, 10, 30, 0, 0, time.UTC)

	// Same weekday, later time: today.
	got := nextWeekdayAt(anchor, time.Monday, 12, 0)
	assert.True(t, got.Equal(time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)))

	// Same weekday, earlier time: next week.
	got = nextWeekdayAt(anchor, time.Monday, 9, 0)
	assert.True(t, got.Equal(time.Date(2026, 9, 7, 9, 0, 0, 0, time.UTC)))

	// Different weekday later in the week.
	got = nextWeekdayAt(anchor, time.Friday, 9, 0)
	assert.True(t, got.Equal(time.Date(2026, 9, 4, 9, 0, 0, 0, time.UTC)))
}

func TestWeeklyOccurrencesRepeats(t *testing.T) {
	now := time.Date(2026, 8, 31, 8, 0, 0, 0, time.UTC) // Monday
	wt := task.Task{
		AvailableDays:     []string{"mon", "wed"},
		AvailableDaysTime: "09:00",
		RepeatWeeks:       3,
		Timezone:          "UTC",
	}
	occ, err := weeklyOccurrences(wt, now)
	require.NoError(t, err)
	require.Len(t, occ, 6)

	// Sorted ascending, starting with Monday 09:00 today.
	assert.True(t, occ[0].Equal(time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)))
	assert.True(t, occ[1].Equal(time.Date(2026, 9, 2, 9, 0, 0, 0, time.UTC)))
	for i := 1; i < len(occ); i++ {
		assert.True(t, occ[i-1].Before(occ[i]))
	}
}

func TestWeeklyOccurrencesRespectsRepeatStartDate(t *testing.T) {
	now := time.Date(2026, 8, 31, 8, 0, 0, 0, time.UTC) // Monday
	start := time.Date(2026, 9, 14, 0, 0, 0, 0, time.UTC)
	wt := task.Task{
		AvailableDays:     []string{"mon"},
		AvailableDaysTime: "09:00",
		RepeatStartDate:   &start,
		Timezone:          "UTC",
	}
	occ, err := weeklyOccurrences(wt, now)
	require.NoError(t, err)
	require.Len(t, occ, 1)
	assert.True(t, occ[0].Equal(time.Date(2026, 9, 14, 9, 0, 0, 0, time.UTC)))
}

func TestWeeklyOccurrencesUsesTaskTimezone(t *testing.T) {
	now := time.Date(2026, 8, 31, 8, 0, 0, 0, time.UTC)
	wt := task.Task{
		AvailableDays:     []string{"tue"},
		AvailableDaysTime: "09:00",
		Timezone:          "America/New_York",
	}
	occ, err := weeklyOccurrences(wt, now)
	require.NoError(t, err)
	require.Len(t, occ, 1)

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	local := occ[0].In(loc)
	assert.Equal(t, time.Tuesday, local.Weekday())
	assert.Equal(t, 9, local.Hour())
	assert.Equal(t, 0, local.Minute())
}

func TestWeeklyOccurrencesBadInput(t *testing.T) {
	now := time.Date(2026, 8, 31, 8, 0, 0, 0, time.UTC)

	_, err := weeklyOccurrences(task.Task{
		AvailableDays:     []string{"noday"},
		AvailableDaysTime: "09:00",
	}, now)
	require.Error(t, err)

	_, err = weeklyOccurrences(task.Task{
		AvailableDays:     []string{"mon"},
		AvailableDaysTime: "25:00",
	}, now)
	require.Error(t, err)
}
