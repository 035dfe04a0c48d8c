package schedule

import (
	"sort"
	"time"

	"lunchbox/internal/task"
)

// weeklyOccurrences expands a weekly recurrence pattern into concrete fire
// times in the task's timezone.
//
// For each selected weekday the first occurrence is the next one at
// HH:MM at-or-after the anchor (now, or repeatStartDate if later); further
// occurrences repeat weekly for repeatWeeks weeks (default 1).
func weeklyOccurrences(t task.Task, now time.Time) ([]time.Time, error) {
	days, err := t.Weekdays()
	if err != nil {
		return nil, err
	}
	if len(days) == 0 {
		return nil, nil
	}
	hour, minute, err := task.ParseHHMM(t.AvailableDaysTime)
	if err != nil {
		return nil, err
	}

	loc := t.Location()
	anchor := now.In(loc)
	if t.RepeatStartDate != nil && t.RepeatStartDate.After(now) {
		anchor = t.RepeatStartDate.In(loc)
	}

	weeks := t.RepeatWeeks
	if weeks <= 0 {
		weeks = 1
	}

	out := make([]time.Time, 0, len(days)*weeks)
	for _, wd := range days {
		first := nextWeekdayAt(anchor, wd, hour, minute)
		for w := 0; w < weeks; w++ {
			// Rebuild from date components so DST transitions keep the
			// wall-clock time rather than shifting it.
			d := first.AddDate(0, 0, 7*w)
			out = append(out, time.Date(d.Year(), d.Month(), d.Day(), hour, minute, 0, 0, loc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// nextWeekdayAt returns the first wd at hour:minute at-or-after anchor.
func nextWeekdayAt(anchor time.Time, wd time.Weekday, hour, minute int) time.Time {
	daysAhead := (int(wd) - int(anchor.Weekday()) + 7) % 7
	candidate := time.Date(anchor.Year(), anchor.Month(), anchor.Day()+daysAhead, hour, minute, 0, 0, anchor.Location())
	if candidate.Before(anchor) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate
}
