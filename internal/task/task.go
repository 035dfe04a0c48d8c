package task

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Task is the read-only view of a task record as the task store hands it to
// the notification core. The core never mutates tasks; it only reacts to
// their due-date and weekly-availability fields.
type Task struct {
	ID                string     `json:"id"`
	UserID            string     `json:"userId"`
	UserEmail         string     `json:"userEmail"`
	Text              string     `json:"text"`
	DueDate           *time.Time `json:"dueDate,omitempty"`
	AvailableDays     []string   `json:"availableDays,omitempty"`
	AvailableDaysTime string     `json:"availableDaysTime,omitempty"` // "HH:MM", empty = all day
	RepeatWeeks       int        `json:"repeatWeeks,omitempty"`
	RepeatStartDate   *time.Time `json:"repeatStartDate,omitempty"`
	Timezone          string     `json:"timezone,omitempty"` // IANA TZ, e.g. "America/New_York"
	Completed         bool       `json:"completed"`
}

// HasDueDate reports whether the task carries a one-off due date.
func (t Task) HasDueDate() bool { return t.DueDate != nil && !t.DueDate.IsZero() }

// HasWeeklyPattern reports whether the task carries a weekly recurrence that
// can produce reminders. A day-of-week task without a time component is
// "available all day" and has nothing to remind about.
func (t Task) HasWeeklyPattern() bool {
	return len(t.AvailableDays) > 0 && strings.TrimSpace(t.AvailableDaysTime) != ""
}

// Location resolves the task's timezone, falling back to the process-local
// zone when unset or invalid.
func (t Task) Location() *time.Location {
	tz := strings.TrimSpace(t.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

// Weekdays parses AvailableDays into time.Weekday values, deduplicated and
// in stable Sunday-first order.
func (t Task) Weekdays() ([]time.Weekday, error) {
	if len(t.AvailableDays) == 0 {
		return nil, nil
	}
	seen := map[time.Weekday]bool{}
	for _, raw := range t.AvailableDays {
		wd, err := ParseWeekday(raw)
		if err != nil {
			return nil, err
		}
		seen[wd] = true
	}
	out := make([]time.Weekday, 0, len(seen))
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if seen[wd] {
			out = append(out, wd)
		}
	}
	return out, nil
}

// ParseWeekday accepts full names and three-letter abbreviations, case
// insensitive ("monday", "Mon", "MON").
func ParseWeekday(s string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sunday", "sun":
		return time.Sunday, nil
	case "monday", "mon":
		return time.Monday, nil
	case "tuesday", "tue", "tues":
		return time.Tuesday, nil
	case "wednesday", "wed":
		return time.Wednesday, nil
	case "thursday", "thu", "thur", "thurs":
		return time.Thursday, nil
	case "friday", "fri":
		return time.Friday, nil
	case "saturday", "sat":
		return time.Saturday, nil
	default:
		return time.Sunday, fmt.Errorf("invalid weekday %q", s)
	}
}

// ParseHHMM parses a "HH:MM" time-of-day string.
func ParseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// DueFieldsEqual compares the fields that drive reminder scheduling. Edits
// that leave all of them untouched must not cause any registry churn.
func DueFieldsEqual(a, b Task) bool {
	if !timePtrEqual(a.DueDate, b.DueDate) {
		return false
	}
	if !timePtrEqual(a.RepeatStartDate, b.RepeatStartDate) {
		return false
	}
	if a.AvailableDaysTime != b.AvailableDaysTime {
		return false
	}
	if a.RepeatWeeks != b.RepeatWeeks {
		return false
	}
	if a.Timezone != b.Timezone {
		return false
	}
	if len(a.AvailableDays) != len(b.AvailableDays) {
		return false
	}
	for i := range a.AvailableDays {
		if !strings.EqualFold(strings.TrimSpace(a.AvailableDays[i]), strings.TrimSpace(b.AvailableDays[i])) {
			return false
		}
	}
	return true
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
