package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lunchbox/internal/eventbus"
	"lunchbox/internal/registry"
	"lunchbox/internal/task"
	logx "lunchbox/pkg/logx"
)

// Config centralizes the reminder offsets so they are set in exactly one
// place instead of being scattered per call site.
type Config struct {
	Lead time.Duration // before the due date; default 60m
	Lag  time.Duration // after the due date; default 60m
}

func (c Config) withDefaults() Config {
	if c.Lead <= 0 {
		c.Lead = time.Hour
	}
	if c.Lag <= 0 {
		c.Lag = time.Hour
	}
	return c
}

// ValidationError marks scheduling calls rejected before any registry write.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Engine computes reminder fire times from task due dates and weekly
// recurrence patterns and upserts them into the registry. Deterministic entry
// IDs make every operation idempotent.
type Engine struct {
	cfg   Config
	store registry.Store
	bus   eventbus.Bus
	log   logx.Logger

	now func() time.Time // injectable for tests
}

func New(cfg Config, store registry.Store, bus eventbus.Bus, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:   cfg.withDefaults(),
		store: store,
		bus:   bus,
		log:   log,
		now:   time.Now,
	}
}

// ScheduledEvent is published on the bus for every upserted entry.
type ScheduledEvent struct {
	TaskID  string        `json:"taskId"`
	EntryID string        `json:"entryId"`
	Kind    registry.Kind `json:"kind"`
	FireAt  time.Time     `json:"fireAt"`
}

// CancelledEvent is published when a task's pending entries are cancelled.
type CancelledEvent struct {
	TaskID string `json:"taskId"`
	Count  int    `json:"count"`
}

// ScheduleForTask writes reminder entries for t.
//
// A task with a due date gets a due_reminder at dueDate-lead and an
// overdue_alert at dueDate+lag. Fire times already in the past are still
// written; the poller picks them up on its next tick (better late than
// silent). A weekly task gets one day_of_week_reminder per upcoming
// occurrence. A weekly task without a time-of-day is a no-op. A completed
// task is never scheduled; its pending entries are cancelled instead.
func (e *Engine) ScheduleForTask(ctx context.Context, t task.Task) error {
	if err := validate(t); err != nil {
		return err
	}
	if t.Completed {
		return e.CancelForTask(ctx, t.ID)
	}

	if t.HasDueDate() {
		if err := e.scheduleDue(ctx, t); err != nil {
			return err
		}
	}
	if t.HasWeeklyPattern() {
		if err := e.scheduleWeekly(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// CancelForTask flips every pending entry for the task to cancelled.
// Calling it twice is a no-op the second time.
func (e *Engine) CancelForTask(ctx context.Context, taskID string) error {
	if strings.TrimSpace(taskID) == "" {
		return &ValidationError{Reason: "task id is required"}
	}
	n, err := e.store.CancelPending(ctx, taskID)
	if err != nil {
		return err
	}
	if n > 0 {
		e.log.Info("reminders cancelled", logx.String("task", taskID), logx.Int("count", n))
		e.publish("reminder.cancelled", CancelledEvent{TaskID: taskID, Count: n})
	}
	return nil
}

// SmartUpdate reschedules only when a due-relevant field actually changed,
// so unrelated edits (text, tags) cause zero registry writes.
func (e *Engine) SmartUpdate(ctx context.Context, taskID string, oldTask, newTask task.Task) error {
	if strings.TrimSpace(taskID) == "" {
		return &ValidationError{Reason: "task id is required"}
	}
	if task.DueFieldsEqual(oldTask, newTask) && oldTask.Completed == newTask.Completed {
		e.log.Debug("smart update: no due-relevant change", logx.String("task", taskID))
		return nil
	}
	if err := e.CancelForTask(ctx, taskID); err != nil {
		return err
	}
	return e.ScheduleForTask(ctx, newTask)
}

func (e *Engine) scheduleDue(ctx context.Context, t task.Task) error {
	due := t.DueDate.In(t.Location())

	entries := []registry.Entry{
		{
			ID:      registry.TaskEntryID(t.ID, registry.KindDueReminder),
			Kind:    registry.KindDueReminder,
			FireAt:  due.Add(-e.cfg.Lead),
			Message: fmt.Sprintf("%q is due at %s.", t.Text, due.Format("Mon, 02 Jan 2006 15:04")),
		},
		{
			ID:      registry.TaskEntryID(t.ID, registry.KindOverdueAlert),
			Kind:    registry.KindOverdueAlert,
			FireAt:  due.Add(e.cfg.Lag),
			Message: fmt.Sprintf("%q was due at %s and is still open.", t.Text, due.Format("Mon, 02 Jan 2006 15:04")),
		},
	}
	for _, entry := range entries {
		entry.TaskID = t.ID
		entry.UserID = t.UserID
		entry.UserEmail = t.UserEmail
		entry.Status = registry.StatusPending
		if err := e.store.Upsert(ctx, entry); err != nil {
			return err
		}
		e.publish("reminder.scheduled", ScheduledEvent{TaskID: t.ID, EntryID: entry.ID, Kind: entry.Kind, FireAt: entry.FireAt})
	}
	e.log.Info("due reminders scheduled",
		logx.String("task", t.ID),
		logx.Time("due", due),
		logx.Duration("lead", e.cfg.Lead),
		logx.Duration("lag", e.cfg.Lag))
	return nil
}

func (e *Engine) scheduleWeekly(ctx context.Context, t task.Task) error {
	occurrences, err := weeklyOccurrences(t, e.now())
	if err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	for _, occ := range occurrences {
		entry := registry.Entry{
			ID:        registry.RoutineEntryID(t.UserID, t.ID, occ),
			TaskID:    t.ID,
			UserID:    t.UserID,
			UserEmail: t.UserEmail,
			Kind:      registry.KindDayOfWeek,
			Status:    registry.StatusPending,
			FireAt:    occ,
			Message:   fmt.Sprintf("%q is on your plan for %s.", t.Text, occ.Format("Monday, 02 Jan")),
		}
		if err := e.store.Upsert(ctx, entry); err != nil {
			return err
		}
		e.publish("reminder.scheduled", ScheduledEvent{TaskID: t.ID, EntryID: entry.ID, Kind: entry.Kind, FireAt: entry.FireAt})
	}
	e.log.Info("weekly reminders scheduled", logx.String("task", t.ID), logx.Int("occurrences", len(occurrences)))
	return nil
}

func (e *Engine) publish(typ string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func validate(t task.Task) error {
	if strings.TrimSpace(t.ID) == "" {
		return &ValidationError{Reason: "task id is required"}
	}
	if strings.TrimSpace(t.UserID) == "" {
		return &ValidationError{Reason: "user id is required"}
	}
	if (t.HasDueDate() || t.HasWeeklyPattern()) && !t.Completed && strings.TrimSpace(t.UserEmail) == "" {
		return &ValidationError{Reason: "user email is required to schedule reminders"}
	}
	return nil
}
