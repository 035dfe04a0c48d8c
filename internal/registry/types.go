package registry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable wraps backend failures so callers can distinguish "registry
// down" from bad input. Scheduling calls surface it loudly; the dispatch
// poller logs it and skips the cycle.
var ErrUnavailable = errors.New("reminder registry unavailable")

// Kind classifies what a reminder entry is about.
type Kind string

const (
	KindDueReminder  Kind = "due_reminder"
	KindOverdueAlert Kind = "overdue_alert"
	KindDayOfWeek    Kind = "day_of_week_reminder"
)

// Status is the lifecycle state of a reminder entry.
//
//	pending  -> claimed            (poller wins the CAS)
//	claimed  -> sent | failed      (after the transport call)
//	pending  -> cancelled          (task completed/deleted before firing)
//
// Entries are never physically deleted except by retention cleanup.
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusSent      Status = "sent"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Entry is one scheduled notification. IDs are derived deterministically so
// repeated scheduling calls overwrite rather than duplicate; that determinism
// is the registry's core dedup mechanism.
type Entry struct {
	ID                string    `json:"id"`
	TaskID            string    `json:"taskId"`
	UserID            string    `json:"userId"`
	UserEmail         string    `json:"userEmail"`
	Message           string    `json:"message"`
	Kind              Kind      `json:"kind"`
	Status            Status    `json:"status"`
	FireAt            time.Time `json:"fireAt"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
	LastError         string    `json:"lastError,omitempty"`
	ProviderMessageID string    `json:"providerMessageId,omitempty"`
}

// TaskEntryID derives the stable key for a one-off reminder. One pending
// entry per (task, kind) at most.
func TaskEntryID(taskID string, kind Kind) string {
	return fmt.Sprintf("task:%s:%s", taskID, kind)
}

// RoutineEntryID derives the stable key for one weekly occurrence.
func RoutineEntryID(userID, taskID string, date time.Time) string {
	return fmt.Sprintf("routine:%s:%s:%s", userID, taskID, date.Format("2006-01-02"))
}

// Stats are per-status entry counts, exposed on the status endpoint.
type Stats struct {
	Pending   int `json:"pending"`
	Claimed   int `json:"claimed"`
	Sent      int `json:"sent"`
	Cancelled int `json:"cancelled"`
	Failed    int `json:"failed"`
}

// Store is the registry persistence API.
//
// Claim is the only concurrency guard in the system: it must atomically
// transition pending->claimed and report whether the caller won, so that
// overlapping poll ticks (or racing poller instances) cannot both dispatch
// the same entry.
type Store interface {
	Upsert(ctx context.Context, e Entry) error
	Get(ctx context.Context, id string) (Entry, bool, error)
	PendingForTask(ctx context.Context, taskID string) ([]Entry, error)
	CancelPending(ctx context.Context, taskID string) (int, error)
	Due(ctx context.Context, now time.Time, limit int) ([]Entry, error)
	Claim(ctx context.Context, id string) (bool, error)
	MarkSent(ctx context.Context, id, providerMessageID string) error
	MarkFailed(ctx context.Context, id, reason string) error
	Stats(ctx context.Context) (Stats, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}
