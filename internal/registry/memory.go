package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memStore is the in-process backend. It mirrors the sqlite semantics,
// including the pending->claimed compare-and-swap, so tests exercise the
// same lifecycle the durable backend enforces.
type memStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemory returns an empty in-memory registry store.
func NewMemory() Store {
	return &memStore{entries: map[string]Entry{}}
}

func (s *memStore) Close() error { return nil }

func (s *memStore) Upsert(_ context.Context, e Entry) error {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.entries[e.ID]; ok {
		e.CreatedAt = prev.CreatedAt
	} else if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.Status == "" {
		e.Status = StatusPending
	}
	e.LastError = ""
	e.ProviderMessageID = ""
	s.entries[e.ID] = e
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok, nil
}

func (s *memStore) PendingForTask(_ context.Context, taskID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if e.TaskID == taskID && e.Status == StatusPending {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out, nil
}

func (s *memStore) CancelPending(_ context.Context, taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.entries {
		if e.TaskID == taskID && e.Status == StatusPending {
			e.Status = StatusCancelled
			e.UpdatedAt = time.Now()
			s.entries[id] = e
			n++
		}
	}
	return n, nil
}

func (s *memStore) Due(_ context.Context, now time.Time, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if e.Status == StatusPending && !e.FireAt.After(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) Claim(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.Status != StatusPending {
		return false, nil
	}
	e.Status = StatusClaimed
	e.UpdatedAt = time.Now()
	s.entries[id] = e
	return true, nil
}

func (s *memStore) MarkSent(_ context.Context, id, providerMessageID string) error {
	return s.finish(id, StatusSent, "", providerMessageID)
}

func (s *memStore) MarkFailed(_ context.Context, id, reason string) error {
	return s.finish(id, StatusFailed, reason, "")
}

func (s *memStore) finish(id string, status Status, reason, providerMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.Status != StatusClaimed {
		return fmt.Errorf("mark %s: entry %s is not claimed", status, id)
	}
	e.Status = status
	e.LastError = reason
	e.ProviderMessageID = providerMessageID
	e.UpdatedAt = time.Now()
	s.entries[id] = e
	return nil
}

func (s *memStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for _, e := range s.entries {
		switch e.Status {
		case StatusPending:
			st.Pending++
		case StatusClaimed:
			st.Claimed++
		case StatusSent:
			st.Sent++
		case StatusCancelled:
			st.Cancelled++
		case StatusFailed:
			st.Failed++
		}
	}
	return st, nil
}

func (s *memStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.entries {
		switch e.Status {
		case StatusSent, StatusCancelled, StatusFailed:
			if e.UpdatedAt.Before(cutoff) {
				delete(s.entries, id)
				n++
			}
		}
	}
	return n, nil
}
