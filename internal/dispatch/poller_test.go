package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lunchbox/internal/registry"
	logx "lunchbox/pkg/logx"
)

type fakeSender struct {
	mu       sync.Mutex
	sent     []string
	err      error
	panicked bool
	panicOn  string // entry id that panics once
	delay    time.Duration
}

func (f *fakeSender) Send(ctx context.Context, e registry.Entry) (string, error) {
	f.mu.Lock()
	shouldPanic := f.panicOn == e.ID && !f.panicked
	if shouldPanic {
		f.panicked = true
	}
	err := f.err
	delay := f.delay
	f.mu.Unlock()

	if shouldPanic {
		panic("sender exploded")
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	f.sent = append(f.sent, e.ID)
	id := fmt.Sprintf("msg-%d", len(f.sent))
	f.mu.Unlock()
	return id, nil
}

func (f *fakeSender) sentIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type failingStore struct {
	registry.Store
}

func (f *failingStore) Due(ctx context.Context, now time.Time, limit int) ([]registry.Entry, error) {
	return nil, fmt.Errorf("%w: connection refused", registry.ErrUnavailable)
}

func entry(id, taskID string, kind registry.Kind, fireAt time.Time) registry.Entry {
	return registry.Entry{
		ID:        id,
		TaskID:    taskID,
		UserID:    "u1",
		UserEmail: "user@example.com",
		Message:   "hello",
		Kind:      kind,
		Status:    registry.StatusPending,
		FireAt:    fireAt,
	}
}

func newTestPoller(store registry.Store, sender Sender, now time.Time) *Poller {
	p := New(Config{
		Interval:         10 * time.Millisecond,
		WatchdogInterval: 15 * time.Millisecond,
		RatePerSec:       1000,
	}, store, sender, nil, logx.Nop())
	if !now.IsZero() {
		p.now = func() time.Time { return now }
	}
	return p
}

func TestImmediateCheckDispatchesOnlyRipeEntries(t *testing.T) {
	ctx := context.Background()
	store := registry.NewMemory()
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Upsert(ctx, entry("due", "t1", registry.KindDueReminder, now.Add(-time.Minute))))
	require.NoError(t, store.Upsert(ctx, entry("future", "t2", registry.KindDueReminder, now.Add(time.Hour))))

	sender := &fakeSender{}
	p := newTestPoller(store, sender, now)

	require.NoError(t, p.RunImmediateCheck(ctx))
	assert.Equal(t, []string{"due"}, sender.sentIDs())

	got, ok, err := store.Get(ctx, "due")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, registry.StatusSent, got.Status)
	assert.NotEmpty(t, got.ProviderMessageID)

	untouched, _, err := store.Get(ctx, "future")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusPending, untouched.Status)
}

func TestLeadLagScenario(t *testing.T) {
	// Task due at T0 with lead=lag=60m: due_reminder at T0-60m,
	// overdue_alert at T0+60m; each fires exactly at its window.
	ctx := context.Background()
	store := registry.NewMemory()
	t0 := time.Date(2026, 8, 31, 18, 0, 0, 0, time.UTC)

	require.NoError(t, store.Upsert(ctx, entry(
		registry.TaskEntryID("t1", registry.KindDueReminder), "t1",
		registry.KindDueReminder, t0.Add(-time.Hour))))
	require.NoError(t, store.Upsert(ctx, entry(
		registry.TaskEntryID("t1", registry.KindOverdueAlert), "t1",
		registry.KindOverdueAlert, t0.Add(time.Hour))))

	sender := &fakeSender{}
	p := newTestPoller(store, sender, t0.Add(-time.Hour))

	require.NoError(t, p.RunImmediateCheck(ctx))
	assert.Equal(t, []string{"task:t1:due_reminder"}, sender.sentIDs())

	p.now = func() time.Time { return t0.Add(time.Hour) }
	require.NoError(t, p.RunImmediateCheck(ctx))
	assert.Equal(t, []string{"task:t1:due_reminder", "task:t1:overdue_alert"}, sender.sentIDs())
}

func TestCancelledEntriesAreNotDispatched(t *testing.T) {
	ctx := context.Background()
	store := registry.NewMemory()
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Upsert(ctx, entry("e1", "t1", registry.KindDueReminder, now.Add(-time.Minute))))
	_, err := store.CancelPending(ctx, "t1")
	require.NoError(t, err)

	sender := &fakeSender{}
	p := newTestPoller(store, sender, now)
	require.NoError(t, p.RunImmediateCheck(ctx))
	assert.Empty(t, sender.sentIDs())
}

func TestFailedEntriesAreNotRetried(t *testing.T) {
	ctx := context.Background()
	store := registry.NewMemory()
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Upsert(ctx, entry("e1", "t1", registry.KindDueReminder, now.Add(-time.Minute))))

	sender := &fakeSender{err: errors.New("delivery rejected: mailbox full")}
	p := newTestPoller(store, sender, now)
	require.NoError(t, p.RunImmediateCheck(ctx))

	got, _, err := store.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "mailbox full")

	// Sender recovers, but a failed entry stays failed.
	sender.mu.Lock()
	sender.err = nil
	sender.mu.Unlock()
	require.NoError(t, p.RunImmediateCheck(ctx))
	assert.Empty(t, sender.sentIDs())
}

func TestConcurrentChecksSendOnce(t *testing.T) {
	ctx := context.Background()
	store := registry.NewMemory()
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Upsert(ctx, entry("e1", "t1", registry.KindDueReminder, now.Add(-time.Minute))))

	sender := &fakeSender{delay: 20 * time.Millisecond}
	p := newTestPoller(store, sender, now)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.RunImmediateCheck(ctx)
		}()
	}
	wg.Wait()

	assert.Len(t, sender.sentIDs(), 1, "claim CAS must prevent double dispatch")
}

func TestImmediateCheckPropagatesRegistryError(t *testing.T) {
	store := &failingStore{Store: registry.NewMemory()}
	p := newTestPoller(store, &fakeSender{}, time.Now())

	err := p.RunImmediateCheck(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, registry.ErrUnavailable))
}

func TestStartIsIdempotentAndStopHalts(t *testing.T) {
	store := registry.NewMemory()
	sender := &fakeSender{}
	p := newTestPoller(store, sender, time.Time{})

	ctx := context.Background()
	p.Start(ctx)
	p.Start(ctx) // no-op

	require.Eventually(t, p.Running, time.Second, 5*time.Millisecond)
	st := p.StatusNow()
	assert.True(t, st.Running)
	assert.Equal(t, int64(10), st.IntervalMs)

	p.Stop()
	assert.False(t, p.Running())
	p.Stop() // no-op
}

func TestPollLoopDispatchesAndWatchdogHeals(t *testing.T) {
	ctx := context.Background()
	store := registry.NewMemory()
	now := time.Now()

	require.NoError(t, store.Upsert(ctx, entry("boom", "t1", registry.KindDueReminder, now.Add(-time.Minute))))
	require.NoError(t, store.Upsert(ctx, entry("ok", "t2", registry.KindDueReminder, now.Add(-time.Minute))))

	// First dispatch of "boom" panics, killing the poll loop mid-tick. The
	// watchdog must notice and bring the loop back; the remaining entry is
	// then dispatched by the revived loop.
	sender := &fakeSender{panicOn: "boom"}
	p := newTestPoller(store, sender, time.Time{})

	p.Start(ctx)
	defer p.Stop()

	require.Eventually(t, func() bool {
		ids := sender.sentIDs()
		return len(ids) == 1 && ids[0] == "ok"
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, p.Running, 2*time.Second, 10*time.Millisecond)
}
