package dispatch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"lunchbox/internal/eventbus"
	"lunchbox/internal/registry"
	logx "lunchbox/pkg/logx"
)

// Config tunes the poll loop.
type Config struct {
	Interval         time.Duration // poll period; default 1m
	WatchdogInterval time.Duration // self-heal check period; default 30s
	BatchLimit       int           // max entries per tick; default 100
	SendTimeout      time.Duration // per-send bound; default 10s
	RatePerSec       int           // outbound rate toward the transport; default 3
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 30 * time.Second
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 100
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	return c
}

// Sender delivers one claimed entry and returns the provider message id.
type Sender interface {
	Send(ctx context.Context, e registry.Entry) (string, error)
}

// Status is the poller's externally visible state.
type Status struct {
	Running    bool  `json:"running"`
	IntervalMs int64 `json:"intervalMs"`
}

// DispatchEvent is published on the bus after each send attempt.
type DispatchEvent struct {
	EntryID  string        `json:"entryId"`
	TaskID   string        `json:"taskId"`
	Kind     registry.Kind `json:"kind"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Poller scans the registry on a fixed period and dispatches due pending
// entries. It is an explicit handle constructed once at process start; there
// is no package-level state and no start-on-import side effect.
//
// A watchdog goroutine relaunches the poll loop if it ever dies without
// Stop() having been called (e.g. a panic in a tick).
type Poller struct {
	mu  sync.Mutex
	cfg Config

	store  registry.Store
	sender Sender
	bus    eventbus.Bus
	log    logx.Logger

	limiter *rate.Limiter
	now     func() time.Time // injectable for tests

	wantRunning bool // operator intent: Start() called, Stop() not yet
	loopAlive   bool // poll loop goroutine is actually running

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, store registry.Store, sender Sender, bus eventbus.Bus, log logx.Logger) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Poller{
		cfg:     cfg,
		store:   store,
		sender:  sender,
		bus:     bus,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		now:     time.Now,
	}
}

// Start launches the poll loop and its watchdog. It is idempotent: calling
// it while running is a no-op.
func (p *Poller) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.wantRunning {
		p.mu.Unlock()
		return
	}
	p.wantRunning = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	runCtx := p.ctx
	p.mu.Unlock()

	p.launchLoop(runCtx)

	p.wg.Add(1)
	go p.watchdog(runCtx)

	p.log.Info("dispatch poller started",
		logx.Duration("interval", p.cfg.Interval),
		logx.Duration("watchdog", p.cfg.WatchdogInterval))
	p.publish("poller.started", p.StatusNow())
}

// Stop halts the loop and the watchdog and waits for both to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.wantRunning {
		p.mu.Unlock()
		return
	}
	p.wantRunning = false
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	p.log.Info("dispatch poller stopped")
	p.publish("poller.stopped", p.StatusNow())
}

// Running reports whether the poll loop is alive.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loopAlive
}

// StatusNow returns the current externally visible state.
func (p *Poller) StatusNow() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{Running: p.loopAlive, IntervalMs: p.cfg.Interval.Milliseconds()}
}

// RunImmediateCheck performs one scan outside the regular cadence. Unlike
// the background loop it propagates a registry failure to the caller; send
// failures are still recorded per entry, not returned.
func (p *Poller) RunImmediateCheck(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return p.tick(ctx)
}

func (p *Poller) launchLoop(ctx context.Context) {
	p.mu.Lock()
	if p.loopAlive {
		p.mu.Unlock()
		return
	}
	p.loopAlive = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.pollLoop(ctx)
}

func (p *Poller) pollLoop(ctx context.Context) {
	defer p.wg.Done()
	defer func() {
		// A panicking tick must not leave the flag set, otherwise the
		// watchdog cannot tell the loop died.
		if r := recover(); r != nil {
			p.log.Error("poll loop panicked", logx.Any("panic", r))
		}
		p.mu.Lock()
		p.loopAlive = false
		p.mu.Unlock()
	}()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.tick(ctx); err != nil {
				// Background path: log and skip this cycle, never crash.
				p.log.Warn("poll tick skipped", logx.Err(err))
			}
		}
	}
}

func (p *Poller) watchdog(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			dead := p.wantRunning && !p.loopAlive
			p.mu.Unlock()
			if dead {
				p.log.Warn("poll loop found dead, restarting")
				p.launchLoop(ctx)
				p.publish("poller.healed", p.StatusNow())
			}
		}
	}
}

// tick scans for due pending entries and dispatches them sequentially. The
// Claim compare-and-swap is the only guard against overlapping ticks or a
// second poller instance double-sending an entry.
func (p *Poller) tick(ctx context.Context) error {
	now := p.now()
	due, err := p.store.Due(ctx, now, p.cfg.BatchLimit)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}
	p.log.Debug("dispatching due reminders", logx.Int("count", len(due)))

	for _, entry := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		claimed, err := p.store.Claim(ctx, entry.ID)
		if err != nil {
			p.log.Warn("claim failed", logx.String("entry", entry.ID), logx.Err(err))
			continue
		}
		if !claimed {
			// Someone else won the entry (overlapping tick or a cancel
			// that landed first). Nothing to do.
			continue
		}
		p.dispatchOne(ctx, entry)
	}
	return nil
}

func (p *Poller) dispatchOne(ctx context.Context, entry registry.Entry) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			// Shutting down mid-tick: put the claim back would need a
			// reverse CAS; marking failed keeps the record honest.
			_ = p.store.MarkFailed(ctx, entry.ID, "dispatch aborted: "+err.Error())
			return
		}
	}

	start := p.now()
	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	msgID, err := p.sender.Send(sendCtx, entry)
	cancel()
	took := p.now().Sub(start)

	ev := DispatchEvent{EntryID: entry.ID, TaskID: entry.TaskID, Kind: entry.Kind, Duration: took}
	if err != nil {
		// Failed entries are terminal: a future tick only re-attempts
		// pending entries, never failed ones.
		if merr := p.store.MarkFailed(ctx, entry.ID, err.Error()); merr != nil {
			p.log.Error("mark failed errored", logx.String("entry", entry.ID), logx.Err(merr))
		}
		p.log.Warn("reminder dispatch failed",
			logx.String("entry", entry.ID),
			logx.String("kind", string(entry.Kind)),
			logx.Err(err))
		ev.Error = err.Error()
		p.publish("dispatch.failed", ev)
		return
	}

	if merr := p.store.MarkSent(ctx, entry.ID, msgID); merr != nil {
		p.log.Error("mark sent errored", logx.String("entry", entry.ID), logx.Err(merr))
	}
	p.log.Info("reminder dispatched",
		logx.String("entry", entry.ID),
		logx.String("kind", string(entry.Kind)),
		logx.Duration("took", took))
	p.publish("dispatch.sent", ev)
}

func (p *Poller) publish(typ string, data any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
