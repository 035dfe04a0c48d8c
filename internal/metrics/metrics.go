package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lunchbox/internal/dispatch"
	"lunchbox/internal/eventbus"
	"lunchbox/internal/registry"
)

// Collector exposes the notification core's Prometheus metrics. It owns a
// private registry so tests can create collectors freely without duplicate
// registration panics.
type Collector struct {
	reg *prometheus.Registry

	scheduled prometheus.Counter
	cancelled prometheus.Counter
	sent      prometheus.Counter
	failed    prometheus.Counter
	healed    prometheus.Counter

	dispatchLatency prometheus.Histogram

	entriesByStatus *prometheus.GaugeVec
}

func NewCollector() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		scheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lunchbox_reminders_scheduled_total",
			Help: "Total number of reminder entries upserted by the scheduling engine",
		}),
		cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lunchbox_reminders_cancelled_total",
			Help: "Total number of reminder entries cancelled",
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lunchbox_dispatch_sent_total",
			Help: "Total number of reminders delivered successfully",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lunchbox_dispatch_failed_total",
			Help: "Total number of reminders that failed to deliver",
		}),
		healed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lunchbox_poller_healed_total",
			Help: "Total number of watchdog restarts of the poll loop",
		}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lunchbox_dispatch_duration_seconds",
			Help:    "Time spent delivering one reminder",
			Buckets: prometheus.DefBuckets,
		}),
		entriesByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lunchbox_registry_entries",
			Help: "Current reminder entry counts by status",
		}, []string{"status"}),
	}

	c.reg.MustRegister(c.scheduled, c.cancelled, c.sent, c.failed, c.healed,
		c.dispatchLatency, c.entriesByStatus)
	return c
}

// Handler serves the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// SetStats refreshes the per-status gauges from a registry snapshot.
func (c *Collector) SetStats(st registry.Stats) {
	c.entriesByStatus.WithLabelValues(string(registry.StatusPending)).Set(float64(st.Pending))
	c.entriesByStatus.WithLabelValues(string(registry.StatusClaimed)).Set(float64(st.Claimed))
	c.entriesByStatus.WithLabelValues(string(registry.StatusSent)).Set(float64(st.Sent))
	c.entriesByStatus.WithLabelValues(string(registry.StatusCancelled)).Set(float64(st.Cancelled))
	c.entriesByStatus.WithLabelValues(string(registry.StatusFailed)).Set(float64(st.Failed))
}

// Watch consumes bus events until ctx is done. Run it in its own goroutine.
func (c *Collector) Watch(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.record(ev)
		}
	}
}

func (c *Collector) record(ev eventbus.Event) {
	switch ev.Type {
	case "reminder.scheduled":
		c.scheduled.Inc()
	case "reminder.cancelled":
		c.cancelled.Inc()
	case "poller.healed":
		c.healed.Inc()
	case "dispatch.sent":
		c.sent.Inc()
		if d, ok := ev.Data.(dispatch.DispatchEvent); ok {
			c.dispatchLatency.Observe(d.Duration.Seconds())
		}
	case "dispatch.failed":
		c.failed.Inc()
		if d, ok := ev.Data.(dispatch.DispatchEvent); ok {
			c.dispatchLatency.Observe(d.Duration.Seconds())
		}
	}
}
