package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"lunchbox/internal/config"
	"lunchbox/internal/dispatch"
	"lunchbox/internal/eventbus"
	"lunchbox/internal/httpapi"
	"lunchbox/internal/mail"
	"lunchbox/internal/metrics"
	"lunchbox/internal/notify"
	"lunchbox/internal/registry"
	"lunchbox/internal/schedule"
	logx "lunchbox/pkg/logx"
)

// App wires the notification core together: config -> logging -> registry ->
// scheduling engine -> notifier -> poller -> retention cron -> http api.
type App struct {
	cfgm *config.Manager

	logs *logx.Service
	log  logx.Logger

	bus       eventbus.Bus
	store     registry.Store
	collector *metrics.Collector

	engine   *schedule.Engine
	notifier *notify.Notifier
	poller   *dispatch.Poller
	cron     *cron.Cron
	http     *httpapi.Server

	retentionMaxAge time.Duration
	autostart       bool

	cancelBackground context.CancelFunc
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()
	collector := metrics.NewCollector()

	busyTimeout, err := config.ParseDurationField("registry.busy_timeout", cfg.Registry.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := registry.Open(registry.Config{
		Driver:      cfg.Registry.Driver,
		Path:        cfg.Registry.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "registry")))
	if err != nil {
		return nil, err
	}

	lead, err := config.ParseDurationOrDefault("scheduling.lead", cfg.Scheduling.Lead, time.Hour)
	if err != nil {
		return nil, err
	}
	lag, err := config.ParseDurationOrDefault("scheduling.lag", cfg.Scheduling.Lag, time.Hour)
	if err != nil {
		return nil, err
	}
	engine := schedule.New(schedule.Config{Lead: lead, Lag: lag}, store, bus,
		log.With(logx.String("comp", "schedule")))

	transport := mail.NewSMTP(mail.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	}, log.With(logx.String("comp", "smtp")))
	notifier := notify.New(transport, log.With(logx.String("comp", "notify")))

	interval, err := config.ParseDurationOrDefault("poller.interval", cfg.Poller.Interval, time.Minute)
	if err != nil {
		return nil, err
	}
	watchdog, err := config.ParseDurationOrDefault("poller.watchdog_interval", cfg.Poller.WatchdogInterval, 30*time.Second)
	if err != nil {
		return nil, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("poller.send_timeout", cfg.Poller.SendTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	poller := dispatch.New(dispatch.Config{
		Interval:         interval,
		WatchdogInterval: watchdog,
		BatchLimit:       cfg.Poller.BatchLimit,
		SendTimeout:      sendTimeout,
		RatePerSec:       cfg.Poller.RatePerSec,
	}, store, notifier, bus, log.With(logx.String("comp", "dispatch")))

	maxAge, err := config.ParseDurationOrDefault("retention.max_age", cfg.Retention.MaxAge, 30*24*time.Hour)
	if err != nil {
		return nil, err
	}

	httpReadTimeout, err := config.ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout)
	if err != nil {
		return nil, err
	}
	httpWriteTimeout, err := config.ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout)
	if err != nil {
		return nil, err
	}
	httpIdleTimeout, err := config.ParseDurationField("http.idle_timeout", cfg.HTTP.IdleTimeout)
	if err != nil {
		return nil, err
	}
	handlers := httpapi.NewHandlers(engine, poller, store, collector,
		log.With(logx.String("comp", "http")))
	server := httpapi.NewServer(httpapi.Config{
		Addr:         cfg.HTTP.Addr,
		Token:        cfg.HTTP.Token,
		ReadTimeout:  httpReadTimeout,
		WriteTimeout: httpWriteTimeout,
		IdleTimeout:  httpIdleTimeout,
	}, handlers, log.With(logx.String("comp", "http")))

	a := &App{
		cfgm:            cfgm,
		logs:            logSvc,
		log:             log,
		bus:             bus,
		store:           store,
		collector:       collector,
		engine:          engine,
		notifier:        notifier,
		poller:          poller,
		http:            server,
		retentionMaxAge: maxAge,
		autostart:       cfg.Poller.AutostartEnabled(),
	}

	if err := a.setupCron(cfg.Retention.CleanupSpec); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) setupCron(cleanupSpec string) error {
	if cleanupSpec == "" {
		cleanupSpec = "30 3 * * *"
	}
	c := cron.New()

	if _, err := c.AddFunc(cleanupSpec, a.runRetention); err != nil {
		return err
	}
	// Keep the per-status gauges fresh between stats requests.
	if _, err := c.AddFunc("@every 1m", a.refreshStats); err != nil {
		return err
	}
	a.cron = c
	return nil
}

func (a *App) runRetention() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cutoff := time.Now().Add(-a.retentionMaxAge)
	n, err := a.store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		a.log.Warn("retention purge failed", logx.Err(err))
		return
	}
	if n > 0 {
		a.log.Info("retention purge", logx.Int("removed", n), logx.Time("cutoff", cutoff))
	}
}

func (a *App) refreshStats() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := a.store.Stats(ctx)
	if err != nil {
		return
	}
	a.collector.SetStats(st)
}

// Start brings up the background pieces. The poller auto-starts unless
// poller.autostart is explicitly false.
func (a *App) Start(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(context.Background())
	a.cancelBackground = cancel

	go a.collector.Watch(bgCtx, a.bus)

	go func() {
		if err := a.cfgm.Watch(bgCtx); err != nil && bgCtx.Err() == nil {
			a.log.Warn("config watch exited", logx.Err(err))
		}
	}()
	go a.applyReloads(bgCtx)

	if err := a.http.Start(ctx); err != nil {
		cancel()
		return err
	}

	if a.autostart {
		a.poller.Start(bgCtx)
	} else {
		a.log.Info("poller autostart disabled; waiting for admin start")
	}
	a.cron.Start()

	a.log.Info("lunchbox notification core started")
	return nil
}

// applyReloads consumes committed config changes. Only logging settings are
// applied live; everything else needs a restart and is logged as such.
func (a *App) applyReloads(ctx context.Context) {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
			})
			a.log.Info("logging config applied; other sections apply on restart")
		}
	}
}

// Stop tears everything down in reverse dependency order.
func (a *App) Stop(ctx context.Context) error {
	if a.cancelBackground != nil {
		a.cancelBackground()
	}

	a.http.Stop(ctx)
	a.poller.Stop()

	cronCtx := a.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}

	err := a.store.Close()
	_ = a.logs.Close()
	a.log.Info("lunchbox notification core stopped")
	return err
}
