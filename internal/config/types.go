package config

// Config is the daemon's full configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Files may be JSON or YAML; YAML is coerced to JSON before strict decoding,
// so unknown fields are rejected in both formats.
type Config struct {
	HTTP       HTTPConfig       `json:"http"`
	Logging    LoggingConfig    `json:"logging"`
	Registry   RegistryConfig   `json:"registry"`
	Scheduling SchedulingConfig `json:"scheduling"`
	Poller     PollerConfig     `json:"poller"`
	Retention  RetentionConfig  `json:"retention"`
	SMTP       SMTPConfig       `json:"smtp"`
}

// HTTPConfig controls the admin/API server.
//
// Security note:
//   - Prefer binding to localhost when the daemon sits behind the Lunchbox
//     API gateway.
//   - Token, when set, guards the poller control endpoints.
type HTTPConfig struct {
	Addr         string `json:"addr,omitempty"` // default "127.0.0.1:8085"
	Token        string `json:"token,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    FileLogConfig `json:"file"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// RegistryConfig selects the reminder registry backend.
//
// Driver values: "memory" (default), "sqlite".
type RegistryConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SchedulingConfig centralizes the reminder offsets. Defaults: 1h each.
type SchedulingConfig struct {
	Lead string `json:"lead,omitempty"` // before the due date
	Lag  string `json:"lag,omitempty"`  // after the due date
}

// PollerConfig tunes the dispatch poll loop.
//
// Autostart is a pointer so "omitted" (default true) can be told apart from
// an explicit false.
type PollerConfig struct {
	Interval         string `json:"interval,omitempty"`          // default "1m"
	WatchdogInterval string `json:"watchdog_interval,omitempty"` // default "30s"
	BatchLimit       int    `json:"batch_limit,omitempty"`       // default 100
	SendTimeout      string `json:"send_timeout,omitempty"`      // default "10s"
	RatePerSec       int    `json:"rate_per_sec,omitempty"`      // default 3
	Autostart        *bool  `json:"autostart,omitempty"`
}

// RetentionConfig bounds registry growth: terminal entries older than MaxAge
// are purged on the CleanupSpec cron schedule.
type RetentionConfig struct {
	MaxAge      string `json:"max_age,omitempty"`      // default "720h" (30 days)
	CleanupSpec string `json:"cleanup_spec,omitempty"` // cron spec, default "30 3 * * *"
}

type SMTPConfig struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	From     string `json:"from,omitempty"`
}

func (c *PollerConfig) AutostartEnabled() bool {
	if c.Autostart == nil {
		return true
	}
	return *c.Autostart
}
