package registry

import (
	"errors"
	"strings"
	"time"

	logx "lunchbox/pkg/logx"
)

// Config configures the registry backend.
//
// Driver values:
//   - "memory": in-process map, lost on restart (tests, local dev)
//   - "sqlite": SQLite database file
//
// If Driver is empty, "memory" is assumed.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured registry store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown registry driver: " + driver)
	}
}
