package registry

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "lunchbox/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("registry.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Upsert(ctx context.Context, e Entry) error {
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.Status == "" {
		e.Status = StatusPending
	}
	// Rescheduling an entry resets it to pending with the new fire time;
	// created_at is preserved for existing rows.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(id, task_id, user_id, user_email, message, kind, status, fire_at, created_at, updated_at, last_error, provider_msg_id)
		 VALUES(?,?,?,?,?,?,?,?,?,?,NULL,NULL)
		 ON CONFLICT(id) DO UPDATE SET
		   user_email = excluded.user_email,
		   message    = excluded.message,
		   status     = excluded.status,
		   fire_at    = excluded.fire_at,
		   updated_at = excluded.updated_at,
		   last_error = NULL,
		   provider_msg_id = NULL`,
		e.ID, e.TaskID, e.UserID, e.UserEmail, e.Message, string(e.Kind), string(e.Status),
		e.FireAt.UnixMilli(), e.CreatedAt.UnixMilli(), e.UpdatedAt.UnixMilli(),
	)
	return wrapUnavailable(err)
}

const entryColumns = `id, task_id, user_id, user_email, message, kind, status, fire_at, created_at, updated_at, COALESCE(last_error,''), COALESCE(provider_msg_id,'')`

func (s *sqliteStore) Get(ctx context.Context, id string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM reminders WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, wrapUnavailable(err)
	}
	return e, true, nil
}

func (s *sqliteStore) PendingForTask(ctx context.Context, taskID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM reminders WHERE task_id = ? AND status = ? ORDER BY fire_at`,
		taskID, string(StatusPending))
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (s *sqliteStore) CancelPending(ctx context.Context, taskID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET status = ?, updated_at = ? WHERE task_id = ? AND status = ?`,
		string(StatusCancelled), time.Now().UnixMilli(), taskID, string(StatusPending))
	if err != nil {
		return 0, wrapUnavailable(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) Due(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM reminders WHERE status = ? AND fire_at <= ? ORDER BY fire_at LIMIT ?`,
		string(StatusPending), now.UnixMilli(), limit)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// Claim is a compare-and-swap: it only succeeds if the entry is still
// pending. The UPDATE's WHERE clause makes the transition atomic.
func (s *sqliteStore) Claim(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusClaimed), time.Now().UnixMilli(), id, string(StatusPending))
	if err != nil {
		return false, wrapUnavailable(err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *sqliteStore) MarkSent(ctx context.Context, id, providerMessageID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET status = ?, provider_msg_id = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusSent), nullStr(providerMessageID), time.Now().UnixMilli(), id, string(StatusClaimed))
	if err != nil {
		return wrapUnavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark sent: entry %s is not claimed", id)
	}
	return nil
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET status = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusFailed), nullStr(reason), time.Now().UnixMilli(), id, string(StatusClaimed))
	if err != nil {
		return wrapUnavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark failed: entry %s is not claimed", id)
	}
	return nil
}

func (s *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM reminders GROUP BY status`)
	if err != nil {
		return Stats{}, wrapUnavailable(err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, wrapUnavailable(err)
		}
		switch Status(status) {
		case StatusPending:
			st.Pending = n
		case StatusClaimed:
			st.Claimed = n
		case StatusSent:
			st.Sent = n
		case StatusCancelled:
			st.Cancelled = n
		case StatusFailed:
			st.Failed = n
		}
	}
	return st, wrapUnavailable(rows.Err())
}

// PurgeOlderThan removes terminal-state entries updated before cutoff.
// Pending and claimed entries are never purged.
func (s *sqliteStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reminders WHERE updated_at < ? AND status IN (?,?,?)`,
		cutoff.UnixMilli(), string(StatusSent), string(StatusCancelled), string(StatusFailed))
	if err != nil {
		return 0, wrapUnavailable(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (Entry, error) {
	var e Entry
	var kind, status string
	var fireAt, createdAt, updatedAt int64
	if err := r.Scan(&e.ID, &e.TaskID, &e.UserID, &e.UserEmail, &e.Message,
		&kind, &status, &fireAt, &createdAt, &updatedAt, &e.LastError, &e.ProviderMessageID); err != nil {
		return Entry{}, err
	}
	e.Kind = Kind(kind)
	e.Status = Status(status)
	e.FireAt = time.UnixMilli(fireAt)
	e.CreatedAt = time.UnixMilli(createdAt)
	e.UpdatedAt = time.UnixMilli(updatedAt)
	return e, nil
}

func collectEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, wrapUnavailable(err)
		}
		out = append(out, e)
	}
	return out, wrapUnavailable(rows.Err())
}

func wrapUnavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
