package db

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"
)

// DefaultPrefsPollInterval is used by PrefsWatcher when no interval is given.
const DefaultPrefsPollInterval = 2 * time.Second

// PrefsWatcher reports preference writes made by other processes, such as
// "chatbridge prefs set". SQLite has no change feed, so it polls.
type PrefsWatcher struct {
	store    *Store
	interval time.Duration
}

// PrefsWatcher returns a watcher polling the stored preferences every interval.
func (s *Store) PrefsWatcher(interval time.Duration) *PrefsWatcher {
	if interval <= 0 {
		interval = DefaultPrefsPollInterval
	}
	return &PrefsWatcher{store: s, interval: interval}
}

// Watch calls onChange whenever the stored preferences differ from the last
// value seen. The first poll always reports, so a write racing with the
// caller's initial load is not lost. It blocks until ctx is cancelled.
func (w *PrefsWatcher) Watch(ctx context.Context, onChange func()) error {
	var (
		last  string
		first = true
	)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cur, err := w.store.rawPrefs(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				slog.Warn("preferences poll failed", "component", "db", "error", err)
				continue
			}
			if first || cur != last {
				first = false
				last = cur
				onChange()
			}
		}
	}
}

func (s *Store) rawPrefs(ctx context.Context) (string, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, togglesKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return raw, err
}
