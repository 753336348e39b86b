// Package analytics records usage events in a local SQLite database and
// answers aggregate questions about them.
package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"github.com/edubot/edubot/logger"
)

// DefaultRetentionDays is how long events are kept before the hourly
// cleanup removes them.
const DefaultRetentionDays = 90

// Store writes and queries usage events in a dedicated SQLite database.
type Store struct {
	db            *sql.DB
	log           logger.Logger
	retentionDays int
	done          chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithRetentionDays overrides DefaultRetentionDays.
func WithRetentionDays(days int) Option {
	return func(s *Store) {
		if days > 0 {
			s.retentionDays = days
		}
	}
}

// Open opens the events database at path, creating the schema when
// needed, and starts the hourly retention cleanup.
func Open(path string, log logger.Logger, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "open analytics db")
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate analytics db")
	}
	s := &Store{
		db:            db,
		log:           log.WithPrefix("analytics"),
		retentionDays: DefaultRetentionDays,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.wg.Add(1)
	go s.retentionLoop()
	return s, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    INTEGER NOT NULL,
		activity   TEXT NOT NULL,
		details    TEXT,
		created_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return err
	}
	if _, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_user ON events(user_id)`); err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at)`)
	return err
}

// Track records one user activity. details may be nil.
func (s *Store) Track(ctx context.Context, userID int64, activity string, details map[string]any) error {
	if activity == "" {
		return errors.New("activity is required")
	}
	var detailsJSON any
	if len(details) > 0 {
		b, err := json.Marshal(details)
		if err != nil {
			return errors.Wrap(err, "encoding event details")
		}
		detailsJSON = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (user_id, activity, details, created_at) VALUES (?, ?, ?, ?)`,
		userID, activity, detailsJSON, time.Now().UTC())
	return errors.Wrap(err, "insert event")
}

// UserStats summarizes one user's activity.
type UserStats struct {
	UserID     int64
	Total      int
	ByActivity map[string]int
	FirstSeen  time.Time
	LastSeen   time.Time
}

// User returns activity counts for one user.
func (s *Store) User(ctx context.Context, userID int64) (UserStats, error) {
	stats := UserStats{UserID: userID, ByActivity: make(map[string]int)}
	rows, err := s.db.QueryContext(ctx,
		`SELECT activity, count(*) FROM events WHERE user_id = ? GROUP BY activity`, userID)
	if err != nil {
		return stats, errors.Wrap(err, "query user stats")
	}
	defer rows.Close()
	for rows.Next() {
		var activity string
		var count int
		if err := rows.Scan(&activity, &count); err != nil {
			return stats, errors.Wrap(err, "scan user stats")
		}
		stats.ByActivity[activity] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}
	var first, last sql.NullTime
	err = s.db.QueryRowContext(ctx,
		`SELECT min(created_at), max(created_at) FROM events WHERE user_id = ?`, userID).Scan(&first, &last)
	if err != nil {
		return stats, errors.Wrap(err, "query user range")
	}
	stats.FirstSeen = first.Time
	stats.LastSeen = last.Time
	return stats, nil
}

// Totals summarizes overall usage.
type Totals struct {
	Events      int
	Users       int
	ByActivity  map[string]int
	ActiveUsers int
}

// Overall returns aggregate counts, with ActiveUsers counted over the
// last activeDays days.
func (s *Store) Overall(ctx context.Context, activeDays int) (Totals, error) {
	totals := Totals{ByActivity: make(map[string]int)}
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*), count(DISTINCT user_id) FROM events`).Scan(&totals.Events, &totals.Users)
	if err != nil {
		return totals, errors.Wrap(err, "query totals")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT activity, count(*) FROM events GROUP BY activity`)
	if err != nil {
		return totals, errors.Wrap(err, "query activity totals")
	}
	defer rows.Close()
	for rows.Next() {
		var activity string
		var count int
		if err := rows.Scan(&activity, &count); err != nil {
			return totals, errors.Wrap(err, "scan activity totals")
		}
		totals.ByActivity[activity] = count
	}
	if err := rows.Err(); err != nil {
		return totals, err
	}

	if activeDays <= 0 {
		activeDays = 7
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -activeDays)
	err = s.db.QueryRowContext(ctx,
		`SELECT count(DISTINCT user_id) FROM events WHERE created_at >= ?`, cutoff).Scan(&totals.ActiveUsers)
	return totals, errors.Wrap(err, "query active users")
}

// DayCount is the number of events on one calendar day.
type DayCount struct {
	Day   string
	Count int
}

// Daily returns per-day event counts for the last days days, most
// recent first.
func (s *Store) Daily(ctx context.Context, days int) ([]DayCount, error) {
	if days <= 0 {
		days = 30
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	rows, err := s.db.QueryContext(ctx,
		`SELECT date(created_at) AS day, count(*) FROM events
		 WHERE created_at >= ? GROUP BY day ORDER BY day DESC`, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "query daily counts")
	}
	defer rows.Close()
	var out []DayCount
	for rows.Next() {
		var dc DayCount
		if err := rows.Scan(&dc.Day, &dc.Count); err != nil {
			return nil, errors.Wrap(err, "scan daily count")
		}
		out = append(out, dc)
	}
	return out, rows.Err()
}

// Cleanup deletes events older than the retention period.
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "cleanup events")
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *Store) retentionLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if n, err := s.Cleanup(context.Background()); err != nil {
				s.log.Error("retention cleanup failed: %s", err)
			} else if n > 0 {
				s.log.Debug("retention cleanup removed %d events", n)
			}
		}
	}
}
