package dwell

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SlogSink logs every flushed interval.
type SlogSink struct {
	Logger *slog.Logger
}

// Record implements Sink.
func (s SlogSink) Record(route string, elapsed time.Duration) {
	s.Logger.Info("dwell interval", "route", route, "seconds", elapsed.Seconds())
}

// SQLiteSink persists dwell intervals so hosts can report usage offline.
// The chat core itself stays in-memory; this sink is an opt-in collaborator.
type SQLiteSink struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteSink opens (and migrates) the dwell database at dbPath.
func NewSQLiteSink(dbPath string, logger *slog.Logger) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("cannot create dwell database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open dwell database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS dwell_records (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		route       TEXT NOT NULL,
		seconds     REAL NOT NULL,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_dwell_route ON dwell_records(route, recorded_at);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("dwell database migration failed: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteSink{db: db, logger: logger}, nil
}

// Record implements Sink. Failures are logged, not propagated; dwell
// reporting must never break the host.
func (s *SQLiteSink) Record(route string, elapsed time.Duration) {
	if _, err := s.db.Exec(
		`INSERT INTO dwell_records (route, seconds) VALUES (?, ?)`,
		route, elapsed.Seconds(),
	); err != nil {
		s.logger.Error("cannot record dwell interval", "route", route, "err", err)
	}
}

// TotalsByRoute returns the accumulated seconds per route.
func (s *SQLiteSink) TotalsByRoute() (map[string]float64, error) {
	rows, err := s.db.Query(`SELECT route, SUM(seconds) FROM dwell_records GROUP BY route`)
	if err != nil {
		return nil, fmt.Errorf("query dwell totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]float64)
	for rows.Next() {
		var route string
		var secs float64
		if err := rows.Scan(&route, &secs); err != nil {
			return nil, fmt.Errorf("scan dwell row: %w", err)
		}
		totals[route] = secs
	}
	return totals, rows.Err()
}

// Close releases the database handle.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
