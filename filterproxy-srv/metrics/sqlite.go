package metrics

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/codefionn/filterproxy/filterproxy-srv/logger"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteSink implements Sink using SQLite as the backend
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink creates a new SQLite-based metrics sink
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	sink := &SQLiteSink{db: db}
	if err := sink.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized metrics sink sqlite")

	return sink, nil
}

func (s *SQLiteSink) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			client_ip TEXT NOT NULL,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			host TEXT NOT NULL,
			latency_ms INTEGER NOT NULL,
			request_bytes INTEGER NOT NULL,
			response_bytes INTEGER NOT NULL,
			blocked INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_requests_timestamp ON requests(timestamp);
		CREATE INDEX IF NOT EXISTS idx_requests_host ON requests(host);
	`)
	return err
}

// Record inserts one row.
func (s *SQLiteSink) Record(ctx context.Context, rec Record) error {
	blocked := 0
	if rec.Blocked {
		blocked = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests (timestamp, client_ip, method, url, host, latency_ms, request_bytes, response_bytes, blocked)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.Format(TimestampLayout), rec.ClientIP, rec.Method, rec.URL, rec.Host,
		rec.LatencyMS, rec.RequestBytes, rec.ResponseBytes, blocked)
	if err != nil {
		return fmt.Errorf("failed to record request: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *SQLiteSink) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
