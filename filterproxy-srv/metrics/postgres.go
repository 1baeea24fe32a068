package metrics

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/codefionn/filterproxy/filterproxy-srv/logger"
	_ "github.com/lib/pq"
)

// PostgreSQLSink implements Sink using PostgreSQL as the backend
type PostgreSQLSink struct {
	db *sql.DB
}

// NewPostgreSQLSink creates a new PostgreSQL-based metrics sink
func NewPostgreSQLSink(dsn string) (*PostgreSQLSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	sink := &PostgreSQLSink{db: db}
	if err := sink.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized metrics sink postgres")

	return sink, nil
}

func (s *PostgreSQLSink) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS requests (
			id BIGSERIAL PRIMARY KEY,
			timestamp TIMESTAMP NOT NULL,
			client_ip TEXT NOT NULL,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			host TEXT NOT NULL,
			latency_ms BIGINT NOT NULL,
			request_bytes BIGINT NOT NULL,
			response_bytes BIGINT NOT NULL,
			blocked BOOLEAN NOT NULL DEFAULT FALSE
		)
	`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_requests_timestamp ON requests(timestamp)`)
	return err
}

// Record inserts one row.
func (s *PostgreSQLSink) Record(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests (timestamp, client_ip, method, url, host, latency_ms, request_bytes, response_bytes, blocked)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.Timestamp, rec.ClientIP, rec.Method, rec.URL, rec.Host,
		rec.LatencyMS, rec.RequestBytes, rec.ResponseBytes, rec.Blocked)
	if err != nil {
		return fmt.Errorf("failed to record request: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PostgreSQLSink) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *PostgreSQLSink) Close() error {
	return s.db.Close()
}
