// Package metrics records one row per terminal request outcome.
package metrics

import (
	"context"
	"time"
)

// TimestampLayout is the wall-clock format used in persisted rows.
const TimestampLayout = "2006-01-02 15:04:05"

// Record is one per-request metrics row. Blocked requests carry zero
// latency and byte counts.
type Record struct {
	Timestamp     time.Time
	ClientIP      string
	Method        string // "CONNECT" for tunnels
	URL           string // Request target as received from the client
	Host          string
	LatencyMS     int64
	RequestBytes  int64
	ResponseBytes int64
	Blocked       bool
}

// Sink persists metrics records. Implementations must be safe for
// concurrent use.
type Sink interface {
	// Record appends one row.
	Record(ctx context.Context, rec Record) error

	// HealthCheck verifies the sink can accept rows.
	HealthCheck(ctx context.Context) error

	// Close cleans up resources
	Close() error
}
