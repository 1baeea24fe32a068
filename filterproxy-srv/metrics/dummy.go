package metrics

import "context"

// DummySink discards all rows. Used when metrics are disabled and as a
// fallback when a real backend fails to initialize.
type DummySink struct{}

// NewDummySink creates a new no-op metrics sink
func NewDummySink() *DummySink {
	return &DummySink{}
}

// Record discards the row.
func (s *DummySink) Record(ctx context.Context, rec Record) error { return nil }

// HealthCheck always succeeds.
func (s *DummySink) HealthCheck(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *DummySink) Close() error { return nil }
