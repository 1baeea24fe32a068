package metrics

import (
	"fmt"

	"github.com/codefionn/filterproxy/filterproxy-srv/config"
)

// NewSink creates a metrics sink based on the provided configuration.
func NewSink(cfg *config.MetricsConfig) (Sink, error) {
	if !cfg.Enabled {
		return NewDummySink(), nil
	}

	switch cfg.Backend {
	case config.MetricsBackendCSV, "":
		path := cfg.CSVPath
		if path == "" {
			path = "logs/metrics.csv"
		}
		sink, err := NewCSVSink(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create csv sink: %w", err)
		}
		return sink, nil

	case config.MetricsBackendSQLite:
		path := cfg.SQLitePath
		if path == "" {
			path = "filterproxy_metrics.db"
		}
		sink, err := NewSQLiteSink(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite sink: %w", err)
		}
		return sink, nil

	case config.MetricsBackendPostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres-dsn is required for postgres backend")
		}
		sink, err := NewPostgreSQLSink(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres sink: %w", err)
		}
		return sink, nil

	case config.MetricsBackendDummy:
		return NewDummySink(), nil

	default:
		return nil, fmt.Errorf("unsupported metrics backend: %s", cfg.Backend)
	}
}
