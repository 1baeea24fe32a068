package metrics

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/codefionn/filterproxy/filterproxy-srv/logger"
)

// csvColumns is the canonical CSV schema. Migration maps older files onto
// this layout by column name.
var csvColumns = []string{
	"timestamp",
	"client_ip",
	"method",
	"url",
	"host",
	"latency_ms",
	"request_bytes",
	"response_bytes",
	"blocked",
}

// CSVSink appends metrics rows to a CSV file. Appends are serialized with
// a mutex; one Record call emits exactly one complete row.
type CSVSink struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *csv.Writer
}

// NewCSVSink opens (and if necessary migrates) the CSV file at path.
// Missing parent directories are created. A file with an older header is
// rewritten once to the current schema, preserving existing rows and
// backfilling new columns with defaults.
func NewCSVSink(path string) (*CSVSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create metrics directory: %w", err)
		}
	}

	if err := migrateCSV(path); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics file: %w", err)
	}

	logger.Debug("Initialized metrics sink csv (file: %s)", path)

	return &CSVSink{
		path:   path,
		file:   file,
		writer: csv.NewWriter(file),
	}, nil
}

// migrateCSV ensures the file at path starts with the canonical header.
// A missing or empty file gets a fresh header. A file with an outdated
// header is rewritten: existing columns are mapped by name, dropped
// columns are discarded, new columns are backfilled with "0".
func migrateCSV(path string) error {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return writeCSVHeader(path)
	}
	if err != nil {
		return fmt.Errorf("failed to open metrics file: %w", err)
	}

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err == io.EOF {
		_ = file.Close()
		return writeCSVHeader(path)
	}
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to read metrics header: %w", err)
	}

	if equalColumns(header, csvColumns) {
		return file.Close()
	}

	logger.Info("Migrating metrics file to current schema (file: %s)", path)

	oldIndex := make(map[string]int, len(header))
	for i, name := range header {
		oldIndex[name] = i
	}

	tmpPath := path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to create migration file: %w", err)
	}

	writer := csv.NewWriter(tmp)
	if err := writer.Write(csvColumns); err != nil {
		_ = tmp.Close()
		_ = file.Close()
		return fmt.Errorf("failed to write migrated header: %w", err)
	}

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = tmp.Close()
			_ = file.Close()
			return fmt.Errorf("failed to read metrics row during migration: %w", err)
		}

		out := make([]string, len(csvColumns))
		for i, name := range csvColumns {
			if idx, ok := oldIndex[name]; ok && idx < len(row) {
				out[i] = row[idx]
			} else {
				out[i] = "0"
			}
		}
		if err := writer.Write(out); err != nil {
			_ = tmp.Close()
			_ = file.Close()
			return fmt.Errorf("failed to write migrated row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		_ = tmp.Close()
		_ = file.Close()
		return fmt.Errorf("failed to flush migrated file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to close migration file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close metrics file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace metrics file: %w", err)
	}
	return nil
}

func writeCSVHeader(path string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create metrics file: %w", err)
	}
	writer := csv.NewWriter(file)
	if err := writer.Write(csvColumns); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to write metrics header: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to flush metrics header: %w", err)
	}
	return file.Close()
}

func equalColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Record appends one row. The mutex guarantees rows from concurrent
// handlers never interleave.
func (s *CSVSink) Record(ctx context.Context, rec Record) error {
	blocked := "0"
	if rec.Blocked {
		blocked = "1"
	}
	row := []string{
		rec.Timestamp.Format(TimestampLayout),
		rec.ClientIP,
		rec.Method,
		rec.URL,
		rec.Host,
		strconv.FormatInt(rec.LatencyMS, 10),
		strconv.FormatInt(rec.RequestBytes, 10),
		strconv.FormatInt(rec.ResponseBytes, 10),
		blocked,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writer.Write(row); err != nil {
		return fmt.Errorf("failed to write metrics row: %w", err)
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return fmt.Errorf("failed to flush metrics row: %w", err)
	}
	return nil
}

// HealthCheck verifies the underlying file is still writable.
func (s *CSVSink) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Stat(); err != nil {
		return fmt.Errorf("metrics file unavailable: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		_ = s.file.Close()
		return err
	}
	return s.file.Close()
}
