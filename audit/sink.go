package audit

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
)

// LogSink writes records to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Write implements Sink.
func (s *LogSink) Write(ctx context.Context, records []Record) error {
	for _, r := range records {
		s.logger.LogAttrs(ctx, slog.LevelInfo, "audit",
			slog.String("id", r.ID),
			slog.String("channel", r.Channel),
			slog.String("server", r.ServerName),
			slog.String("correlationId", r.CorrelationID),
			slog.String("instanceId", r.InstanceID),
			slog.Time("timestamp", r.Timestamp),
			slog.String("payload", string(r.Payload)))
	}
	return nil
}

// Close implements Sink.
func (s *LogSink) Close() error { return nil }

// MemorySink keeps records in memory.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
	writes  int
	closed  bool
}

// Write implements Sink.
func (s *MemorySink) Write(_ context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sink is closed")
	}
	s.records = append(s.records, records...)
	s.writes++
	return nil
}

// Close implements Sink.
func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Records returns a copy of the records written so far.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.records)
}

// Writes returns how many batches were written.
func (s *MemorySink) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Closed reports whether Close was called.
func (s *MemorySink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// MultiSink writes every batch to each of its sinks.
type MultiSink []Sink

// Write implements Sink. A failing sink does not prevent writes to the others.
func (m MultiSink) Write(ctx context.Context, records []Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, records); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Sink.
func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
