// Package audit projects the events of the mediation layer into append-only audit records
// and writes them to one or more sinks: the log, Postgres, Kafka, a Redis stream or an MQTT
// topic.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MegaGrindStone/mcphost"
	"github.com/google/uuid"
)

// Record is one audited event.
type Record struct {
	ID            string          `json:"id"`
	Channel       string          `json:"channel"`
	ServerName    string          `json:"serverName,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	InstanceID    string          `json:"instanceId,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// Sink persists audit records. Write receives records in publish order per channel.
type Sink interface {
	Write(ctx context.Context, records []Record) error
	Close() error
}

// Option configures a Recorder.
type Option func(*Recorder)

// Recorder subscribes to the reserved channels and forwards their events to a Sink in
// batches. Recording never blocks the Dispatcher: when the buffer is full, records are
// dropped and counted.
type Recorder struct {
	dispatcher *mcphost.Dispatcher
	sink       Sink
	logger     *slog.Logger

	patterns      []string
	bufferSize    int
	batchSize     int
	flushInterval time.Duration
	writeTimeout  time.Duration

	records chan Record
	stop    chan struct{}
	done    chan struct{}
	subs    []*mcphost.Subscription
	dropped atomic.Uint64

	startOnce sync.Once
	closeOnce sync.Once
}

// DefaultPatterns are the channel patterns audited by default.
var DefaultPatterns = []string{"op:**", "server:**", "widget:**", "resource:**"}

var (
	defaultBufferSize    = 1024
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
	defaultWriteTimeout  = 10 * time.Second
)

// WithLogger sets the logger of the recorder.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// WithPatterns replaces the audited channel patterns.
func WithPatterns(patterns ...string) Option {
	return func(r *Recorder) {
		r.patterns = patterns
	}
}

// WithBufferSize sets how many records may wait for the sink before new ones are dropped.
func WithBufferSize(size int) Option {
	return func(r *Recorder) {
		r.bufferSize = size
	}
}

// WithBatchSize sets the maximum number of records per Sink.Write.
func WithBatchSize(size int) Option {
	return func(r *Recorder) {
		r.batchSize = size
	}
}

// WithFlushInterval sets how long records may wait for a batch to fill.
func WithFlushInterval(interval time.Duration) Option {
	return func(r *Recorder) {
		r.flushInterval = interval
	}
}

// NewRecorder creates a Recorder writing to sink. Call Start to begin recording.
func NewRecorder(dispatcher *mcphost.Dispatcher, sink Sink, options ...Option) *Recorder {
	r := &Recorder{
		dispatcher: dispatcher,
		sink:       sink,
		logger:     slog.Default(),
		patterns:   DefaultPatterns,
	}
	for _, opt := range options {
		opt(r)
	}

	if r.bufferSize <= 0 {
		r.bufferSize = defaultBufferSize
	}
	if r.batchSize <= 0 {
		r.batchSize = defaultBatchSize
	}
	if r.flushInterval <= 0 {
		r.flushInterval = defaultFlushInterval
	}
	r.writeTimeout = defaultWriteTimeout
	r.logger = r.logger.With(slog.String("component", "audit"))
	r.records = make(chan Record, r.bufferSize)
	r.stop = make(chan struct{})
	r.done = make(chan struct{})

	return r
}

// Start subscribes to the audited channels and starts the writer.
func (r *Recorder) Start() error {
	var err error
	r.startOnce.Do(func() {
		for _, p := range r.patterns {
			sub, serr := r.dispatcher.Subscribe(p, r.record)
			if serr != nil {
				err = fmt.Errorf("failed to subscribe to %s: %w", p, serr)
				break
			}
			r.subs = append(r.subs, sub)
		}
		if err != nil {
			for _, sub := range r.subs {
				r.dispatcher.Unsubscribe(sub)
			}
			r.subs = nil
			close(r.done)
			return
		}
		go r.run()
	})
	return err
}

// Dropped returns how many records were dropped because the buffer was full.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Close stops recording, records the events still queued for it, flushes buffered records
// and closes the sink.
func (r *Recorder) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		for _, sub := range r.subs {
			for _, ev := range r.dispatcher.Drain(sub) {
				r.record(ev)
			}
		}
		close(r.stop)

		select {
		case <-r.done:
		case <-ctx.Done():
			err = fmt.Errorf("failed to flush audit records: %w", ctx.Err())
		}
		if cerr := r.sink.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close sink: %w", cerr))
		}
	})
	return err
}

func (r *Recorder) record(ev mcphost.Event) {
	rec, err := NewRecord(ev)
	if err != nil {
		r.logger.Error("failed to build audit record", slog.String("channel", ev.Name), "err", err)
		return
	}

	select {
	case <-r.stop:
		return
	default:
	}

	select {
	case r.records <- rec:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.logger.Warn("audit buffer full, dropping records", slog.Uint64("dropped", n))
		}
	}
}

func (r *Recorder) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, r.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
		defer cancel()
		if err := r.sink.Write(ctx, batch); err != nil {
			r.logger.Error("failed to write audit records",
				slog.Int("records", len(batch)),
				"err", err)
		}
		batch = make([]Record, 0, r.batchSize)
	}

	for {
		select {
		case rec := <-r.records:
			batch = append(batch, rec)
			if len(batch) >= r.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.stop:
			for {
				select {
				case rec := <-r.records:
					batch = append(batch, rec)
					if len(batch) >= r.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// NewRecord projects ev into a Record. The server name, correlation id and instance id are
// taken from the payload when it carries them.
func NewRecord(ev mcphost.Event) (Record, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	var keys struct {
		ServerName    string `json:"serverName"`
		CorrelationID string `json:"correlationId"`
		InstanceID    string `json:"instanceId"`
	}
	// Payloads that are not JSON objects simply carry no keys.
	_ = json.Unmarshal(payload, &keys)

	return Record{
		ID:            uuid.New().String(),
		Channel:       ev.Name,
		ServerName:    keys.ServerName,
		CorrelationID: keys.CorrelationID,
		InstanceID:    keys.InstanceID,
		Timestamp:     ev.Timestamp,
		Payload:       payload,
	}, nil
}
