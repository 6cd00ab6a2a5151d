package audit_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/mcphost"
	"github.com/MegaGrindStone/mcphost/audit"
)

func newRecorder(t *testing.T, sink audit.Sink, options ...audit.Option) (*mcphost.Dispatcher, *audit.Recorder) {
	t.Helper()
	d := mcphost.NewDispatcher()
	t.Cleanup(d.Close)
	r := audit.NewRecorder(d, sink, options...)
	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return d, r
}

func closeRecorder(t *testing.T, r *audit.Recorder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestRecorderRecordsReservedChannels(t *testing.T) {
	sink := &audit.MemorySink{}
	d, r := newRecorder(t, sink, audit.WithFlushInterval(10*time.Millisecond))

	d.Publish(mcphost.ChannelResult, mcphost.OperationResult{
		CorrelationID: "c1",
		InstanceID:    "w1",
		ServerName:    "files",
		Operation:     "read_file",
	})
	d.Publish(mcphost.ChannelServerConnected, mcphost.ServerStatus{ServerName: "files", State: mcphost.StateConnected})
	d.Publish(mcphost.ChannelCapabilitiesChanged, mcphost.CapabilitiesChanged{ServerName: "files", Kind: mcphost.CapabilityTools})
	d.Publish("chart:update", "not audited")

	deadline := time.Now().Add(time.Second)
	for len(sink.Records()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	closeRecorder(t, r)

	records := sink.Records()
	if len(records) != 3 {
		t.Fatalf("recorded %d events, want 3: %+v", len(records), records)
	}
	byChannel := make(map[string]audit.Record)
	for _, rec := range records {
		byChannel[rec.Channel] = rec
	}
	res, ok := byChannel[mcphost.ChannelResult]
	if !ok {
		t.Fatal("op:result not recorded")
	}
	if res.CorrelationID != "c1" || res.InstanceID != "w1" || res.ServerName != "files" || res.ID == "" {
		t.Errorf("op:result record = %+v", res)
	}
	if _, ok := byChannel[mcphost.ChannelCapabilitiesChanged]; !ok {
		t.Error("server:capabilities:changed not recorded")
	}
	if _, ok := byChannel["chart:update"]; ok {
		t.Error("widget-defined channel was recorded")
	}
	if !sink.Closed() {
		t.Error("sink not closed")
	}
}

func TestRecorderBatches(t *testing.T) {
	sink := &audit.MemorySink{}
	d, r := newRecorder(t, sink,
		audit.WithPatterns("op:*"),
		audit.WithBatchSize(5),
		audit.WithFlushInterval(time.Hour))

	for i := range 12 {
		d.Publish(mcphost.ChannelResult, mcphost.OperationResult{CorrelationID: fmt.Sprint(i)})
	}
	deadline := time.Now().Add(time.Second)
	for sink.Writes() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := sink.Writes(); got != 2 {
		t.Errorf("Writes() = %d before Close, want 2 full batches", got)
	}

	// Close drains the remainder.
	closeRecorder(t, r)
	records := sink.Records()
	if len(records) != 12 {
		t.Fatalf("recorded %d events, want 12", len(records))
	}
	for i, rec := range records {
		if rec.CorrelationID != fmt.Sprint(i) {
			t.Errorf("record %d has correlation id %s, order not kept", i, rec.CorrelationID)
		}
	}
	if r.Dropped() != 0 {
		t.Errorf("Dropped() = %d", r.Dropped())
	}
}

// blockingSink holds every write until released.
type blockingSink struct {
	audit.MemorySink
	release chan struct{}
	once    sync.Once
}

func (s *blockingSink) Write(ctx context.Context, records []audit.Record) error {
	<-s.release
	return s.MemorySink.Write(ctx, records)
}

func (s *blockingSink) unblock() { s.once.Do(func() { close(s.release) }) }

func TestRecorderDropsWhenBufferFull(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	t.Cleanup(sink.unblock)
	d, r := newRecorder(t, sink,
		audit.WithPatterns("op:*"),
		audit.WithBufferSize(2),
		audit.WithBatchSize(1))

	for i := range 20 {
		d.Publish(mcphost.ChannelResult, mcphost.OperationResult{CorrelationID: fmt.Sprint(i)})
	}
	// At most one in-flight batch and two buffered records are accepted while the sink is stuck.
	deadline := time.Now().Add(time.Second)
	for r.Dropped() < 17 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.Dropped() < 17 {
		t.Fatalf("Dropped() = %d with a stuck sink, want at least 17", r.Dropped())
	}
	time.Sleep(20 * time.Millisecond)

	sink.unblock()
	closeRecorder(t, r)
	if got := uint64(len(sink.Records())) + r.Dropped(); got != 20 {
		t.Errorf("recorded + dropped = %d, want 20", got)
	}
}

type failingSink struct {
	audit.MemorySink
}

func (s *failingSink) Write(context.Context, []audit.Record) error {
	return errors.New("database unavailable")
}

func TestRecorderSurvivesSinkErrors(t *testing.T) {
	sink := &failingSink{}
	d, r := newRecorder(t, sink, audit.WithFlushInterval(5*time.Millisecond))

	d.Publish(mcphost.ChannelError, mcphost.OperationFailure{CorrelationID: "c1"})
	time.Sleep(30 * time.Millisecond)
	d.Publish(mcphost.ChannelError, mcphost.OperationFailure{CorrelationID: "c2"})
	closeRecorder(t, r)
}

func TestRecorderStartFailure(t *testing.T) {
	d := mcphost.NewDispatcher()
	d.Close()
	r := audit.NewRecorder(d, &audit.MemorySink{})
	if err := r.Start(); err == nil {
		t.Fatal("Start() on a closed dispatcher succeeded")
	}
	closeRecorder(t, r)
}

func TestNewRecord(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		want    audit.Record
	}{
		{
			name:    "operation failure",
			payload: mcphost.OperationFailure{CorrelationID: "c1", InstanceID: "w1", ServerName: "files"},
			want:    audit.Record{CorrelationID: "c1", InstanceID: "w1", ServerName: "files"},
		},
		{
			name:    "widget status",
			payload: mcphost.WidgetStatus{InstanceID: "w2", Widget: "chart"},
			want:    audit.Record{InstanceID: "w2"},
		},
		{
			name:    "scalar payload",
			payload: "text",
		},
		{
			name: "nil payload",
		},
	}

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := audit.NewRecord(mcphost.Event{Name: "op:error", Payload: tt.payload, Timestamp: ts})
			if err != nil {
				t.Fatalf("NewRecord() error = %v", err)
			}
			if rec.CorrelationID != tt.want.CorrelationID || rec.InstanceID != tt.want.InstanceID || rec.ServerName != tt.want.ServerName {
				t.Errorf("NewRecord() keys = %+v, want %+v", rec, tt.want)
			}
			if rec.Channel != "op:error" || !rec.Timestamp.Equal(ts) || rec.ID == "" || len(rec.Payload) == 0 {
				t.Errorf("NewRecord() = %+v", rec)
			}
		})
	}

	if _, err := audit.NewRecord(mcphost.Event{Name: "op:error", Payload: make(chan int)}); err == nil {
		t.Error("NewRecord() of an unmarshalable payload succeeded")
	}
}

func TestOpenSinks(t *testing.T) {
	ctx := context.Background()

	sink, err := audit.OpenSinks(ctx, mcphost.AuditConfig{}, slog.Default())
	if err != nil {
		t.Fatalf("OpenSinks() error = %v", err)
	}
	if _, ok := sink.(*audit.LogSink); !ok {
		t.Errorf("OpenSinks() without sinks = %T, want *audit.LogSink", sink)
	}

	sink, err = audit.OpenSinks(ctx, mcphost.AuditConfig{
		Kafka: &mcphost.KafkaAuditConfig{Brokers: []string{"localhost:9092"}, Topic: "audit"},
	}, slog.Default())
	if err != nil {
		t.Fatalf("OpenSinks(kafka) error = %v", err)
	}
	if _, ok := sink.(*audit.KafkaSink); !ok {
		t.Errorf("OpenSinks(kafka) = %T, want *audit.KafkaSink", sink)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestMultiSink(t *testing.T) {
	good := &audit.MemorySink{}
	bad := &failingSink{}
	multi := audit.MultiSink{bad, good}

	records := []audit.Record{{ID: "1", Channel: "op:result"}}
	if err := multi.Write(context.Background(), records); err == nil {
		t.Error("Write() hid the failing sink")
	}
	if got := len(good.Records()); got != 1 {
		t.Errorf("healthy sink got %d records, want 1", got)
	}
	if err := multi.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if !good.Closed() || !bad.Closed() {
		t.Error("MultiSink did not close every sink")
	}
}

func TestLogSink(t *testing.T) {
	sink := audit.NewLogSink(nil)
	if err := sink.Write(context.Background(), []audit.Record{{ID: "1", Channel: "op:result"}}); err != nil {
		t.Errorf("Write() error = %v", err)
	}
}

func TestTopic(t *testing.T) {
	tests := []struct {
		prefix, channel, want string
	}{
		{prefix: "", channel: "op:result", want: "op/result"},
		{prefix: "mcphost/audit", channel: "server:capabilities:changed", want: "mcphost/audit/server/capabilities/changed"},
		{prefix: "mcphost/", channel: "widget:mounted", want: "mcphost/widget/mounted"},
	}
	for _, tt := range tests {
		if got := audit.Topic(tt.prefix, tt.channel); got != tt.want {
			t.Errorf("Topic(%q, %q) = %q, want %q", tt.prefix, tt.channel, got, tt.want)
		}
	}
}
