package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MegaGrindStone/mcphost"
	"github.com/google/uuid"
)

// OpenSinks opens every sink enabled in cfg. The log sink is returned when no other sink is
// configured. Sinks opened before a failure are closed again.
func OpenSinks(ctx context.Context, cfg mcphost.AuditConfig, logger *slog.Logger) (Sink, error) {
	var sinks MultiSink
	fail := func(err error) (Sink, error) {
		return nil, errors.Join(err, sinks.Close())
	}

	if c := cfg.Postgres; c != nil {
		s, err := OpenPostgres(ctx, c.DSN, c.Table)
		if err != nil {
			return fail(fmt.Errorf("failed to open postgres sink: %w", err))
		}
		sinks = append(sinks, s)
	}
	if c := cfg.Kafka; c != nil {
		sinks = append(sinks, NewKafkaSink(c.Brokers, c.Topic))
	}
	if c := cfg.Redis; c != nil {
		s, err := OpenRedisStream(ctx, c.Addr, c.Password, c.DB, c.Stream, c.MaxLen)
		if err != nil {
			return fail(fmt.Errorf("failed to open redis sink: %w", err))
		}
		sinks = append(sinks, s)
	}
	if c := cfg.MQTT; c != nil {
		clientID := c.ClientID
		if clientID == "" {
			clientID = "mcphost-audit-" + uuid.New().String()
		}
		s, err := OpenMQTT(c.Broker, clientID, c.Topic, c.QoS)
		if err != nil {
			return fail(fmt.Errorf("failed to open mqtt sink: %w", err))
		}
		sinks = append(sinks, s)
	}

	switch len(sinks) {
	case 0:
		return NewLogSink(logger), nil
	case 1:
		return sinks[0], nil
	default:
		return sinks, nil
	}
}

// FromConfig opens the sinks of cfg and returns a Recorder, not yet started, writing to them.
func FromConfig(ctx context.Context, d *mcphost.Dispatcher, cfg mcphost.AuditConfig, logger *slog.Logger) (*Recorder, error) {
	sink, err := OpenSinks(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewRecorder(d, sink,
		WithLogger(logger),
		WithBufferSize(cfg.BufferSize),
		WithBatchSize(cfg.BatchSize),
		WithFlushInterval(cfg.FlushInterval),
	), nil
}
