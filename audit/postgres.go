package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink appends records to a Postgres table, created on open if missing.
type PostgresSink struct {
	pool   *pgxpool.Pool
	insert string
}

const defaultPostgresTable = "mcphost_audit"

// OpenPostgres connects to dsn and prepares table. An empty table uses mcphost_audit.
func OpenPostgres(ctx context.Context, dsn, table string) (*PostgresSink, error) {
	if table == "" {
		table = defaultPostgresTable
	}
	ident := pgx.Identifier{table}.Sanitize()

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+ident+` (
		  id             uuid PRIMARY KEY,
		  channel        text NOT NULL,
		  server_name    text,
		  correlation_id text,
		  instance_id    text,
		  recorded_at    timestamptz NOT NULL,
		  payload        jsonb NOT NULL
		)`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}

	return &PostgresSink{
		pool: pool,
		insert: `
		INSERT INTO ` + ident + ` (id, channel, server_name, correlation_id, instance_id, recorded_at, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb)
		ON CONFLICT (id) DO NOTHING`,
	}, nil
}

// Write implements Sink. The batch is sent in one round trip.
func (s *PostgresSink) Write(ctx context.Context, records []Record) error {
	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(s.insert, r.ID, r.Channel, nullIfEmpty(r.ServerName), nullIfEmpty(r.CorrelationID),
			nullIfEmpty(r.InstanceID), r.Timestamp, string(r.Payload))
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert audit records: %w", err)
	}
	return nil
}

// Close implements Sink.
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
