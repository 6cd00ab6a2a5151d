package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// KafkaSink produces one message per record to a Kafka topic. Messages are keyed by
// correlation id, or server name, so the records of one operation stay on one partition.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink creates a KafkaSink for topic on brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
	}
}

// Write implements Sink.
func (s *KafkaSink) Write(ctx context.Context, records []Record) error {
	msgs := make([]kafka.Message, 0, len(records))
	for _, r := range records {
		value, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(recordKey(r)),
			Value: value,
			Time:  r.Timestamp,
			Headers: []kafka.Header{
				{Key: "channel", Value: []byte(r.Channel)},
			},
		})
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to produce audit records: %w", err)
	}
	return nil
}

// Close implements Sink.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func recordKey(r Record) string {
	switch {
	case r.CorrelationID != "":
		return r.CorrelationID
	case r.ServerName != "":
		return r.ServerName
	default:
		return r.InstanceID
	}
}
