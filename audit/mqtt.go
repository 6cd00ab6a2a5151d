package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTSink publishes each record to topic/<channel>, with ':' replaced by '/'.
type MQTTSink struct {
	client mqtt.Client
	topic  string
	qos    byte
}

// OpenMQTT connects to broker.
func OpenMQTT(broker, clientID, topic string, qos byte) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", broker, token.Error())
	}
	return &MQTTSink{client: client, topic: topic, qos: qos}, nil
}

// Write implements Sink.
func (s *MQTTSink) Write(ctx context.Context, records []Record) error {
	for _, r := range records {
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		token := s.client.Publish(Topic(s.topic, r.Channel), s.qos, false, payload)
		select {
		case <-token.Done():
		case <-ctx.Done():
			return fmt.Errorf("failed to publish audit record: %w", ctx.Err())
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to publish audit record: %w", err)
		}
	}
	return nil
}

// Close implements Sink.
func (s *MQTTSink) Close() error {
	// Give in-flight publishes 250ms.
	s.client.Disconnect(250)
	return nil
}

// Topic returns the MQTT topic of channel below prefix.
func Topic(prefix, channel string) string {
	t := strings.ReplaceAll(channel, ":", "/")
	if prefix == "" {
		return t
	}
	return strings.TrimSuffix(prefix, "/") + "/" + t
}
