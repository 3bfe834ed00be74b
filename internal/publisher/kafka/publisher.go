// Package kafka publishes incident lifecycle events to Kafka topics.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/JakeFAU/realtime-911/internal/incident"
)

// Config lists the brokers to produce to.
type Config struct {
	Brokers []string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher produces one message per Publish call. The topic is chosen per
// message so a single writer serves every topic.
type Publisher struct {
	writer messageWriter
}

// New creates a producer for the configured brokers.
func New(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Balancer:               &kafkago.LeastBytes{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: false,
	}
	return &Publisher{writer: w}, nil
}

// Publish serializes payload and writes it to topic. Incident events are
// keyed by incident id so one incident's events stay ordered on a partition.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	msg, err := buildMessage(topic, payload)
	if err != nil {
		return "", err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("write kafka message: %w", err)
	}
	return string(msg.Key), nil
}

// Close flushes pending writes and closes broker connections.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

func buildMessage(topic string, payload any) (kafkago.Message, error) {
	if topic == "" {
		return kafkago.Message{}, fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize payload: %w", err)
	}
	msg := kafkago.Message{Topic: topic, Value: data}
	if ev, ok := payload.(incident.Event); ok {
		msg.Key = []byte(ev.IncidentID)
		msg.Headers = []kafkago.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "occurred_at", Value: []byte(ev.OccurredAt.Format(time.RFC3339))},
		}
	}
	return msg, nil
}
