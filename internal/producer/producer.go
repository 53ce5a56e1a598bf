// Package producer publishes alert state changes to Kafka.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/KevinTss/nyss/internal/events"
	"github.com/KevinTss/nyss/internal/kafkautil"
)

// writeTimeout is the maximum time to wait for a Kafka write.
const writeTimeout = 10 * time.Second

// Producer publishes alert events, keyed by alert ID so one alert's events
// stay ordered within a partition.
type Producer struct {
	triggered *kafka.Writer
	escalated *kafka.Writer
}

// NewProducer creates a producer for the alert topics. Writes are
// synchronous with leader acks for at-least-once semantics.
func NewProducer(brokers string) (*Producer, error) {
	if brokers == "" {
		return nil, fmt.Errorf("brokers cannot be empty")
	}
	brokerList := kafkautil.ParseBrokers(brokers)

	slog.Info("Initializing Kafka producer",
		"brokers", brokerList,
		"topics", []string{events.TopicAlertTriggered, events.TopicAlertEscalated},
	)

	createTopicIfNotExists(brokerList[0], events.TopicAlertTriggered)
	createTopicIfNotExists(brokerList[0], events.TopicAlertEscalated)

	return &Producer{
		triggered: newWriter(brokerList, events.TopicAlertTriggered),
		escalated: newWriter(brokerList, events.TopicAlertEscalated),
	}, nil
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: writeTimeout,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
}

// PublishAlertTriggered publishes an alert creation event.
func (p *Producer) PublishAlertTriggered(ctx context.Context, evt events.AlertTriggered) error {
	return publish(ctx, p.triggered, evt.AlertID, evt, evt.CreatedAt)
}

// PublishAlertEscalated publishes an alert escalation event.
func (p *Producer) PublishAlertEscalated(ctx context.Context, evt events.AlertEscalated) error {
	return publish(ctx, p.escalated, evt.AlertID, evt, evt.EscalatedAt)
}

func publish(ctx context.Context, w *kafka.Writer, alertID int64, evt any, at time.Time) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal alert event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", alertID)),
		Value: payload,
		Time:  at,
	}
	if err := w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to Kafka: %w", err)
	}

	slog.Info("Published alert event", "topic", w.Topic, "alert_id", alertID)
	return nil
}

// Close closes the underlying writers.
func (p *Producer) Close() error {
	if err := p.triggered.Close(); err != nil {
		return err
	}
	return p.escalated.Close()
}
