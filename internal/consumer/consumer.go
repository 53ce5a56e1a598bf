// Package consumer reads inbound SMS submissions from Kafka and feeds them
// through the ingestion validator.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/KevinTss/nyss/internal/database"
	"github.com/KevinTss/nyss/internal/events"
	"github.com/KevinTss/nyss/internal/ingest"
	"github.com/KevinTss/nyss/internal/kafkautil"
	"github.com/KevinTss/nyss/internal/metrics"
)

// Ingester validates and admits one inbound submission.
type Ingester interface {
	Ingest(ctx context.Context, msg events.InboundSMS) (*database.Report, error)
}

// Consumer wraps a Kafka reader over the inbound SMS topic.
type Consumer struct {
	reader    *kafka.Reader
	topic     string
	collector *metrics.Collector
}

// NewConsumer creates a consumer configured for at-least-once delivery.
func NewConsumer(brokers, topic, groupID string, collector *metrics.Collector) (*Consumer, error) {
	if err := kafkautil.ValidateConsumerParams(brokers, topic, groupID); err != nil {
		return nil, err
	}
	brokerList := kafkautil.ParseBrokers(brokers)

	slog.Info("Initializing Kafka consumer",
		"brokers", brokerList,
		"topic", topic,
		"group_id", groupID,
	)

	reader := kafka.NewReader(kafkautil.NewReaderConfig(brokerList, topic, groupID))
	return &Consumer{reader: reader, topic: topic, collector: collector}, nil
}

// ReadMessage reads and decodes the next inbound submission.
func (c *Consumer) ReadMessage(ctx context.Context) (*events.InboundSMS, *kafka.Message, error) {
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read message from Kafka: %w", err)
	}

	var sms events.InboundSMS
	if err := json.Unmarshal(msg.Value, &sms); err != nil {
		return nil, &msg, fmt.Errorf("failed to unmarshal inbound sms: %w", err)
	}
	return &sms, &msg, nil
}

// CommitMessage commits the offset of a processed message.
func (c *Consumer) CommitMessage(ctx context.Context, msg *kafka.Message) error {
	return c.reader.CommitMessages(ctx, *msg)
}

// Run processes the topic until the context is cancelled. Rejected
// submissions are final and get committed; infrastructure errors leave the
// offset uncommitted so the message is redelivered.
func (c *Consumer) Run(ctx context.Context, ingester Ingester) error {
	slog.Info("Consumer started", "topic", c.topic)
	for {
		sms, msg, err := c.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			if msg != nil {
				// Undecodable message: committing is the only way forward.
				slog.Error("Dropping undecodable message", "topic", c.topic, "offset", msg.Offset, "error", err)
				if commitErr := c.CommitMessage(ctx, msg); commitErr != nil {
					slog.Error("Failed to commit offset", "error", commitErr)
				}
				continue
			}
			slog.Error("Failed to read from Kafka", "error", err)
			continue
		}

		c.collector.RecordReceived()
		start := time.Now()
		_, err = ingester.Ingest(ctx, *sms)
		switch {
		case err == nil:
			c.collector.RecordAdmitted(time.Since(start))
		default:
			var rejection *ingest.RejectionError
			if !errors.As(err, &rejection) {
				c.collector.RecordError()
				slog.Error("Failed to process submission, leaving offset uncommitted",
					"sender", sms.Sender, "error", err)
				continue
			}
			c.collector.RecordRejected(string(rejection.Reason))
		}

		if err := c.CommitMessage(ctx, msg); err != nil {
			slog.Error("Failed to commit offset", "topic", c.topic, "offset", msg.Offset, "error", err)
		}
	}
}

// Close gracefully closes the Kafka reader.
func (c *Consumer) Close() error {
	slog.Info("Closing Kafka consumer", "topic", c.topic)
	return c.reader.Close()
}
