package producer

import (
	"log/slog"

	"github.com/segmentio/kafka-go"
)

// createTopicIfNotExists creates the topic on first use. Best effort; broker
// setups with auto-creation or pre-provisioned topics make this a no-op.
func createTopicIfNotExists(broker, topic string) {
	conn, err := kafka.Dial("tcp", broker)
	if err != nil {
		slog.Warn("Could not connect to Kafka to check/create topic",
			"broker", broker,
			"topic", topic,
			"error", err,
			"note", "Topic may need to be created manually",
		)
		return
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions(topic)
	if err == nil && len(partitions) > 0 {
		return
	}

	topicConfig := kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     3,
		ReplicationFactor: 1,
	}
	if err := conn.CreateTopics(topicConfig); err != nil {
		slog.Warn("Could not create topic", "topic", topic, "error", err)
		return
	}
	slog.Info("Created topic", "topic", topic, "partitions", topicConfig.NumPartitions)
}
