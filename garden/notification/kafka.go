package notification

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
)

// Kafka is a Notifier that publishes events to a Kafka topic, keyed by
// device serial so events for one device stay ordered within a partition.
type Kafka struct {
	writer *kafka.Writer
}

// NewKafka returns a new Kafka notifier for the given brokers and topic.
func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
	}
}

// Notify implements the Notifier interface
func (k *Kafka) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Serial),
		Value: body,
	})
}

// Close closes the underlying writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}
