package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/service-matching/internal/models"
	"github.com/example/service-matching/internal/observability"
)

// KafkaProducer streams request lifecycle events. Messages are keyed by
// request id so every transition of one request lands on one partition in
// order.
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string, logger *slog.Logger) *KafkaProducer {
	logger = logger.With("component", "kafka_producer", "topic", topic)
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				observability.EventsPublished.WithLabelValues("error").Add(float64(len(messages)))
				logger.Warn("lifecycle publish failed", "messages", len(messages), "error", err)
				return
			}
			observability.EventsPublished.WithLabelValues("ok").Add(float64(len(messages)))
		},
	}
	return &KafkaProducer{writer: w}
}

// Publish enqueues ev. The writer is async so this never waits on brokers.
func (k *KafkaProducer) Publish(ctx context.Context, ev models.LifecycleEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.RequestID), Value: b, Time: ev.At})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
