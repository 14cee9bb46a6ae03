// Package messaging provides the kafka edges of the engine: the
// notification publisher all lifecycle events fan out through, and the
// ingestion consumer that feeds raw events into the analysis pipeline.
package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/sentrasec/detection-engine/config"
	"github.com/sentrasec/detection-engine/domain/service"
	"github.com/sentrasec/detection-engine/pkg/logging"
)

// KafkaPublisher publishes notifications onto a single notifications topic,
// keyed by the logical topic so consumers can partition-filter. At-least-once
// with no ordering guarantee across logical topics.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *logging.Logger
}

var _ service.NotificationPublisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher builds the notification publisher.
func NewKafkaPublisher(cfg config.KafkaConfig, logger *logging.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.NotificationsTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
		Async:        false,
	}
	return &KafkaPublisher{
		writer: writer,
		logger: logger.WithComponent("kafka-publisher"),
	}
}

// Publish serializes and sends one notification.
func (p *KafkaPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	message := kafka.Message{
		Key:   []byte(topic),
		Value: value,
		Headers: []kafka.Header{
			{Key: "notification-type", Value: []byte(topic)},
		},
		Time: time.Now().UTC(),
	}
	return p.writer.WriteMessages(ctx, message)
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
