package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/sentrasec/detection-engine/config"
	"github.com/sentrasec/detection-engine/domain/entity"
	"github.com/sentrasec/detection-engine/pkg/logging"
	"github.com/sentrasec/detection-engine/pkg/metrics"
)

// EventAnalyzer is the pipeline entry point the consumer feeds.
type EventAnalyzer interface {
	AnalyzeEvent(ctx context.Context, event *entity.Event) (*entity.ThreatAnalysisResult, error)
}

// inboundEvent is the wire shape accepted on the raw events topic.
type inboundEvent struct {
	ID         string                 `json:"id,omitempty"`
	EntityID   string                 `json:"entity_id"`
	Type       string                 `json:"type"`
	Timestamp  time.Time              `json:"timestamp,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// KafkaConsumer pulls raw events off kafka and runs them through the
// analysis pipeline. Each worker owns a reader in the same consumer group;
// transient analysis failures are retried a bounded number of times, then
// the message goes to the dead letter topic and the offset is committed so
// one poison message cannot wedge a partition.
type KafkaConsumer struct {
	cfg      config.KafkaConfig
	analyzer EventAnalyzer
	dlq      *kafka.Writer
	metrics  *metrics.Collector
	logger   *logging.Logger

	wg sync.WaitGroup
}

// NewKafkaConsumer builds the ingestion consumer.
func NewKafkaConsumer(cfg config.KafkaConfig, analyzer EventAnalyzer, collector *metrics.Collector, logger *logging.Logger) *KafkaConsumer {
	var dlq *kafka.Writer
	if cfg.DeadLetterTopic != "" {
		dlq = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.DeadLetterTopic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		}
	}
	return &KafkaConsumer{
		cfg:      cfg,
		analyzer: analyzer,
		dlq:      dlq,
		metrics:  collector,
		logger:   logger.WithComponent("kafka-consumer"),
	}
}

// Run starts the worker pool and blocks until the context ends.
func (c *KafkaConsumer) Run(ctx context.Context) {
	workers := c.cfg.WorkerCount
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}
	c.wg.Wait()
	if c.dlq != nil {
		if err := c.dlq.Close(); err != nil {
			c.logger.Warn("dead letter writer close failed", logging.Error(err))
		}
	}
}

func (c *KafkaConsumer) worker(ctx context.Context, id int) {
	defer c.wg.Done()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.cfg.Brokers,
		GroupID:        c.cfg.ConsumerGroup,
		Topic:          c.cfg.EventsTopic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
	defer reader.Close()

	log := c.logger.WithFields(logging.Int("worker", id))
	for {
		message, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("fetch failed", logging.Error(err))
			continue
		}

		c.handle(ctx, message, log)

		if err := reader.CommitMessages(ctx, message); err != nil && ctx.Err() == nil {
			log.Warn("commit failed", logging.Error(err))
		}
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, message kafka.Message, log *logging.Logger) {
	event, err := c.decode(message.Value)
	if err != nil {
		c.metrics.RecordIngestionMessage("invalid")
		log.Warn("undecodable event message", logging.Error(err))
		c.deadLetter(ctx, message, err)
		return
	}

	var lastErr error
	attempts := c.cfg.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		processCtx, cancel := context.WithTimeout(ctx, c.cfg.ProcessingTimeout)
		_, lastErr = c.analyzer.AnalyzeEvent(processCtx, event)
		cancel()

		if lastErr == nil {
			c.metrics.RecordIngestionMessage("processed")
			return
		}
		// malformed input will not become valid on retry
		if entity.HasErrorCode(lastErr, entity.ErrCodeInvalidInput) {
			break
		}
		if ctx.Err() != nil {
			return
		}
		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.RetryDelay):
			}
		}
	}

	c.metrics.RecordIngestionMessage("dead_lettered")
	log.Error("event analysis failed, dead-lettering",
		logging.String("entity_id", event.EntityID),
		logging.Error(lastErr),
	)
	c.deadLetter(ctx, message, lastErr)
}

func (c *KafkaConsumer) decode(value []byte) (*entity.Event, error) {
	var inbound inboundEvent
	if err := json.Unmarshal(value, &inbound); err != nil {
		return nil, entity.ErrInvalidInput("payload").WithCause(err)
	}

	event := entity.NewEvent(inbound.EntityID, entity.EventType(inbound.Type), inbound.Attributes)
	if inbound.ID != "" {
		id, err := uuid.Parse(inbound.ID)
		if err != nil {
			return nil, entity.ErrInvalidInput("id").WithCause(err)
		}
		event.ID = id
	}
	if !inbound.Timestamp.IsZero() {
		event.Timestamp = inbound.Timestamp.UTC()
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return event, nil
}

func (c *KafkaConsumer) deadLetter(ctx context.Context, message kafka.Message, cause error) {
	if c.dlq == nil {
		return
	}
	headers := append(message.Headers, kafka.Header{
		Key:   "dead-letter-reason",
		Value: []byte(cause.Error()),
	})
	dead := kafka.Message{
		Key:     message.Key,
		Value:   message.Value,
		Headers: headers,
		Time:    time.Now().UTC(),
	}
	if err := c.dlq.WriteMessages(ctx, dead); err != nil && ctx.Err() == nil {
		c.metrics.RecordNotificationFailure("dead_letter")
		c.logger.Error("dead letter publish failed", logging.Error(err))
	}
}
