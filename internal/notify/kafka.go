package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/BrandonDHaskell/portunus-nfc/internal/metrics"
)

// KafkaPublisher mirrors events onto a Kafka topic, keyed by event type, for
// consumers outside the process.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewKafkaConfig is the producer configuration used for event mirroring.
func NewKafkaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	return cfg
}

// DialKafka connects a producer to brokers.
func DialKafka(brokers []string, topic string, m *metrics.Metrics, logger *slog.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	producer, err := sarama.NewSyncProducer(brokers, NewKafkaConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaPublisher(producer, topic, m, logger), nil
}

func NewKafkaPublisher(producer sarama.SyncProducer, topic string, m *metrics.Metrics, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic, metrics: m, logger: logger}
}

var _ Notifier = (*KafkaPublisher)(nil)

func (p *KafkaPublisher) Broadcast(ctx context.Context, eventType string, payload any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	ev, err := NewEvent(eventType, payload)
	if err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(eventType),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_id"), Value: []byte(ev.ID)},
		},
	})
	if err != nil {
		p.metrics.IncNotifyFailure("kafka")
		p.logger.ErrorContext(ctx, "kafka publish failed", "topic", p.topic, "type", eventType, "error", err)
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
