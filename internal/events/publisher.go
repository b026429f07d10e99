// Package events publishes payment domain events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Topics.
const (
	TopicPaymentCompleted = "payment.completed"
	TopicPaymentFailed    = "payment.failed"
	TopicPaymentRefunded  = "payment.refunded"
)

// PaymentEvent is the value of every payment topic message.
type PaymentEvent struct {
	PaymentID  uuid.UUID       `json:"payment_id"`
	PayerID    uuid.UUID       `json:"payer_id"`
	CourseID   *uuid.UUID      `json:"course_id,omitempty"`
	OrderID    *uuid.UUID      `json:"order_id,omitempty"`
	Status     string          `json:"status"`
	Method     string          `json:"method"`
	Gateway    string          `json:"gateway"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Reason     string          `json:"reason,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Publisher sends domain events.
type Publisher interface {
	Publish(ctx context.Context, topic string, ev PaymentEvent) error
	Close() error
}

// KafkaPublisher publishes through a sarama SyncProducer, keyed by payment id
// so events of one payment stay ordered on a partition.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	logger   *zap.Logger
}

// NewKafkaPublisher connects a producer to brokers.
func NewKafkaPublisher(brokers []string, clientID string, logger *zap.Logger) (*KafkaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewPublisherWithProducer(producer, logger), nil
}

// NewPublisherWithProducer wraps an existing producer.
func NewPublisherWithProducer(producer sarama.SyncProducer, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{producer: producer, logger: logger}
}

// Publish sends ev to topic.
func (p *KafkaPublisher) Publish(_ context.Context, topic string, ev PaymentEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(ev.PaymentID.String()),
		Value: sarama.ByteEncoder(data),
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("send %s: %w", topic, err)
	}
	p.logger.Debug("event published",
		zap.String("topic", topic),
		zap.String("payment_id", ev.PaymentID.String()),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

// Close flushes and closes the producer.
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// Nop drops every event. Used when no brokers are configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, PaymentEvent) error { return nil }

func (Nop) Close() error { return nil }
