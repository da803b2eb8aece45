package action

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/SirClappington/ldnq/internal/domain"
)

// MessageWriter is the part of *kafka.Writer the relay uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter builds a synchronous writer so a failed write is reported
// back as a retryable outcome.
func NewKafkaWriter(brokers []string, topic string, logger *zap.Logger) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		Logger:       kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Debug(fmt.Sprintf(msg, args...)) }),
		ErrorLogger:  kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Error(fmt.Sprintf(msg, args...)) }),
	}
}

// KafkaRelay forwards the raw notification, keyed by message id.
type KafkaRelay struct {
	w   MessageWriter
	log *zap.Logger
}

func NewKafkaRelay(w MessageWriter, log *zap.Logger) *KafkaRelay {
	if log == nil {
		log = zap.NewNop()
	}
	return &KafkaRelay{w: w, log: log}
}

func (k *KafkaRelay) Apply(ctx context.Context, m domain.Message) error {
	msg := kafka.Message{
		Key:   []byte(m.ID),
		Value: m.Payload,
		Headers: []kafka.Header{
			{Key: "payload_ref", Value: []byte(m.PayloadRef)},
		},
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("relay %s: %w", m.ID, err)
	}
	k.log.Debug("relayed", zap.String("message_id", m.ID))
	return nil
}

// Log accepts every message. It is the dev default when no routes are set.
type Log struct{ L *zap.Logger }

func (a Log) Apply(_ context.Context, m domain.Message) error {
	a.L.Info("notification received",
		zap.String("message_id", m.ID),
		zap.String("payload_ref", m.PayloadRef),
		zap.Int("attempts", m.Attempts),
	)
	return nil
}
