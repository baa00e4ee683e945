package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/atmx/post-trade-engine/internal/model"
)

// MessageWriter is the subset of *kafka.Writer the bus needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaEventBus publishes lifecycle events as JSON, keyed by trade ID so
// every event of a trade lands on the same partition.
type KafkaEventBus struct {
	writer MessageWriter
}

// NewKafkaWriter builds a writer for the lifecycle topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Zstd,
	}
}

func NewKafkaEventBus(w MessageWriter) *KafkaEventBus {
	return &KafkaEventBus{writer: w}
}

// lifecycleMessage is the wire shape of a published event.
type lifecycleMessage struct {
	ID        string          `json:"id"`
	TradeID   string          `json:"trade_id"`
	Kind      model.EventKind `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   any             `json:"payload"`
}

func (b *KafkaEventBus) PublishLifecycleEvent(ctx context.Context, event model.LifecycleEvent) error {
	value, err := json.Marshal(lifecycleMessage{
		ID:        event.ID,
		TradeID:   event.TradeID,
		Kind:      event.Kind,
		Timestamp: event.Timestamp,
		Payload:   event.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal lifecycle event %s: %w", event.ID, err)
	}
	err = b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.TradeID),
		Value: value,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(event.Kind)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish lifecycle event %s: %w", event.ID, err)
	}
	return nil
}

func (b *KafkaEventBus) Close() error {
	return b.writer.Close()
}
