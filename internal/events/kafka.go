package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events keyed by session id, so every event of a
// session lands on the same partition.
type KafkaPublisher struct {
	w messageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaPublisher{w: w}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev ConsultationCompleted) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.SessionID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte("consultation.completed")},
		},
	})
}

func (p *KafkaPublisher) Close() error { return p.w.Close() }
