package sink

import (
	"context"
	"fmt"

	"github.com/flowguard-project/flowguard/internal/core"
	"github.com/segmentio/kafka-go"
)

// KafkaPublisher mirrors recorded events to a Kafka topic for downstream
// analytics. Messages are keyed by actor (or source when anonymous) so one
// actor's events stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(cfg core.KafkaConfig) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
	}
}

func (k *KafkaPublisher) PublishEvent(ctx context.Context, event *core.SecurityEvent) error {
	msg, err := eventMessage(event)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("writing event %s to kafka: %w", event.ID, err)
	}
	return nil
}

func eventMessage(event *core.SecurityEvent) (kafka.Message, error) {
	data, err := event.Marshal()
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshaling event: %w", err)
	}
	key := event.ActorID
	if key == "" {
		key = event.SourceAddress
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "severity", Value: []byte(event.Severity.String())},
		},
	}, nil
}

func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}
