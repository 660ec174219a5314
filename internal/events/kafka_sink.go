package events

import (
	"context"
	"encoding/json"
	"fmt"

	"chat-auth-guard/internal/models"
)

type MessageProducer interface {
	ProduceMessage(ctx context.Context, key, value []byte, headers map[string]string) error
}

// KafkaSink publishes every event as JSON, keyed by scope so one key's events
// stay ordered on a single partition.
type KafkaSink struct {
	producer MessageProducer
}

func NewKafkaSink(producer MessageProducer) *KafkaSink {
	return &KafkaSink{producer: producer}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Handle(ctx context.Context, event models.SecurityEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode security event: %w", err)
	}
	return s.producer.ProduceMessage(ctx, []byte(event.PartitionKey()), value, map[string]string{
		"event_type": string(event.EventType),
		"event_id":   event.EventID,
	})
}

func (s *KafkaSink) Close(context.Context) error { return nil }
