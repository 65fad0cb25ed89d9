package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"security-gateway/internal/models"
)

type messageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// StreamWriter publishes events to a topic keyed by source address, so all
// events from one source land on one partition in order.
type StreamWriter struct {
	producer messageProducer
	topic    string
}

func NewStreamWriter(producer messageProducer, topic string) *StreamWriter {
	return &StreamWriter{producer: producer, topic: topic}
}

func (w *StreamWriter) Name() string { return "kafka" }

func (w *StreamWriter) Write(ctx context.Context, e models.SecurityEvent) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return w.producer.ProduceMessage(ctx, w.topic, []byte(e.SourceAddress), value, map[string]string{
		"event_type": string(e.EventType),
	})
}
