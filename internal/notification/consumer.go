package notification

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"security-gateway/internal/models"
	"security-gateway/internal/util"
)

type eventSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Consumer drives the dispatcher from the audit event stream instead of
// inline from the audit sink.
type Consumer struct {
	source     eventSource
	dispatcher *Dispatcher
	backoff    time.Duration
}

func NewConsumer(source eventSource, d *Dispatcher) *Consumer {
	return &Consumer{source: source, dispatcher: d, backoff: 500 * time.Millisecond}
}

// Run processes messages until ctx is cancelled. Undecodable messages are
// committed and skipped.
func (c *Consumer) Run(ctx context.Context) {
	util.Info("Notification consumer started")
	for {
		msg, err := c.source.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				util.Info("Notification consumer stopped")
				return
			}
			util.Warn("Notification consumer read error", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.backoff):
			}
			continue
		}

		c.handle(ctx, msg)

		if err := c.source.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			util.Warn("Failed to commit notification offset",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	var event models.SecurityEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		util.Warn("Skipping undecodable security event",
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return
	}
	if _, err := c.dispatcher.Process(ctx, InputFromEvent(event)); err != nil {
		util.Error("Failed to process security event",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.EventType)),
			zap.Error(err))
	}
}
