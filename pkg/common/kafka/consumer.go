package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/synaptica-ai/fdm/pkg/common/config"
	"github.com/synaptica-ai/fdm/pkg/common/logger"
	"github.com/synaptica-ai/fdm/pkg/common/models"
)

const (
	fetchBackoff    = time.Second
	retryBackoff    = time.Second
	maxRetryBackoff = 30 * time.Second
)

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader     messageReader
	backoff    time.Duration
	maxBackoff time.Duration
}

// EventHandler processes one event. A returned error is treated as transient:
// the same message is handed back until it succeeds. Handlers drop permanent
// failures themselves by returning nil.
type EventHandler func(ctx context.Context, event models.Event) error

func NewConsumer(cfg *config.Config, topic string, groupID string) *Consumer {
	if groupID == "" {
		groupID = cfg.KafkaGroupID
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		// Builds can run for a long time; keep the member in the group.
		MaxWait:        time.Second,
		CommitInterval: 0,
	})

	return newConsumer(reader)
}

func newConsumer(r messageReader) *Consumer {
	return &Consumer{reader: r, backoff: retryBackoff, maxBackoff: maxRetryBackoff}
}

// Consume hands every event to handler until ctx ends. Offsets are committed
// in order, so a failed message is retried in place with backoff before the
// consumer moves on. Malformed messages are committed and dropped.
func (c *Consumer) Consume(ctx context.Context, handler EventHandler) error {
	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			logger.Entry().WithError(err).Error("Failed to fetch message")
			if !sleep(ctx, fetchBackoff) {
				return ctx.Err()
			}
			continue
		}

		var event models.Event
		if err := json.Unmarshal(message.Value, &event); err != nil {
			logger.WithField("offset", message.Offset).WithError(err).Error("Failed to unmarshal event")
		} else if err := c.handle(ctx, handler, event); err != nil {
			// Context ended mid-retry; the message stays uncommitted.
			return err
		}

		if err := c.reader.CommitMessages(ctx, message); err != nil {
			logger.Entry().WithError(err).Error("Failed to commit message")
		}
	}
}

// handle runs handler until it succeeds. It only fails when ctx ends.
func (c *Consumer) handle(ctx context.Context, handler EventHandler, event models.Event) error {
	wait := c.backoff
	for attempt := 1; ; attempt++ {
		err := handler(ctx, event)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.WithFields(map[string]interface{}{
			"event_id":   event.ID,
			"event_type": event.Type,
			"attempt":    attempt,
			"retry_in":   wait.String(),
		}).WithError(err).Warn("Failed to process event, retrying")
		if !sleep(ctx, wait) {
			return ctx.Err()
		}
		if wait *= 2; wait > c.maxBackoff {
			wait = c.maxBackoff
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
