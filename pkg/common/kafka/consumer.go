package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/synaptica-ai/curation/pkg/common/config"
	"github.com/synaptica-ai/curation/pkg/common/logger"
	"github.com/synaptica-ai/curation/pkg/common/models"
)

const (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader     messageReader
	types      map[string]struct{}
	minBackoff time.Duration
	maxBackoff time.Duration
}

type EventHandler func(ctx context.Context, event models.Event) error

// NewConsumer reads topic as groupID. When eventTypes is non-empty, other
// event types are committed without reaching the handler.
func NewConsumer(topic string, groupID string, eventTypes ...string) *Consumer {
	cfg := config.Load()
	if groupID == "" {
		groupID = cfg.KafkaGroupID
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})

	types := make(map[string]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = struct{}{}
	}
	return &Consumer{reader: reader, types: types, minBackoff: minBackoff, maxBackoff: maxBackoff}
}

// Consume blocks until ctx is cancelled. Offsets are committed in order, so a
// message whose handler fails is retried with exponential backoff until it
// succeeds; later messages of the partition wait behind it. Fetch errors back
// off the same way.
func (c *Consumer) Consume(ctx context.Context, handler EventHandler) error {
	delay := c.minBackoff
	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			logger.WithField("retry_in", delay.String()).WithError(err).Error("Failed to fetch message")
			if err := sleep(ctx, delay); err != nil {
				return err
			}
			delay = c.next(delay)
			continue
		}
		delay = c.minBackoff

		event, err := decodeEvent(message)
		if err != nil {
			logger.WithField("offset", message.Offset).WithError(err).Error("Failed to decode event")
			c.commit(ctx, message)
			continue
		}

		if c.wants(event.Type) {
			if err := c.process(ctx, event, handler); err != nil {
				return err
			}
		}
		c.commit(ctx, message)
	}
}

// process runs handler until it succeeds or ctx is done.
func (c *Consumer) process(ctx context.Context, event models.Event, handler EventHandler) error {
	delay := c.minBackoff
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
			"retry_in":   delay.String(),
		}).WithError(err).Error("Failed to process event")
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		delay = c.next(delay)
	}
}

func (c *Consumer) next(delay time.Duration) time.Duration {
	delay *= 2
	if delay > c.maxBackoff {
		return c.maxBackoff
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Consumer) wants(eventType string) bool {
	if len(c.types) == 0 {
		return true
	}
	_, ok := c.types[eventType]
	return ok
}

func (c *Consumer) commit(ctx context.Context, message kafka.Message) {
	if err := c.reader.CommitMessages(ctx, message); err != nil {
		logger.WithField("offset", message.Offset).WithError(err).Error("Failed to commit message")
	}
}

func decodeEvent(message kafka.Message) (models.Event, error) {
	var event models.Event
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return event, fmt.Errorf("unmarshal event: %w", err)
	}
	if event.Type == "" {
		for _, h := range message.Headers {
			if h.Key == "event-type" {
				event.Type = string(h.Value)
			}
		}
	}
	return event, nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
