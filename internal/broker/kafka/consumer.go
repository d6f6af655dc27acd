package kafka

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

// ErrSkip tells the consumer to commit the message without processing it.
// Use it for payloads a retry cannot fix.
var ErrSkip = errors.New("skip message")

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads one topic in a consumer group with at-least-once semantics:
// an offset is committed only after the handler accepted the message.
type Consumer struct {
	r messageReader

	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
}

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers:           brokers,
		GroupID:           groupID,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
		MaxWait:           time.Second,
	}
	if groupID != "" {
		cfg.GroupTopics = []string{topic}
	} else {
		cfg.Topic = topic
	}
	return newConsumerWithReader(kafka.NewReader(cfg))
}

func newConsumerWithReader(r messageReader) *Consumer {
	return &Consumer{
		r:           r,
		maxAttempts: 10,
		backoff:     200 * time.Millisecond,
		maxBackoff:  10 * time.Second,
	}
}

// WithRetry sets how many times a failing message is handed to the handler
// before Consume gives up. maxAttempts <= 0 retries until ctx is done.
func (c *Consumer) WithRetry(maxAttempts int, backoff, maxBackoff time.Duration) *Consumer {
	c.maxAttempts = maxAttempts
	if backoff > 0 {
		c.backoff = backoff
	}
	if maxBackoff >= c.backoff {
		c.maxBackoff = maxBackoff
	}
	return c
}

func (c *Consumer) Close() error {
	return c.r.Close()
}

// Consume feeds messages to handler until ctx is done or an error occurs.
// Returns nil when stopped by ctx.
func (c *Consumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "fetch message")
		}
		if err := c.handle(ctx, msg, handler); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrapf(err, "handle offset %d", msg.Offset)
		}
		if err := c.r.CommitMessages(ctx, msg); err != nil {
			return errors.Wrap(err, "commit message")
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message, handler func(key, value []byte) error) error {
	delay := c.backoff
	for attempt := 1; ; attempt++ {
		err := handler(msg.Key, msg.Value)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrSkip) {
			slog.Warn("kafka message skipped",
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err.Error())
			return nil
		}
		if c.maxAttempts > 0 && attempt >= c.maxAttempts {
			return err
		}
		slog.Warn("kafka handler failed, retrying",
			"offset", msg.Offset, "attempt", attempt, "error", err.Error())

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
		if delay > c.maxBackoff {
			delay = c.maxBackoff
		}
	}
}
