// Package kafka provides Kafka producer and consumer clients backed by
// segmentio/kafka-go. The producer serialises events as JSON, while the
// consumer decodes them via a pluggable MessageHandler callback.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"

	"github.com/Adithya-Monish-Kumar-K/segmerge/pkg/config"
)

// MessageHandler is a callback invoked for each Kafka message. A returned
// error is retried; wrap it with Skip to drop the message instead.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

// Skip marks a handler error as final: the message is committed without
// further attempts.
func Skip(err error) error {
	return backoff.Permanent(err)
}

// Consumer reads messages from a Kafka topic and dispatches them to a
// MessageHandler.
type Consumer struct {
	reader      *kafka.Reader
	logger      *slog.Logger
	handler     MessageHandler
	maxAttempts uint64
	retryDelay  time.Duration
}

type ConsumerOption func(*Consumer)

// WithHandlerRetries sets how often a failing message is handed to the
// handler again, starting initialDelay apart, before it is skipped.
func WithHandlerRetries(attempts int, initialDelay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if attempts > 0 {
			c.maxAttempts = uint64(attempts)
		}
		if initialDelay > 0 {
			c.retryDelay = initialDelay
		}
	}
}

// NewConsumer creates a Consumer for the given topic and handler.
func NewConsumer(cfg config.KafkaConfig, topic string, handler MessageHandler, opts ...ConsumerOption) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1e3,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
	})

	c := &Consumer{
		reader:      r,
		logger:      slog.Default().With("component", "kafka-consumer", "topic", topic),
		handler:     handler,
		maxAttempts: 5,
		retryDelay:  200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start enters the consume loop, fetching and processing messages until ctx
// is cancelled. A message is committed once the handler accepted it or gave
// up on it; a shutdown in between leaves it uncommitted for redelivery.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopping", "reason", ctx.Err())
			return c.reader.Close()
		default:
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return c.reader.Close()
			}
			c.logger.Error("failed to fetch message", "error", err)
			continue
		}
		c.logger.Debug("message received",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"key", string(msg.Key),
			"value_size", len(msg.Value),
		)
		if err := c.process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping mid-message", "partition", msg.Partition, "offset", msg.Offset)
				return c.reader.Close()
			}
			c.logger.Error("dropping message after failed attempts",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("failed to commit message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.retryDelay
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, c.maxAttempts-1), ctx)

	return backoff.RetryNotify(func() error {
		return c.handler(ctx, msg.Key, msg.Value)
	}, policy, func(err error, next time.Duration) {
		c.logger.Warn("failed to process message, retrying",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
			"next_delay", next,
		)
	})
}

// Close closes the underlying Kafka reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// DecodeJSON is a generic helper that unmarshals a Kafka message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}

// Ping dials the first reachable broker.
func Ping(ctx context.Context, brokers []string) error {
	var errs []error
	for _, b := range brokers {
		conn, err := kafka.DialContext(ctx, "tcp", b)
		if err == nil {
			return conn.Close()
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return errors.New("no kafka brokers configured")
	}
	return fmt.Errorf("dialing kafka brokers: %w", errors.Join(errs...))
}
