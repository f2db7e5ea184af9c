package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig names the topic and consumer group fills are read from.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer applies fills from a Kafka topic. Offsets are committed only
// after the ledger accepted or permanently rejected a fill.
type KafkaConsumer struct {
	reader  messageReader
	applier FillApplier
	logger  *slog.Logger
	retries int
	backoff time.Duration
}

// NewKafkaConsumer creates a consumer group reader for cfg.
func NewKafkaConsumer(cfg KafkaConfig, applier FillApplier, logger *slog.Logger) *KafkaConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 1e6,
		MaxWait:  500 * time.Millisecond,
	})
	return newKafkaConsumer(reader, applier, logger)
}

func newKafkaConsumer(reader messageReader, applier FillApplier, logger *slog.Logger) *KafkaConsumer {
	return &KafkaConsumer{
		reader:  reader,
		applier: applier,
		logger:  logger.With(slog.String("component", "kafka_fills")),
		retries: 3,
		backoff: 500 * time.Millisecond,
	}
}

// Run consumes until ctx is cancelled.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("ingest: kafka fetch: %w", err)
		}

		if err := c.apply(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.ErrorContext(ctx, "giving up on fill",
				slog.Int("partition", m.Partition),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ingest: kafka commit: %w", err)
		}
	}
}

func (c *KafkaConsumer) apply(ctx context.Context, m kafka.Message) error {
	fallback := fmt.Sprintf("kafka:%s:%d:%d", m.Topic, m.Partition, m.Offset)
	fill, err := DecodeFill(m.Value, fallback)
	if err != nil {
		c.logger.WarnContext(ctx, "rejecting fill", slog.String("error", err.Error()))
		return nil
	}

	for attempt := 0; ; attempt++ {
		_, err = c.applier.ApplyFill(ctx, fill)
		if err == nil || permanent(err) || attempt >= c.retries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff):
		}
	}
}
