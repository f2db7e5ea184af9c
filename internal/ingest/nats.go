package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSConfig names the JetStream objects fills are read from.
type NATSConfig struct {
	URL     string
	Stream  string
	Subject string
	Durable string
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("polylive"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("ingest: nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("ingest: jetstream: %w", err)
	}
	return nc, js, nil
}

// EnsureStream creates the fills stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg NATSConfig) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("ingest: create stream %s: %w", cfg.Stream, err)
	}
	return nil
}

// NATSConsumer applies fills delivered by a durable JetStream consumer.
// Malformed fills are terminated; transient ledger failures are redelivered.
type NATSConsumer struct {
	js      jetstream.JetStream
	cfg     NATSConfig
	applier FillApplier
	logger  *slog.Logger
	cc      jetstream.ConsumeContext
}

// NewNATSConsumer creates a consumer. Call Start to begin delivery.
func NewNATSConsumer(js jetstream.JetStream, cfg NATSConfig, applier FillApplier, logger *slog.Logger) *NATSConsumer {
	return &NATSConsumer{
		js:      js,
		cfg:     cfg,
		applier: applier,
		logger:  logger.With(slog.String("component", "nats_fills")),
	}
}

// Start creates the durable consumer and begins delivery. ctx bounds each
// fill application.
func (c *NATSConsumer) Start(ctx context.Context) error {
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, c.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       c.cfg.Durable,
		FilterSubject: c.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("ingest: create consumer %s: %w", c.cfg.Durable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		c.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("ingest: consume %s: %w", c.cfg.Durable, err)
	}
	c.cc = cc
	c.logger.Info("consuming fills",
		slog.String("subject", c.cfg.Subject),
		slog.String("consumer", c.cfg.Durable),
	)
	return nil
}

// Stop ends delivery.
func (c *NATSConsumer) Stop() {
	if c.cc != nil {
		c.cc.Stop()
	}
}

// ackable is the part of jetstream.Msg the handler needs.
type ackable interface {
	Data() []byte
	Subject() string
	Ack() error
	Nak() error
	Term() error
	Metadata() (*jetstream.MsgMetadata, error)
}

func (c *NATSConsumer) handle(ctx context.Context, msg ackable) {
	fallback := ""
	if meta, err := msg.Metadata(); err == nil {
		fallback = fmt.Sprintf("nats:%s:%d", meta.Stream, meta.Sequence.Stream)
	}

	fill, err := DecodeFill(msg.Data(), fallback)
	if err == nil {
		_, err = c.applier.ApplyFill(ctx, fill)
	}

	switch {
	case err == nil:
		_ = msg.Ack()
	case permanent(err):
		c.logger.WarnContext(ctx, "rejecting fill",
			slog.String("subject", msg.Subject()),
			slog.String("error", err.Error()),
		)
		_ = msg.Term()
	default:
		c.logger.ErrorContext(ctx, "apply fill failed, will redeliver",
			slog.String("subject", msg.Subject()),
			slog.String("error", err.Error()),
		)
		_ = msg.Nak()
	}
}
