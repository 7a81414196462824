package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/commerce-order-platform/pkg/metrics"
	"github.com/dmehra2102/commerce-order-platform/pkg/tracing"
)

// ErrPermanent marks handler errors that retrying cannot fix, e.g. a
// payload that does not decode. Wrap it to skip straight to the DLQ.
var ErrPermanent = errors.New("permanent")

type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Deduper interface {
	Key(topic string, partition int, offset int64) string
	Seen(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Handler func(ctx context.Context, msg kafka.Message) error

type Consumer struct {
	log         *slog.Logger
	reader      Reader
	idem        Deduper
	dlq         Writer
	handler     Handler
	tracer      trace.Tracer
	maxAttempts int
	backoff     time.Duration
}

type Option func(*Consumer)

// WithDeadLetter routes messages whose handler keeps failing to
// "<topic>.dlq" through w.
func WithDeadLetter(w Writer) Option {
	return func(c *Consumer) { c.dlq = w }
}

func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(c *Consumer) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		c.backoff = backoff
	}
}

func NewReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: group,
	})
}

func NewConsumer(log *slog.Logger, name string, reader Reader, idem Deduper, handler Handler, opts ...Option) *Consumer {
	c := &Consumer{
		log:         log,
		reader:      reader,
		idem:        idem,
		handler:     handler,
		tracer:      otel.Tracer(name),
		maxAttempts: 3,
		backoff:     200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes until ctx is done. It stops with an error when a message can
// neither be handled nor dead-lettered, so the uncommitted offset is
// fetched again after a restart instead of being committed past.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.handle(ctx, msg); err != nil {
			return fmt.Errorf("consume %s offset %d: %w", msg.Topic, msg.Offset, err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	key := c.idem.Key(msg.Topic, msg.Partition, msg.Offset)
	seen, err := c.idem.Seen(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("idempotency check: %w", err)
	}
	if seen {
		c.log.Info("duplicate message skipped", "key", key)
		metrics.ConsumerMessages.WithLabelValues(msg.Topic, "duplicate").Inc()
		_ = c.reader.CommitMessages(ctx, msg)
		return nil
	}
	// The claim must not outlive a run that did not finish the message.
	bg := context.WithoutCancel(ctx)

	eventType := tracing.HeaderValue(msg.Headers, "event_type")
	msgCtx := tracing.ExtractKafkaHeaders(ctx, msg.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "Consume "+eventType, trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("messaging.destination", msg.Topic)))
	defer span.End()

	err = c.process(msgCtx, msg)
	if err == nil {
		metrics.ConsumerMessages.WithLabelValues(msg.Topic, "processed").Inc()
		_ = c.reader.CommitMessages(bg, msg)
		return nil
	}

	if ctx.Err() != nil {
		c.log.Warn("message interrupted by shutdown", "topic", msg.Topic, "offset", msg.Offset, "err", err)
		if relErr := c.idem.Release(bg, key); relErr != nil {
			c.log.Error("idempotency release failed", "key", key, "err", relErr)
		}
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.log.Error("message handling failed", "topic", msg.Topic, "offset", msg.Offset, "event_type", eventType, "err", err)

	if c.dlq == nil {
		metrics.ConsumerMessages.WithLabelValues(msg.Topic, "dropped").Inc()
		_ = c.reader.CommitMessages(bg, msg)
		return nil
	}
	if dlqErr := c.deadLetter(bg, msg, err); dlqErr != nil {
		if relErr := c.idem.Release(bg, key); relErr != nil {
			c.log.Error("idempotency release failed", "key", key, "err", relErr)
		}
		return fmt.Errorf("dead letter: %w", dlqErr)
	}
	metrics.ConsumerMessages.WithLabelValues(msg.Topic, "dead_lettered").Inc()
	_ = c.reader.CommitMessages(bg, msg)
	return nil
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	var err error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err = c.handler(ctx, msg); err == nil || errors.Is(err, ErrPermanent) {
			return err
		}
		if attempt == c.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff * time.Duration(1<<(attempt-1))):
		}
	}
	return err
}

func (c *Consumer) deadLetter(ctx context.Context, msg kafka.Message, cause error) error {
	headers := append([]kafka.Header(nil), msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: "dlq_error", Value: []byte(cause.Error())},
		kafka.Header{Key: "dlq_source_topic", Value: []byte(msg.Topic)},
	)
	return c.dlq.WriteMessages(ctx, kafka.Message{
		Topic:   msg.Topic + ".dlq",
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	})
}
