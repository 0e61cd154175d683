package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cimillas/ultimate-ticket/services/tickets/internal/domain"
)

const (
	SubjectOrderCreated   = "order:created"
	SubjectOrderCancelled = "order:cancelled"
)

// MessageReader is the part of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// TicketReserver applies order outcomes to tickets.
type TicketReserver interface {
	ReserveTicket(ctx context.Context, ticketID, orderID string) (domain.Ticket, error)
	ReleaseTicket(ctx context.Context, ticketID, orderID string) (domain.Ticket, error)
}

func NewKafkaReader(brokers []string, groupID, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
}

type orderEnvelope struct {
	Subject string `json:"subject"`
	Data    struct {
		ID     string `json:"id"`
		Ticket struct {
			ID string `json:"id"`
		} `json:"ticket"`
	} `json:"data"`
}

type OrderConsumer struct {
	reader      MessageReader
	tickets     TicketReserver
	logger      *zap.Logger
	tracer      trace.Tracer
	propagator  propagation.TextMapPropagator
	maxAttempts int
	retryDelay  time.Duration
}

type OrderConsumerOption func(*OrderConsumer)

func WithConsumerLogger(l *zap.Logger) OrderConsumerOption {
	return func(c *OrderConsumer) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithConflictRetries sets how often a reservation is re-read and retried after losing
// a version race.
func WithConflictRetries(n int) OrderConsumerOption {
	return func(c *OrderConsumer) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithRetryDelay sets the pause before a message that failed for a transient reason is
// handled again.
func WithRetryDelay(d time.Duration) OrderConsumerOption {
	return func(c *OrderConsumer) {
		if d > 0 {
			c.retryDelay = d
		}
	}
}

func NewOrderConsumer(reader MessageReader, tickets TicketReserver, opts ...OrderConsumerOption) *OrderConsumer {
	c := &OrderConsumer{
		reader:      reader,
		tickets:     tickets,
		logger:      zap.NewNop(),
		tracer:      otel.Tracer("tickets/events"),
		propagator:  otel.GetTextMapPropagator(),
		maxAttempts: 3,
		retryDelay:  time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run fetches, applies and commits order events until ctx is done. A message is
// committed only after it has been handled.
func (c *OrderConsumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch order event: %w", err)
		}

		for {
			err := c.Handle(ctx, msg)
			if err == nil {
				break
			}
			c.logger.Error("order event failed, retrying",
				zap.Int64("offset", msg.Offset),
				zap.Int("partition", msg.Partition),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.retryDelay):
			}
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit order event: %w", err)
		}
	}
}

// Handle applies one order event. It returns an error only when the message should be
// handled again; malformed or unknown messages are logged and skipped.
func (c *OrderConsumer) Handle(ctx context.Context, msg kafka.Message) (err error) {
	ctx = contextFromHeaders(ctx, c.propagator, msg)
	ctx, span := c.tracer.Start(ctx, "orders.consume", trace.WithSpanKind(trace.SpanKindConsumer))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var env orderEnvelope
	if err := sonic.Unmarshal(msg.Value, &env); err != nil {
		c.logger.Error("malformed order event",
			zap.ByteString("key", msg.Key),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		return nil
	}
	orderID, ticketID := env.Data.ID, env.Data.Ticket.ID
	span.SetAttributes(
		attribute.String("order.subject", env.Subject),
		attribute.String("order.id", orderID),
		attribute.String("ticket.id", ticketID),
	)

	var apply func(context.Context, string, string) (domain.Ticket, error)
	switch env.Subject {
	case SubjectOrderCreated:
		apply = c.tickets.ReserveTicket
	case SubjectOrderCancelled:
		apply = c.tickets.ReleaseTicket
	default:
		c.logger.Debug("ignoring order event", zap.String("subject", env.Subject))
		return nil
	}
	if orderID == "" || ticketID == "" {
		c.logger.Error("order event without order or ticket id",
			zap.String("subject", env.Subject),
			zap.Int64("offset", msg.Offset),
		)
		return nil
	}

	for attempt := 1; ; attempt++ {
		ticket, err := apply(ctx, ticketID, orderID)
		switch {
		case err == nil:
			c.logger.Info("order event applied",
				zap.String("subject", env.Subject),
				zap.String("order_id", orderID),
				zap.String("ticket_id", ticketID),
				zap.Int64("version", ticket.Version),
			)
			return nil
		case errors.Is(err, domain.ErrVersionConflict) && attempt < c.maxAttempts:
			continue
		case errors.Is(err, domain.ErrPublishFailed):
			// Committed; the event is queued for redelivery.
			c.logger.Warn("order event applied, ticket event pending",
				zap.String("order_id", orderID),
				zap.String("ticket_id", ticketID),
				zap.Error(err),
			)
			return nil
		case errors.Is(err, domain.ErrTicketNotFound),
			errors.Is(err, domain.ErrTicketReserved),
			errors.Is(err, domain.ErrInvalidID),
			errors.Is(err, domain.ErrInvalidInput):
			c.logger.Warn("order event rejected",
				zap.String("subject", env.Subject),
				zap.String("order_id", orderID),
				zap.String("ticket_id", ticketID),
				zap.Error(err),
			)
			return nil
		default:
			return err
		}
	}
}

func (c *OrderConsumer) Close() error {
	return c.reader.Close()
}
