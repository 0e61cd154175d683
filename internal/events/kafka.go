package events

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/cimillas/ultimate-ticket/services/tickets/internal/domain"
)

const (
	headerSubject  = "subject"
	headerVersion  = "version"
	headerDedupKey = "dedup-key"
)

// MessageWriter is the part of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter returns a synchronous writer that waits for all in-sync replicas and
// hashes on the message key, so every version of a ticket lands on one partition.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
}

type KafkaPublisher struct {
	writer     MessageWriter
	propagator propagation.TextMapPropagator
}

func NewKafkaPublisher(writer MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, propagator: otel.GetTextMapPropagator()}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev domain.TicketEvent) error {
	payload, err := Encode(ev)
	if err != nil {
		return err
	}

	carrier := propagation.MapCarrier{}
	p.propagator.Inject(ctx, carrier)

	headers := []kafka.Header{
		{Key: headerSubject, Value: []byte(ev.Subject)},
		{Key: headerVersion, Value: []byte(strconv.FormatInt(ev.Ticket.Version, 10))},
		{Key: headerDedupKey, Value: []byte(ev.DedupKey())},
	}
	for k, v := range carrier {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	msg := kafka.Message{
		Key:     []byte(ev.Ticket.ID),
		Value:   payload,
		Headers: headers,
		Time:    ev.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write ticket event %s: %w", ev.DedupKey(), err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// contextFromHeaders restores the trace context a producer injected into msg.
func contextFromHeaders(ctx context.Context, propagator propagation.TextMapPropagator, msg kafka.Message) context.Context {
	carrier := propagation.MapCarrier{}
	for _, h := range msg.Headers {
		carrier[h.Key] = string(h.Value)
	}
	return propagator.Extract(ctx, carrier)
}
