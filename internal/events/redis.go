package events

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/cimillas/ultimate-ticket/services/tickets/internal/domain"
)

// StreamPublisher appends ticket events to a Redis stream. XADD returns only after the
// entry is stored, which is the acknowledgement Publish reports.
type StreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

type StreamOption func(*StreamPublisher)

// WithMaxLen trims the stream to roughly n entries on every append.
func WithMaxLen(n int64) StreamOption {
	return func(p *StreamPublisher) {
		p.maxLen = n
	}
}

func NewStreamPublisher(client *redis.Client, stream string, opts ...StreamOption) *StreamPublisher {
	p := &StreamPublisher{client: client, stream: stream}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *StreamPublisher) Publish(ctx context.Context, ev domain.TicketEvent) error {
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			headerSubject:  string(ev.Subject),
			"ticket_id":    ev.Ticket.ID,
			headerVersion:  ev.Ticket.Version,
			headerDedupKey: ev.DedupKey(),
			"payload":      string(payload),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd ticket event %s: %w", ev.DedupKey(), err)
	}
	return nil
}

// RedisOptions accepts a redis:// URL or an Azure style "host:port,password=...,ssl=True"
// connection string.
func RedisOptions(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, fmt.Errorf("empty redis connection string")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}
