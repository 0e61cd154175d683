// Package events moves ticket events onto a message bus and reads the order events
// that reserve and release tickets.
package events

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"github.com/cimillas/ultimate-ticket/services/tickets/internal/domain"
)

type envelope struct {
	Subject    string     `json:"subject"`
	Data       ticketData `json:"data"`
	OccurredAt time.Time  `json:"occurredAt"`
}

type ticketData struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Price   float64 `json:"price"`
	UserID  string  `json:"userId"`
	OrderID string  `json:"orderId,omitempty"`
	Version int64   `json:"version"`
}

// Encode renders ev as the JSON envelope consumers read.
func Encode(ev domain.TicketEvent) ([]byte, error) {
	payload, err := sonic.Marshal(envelope{
		Subject: string(ev.Subject),
		Data: ticketData{
			ID:      ev.Ticket.ID,
			Title:   ev.Ticket.Title,
			Price:   ev.Ticket.Price,
			UserID:  ev.Ticket.OwnerID,
			OrderID: ev.Ticket.OrderID,
			Version: ev.Ticket.Version,
		},
		OccurredAt: ev.OccurredAt.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode ticket event: %w", err)
	}
	return payload, nil
}

func Decode(raw []byte) (domain.TicketEvent, error) {
	var env envelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return domain.TicketEvent{}, fmt.Errorf("decode ticket event: %w", err)
	}
	switch domain.TicketEventSubject(env.Subject) {
	case domain.SubjectTicketCreated, domain.SubjectTicketUpdated:
	default:
		return domain.TicketEvent{}, fmt.Errorf("decode ticket event: unknown subject %q", env.Subject)
	}
	return domain.TicketEvent{
		Subject: domain.TicketEventSubject(env.Subject),
		Ticket: domain.Ticket{
			ID:        env.Data.ID,
			Title:     env.Data.Title,
			Price:     env.Data.Price,
			OwnerID:   env.Data.UserID,
			OrderID:   env.Data.OrderID,
			Version:   env.Data.Version,
			UpdatedAt: env.OccurredAt.UTC(),
		},
		OccurredAt: env.OccurredAt.UTC(),
	}, nil
}
