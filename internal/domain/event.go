package domain

import (
	"strconv"
	"time"
)

type TicketEventSubject string

const (
	SubjectTicketCreated TicketEventSubject = "ticket:created"
	SubjectTicketUpdated TicketEventSubject = "ticket:updated"
)

// TicketEvent announces a committed ticket state. It carries the full state and its
// version so consumers can drop duplicate and stale deliveries.
type TicketEvent struct {
	Subject    TicketEventSubject
	Ticket     Ticket
	OccurredAt time.Time
}

func NewTicketEvent(subject TicketEventSubject, t Ticket, at time.Time) TicketEvent {
	return TicketEvent{Subject: subject, Ticket: t, OccurredAt: at}
}

// DedupKey is unique per ticket version.
func (e TicketEvent) DedupKey() string {
	return e.Ticket.ID + ":" + strconv.FormatInt(e.Ticket.Version, 10)
}
