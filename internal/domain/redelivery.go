package domain

import "time"

// Redelivery is a committed ticket event whose publish was not confirmed and is
// waiting to be sent again.
type Redelivery struct {
	Event         TicketEvent
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
}
