package events

import (
	"context"
	"sync"

	"github.com/cimillas/ultimate-ticket/services/tickets/internal/domain"
)

// Recorder keeps published events in memory. It backs EVENT_BUS=memory for local runs.
type Recorder struct {
	mu     sync.Mutex
	events []domain.TicketEvent
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(ctx context.Context, ev domain.TicketEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []domain.TicketEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.TicketEvent, len(r.events))
	copy(out, r.events)
	return out
}
