package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cimillas/ultimate-ticket/services/tickets/internal/domain"
)

type fakeTicketRepo struct {
	mu       sync.Mutex
	tickets  map[string]domain.Ticket
	findHook func()
	saveHook func()
	saveErr  error
}

func newFakeTicketRepo(tickets ...domain.Ticket) *fakeTicketRepo {
	repo := &fakeTicketRepo{tickets: make(map[string]domain.Ticket)}
	for _, t := range tickets {
		repo.tickets[t.ID] = t
	}
	return repo
}

func (r *fakeTicketRepo) CreateTicket(_ context.Context, t domain.Ticket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tickets[t.ID]; ok {
		return domain.ErrConflict
	}
	r.tickets[t.ID] = t
	return nil
}

func (r *fakeTicketRepo) FindTicket(_ context.Context, id string) (domain.Ticket, error) {
	r.mu.Lock()
	t, ok := r.tickets[id]
	r.mu.Unlock()
	// Runs between the read and whatever the caller does with it.
	if r.findHook != nil {
		r.findHook()
	}
	if !ok {
		return domain.Ticket{}, domain.ErrTicketNotFound
	}
	return t, nil
}

func (r *fakeTicketRepo) ListAvailableTickets(_ context.Context) ([]domain.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Ticket, 0, len(r.tickets))
	for _, t := range r.tickets {
		if !t.Reserved() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeTicketRepo) SaveTicket(_ context.Context, t domain.Ticket, expectedVersion int64) error {
	if r.saveHook != nil {
		r.saveHook()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	current, ok := r.tickets[t.ID]
	if !ok {
		return domain.ErrTicketNotFound
	}
	if current.Version != expectedVersion {
		return domain.ErrVersionConflict
	}
	r.tickets[t.ID] = t
	return nil
}

func (r *fakeTicketRepo) get(id string) domain.Ticket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tickets[id]
}

type fakePublisher struct {
	mu             sync.Mutex
	events         []domain.TicketEvent
	err            error
	blockUntilDone bool
}

func (p *fakePublisher) Publish(ctx context.Context, ev domain.TicketEvent) error {
	if p.blockUntilDone {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePublisher) published() []domain.TicketEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.TicketEvent, len(p.events))
	copy(out, p.events)
	return out
}

func (p *fakePublisher) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

type fakeRedeliveryRepo struct {
	mu      sync.Mutex
	pending map[string]domain.Redelivery
	dueErr  error
}

func newFakeRedeliveryRepo(items ...domain.Redelivery) *fakeRedeliveryRepo {
	repo := &fakeRedeliveryRepo{pending: make(map[string]domain.Redelivery)}
	for _, r := range items {
		repo.pending[r.Event.DedupKey()] = r
	}
	return repo
}

func (r *fakeRedeliveryRepo) ScheduleRedelivery(_ context.Context, item domain.Redelivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[item.Event.DedupKey()]; ok {
		return nil
	}
	r.pending[item.Event.DedupKey()] = item
	return nil
}

func (r *fakeRedeliveryRepo) DueRedeliveries(_ context.Context, now time.Time, limit int) ([]domain.Redelivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dueErr != nil {
		return nil, r.dueErr
	}
	var out []domain.Redelivery
	for _, item := range r.pending {
		if !item.NextAttemptAt.After(now) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Event.Ticket.ID != out[j].Event.Ticket.ID {
			return out[i].Event.Ticket.ID < out[j].Event.Ticket.ID
		}
		return out[i].Event.Ticket.Version < out[j].Event.Ticket.Version
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRedeliveryRepo) DeleteRedelivery(_ context.Context, ticketID string, version int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, item := range r.pending {
		if item.Event.Ticket.ID == ticketID && item.Event.Ticket.Version == version {
			delete(r.pending, key)
		}
	}
	return nil
}

func (r *fakeRedeliveryRepo) RescheduleRedelivery(_ context.Context, item domain.Redelivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[item.Event.DedupKey()] = item
	return nil
}

func (r *fakeRedeliveryRepo) items() []domain.Redelivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Redelivery, 0, len(r.pending))
	for _, item := range r.pending {
		out = append(out, item)
	}
	return out
}
