package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/cimillas/ultimate-ticket/services/tickets/internal/domain"
)

type reserverCall struct {
	op       string
	ticketID string
	orderID  string
}

type fakeReserver struct {
	mu    sync.Mutex
	calls []reserverCall
	errs  []error
}

func (f *fakeReserver) next(op, ticketID, orderID string) (domain.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, reserverCall{op: op, ticketID: ticketID, orderID: orderID})
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return domain.Ticket{}, err
		}
	}
	return domain.Ticket{ID: ticketID, OrderID: orderID, Version: int64(len(f.calls))}, nil
}

func (f *fakeReserver) ReserveTicket(_ context.Context, ticketID, orderID string) (domain.Ticket, error) {
	return f.next("reserve", ticketID, orderID)
}

func (f *fakeReserver) ReleaseTicket(_ context.Context, ticketID, orderID string) (domain.Ticket, error) {
	return f.next("release", ticketID, orderID)
}

func (f *fakeReserver) recorded() []reserverCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]reserverCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) committedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func orderMessage(subject, orderID, ticketID string) kafka.Message {
	return kafka.Message{
		Key:   []byte(orderID),
		Value: []byte(`{"subject":"` + subject + `","data":{"id":"` + orderID + `","ticket":{"id":"` + ticketID + `"}}}`),
	}
}

func TestOrderConsumer_Handle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name      string
		msg       kafka.Message
		errs      []error
		wantErr   bool
		wantCalls []reserverCall
	}{
		{
			name:      "order created reserves ticket",
			msg:       orderMessage(SubjectOrderCreated, "order-1", "ticket-1"),
			wantCalls: []reserverCall{{op: "reserve", ticketID: "ticket-1", orderID: "order-1"}},
		},
		{
			name:      "order cancelled releases ticket",
			msg:       orderMessage(SubjectOrderCancelled, "order-1", "ticket-1"),
			wantCalls: []reserverCall{{op: "release", ticketID: "ticket-1", orderID: "order-1"}},
		},
		{
			name: "version conflict is retried",
			msg:  orderMessage(SubjectOrderCreated, "order-1", "ticket-1"),
			errs: []error{domain.ErrVersionConflict, nil},
			wantCalls: []reserverCall{
				{op: "reserve", ticketID: "ticket-1", orderID: "order-1"},
				{op: "reserve", ticketID: "ticket-1", orderID: "order-1"},
			},
		},
		{
			name:    "persistent conflict asks for redelivery",
			msg:     orderMessage(SubjectOrderCreated, "order-1", "ticket-1"),
			errs:    []error{domain.ErrVersionConflict, domain.ErrVersionConflict, domain.ErrVersionConflict},
			wantErr: true,
			wantCalls: []reserverCall{
				{op: "reserve", ticketID: "ticket-1", orderID: "order-1"},
				{op: "reserve", ticketID: "ticket-1", orderID: "order-1"},
				{op: "reserve", ticketID: "ticket-1", orderID: "order-1"},
			},
		},
		{
			name:      "missing ticket is skipped",
			msg:       orderMessage(SubjectOrderCreated, "order-1", "ticket-404"),
			errs:      []error{domain.ErrTicketNotFound},
			wantCalls: []reserverCall{{op: "reserve", ticketID: "ticket-404", orderID: "order-1"}},
		},
		{
			name:      "committed but unpublished is handled",
			msg:       orderMessage(SubjectOrderCreated, "order-1", "ticket-1"),
			errs:      []error{&domain.PublishFailedError{Err: errors.New("broker down")}},
			wantCalls: []reserverCall{{op: "reserve", ticketID: "ticket-1", orderID: "order-1"}},
		},
		{
			name:      "store failure asks for redelivery",
			msg:       orderMessage(SubjectOrderCancelled, "order-1", "ticket-1"),
			errs:      []error{errors.New("db down")},
			wantErr:   true,
			wantCalls: []reserverCall{{op: "release", ticketID: "ticket-1", orderID: "order-1"}},
		},
		{
			name: "unknown subject is ignored",
			msg:  orderMessage("order:completed", "order-1", "ticket-1"),
		},
		{
			name: "malformed payload is skipped",
			msg:  kafka.Message{Value: []byte("{")},
		},
		{
			name: "missing ids are skipped",
			msg:  orderMessage(SubjectOrderCreated, "", "ticket-1"),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			reserver := &fakeReserver{errs: tt.errs}
			consumer := NewOrderConsumer(&fakeReader{}, reserver)

			err := consumer.Handle(ctx, tt.msg)
			if tt.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			calls := reserver.recorded()
			if len(calls) != len(tt.wantCalls) {
				t.Fatalf("expected %d calls, got %+v", len(tt.wantCalls), calls)
			}
			for i := range calls {
				if calls[i] != tt.wantCalls[i] {
					t.Fatalf("call %d: expected %+v, got %+v", i, tt.wantCalls[i], calls[i])
				}
			}
		})
	}
}

func TestOrderConsumer_RunCommitsHandledMessages(t *testing.T) {
	t.Parallel()

	reader := &fakeReader{messages: []kafka.Message{
		orderMessage(SubjectOrderCreated, "order-1", "ticket-1"),
		orderMessage(SubjectOrderCancelled, "order-1", "ticket-1"),
	}}
	reserver := &fakeReserver{errs: []error{nil, errors.New("db down"), nil}}
	consumer := NewOrderConsumer(reader, reserver, WithRetryDelay(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for reader.committedCount() < 2 {
		select {
		case <-deadline:
			cancel()
			t.Fatalf("expected 2 commits, got %d", reader.committedCount())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
	calls := reserver.recorded()
	if len(calls) != 3 {
		t.Fatalf("expected release to be retried once, got %+v", calls)
	}
}
