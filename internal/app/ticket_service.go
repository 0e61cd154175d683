package app

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cimillas/ultimate-ticket/services/tickets/internal/clock"
	"github.com/cimillas/ultimate-ticket/services/tickets/internal/domain"
)

// TicketRepository is the version store for tickets. SaveTicket must write only when the
// stored version equals expectedVersion and return domain.ErrVersionConflict otherwise.
type TicketRepository interface {
	CreateTicket(ctx context.Context, t domain.Ticket) error
	FindTicket(ctx context.Context, id string) (domain.Ticket, error)
	ListAvailableTickets(ctx context.Context) ([]domain.Ticket, error)
	SaveTicket(ctx context.Context, t domain.Ticket, expectedVersion int64) error
}

// EventPublisher hands a ticket event to the bus. A nil error means the bus accepted it.
type EventPublisher interface {
	Publish(ctx context.Context, ev domain.TicketEvent) error
}

// RedeliveryQueue records events whose publish was not confirmed.
type RedeliveryQueue interface {
	ScheduleRedelivery(ctx context.Context, r domain.Redelivery) error
}

const (
	defaultPublishTimeout  = 5 * time.Second
	defaultRedeliveryDelay = 5 * time.Second
)

type TicketService struct {
	repo            TicketRepository
	publisher       EventPublisher
	clock           clock.Clock
	logger          *zap.Logger
	tracer          trace.Tracer
	redeliveries    RedeliveryQueue
	publishTimeout  time.Duration
	redeliveryDelay time.Duration
	sequencer       *publishSequencer
}

func NewTicketService(repo TicketRepository, publisher EventPublisher, clk clock.Clock, opts ...TicketServiceOption) *TicketService {
	svc := &TicketService{
		repo:            repo,
		publisher:       publisher,
		clock:           clk,
		logger:          zap.NewNop(),
		tracer:          otel.Tracer("tickets/app"),
		publishTimeout:  defaultPublishTimeout,
		redeliveryDelay: defaultRedeliveryDelay,
		sequencer:       newPublishSequencer(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

type TicketServiceOption func(*TicketService)

func WithLogger(l *zap.Logger) TicketServiceOption {
	return func(s *TicketService) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) TicketServiceOption {
	return func(s *TicketService) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithRedeliveryQueue stores events that could not be published for a later retry.
func WithRedeliveryQueue(q RedeliveryQueue) TicketServiceOption {
	return func(s *TicketService) {
		s.redeliveries = q
	}
}

// WithPublishTimeout bounds a single publish attempt, including the wait for earlier
// versions of the same ticket.
func WithPublishTimeout(d time.Duration) TicketServiceOption {
	return func(s *TicketService) {
		if d > 0 {
			s.publishTimeout = d
		}
	}
}

// WithRedeliveryDelay sets how long a failed event waits before its first redelivery.
func WithRedeliveryDelay(d time.Duration) TicketServiceOption {
	return func(s *TicketService) {
		if d > 0 {
			s.redeliveryDelay = d
		}
	}
}

type CreateTicketInput struct {
	OwnerID string
	Title   string
	Price   float64
}

func (s *TicketService) CreateTicket(ctx context.Context, in CreateTicketInput) (_ domain.Ticket, err error) {
	ctx, span := s.tracer.Start(ctx, "tickets.create")
	defer func() { endSpan(span, err) }()

	if in.OwnerID == "" {
		return domain.Ticket{}, domain.ErrUnauthenticated
	}
	if err := domain.ValidateTicketFields(in.Title, in.Price); err != nil {
		return domain.Ticket{}, err
	}

	now := s.clock.Now()
	ticket := domain.Ticket{
		ID:        newTicketID(),
		Title:     in.Title,
		Price:     in.Price,
		OwnerID:   in.OwnerID,
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	span.SetAttributes(attribute.String("ticket.id", ticket.ID))

	return s.commit(ctx, domain.SubjectTicketCreated, ticket, func(ctx context.Context) error {
		return s.repo.CreateTicket(ctx, ticket)
	})
}

func (s *TicketService) GetTicket(ctx context.Context, id string) (domain.Ticket, error) {
	return s.repo.FindTicket(ctx, id)
}

func (s *TicketService) ListTickets(ctx context.Context) ([]domain.Ticket, error) {
	return s.repo.ListAvailableTickets(ctx)
}

type UpdateTicketInput struct {
	TicketID string
	CallerID string
	Title    string
	Price    float64
	// ExpectedVersion, when set, is the version the caller based the change on.
	// The update is rejected with ErrVersionConflict if the ticket has moved past it.
	ExpectedVersion *int64
}

// UpdateTicket changes title and price of a ticket owned by the caller. When the new
// state is committed but its event is not confirmed, the committed ticket is returned
// together with a *domain.PublishFailedError.
func (s *TicketService) UpdateTicket(ctx context.Context, in UpdateTicketInput) (_ domain.Ticket, err error) {
	ctx, span := s.tracer.Start(ctx, "tickets.update", trace.WithAttributes(
		attribute.String("ticket.id", in.TicketID),
	))
	defer func() { endSpan(span, err) }()

	current, err := s.repo.FindTicket(ctx, in.TicketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := domain.Authorize(current, in.CallerID); err != nil {
		s.logger.Debug("ticket update denied",
			zap.String("ticket_id", current.ID),
			zap.String("caller_id", in.CallerID),
		)
		return domain.Ticket{}, err
	}
	if err := domain.ValidateTicketFields(in.Title, in.Price); err != nil {
		return domain.Ticket{}, err
	}
	if current.Reserved() {
		return domain.Ticket{}, domain.ErrTicketReserved
	}
	if in.ExpectedVersion != nil && *in.ExpectedVersion != current.Version {
		return domain.Ticket{}, domain.ErrVersionConflict
	}

	next := current
	next.Title = in.Title
	next.Price = in.Price
	next.Version = current.Version + 1
	next.UpdatedAt = s.clock.Now()
	span.SetAttributes(attribute.Int64("ticket.version", next.Version))

	return s.commit(ctx, domain.SubjectTicketUpdated, next, func(ctx context.Context) error {
		return s.repo.SaveTicket(ctx, next, current.Version)
	})
}

// ReserveTicket marks the ticket as held by orderID. Reserving again for the same
// order is a no-op.
func (s *TicketService) ReserveTicket(ctx context.Context, ticketID, orderID string) (_ domain.Ticket, err error) {
	ctx, span := s.tracer.Start(ctx, "tickets.reserve", trace.WithAttributes(
		attribute.String("ticket.id", ticketID),
		attribute.String("order.id", orderID),
	))
	defer func() { endSpan(span, err) }()

	if orderID == "" {
		return domain.Ticket{}, &domain.ValidationError{Fields: []domain.FieldError{{Field: "orderId", Message: "order id is required"}}}
	}
	current, err := s.repo.FindTicket(ctx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if current.OrderID == orderID {
		return current, nil
	}
	if current.Reserved() {
		return domain.Ticket{}, domain.ErrTicketReserved
	}

	next := current
	next.OrderID = orderID
	next.Version = current.Version + 1
	next.UpdatedAt = s.clock.Now()

	return s.commit(ctx, domain.SubjectTicketUpdated, next, func(ctx context.Context) error {
		return s.repo.SaveTicket(ctx, next, current.Version)
	})
}

// ReleaseTicket clears the reservation held by orderID. A ticket held by another
// order, or by none, is returned unchanged.
func (s *TicketService) ReleaseTicket(ctx context.Context, ticketID, orderID string) (_ domain.Ticket, err error) {
	ctx, span := s.tracer.Start(ctx, "tickets.release", trace.WithAttributes(
		attribute.String("ticket.id", ticketID),
		attribute.String("order.id", orderID),
	))
	defer func() { endSpan(span, err) }()

	current, err := s.repo.FindTicket(ctx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if !current.Reserved() || current.OrderID != orderID {
		s.logger.Debug("ticket release skipped",
			zap.String("ticket_id", ticketID),
			zap.String("order_id", orderID),
			zap.String("held_by", current.OrderID),
		)
		return current, nil
	}

	next := current
	next.OrderID = ""
	next.Version = current.Version + 1
	next.UpdatedAt = s.clock.Now()

	return s.commit(ctx, domain.SubjectTicketUpdated, next, func(ctx context.Context) error {
		return s.repo.SaveTicket(ctx, next, current.Version)
	})
}

// commit persists next with save and then publishes its event. The publish slot is
// taken before the write so a later version of the same ticket cannot overtake it.
func (s *TicketService) commit(ctx context.Context, subject domain.TicketEventSubject, next domain.Ticket, save func(context.Context) error) (domain.Ticket, error) {
	slot := s.sequencer.reserve(next.ID, next.Version)
	if err := save(ctx); err != nil {
		slot.release()
		return domain.Ticket{}, err
	}

	ev := domain.NewTicketEvent(subject, next, next.UpdatedAt)
	if err := s.publish(ctx, slot, ev); err != nil {
		return next, err
	}

	s.logger.Info("ticket committed",
		zap.String("subject", string(subject)),
		zap.String("ticket_id", next.ID),
		zap.Int64("version", next.Version),
	)
	return next, nil
}

func (s *TicketService) publish(ctx context.Context, slot *publishSlot, ev domain.TicketEvent) error {
	defer slot.release()

	// The state is already committed; a dropped caller must not abort the publish.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()

	err := slot.wait(pubCtx)
	if err == nil {
		err = s.publisher.Publish(pubCtx, ev)
	}
	if err == nil {
		return nil
	}

	s.logger.Warn("ticket event not published",
		zap.String("subject", string(ev.Subject)),
		zap.String("ticket_id", ev.Ticket.ID),
		zap.Int64("version", ev.Ticket.Version),
		zap.Error(err),
	)
	s.scheduleRedelivery(ctx, ev, err)
	return &domain.PublishFailedError{Ticket: ev.Ticket, Err: err}
}

func (s *TicketService) scheduleRedelivery(ctx context.Context, ev domain.TicketEvent, cause error) {
	if s.redeliveries == nil {
		return
	}
	schedCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()

	r := domain.Redelivery{
		Event:         ev,
		Attempts:      1,
		LastError:     cause.Error(),
		NextAttemptAt: s.clock.Now().Add(s.redeliveryDelay),
	}
	if err := s.redeliveries.ScheduleRedelivery(schedCtx, r); err != nil {
		s.logger.Error("ticket event redelivery not scheduled",
			zap.String("ticket_id", ev.Ticket.ID),
			zap.Int64("version", ev.Ticket.Version),
			zap.Error(err),
		)
	}
}

func endSpan(span trace.Span, err error) {
	defer span.End()
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	if errors.Is(err, domain.ErrPublishFailed) {
		span.SetAttributes(attribute.Bool("ticket.committed", true))
	}
	span.SetStatus(codes.Error, err.Error())
}
