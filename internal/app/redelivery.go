package app

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/cimillas/ultimate-ticket/services/tickets/internal/clock"
	"github.com/cimillas/ultimate-ticket/services/tickets/internal/domain"
)

// RedeliveryRepository stores committed events that still have to reach the bus.
type RedeliveryRepository interface {
	RedeliveryQueue
	DueRedeliveries(ctx context.Context, now time.Time, limit int) ([]domain.Redelivery, error)
	DeleteRedelivery(ctx context.Context, ticketID string, version int64) error
	RescheduleRedelivery(ctx context.Context, r domain.Redelivery) error
}

const (
	defaultRedeliveryBatch = 50
	defaultRetryInitial    = 5 * time.Second
	defaultRetryMax        = 5 * time.Minute
)

type RedeliveryService struct {
	repo         RedeliveryRepository
	publisher    EventPublisher
	clock        clock.Clock
	logger       *zap.Logger
	batchSize    int
	retryInitial time.Duration
	retryMax     time.Duration
	jitter       func() float64
}

type RedeliveryOption func(*RedeliveryService)

func NewRedeliveryService(repo RedeliveryRepository, publisher EventPublisher, clk clock.Clock, opts ...RedeliveryOption) *RedeliveryService {
	svc := &RedeliveryService{
		repo:         repo,
		publisher:    publisher,
		clock:        clk,
		logger:       zap.NewNop(),
		batchSize:    defaultRedeliveryBatch,
		retryInitial: defaultRetryInitial,
		retryMax:     defaultRetryMax,
		jitter:       rand.Float64,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func WithRedeliveryLogger(l *zap.Logger) RedeliveryOption {
	return func(s *RedeliveryService) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithRedeliveryBatch(n int) RedeliveryOption {
	return func(s *RedeliveryService) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithRedeliveryBackoff(initial, maxDelay time.Duration) RedeliveryOption {
	return func(s *RedeliveryService) {
		if initial > 0 {
			s.retryInitial = initial
		}
		if maxDelay > 0 {
			s.retryMax = maxDelay
		}
	}
}

func withJitter(fn func() float64) RedeliveryOption {
	return func(s *RedeliveryService) {
		s.jitter = fn
	}
}

// RunOnce republishes every due event once. Delivered events are removed; failed ones
// are rescheduled with a longer delay.
func (s *RedeliveryService) RunOnce(ctx context.Context) (int, error) {
	now := s.clock.Now()
	due, err := s.repo.DueRedeliveries(ctx, now, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("load due redeliveries: %w", err)
	}

	delivered := 0
	for _, r := range due {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		ev := r.Event
		if err := s.publisher.Publish(ctx, ev); err != nil {
			r.Attempts++
			r.LastError = err.Error()
			r.NextAttemptAt = now.Add(s.backoff(r.Attempts))
			s.logger.Warn("ticket event redelivery failed",
				zap.String("ticket_id", ev.Ticket.ID),
				zap.Int64("version", ev.Ticket.Version),
				zap.Int("attempts", r.Attempts),
				zap.Time("next_attempt_at", r.NextAttemptAt),
				zap.Error(err),
			)
			if err := s.repo.RescheduleRedelivery(ctx, r); err != nil {
				return delivered, fmt.Errorf("reschedule redelivery: %w", err)
			}
			continue
		}
		if err := s.repo.DeleteRedelivery(ctx, ev.Ticket.ID, ev.Ticket.Version); err != nil {
			return delivered, fmt.Errorf("delete redelivery: %w", err)
		}
		delivered++
		s.logger.Info("ticket event redelivered",
			zap.String("ticket_id", ev.Ticket.ID),
			zap.Int64("version", ev.Ticket.Version),
			zap.Int("attempts", r.Attempts),
		)
	}
	return delivered, nil
}

// Run calls RunOnce every interval until ctx is done.
func (s *RedeliveryService) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultRetryInitial
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("redelivery pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *RedeliveryService) backoff(attempt int) time.Duration {
	return exponentialBackoff(attempt, s.retryInitial, s.retryMax, s.jitter())
}

// exponentialBackoff doubles initial per attempt up to maxDelay and spreads the result by
// +/-20% using r in [0,1).
func exponentialBackoff(attempt int, initial, maxDelay time.Duration, r float64) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	if attempt <= 0 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(maxDelay) {
		backoff = float64(maxDelay)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (r-0.5)*2*jitter)
}
