package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cimillas/ultimate-ticket/services/tickets/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RedeliveryRepository keeps ticket events that were committed but not confirmed by the
// bus. Rows are keyed by (ticket_id, version); scheduling the same event twice keeps
// the first row.
type RedeliveryRepository struct {
	pool *pgxpool.Pool
}

func NewRedeliveryRepository(pool *pgxpool.Pool) *RedeliveryRepository {
	return &RedeliveryRepository{pool: pool}
}

func (r *RedeliveryRepository) ScheduleRedelivery(ctx context.Context, item domain.Redelivery) error {
	const stmt = `
INSERT INTO ticket_event_redeliveries
	(ticket_id, version, subject, title, price, user_id, order_id, occurred_at, attempts, last_error, next_attempt_at)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11)
ON CONFLICT (ticket_id, version) DO NOTHING`

	ev := item.Event
	_, err := execer(ctx, r.pool).Exec(ctx, stmt,
		ev.Ticket.ID,
		ev.Ticket.Version,
		string(ev.Subject),
		ev.Ticket.Title,
		ev.Ticket.Price,
		ev.Ticket.OwnerID,
		ev.Ticket.OrderID,
		ev.OccurredAt,
		item.Attempts,
		item.LastError,
		item.NextAttemptAt,
	)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		if isForeignKeyViolation(err) {
			return domain.ErrTicketNotFound
		}
		return fmt.Errorf("schedule redelivery: %w", err)
	}
	return nil
}

func (r *RedeliveryRepository) DueRedeliveries(ctx context.Context, now time.Time, limit int) ([]domain.Redelivery, error) {
	const query = `
SELECT ticket_id, version, subject, title, price, user_id, COALESCE(order_id, ''), occurred_at,
	attempts, last_error, next_attempt_at
FROM ticket_event_redeliveries
WHERE next_attempt_at <= $1
ORDER BY next_attempt_at, ticket_id, version
LIMIT $2`

	rows, err := execer(ctx, r.pool).Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due redeliveries: %w", err)
	}
	defer rows.Close()

	var items []domain.Redelivery
	for rows.Next() {
		var (
			item    domain.Redelivery
			subject string
		)
		ev := &item.Event
		if err := rows.Scan(
			&ev.Ticket.ID,
			&ev.Ticket.Version,
			&subject,
			&ev.Ticket.Title,
			&ev.Ticket.Price,
			&ev.Ticket.OwnerID,
			&ev.Ticket.OrderID,
			&ev.OccurredAt,
			&item.Attempts,
			&item.LastError,
			&item.NextAttemptAt,
		); err != nil {
			return nil, fmt.Errorf("scan redelivery: %w", err)
		}
		ev.Subject = domain.TicketEventSubject(subject)
		ev.OccurredAt = ev.OccurredAt.UTC()
		ev.Ticket.UpdatedAt = ev.OccurredAt
		item.NextAttemptAt = item.NextAttemptAt.UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("due redeliveries: %w", err)
	}
	return items, nil
}

func (r *RedeliveryRepository) DeleteRedelivery(ctx context.Context, ticketID string, version int64) error {
	const stmt = `DELETE FROM ticket_event_redeliveries WHERE ticket_id = $1 AND version = $2`
	if _, err := execer(ctx, r.pool).Exec(ctx, stmt, ticketID, version); err != nil {
		return fmt.Errorf("delete redelivery: %w", err)
	}
	return nil
}

func (r *RedeliveryRepository) RescheduleRedelivery(ctx context.Context, item domain.Redelivery) error {
	const stmt = `
UPDATE ticket_event_redeliveries
SET attempts = $3, last_error = $4, next_attempt_at = $5
WHERE ticket_id = $1 AND version = $2`

	_, err := execer(ctx, r.pool).Exec(ctx, stmt,
		item.Event.Ticket.ID,
		item.Event.Ticket.Version,
		item.Attempts,
		item.LastError,
		item.NextAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("reschedule redelivery: %w", err)
	}
	return nil
}
