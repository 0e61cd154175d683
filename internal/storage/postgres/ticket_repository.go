package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/cimillas/ultimate-ticket/services/tickets/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type TicketRepository struct {
	pool *pgxpool.Pool
}

func NewTicketRepository(pool *pgxpool.Pool) *TicketRepository {
	return &TicketRepository{pool: pool}
}

const ticketColumns = `id, title, price, user_id, COALESCE(order_id, ''), version, created_at, updated_at`

func (r *TicketRepository) CreateTicket(ctx context.Context, t domain.Ticket) error {
	const stmt = `
INSERT INTO tickets (id, title, price, user_id, order_id, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)`

	_, err := execer(ctx, r.pool).Exec(ctx, stmt,
		t.ID,
		t.Title,
		t.Price,
		t.OwnerID,
		t.OrderID,
		t.Version,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: ticket %s already exists", domain.ErrConflict, t.ID)
		}
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("create ticket: %w", err)
	}
	return nil
}

func (r *TicketRepository) FindTicket(ctx context.Context, id string) (domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id = $1`
	t, err := scanTicket(execer(ctx, r.pool).QueryRow(ctx, query, id))
	if err != nil {
		// An id that cannot be a UUID names no ticket.
		if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
			return domain.Ticket{}, domain.ErrTicketNotFound
		}
		return domain.Ticket{}, fmt.Errorf("find ticket: %w", err)
	}
	return t, nil
}

func (r *TicketRepository) ListAvailableTickets(ctx context.Context) ([]domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE order_id IS NULL ORDER BY created_at, id`
	rows, err := execer(ctx, r.pool).Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	tickets := make([]domain.Ticket, 0)
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	return tickets, nil
}

// SaveTicket writes t only if the stored version still equals expectedVersion. The
// filter and the write are a single statement, so two writers holding the same
// expected version cannot both succeed.
func (r *TicketRepository) SaveTicket(ctx context.Context, t domain.Ticket, expectedVersion int64) error {
	const stmt = `
UPDATE tickets
SET title = $2, price = $3, order_id = NULLIF($4, ''), version = $5, updated_at = $6
WHERE id = $1 AND version = $7`

	return withTx(ctx, r.pool, func(ctx context.Context) error {
		tx := txFromContext(ctx)
		tag, err := tx.Exec(ctx, stmt,
			t.ID,
			t.Title,
			t.Price,
			t.OrderID,
			t.Version,
			t.UpdatedAt,
			expectedVersion,
		)
		if err != nil {
			if isInvalidUUID(err) {
				return domain.ErrTicketNotFound
			}
			if isCheckViolation(err) {
				return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
			}
			return fmt.Errorf("save ticket: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}

		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tickets WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check ticket: %w", err)
		}
		if !exists {
			return domain.ErrTicketNotFound
		}
		return domain.ErrVersionConflict
	})
}

// Ping reports whether the database is reachable.
func (r *TicketRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func scanTicket(row pgx.Row) (domain.Ticket, error) {
	var t domain.Ticket
	err := row.Scan(&t.ID, &t.Title, &t.Price, &t.OwnerID, &t.OrderID, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return domain.Ticket{}, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}
