package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/cimillas/ultimate-ticket/services/tickets/internal/app"
	"github.com/cimillas/ultimate-ticket/services/tickets/internal/domain"
)

type TicketCreator interface {
	CreateTicket(ctx context.Context, in app.CreateTicketInput) (domain.Ticket, error)
}

type TicketGetter interface {
	GetTicket(ctx context.Context, id string) (domain.Ticket, error)
}

type TicketLister interface {
	ListTickets(ctx context.Context) ([]domain.Ticket, error)
}

// TicketUpdater is the minimal interface needed to update a ticket.
type TicketUpdater interface {
	UpdateTicket(ctx context.Context, in app.UpdateTicketInput) (domain.Ticket, error)
}

// TicketService is everything the ticket routes need.
type TicketService interface {
	TicketCreator
	TicketGetter
	TicketLister
	TicketUpdater
}

type ticketRequest struct {
	Title string  `json:"title"`
	Price float64 `json:"price"`
	// Version is the ticket version an update was based on. Ignored on create.
	Version *int64 `json:"version,omitempty"`
}

type ticketResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Price     float64   `json:"price"`
	UserID    string    `json:"userId"`
	OrderID   string    `json:"orderId,omitempty"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// writeResponse adds event_published so clients can tell a committed change whose
// event is still pending from a fully applied one.
type writeResponse struct {
	ticketResponse
	EventPublished bool `json:"event_published"`
}

func toTicketResponse(t domain.Ticket) ticketResponse {
	return ticketResponse{
		ID:        t.ID,
		Title:     t.Title,
		Price:     t.Price,
		UserID:    t.OwnerID,
		OrderID:   t.OrderID,
		Version:   t.Version,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

func decodeTicketRequest(r *http.Request) (ticketRequest, error) {
	var req ticketRequest
	dec := sonic.ConfigStd.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(&req)
	return req, err
}

func setETag(w http.ResponseWriter, t domain.Ticket) {
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(t.Version, 10)))
}

// expectedVersion returns the version an update is conditioned on: the body field
// when present, otherwise an If-Match header carrying a ticket ETag.
func expectedVersion(r *http.Request, req ticketRequest) (*int64, error) {
	if req.Version != nil {
		return req.Version, nil
	}
	h := strings.TrimSpace(r.Header.Get("If-Match"))
	if h == "" {
		return nil, nil
	}
	h = strings.Trim(strings.TrimPrefix(h, "W/"), `"`)
	v, err := strconv.ParseInt(h, 10, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// writeCommitted answers a create or update. A committed change whose event could not
// be published is reported as 202 with the stored ticket.
func writeCommitted(w http.ResponseWriter, r *http.Request, status int, ticket domain.Ticket, err error, logger *zap.Logger) {
	var pubErr *domain.PublishFailedError
	switch {
	case err == nil:
		setETag(w, ticket)
		writeJSON(w, status, writeResponse{ticketResponse: toTicketResponse(ticket), EventPublished: true})
	case errors.As(err, &pubErr):
		setETag(w, pubErr.Ticket)
		if logger != nil {
			logger.Warn("ticket committed without event",
				zap.String("ticket_id", pubErr.Ticket.ID),
				zap.Int64("version", pubErr.Ticket.Version),
			)
		}
		writeJSON(w, http.StatusAccepted, writeResponse{ticketResponse: toTicketResponse(pubErr.Ticket)})
	default:
		writeServiceError(w, r, err, logger)
	}
}

// HandleCreateTicket lists a new ticket owned by the caller.
func HandleCreateTicket(svc TicketCreator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeTicketRequest(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}

		ticket, err := svc.CreateTicket(r.Context(), app.CreateTicketInput{
			OwnerID: CallerID(r.Context()),
			Title:   req.Title,
			Price:   req.Price,
		})
		writeCommitted(w, r, http.StatusCreated, ticket, err, logger)
	}
}

func HandleGetTicket(svc TicketGetter, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ticket, err := svc.GetTicket(r.Context(), r.PathValue("id"))
		if err != nil {
			writeServiceError(w, r, err, logger)
			return
		}
		setETag(w, ticket)
		writeJSON(w, http.StatusOK, toTicketResponse(ticket))
	}
}

// HandleListTickets returns tickets that are not held by an order.
func HandleListTickets(svc TicketLister, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tickets, err := svc.ListTickets(r.Context())
		if err != nil {
			writeServiceError(w, r, err, logger)
			return
		}
		resp := make([]ticketResponse, 0, len(tickets))
		for _, t := range tickets {
			resp = append(resp, toTicketResponse(t))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// HandleUpdateTicket replaces title and price of a ticket owned by the caller.
func HandleUpdateTicket(svc TicketUpdater, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeTicketRequest(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}

		version, err := expectedVersion(r, req)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid If-Match header")
			return
		}

		ticket, err := svc.UpdateTicket(r.Context(), app.UpdateTicketInput{
			TicketID:        r.PathValue("id"),
			CallerID:        CallerID(r.Context()),
			Title:           req.Title,
			Price:           req.Price,
			ExpectedVersion: version,
		})
		writeCommitted(w, r, http.StatusOK, ticket, err, logger)
	}
}
