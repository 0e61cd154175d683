package http

import (
	"net/http"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type RouterConfig struct {
	Tickets     TicketService
	Auth        Authenticator
	Store       Pinger
	Logger      *zap.Logger
	Tracer      trace.Tracer
	CORSOrigins []string
}

// NewRouter wires the ticket routes. Writes require an authenticated caller; reads
// are public.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", HealthHandler)
	if cfg.Store != nil {
		mux.Handle("GET /ready", ReadyHandler(cfg.Store, logger))
	}

	mux.Handle("GET /api/tickets", HandleListTickets(cfg.Tickets, logger))
	mux.Handle("GET /api/tickets/{id}", HandleGetTicket(cfg.Tickets, logger))
	mux.Handle("POST /api/tickets", RequireUser(cfg.Auth, HandleCreateTicket(cfg.Tickets, logger)))
	mux.Handle("PUT /api/tickets/{id}", RequireUser(cfg.Auth, HandleUpdateTicket(cfg.Tickets, logger)))
	mux.Handle("/api/tickets", MethodNotAllowedHandler(http.MethodGet, http.MethodPost))
	mux.Handle("/api/tickets/{id}", MethodNotAllowedHandler(http.MethodGet, http.MethodPut))
	mux.Handle("/", NotFoundHandler())

	return Tracing(RequestLogger(CORS(cfg.CORSOrigins, mux), logger), cfg.Tracer, nil)
}
