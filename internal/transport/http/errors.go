package http

import (
	"errors"
	"net/http"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/cimillas/ultimate-ticket/services/tickets/internal/domain"
)

const (
	codeNotFound           = "not_found"
	codeTicketNotFound     = "ticket_not_found"
	codeInvalidRequestBody = "invalid_request_body"
	codeInvalidID          = "invalid_id"
	codeValidationFailed   = "validation_failed"
	codeUnauthenticated    = "unauthenticated"
	codeForbidden          = "forbidden"
	codeVersionConflict    = "version_conflict"
	codeTicketReserved     = "ticket_reserved"
	codeConflict           = "conflict"
	codeMethodNotAllowed   = "method_not_allowed"
	codeInternalError      = "internal_error"
)

type fieldErrorResponse struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error  string               `json:"error"`
	Code   string               `json:"code"`
	Fields []fieldErrorResponse `json:"fields,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	payload, err := sonic.Marshal(v)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal error","code":"internal_error"}`))
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

// writeServiceError maps domain errors to status codes. Anything unrecognised is
// logged and reported as a 500 without details.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		resp := errorResponse{Error: "invalid input", Code: codeValidationFailed}
		for _, f := range verr.Fields {
			resp.Fields = append(resp.Fields, fieldErrorResponse{Field: f.Field, Message: f.Message})
		}
		writeJSON(w, http.StatusBadRequest, resp)
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, codeValidationFailed, err.Error())
	case errors.Is(err, domain.ErrInvalidID):
		writeError(w, http.StatusBadRequest, codeInvalidID, err.Error())
	case errors.Is(err, domain.ErrTicketNotFound):
		writeError(w, http.StatusNotFound, codeTicketNotFound, err.Error())
	case errors.Is(err, domain.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, codeUnauthenticated, err.Error())
	case errors.Is(err, domain.ErrForbidden):
		// Clients of this service treat a non-owner update like a missing session.
		writeError(w, http.StatusUnauthorized, codeForbidden, err.Error())
	case errors.Is(err, domain.ErrVersionConflict):
		writeError(w, http.StatusConflict, codeVersionConflict, err.Error())
	case errors.Is(err, domain.ErrTicketReserved):
		writeError(w, http.StatusConflict, codeTicketReserved, err.Error())
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, codeConflict, err.Error())
	default:
		if logger != nil {
			logger.Error("request failed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Error(err),
			)
		}
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
	}
}
