package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTicketNotFound  = errors.New("ticket not found")
	ErrInvalidID       = errors.New("invalid id")
	ErrUnauthenticated = errors.New("not authenticated")
	ErrForbidden       = errors.New("not authorized")
	ErrInvalidInput    = errors.New("invalid input")
	ErrConflict        = errors.New("conflict")
	ErrVersionConflict = fmt.Errorf("%w: ticket was modified by another request", ErrConflict)
	ErrTicketReserved  = fmt.Errorf("%w: ticket is reserved", ErrConflict)
	ErrPublishFailed   = errors.New("ticket event not published")
)

// FieldError names one rejected input field.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError lists every field that failed validation. It matches ErrInvalidInput.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, f.Message)
	}
	return ErrInvalidInput.Error() + ": " + strings.Join(msgs, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// Has reports whether field is among the rejected fields.
func (e *ValidationError) Has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

// PublishFailedError reports a ticket state that is committed in the store but whose
// event was not confirmed by the bus. Ticket holds the committed state.
type PublishFailedError struct {
	Ticket Ticket
	Err    error
}

func (e *PublishFailedError) Error() string {
	return fmt.Sprintf("ticket %s version %d committed but event not published: %v", e.Ticket.ID, e.Ticket.Version, e.Err)
}

func (e *PublishFailedError) Unwrap() []error {
	return []error{ErrPublishFailed, e.Err}
}
