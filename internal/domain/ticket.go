package domain

import (
	"math"
	"strings"
	"time"
)

// Ticket is a sellable ticket owned by the user who listed it. Version starts at 0 and
// grows by exactly one with every committed change.
type Ticket struct {
	ID      string
	Title   string
	Price   float64
	OwnerID string
	// OrderID is set while an order holds the ticket.
	OrderID   string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (t Ticket) Reserved() bool {
	return t.OrderID != ""
}

// Authorize allows only the ticket owner to change it.
func Authorize(t Ticket, callerID string) error {
	if callerID == "" || callerID != t.OwnerID {
		return ErrForbidden
	}
	return nil
}

// ValidateTicketFields checks the user-editable fields of a ticket.
func ValidateTicketFields(title string, price float64) error {
	var fields []FieldError
	if strings.TrimSpace(title) == "" {
		fields = append(fields, FieldError{Field: "title", Message: "title is required"})
	}
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		fields = append(fields, FieldError{Field: "price", Message: "price must be greater than 0"})
	}
	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}
