package ledger

import (
	"errors"
	"time"
)

// All amounts are minor units (cents). No floats anywhere in the
// ledger.

// InvoiceStatus is the invoice lifecycle. PAID and CANCELLED are
// terminal.
type InvoiceStatus string

const (
	InvoicePending   InvoiceStatus = "PENDING"
	InvoicePaid      InvoiceStatus = "PAID"
	InvoiceCancelled InvoiceStatus = "CANCELLED"
)

// PaymentStatus is terminal at creation: settlement is synchronous, so
// there is no processing state.
type PaymentStatus string

const (
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
)

// Methods accepted by the payment endpoint.
var paymentMethods = map[string]struct{}{
	"card":          {},
	"bank_transfer": {},
	"cash":          {},
	"cheque":        {},
}

// ValidMethod reports whether the payment method is accepted.
func ValidMethod(method string) bool {
	_, ok := paymentMethods[method]
	return ok
}

// Invoice is a billable obligation created by the booking flow.
// AmountPaid is a running balance maintained in the same transaction as
// each completed payment, so reads are O(1).
type Invoice struct {
	ID         string        `json:"id"`
	UserID     string        `json:"user_id"`
	Total      int64         `json:"total"`
	AmountPaid int64         `json:"amount_paid"`
	Status     InvoiceStatus `json:"status"`
	DueDate    time.Time     `json:"due_date"`
	CreatedAt  time.Time     `json:"created_at"`
	PaidAt     *time.Time    `json:"paid_at,omitempty"`
}

// Remaining is the open balance: total minus completed payments.
func (i Invoice) Remaining() int64 {
	return i.Total - i.AmountPaid
}

// Payment is one settlement attempt. Rows are append-only: never
// updated, never deleted, so the ledger stays an auditable log.
type Payment struct {
	ID          string        `json:"id"`
	InvoiceID   string        `json:"invoice_id"`
	PayerID     string        `json:"payer_id"`
	Amount      int64         `json:"amount"`
	Method      string        `json:"method"`
	Status      PaymentStatus `json:"status"`
	Reference   string        `json:"reference,omitempty"`
	Notes       string        `json:"notes,omitempty"`
	ProcessedAt *time.Time    `json:"processed_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// PaymentRequest is the caller's side of an attempt. A nil Amount means
// "pay the remaining balance".
type PaymentRequest struct {
	Amount    *int64
	Method    string
	Reference string
	Notes     string
}

// PaymentResult is returned for every attempt, settled or not. Callers
// must inspect Settled rather than infer the outcome from transport
// status.
type PaymentResult struct {
	Payment   Payment `json:"payment"`
	Invoice   Invoice `json:"invoice"`
	Settled   bool    `json:"success"`
	Message   string  `json:"message"`
	Remaining int64   `json:"remaining_amount"`
}

var (
	ErrNotFound       = errors.New("ledger: invoice not found")
	ErrForbidden      = errors.New("ledger: caller may not pay this invoice")
	ErrAlreadySettled = errors.New("ledger: invoice already paid")
	ErrInvoiceVoided  = errors.New("ledger: invoice cancelled")
	ErrInvalidAmount  = errors.New("ledger: amount out of range")
	ErrInvalidMethod  = errors.New("ledger: unknown payment method")
	ErrInvalidInput   = errors.New("ledger: invalid input")
	// ErrConflict is returned when per-invoice serialization could not
	// be established after bounded retries.
	ErrConflict = errors.New("ledger: transaction conflict")
)
