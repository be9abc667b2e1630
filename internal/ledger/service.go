package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"rigrent.io/internal/auth"
)

// Service owns invoice and payment state. Nothing else mutates either:
// invoice transitions happen only as a side effect of AttemptPayment
// and CancelInvoice.
type Service interface {
	// CreateInvoice is the booking flow's entry point; total must be
	// positive minor units.
	CreateInvoice(ctx context.Context, userID string, total int64, dueDate time.Time) (Invoice, error)
	GetInvoice(ctx context.Context, id string) (Invoice, error)
	// ListInvoices returns invoices for one user; an empty userID lists
	// all (admin read).
	ListInvoices(ctx context.Context, userID string) ([]Invoice, error)
	ListPayments(ctx context.Context, invoiceID string) ([]Payment, error)
	// CancelInvoice voids a pending invoice; terminal.
	CancelInvoice(ctx context.Context, id string) (Invoice, error)
	// AttemptPayment records one settlement attempt. A declined
	// settlement returns a PaymentResult with Settled=false and a nil
	// error; errors are reserved for precondition violations and
	// faults.
	AttemptPayment(ctx context.Context, invoiceID string, claims *auth.Claims, req PaymentRequest) (PaymentResult, error)
}

const defaultSettleTimeout = 5 * time.Second

// AuthorizePayer realizes the gateway's escalated ownership decision:
// the caller must own the invoice or hold the admin role.
func AuthorizePayer(inv Invoice, claims *auth.Claims) error {
	if claims == nil || strings.TrimSpace(claims.UserID()) == "" {
		return ErrForbidden
	}
	if claims.IsAdmin() {
		return nil
	}
	if inv.UserID != claims.UserID() {
		return ErrForbidden
	}
	return nil
}

// EnsureOpen rejects terminal invoices with status-specific errors.
func EnsureOpen(inv Invoice) error {
	switch inv.Status {
	case InvoicePending:
		return nil
	case InvoicePaid:
		return ErrAlreadySettled
	case InvoiceCancelled:
		return ErrInvoiceVoided
	default:
		return ErrInvalidInput
	}
}

// ResolveAmount applies the default (pay the remainder) and bounds an
// explicit amount to 0 < amount <= remaining.
func ResolveAmount(inv Invoice, req PaymentRequest) (int64, error) {
	remaining := inv.Remaining()
	if req.Amount == nil {
		if remaining <= 0 {
			return 0, ErrInvalidAmount
		}
		return remaining, nil
	}
	amount := *req.Amount
	if amount <= 0 || amount > remaining {
		return 0, ErrInvalidAmount
	}
	return amount, nil
}

func ValidateRequest(req PaymentRequest) error {
	if !ValidMethod(req.Method) {
		return ErrInvalidMethod
	}
	return nil
}

// Settle invokes the oracle under a bounded timeout. Timeouts and
// transport errors are folded into a failed settlement so an attempt
// can never hang and never surfaces as a 5xx.
func Settle(ctx context.Context, oracle SettlementOracle, timeout time.Duration, req SettlementRequest) SettlementResult {
	if timeout <= 0 {
		timeout = defaultSettleTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := oracle.Settle(ctx, req)
	if err != nil {
		msg := "settlement error"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "settlement timed out"
		}
		return SettlementResult{
			Settled:   false,
			Reference: req.Reference,
			Message:   msg,
		}
	}
	return res
}
