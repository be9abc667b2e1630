package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"rigrent.io/internal/audit"
	"rigrent.io/internal/auth"
	"rigrent.io/internal/ledger"
	"rigrent.io/internal/obs"
)

type createInvoiceRequest struct {
	UserID  string `json:"user_id"`
	Total   int64  `json:"total"`
	DueDate string `json:"due_date,omitempty"`
}

type paymentBody struct {
	Amount    *int64 `json:"amount,omitempty"`
	Method    string `json:"method"`
	Reference string `json:"reference,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// handleInvoicesCollection serves /api/billing/invoices.
func (a *API) handleInvoicesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createInvoice(w, r)
	case http.MethodGet:
		a.listInvoices(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleInvoiceResource serves /api/billing/invoices/{id} and
// /api/billing/invoices/{id}/payments.
func (a *API) handleInvoiceResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/billing/invoices/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, r, http.StatusNotFound, "invoice id is required")
		return
	}

	switch sub {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getInvoice(w, r, id)
	case "payments":
		switch r.Method {
		case http.MethodPost:
			a.attemptPayment(w, r, id)
		case http.MethodGet:
			a.listPayments(w, r, id)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}
	default:
		http.NotFound(w, r)
	}
}

// handleAdminInvoice serves /api/admin/invoices/{id}/cancel. The policy
// table already restricts /api/admin/ to admins.
func (a *API) handleAdminInvoice(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/admin/invoices/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" || sub != "cancel" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	inv, err := a.ledger.CancelInvoice(r.Context(), id)
	if err != nil {
		a.writeLedgerError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "invoice_cancelled", map[string]any{
		"invoice_id": inv.ID,
	})
	writeJSON(w, http.StatusOK, inv)
}

func (a *API) createInvoice(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	if claims == nil || !claims.IsAdmin() {
		writeError(w, r, http.StatusForbidden, "access denied")
		return
	}

	var req createInvoiceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var due time.Time
	if req.DueDate != "" {
		parsed, err := time.Parse(time.RFC3339, req.DueDate)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "due_date must be RFC 3339")
			return
		}
		due = parsed
	}

	inv, err := a.ledger.CreateInvoice(r.Context(), req.UserID, req.Total, due)
	if err != nil {
		a.writeLedgerError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "invoice_created", map[string]any{
		"invoice_id": inv.ID,
		"owner_id":   inv.UserID,
		"total":      inv.Total,
	})
	writeJSON(w, http.StatusCreated, inv)
}

func (a *API) listInvoices(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	// Non-admins only ever see their own invoices; admins may narrow
	// to one user or list everything.
	userID := claims.UserID()
	if claims.IsAdmin() {
		userID = r.URL.Query().Get("user_id")
	}

	invoices, err := a.ledger.ListInvoices(r.Context(), userID)
	if err != nil {
		a.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"invoices": invoices,
		"count":    len(invoices),
	})
}

func (a *API) getInvoice(w http.ResponseWriter, r *http.Request, id string) {
	inv, err := a.ledger.GetInvoice(r.Context(), id)
	if err != nil {
		a.writeLedgerError(w, r, err)
		return
	}
	if !a.allowOwnerRead(r, inv) {
		writeError(w, r, http.StatusForbidden, "access denied")
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (a *API) listPayments(w http.ResponseWriter, r *http.Request, invoiceID string) {
	inv, err := a.ledger.GetInvoice(r.Context(), invoiceID)
	if err != nil {
		a.writeLedgerError(w, r, err)
		return
	}
	if !a.allowOwnerRead(r, inv) {
		writeError(w, r, http.StatusForbidden, "access denied")
		return
	}

	payments, err := a.ledger.ListPayments(r.Context(), invoiceID)
	if err != nil {
		a.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"payments": payments,
		"count":    len(payments),
	})
}

func (a *API) attemptPayment(w http.ResponseWriter, r *http.Request, invoiceID string) {
	claims, _ := auth.ClaimsFromContext(r.Context())

	var body paymentBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	result, err := a.ledger.AttemptPayment(r.Context(), invoiceID, claims, ledger.PaymentRequest{
		Amount:    body.Amount,
		Method:    body.Method,
		Reference: body.Reference,
		Notes:     body.Notes,
	})
	if err != nil {
		obs.ObservePaymentAttempt("rejected")
		a.writeLedgerError(w, r, err)
		return
	}

	event := "payment_failed"
	outcome := "failed"
	code := http.StatusBadRequest
	if result.Settled {
		event = "payment_completed"
		outcome = "completed"
		code = http.StatusOK
	}
	obs.ObservePaymentAttempt(outcome)
	_ = audit.LogEvent(r.Context(), event, map[string]any{
		"invoice_id": invoiceID,
		"payment_id": result.Payment.ID,
		"amount":     result.Payment.Amount,
		"method":     result.Payment.Method,
	})
	writeJSON(w, code, result)
}

// allowOwnerRead resolves the gateway's escalated decision against the
// loaded invoice. Without the escalate marker the policy already
// settled the question.
func (a *API) allowOwnerRead(r *http.Request, inv ledger.Invoice) bool {
	if !auth.OwnershipCheckRequired(r.Context()) {
		return true
	}
	claims, _ := auth.ClaimsFromContext(r.Context())
	if claims == nil {
		return false
	}
	return claims.IsAdmin() || claims.UserID() == inv.UserID
}

// writeLedgerError maps ledger errors onto the HTTP taxonomy. Ledger
// internals never leak: unknown errors collapse to a 500.
func (a *API) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "invoice not found")
	case errors.Is(err, ledger.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "access denied")
	case errors.Is(err, ledger.ErrAlreadySettled):
		writeError(w, r, http.StatusBadRequest, "invoice already paid")
	case errors.Is(err, ledger.ErrInvoiceVoided):
		writeError(w, r, http.StatusBadRequest, "invoice cancelled")
	case errors.Is(err, ledger.ErrInvalidAmount):
		writeError(w, r, http.StatusBadRequest, "amount out of range")
	case errors.Is(err, ledger.ErrInvalidMethod):
		writeError(w, r, http.StatusBadRequest, "unknown payment method")
	case errors.Is(err, ledger.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "invalid input")
	default:
		obs.Logger().Printf(`{"level":"error","msg":"ledger_error","error":%q,"request_id":%q}`,
			err.Error(), RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
