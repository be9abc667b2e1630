package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"rigrent.io/internal/auth"
	"rigrent.io/internal/ids"
	"rigrent.io/internal/stream"
)

// InMemory implements Service with in-process concurrency safety.
// Development mode and tests run on it; production uses the Postgres
// store. Attempts against the same invoice serialize on a per-invoice
// mutex held across the balance check, the settlement call and the
// append, which is what keeps two concurrent payments from both
// observing the same remaining balance. Attempts against different
// invoices do not contend.
type InMemory struct {
	oracle  SettlementOracle
	timeout time.Duration
	events  *stream.Hub

	mu       sync.Mutex
	invoices map[string]*Invoice
	payments map[string][]Payment
	locks    map[string]*sync.Mutex
}

var _ Service = (*InMemory)(nil)

// InMemoryOption configures the in-memory ledger.
type InMemoryOption func(*InMemory)

// WithSettleTimeout bounds the settlement oracle call.
func WithSettleTimeout(d time.Duration) InMemoryOption {
	return func(s *InMemory) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithEvents publishes invoice status transitions to the hub.
func WithEvents(h *stream.Hub) InMemoryOption {
	return func(s *InMemory) { s.events = h }
}

// NewInMemory creates a fresh ledger backed by the given oracle.
func NewInMemory(oracle SettlementOracle, opts ...InMemoryOption) *InMemory {
	s := &InMemory{
		oracle:   oracle,
		timeout:  defaultSettleTimeout,
		invoices: make(map[string]*Invoice),
		payments: make(map[string][]Payment),
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemory) CreateInvoice(ctx context.Context, userID string, total int64, dueDate time.Time) (Invoice, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Invoice{}, ErrInvalidInput
	}
	if total <= 0 {
		return Invoice{}, ErrInvalidAmount
	}

	now := time.Now().UTC()
	inv := &Invoice{
		ID:        ids.New(),
		UserID:    userID,
		Total:     total,
		Status:    InvoicePending,
		DueDate:   dueDate,
		CreatedAt: now,
	}

	s.mu.Lock()
	s.invoices[inv.ID] = inv
	s.locks[inv.ID] = &sync.Mutex{}
	s.mu.Unlock()

	return *inv, nil
}

func (s *InMemory) GetInvoice(ctx context.Context, id string) (Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return Invoice{}, ErrNotFound
	}
	return *inv, nil
}

func (s *InMemory) ListInvoices(ctx context.Context, userID string) ([]Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []Invoice
	for _, inv := range s.invoices {
		if userID != "" && inv.UserID != userID {
			continue
		}
		res = append(res, *inv)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *InMemory) ListPayments(ctx context.Context, invoiceID string) ([]Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invoices[invoiceID]; !ok {
		return nil, ErrNotFound
	}
	src := s.payments[invoiceID]
	out := make([]Payment, len(src))
	copy(out, src)
	return out, nil
}

func (s *InMemory) CancelInvoice(ctx context.Context, id string) (Invoice, error) {
	inv, lock, err := s.lookup(id)
	if err != nil {
		return Invoice{}, err
	}
	lock.Lock()
	defer lock.Unlock()

	if err := EnsureOpen(*inv); err != nil {
		return Invoice{}, err
	}
	s.mu.Lock()
	inv.Status = InvoiceCancelled
	snapshot := *inv
	s.mu.Unlock()

	s.publish(snapshot)
	return snapshot, nil
}

func (s *InMemory) AttemptPayment(ctx context.Context, invoiceID string, claims *auth.Claims, req PaymentRequest) (PaymentResult, error) {
	inv, lock, err := s.lookup(invoiceID)
	if err != nil {
		return PaymentResult{}, err
	}

	lock.Lock()
	defer lock.Unlock()

	if err := AuthorizePayer(*inv, claims); err != nil {
		return PaymentResult{}, err
	}
	if err := EnsureOpen(*inv); err != nil {
		return PaymentResult{}, err
	}
	amount, err := ResolveAmount(*inv, req)
	if err != nil {
		return PaymentResult{}, err
	}
	if err := ValidateRequest(req); err != nil {
		return PaymentResult{}, err
	}

	outcome := Settle(ctx, s.oracle, s.timeout, SettlementRequest{
		InvoiceID: invoiceID,
		PayerID:   claims.UserID(),
		Amount:    amount,
		Method:    req.Method,
		Reference: req.Reference,
	})

	now := time.Now().UTC()
	payment := Payment{
		ID:        ids.New(),
		InvoiceID: invoiceID,
		PayerID:   claims.UserID(),
		Amount:    amount,
		Method:    req.Method,
		Reference: outcome.Reference,
		Notes:     req.Notes,
		CreatedAt: now,
	}

	message := outcome.Message
	paid := false
	if outcome.Settled {
		payment.Status = PaymentCompleted
		payment.ProcessedAt = &now
		if message == "" || message == "settled" {
			message = "payment completed"
		}
	} else {
		payment.Status = PaymentFailed
		if message == "" {
			message = "payment failed"
		}
	}

	// The invoice is also read by GetInvoice under s.mu, so mutations
	// hold both locks.
	s.mu.Lock()
	if outcome.Settled {
		inv.AmountPaid += amount
		if inv.Remaining() <= 0 {
			inv.Status = InvoicePaid
			inv.PaidAt = &now
			paid = true
		}
	}
	snapshot := *inv
	s.payments[invoiceID] = append(s.payments[invoiceID], payment)
	s.mu.Unlock()

	if paid {
		s.publish(snapshot)
	}

	return PaymentResult{
		Payment:   payment,
		Invoice:   snapshot,
		Settled:   outcome.Settled,
		Message:   message,
		Remaining: snapshot.Remaining(),
	}, nil
}

func (s *InMemory) lookup(id string) (*Invoice, *sync.Mutex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	return inv, s.locks[id], nil
}

func (s *InMemory) publish(inv Invoice) {
	if s.events == nil {
		return
	}
	s.events.Publish(stream.InvoiceEvent{
		InvoiceID: inv.ID,
		UserID:    inv.UserID,
		Status:    string(inv.Status),
		Total:     inv.Total,
		Remaining: inv.Remaining(),
		Timestamp: time.Now().UTC(),
	})
}
