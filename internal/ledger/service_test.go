package ledger

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"rigrent.io/internal/auth"
)

func ownerClaims(userID string) *auth.Claims {
	return &auth.Claims{
		Role:             auth.RoleUser,
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
	}
}

func adminClaims() *auth.Claims {
	return &auth.Claims{
		Role:             auth.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "admin-1"},
	}
}

func settlingLedger(t *testing.T) *InMemory {
	t.Helper()
	return NewInMemory(StaticOracle{Result: SettlementResult{Settled: true, Reference: "ref-ok"}})
}

func amount(v int64) *int64 { return &v }

func TestFullPaymentMarksInvoicePaid(t *testing.T) {
	s := settlingLedger(t)
	ctx := context.Background()

	inv, err := s.CreateInvoice(ctx, "user-1", 100_000, time.Now().Add(30*24*time.Hour))
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}

	res, err := s.AttemptPayment(ctx, inv.ID, ownerClaims("user-1"), PaymentRequest{
		Amount: amount(100_000),
		Method: "card",
	})
	if err != nil {
		t.Fatalf("AttemptPayment: %v", err)
	}
	if !res.Settled {
		t.Fatalf("expected settled result: %+v", res)
	}
	if res.Invoice.Status != InvoicePaid {
		t.Fatalf("expected PAID, got %s", res.Invoice.Status)
	}
	if res.Remaining != 0 {
		t.Fatalf("expected remaining 0, got %d", res.Remaining)
	}
	if res.Invoice.PaidAt == nil {
		t.Fatal("expected paid timestamp")
	}
	if res.Payment.Status != PaymentCompleted || res.Payment.ProcessedAt == nil {
		t.Fatalf("unexpected payment: %+v", res.Payment)
	}
}

func TestDefaultAmountPaysRemainder(t *testing.T) {
	s := settlingLedger(t)
	ctx := context.Background()

	inv, _ := s.CreateInvoice(ctx, "user-1", 100_000, time.Time{})
	if _, err := s.AttemptPayment(ctx, inv.ID, ownerClaims("user-1"), PaymentRequest{
		Amount: amount(60_000),
		Method: "card",
	}); err != nil {
		t.Fatalf("partial payment: %v", err)
	}

	res, err := s.AttemptPayment(ctx, inv.ID, ownerClaims("user-1"), PaymentRequest{Method: "cash"})
	if err != nil {
		t.Fatalf("remainder payment: %v", err)
	}
	if res.Payment.Amount != 40_000 {
		t.Fatalf("expected default amount 40000, got %d", res.Payment.Amount)
	}
	if res.Invoice.Status != InvoicePaid {
		t.Fatalf("expected PAID, got %s", res.Invoice.Status)
	}
}

func TestOverpaymentRejected(t *testing.T) {
	s := settlingLedger(t)
	ctx := context.Background()

	inv, _ := s.CreateInvoice(ctx, "user-1", 100_000, time.Time{})
	if _, err := s.AttemptPayment(ctx, inv.ID, ownerClaims("user-1"), PaymentRequest{
		Amount: amount(60_000),
		Method: "card",
	}); err != nil {
		t.Fatalf("prior payment: %v", err)
	}

	// 50000 exceeds the remaining 40000.
	_, err := s.AttemptPayment(ctx, inv.ID, ownerClaims("user-1"), PaymentRequest{
		Amount: amount(50_000),
		Method: "card",
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}

	payments, _ := s.ListPayments(ctx, inv.ID)
	if len(payments) != 1 {
		t.Fatalf("rejected attempt must not append a row, have %d", len(payments))
	}
}

func TestAmountBounds(t *testing.T) {
	s := settlingLedger(t)
	ctx := context.Background()
	inv, _ := s.CreateInvoice(ctx, "user-1", 1_000, time.Time{})

	for _, bad := range []int64{0, -5, 1_001} {
		if _, err := s.AttemptPayment(ctx, inv.ID, ownerClaims("user-1"), PaymentRequest{
			Amount: amount(bad),
			Method: "card",
		}); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %d: expected ErrInvalidAmount, got %v", bad, err)
		}
	}
}

func TestNonOwnerForbidden(t *testing.T) {
	s := settlingLedger(t)
	ctx := context.Background()
	inv, _ := s.CreateInvoice(ctx, "user-1", 1_000, time.Time{})

	_, err := s.AttemptPayment(ctx, inv.ID, ownerClaims("user-2"), PaymentRequest{Method: "card"})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	payments, _ := s.ListPayments(ctx, inv.ID)
	if len(payments) != 0 {
		t.Fatalf("forbidden attempt must not append a row, have %d", len(payments))
	}

	// Admin pays on behalf of the owner.
	if _, err := s.AttemptPayment(ctx, inv.ID, adminClaims(), PaymentRequest{Method: "card"}); err != nil {
		t.Fatalf("admin attempt: %v", err)
	}
}

func TestTerminalInvoicesRejectPayments(t *testing.T) {
	s := settlingLedger(t)
	ctx := context.Background()

	paid, _ := s.CreateInvoice(ctx, "user-1", 1_000, time.Time{})
	if _, err := s.AttemptPayment(ctx, paid.ID, ownerClaims("user-1"), PaymentRequest{Method: "card"}); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if _, err := s.AttemptPayment(ctx, paid.ID, ownerClaims("user-1"), PaymentRequest{Method: "card"}); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}

	voided, _ := s.CreateInvoice(ctx, "user-1", 1_000, time.Time{})
	if _, err := s.CancelInvoice(ctx, voided.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := s.AttemptPayment(ctx, voided.ID, ownerClaims("user-1"), PaymentRequest{Method: "card"}); !errors.Is(err, ErrInvoiceVoided) {
		t.Fatalf("expected ErrInvoiceVoided, got %v", err)
	}
	if _, err := s.CancelInvoice(ctx, voided.ID); !errors.Is(err, ErrInvoiceVoided) {
		t.Fatalf("cancel is terminal, got %v", err)
	}
}

func TestUnknownInvoiceAndMethod(t *testing.T) {
	s := settlingLedger(t)
	ctx := context.Background()

	if _, err := s.AttemptPayment(ctx, "missing", ownerClaims("user-1"), PaymentRequest{Method: "card"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	inv, _ := s.CreateInvoice(ctx, "user-1", 1_000, time.Time{})
	if _, err := s.AttemptPayment(ctx, inv.ID, ownerClaims("user-1"), PaymentRequest{Method: "barter"}); !errors.Is(err, ErrInvalidMethod) {
		t.Fatalf("expected ErrInvalidMethod, got %v", err)
	}
}

func TestFailedSettlementLeavesInvoiceUntouched(t *testing.T) {
	s := NewInMemory(StaticOracle{Result: SettlementResult{Settled: false, Message: "settlement declined by processor"}})
	ctx := context.Background()

	inv, _ := s.CreateInvoice(ctx, "user-1", 100_000, time.Time{})
	res, err := s.AttemptPayment(ctx, inv.ID, ownerClaims("user-1"), PaymentRequest{Method: "card"})
	if err != nil {
		t.Fatalf("AttemptPayment: %v", err)
	}
	if res.Settled {
		t.Fatal("expected failed settlement")
	}
	if res.Payment.Status != PaymentFailed || res.Payment.ProcessedAt != nil {
		t.Fatalf("unexpected payment row: %+v", res.Payment)
	}
	if res.Remaining != 100_000 {
		t.Fatalf("remaining must be unchanged, got %d", res.Remaining)
	}
	if res.Invoice.Status != InvoicePending {
		t.Fatalf("invoice must stay PENDING, got %s", res.Invoice.Status)
	}

	// The failed attempt is still recorded for the audit trail.
	payments, _ := s.ListPayments(ctx, inv.ID)
	if len(payments) != 1 || payments[0].Status != PaymentFailed {
		t.Fatalf("expected one FAILED row, got %+v", payments)
	}
}

func TestSettlementTimeoutIsFailedPayment(t *testing.T) {
	s := NewInMemory(
		StaticOracle{Result: SettlementResult{Settled: true}, Delay: time.Second},
		WithSettleTimeout(10*time.Millisecond),
	)
	ctx := context.Background()

	inv, _ := s.CreateInvoice(ctx, "user-1", 1_000, time.Time{})
	res, err := s.AttemptPayment(ctx, inv.ID, ownerClaims("user-1"), PaymentRequest{Method: "card"})
	if err != nil {
		t.Fatalf("AttemptPayment: %v", err)
	}
	if res.Settled {
		t.Fatal("timed-out settlement must fail")
	}
	if res.Message != "settlement timed out" {
		t.Fatalf("unexpected message: %q", res.Message)
	}
	if res.Invoice.Status != InvoicePending || res.Remaining != 1_000 {
		t.Fatalf("invoice must be untouched: %+v", res.Invoice)
	}
}

func TestConcurrentPaymentsNeverOvershoot(t *testing.T) {
	s := settlingLedger(t)
	ctx := context.Background()

	inv, _ := s.CreateInvoice(ctx, "user-1", 100_000, time.Time{})

	// Two concurrent 60000 attempts against 100000: exactly one may
	// settle.
	var wg sync.WaitGroup
	outcomes := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, outcomes[i] = s.AttemptPayment(ctx, inv.ID, ownerClaims("user-1"), PaymentRequest{
				Amount: amount(60_000),
				Method: "card",
			})
		}(i)
	}
	wg.Wait()

	var ok, rejected int
	for _, err := range outcomes {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInvalidAmount):
			rejected++
		default:
			t.Fatalf("unexpected outcome: %v", err)
		}
	}
	if ok != 1 || rejected != 1 {
		t.Fatalf("expected exactly one success and one rejection, got ok=%d rejected=%d", ok, rejected)
	}

	got, _ := s.GetInvoice(ctx, inv.ID)
	if got.AmountPaid != 60_000 {
		t.Fatalf("expected amount_paid 60000, got %d", got.AmountPaid)
	}
}

func TestCompletedSumNeverExceedsTotal(t *testing.T) {
	src := rand.NewSource(42)
	s := NewInMemory(NewSimulatedOracleWithSource(0.7, src))
	ctx := context.Background()

	inv, _ := s.CreateInvoice(ctx, "user-1", 10_000, time.Time{})

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.AttemptPayment(ctx, inv.ID, ownerClaims("user-1"), PaymentRequest{
				Amount: amount(900),
				Method: "card",
			})
		}()
	}
	wg.Wait()

	got, _ := s.GetInvoice(ctx, inv.ID)
	payments, _ := s.ListPayments(ctx, inv.ID)
	var completed int64
	for _, p := range payments {
		if p.Status == PaymentCompleted {
			completed += p.Amount
		}
	}
	if completed != got.AmountPaid {
		t.Fatalf("running balance diverged: sum=%d amount_paid=%d", completed, got.AmountPaid)
	}
	if completed > got.Total {
		t.Fatalf("invariant violated: completed=%d > total=%d", completed, got.Total)
	}
	if got.Status == InvoicePaid && completed < got.Total {
		t.Fatalf("PAID implies paid in full: completed=%d total=%d", completed, got.Total)
	}
}

func TestCreateInvoiceValidation(t *testing.T) {
	s := settlingLedger(t)
	ctx := context.Background()

	if _, err := s.CreateInvoice(ctx, "", 1_000, time.Time{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := s.CreateInvoice(ctx, "user-1", 0, time.Time{}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestListInvoicesFiltersByUser(t *testing.T) {
	s := settlingLedger(t)
	ctx := context.Background()

	_, _ = s.CreateInvoice(ctx, "user-1", 1_000, time.Time{})
	_, _ = s.CreateInvoice(ctx, "user-1", 2_000, time.Time{})
	_, _ = s.CreateInvoice(ctx, "user-2", 3_000, time.Time{})

	mine, _ := s.ListInvoices(ctx, "user-1")
	if len(mine) != 2 {
		t.Fatalf("expected 2 invoices for user-1, got %d", len(mine))
	}
	all, _ := s.ListInvoices(ctx, "")
	if len(all) != 3 {
		t.Fatalf("expected 3 invoices, got %d", len(all))
	}
}
