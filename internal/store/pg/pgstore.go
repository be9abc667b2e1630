// Package pg persists the payment ledger in PostgreSQL. The balance
// check, the payment append and the invoice transition run in one
// serializable transaction with the invoice row locked, so two
// concurrent attempts can never both observe the same remaining
// balance.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"rigrent.io/internal/auth"
	"rigrent.io/internal/ids"
	"rigrent.io/internal/ledger"
	"rigrent.io/internal/stream"
)

// Serialization conflicts are retried this many times before the
// attempt surfaces as ledger.ErrConflict.
const maxTxRetries = 3

type Store struct {
	db      *sql.DB
	oracle  ledger.SettlementOracle
	timeout time.Duration
	events  *stream.Hub
}

var _ ledger.Service = (*Store)(nil)

// Option configures the store.
type Option func(*Store)

// WithSettleTimeout bounds the settlement oracle call.
func WithSettleTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithEvents publishes invoice status transitions to the hub.
func WithEvents(h *stream.Hub) Option {
	return func(s *Store) { s.events = h }
}

// Open connects to Postgres and returns a ledger store.
func Open(dsn string, oracle ledger.SettlementOracle, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewStore(db, oracle, opts...), nil
}

// NewStore wraps an existing handle; tests inject sqlmock through here.
func NewStore(db *sql.DB, oracle ledger.SettlementOracle, opts ...Option) *Store {
	s := &Store{db: db, oracle: oracle, timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) CreateInvoice(ctx context.Context, userID string, total int64, dueDate time.Time) (ledger.Invoice, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ledger.Invoice{}, ledger.ErrInvalidInput
	}
	if total <= 0 {
		return ledger.Invoice{}, ledger.ErrInvalidAmount
	}

	id := ids.New()
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, `
		insert into invoices(id, user_id, total, amount_paid, status, due_date)
		values ($1,$2,$3,0,'PENDING',$4)
		returning created_at
	`, id, userID, total, nullTime(dueDate)).Scan(&createdAt)
	if err != nil {
		return ledger.Invoice{}, err
	}

	return ledger.Invoice{
		ID:        id,
		UserID:    userID,
		Total:     total,
		Status:    ledger.InvoicePending,
		DueDate:   dueDate,
		CreatedAt: createdAt,
	}, nil
}

const invoiceColumns = `id, user_id, total, amount_paid, status, coalesce(due_date, 'epoch'::timestamptz), created_at, paid_at`

func (s *Store) GetInvoice(ctx context.Context, id string) (ledger.Invoice, error) {
	row := s.db.QueryRowContext(ctx, `select `+invoiceColumns+` from invoices where id=$1`, id)
	return scanInvoice(row)
}

func (s *Store) ListInvoices(ctx context.Context, userID string) ([]ledger.Invoice, error) {
	query := `select ` + invoiceColumns + ` from invoices order by id asc`
	args := []any{}
	if userID != "" {
		query = `select ` + invoiceColumns + ` from invoices where user_id=$1 order by id asc`
		args = append(args, userID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ledger.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inv)
	}
	return res, rows.Err()
}

func (s *Store) ListPayments(ctx context.Context, invoiceID string) ([]ledger.Payment, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `select 1 from invoices where id=$1`, invoiceID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		select id, invoice_id, payer_id, amount, method, status, coalesce(reference,''), coalesce(notes,''), processed_at, created_at
		from payments where invoice_id=$1 order by id asc
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ledger.Payment
	for rows.Next() {
		var (
			p           ledger.Payment
			status      string
			processedAt sql.NullTime
		)
		if err := rows.Scan(&p.ID, &p.InvoiceID, &p.PayerID, &p.Amount, &p.Method, &status, &p.Reference, &p.Notes, &processedAt, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Status = ledger.PaymentStatus(status)
		if processedAt.Valid {
			t := processedAt.Time
			p.ProcessedAt = &t
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (s *Store) CancelInvoice(ctx context.Context, id string) (ledger.Invoice, error) {
	var inv ledger.Invoice
	err := s.withRetry(func() error {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		locked, err := lockInvoice(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := ledger.EnsureOpen(locked); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `update invoices set status='CANCELLED' where id=$1`, id); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		locked.Status = ledger.InvoiceCancelled
		inv = locked
		return nil
	})
	if err != nil {
		return ledger.Invoice{}, err
	}
	s.publish(inv)
	return inv, nil
}

func (s *Store) AttemptPayment(ctx context.Context, invoiceID string, claims *auth.Claims, req ledger.PaymentRequest) (ledger.PaymentResult, error) {
	// Preconditions are checked against the current view before any
	// settlement happens; the recording transaction re-validates under
	// the row lock.
	inv, err := s.GetInvoice(ctx, invoiceID)
	if err != nil {
		return ledger.PaymentResult{}, err
	}
	if err := ledger.AuthorizePayer(inv, claims); err != nil {
		return ledger.PaymentResult{}, err
	}
	if err := ledger.EnsureOpen(inv); err != nil {
		return ledger.PaymentResult{}, err
	}
	amount, err := ledger.ResolveAmount(inv, req)
	if err != nil {
		return ledger.PaymentResult{}, err
	}
	if err := ledger.ValidateRequest(req); err != nil {
		return ledger.PaymentResult{}, err
	}

	// The oracle is called outside the transaction so external
	// settlement latency never extends the row lock.
	outcome := ledger.Settle(ctx, s.oracle, s.timeout, ledger.SettlementRequest{
		InvoiceID: invoiceID,
		PayerID:   claims.UserID(),
		Amount:    amount,
		Method:    req.Method,
		Reference: req.Reference,
	})

	var result ledger.PaymentResult
	err = s.withRetry(func() error {
		var err error
		result, err = s.recordAttempt(ctx, invoiceID, claims.UserID(), amount, req, outcome)
		return err
	})
	if err != nil {
		return ledger.PaymentResult{}, err
	}
	if result.Invoice.Status == ledger.InvoicePaid {
		s.publish(result.Invoice)
	}
	return result, nil
}

// recordAttempt appends the payment row and applies any invoice
// transition in one serializable transaction.
func (s *Store) recordAttempt(ctx context.Context, invoiceID, payerID string, amount int64, req ledger.PaymentRequest, outcome ledger.SettlementResult) (ledger.PaymentResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ledger.PaymentResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	inv, err := lockInvoice(ctx, tx, invoiceID)
	if err != nil {
		return ledger.PaymentResult{}, err
	}
	if err := ledger.EnsureOpen(inv); err != nil {
		return ledger.PaymentResult{}, err
	}

	settled := outcome.Settled
	message := outcome.Message
	if settled && amount > inv.Remaining() {
		// A concurrent payment settled first. Record the attempt as
		// failed rather than overshooting the total.
		settled = false
		message = "invoice balance changed during settlement"
	}

	now := time.Now().UTC()
	payment := ledger.Payment{
		ID:        ids.New(),
		InvoiceID: invoiceID,
		PayerID:   payerID,
		Amount:    amount,
		Method:    req.Method,
		Reference: outcome.Reference,
		Notes:     req.Notes,
		CreatedAt: now,
	}
	if settled {
		payment.Status = ledger.PaymentCompleted
		payment.ProcessedAt = &now
		if message == "" || message == "settled" {
			message = "payment completed"
		}
	} else {
		payment.Status = ledger.PaymentFailed
		if message == "" {
			message = "payment failed"
		}
	}

	var processedAt any
	if payment.ProcessedAt != nil {
		processedAt = *payment.ProcessedAt
	}
	if _, err := tx.ExecContext(ctx, `
		insert into payments(id, invoice_id, payer_id, amount, method, status, reference, notes, processed_at)
		values ($1,$2,$3,$4,$5,$6,nullif($7,''),nullif($8,''),$9)
	`, payment.ID, invoiceID, payerID, amount, req.Method, string(payment.Status), outcome.Reference, req.Notes, processedAt); err != nil {
		return ledger.PaymentResult{}, err
	}

	if settled {
		inv.AmountPaid += amount
		if inv.Remaining() <= 0 {
			inv.Status = ledger.InvoicePaid
			inv.PaidAt = &now
			if _, err := tx.ExecContext(ctx, `
				update invoices set amount_paid = amount_paid + $2, status='PAID', paid_at=$3 where id=$1
			`, invoiceID, amount, now); err != nil {
				return ledger.PaymentResult{}, err
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				update invoices set amount_paid = amount_paid + $2 where id=$1
			`, invoiceID, amount); err != nil {
				return ledger.PaymentResult{}, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return ledger.PaymentResult{}, err
	}

	return ledger.PaymentResult{
		Payment:   payment,
		Invoice:   inv,
		Settled:   settled,
		Message:   message,
		Remaining: inv.Remaining(),
	}, nil
}

// withRetry re-runs fn on serialization conflicts, up to maxTxRetries.
func (s *Store) withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err = fn()
		if err == nil || !isSerializationFailure(err) {
			return err
		}
	}
	return ledger.ErrConflict
}

func lockInvoice(ctx context.Context, tx *sql.Tx, id string) (ledger.Invoice, error) {
	row := tx.QueryRowContext(ctx, `select `+invoiceColumns+` from invoices where id=$1 for update`, id)
	return scanInvoice(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (ledger.Invoice, error) {
	var (
		inv     ledger.Invoice
		status  string
		dueDate time.Time
		paidAt  sql.NullTime
	)
	err := row.Scan(&inv.ID, &inv.UserID, &inv.Total, &inv.AmountPaid, &status, &dueDate, &inv.CreatedAt, &paidAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Invoice{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Invoice{}, err
	}
	inv.Status = ledger.InvoiceStatus(status)
	if !dueDate.IsZero() && dueDate.Unix() != 0 {
		inv.DueDate = dueDate
	}
	if paidAt.Valid {
		t := paidAt.Time
		inv.PaidAt = &t
	}
	return inv, nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected.
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func (s *Store) publish(inv ledger.Invoice) {
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
