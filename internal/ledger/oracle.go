package ledger

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SettlementRequest is what the ledger hands to the external processor.
type SettlementRequest struct {
	InvoiceID string
	PayerID   string
	Amount    int64
	Method    string
	Reference string
}

// SettlementResult is the processor's verdict. A declined settlement is
// a normal business outcome, not an error.
type SettlementResult struct {
	Settled   bool
	Reference string
	Message   string
}

// SettlementOracle decides whether a payment attempt settles. The
// ledger's transactional logic never depends on which implementation is
// injected; production wiring swaps the simulation for a real processor
// client without touching ledger code.
type SettlementOracle interface {
	Settle(ctx context.Context, req SettlementRequest) (SettlementResult, error)
}

// SimulatedOracle settles with a fixed probability. The RNG is
// injectable so tests are deterministic.
type SimulatedOracle struct {
	successRate float64

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewSimulatedOracle builds an oracle succeeding with the given
// probability in [0,1].
func NewSimulatedOracle(successRate float64) *SimulatedOracle {
	return NewSimulatedOracleWithSource(successRate, rand.NewSource(time.Now().UnixNano()))
}

// NewSimulatedOracleWithSource allows a seeded source for tests.
func NewSimulatedOracleWithSource(successRate float64, src rand.Source) *SimulatedOracle {
	if successRate < 0 {
		successRate = 0
	}
	if successRate > 1 {
		successRate = 1
	}
	return &SimulatedOracle{
		successRate: successRate,
		rnd:         rand.New(src),
	}
}

func (o *SimulatedOracle) Settle(ctx context.Context, req SettlementRequest) (SettlementResult, error) {
	if err := ctx.Err(); err != nil {
		return SettlementResult{}, err
	}

	o.mu.Lock()
	settled := o.rnd.Float64() < o.successRate
	o.mu.Unlock()

	reference := req.Reference
	if reference == "" {
		reference = "sim-" + uuid.NewString()
	}
	if !settled {
		return SettlementResult{
			Settled:   false,
			Reference: reference,
			Message:   "settlement declined by processor",
		}, nil
	}
	return SettlementResult{
		Settled:   true,
		Reference: reference,
		Message:   "settled",
	}, nil
}

// StaticOracle returns a fixed outcome; test helper.
type StaticOracle struct {
	Result SettlementResult
	Err    error
	Delay  time.Duration
}

func (o StaticOracle) Settle(ctx context.Context, req SettlementRequest) (SettlementResult, error) {
	if o.Delay > 0 {
		select {
		case <-ctx.Done():
			return SettlementResult{}, ctx.Err()
		case <-time.After(o.Delay):
		}
	}
	if o.Err != nil {
		return SettlementResult{}, o.Err
	}
	res := o.Result
	if res.Reference == "" {
		res.Reference = req.Reference
	}
	return res, nil
}
