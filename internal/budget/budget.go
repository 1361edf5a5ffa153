// Package budget tracks the sentinel's process-wide spending limit.
//
// All arithmetic is in integer micro-USDC (1 USDC = 1_000_000 units) to
// eliminate floating-point drift, generalizing the teacher's per-agent
// Hold/ConfirmHold/ReleaseHold pattern to a single process-wide counter:
// reserve maps onto Hold, commit onto ConfirmHold, release onto ReleaseHold.
package budget

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/mbd888/treasury-sentinel/internal/idgen"
	"github.com/mbd888/treasury-sentinel/internal/traces"
	"go.opentelemetry.io/otel/codes"
)

var (
	ErrInsufficientFunds = errors.New("budget: insufficient funds")
	ErrInvalidAmount     = errors.New("budget: invalid amount")
	ErrHandleNotFound    = errors.New("budget: reservation handle not found")
)

// Store persists the spent counter so it survives a process restart. Scoped
// narrowly to the one piece of ledger state that must outlive a restart;
// reservations are in-memory only, matching the single-process concurrency
// model in §5.
type Store interface {
	LoadSpent(ctx context.Context) (*big.Int, error)
	SaveSpent(ctx context.Context, spent *big.Int) error
}

// Status is a point-in-time snapshot of the ledger's state.
type Status struct {
	LimitMicroUSDC     *big.Int
	SpentMicroUSDC     *big.Int
	ReservedMicroUSDC  *big.Int
	RemainingMicroUSDC *big.Int
	Blocked            bool
}

// Reserver is the narrow capability MarketDataGateway and
// EscalationStateMachine depend on to hold funds ahead of a spend, without
// pulling in the whole Ledger surface (reserve/commit/release exist as
// separate capability interfaces specifically to break the cyclic
// dependency between the gateway, the pipeline, and the state machine).
type Reserver interface {
	Reserve(ctx context.Context, amountMicroUSDC *big.Int) (string, error)
}

// Committer turns a reservation into realized spend.
type Committer interface {
	Commit(ctx context.Context, handle string) error
}

// Releaser cancels a reservation without spending it.
type Releaser interface {
	Release(ctx context.Context, handle string) error
}

// Ledger is the single source of truth for budget spend. All mutating
// operations are serialized behind one mutex — the ledger is the one
// shared mutable counter in the whole system (§5).
type Ledger struct {
	mu sync.Mutex

	store          Store
	limit          *big.Int
	minOperational *big.Int
	spent          *big.Int
	reservations   map[string]*big.Int
}

// NewLedger constructs a Ledger backed by store, loading the last persisted
// spent value. limitMicroUSDC and minOperationalMicroUSDC are fixed for the
// life of the process (administrative reset() clears spent, not the limit).
func NewLedger(ctx context.Context, store Store, limitMicroUSDC, minOperationalMicroUSDC *big.Int) (*Ledger, error) {
	spent, err := store.LoadSpent(ctx)
	if err != nil {
		return nil, err
	}
	return &Ledger{
		store:          store,
		limit:          new(big.Int).Set(limitMicroUSDC),
		minOperational: new(big.Int).Set(minOperationalMicroUSDC),
		spent:          spent,
		reservations:   make(map[string]*big.Int),
	}, nil
}

func (l *Ledger) reservedSumLocked() *big.Int {
	sum := big.NewInt(0)
	for _, amt := range l.reservations {
		sum.Add(sum, amt)
	}
	return sum
}

// Reserve atomically checks spent + outstanding reservations + amount ≤
// limit and, if so, records a reservation and returns its handle. A
// rejected reserve does not modify state.
func (l *Ledger) Reserve(ctx context.Context, amountMicroUSDC *big.Int) (string, error) {
	_, span := traces.StartSpan(ctx, "budget.Reserve", traces.Amount(amountMicroUSDC.String()))
	defer span.End()

	if amountMicroUSDC == nil || amountMicroUSDC.Sign() <= 0 {
		span.SetStatus(codes.Error, "invalid amount")
		return "", ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	projected := new(big.Int).Add(l.spent, l.reservedSumLocked())
	projected.Add(projected, amountMicroUSDC)
	if projected.Cmp(l.limit) > 0 {
		span.SetStatus(codes.Error, "insufficient funds")
		return "", ErrInsufficientFunds
	}

	handle := idgen.WithPrefix("resv")
	l.reservations[handle] = new(big.Int).Set(amountMicroUSDC)
	return handle, nil
}

// Commit turns a reservation into realized spend and persists the new
// spent total. Idempotent: committing an already-committed (no longer
// present) handle is a no-op.
func (l *Ledger) Commit(ctx context.Context, handle string) error {
	ctx, span := traces.StartSpan(ctx, "budget.Commit")
	defer span.End()

	l.mu.Lock()
	amt, ok := l.reservations[handle]
	if !ok {
		l.mu.Unlock()
		return nil
	}
	newSpent := new(big.Int).Add(l.spent, amt)
	delete(l.reservations, handle)
	l.spent = newSpent
	spentCopy := new(big.Int).Set(newSpent)
	l.mu.Unlock()

	if err := l.store.SaveSpent(ctx, spentCopy); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Release cancels a reservation without spending it. Idempotent.
func (l *Ledger) Release(ctx context.Context, handle string) error {
	_, span := traces.StartSpan(ctx, "budget.Release")
	defer span.End()

	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.reservations, handle)
	return nil
}

// Status returns the current budget state. blocked iff remaining is below
// the configured minimum operational threshold.
func (l *Ledger) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	reserved := l.reservedSumLocked()
	remaining := new(big.Int).Sub(l.limit, l.spent)
	remaining.Sub(remaining, reserved)
	if remaining.Sign() < 0 {
		remaining = big.NewInt(0)
	}

	return Status{
		LimitMicroUSDC:     new(big.Int).Set(l.limit),
		SpentMicroUSDC:     new(big.Int).Set(l.spent),
		ReservedMicroUSDC:  reserved,
		RemainingMicroUSDC: remaining,
		Blocked:            remaining.Cmp(l.minOperational) < 0,
	}
}

// Reset clears spent and all outstanding reservations. Administrative only.
func (l *Ledger) Reset(ctx context.Context) error {
	_, span := traces.StartSpan(ctx, "budget.Reset")
	defer span.End()

	l.mu.Lock()
	l.spent = big.NewInt(0)
	l.reservations = make(map[string]*big.Int)
	l.mu.Unlock()

	return l.store.SaveSpent(ctx, big.NewInt(0))
}
