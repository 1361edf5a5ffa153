package budget

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu    sync.Mutex
	spent *big.Int
}

func newMemStore() *memStore { return &memStore{spent: big.NewInt(0)} }

func (m *memStore) LoadSpent(ctx context.Context) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.spent), nil
}

func (m *memStore) SaveSpent(ctx context.Context, spent *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spent = new(big.Int).Set(spent)
	return nil
}

func newTestLedger(t *testing.T, limit, minOp int64) (*Ledger, *memStore) {
	t.Helper()
	store := newMemStore()
	l, err := NewLedger(context.Background(), store, big.NewInt(limit), big.NewInt(minOp))
	require.NoError(t, err)
	return l, store
}

func TestLedger_ReserveCommit(t *testing.T) {
	l, store := newTestLedger(t, 1_000_000, 50_000)
	ctx := context.Background()

	handle, err := l.Reserve(ctx, big.NewInt(500_000))
	require.NoError(t, err)

	status := l.Status()
	assert.Equal(t, big.NewInt(500_000), status.ReservedMicroUSDC)
	assert.Equal(t, big.NewInt(500_000), status.RemainingMicroUSDC)

	require.NoError(t, l.Commit(ctx, handle))

	status = l.Status()
	assert.Equal(t, big.NewInt(500_000), status.SpentMicroUSDC)
	assert.Equal(t, big.NewInt(0), status.ReservedMicroUSDC)

	persisted, _ := store.LoadSpent(ctx)
	assert.Equal(t, big.NewInt(500_000), persisted)
}

func TestLedger_ReserveRejectsOverLimit(t *testing.T) {
	l, _ := newTestLedger(t, 1_000_000, 50_000)
	ctx := context.Background()

	_, err := l.Reserve(ctx, big.NewInt(1_500_000))
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	status := l.Status()
	assert.Equal(t, big.NewInt(0), status.SpentMicroUSDC)
	assert.Equal(t, big.NewInt(0), status.ReservedMicroUSDC)
}

func TestLedger_ReserveAccountsForOutstandingReservations(t *testing.T) {
	l, _ := newTestLedger(t, 1_000_000, 50_000)
	ctx := context.Background()

	_, err := l.Reserve(ctx, big.NewInt(600_000))
	require.NoError(t, err)

	_, err = l.Reserve(ctx, big.NewInt(500_000))
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestLedger_Release(t *testing.T) {
	l, _ := newTestLedger(t, 1_000_000, 50_000)
	ctx := context.Background()

	handle, err := l.Reserve(ctx, big.NewInt(600_000))
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, handle))

	status := l.Status()
	assert.Equal(t, big.NewInt(0), status.ReservedMicroUSDC)

	_, err = l.Reserve(ctx, big.NewInt(600_000))
	require.NoError(t, err)
}

func TestLedger_CommitIsIdempotent(t *testing.T) {
	l, _ := newTestLedger(t, 1_000_000, 50_000)
	ctx := context.Background()

	handle, err := l.Reserve(ctx, big.NewInt(100_000))
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, handle))
	require.NoError(t, l.Commit(ctx, handle)) // second commit is a no-op

	status := l.Status()
	assert.Equal(t, big.NewInt(100_000), status.SpentMicroUSDC)
}

func TestLedger_CommitUnknownHandleIsNoop(t *testing.T) {
	l, _ := newTestLedger(t, 1_000_000, 50_000)
	assert.NoError(t, l.Commit(context.Background(), "never-reserved"))
}

func TestLedger_InvalidAmount(t *testing.T) {
	l, _ := newTestLedger(t, 1_000_000, 50_000)
	ctx := context.Background()

	_, err := l.Reserve(ctx, big.NewInt(0))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = l.Reserve(ctx, big.NewInt(-10))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestLedger_StatusBlockedBelowMinimumOperational(t *testing.T) {
	l, _ := newTestLedger(t, 100_000, 50_000)
	ctx := context.Background()

	handle, err := l.Reserve(ctx, big.NewInt(60_000))
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, handle))

	status := l.Status()
	assert.True(t, status.Blocked)
	assert.Equal(t, big.NewInt(40_000), status.RemainingMicroUSDC)
}

func TestLedger_Reset(t *testing.T) {
	l, store := newTestLedger(t, 1_000_000, 50_000)
	ctx := context.Background()

	handle, err := l.Reserve(ctx, big.NewInt(500_000))
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, handle))

	_, err = l.Reserve(ctx, big.NewInt(200_000))
	require.NoError(t, err)

	require.NoError(t, l.Reset(ctx))

	status := l.Status()
	assert.Equal(t, big.NewInt(0), status.SpentMicroUSDC)
	assert.Equal(t, big.NewInt(0), status.ReservedMicroUSDC)

	persisted, _ := store.LoadSpent(ctx)
	assert.Equal(t, big.NewInt(0), persisted)
}

func TestLedger_RestoresSpentFromStore(t *testing.T) {
	store := newMemStore()
	store.spent = big.NewInt(300_000)

	l, err := NewLedger(context.Background(), store, big.NewInt(1_000_000), big.NewInt(50_000))
	require.NoError(t, err)

	status := l.Status()
	assert.Equal(t, big.NewInt(300_000), status.SpentMicroUSDC)
}
