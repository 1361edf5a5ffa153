package reconciliation

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSnapshots struct {
	balances map[string]*big.Int
	err      error
}

func (f *fakeSnapshots) SnapshotBalance(ctx context.Context, chainID int64, token string) (*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.balances[token], nil
}

type fakeChain struct {
	balances map[string]*big.Int
	err      error
}

func (f *fakeChain) TokenBalance(ctx context.Context, chainID int64, token, holder string) (*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.balances[token], nil
}

func TestReconcile_Match(t *testing.T) {
	snaps := &fakeSnapshots{balances: map[string]*big.Int{"0xusdc": big.NewInt(10_000_000)}}
	chain := &fakeChain{balances: map[string]*big.Int{"0xusdc": big.NewInt(10_000_000)}}

	svc := NewService(snaps, chain, nil)
	res, err := svc.Reconcile(context.Background(), 8453, "0xusdc", "0xtreasury")
	require.NoError(t, err)
	assert.True(t, res.Match)
	assert.Equal(t, big.NewInt(0), res.Diff)
}

func TestReconcile_MismatchBeyondThreshold(t *testing.T) {
	snaps := &fakeSnapshots{balances: map[string]*big.Int{"0xusdc": big.NewInt(10_000_000)}}
	chain := &fakeChain{balances: map[string]*big.Int{"0xusdc": big.NewInt(5_000_000)}}

	svc := NewService(snaps, chain, big.NewInt(1_000_000))
	res, err := svc.Reconcile(context.Background(), 8453, "0xusdc", "0xtreasury")
	require.NoError(t, err)
	assert.False(t, res.Match)
	assert.Equal(t, big.NewInt(-5_000_000), res.Diff)
}

func TestReconcile_WithinThreshold(t *testing.T) {
	snaps := &fakeSnapshots{balances: map[string]*big.Int{"0xusdc": big.NewInt(10_000_000)}}
	chain := &fakeChain{balances: map[string]*big.Int{"0xusdc": big.NewInt(10_000_500)}}

	svc := NewService(snaps, chain, big.NewInt(1_000_000))
	res, err := svc.Reconcile(context.Background(), 8453, "0xusdc", "0xtreasury")
	require.NoError(t, err)
	assert.True(t, res.Match)
}

func TestReconcile_ChainError(t *testing.T) {
	snaps := &fakeSnapshots{balances: map[string]*big.Int{"0xusdc": big.NewInt(10_000_000)}}
	chain := &fakeChain{err: assert.AnError}

	svc := NewService(snaps, chain, nil)
	_, err := svc.Reconcile(context.Background(), 8453, "0xusdc", "0xtreasury")
	assert.Error(t, err)
}
