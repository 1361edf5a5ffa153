package reconciliation

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/treasury-sentinel/internal/store"
)

type fakeSnapshotReader struct {
	snap *store.Snapshot
	err  error
}

func (f *fakeSnapshotReader) LatestSnapshotForChain(ctx context.Context, chainID int64) (*store.Snapshot, error) {
	return f.snap, f.err
}

func TestStoreSnapshotProvider_ReturnsRecordedBalance(t *testing.T) {
	reader := &fakeSnapshotReader{snap: &store.Snapshot{
		ID: "snap-1",
		Balances: []store.TokenBalance{
			{Token: "0xUSDC", RawBalance: "10000000"},
		},
	}}
	p := NewStoreSnapshotProvider(reader)

	bal, err := p.SnapshotBalance(context.Background(), 8453, "0xusdc")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(10_000_000), bal)
}

func TestStoreSnapshotProvider_UnknownToken(t *testing.T) {
	reader := &fakeSnapshotReader{snap: &store.Snapshot{
		ID:       "snap-1",
		Balances: []store.TokenBalance{{Token: "0xUSDC", RawBalance: "10000000"}},
	}}
	p := NewStoreSnapshotProvider(reader)

	_, err := p.SnapshotBalance(context.Background(), 8453, "0xDAI")
	assert.Error(t, err)
}

func TestStoreSnapshotProvider_MalformedRawBalance(t *testing.T) {
	reader := &fakeSnapshotReader{snap: &store.Snapshot{
		ID:       "snap-1",
		Balances: []store.TokenBalance{{Token: "0xUSDC", RawBalance: "not-a-number"}},
	}}
	p := NewStoreSnapshotProvider(reader)

	_, err := p.SnapshotBalance(context.Background(), 8453, "0xUSDC")
	assert.Error(t, err)
}
