package reconciliation

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/mbd888/treasury-sentinel/internal/store"
)

// snapshotReader is the narrow slice of store.Store a StoreSnapshotProvider
// needs.
type snapshotReader interface {
	LatestSnapshotForChain(ctx context.Context, chainID int64) (*store.Snapshot, error)
}

// StoreSnapshotProvider implements SnapshotBalanceProvider by reading the
// most recent AgentRun snapshot row for a chain out of the store.
type StoreSnapshotProvider struct {
	store snapshotReader
}

// NewStoreSnapshotProvider adapts a store.Store into a SnapshotBalanceProvider.
func NewStoreSnapshotProvider(st snapshotReader) *StoreSnapshotProvider {
	return &StoreSnapshotProvider{store: st}
}

// SnapshotBalance returns the raw balance recorded for tokenAddress in the
// most recent snapshot taken for chainID.
func (p *StoreSnapshotProvider) SnapshotBalance(ctx context.Context, chainID int64, tokenAddress string) (*big.Int, error) {
	snap, err := p.store.LatestSnapshotForChain(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("latest snapshot for chain %d: %w", chainID, err)
	}

	for _, bal := range snap.Balances {
		if strings.EqualFold(bal.Token, tokenAddress) {
			raw, ok := new(big.Int).SetString(bal.RawBalance, 10)
			if !ok {
				return nil, fmt.Errorf("snapshot %s: malformed raw balance %q for token %s", snap.ID, bal.RawBalance, tokenAddress)
			}
			return raw, nil
		}
	}
	return nil, fmt.Errorf("snapshot %s: no recorded balance for token %s", snap.ID, tokenAddress)
}
