// Package reconciliation compares the balances recorded in a treasury
// snapshot against a second, independent on-chain read and reports any
// mismatch to its caller. The result is not fed to the escalation guards
// and never gates a transition.
package reconciliation

import (
	"context"
	"fmt"
	"math/big"
)

// SnapshotBalanceProvider returns the tracked-token balance sum recorded by
// the most recent snapshot for a chain/token pair, in the token's smallest
// unit.
type SnapshotBalanceProvider interface {
	SnapshotBalance(ctx context.Context, chainID int64, tokenAddress string) (*big.Int, error)
}

// ChainBalanceProvider performs a fresh, independent on-chain balance read.
type ChainBalanceProvider interface {
	TokenBalance(ctx context.Context, chainID int64, tokenAddress, holder string) (*big.Int, error)
}

// Result holds the outcome of a single chain/token reconciliation check.
type Result struct {
	ChainID         int64    `json:"chainId"`
	TokenAddress    string   `json:"tokenAddress"`
	Match           bool     `json:"match"`
	SnapshotBalance *big.Int `json:"snapshotBalance"`
	ChainBalance    *big.Int `json:"chainBalance"`
	Diff            *big.Int `json:"diff"`
}

// Service performs reconciliation between snapshot and on-chain state.
type Service struct {
	snapshots      SnapshotBalanceProvider
	chain          ChainBalanceProvider
	alertThreshold *big.Int // smallest token unit; mismatches at or below this are not flagged
}

// NewService creates a reconciliation service with the given alert
// threshold (smallest token unit, e.g. micro-USDC).
func NewService(snapshots SnapshotBalanceProvider, chain ChainBalanceProvider, alertThreshold *big.Int) *Service {
	if alertThreshold == nil {
		alertThreshold = big.NewInt(1_000_000) // 1 USDC-equivalent default
	}
	return &Service{
		snapshots:      snapshots,
		chain:          chain,
		alertThreshold: alertThreshold,
	}
}

// Reconcile compares the snapshot-recorded balance for (chainID, tokenAddress,
// holder) against a fresh on-chain read.
func (s *Service) Reconcile(ctx context.Context, chainID int64, tokenAddress, holder string) (*Result, error) {
	snapBal, err := s.snapshots.SnapshotBalance(ctx, chainID, tokenAddress)
	if err != nil {
		return nil, fmt.Errorf("snapshot balance: %w", err)
	}

	chainBal, err := s.chain.TokenBalance(ctx, chainID, tokenAddress, holder)
	if err != nil {
		return nil, fmt.Errorf("on-chain balance: %w", err)
	}

	diff := new(big.Int).Sub(chainBal, snapBal)
	absDiff := new(big.Int).Abs(diff)

	return &Result{
		ChainID:         chainID,
		TokenAddress:    tokenAddress,
		Match:           absDiff.Cmp(s.alertThreshold) <= 0,
		SnapshotBalance: snapBal,
		ChainBalance:    chainBal,
		Diff:            diff,
	}, nil
}
