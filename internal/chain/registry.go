package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/mbd888/treasury-sentinel/internal/config"
)

// Registry holds one Client per configured chain.
type Registry struct {
	clients map[int64]*Client
}

// NewRegistry dials a Client for every chain in chains.
func NewRegistry(chains []config.ChainConfig, opts ...Option) (*Registry, error) {
	clients := make(map[int64]*Client, len(chains))
	for _, c := range chains {
		client, err := NewClient(c.ChainID, c.RPCURL, opts...)
		if err != nil {
			return nil, fmt.Errorf("chain %d: %w", c.ChainID, err)
		}
		clients[c.ChainID] = client
	}
	return &Registry{clients: clients}, nil
}

// Get returns the Client for chainID, if configured.
func (r *Registry) Get(chainID int64) (*Client, bool) {
	c, ok := r.clients[chainID]
	return c, ok
}

// Chains returns the configured chain ids.
func (r *Registry) Chains() []int64 {
	ids := make([]int64, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	return ids
}

// Close closes every underlying RPC connection.
func (r *Registry) Close() {
	for _, c := range r.clients {
		c.Close()
	}
}

// TokenBalance satisfies reconciliation.ChainBalanceProvider: a fresh
// on-chain balance read for (chainID, tokenAddress, holder).
func (r *Registry) TokenBalance(ctx context.Context, chainID int64, tokenAddress, holder string) (*big.Int, error) {
	c, ok := r.Get(chainID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrChainNotConfigured, chainID)
	}
	return c.TokenBalance(ctx, tokenAddress, holder)
}
