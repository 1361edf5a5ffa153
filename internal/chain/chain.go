// Package chain provides read-only EVM JSON-RPC access across the
// sentinel's configured chains: balance reads, ERC-20 metadata calls, block
// number, transaction receipts, and Transfer-log filtering.
//
// Grounded on the teacher's internal/wallet.go (ABI packing, balanceOf/
// decimals eth_call shape) and internal/watcher.go (FilterLogs query shape,
// Transfer event topic). This package never signs or sends a transaction —
// the sentinel's own USDC payments are signed and sent by internal/wallet —
// so Transfer/SendTransaction/PendingNonceAt are deliberately absent from
// this package; only read methods survive the adaptation.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/treasury-sentinel/internal/circuitbreaker"
	"github.com/mbd888/treasury-sentinel/internal/metrics"
	"github.com/mbd888/treasury-sentinel/internal/retry"
)

var (
	ErrChainNotConfigured = errors.New("chain: chain id not configured")
	ErrRPCUnavailable     = errors.New("chain: rpc unavailable")
)

// TransferEventSig is the ERC-20 Transfer event topic hash.
var TransferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

// EthClient abstracts go-ethereum's client for testing.
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

const (
	retryMaxAttempts = 5
	defaultRetryBaseDelay = time.Second
	breakerThreshold      = 5
	breakerOpenFor        = 30 * time.Second
)

// Client is a read-only RPC client for one chain.
type Client struct {
	chainID        int64
	eth            EthClient
	abi            abi.ABI
	breaker        *circuitbreaker.Breaker
	retryBaseDelay time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithRetryBaseDelay overrides the default 1s retry base delay, used by
// tests to avoid real sleeps.
func WithRetryBaseDelay(d time.Duration) Option {
	return func(c *Client) { c.retryBaseDelay = d }
}

// NewClient dials rpcURL and returns a Client for chainID.
func NewClient(chainID int64, rpcURL string, opts ...Option) (*Client, error) {
	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	ec, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc for chain %d: %w", chainID, err)
	}
	c := &Client{
		chainID:        chainID,
		eth:            ec,
		abi:            parsedABI,
		breaker:        circuitbreaker.New(breakerThreshold, breakerOpenFor),
		retryBaseDelay: defaultRetryBaseDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewClientWithEthClient builds a Client around a supplied EthClient,
// used in tests to substitute a fake.
func NewClientWithEthClient(chainID int64, eth EthClient, opts ...Option) (*Client, error) {
	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	c := &Client{
		chainID:        chainID,
		eth:            eth,
		abi:            parsedABI,
		breaker:        circuitbreaker.New(breakerThreshold, breakerOpenFor),
		retryBaseDelay: defaultRetryBaseDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}

// call runs fn behind the chain's circuit breaker and a bounded retry with
// exponential backoff, per spec: base 1s, factor 2 (doubling), max 5
// attempts. RPC failures are not fatal — callers get ErrRPCUnavailable once
// retries are exhausted, and the run continues.
func (c *Client) call(ctx context.Context, method string, fn func() error) error {
	key := fmt.Sprintf("chain-%d", c.chainID)
	if !c.breaker.Allow(key) {
		return ErrRPCUnavailable
	}

	err := retry.Do(ctx, retryMaxAttempts, c.retryBaseDelay, func() error {
		if err := fn(); err != nil {
			metrics.RPCRetriesTotal.WithLabelValues(fmt.Sprintf("%d", c.chainID), method).Inc()
			return err
		}
		return nil
	})

	if err != nil {
		c.breaker.RecordFailure(key)
		return fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
	}
	c.breaker.RecordSuccess(key)
	return nil
}

// BlockNumber returns the current head block for this chain.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var block uint64
	err := c.call(ctx, "eth_blockNumber", func() error {
		var err error
		block, err = c.eth.BlockNumber(ctx)
		return err
	})
	return block, err
}

// TokenBalance calls ERC-20 balanceOf(holder) on tokenAddress.
func (c *Client) TokenBalance(ctx context.Context, tokenAddress, holder string) (*big.Int, error) {
	data, err := c.abi.Pack("balanceOf", common.HexToAddress(holder))
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	token := common.HexToAddress(tokenAddress)

	var result []byte
	err = c.call(ctx, "eth_call_balanceOf", func() error {
		var err error
		result, err = c.eth.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(result), nil
}

// TokenDecimals calls ERC-20 decimals() on tokenAddress.
func (c *Client) TokenDecimals(ctx context.Context, tokenAddress string) (uint8, error) {
	data, err := c.abi.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("pack decimals: %w", err)
	}
	token := common.HexToAddress(tokenAddress)

	var result []byte
	err = c.call(ctx, "eth_call_decimals", func() error {
		var err error
		result, err = c.eth.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
		return err
	})
	if err != nil {
		return 0, err
	}
	values, err := c.abi.Unpack("decimals", result)
	if err != nil || len(values) == 0 {
		return 0, fmt.Errorf("unpack decimals: %w", err)
	}
	return values[0].(uint8), nil
}

// TokenSymbol calls ERC-20 symbol() on tokenAddress.
func (c *Client) TokenSymbol(ctx context.Context, tokenAddress string) (string, error) {
	data, err := c.abi.Pack("symbol")
	if err != nil {
		return "", fmt.Errorf("pack symbol: %w", err)
	}
	token := common.HexToAddress(tokenAddress)

	var result []byte
	err = c.call(ctx, "eth_call_symbol", func() error {
		var err error
		result, err = c.eth.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
		return err
	})
	if err != nil {
		return "", err
	}
	values, err := c.abi.Unpack("symbol", result)
	if err != nil || len(values) == 0 {
		return "", fmt.Errorf("unpack symbol: %w", err)
	}
	return values[0].(string), nil
}

// TransactionReceipt fetches the receipt for txHash.
func (c *Client) TransactionReceipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.call(ctx, "eth_getTransactionReceipt", func() error {
		var err error
		receipt, err = c.eth.TransactionReceipt(ctx, common.HexToHash(txHash))
		return err
	})
	return receipt, err
}

// FilterTransferLogs returns ERC-20 Transfer logs on tokenAddress with
// `to == recipient`, between fromBlock and toBlock (inclusive).
func (c *Client) FilterTransferLogs(ctx context.Context, tokenAddress, recipient string, fromBlock, toBlock uint64) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{common.HexToAddress(tokenAddress)},
		Topics: [][]common.Hash{
			{TransferEventSig},
			nil,
			{common.BytesToHash(common.HexToAddress(recipient).Bytes())},
		},
	}

	var logs []types.Log
	err := c.call(ctx, "eth_getLogs", func() error {
		var err error
		logs, err = c.eth.FilterLogs(ctx, query)
		return err
	})
	return logs, err
}

// ChainID returns the chain this client talks to.
func (c *Client) ChainID() int64 { return c.chainID }
