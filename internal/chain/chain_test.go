package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fast avoids real sleeps through the retry package's exponential backoff.
func fast() Option { return WithRetryBaseDelay(time.Millisecond) }

type fakeEthClient struct {
	blockNumber   uint64
	blockErr      error
	callResult    []byte
	callErr       error
	callCount     int
	failFirstN    int
	receipt       *types.Receipt
	receiptErr    error
	logs          []types.Log
	logsErr       error
}

func (f *fakeEthClient) BlockNumber(ctx context.Context) (uint64, error) {
	return f.blockNumber, f.blockErr
}

func (f *fakeEthClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.callCount++
	if f.callCount <= f.failFirstN {
		return nil, errors.New("transient rpc error")
	}
	return f.callResult, f.callErr
}

func (f *fakeEthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return f.receipt, f.receiptErr
}

func (f *fakeEthClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return f.logs, f.logsErr
}

func (f *fakeEthClient) Close() {}

func TestClient_BlockNumber(t *testing.T) {
	eth := &fakeEthClient{blockNumber: 12345}
	c, err := NewClientWithEthClient(8453, eth, fast())
	require.NoError(t, err)

	block, err := c.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), block)
}

func TestClient_TokenBalance(t *testing.T) {
	balance := big.NewInt(5_000_000)
	eth := &fakeEthClient{callResult: leftPad32(balance.Bytes())}
	c, err := NewClientWithEthClient(8453, eth, fast())
	require.NoError(t, err)

	got, err := c.TokenBalance(context.Background(), "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", "0x0000000000000000000000000000000000dEaD")
	require.NoError(t, err)
	assert.Equal(t, balance, got)
}

func TestClient_TokenBalance_RetriesTransientFailure(t *testing.T) {
	balance := big.NewInt(1_000_000)
	eth := &fakeEthClient{callResult: leftPad32(balance.Bytes()), failFirstN: 2}
	c, err := NewClientWithEthClient(8453, eth, fast())
	require.NoError(t, err)

	got, err := c.TokenBalance(context.Background(), "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", "0x0000000000000000000000000000000000dEaD")
	require.NoError(t, err)
	assert.Equal(t, balance, got)
	assert.Equal(t, 3, eth.callCount)
}

func TestClient_TokenBalance_ExhaustsRetriesAndOpensBreaker(t *testing.T) {
	eth := &fakeEthClient{callErr: errors.New("rpc down")}
	c, err := NewClientWithEthClient(8453, eth, fast())
	require.NoError(t, err)

	// Each failed TokenBalance call exhausts retryMaxAttempts internally
	// and records one circuit-breaker failure; the breaker's threshold
	// (5) is reached after this many calls, tripping it open.
	for i := 0; i < breakerThreshold; i++ {
		_, err := c.TokenBalance(context.Background(), "0xToken", "0xHolder")
		assert.ErrorIs(t, err, ErrRPCUnavailable)
	}

	callsBefore := eth.callCount
	_, err = c.TokenBalance(context.Background(), "0xToken", "0xHolder")
	assert.ErrorIs(t, err, ErrRPCUnavailable)
	assert.Equal(t, callsBefore, eth.callCount, "breaker should short-circuit without calling the RPC")
}

func TestClient_FilterTransferLogs(t *testing.T) {
	want := []types.Log{{TxHash: common.HexToHash("0xabc")}}
	eth := &fakeEthClient{logs: want}
	c, err := NewClientWithEthClient(8453, eth, fast())
	require.NoError(t, err)

	got, err := c.FilterTransferLogs(context.Background(), "0xToken", "0xRecipient", 100, 200)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func leftPad32(b []byte) []byte {
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}
