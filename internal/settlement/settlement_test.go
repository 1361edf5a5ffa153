package settlement

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

	"github.com/mbd888/treasury-sentinel/internal/chain"
	"github.com/mbd888/treasury-sentinel/internal/store"
)

const (
	usdcAddr   = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	recipient  = "0x00000000000000000000000000000000000dEaD"
	senderAddr = "0x000000000000000000000000000000000000A1"
)

type fakeEth struct {
	blockNumber uint64
	receipts    map[common.Hash]*types.Receipt
	logs        []types.Log
}

func (f *fakeEth) BlockNumber(ctx context.Context) (uint64, error) { return f.blockNumber, nil }
func (f *fakeEth) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, errors.New("not used")
}
func (f *fakeEth) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, errors.New("not found")
	}
	return r, nil
}
func (f *fakeEth) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return f.logs, nil
}
func (f *fakeEth) Close() {}

func transferLog(from, to string, amount *big.Int, block uint64, txHash common.Hash) types.Log {
	return types.Log{
		Address: common.HexToAddress(usdcAddr),
		Topics: []common.Hash{
			chain.TransferEventSig,
			common.BytesToHash(common.HexToAddress(from).Bytes()),
			common.BytesToHash(common.HexToAddress(to).Bytes()),
		},
		Data:        leftPad32(amount.Bytes()),
		BlockNumber: block,
		TxHash:      txHash,
	}
}

func leftPad32(b []byte) []byte {
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

func newVerifier(t *testing.T, eth *fakeEth) (*Verifier, store.ConsumedTxStore) {
	t.Helper()
	c, err := chain.NewClientWithEthClient(8453, eth, chain.WithRetryBaseDelay(time.Millisecond))
	require.NoError(t, err)
	consumed := store.NewMemoryStore()
	return New(c, consumed, usdcAddr, recipient, 3), consumed
}

func TestVerifier_Verify_Success(t *testing.T) {
	txHash := common.HexToHash("0xaaa")
	log := transferLog(senderAddr, recipient, big.NewInt(5_000_000), 100, txHash)
	eth := &fakeEth{
		blockNumber: 110,
		receipts: map[common.Hash]*types.Receipt{
			txHash: {Status: 1, BlockNumber: 100, Logs: []*types.Log{&log}},
		},
	}
	v, _ := newVerifier(t, eth)

	result, err := v.Verify(context.Background(), txHash.Hex(), big.NewInt(1_000_000), "")
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.Equal(t, big.NewInt(5_000_000), result.Amount)
	assert.Equal(t, uint64(10), result.Confirmations)
}

func TestVerifier_Verify_InsufficientConfirmations(t *testing.T) {
	txHash := common.HexToHash("0xbbb")
	log := transferLog(senderAddr, recipient, big.NewInt(5_000_000), 100, txHash)
	eth := &fakeEth{
		blockNumber: 101,
		receipts: map[common.Hash]*types.Receipt{
			txHash: {Status: 1, BlockNumber: 100, Logs: []*types.Log{&log}},
		},
	}
	v, _ := newVerifier(t, eth)

	result, err := v.Verify(context.Background(), txHash.Hex(), big.NewInt(1_000_000), "")
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.Equal(t, "insufficient_confirmations", result.Reason)
}

func TestVerifier_Verify_AmountBelowMinimum(t *testing.T) {
	txHash := common.HexToHash("0xccc")
	log := transferLog(senderAddr, recipient, big.NewInt(500_000), 100, txHash)
	eth := &fakeEth{
		blockNumber: 110,
		receipts: map[common.Hash]*types.Receipt{
			txHash: {Status: 1, BlockNumber: 100, Logs: []*types.Log{&log}},
		},
	}
	v, _ := newVerifier(t, eth)

	result, err := v.Verify(context.Background(), txHash.Hex(), big.NewInt(1_000_000), "")
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.Equal(t, "no_matching_transfer", result.Reason)
}

func TestVerifier_Verify_WrongSender(t *testing.T) {
	txHash := common.HexToHash("0xddd")
	log := transferLog(senderAddr, recipient, big.NewInt(5_000_000), 100, txHash)
	eth := &fakeEth{
		blockNumber: 110,
		receipts: map[common.Hash]*types.Receipt{
			txHash: {Status: 1, BlockNumber: 100, Logs: []*types.Log{&log}},
		},
	}
	v, _ := newVerifier(t, eth)

	result, err := v.Verify(context.Background(), txHash.Hex(), big.NewInt(1_000_000), "0x0000000000000000000000000000000000Beef")
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.Equal(t, "no_matching_transfer", result.Reason)
}

func TestVerifier_Verify_FailedTx(t *testing.T) {
	txHash := common.HexToHash("0xeee")
	eth := &fakeEth{
		blockNumber: 110,
		receipts: map[common.Hash]*types.Receipt{
			txHash: {Status: 0, BlockNumber: 100},
		},
	}
	v, _ := newVerifier(t, eth)

	result, err := v.Verify(context.Background(), txHash.Hex(), big.NewInt(1_000_000), "")
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.Equal(t, "tx_failed", result.Reason)
}

func TestVerifier_Verify_DoubleSpendRejected(t *testing.T) {
	txHash := common.HexToHash("0xfff")
	log := transferLog(senderAddr, recipient, big.NewInt(5_000_000), 100, txHash)
	eth := &fakeEth{
		blockNumber: 110,
		receipts: map[common.Hash]*types.Receipt{
			txHash: {Status: 1, BlockNumber: 100, Logs: []*types.Log{&log}},
		},
	}
	v, _ := newVerifier(t, eth)

	first, err := v.Verify(context.Background(), txHash.Hex(), big.NewInt(1_000_000), "")
	require.NoError(t, err)
	require.True(t, first.Verified)

	second, err := v.Verify(context.Background(), txHash.Hex(), big.NewInt(1_000_000), "")
	require.NoError(t, err)
	assert.False(t, second.Verified)
	assert.Equal(t, "tx_already_used", second.Reason)
}

func TestVerifier_Watch_MatchesWithinDeadline(t *testing.T) {
	txHash := common.HexToHash("0x111")
	log := transferLog(senderAddr, recipient, big.NewInt(5_000_000), 100, txHash)
	eth := &fakeEth{
		blockNumber: 110,
		receipts: map[common.Hash]*types.Receipt{
			txHash: {Status: 1, BlockNumber: 100, Logs: []*types.Log{&log}},
		},
		logs: []types.Log{log},
	}
	v, _ := newVerifier(t, eth)
	v.WithPollInterval(time.Millisecond)

	result, err := v.Watch(context.Background(), big.NewInt(1_000_000), "", time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.True(t, result.Matched)
	assert.Equal(t, txHash.Hex(), result.TxHash)
}

func TestVerifier_Watch_TimesOut(t *testing.T) {
	eth := &fakeEth{blockNumber: 110}
	v, _ := newVerifier(t, eth)
	v.WithPollInterval(time.Millisecond)

	result, err := v.Watch(context.Background(), big.NewInt(1_000_000), "", time.Now().Add(5*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, result.Matched)
}
