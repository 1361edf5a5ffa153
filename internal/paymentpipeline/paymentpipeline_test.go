package paymentpipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/treasury-sentinel/internal/budget"
	"github.com/mbd888/treasury-sentinel/internal/chain"
	"github.com/mbd888/treasury-sentinel/internal/receipts"
	"github.com/mbd888/treasury-sentinel/internal/settlement"
	"github.com/mbd888/treasury-sentinel/internal/store"
	"github.com/mbd888/treasury-sentinel/internal/wallet"
	"github.com/mbd888/treasury-sentinel/pkg/x402"
)

const (
	usdcAddr      = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	payAddr       = "0x00000000000000000000000000000000000dEaD"
	walletPrivKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
)

// fakeEth backs both the chain.Client (read side) and the wallet.Wallet
// (write side) in these tests, since both speak their own narrow
// EthClient interface against the same simulated chain state.
type fakeEth struct {
	blockNumber uint64
	nonce       uint64
	gasPrice    *big.Int
	gasLimit    uint64
	sendErr     error
	receipts    map[common.Hash]*types.Receipt
	logs        []types.Log
	lastTx      common.Hash
}

func (f *fakeEth) BlockNumber(ctx context.Context) (uint64, error) { return f.blockNumber, nil }
func (f *fakeEth) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, fmt.Errorf("not used")
}
func (f *fakeEth) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return r, nil
}
func (f *fakeEth) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return f.logs, nil
}
func (f *fakeEth) Close() {}

func (f *fakeEth) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, nil
}
func (f *fakeEth) SuggestGasPrice(ctx context.Context) (*big.Int, error) { return f.gasPrice, nil }
func (f *fakeEth) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return f.gasLimit, nil
}
func (f *fakeEth) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.lastTx = tx.Hash()
	return f.sendErr
}

func transferLog(from, to string, amount *big.Int, block uint64, txHash common.Hash) types.Log {
	raw := make([]byte, 32)
	b := amount.Bytes()
	copy(raw[32-len(b):], b)
	return types.Log{
		Address: common.HexToAddress(usdcAddr),
		Topics: []common.Hash{
			chain.TransferEventSig,
			common.BytesToHash(common.HexToAddress(from).Bytes()),
			common.BytesToHash(common.HexToAddress(to).Bytes()),
		},
		Data:        raw,
		BlockNumber: block,
		TxHash:      txHash,
	}
}

// harness bundles every dependency Fetch needs, wired against one shared
// fakeEth so a submitted transfer can be "discovered" by the verifier.
type harness struct {
	pipeline     *Pipeline
	eth          *fakeEth
	receiptStore receipts.Store
	paymentStore store.PaymentStore
	ledger       *budget.Ledger
}

func newHarness(t *testing.T, limit int64) *harness {
	t.Helper()

	eth := &fakeEth{
		blockNumber: 1000,
		nonce:       1,
		gasPrice:    big.NewInt(1_000_000_000),
		gasLimit:    65000,
		receipts:    map[common.Hash]*types.Receipt{},
	}

	chainClient, err := chain.NewClientWithEthClient(8453, eth, chain.WithRetryBaseDelay(time.Millisecond))
	require.NoError(t, err)
	consumed := store.NewMemoryStore()
	verifier := settlement.New(chainClient, consumed, usdcAddr, payAddr, 1)
	verifier.WithPollInterval(time.Millisecond)

	w, err := wallet.New(wallet.Config{
		RPCURL:       "https://base.example",
		PrivateKey:   walletPrivKey,
		ChainID:      8453,
		USDCContract: usdcAddr,
	}, wallet.WithClient(eth))
	require.NoError(t, err)

	storeBacking := store.NewMemoryStore()
	ledger, err := budget.NewLedger(context.Background(), storeBacking, big.NewInt(limit), big.NewInt(0))
	require.NoError(t, err)

	receiptStore := receipts.NewMemoryStore()

	p := New(http.DefaultClient, ledger, ledger, ledger, w, verifier, nil, receiptStore, storeBacking)

	return &harness{
		pipeline:     p,
		eth:          eth,
		receiptStore: receiptStore,
		paymentStore: storeBacking,
		ledger:       ledger,
	}
}

func invoiceServer(t *testing.T, amountUSDC float64, ttl time.Duration) (*httptest.Server, *int) {
	t.Helper()
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if txHash, err := x402.ReceiptFromRequest(r); err == nil && txHash != "" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"ok":true}`))
			return
		}
		w.WriteHeader(http.StatusPaymentRequired)
		inv := x402.Invoice{
			InvoiceID:      "inv-1",
			AmountUSDC:     amountUSDC,
			PaymentAddress: payAddr,
			ExpiresAt:      time.Now().Add(ttl),
			Endpoint:       "/data",
		}
		json.NewEncoder(w).Encode(inv)
	})
	srv := httptest.NewServer(mux)
	return srv, &calls
}

func TestFetch_200Immediately(t *testing.T) {
	h := newHarness(t, 1_000_000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	result, err := h.pipeline.Fetch(context.Background(), "run-1", "/data", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(result.Body))
	assert.Nil(t, result.Payment)
}

func TestFetch_MalformedInvoice(t *testing.T) {
	h := newHarness(t, 1_000_000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := h.pipeline.Fetch(context.Background(), "run-1", "/data", srv.URL)
	var pErr *PipelineError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, ReasonUpstreamError, pErr.Reason)
}

func TestFetch_InvoiceExpired(t *testing.T) {
	h := newHarness(t, 1_000_000)
	srv, _ := invoiceServer(t, 1.0, -time.Minute)
	defer srv.Close()

	_, err := h.pipeline.Fetch(context.Background(), "run-1", "/data", srv.URL+"/data")
	var pErr *PipelineError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, ReasonInvoiceExpired, pErr.Reason)
}

func TestFetch_BudgetBlocked(t *testing.T) {
	h := newHarness(t, 100) // limit far below the 1 USDC invoice
	srv, _ := invoiceServer(t, 1.0, time.Minute)
	defer srv.Close()

	_, err := h.pipeline.Fetch(context.Background(), "run-1", "/data", srv.URL+"/data")
	var pErr *PipelineError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, ReasonBudgetBlocked, pErr.Reason)

	payments, err := h.paymentStore.ListPaymentsByRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, store.PaymentFailed, payments[0].Status)
}

func TestFetch_SettlementFailed_WalletError(t *testing.T) {
	h := newHarness(t, 1_000_000)
	h.eth.sendErr = fmt.Errorf("mempool rejected")
	srv, _ := invoiceServer(t, 1.0, time.Minute)
	defer srv.Close()

	_, err := h.pipeline.Fetch(context.Background(), "run-1", "/data", srv.URL+"/data")
	var pErr *PipelineError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, ReasonSettlementFailed, pErr.Reason)
}

func TestFetch_VerificationTimeout(t *testing.T) {
	h := newHarness(t, 1_000_000)
	// No matching transfer log is ever produced, so Watch runs out the clock.
	srv, _ := invoiceServer(t, 1.0, 100*time.Millisecond)
	defer srv.Close()

	_, err := h.pipeline.Fetch(context.Background(), "run-1", "/data", srv.URL+"/data")
	var pErr *PipelineError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, ReasonVerificationTimeout, pErr.Reason)
}

func TestFetch_FullSuccess(t *testing.T) {
	h := newHarness(t, 1_000_000)
	srv, calls := invoiceServer(t, 1.0, time.Minute)
	defer srv.Close()

	// Once the wallet sends, publish a matching, already-confirmed Transfer
	// log under that tx hash so the verifier's watch loop finds it.
	go func() {
		for i := 0; i < 200; i++ {
			time.Sleep(2 * time.Millisecond)
			if h.eth.lastTx != (common.Hash{}) {
				log := transferLog("0x000000000000000000000000000000000000A1", payAddr, big.NewInt(1_000_000), 999, h.eth.lastTx)
				h.eth.receipts[h.eth.lastTx] = &types.Receipt{Status: 1, BlockNumber: 999, Logs: []*types.Log{&log}}
				h.eth.logs = []types.Log{log}
				h.eth.blockNumber = 1005
				return
			}
		}
	}()

	result, err := h.pipeline.Fetch(context.Background(), "run-1", "/data", srv.URL+"/data")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(result.Body))
	require.NotNil(t, result.Payment)
	assert.Equal(t, store.PaymentConfirmed, result.Payment.Status)
	require.NotNil(t, result.Receipt)
	assert.Equal(t, "inv-1", result.Receipt.InvoiceID)
	assert.Equal(t, 2, *calls)

	stored, err := h.receiptStore.GetByInvoiceID(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Equal(t, result.Receipt.ID, stored.ID)
}

func TestFetch_ReplayIsIdempotent(t *testing.T) {
	h := newHarness(t, 1_000_000)
	existing := &receipts.Receipt{
		ID:         "rcpt-existing",
		InvoiceID:  "inv-1",
		TxHash:     "0xabc123",
		VerifiedAt: time.Now(),
		CreatedAt:  time.Now(),
	}
	require.NoError(t, h.receiptStore.Create(context.Background(), existing))

	srv, calls := invoiceServer(t, 1.0, time.Minute)
	defer srv.Close()

	result, err := h.pipeline.Fetch(context.Background(), "run-1", "/data", srv.URL+"/data")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(result.Body))
	assert.Equal(t, existing.ID, result.Receipt.ID)
	// One 402 probe plus one proof-bearing retry; no second payment attempted.
	assert.Equal(t, 2, *calls)

	payments, err := h.paymentStore.ListPaymentsByRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestFetch_RetryRejected(t *testing.T) {
	h := newHarness(t, 1_000_000)
	mux := http.NewServeMux()
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		if txHash, err := x402.ReceiptFromRequest(r); err == nil && txHash != "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusPaymentRequired)
		inv := x402.Invoice{
			InvoiceID:      "inv-2",
			AmountUSDC:     1.0,
			PaymentAddress: payAddr,
			ExpiresAt:      time.Now().Add(time.Minute),
			Endpoint:       "/data",
		}
		json.NewEncoder(w).Encode(inv)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	go func() {
		for i := 0; i < 200; i++ {
			time.Sleep(2 * time.Millisecond)
			if h.eth.lastTx != (common.Hash{}) {
				log := transferLog("0x000000000000000000000000000000000000A1", payAddr, big.NewInt(1_000_000), 999, h.eth.lastTx)
				h.eth.receipts[h.eth.lastTx] = &types.Receipt{Status: 1, BlockNumber: 999, Logs: []*types.Log{&log}}
				h.eth.logs = []types.Log{log}
				h.eth.blockNumber = 1005
				return
			}
		}
	}()

	_, err := h.pipeline.Fetch(context.Background(), "run-1", "/data", srv.URL+"/data")
	var pErr *PipelineError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, ReasonUpstreamError, pErr.Reason)
	assert.Equal(t, "retry_request", pErr.Op)
}
