// Package paymentpipeline implements the client-side HTTP-402 state machine
// the MarketDataGateway drives to pay for a metered endpoint:
//
//	SEND ── 200 ──► DONE
//	 └── 402 ──► PARSE_INVOICE ──► RESERVE_BUDGET ──► SUBMIT_PAYMENT
//	                                   │                    │
//	                      InsufficientFunds            WAIT_SETTLEMENT
//	                                   ▼                    │
//	                                FAIL                timeout/verified
//	                                                         │
//	                                                  RETRY_REQUEST ──► DONE/FAIL
//
// Grounded on pkg/x402 for the wire types and on the teacher's
// internal/paywall/middleware.go for the shape of the 402 contract,
// inverted here to the client (payer) side.
package paymentpipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/mbd888/treasury-sentinel/internal/budget"
	"github.com/mbd888/treasury-sentinel/internal/idgen"
	"github.com/mbd888/treasury-sentinel/internal/receipts"
	"github.com/mbd888/treasury-sentinel/internal/settlement"
	"github.com/mbd888/treasury-sentinel/internal/store"
	"github.com/mbd888/treasury-sentinel/internal/traces"
	"github.com/mbd888/treasury-sentinel/internal/usdc"
	"github.com/mbd888/treasury-sentinel/internal/wallet"
	"github.com/mbd888/treasury-sentinel/pkg/x402"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/codes"
)

// Reason is the PipelineError's programmatic tag.
type Reason string

const (
	ReasonBudgetBlocked       Reason = "budget_blocked"
	ReasonInvoiceExpired      Reason = "invoice_expired"
	ReasonVerificationTimeout Reason = "verification_timeout"
	ReasonSettlementFailed    Reason = "settlement_failed"
	ReasonUpstreamError       Reason = "upstream_error"
)

// PipelineError is returned by Fetch when the pipeline fails to obtain the
// endpoint's payload. Op and Err give the failing step and cause for logs;
// Reason is the stable tag callers (the scheduler's market-data fetcher)
// switch on.
type PipelineError struct {
	Reason Reason
	Op     string
	Err    error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("paymentpipeline: %s (%s): %v", e.Reason, e.Op, e.Err)
	}
	return fmt.Sprintf("paymentpipeline: %s (%s)", e.Reason, e.Op)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Result is a successful fetch.
type Result struct {
	Body    []byte
	Payment *store.Payment
	Receipt *receipts.Receipt
}

// Pipeline drives one 402 round-trip per Fetch call.
type Pipeline struct {
	httpClient   *http.Client
	reserver     budget.Reserver
	committer    budget.Committer
	releaser     budget.Releaser
	wallet       *wallet.Wallet
	verifier     *settlement.Verifier
	signer       *receipts.Signer
	receiptStore receipts.Store
	payments     store.PaymentStore
}

// New constructs a Pipeline. verifier watches for settlement of the
// invoice's payment_address on the chain it was built for. signer may be
// nil, in which case receipts are issued unsigned.
func New(
	httpClient *http.Client,
	reserver budget.Reserver,
	committer budget.Committer,
	releaser budget.Releaser,
	w *wallet.Wallet,
	verifier *settlement.Verifier,
	signer *receipts.Signer,
	receiptStore receipts.Store,
	paymentStore store.PaymentStore,
) *Pipeline {
	return &Pipeline{
		httpClient:   httpClient,
		reserver:     reserver,
		committer:    committer,
		releaser:     releaser,
		wallet:       w,
		verifier:     verifier,
		signer:       signer,
		receiptStore: receiptStore,
		payments:     paymentStore,
	}
}

// Fetch runs the full state machine for one GET request against url, for
// accounting purposes labeled as endpoint within runID's payment ledger.
// A replay against an invoice that already settled returns the previously
// issued receipt instead of paying twice.
func (p *Pipeline) Fetch(ctx context.Context, runID, endpoint, url string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "paymentpipeline.Fetch")
	defer span.End()

	// SEND
	resp, err := p.send(ctx, url, nil)
	if err != nil {
		return nil, &PipelineError{Reason: ReasonUpstreamError, Op: "send", Err: err}
	}
	if resp.StatusCode == http.StatusOK {
		body, err := readAndClose(resp)
		if err != nil {
			return nil, &PipelineError{Reason: ReasonUpstreamError, Op: "read_body", Err: err}
		}
		return &Result{Body: body}, nil
	}
	if !x402.Is402Response(resp) {
		readAndClose(resp)
		return nil, &PipelineError{Reason: ReasonUpstreamError, Op: "send", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	// PARSE_INVOICE
	invoice, err := x402.ParseInvoice(resp)
	if err != nil {
		return nil, &PipelineError{Reason: ReasonUpstreamError, Op: "parse_invoice", Err: err}
	}

	if existing, err := p.receiptStore.GetByInvoiceID(ctx, invoice.InvoiceID); err == nil {
		return p.replay(ctx, url, existing)
	}

	if time.Now().After(invoice.ExpiresAt) {
		return nil, &PipelineError{Reason: ReasonInvoiceExpired, Op: "parse_invoice", Err: errors.New("invoice already expired")}
	}

	amount, ok := usdc.Parse(fmt.Sprintf("%.6f", invoice.AmountUSDC))
	if !ok {
		return nil, &PipelineError{Reason: ReasonUpstreamError, Op: "parse_invoice", Err: errors.New("malformed invoice amount")}
	}

	// RESERVE_BUDGET
	handle, err := p.reserver.Reserve(ctx, amount)
	if err != nil {
		span.SetStatus(codes.Error, "budget blocked")
		p.recordFailedPayment(ctx, runID, endpoint, amount)
		return nil, &PipelineError{Reason: ReasonBudgetBlocked, Op: "reserve_budget", Err: err}
	}

	// SUBMIT_PAYMENT
	paymentsRow := &store.Payment{
		ID:              idgen.WithPrefix("pay"),
		RunID:           runID,
		Endpoint:        endpoint,
		AmountMicroUSDC: amount.Int64(),
		Status:          store.PaymentPending,
		CreatedAt:       time.Now(),
	}
	if err := p.payments.CreatePayment(ctx, paymentsRow); err != nil {
		p.releaser.Release(ctx, handle)
		return nil, &PipelineError{Reason: ReasonUpstreamError, Op: "record_payment", Err: err}
	}

	transfer, err := p.wallet.Transfer(ctx, common.HexToAddress(invoice.PaymentAddress), amount)
	if err != nil {
		p.releaser.Release(ctx, handle)
		p.failPayment(ctx, paymentsRow)
		return nil, &PipelineError{Reason: ReasonSettlementFailed, Op: "submit_payment", Err: err}
	}
	paymentsRow.TxHash = transfer.TxHash
	_ = p.payments.UpdatePayment(ctx, paymentsRow)

	// WAIT_SETTLEMENT
	watchResult, err := p.verifier.Watch(ctx, amount, "", invoice.ExpiresAt)
	if err != nil {
		p.releaser.Release(ctx, handle)
		p.failPayment(ctx, paymentsRow)
		return nil, &PipelineError{Reason: ReasonSettlementFailed, Op: "wait_settlement", Err: err}
	}
	if !watchResult.Matched {
		p.releaser.Release(ctx, handle)
		p.failPayment(ctx, paymentsRow)
		return nil, &PipelineError{Reason: ReasonVerificationTimeout, Op: "wait_settlement"}
	}

	if err := p.committer.Commit(ctx, handle); err != nil {
		span.SetStatus(codes.Error, err.Error())
	}

	receipt, err := receipts.Issue(p.signer, receipts.IssueRequest{
		InvoiceID:      invoice.InvoiceID,
		TxHash:         watchResult.TxHash,
		Sender:         watchResult.Result.Sender,
		AmountObserved: usdc.Format(watchResult.Result.Amount),
		BlockNumber:    watchResult.Result.Block,
		Confirmations:  watchResult.Result.Confirmations,
	})
	if err != nil {
		return nil, &PipelineError{Reason: ReasonUpstreamError, Op: "issue_receipt", Err: err}
	}
	if err := p.receiptStore.Create(ctx, receipt); err != nil {
		return nil, &PipelineError{Reason: ReasonUpstreamError, Op: "issue_receipt", Err: err}
	}

	paymentsRow.Status = store.PaymentConfirmed
	now := time.Now()
	paymentsRow.SettledAt = &now
	paymentsRow.BlockNumber = watchResult.Result.Block
	paymentsRow.Confirmations = watchResult.Result.Confirmations
	_ = p.payments.UpdatePayment(ctx, paymentsRow)

	// RETRY_REQUEST
	retryResp, err := p.send(ctx, url, func(req *http.Request) { x402.AddReceiptToRequest(req, watchResult.TxHash) })
	if err != nil {
		return nil, &PipelineError{Reason: ReasonUpstreamError, Op: "retry_request", Err: err}
	}
	if retryResp.StatusCode != http.StatusOK {
		readAndClose(retryResp)
		return nil, &PipelineError{Reason: ReasonUpstreamError, Op: "retry_request", Err: fmt.Errorf("retry returned status %d", retryResp.StatusCode)}
	}
	body, err := readAndClose(retryResp)
	if err != nil {
		return nil, &PipelineError{Reason: ReasonUpstreamError, Op: "retry_request", Err: err}
	}

	return &Result{Body: body, Payment: paymentsRow, Receipt: receipt}, nil
}

// replay serves an invoice that already has a settled receipt on record,
// without reserving budget or submitting a second payment.
func (p *Pipeline) replay(ctx context.Context, url string, receipt *receipts.Receipt) (*Result, error) {
	retryResp, err := p.send(ctx, url, func(req *http.Request) { x402.AddReceiptToRequest(req, receipt.TxHash) })
	if err != nil {
		return nil, &PipelineError{Reason: ReasonUpstreamError, Op: "retry_request", Err: err}
	}
	if retryResp.StatusCode != http.StatusOK {
		readAndClose(retryResp)
		return nil, &PipelineError{Reason: ReasonUpstreamError, Op: "retry_request", Err: fmt.Errorf("retry returned status %d", retryResp.StatusCode)}
	}
	body, err := readAndClose(retryResp)
	if err != nil {
		return nil, &PipelineError{Reason: ReasonUpstreamError, Op: "retry_request", Err: err}
	}
	return &Result{Body: body, Receipt: receipt}, nil
}

func (p *Pipeline) send(ctx context.Context, url string, decorate func(*http.Request)) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if decorate != nil {
		decorate(req)
	}
	return p.httpClient.Do(req)
}

func (p *Pipeline) recordFailedPayment(ctx context.Context, runID, endpoint string, amount *big.Int) {
	payment := &store.Payment{
		ID:              idgen.WithPrefix("pay"),
		RunID:           runID,
		Endpoint:        endpoint,
		AmountMicroUSDC: amount.Int64(),
		Status:          store.PaymentFailed,
		CreatedAt:       time.Now(),
	}
	_ = p.payments.CreatePayment(ctx, payment)
}

func (p *Pipeline) failPayment(ctx context.Context, payment *store.Payment) {
	payment.Status = store.PaymentFailed
	_ = p.payments.UpdatePayment(ctx, payment)
}

func readAndClose(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
