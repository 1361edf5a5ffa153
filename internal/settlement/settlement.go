// Package settlement confirms that a given transaction on Base constitutes
// a valid USDC payment of at least a given amount to the sentinel's gateway
// recipient, with sufficient confirmations, and guards against a single
// transaction being credited to more than one invoice.
//
// Grounded on the teacher's internal/watcher.go (long-poll scan of recent
// Transfer logs, reorg-safe re-scan window) for the watch-mode verifier,
// and internal/wallet.go's VerifyPayment for the single-shot verify.
package settlement

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/treasury-sentinel/internal/chain"
	"github.com/mbd888/treasury-sentinel/internal/store"
	"github.com/mbd888/treasury-sentinel/internal/syncutil"
	"github.com/mbd888/treasury-sentinel/internal/traces"
	"go.opentelemetry.io/otel/codes"
)

// Result is the outcome of a single verify call.
type Result struct {
	Verified      bool
	Amount        *big.Int
	Sender        string
	Block         uint64
	Confirmations uint64
	Reason        string
}

// WatchResult is the outcome of a watch() long-poll.
type WatchResult struct {
	Matched bool
	TxHash  string
	Result  Result
}

const (
	// ScanWindowBlocks bounds how far back watch() looks for a matching
	// Transfer on every poll, mirroring the teacher's reorg-safety window.
	ScanWindowBlocks = 50
	// DefaultPollInterval between watch() scans.
	DefaultPollInterval = 2 * time.Second
)

var (
	ErrTxAlreadyUsed   = errors.New("settlement: tx_already_used")
	ErrRPCUnavailable  = errors.New("settlement: rpc_unavailable")
	ErrInvoiceNotFound = errors.New("settlement: invoice not found")
)

// Verifier confirms inbound USDC transfers on one chain.
type Verifier struct {
	client                *chain.Client
	consumed              store.ConsumedTxStore
	usdcAddress           string
	recipient             string
	confirmationThreshold uint64
	pollInterval          time.Duration
	keyLocks              *syncutil.ContextShardedMutex
}

// New constructs a Verifier watching for USDC transfers to recipient on the
// chain served by client.
func New(client *chain.Client, consumed store.ConsumedTxStore, usdcAddress, recipient string, confirmationThreshold uint64) *Verifier {
	return &Verifier{
		client:                client,
		consumed:              consumed,
		usdcAddress:           usdcAddress,
		recipient:             recipient,
		confirmationThreshold: confirmationThreshold,
		pollInterval:          DefaultPollInterval,
		keyLocks:              syncutil.NewContextShardedMutex(),
	}
}

// WithPollInterval overrides the watch() poll cadence; cmd/sentinel applies
// the configured settlement poll interval through it, and tests use it too.
func (v *Verifier) WithPollInterval(d time.Duration) *Verifier {
	v.pollInterval = d
	return v
}

// Verify checks txHash against minAmount and, if supplied, expectedSender.
// Per-tx-hash serialized via a sharded mutex so two concurrent verifies of
// the same hash cannot both win the double-spend race.
func (v *Verifier) Verify(ctx context.Context, txHash string, minAmount *big.Int, expectedSender string) (Result, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Verify", traces.TxHash(txHash))
	defer span.End()

	unlock, err := v.keyLocks.LockContext(ctx, txHash)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	already, err := v.consumed.IsConsumed(ctx, txHash)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	if already {
		return Result{Reason: "tx_already_used"}, nil
	}

	receipt, err := v.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{Reason: "rpc_unavailable"}, nil
	}
	if receipt == nil || receipt.Status == 0 {
		return Result{Reason: "tx_failed"}, nil
	}

	currentBlock, err := v.client.BlockNumber(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{Reason: "rpc_unavailable"}, nil
	}

	var (
		matchedAmount *big.Int
		matchedFrom   common.Address
		found         bool
	)
	recipientHash := common.BytesToHash(common.HexToAddress(v.recipient).Bytes())
	for _, log := range receipt.Logs {
		if log.Address != common.HexToAddress(v.usdcAddress) {
			continue
		}
		if len(log.Topics) < 3 || log.Topics[0] != chain.TransferEventSig {
			continue
		}
		if log.Topics[2] != recipientHash {
			continue
		}
		amount := new(big.Int).SetBytes(log.Data)
		if amount.Cmp(minAmount) < 0 {
			continue
		}
		from := common.HexToAddress(log.Topics[1].Hex())
		if expectedSender != "" && common.HexToAddress(expectedSender) != from {
			continue
		}
		matchedAmount = amount
		matchedFrom = from
		found = true
		break
	}
	if !found {
		return Result{Reason: "no_matching_transfer"}, nil
	}

	confirmations := uint64(0)
	if currentBlock >= receipt.BlockNumber {
		confirmations = currentBlock - receipt.BlockNumber
	}
	if confirmations < v.confirmationThreshold {
		return Result{
			Amount:        matchedAmount,
			Sender:        matchedFrom.Hex(),
			Block:         receipt.BlockNumber,
			Confirmations: confirmations,
			Reason:        "insufficient_confirmations",
		}, nil
	}

	if err := v.consumed.MarkConsumed(ctx, txHash, ""); err != nil {
		if errors.Is(err, store.ErrAlreadyConsumed) {
			return Result{Reason: "tx_already_used"}, nil
		}
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	return Result{
		Verified:      true,
		Amount:        matchedAmount,
		Sender:        matchedFrom.Hex(),
		Block:         receipt.BlockNumber,
		Confirmations: confirmations,
	}, nil
}

// Watch repeatedly scans the last ScanWindowBlocks for an inbound transfer
// satisfying minAmount until a match is found or deadline passes.
func (v *Verifier) Watch(ctx context.Context, minAmount *big.Int, expectedSender string, deadline time.Time) (WatchResult, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Watch")
	defer span.End()

	ticker := time.NewTicker(v.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return WatchResult{}, ctx.Err()
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return WatchResult{Matched: false}, nil
		}

		current, err := v.client.BlockNumber(ctx)
		if err != nil {
			continue
		}
		from := uint64(0)
		if current > ScanWindowBlocks {
			from = current - ScanWindowBlocks
		}
		logs, err := v.client.FilterTransferLogs(ctx, v.usdcAddress, v.recipient, from, current)
		if err != nil {
			continue
		}

		for _, log := range logs {
			if log.Removed {
				continue
			}
			result, err := v.Verify(ctx, log.TxHash.Hex(), minAmount, expectedSender)
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
				continue
			}
			if result.Verified {
				return WatchResult{Matched: true, TxHash: log.TxHash.Hex(), Result: result}, nil
			}
		}
	}
}
