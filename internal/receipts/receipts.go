// Package receipts provides cryptographic receipt signing for settled
// market-data payments.
//
// Every payment the PaymentPipeline confirms produces a signed receipt an
// operator can independently verify against the invoice and the on-chain
// transfer, without re-querying the chain.
package receipts

import (
	"context"
	"errors"
	"time"
)

var (
	ErrReceiptNotFound = errors.New("receipts: not found")
	ErrSigningDisabled = errors.New("receipts: signing disabled (no HMAC secret configured)")
)

// Receipt is a record of a verified on-chain settlement for one invoice,
// optionally signed with HMAC-SHA256.
type Receipt struct {
	ID             string    `json:"id"`
	InvoiceID      string    `json:"invoiceId"`
	TxHash         string    `json:"txHash"`
	Sender         string    `json:"sender"`
	AmountObserved string    `json:"amountObserved"` // decimal USDC string
	BlockNumber    uint64    `json:"blockNumber"`
	Confirmations  uint64    `json:"confirmations"`
	VerifiedAt     time.Time `json:"verifiedAt"`
	PayloadHash    string    `json:"payloadHash"` // SHA-256 of the canonical payload
	Signature      string    `json:"signature"`   // HMAC-SHA256 signature, empty if signing disabled
	IssuedAt       time.Time `json:"issuedAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Store persists receipts.
type Store interface {
	Create(ctx context.Context, receipt *Receipt) error
	Get(ctx context.Context, id string) (*Receipt, error)
	GetByInvoiceID(ctx context.Context, invoiceID string) (*Receipt, error)
}

// receiptPayload is the canonical struct signed by HMAC.
// Field order is deterministic (JSON marshalling follows struct field order).
type receiptPayload struct {
	AmountObserved string `json:"amountObserved"`
	BlockNumber    uint64 `json:"blockNumber"`
	InvoiceID      string `json:"invoiceId"`
	Sender         string `json:"sender"`
	TxHash         string `json:"txHash"`
}
