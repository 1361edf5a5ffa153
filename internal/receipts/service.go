package receipts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/mbd888/treasury-sentinel/internal/idgen"
)

// IssueRequest is the input for creating a receipt from a verified settlement.
type IssueRequest struct {
	InvoiceID      string
	TxHash         string
	Sender         string
	AmountObserved string // decimal USDC string
	BlockNumber    uint64
	Confirmations  uint64
}

// Issue builds and signs a Receipt for a verified settlement. If signer is
// nil (no HMAC secret configured), the receipt is issued unsigned — per
// ErrSigningDisabled semantics, this is not a fatal condition.
func Issue(signer *Signer, req IssueRequest) (*Receipt, error) {
	now := time.Now().UTC()

	payload := receiptPayload{
		AmountObserved: req.AmountObserved,
		BlockNumber:    req.BlockNumber,
		InvoiceID:      req.InvoiceID,
		Sender:         req.Sender,
		TxHash:         req.TxHash,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)

	r := &Receipt{
		ID:             idgen.WithPrefix("rcpt"),
		InvoiceID:      req.InvoiceID,
		TxHash:         req.TxHash,
		Sender:         req.Sender,
		AmountObserved: req.AmountObserved,
		BlockNumber:    req.BlockNumber,
		Confirmations:  req.Confirmations,
		VerifiedAt:     now,
		PayloadHash:    hex.EncodeToString(sum[:]),
		CreatedAt:      now,
	}

	signature, issuedAt, expiresAt, err := signer.Sign(payload)
	if err != nil {
		return nil, err
	}
	r.Signature = signature
	if issuedAt != "" {
		r.IssuedAt, _ = time.Parse(time.RFC3339, issuedAt)
	}
	if expiresAt != "" {
		r.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt)
	}

	return r, nil
}

// Verify recomputes the canonical payload from a receipt's own fields and
// checks its HMAC signature. Returns false if the receipt was issued
// unsigned (no HMAC secret configured at issue time).
func Verify(signer *Signer, r *Receipt) bool {
	if r.Signature == "" {
		return false
	}
	payload := receiptPayload{
		AmountObserved: r.AmountObserved,
		BlockNumber:    r.BlockNumber,
		InvoiceID:      r.InvoiceID,
		Sender:         r.Sender,
		TxHash:         r.TxHash,
	}
	return signer.Verify(payload, r.Signature)
}
