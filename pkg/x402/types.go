// Package x402 implements the wire types for the HTTP 402 payment-required
// protocol used by the market data gateway: a 402 response carries an
// invoice, and the retried request proves payment with a settled tx hash.
package x402

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Invoice is the JSON body of a 402 response.
type Invoice struct {
	InvoiceID      string    `json:"invoice_id"`
	AmountUSDC     float64   `json:"amount_usdc"`
	PaymentAddress string    `json:"payment_address"`
	ExpiresAt      time.Time `json:"expires_at"`
	Endpoint       string    `json:"endpoint"`
}

// PaymentProof is sent back on retry, either as the X-Payment-Receipt
// header value or as this JSON body field.
type PaymentProof struct {
	TxHash string `json:"payment_proof"`
}

// Error represents an x402 error response body.
type Error struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is402Response reports whether an HTTP response is a 402 Payment Required.
func Is402Response(resp *http.Response) bool {
	return resp.StatusCode == http.StatusPaymentRequired
}

// ParseInvoice extracts the invoice from a 402 response body.
func ParseInvoice(resp *http.Response) (*Invoice, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("not a 402 response: got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var inv Invoice
	if err := json.Unmarshal(body, &inv); err != nil {
		return nil, fmt.Errorf("malformed invoice: %w", err)
	}
	if inv.InvoiceID == "" || inv.PaymentAddress == "" {
		return nil, fmt.Errorf("malformed invoice: missing invoice_id or payment_address")
	}

	return &inv, nil
}

// ReceiptHeader is the HTTP header carrying a settled tx hash on retry.
const ReceiptHeader = "X-Payment-Receipt"

// AddReceiptToRequest attaches the settled tx hash to a retried request as
// the X-Payment-Receipt header. It does not write a payment_proof body
// field.
func AddReceiptToRequest(req *http.Request, txHash string) {
	req.Header.Set(ReceiptHeader, txHash)
}

// ReceiptFromRequest extracts a tx hash presented as proof of payment,
// preferring the header and falling back to the payment_proof body field.
func ReceiptFromRequest(req *http.Request) (string, error) {
	if h := req.Header.Get(ReceiptHeader); h != "" {
		return h, nil
	}
	if req.Body == nil {
		return "", fmt.Errorf("no payment proof present")
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read request body: %w", err)
	}
	var proof PaymentProof
	if err := json.Unmarshal(body, &proof); err != nil || proof.TxHash == "" {
		return "", fmt.Errorf("no payment proof present")
	}
	return proof.TxHash, nil
}
