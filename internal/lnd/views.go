package lnd

import (
	"errors"
	"time"
)

// ErrPaymentNotFound is returned when the node has no record of a payment.
// A dispatch can error before the node persists it, so callers treat this as
// "not sent" once the attempt is old enough.
var ErrPaymentNotFound = errors.New("payment not found")

// InvoiceView is the node-side view of an invoice, the authoritative input
// for invoice transitions.
type InvoiceView struct {
	Hash           string
	Confirmed      bool
	Held           bool
	Canceled       bool
	SecretHex      string
	ReceivedMsat   int64
	ConfirmedAt    time.Time
	ConfirmedIndex uint64
	ExpiryHeight   int32
	AcceptHeight   int32
}

// PaymentView is the node-side view of an outgoing payment.
type PaymentView struct {
	Hash          string
	Confirmed     bool
	Failed        bool
	Msat          int64
	FeeMsat       int64
	PreimageHex   string
	FailureReason string
}

// PayReqView is a decoded payment request.
type PayReqView struct {
	HashHex   string
	Msat      int64
	CltvDelta int32
}
