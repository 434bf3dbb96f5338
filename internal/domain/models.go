package domain

import (
	"encoding/json"
	"time"
)

// User owns invoices, withdrawals and a msat balance.
type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Msats     int64     `json:"msats"`
	CreatedAt time.Time `json:"created_at"`
}

// Wallet is an attached receiving wallet of a user. Withdrawals reference the
// wallet they pay out through so that wallet-scoped logs land in one place.
type Wallet struct {
	ID       int64  `json:"id"`
	UserID   int64  `json:"user_id"`
	Label    string `json:"label"`
	Priority int    `json:"priority"`
}

// Invoice is one inbound payment request tracked by the engine. The action
// fields tie the payment to the paid action it funds; the state fields are
// mutated only through the guarded advance in the store. Optimistic actions
// perform at creation time; pessimistic ones perform while the payment is
// held so a failure can still cancel it.
type Invoice struct {
	ID             int64      `json:"id"`
	Hash           string     `json:"hash"`
	Bolt11         string     `json:"bolt11"`
	UserID         int64      `json:"user_id"`
	MsatsRequested int64      `json:"msats_requested"`
	MsatsReceived  int64      `json:"msats_received"`
	Preimage       string     `json:"-"`
	IsHeld         bool       `json:"is_held"`
	Cancelled      bool       `json:"cancelled"`
	ExpiresAt      time.Time  `json:"expires_at"`
	ConfirmedAt    *time.Time `json:"confirmed_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
	ConfirmedIndex uint64     `json:"confirmed_index,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`

	ActionState      InvoiceState    `json:"action_state"`
	ActionType       ActionType      `json:"action_type"`
	ActionOptimistic bool            `json:"action_optimistic"`
	ActionID         *int64          `json:"action_id,omitempty"`
	ActionArgs       json.RawMessage `json:"action_args,omitempty"`
	ActionResult     json.RawMessage `json:"action_result,omitempty"`
	ActionError      string          `json:"action_error,omitempty"`

	// Forward is non-nil when this invoice relays out through a withdrawal.
	Forward *InvoiceForward `json:"forward,omitempty"`
}

// Withdrawal is one outbound payment attempt. Status nil means pending.
type Withdrawal struct {
	ID             int64             `json:"id"`
	Hash           string            `json:"hash"`
	Bolt11         string            `json:"bolt11"`
	UserID         int64             `json:"user_id"`
	WalletID       *int64            `json:"wallet_id,omitempty"`
	Status         *WithdrawalStatus `json:"status,omitempty"`
	MsatsPaying    int64             `json:"msats_paying"`
	MsatsFeePaying int64             `json:"msats_fee_paying"`
	MsatsPaid      int64             `json:"msats_paid"`
	MsatsFeePaid   int64             `json:"msats_fee_paid"`
	Preimage       string            `json:"-"`
	AutoWithdraw   bool              `json:"auto_withdraw"`
	CreatedAt      time.Time         `json:"created_at"`

	Wallet *Wallet `json:"wallet,omitempty"`
}

// InvoiceForward links one invoice to the withdrawal relaying it outward.
// Its presence changes how the held invoice is driven: instead of performing
// the action while held, the engine pays the forward bolt11 and projects the
// payment outcome back onto the invoice.
type InvoiceForward struct {
	ID           int64  `json:"id"`
	InvoiceID    int64  `json:"invoice_id"`
	WithdrawalID *int64 `json:"withdrawal_id,omitempty"`
	Bolt11       string `json:"bolt11"`
	MaxFeeMsats  int64  `json:"max_fee_msats"`
	ExpiryHeight int32  `json:"expiry_height"`
	AcceptHeight int32  `json:"accept_height"`
	WalletID     int64  `json:"wallet_id"`
	UserID       int64  `json:"user_id"`
}

// WalletLog is one persisted line of a wallet's activity log.
type WalletLog struct {
	ID        int64           `json:"id"`
	WalletID  int64           `json:"wallet_id"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Context   json.RawMessage `json:"context,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
