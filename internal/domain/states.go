package domain

// InvoiceState is the action-side settlement state of an invoice.
type InvoiceState string

const (
	InvoicePending       InvoiceState = "PENDING"
	InvoicePendingHeld   InvoiceState = "PENDING_HELD"
	InvoiceHeld          InvoiceState = "HELD"
	InvoiceForwarding    InvoiceState = "FORWARDING"
	InvoiceForwarded     InvoiceState = "FORWARDED"
	InvoiceFailedForward InvoiceState = "FAILED_FORWARD"
	InvoicePaid          InvoiceState = "PAID"
	InvoiceFailed        InvoiceState = "FAILED"
)

// Terminal reports whether no further transition is permitted from s.
func (s InvoiceState) Terminal() bool {
	return s == InvoicePaid || s == InvoiceFailed
}

// InvoiceTransitions is the allowed-transition table. The key is the current
// state, the value the set of states reachable from it. States mapping to an
// empty slice are terminal.
var InvoiceTransitions = map[InvoiceState][]InvoiceState{
	InvoicePending:       {InvoicePendingHeld, InvoiceForwarding, InvoicePaid, InvoiceFailed},
	InvoicePendingHeld:   {InvoiceHeld, InvoiceForwarding, InvoiceFailed},
	InvoiceHeld:          {InvoicePaid, InvoiceFailed},
	InvoiceForwarding:    {InvoiceForwarded, InvoiceFailedForward},
	InvoiceForwarded:     {InvoicePaid},
	InvoiceFailedForward: {InvoiceFailed},
	InvoicePaid:          {},
	InvoiceFailed:        {},
}

// CanTransition reports whether from -> to is an allowed invoice transition.
func CanTransition(from, to InvoiceState) bool {
	for _, s := range InvoiceTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// WithdrawalStatus is the terminal status of a withdrawal. A nil status on
// the row means the payment is still in flight.
type WithdrawalStatus string

const (
	WithdrawalConfirmed           WithdrawalStatus = "CONFIRMED"
	WithdrawalUnknownFailure      WithdrawalStatus = "UNKNOWN_FAILURE"
	WithdrawalInsufficientBalance WithdrawalStatus = "INSUFFICIENT_BALANCE"
	WithdrawalInvalidPayment      WithdrawalStatus = "INVALID_PAYMENT"
	WithdrawalPathfindingTimeout  WithdrawalStatus = "PATHFINDING_TIMEOUT"
	WithdrawalRouteNotFound       WithdrawalStatus = "ROUTE_NOT_FOUND"
)

// Failure reports whether s is one of the failure subtypes.
func (s WithdrawalStatus) Failure() bool {
	return s != "" && s != WithdrawalConfirmed
}

// ClassifyPaymentFailure maps a node failure reason onto a withdrawal status
// subtype and a user-displayable message.
func ClassifyPaymentFailure(reason string) (WithdrawalStatus, string) {
	switch reason {
	case "FAILURE_REASON_INSUFFICIENT_BALANCE":
		return WithdrawalInsufficientBalance, "insufficient balance"
	case "FAILURE_REASON_INCORRECT_PAYMENT_DETAILS":
		return WithdrawalInvalidPayment, "invalid payment"
	case "FAILURE_REASON_TIMEOUT":
		return WithdrawalPathfindingTimeout, "pathfinding timed out"
	case "FAILURE_REASON_NO_ROUTE":
		return WithdrawalRouteNotFound, "no route"
	case "FAILURE_REASON_NOT_SENT":
		return WithdrawalUnknownFailure, "payment was never sent"
	default:
		return WithdrawalUnknownFailure, "unknown failure"
	}
}

// ActionType tags which paid action an invoice funds.
type ActionType string

const (
	ActionDonate     ActionType = "DONATE"
	ActionBuyCredits ActionType = "BUY_CREDITS"
	ActionReceive    ActionType = "RECEIVE"
)
