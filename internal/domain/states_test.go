package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerminalStates(t *testing.T) {
	assert.True(t, InvoicePaid.Terminal())
	assert.True(t, InvoiceFailed.Terminal())

	for _, s := range []InvoiceState{
		InvoicePending, InvoicePendingHeld, InvoiceHeld,
		InvoiceForwarding, InvoiceForwarded, InvoiceFailedForward,
	} {
		assert.False(t, s.Terminal(), "%s must not be terminal", s)
	}
}

func TestTerminalStatesHaveNoSuccessors(t *testing.T) {
	for from, tos := range InvoiceTransitions {
		if from.Terminal() {
			assert.Empty(t, tos, "%s is terminal but has successors", from)
		} else {
			assert.NotEmpty(t, tos, "%s is not terminal but has no successors", from)
		}
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(InvoicePending, InvoicePaid))
	assert.True(t, CanTransition(InvoicePendingHeld, InvoiceHeld))
	assert.True(t, CanTransition(InvoiceForwarding, InvoiceFailedForward))
	assert.True(t, CanTransition(InvoiceForwarded, InvoicePaid))

	assert.False(t, CanTransition(InvoicePaid, InvoiceFailed))
	assert.False(t, CanTransition(InvoiceFailed, InvoicePending))
	assert.False(t, CanTransition(InvoiceHeld, InvoiceForwarding))
	// a forwarding invoice can only reach PAID through FORWARDED
	assert.False(t, CanTransition(InvoiceForwarding, InvoicePaid))
}

func TestWithdrawalStatusFailure(t *testing.T) {
	assert.False(t, WithdrawalConfirmed.Failure())
	for _, s := range []WithdrawalStatus{
		WithdrawalUnknownFailure, WithdrawalInsufficientBalance,
		WithdrawalInvalidPayment, WithdrawalPathfindingTimeout, WithdrawalRouteNotFound,
	} {
		assert.True(t, s.Failure(), "%s must be a failure subtype", s)
	}
}

func TestClassifyPaymentFailure(t *testing.T) {
	tests := []struct {
		reason string
		status WithdrawalStatus
	}{
		{"FAILURE_REASON_INSUFFICIENT_BALANCE", WithdrawalInsufficientBalance},
		{"FAILURE_REASON_INCORRECT_PAYMENT_DETAILS", WithdrawalInvalidPayment},
		{"FAILURE_REASON_TIMEOUT", WithdrawalPathfindingTimeout},
		{"FAILURE_REASON_NO_ROUTE", WithdrawalRouteNotFound},
		{"FAILURE_REASON_NOT_SENT", WithdrawalUnknownFailure},
		{"FAILURE_REASON_NONE", WithdrawalUnknownFailure},
		{"", WithdrawalUnknownFailure},
	}
	for _, tc := range tests {
		status, msg := ClassifyPaymentFailure(tc.reason)
		assert.Equal(t, tc.status, status, tc.reason)
		assert.NotEmpty(t, msg)
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, int64(1), MsatsToSats(1999))
	assert.Equal(t, int64(21000), SatsToMsats(21))

	assert.Equal(t, "1 sat", FormatSats(1))
	assert.Equal(t, "21 sats", FormatSats(21))
	assert.Equal(t, "1 msat", FormatMsats(1))
	assert.Equal(t, "120 msats", FormatMsats(120))
}
