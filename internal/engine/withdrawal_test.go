package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/payops/internal/domain"
	"github.com/punchamoorthee/payops/internal/lnd"
)

func TestConfirmWithdrawalRefundsUnusedFeeReserve(t *testing.T) {
	env := newTestEnv(t)
	walletID := int64(7)
	env.addWithdrawal(&domain.Withdrawal{
		ID: 1, Hash: "wh1", Bolt11: "lnbc1", UserID: 2, WalletID: &walletID,
		MsatsPaying: 1_000_000, MsatsFeePaying: 500,
	})
	env.node.payments["wh1"] = &lnd.PaymentView{
		Hash: "wh1", Confirmed: true,
		Msat: 1_000_120, FeeMsat: 120, PreimageHex: "pre1",
	}

	res := env.eng.ConfirmWithdrawal(context.Background(), 1)
	require.Equal(t, OutcomeDone, res.Outcome)

	w, err := env.store.GetWithdrawal(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, w.Status)
	assert.Equal(t, domain.WithdrawalConfirmed, *w.Status)
	assert.Equal(t, int64(1_000_000), w.MsatsPaid)
	assert.Equal(t, int64(120), w.MsatsFeePaid)
	assert.Equal(t, "pre1", w.Preimage)

	// unused fee reserve back to the user
	refund := env.store.balanceOf(2)
	assert.Equal(t, int64(380), refund)
	// conservation across the settlement
	assert.Equal(t, w.MsatsPaying+w.MsatsFeePaying, w.MsatsPaid+w.MsatsFeePaid+refund)

	assert.Equal(t, []int64{1}, env.notifier.confirmed)
	require.Len(t, env.walletLg.lines, 1)
	assert.Equal(t, "SUCCESS", env.walletLg.lines[0].level)
	assert.Equal(t, "payment received: 1000 sats", env.walletLg.lines[0].msg)
}

func TestConfirmWithdrawalIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.addWithdrawal(&domain.Withdrawal{
		ID: 1, Hash: "wh1", UserID: 2,
		MsatsPaying: 1000, MsatsFeePaying: 100,
	})
	env.node.payments["wh1"] = &lnd.PaymentView{
		Hash: "wh1", Confirmed: true, Msat: 1010, FeeMsat: 10,
	}

	require.Equal(t, OutcomeDone, env.eng.ConfirmWithdrawal(context.Background(), 1).Outcome)
	assert.Equal(t, OutcomeNoop, env.eng.ConfirmWithdrawal(context.Background(), 1).Outcome)
	assert.Equal(t, int64(90), env.store.balanceOf(2))
	assert.Len(t, env.notifier.confirmed, 1)
}

func TestConfirmWithdrawalInFlightRetries(t *testing.T) {
	env := newTestEnv(t)
	env.addWithdrawal(&domain.Withdrawal{
		ID: 1, Hash: "wh1", UserID: 2, MsatsPaying: 1000,
	})
	env.node.payments["wh1"] = &lnd.PaymentView{Hash: "wh1"} // still in flight

	res := env.eng.ConfirmWithdrawal(context.Background(), 1)
	assert.Equal(t, OutcomeRetry, res.Outcome)
	assert.Zero(t, env.store.balanceOf(2))
}

func TestFailWithdrawalRefundsFullReserve(t *testing.T) {
	env := newTestEnv(t)
	env.addWithdrawal(&domain.Withdrawal{
		ID: 1, Hash: "wh1", Bolt11: "lnbc1", UserID: 2,
		MsatsPaying: 1_000_000, MsatsFeePaying: 500,
	})
	env.node.payments["wh1"] = &lnd.PaymentView{
		Hash: "wh1", Failed: true, FailureReason: "FAILURE_REASON_NO_ROUTE",
	}

	res := env.eng.FailWithdrawal(context.Background(), 1)
	require.Equal(t, OutcomeDone, res.Outcome)

	w, err := env.store.GetWithdrawal(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, w.Status)
	assert.Equal(t, domain.WithdrawalRouteNotFound, *w.Status)
	assert.True(t, w.Status.Failure())
	assert.Equal(t, int64(1_000_500), env.store.balanceOf(2))

	require.Len(t, env.walletLg.lines, 1)
	assert.Equal(t, "ERROR", env.walletLg.lines[0].level)
	assert.Equal(t, "outgoing payment failed: no route", env.walletLg.lines[0].msg)
}

func TestFailWithdrawalIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.addWithdrawal(&domain.Withdrawal{
		ID: 1, Hash: "wh1", UserID: 2,
		MsatsPaying: 1000, MsatsFeePaying: 100,
	})
	env.node.payments["wh1"] = &lnd.PaymentView{
		Hash: "wh1", Failed: true, FailureReason: "FAILURE_REASON_TIMEOUT",
	}

	require.Equal(t, OutcomeDone, env.eng.FailWithdrawal(context.Background(), 1).Outcome)
	assert.Equal(t, OutcomeNoop, env.eng.FailWithdrawal(context.Background(), 1).Outcome)
	assert.Equal(t, int64(1100), env.store.balanceOf(2))
}

func TestOldUnknownPaymentTreatedAsNotSent(t *testing.T) {
	env := newTestEnv(t)
	env.addWithdrawal(&domain.Withdrawal{
		ID: 1, Hash: "wh1", UserID: 2,
		MsatsPaying: 1000, MsatsFeePaying: 100,
		CreatedAt: time.Now().Add(-3 * lnd.PathfindingTimeout),
	})
	// node has no record of wh1

	res := env.eng.FailWithdrawal(context.Background(), 1)
	require.Equal(t, OutcomeDone, res.Outcome)

	w, err := env.store.GetWithdrawal(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, w.Status)
	assert.Equal(t, domain.WithdrawalUnknownFailure, *w.Status)
	assert.Equal(t, int64(1100), env.store.balanceOf(2))
}

func TestRecentUnknownPaymentRetries(t *testing.T) {
	env := newTestEnv(t)
	env.addWithdrawal(&domain.Withdrawal{
		ID: 1, Hash: "wh1", UserID: 2,
		MsatsPaying: 1000, CreatedAt: time.Now(),
	})

	res := env.eng.FailWithdrawal(context.Background(), 1)
	assert.Equal(t, OutcomeRetry, res.Outcome)

	w, err := env.store.GetWithdrawal(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, w.Status, "a payment that may still be in flight must stay pending")
}
