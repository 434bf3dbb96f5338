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

func TestCheckInvoiceRoutesConfirmedToSettle(t *testing.T) {
	env := newTestEnv(t)
	env.addInvoice(&domain.Invoice{
		ID: 1, Hash: "h1", UserID: 2,
		ActionState: domain.InvoicePending,
		ActionType:  domain.ActionReceive,
	})
	env.node.invoiceViews["h1"] = &lnd.InvoiceView{
		Hash: "h1", Confirmed: true, ReceivedMsat: 1000, ConfirmedAt: time.Now(),
	}

	res := env.eng.CheckInvoice(context.Background(), 1, nil)
	require.Equal(t, OutcomeDone, res.Outcome)

	inv, err := env.store.GetInvoice(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePaid, inv.ActionState)
}

func TestCheckInvoiceRoutesHeldToHold(t *testing.T) {
	env := newTestEnv(t)
	env.addInvoice(&domain.Invoice{
		ID: 1, Hash: "h1", Preimage: "s", UserID: 2,
		ActionState: domain.InvoicePendingHeld,
		ActionType:  domain.ActionBuyCredits,
		ExpiresAt:   time.Now().Add(time.Hour),
	})
	env.node.invoiceViews["h1"] = &lnd.InvoiceView{Hash: "h1", Held: true, ReceivedMsat: 500}

	res := env.eng.CheckInvoice(context.Background(), 1, nil)
	require.Equal(t, OutcomeDone, res.Outcome)

	inv, err := env.store.GetInvoice(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceHeld, inv.ActionState)
}

func TestCheckInvoiceRoutesCanceledToFail(t *testing.T) {
	env := newTestEnv(t)
	env.addInvoice(&domain.Invoice{
		ID: 1, Hash: "h1", UserID: 2,
		ActionState: domain.InvoicePending,
		ActionType:  domain.ActionReceive,
	})
	env.node.invoiceViews["h1"] = &lnd.InvoiceView{Hash: "h1", Canceled: true}

	res := env.eng.CheckInvoice(context.Background(), 1, nil)
	require.Equal(t, OutcomeDone, res.Outcome)

	inv, err := env.store.GetInvoice(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceFailed, inv.ActionState)
}

func TestCheckInvoiceOpenInvoiceIsNoop(t *testing.T) {
	env := newTestEnv(t)
	env.addInvoice(&domain.Invoice{
		ID: 1, Hash: "h1", UserID: 2,
		ActionState: domain.InvoicePending,
		ActionType:  domain.ActionReceive,
	})
	env.node.invoiceViews["h1"] = &lnd.InvoiceView{Hash: "h1"}

	res := env.eng.CheckInvoice(context.Background(), 1, nil)
	assert.Equal(t, OutcomeNoop, res.Outcome)
}

func TestCheckInvoiceRoutesHeldForwardToForwarding(t *testing.T) {
	env := newTestEnv(t)
	forwardInvoice(env, domain.InvoicePendingHeld)
	env.node.invoiceViews["h1"] = &lnd.InvoiceView{
		Hash: "h1", Held: true, ReceivedMsat: 100_000,
		ExpiryHeight: 900, AcceptHeight: 800,
	}
	env.node.payReqs["lnfwd1"] = &lnd.PayReqView{HashHex: "fwdhash", Msat: 99_000, CltvDelta: 40}

	res := env.eng.CheckInvoice(context.Background(), 1, nil)
	require.Equal(t, OutcomeDone, res.Outcome)

	inv, err := env.store.GetInvoice(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceForwarding, inv.ActionState)
	assert.Len(t, env.node.dispatched, 1)
}

func TestCheckInvoiceResolvesForwardingByPaymentOutcome(t *testing.T) {
	env := newTestEnv(t)
	inv := forwardInvoice(env, domain.InvoiceForwarding)
	wID, err := env.store.CreateWithdrawal(context.Background(), &domain.Withdrawal{
		Hash: "fwdhash", UserID: 3, MsatsPaying: 99_000,
	})
	require.NoError(t, err)
	inv.Forward.WithdrawalID = &wID

	env.node.invoiceViews["h1"] = &lnd.InvoiceView{Hash: "h1", Held: true}
	env.node.payments["fwdhash"] = &lnd.PaymentView{
		Hash: "fwdhash", Confirmed: true, Msat: 99_100, FeeMsat: 100, PreimageHex: "p",
	}

	res := env.eng.CheckInvoice(context.Background(), 1, nil)
	require.Equal(t, OutcomeDone, res.Outcome)

	got, err := env.store.GetInvoice(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceForwarded, got.ActionState)
}

func TestCheckInvoiceForwardedSettlesAfterNodeConfirms(t *testing.T) {
	env := newTestEnv(t)
	forwardInvoice(env, domain.InvoiceForwarded)
	env.node.invoiceViews["h1"] = &lnd.InvoiceView{
		Hash: "h1", Confirmed: true, ReceivedMsat: 100_000, ConfirmedAt: time.Now(),
	}

	res := env.eng.CheckInvoice(context.Background(), 1, nil)
	require.Equal(t, OutcomeDone, res.Outcome)

	inv, err := env.store.GetInvoice(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePaid, inv.ActionState)
}

func TestCheckInvoiceByHashSkipsUnknownHashes(t *testing.T) {
	env := newTestEnv(t)
	assert.NoError(t, env.eng.CheckInvoiceByHash(context.Background(), "not-ours", nil))
	assert.Empty(t, env.jobs.sent)
}

func TestCheckWithdrawalRoutesForwardThroughInvoice(t *testing.T) {
	env := newTestEnv(t)
	inv := forwardInvoice(env, domain.InvoiceForwarding)
	wID, err := env.store.CreateWithdrawal(context.Background(), &domain.Withdrawal{
		Hash: "fwdhash", UserID: 3, MsatsPaying: 99_000,
	})
	require.NoError(t, err)
	inv.Forward.WithdrawalID = &wID

	env.node.invoiceViews["h1"] = &lnd.InvoiceView{Hash: "h1", Held: true}
	env.node.payments["fwdhash"] = &lnd.PaymentView{
		Hash: "fwdhash", Confirmed: true, Msat: 99_100, FeeMsat: 100, PreimageHex: "p",
	}

	res := env.eng.CheckWithdrawal(context.Background(), wID, nil)
	require.Equal(t, OutcomeDone, res.Outcome)

	// the payment outcome lands on the invoice, not the plain confirm path
	got, err := env.store.GetInvoice(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceForwarded, got.ActionState)
	assert.Equal(t, []string{"p"}, env.node.settled)
}

func TestCheckWithdrawalPlainConfirm(t *testing.T) {
	env := newTestEnv(t)
	env.addWithdrawal(&domain.Withdrawal{
		ID: 1, Hash: "wh1", UserID: 2, MsatsPaying: 1000, MsatsFeePaying: 50,
	})
	env.node.payments["wh1"] = &lnd.PaymentView{
		Hash: "wh1", Confirmed: true, Msat: 1010, FeeMsat: 10,
	}

	res := env.eng.CheckWithdrawal(context.Background(), 1, nil)
	require.Equal(t, OutcomeDone, res.Outcome)

	w, err := env.store.GetWithdrawal(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, w.Status)
	assert.Equal(t, domain.WithdrawalConfirmed, *w.Status)
}

func TestCheckWithdrawalResolvedIsNoop(t *testing.T) {
	env := newTestEnv(t)
	status := domain.WithdrawalConfirmed
	env.addWithdrawal(&domain.Withdrawal{
		ID: 1, Hash: "wh1", UserID: 2, MsatsPaying: 1000, Status: &status,
	})

	res := env.eng.CheckWithdrawal(context.Background(), 1, nil)
	assert.Equal(t, OutcomeNoop, res.Outcome)
}

func TestCheckPendingDepositsEnqueuesPerInvoice(t *testing.T) {
	env := newTestEnv(t)
	env.addInvoice(&domain.Invoice{ID: 1, Hash: "h1", UserID: 2, ActionState: domain.InvoicePending, ActionType: domain.ActionReceive})
	env.addInvoice(&domain.Invoice{ID: 2, Hash: "h2", UserID: 2, ActionState: domain.InvoiceHeld, ActionType: domain.ActionReceive})
	paidAt := time.Now()
	env.addInvoice(&domain.Invoice{ID: 3, Hash: "h3", UserID: 2, ActionState: domain.InvoicePaid, ActionType: domain.ActionReceive, ConfirmedAt: &paidAt})

	require.NoError(t, env.eng.CheckPendingDeposits(context.Background()))

	sent := env.jobs.byName("checkInvoice")
	require.Len(t, sent, 2)
	ids := map[int64]bool{}
	for _, s := range sent {
		ids[s.data.(invoicePayload).InvoiceID] = true
	}
	assert.True(t, ids[1])
	assert.True(t, ids[2])
}

func TestCheckPendingWithdrawalsEnqueuesPerWithdrawal(t *testing.T) {
	env := newTestEnv(t)
	env.addWithdrawal(&domain.Withdrawal{ID: 1, Hash: "w1", UserID: 2, MsatsPaying: 1})
	status := domain.WithdrawalConfirmed
	env.addWithdrawal(&domain.Withdrawal{ID: 2, Hash: "w2", UserID: 2, MsatsPaying: 1, Status: &status})

	require.NoError(t, env.eng.CheckPendingWithdrawals(context.Background()))

	sent := env.jobs.byName("checkWithdrawal")
	require.Len(t, sent, 1)
	assert.Equal(t, int64(1), sent[0].data.(withdrawalPayload).WithdrawalID)
}
