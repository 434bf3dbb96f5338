package engine

import (
	"context"

	"github.com/punchamoorthee/payops/internal/domain"
	"github.com/punchamoorthee/payops/internal/lnd"
	"github.com/punchamoorthee/payops/internal/queue"
	"github.com/punchamoorthee/payops/internal/store"
)

// ForwardingInvoice drives PENDING|PENDING_HELD -> FORWARDING: the held
// inbound payment is relayed outward by dispatching the forward's payment
// request. The withdrawal row is created outside the transaction, so a
// rolled-back flip still leaves a record of the in-flight attempt for the
// sweep to reconcile.
func (e *Engine) ForwardingInvoice(ctx context.Context, id int64) Result {
	d := e.invoiceDriver("forwarding", id,
		[]domain.InvoiceState{domain.InvoicePending, domain.InvoicePendingHeld},
		domain.InvoiceForwarding)

	_, res := runTransition(ctx, e, d,
		func(view *lnd.InvoiceView, inv *domain.Invoice) error {
			if !view.Held {
				return invariantf("invoice is not held")
			}
			if inv.Forward == nil {
				return invariantf("invoice is not associated with a forward")
			}
			return nil
		},
		func(ctx context.Context, db store.DBTX, inv *domain.Invoice, view *lnd.InvoiceView) error {
			fwd := inv.Forward

			payReq, err := e.node.DecodePayReq(ctx, fwd.Bolt11)
			if err != nil {
				return err
			}

			// budget the outgoing route against the height the chain is at
			// now, not the height the htlc was accepted at; blocks mined
			// since acceptance have already eaten into the window
			height, err := e.node.BlockHeight(ctx)
			if err != nil {
				return err
			}
			cltvBudget := view.ExpiryHeight - height
			if cltvBudget-payReq.CltvDelta < minSettlementCltvDelta {
				// cancel so the invoice can transition to FAILED instead
				if sendErr := e.jobs.Send(ctx, "finalizeHodlInvoice", hashPayload{Hash: inv.Hash}, queue.SendOptions{}); sendErr != nil {
					e.log.WithError(sendErr).Error("failed to enqueue finalize for short cltv forward")
				}
				return invariantf("invoice has insufficient cltv delta for forward")
			}

			// pessimistic actions must succeed before the outgoing
			// payment is in flight
			if !inv.ActionOptimistic {
				if err := e.performAction(ctx, db, inv, view.ReceivedMsat); err != nil {
					return err
				}
			}

			withdrawalID, err := e.store.CreateWithdrawal(ctx, &domain.Withdrawal{
				Hash:           payReq.HashHex,
				Bolt11:         fwd.Bolt11,
				UserID:         fwd.UserID,
				WalletID:       &fwd.WalletID,
				MsatsPaying:    payReq.Msat,
				MsatsFeePaying: fwd.MaxFeeMsats,
				AutoWithdraw:   true,
			})
			if err != nil {
				return err
			}

			if err := e.store.LinkForwardWithdrawal(ctx, db, fwd.ID, withdrawalID, view.ExpiryHeight, view.AcceptHeight); err != nil {
				return err
			}

			isHeld := true
			if err := e.store.UpdateInvoice(ctx, db, inv.ID, &store.InvoiceUpdate{
				IsHeld:        &isHeld,
				MsatsReceived: &view.ReceivedMsat,
			}); err != nil {
				return err
			}

			return e.node.PayRequest(ctx, fwd.Bolt11, fwd.MaxFeeMsats, cltvBudget-minSettlementCltvDelta)
		})
	return res
}

// ForwardedInvoice drives FORWARDING -> FORWARDED once the outgoing payment
// confirms: the held inbound invoice is settled with the payment's preimage
// and the withdrawal is recorded CONFIRMED in the same transaction. The
// node's resulting confirmed event then drives settle to PAID, so a
// forwarding invoice can only reach PAID through a confirmed withdrawal.
func (e *Engine) ForwardedInvoice(ctx context.Context, id int64) Result {
	d := e.invoiceDriver("forwarded", id,
		[]domain.InvoiceState{domain.InvoiceForwarding},
		domain.InvoiceForwarded)

	_, res := runTransition(ctx, e, d,
		func(view *lnd.InvoiceView, inv *domain.Invoice) error {
			if !(view.Held || view.Confirmed) {
				return invariantf("invoice is not held")
			}
			if inv.Forward == nil || inv.Forward.WithdrawalID == nil {
				return invariantf("forward has no withdrawal")
			}
			return nil
		},
		func(ctx context.Context, db store.DBTX, inv *domain.Invoice, view *lnd.InvoiceView) error {
			w, err := e.store.GetWithdrawal(ctx, *inv.Forward.WithdrawalID)
			if err != nil {
				return err
			}
			payment, err := e.node.GetPayment(ctx, w.Hash)
			if err != nil {
				return err
			}
			if !payment.Confirmed {
				return invariantf("payment is not confirmed")
			}

			// settle the incoming invoice, allowing the transition to PAID
			if err := e.node.SettleHeldInvoice(ctx, payment.PreimageHex); err != nil {
				return err
			}

			status := domain.WithdrawalConfirmed
			return e.store.UpdateWithdrawal(ctx, db, w.ID, &store.WithdrawalUpdate{
				Status:       &status,
				MsatsPaid:    &payment.Msat,
				MsatsFeePaid: &payment.FeeMsat,
				Preimage:     &payment.PreimageHex,
			})
		})
	return res
}

// FailedForwardInvoice drives FORWARDING -> FAILED_FORWARD when the outgoing
// payment fails: the withdrawal gets its classified failure status and the
// inbound invoice is finalized so it cancels and fails. No balance refund
// happens here; the relayed funds were never the user's.
func (e *Engine) FailedForwardInvoice(ctx context.Context, id int64) Result {
	d := e.invoiceDriver("failedForward", id,
		[]domain.InvoiceState{domain.InvoiceForwarding},
		domain.InvoiceFailedForward)

	_, res := runTransition(ctx, e, d,
		func(view *lnd.InvoiceView, inv *domain.Invoice) error {
			if !(view.Held || view.Canceled) {
				return invariantf("invoice is not held")
			}
			if inv.Forward == nil || inv.Forward.WithdrawalID == nil {
				return invariantf("forward has no withdrawal")
			}
			return nil
		},
		func(ctx context.Context, db store.DBTX, inv *domain.Invoice, view *lnd.InvoiceView) error {
			w, err := e.store.GetWithdrawal(ctx, *inv.Forward.WithdrawalID)
			if err != nil {
				return err
			}
			payment, err := e.getPaymentOrNotSent(ctx, w.Hash, w.CreatedAt)
			if err != nil {
				return err
			}
			if !payment.Failed {
				return invariantf("payment has not failed")
			}

			// cancel to allow the transition to FAILED, independent of
			// this state flip
			if err := e.jobs.Send(ctx, "finalizeHodlInvoice", hashPayload{Hash: inv.Hash}, queue.SendOptions{}); err != nil {
				return err
			}

			status, _ := domain.ClassifyPaymentFailure(payment.FailureReason)
			return e.store.UpdateWithdrawal(ctx, db, w.ID, &store.WithdrawalUpdate{
				Status: &status,
			})
		})
	return res
}
