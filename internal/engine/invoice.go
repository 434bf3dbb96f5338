package engine

import (
	"context"

	"github.com/punchamoorthee/payops/internal/action"
	"github.com/punchamoorthee/payops/internal/domain"
	"github.com/punchamoorthee/payops/internal/lnd"
	"github.com/punchamoorthee/payops/internal/queue"
	"github.com/punchamoorthee/payops/internal/store"
)

func (e *Engine) invoiceDriver(name string, id int64, from []domain.InvoiceState, to domain.InvoiceState) driver[*domain.Invoice, *lnd.InvoiceView] {
	return driver[*domain.Invoice, *lnd.InvoiceView]{
		entity: "invoice",
		name:   name,
		load: func(ctx context.Context) (*domain.Invoice, error) {
			return e.store.GetInvoice(ctx, id)
		},
		terminal: func(inv *domain.Invoice) bool {
			return inv.ActionState.Terminal()
		},
		lookup: func(ctx context.Context, inv *domain.Invoice) (*lnd.InvoiceView, error) {
			return e.node.GetInvoice(ctx, inv.Hash)
		},
		advance: func(ctx context.Context, apply func(ctx context.Context, db store.DBTX, inv *domain.Invoice) error) (*domain.Invoice, bool, error) {
			return e.store.AdvanceInvoice(ctx, id, from, to, apply)
		},
	}
}

// SettleInvoice drives PENDING|HELD|FORWARDED -> PAID once the node reports
// the invoice confirmed. The action's onPaid side effect and the payer's
// streak-check job commit atomically with the flip.
func (e *Engine) SettleInvoice(ctx context.Context, id int64) Result {
	d := e.invoiceDriver("settle", id,
		[]domain.InvoiceState{domain.InvoicePending, domain.InvoiceHeld, domain.InvoiceForwarded},
		domain.InvoicePaid)

	_, res := runTransition(ctx, e, d,
		func(view *lnd.InvoiceView, _ *domain.Invoice) error {
			if !view.Confirmed {
				return invariantf("invoice is not confirmed")
			}
			return nil
		},
		func(ctx context.Context, db store.DBTX, inv *domain.Invoice, view *lnd.InvoiceView) error {
			act, err := e.actions.For(inv.ActionType)
			if err != nil {
				return err
			}
			if err := act.OnPaid(ctx, &action.Ctx{DB: db, Invoice: inv, CostMsat: view.ReceivedMsat}); err != nil {
				return err
			}
			if err := e.jobs.SendTx(ctx, db, "checkStreak", userPayload{UserID: inv.UserID}, queue.SendOptions{}); err != nil {
				return err
			}
			confirmedAt := view.ConfirmedAt
			return e.store.UpdateInvoice(ctx, db, inv.ID, &store.InvoiceUpdate{
				MsatsReceived:  &view.ReceivedMsat,
				ConfirmedAt:    &confirmedAt,
				ConfirmedIndex: &view.ConfirmedIndex,
			})
		})
	return res
}

// HoldInvoice drives PENDING_HELD -> HELD: schedule the finalize deadline,
// perform the action under the hold, then release the hold by settling with
// the invoice's secret. A confirmed node view is also accepted because a
// prior settle may have succeeded at the node and then timed out here.
func (e *Engine) HoldInvoice(ctx context.Context, id int64) Result {
	d := e.invoiceDriver("hold", id,
		[]domain.InvoiceState{domain.InvoicePendingHeld},
		domain.InvoiceHeld)

	_, res := runTransition(ctx, e, d,
		func(view *lnd.InvoiceView, _ *domain.Invoice) error {
			if !(view.Held || view.Confirmed) {
				return invariantf("invoice is not held")
			}
			return nil
		},
		func(ctx context.Context, db store.DBTX, inv *domain.Invoice, view *lnd.InvoiceView) error {
			// make sure the invoice settles or cancels within the grace
			// period to minimize the risk of force closures. Scheduled
			// outside the transaction so the deadline survives even if
			// the rest of this attempt rolls back.
			deadline := e.now().Add(holdGracePeriod)
			if inv.ExpiresAt.Before(deadline) {
				deadline = inv.ExpiresAt
			}
			if err := e.jobs.Send(ctx, "finalizeHodlInvoice", hashPayload{Hash: inv.Hash}, queue.SendOptions{
				StartAfter:   deadline,
				RetryLimit:   21,
				RetryBackoff: true,
			}); err != nil {
				return err
			}

			if err := e.performAction(ctx, db, inv, view.ReceivedMsat); err != nil {
				return err
			}

			isHeld := true
			if err := e.store.UpdateInvoice(ctx, db, inv.ID, &store.InvoiceUpdate{
				IsHeld:        &isHeld,
				MsatsReceived: &view.ReceivedMsat,
			}); err != nil {
				return err
			}

			// release the hold; the node's confirmed event then drives settle
			return e.node.SettleHeldInvoice(ctx, inv.Preimage)
		})
	return res
}

// FailInvoice drives any non-terminal state -> FAILED once the node reports
// the invoice canceled, running the action's compensating logic.
func (e *Engine) FailInvoice(ctx context.Context, id int64) Result {
	d := e.invoiceDriver("fail", id,
		[]domain.InvoiceState{domain.InvoicePending, domain.InvoicePendingHeld, domain.InvoiceHeld, domain.InvoiceFailedForward},
		domain.InvoiceFailed)

	_, res := runTransition(ctx, e, d,
		func(view *lnd.InvoiceView, _ *domain.Invoice) error {
			if !view.Canceled {
				return invariantf("invoice is not cancelled")
			}
			return nil
		},
		func(ctx context.Context, db store.DBTX, inv *domain.Invoice, view *lnd.InvoiceView) error {
			act, err := e.actions.For(inv.ActionType)
			if err != nil {
				return err
			}
			if err := act.OnFail(ctx, &action.Ctx{DB: db, Invoice: inv}); err != nil {
				return err
			}
			cancelled := true
			cancelledAt := e.now()
			return e.store.UpdateInvoice(ctx, db, inv.ID, &store.InvoiceUpdate{
				Cancelled:   &cancelled,
				CancelledAt: &cancelledAt,
			})
		})
	return res
}

// performAction runs the invoice's paid action with the held funds as cost.
// On failure the error is persisted outside the transaction (so it survives
// the rollback), the invoice is finalized immediately instead of waiting for
// the deadline, and a PerformError propagates so the queue retries the hold.
func (e *Engine) performAction(ctx context.Context, db store.DBTX, inv *domain.Invoice, costMsat int64) error {
	act, err := e.actions.For(inv.ActionType)
	if err != nil {
		return err
	}

	result, err := act.Perform(ctx, inv.ActionArgs, &action.Ctx{DB: db, Invoice: inv, CostMsat: costMsat})
	if err != nil {
		detached := context.WithoutCancel(ctx)
		if storeErr := e.store.SetInvoiceActionError(detached, inv.ID, err.Error()); storeErr != nil {
			e.log.WithError(storeErr).Error("failed to store action error")
		}
		if sendErr := e.jobs.Send(detached, "finalizeHodlInvoice", hashPayload{Hash: inv.Hash}, queue.SendOptions{}); sendErr != nil {
			e.log.WithError(sendErr).Error("failed to enqueue finalize after perform failure")
		}
		return &PerformError{Err: err}
	}

	noError := ""
	return e.store.UpdateInvoice(ctx, db, inv.ID, &store.InvoiceUpdate{
		ActionResult: result,
		ActionError:  &noError,
	})
}

// FinalizeHodlInvoice force-cancels a held invoice that was not settled in
// time, then re-checks it so the cancellation propagates to the lifecycle.
func (e *Engine) FinalizeHodlInvoice(ctx context.Context, hash string) error {
	view, err := e.node.GetInvoice(ctx, hash)
	if err != nil {
		return err
	}
	if !view.Confirmed {
		if err := e.node.CancelHeldInvoice(ctx, hash); err != nil {
			return err
		}
	}
	return e.CheckInvoiceByHash(ctx, hash, nil)
}

type invoicePayload struct {
	InvoiceID int64 `json:"invoiceId"`
}

type withdrawalPayload struct {
	WithdrawalID int64 `json:"withdrawalId"`
}

type hashPayload struct {
	Hash string `json:"hash"`
}

type userPayload struct {
	UserID int64 `json:"id"`
}
