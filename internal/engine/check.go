package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/punchamoorthee/payops/internal/domain"
	"github.com/punchamoorthee/payops/internal/lnd"
	"github.com/punchamoorthee/payops/internal/queue"
	"github.com/punchamoorthee/payops/internal/store"
)

// CheckInvoice is the funnel every invoice signal lands in: subscriptions,
// sweeps and finalizations all route here, and the node view decides which
// transition to attempt. view may be nil, in which case it is fetched.
func (e *Engine) CheckInvoice(ctx context.Context, id int64, view *lnd.InvoiceView) Result {
	inv, err := e.store.GetInvoice(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return noop()
		}
		return retryAfter(fmt.Errorf("invoice load failed: %w", err))
	}
	if inv.ActionState.Terminal() {
		return noop()
	}

	if view == nil {
		if view, err = e.node.GetInvoice(ctx, inv.Hash); err != nil {
			return retryAfter(fmt.Errorf("node lookup failed: %w", err))
		}
	}

	if inv.Forward == nil {
		switch {
		case view.Confirmed:
			return e.SettleInvoice(ctx, id)
		case view.Canceled:
			return e.FailInvoice(ctx, id)
		case view.Held:
			return e.HoldInvoice(ctx, id)
		}
		return noop()
	}

	forwarding := inv.ActionState == domain.InvoiceForwarding

	switch {
	case view.Held:
		if !forwarding {
			return e.ForwardingInvoice(ctx, id)
		}
		// still held with the outgoing payment dispatched: resolve by
		// what happened to the payment
		return e.resolveForward(ctx, id, inv.Forward.WithdrawalID)
	case view.Confirmed:
		if forwarding {
			// settled on the node but the FORWARDED flip rolled back
			return e.ForwardedInvoice(ctx, id)
		}
		return e.SettleInvoice(ctx, id)
	case view.Canceled:
		if forwarding {
			return e.FailedForwardInvoice(ctx, id)
		}
		return e.FailInvoice(ctx, id)
	}
	return noop()
}

func (e *Engine) resolveForward(ctx context.Context, invoiceID int64, withdrawalID *int64) Result {
	if withdrawalID == nil {
		return retryAfter(invariantf("forwarding invoice has no withdrawal"))
	}
	w, err := e.store.GetWithdrawal(ctx, *withdrawalID)
	if err != nil {
		if isNotFound(err) {
			return noop()
		}
		return retryAfter(fmt.Errorf("withdrawal load failed: %w", err))
	}
	payment, err := e.getPaymentOrNotSent(ctx, w.Hash, w.CreatedAt)
	if err != nil {
		return retryAfter(fmt.Errorf("payment lookup failed: %w", err))
	}
	switch {
	case payment.Confirmed:
		return e.ForwardedInvoice(ctx, invoiceID)
	case payment.Failed:
		return e.FailedForwardInvoice(ctx, invoiceID)
	}
	// in flight, the payment subscription will come back to us
	return noop()
}

// CheckInvoiceByHash resolves a node payment hash and funnels into
// CheckInvoice. Hashes the store does not know are skipped: the node can
// carry invoices created by other systems.
func (e *Engine) CheckInvoiceByHash(ctx context.Context, hash string, view *lnd.InvoiceView) error {
	id, err := e.store.InvoiceIDByHash(ctx, hash)
	if errors.Is(err, store.ErrInvoiceNotFound) {
		e.log.WithField("hash", hash).Debug("ignoring invoice not tracked here")
		return nil
	}
	if err != nil {
		return err
	}
	return e.handleResult(ctx, "checkInvoice", invoicePayload{InvoiceID: id},
		e.CheckInvoice(ctx, id, view))
}

// CheckWithdrawal is the withdrawal funnel. A withdrawal relaying a forward
// resolves through the invoice lifecycle instead, so the inbound settle and
// the outbound record move together.
func (e *Engine) CheckWithdrawal(ctx context.Context, id int64, view *lnd.PaymentView) Result {
	w, err := e.store.GetWithdrawal(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return noop()
		}
		return retryAfter(fmt.Errorf("withdrawal load failed: %w", err))
	}
	if w.Status != nil {
		return noop()
	}

	invoiceID, err := e.store.InvoiceIDByForwardWithdrawal(ctx, w.ID)
	if err == nil {
		return e.CheckInvoice(ctx, invoiceID, nil)
	}
	if !errors.Is(err, store.ErrInvoiceNotFound) {
		return retryAfter(fmt.Errorf("forward lookup failed: %w", err))
	}

	if view == nil {
		if view, err = e.getPaymentOrNotSent(ctx, w.Hash, w.CreatedAt); err != nil {
			return retryAfter(fmt.Errorf("payment lookup failed: %w", err))
		}
	}
	switch {
	case view.Confirmed:
		return e.ConfirmWithdrawal(ctx, id)
	case view.Failed:
		return e.FailWithdrawal(ctx, id)
	}
	return noop()
}

// CheckWithdrawalByHash resolves a payment hash and funnels into
// CheckWithdrawal, skipping payments the store does not track.
func (e *Engine) CheckWithdrawalByHash(ctx context.Context, hash string, view *lnd.PaymentView) error {
	id, err := e.store.WithdrawalIDByHash(ctx, hash)
	if errors.Is(err, store.ErrWithdrawalNotFound) {
		e.log.WithField("hash", hash).Debug("ignoring payment not tracked here")
		return nil
	}
	if err != nil {
		return err
	}
	return e.handleResult(ctx, "checkWithdrawal", withdrawalPayload{WithdrawalID: id},
		e.CheckWithdrawal(ctx, id, view))
}

// CheckPendingDeposits re-drives every unresolved invoice. It enqueues one
// checkInvoice job per row, paced so a large backlog does not hammer the
// queue and the node at once.
func (e *Engine) CheckPendingDeposits(ctx context.Context) error {
	timer := prometheus.NewTimer(sweepDuration.WithLabelValues("deposits"))
	defer timer.ObserveDuration()

	ids, err := e.store.PendingInvoices(ctx)
	if err != nil {
		return fmt.Errorf("pending invoices query failed: %w", err)
	}
	e.log.WithField("count", len(ids)).Debug("sweeping pending deposits")

	for _, id := range ids {
		if err := e.jobs.Send(ctx, "checkInvoice", invoicePayload{InvoiceID: id}, queue.SendOptions{}); err != nil {
			return err
		}
		if err := sleep(ctx, sweepItemDelay); err != nil {
			return err
		}
	}
	return nil
}

// CheckPendingWithdrawals re-drives every withdrawal still without a status.
func (e *Engine) CheckPendingWithdrawals(ctx context.Context) error {
	timer := prometheus.NewTimer(sweepDuration.WithLabelValues("withdrawals"))
	defer timer.ObserveDuration()

	ids, err := e.store.PendingWithdrawals(ctx)
	if err != nil {
		return fmt.Errorf("pending withdrawals query failed: %w", err)
	}
	e.log.WithField("count", len(ids)).Debug("sweeping pending withdrawals")

	for _, id := range ids {
		if err := e.jobs.Send(ctx, "checkWithdrawal", withdrawalPayload{WithdrawalID: id}, queue.SendOptions{}); err != nil {
			return err
		}
		if err := sleep(ctx, sweepItemDelay); err != nil {
			return err
		}
	}
	return nil
}

// AutoDropBolt11s scrubs payment request payloads from terminal rows past the
// retention window. Bolt11s embed routing metadata that has no reason to be
// kept once the payment is resolved.
func (e *Engine) AutoDropBolt11s(ctx context.Context, retention time.Duration) error {
	timer := prometheus.NewTimer(sweepDuration.WithLabelValues("dropBolt11s"))
	defer timer.ObserveDuration()

	n, err := e.store.DropOldBolt11s(ctx, retention)
	if err != nil {
		return fmt.Errorf("bolt11 drop failed: %w", err)
	}
	if n > 0 {
		e.log.WithField("count", n).Info("dropped old bolt11s")
	}
	return nil
}

// RegisterJobs binds every engine entry point to its queue name. Transitions
// themselves are not job names: signals funnel through the check jobs, which
// route on the node view.
func (e *Engine) RegisterJobs(q *queue.Queue, bolt11Retention time.Duration) {
	q.Work("checkInvoice", func(ctx context.Context, job *queue.Job) error {
		var p invoicePayload
		if err := json.Unmarshal(job.Data, &p); err != nil {
			return fmt.Errorf("bad checkInvoice payload: %w", err)
		}
		return e.handleResult(ctx, "checkInvoice", p, e.CheckInvoice(ctx, p.InvoiceID, nil))
	})
	q.Work("checkWithdrawal", func(ctx context.Context, job *queue.Job) error {
		var p withdrawalPayload
		if err := json.Unmarshal(job.Data, &p); err != nil {
			return fmt.Errorf("bad checkWithdrawal payload: %w", err)
		}
		return e.handleResult(ctx, "checkWithdrawal", p, e.CheckWithdrawal(ctx, p.WithdrawalID, nil))
	})
	q.Work("finalizeHodlInvoice", func(ctx context.Context, job *queue.Job) error {
		var p hashPayload
		if err := json.Unmarshal(job.Data, &p); err != nil {
			return fmt.Errorf("bad finalizeHodlInvoice payload: %w", err)
		}
		return e.FinalizeHodlInvoice(ctx, p.Hash)
	})
	q.Work("checkPendingDeposits", func(ctx context.Context, _ *queue.Job) error {
		return e.CheckPendingDeposits(ctx)
	})
	q.Work("checkPendingWithdrawals", func(ctx context.Context, _ *queue.Job) error {
		return e.CheckPendingWithdrawals(ctx)
	})
	q.Work("autoDropBolt11s", func(ctx context.Context, _ *queue.Job) error {
		return e.AutoDropBolt11s(ctx, bolt11Retention)
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
