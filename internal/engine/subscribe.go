package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/punchamoorthee/payops/internal/queue"
	"github.com/punchamoorthee/payops/internal/store"
)

// Subscribe consumes the node's invoice and payment event streams until ctx
// is cancelled. Each stream is supervised independently: a dropped stream is
// reopened with exponential backoff, and on every (re)open a reconciliation
// sweep is enqueued to cover events missed while disconnected.
func (e *Engine) Subscribe(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.superviseStream(ctx, "invoices", e.consumeInvoices)
	}()
	go func() {
		defer wg.Done()
		e.superviseStream(ctx, "payments", e.consumePayments)
	}()
	wg.Wait()
}

func (e *Engine) superviseStream(ctx context.Context, name string, run func(ctx context.Context) error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	for {
		started := e.now()
		err := run(ctx)
		if ctx.Err() != nil {
			return
		}

		subscriptionRestarts.WithLabelValues(name).Inc()
		e.log.WithError(err).WithField("stream", name).Warn("subscription dropped, restarting")

		// a stream that stayed up a while gets a fresh backoff window
		if e.now().Sub(started) > time.Minute {
			b.Reset()
		}
		if err := sleep(ctx, b.NextBackOff()); err != nil {
			return
		}
	}
}

func (e *Engine) enqueueSweep(ctx context.Context, name string) {
	if err := e.jobs.Send(ctx, name, nil, queue.SendOptions{}); err != nil {
		e.log.WithError(err).WithField("job", name).Error("failed to enqueue sweep")
	}
}

// consumeInvoices follows the bulk invoice stream, resumed from the highest
// settle index the store has recorded. Settled events carry a secret and
// funnel straight into the invoice check; events without one may be held
// invoices, which the bulk stream never settles, so those are followed
// individually until they resolve.
func (e *Engine) consumeInvoices(ctx context.Context) error {
	idx, err := e.store.LastConfirmedIndex(ctx)
	if err != nil {
		return err
	}

	views, errs := e.node.SubscribeInvoices(ctx, idx)
	e.enqueueSweep(ctx, "checkPendingDeposits")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			return err
		case view, ok := <-views:
			if !ok {
				return nil
			}
			if view.SecretHex != "" {
				if err := e.CheckInvoiceByHash(ctx, view.Hash, view); err != nil {
					e.log.WithError(err).WithField("hash", view.Hash).Error("invoice check failed")
				}
				continue
			}
			go e.followInvoice(ctx, view.Hash)
		}
	}
}

// followInvoice watches one invoice until it resolves, checking it on every
// hold, settle or cancel signal. The stream is supervised the same way the
// bulk streams are: a drop is reopened with backoff, because a held invoice
// left unwatched misses its settlement window long before the next sweep.
func (e *Engine) followInvoice(ctx context.Context, hash string) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	for {
		resolved, err := e.followInvoiceOnce(ctx, hash)
		if resolved || ctx.Err() != nil {
			return
		}
		if e.invoiceResolved(ctx, hash) {
			return
		}

		subscriptionRestarts.WithLabelValues("invoice").Inc()
		e.log.WithError(err).WithField("hash", hash).Warn("invoice follow dropped, restarting")
		if sleep(ctx, b.NextBackOff()) != nil {
			return
		}
	}
}

func (e *Engine) followInvoiceOnce(ctx context.Context, hash string) (bool, error) {
	views, errs := e.node.SubscribeInvoice(ctx, hash)
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case err := <-errs:
			return false, err
		case view, ok := <-views:
			if !ok {
				return false, nil
			}
			if view.Held || view.Confirmed || view.Canceled {
				if err := e.CheckInvoiceByHash(ctx, view.Hash, view); err != nil {
					e.log.WithError(err).WithField("hash", hash).Error("invoice check failed")
				}
			}
			if view.Confirmed || view.Canceled {
				return true, nil
			}
		}
	}
}

// invoiceResolved reports whether hash needs no further following: the row
// already reached a terminal state, or the node carries an invoice that was
// never ours.
func (e *Engine) invoiceResolved(ctx context.Context, hash string) bool {
	id, err := e.store.InvoiceIDByHash(ctx, hash)
	if errors.Is(err, store.ErrInvoiceNotFound) {
		return true
	}
	if err != nil {
		return false
	}
	inv, err := e.store.GetInvoice(ctx, id)
	if err != nil {
		return false
	}
	return inv.ActionState.Terminal()
}

// consumePayments follows the outgoing payment stream and funnels every
// resolved payment into the withdrawal check.
func (e *Engine) consumePayments(ctx context.Context) error {
	views, errs := e.node.SubscribePayments(ctx)
	e.enqueueSweep(ctx, "checkPendingWithdrawals")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			return err
		case view, ok := <-views:
			if !ok {
				return nil
			}
			if !view.Confirmed && !view.Failed {
				continue
			}
			if err := e.CheckWithdrawalByHash(ctx, view.Hash, view); err != nil {
				e.log.WithError(err).WithField("hash", view.Hash).Error("withdrawal check failed")
			}
		}
	}
}
