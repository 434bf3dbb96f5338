package engine

import (
	"context"
	"errors"
	"time"

	"github.com/punchamoorthee/payops/internal/domain"
	"github.com/punchamoorthee/payops/internal/lnd"
	"github.com/punchamoorthee/payops/internal/store"
)

func (e *Engine) withdrawalDriver(name string, id int64, to domain.WithdrawalStatus) driver[*domain.Withdrawal, *lnd.PaymentView] {
	return driver[*domain.Withdrawal, *lnd.PaymentView]{
		entity: "withdrawal",
		name:   name,
		load: func(ctx context.Context) (*domain.Withdrawal, error) {
			return e.store.GetWithdrawal(ctx, id)
		},
		terminal: func(w *domain.Withdrawal) bool {
			return w.Status != nil
		},
		lookup: func(ctx context.Context, w *domain.Withdrawal) (*lnd.PaymentView, error) {
			return e.getPaymentOrNotSent(ctx, w.Hash, w.CreatedAt)
		},
		advance: func(ctx context.Context, apply func(ctx context.Context, db store.DBTX, w *domain.Withdrawal) error) (*domain.Withdrawal, bool, error) {
			return e.store.AdvanceWithdrawal(ctx, id, to, apply)
		},
	}
}

// getPaymentOrNotSent looks the payment up at the node. A missing payment on
// an attempt older than twice the pathfinding timeout means the dispatch
// errored before the node stored it; it is reported as a failed view. A
// recent missing payment is still in flight somewhere, so the lookup errors
// and the transition reschedules.
func (e *Engine) getPaymentOrNotSent(ctx context.Context, hash string, createdAt time.Time) (*lnd.PaymentView, error) {
	p, err := e.node.GetPayment(ctx, hash)
	if errors.Is(err, lnd.ErrPaymentNotFound) && e.now().Sub(createdAt) > 2*lnd.PathfindingTimeout {
		return &lnd.PaymentView{Hash: hash, Failed: true, FailureReason: "FAILURE_REASON_NOT_SENT"}, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ConfirmWithdrawal drives status NULL -> CONFIRMED. The unused portion of
// the fee reserve is refunded atomically with the flip, preserving
// msatsPaid + msatsFeePaid + refund == msatsPaying + msatsFeePaying.
func (e *Engine) ConfirmWithdrawal(ctx context.Context, id int64) Result {
	d := e.withdrawalDriver("confirm", id, domain.WithdrawalConfirmed)

	w, res := runTransition(ctx, e, d,
		func(view *lnd.PaymentView, _ *domain.Withdrawal) error {
			if !view.Confirmed {
				return invariantf("payment is not confirmed")
			}
			return nil
		},
		func(ctx context.Context, db store.DBTX, w *domain.Withdrawal, view *lnd.PaymentView) error {
			msatsFeePaid := view.FeeMsat
			msatsPaid := view.Msat - msatsFeePaid

			if err := e.store.CreditUser(ctx, db, w.UserID, w.MsatsFeePaying-msatsFeePaid); err != nil {
				return err
			}
			return e.store.UpdateWithdrawal(ctx, db, w.ID, &store.WithdrawalUpdate{
				MsatsPaid:    &msatsPaid,
				MsatsFeePaid: &msatsFeePaid,
				Preimage:     &view.PreimageHex,
			})
		})

	if res.Outcome == OutcomeDone {
		w2, err := e.store.GetWithdrawal(ctx, id)
		if err != nil {
			e.log.WithError(err).Error("failed to reload confirmed withdrawal")
			w2 = w
		}
		e.notifier.WithdrawalConfirmed(ctx, w2)
		e.walletLog.OK(ctx, w2.Wallet,
			"payment received: "+domain.FormatSats(domain.MsatsToSats(w2.MsatsPaid)),
			map[string]string{
				"bolt11":   w2.Bolt11,
				"preimage": w2.Preimage,
				"fee":      domain.FormatMsats(w2.MsatsFeePaid),
			})
	}
	return res
}

// FailWithdrawal drives status NULL -> a failure subtype. The entire reserve
// (amount plus fee budget) is refunded atomically with the flip.
func (e *Engine) FailWithdrawal(ctx context.Context, id int64) Result {
	d := e.withdrawalDriver("fail", id, domain.WithdrawalUnknownFailure)

	var message string
	w, res := runTransition(ctx, e, d,
		func(view *lnd.PaymentView, _ *domain.Withdrawal) error {
			if !view.Failed {
				return invariantf("payment has not failed")
			}
			return nil
		},
		func(ctx context.Context, db store.DBTX, w *domain.Withdrawal, view *lnd.PaymentView) error {
			if err := e.store.CreditUser(ctx, db, w.UserID, w.MsatsFeePaying+w.MsatsPaying); err != nil {
				return err
			}
			status, msg := domain.ClassifyPaymentFailure(view.FailureReason)
			message = msg
			return e.store.UpdateWithdrawal(ctx, db, w.ID, &store.WithdrawalUpdate{
				Status: &status,
			})
		})

	if res.Outcome == OutcomeDone {
		e.walletLog.Error(ctx, w.Wallet,
			"outgoing payment failed: "+message,
			map[string]string{
				"bolt11":  w.Bolt11,
				"max_fee": domain.FormatMsats(w.MsatsFeePaying),
			})
	}
	return res
}
