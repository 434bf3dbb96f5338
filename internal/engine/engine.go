// Package engine drives invoice and withdrawal settlement: a generic
// optimistic transition runner shared by both lifecycles, the forwarding
// bridge between them, the reconciliation sweeps and the node event
// subscriptions. All state mutation funnels through the store's guarded
// advances, so any number of workers can run the same job concurrently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/payops/internal/action"
	"github.com/punchamoorthee/payops/internal/domain"
	"github.com/punchamoorthee/payops/internal/lnd"
	"github.com/punchamoorthee/payops/internal/queue"
	"github.com/punchamoorthee/payops/internal/store"
)

const (
	// retryDelay spaces reschedules of a transition after an unexpected error.
	retryDelay = 30 * time.Second
	// retryPriority puts rescheduled transitions ahead of fresh work.
	retryPriority = 1000
	// settleTxTimeout bounds the transition transaction. It is generous
	// because settling a held invoice happens inside it and can be slow.
	settleTxTimeout = 60 * time.Second
	// holdGracePeriod is the longest a held invoice may stay unsettled
	// before the deadline job force-cancels it.
	holdGracePeriod = 60 * time.Second
	// minSettlementCltvDelta is the timelock budget a forward must keep
	// between the incoming htlc expiry and the outgoing route.
	minSettlementCltvDelta = 40
	// sweepItemDelay bounds the node query rate of reconciliation sweeps.
	sweepItemDelay = 10 * time.Millisecond
)

// ErrInvariant marks a node view that does not support the attempted
// transition, e.g. settling an invoice the node reports unconfirmed. The
// node state may simply not have propagated yet, so these reschedule.
var ErrInvariant = errors.New("invariant violation")

func invariantf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvariant)...)
}

// PerformError wraps an action's business-logic failure during perform. It
// propagates out of the job handler so the queue's own retry policy applies
// to the hold attempt itself.
type PerformError struct {
	Err error
}

func (e *PerformError) Error() string { return "perform failed: " + e.Err.Error() }
func (e *PerformError) Unwrap() error { return e.Err }

// Outcome classifies how a transition attempt ended.
type Outcome string

const (
	// OutcomeDone means this worker committed the transition.
	OutcomeDone Outcome = "done"
	// OutcomeNoop means there was nothing to do: the entity is terminal or
	// a concurrent worker got there first.
	OutcomeNoop Outcome = "noop"
	// OutcomeRetry means the attempt should be rescheduled after Delay.
	OutcomeRetry Outcome = "retry"
	// OutcomeFatal means the error must surface to the job framework.
	OutcomeFatal Outcome = "fatal"
)

// Result is what every transition returns instead of throwing; it is
// interpreted exactly once, at the job-handler boundary.
type Result struct {
	Outcome Outcome
	Delay   time.Duration
	Err     error
}

func done() Result                { return Result{Outcome: OutcomeDone} }
func noop() Result                { return Result{Outcome: OutcomeNoop} }
func retryAfter(err error) Result { return Result{Outcome: OutcomeRetry, Delay: retryDelay, Err: err} }
func fatal(err error) Result      { return Result{Outcome: OutcomeFatal, Err: err} }

// Store is what the engine needs from persistence.
type Store interface {
	GetInvoice(ctx context.Context, id int64) (*domain.Invoice, error)
	InvoiceIDByHash(ctx context.Context, hash string) (int64, error)
	AdvanceInvoice(ctx context.Context, id int64, from []domain.InvoiceState, to domain.InvoiceState,
		fn func(ctx context.Context, db store.DBTX, inv *domain.Invoice) error) (*domain.Invoice, bool, error)
	UpdateInvoice(ctx context.Context, db store.DBTX, id int64, upd *store.InvoiceUpdate) error
	SetInvoiceActionError(ctx context.Context, id int64, msg string) error
	PendingInvoices(ctx context.Context) ([]int64, error)
	LastConfirmedIndex(ctx context.Context) (uint64, error)
	DropOldBolt11s(ctx context.Context, olderThan time.Duration) (int64, error)
	LinkForwardWithdrawal(ctx context.Context, db store.DBTX, forwardID, withdrawalID int64, expiryHeight, acceptHeight int32) error

	InvoiceIDByForwardWithdrawal(ctx context.Context, withdrawalID int64) (int64, error)

	GetWithdrawal(ctx context.Context, id int64) (*domain.Withdrawal, error)
	WithdrawalIDByHash(ctx context.Context, hash string) (int64, error)
	AdvanceWithdrawal(ctx context.Context, id int64, to domain.WithdrawalStatus,
		fn func(ctx context.Context, db store.DBTX, w *domain.Withdrawal) error) (*domain.Withdrawal, bool, error)
	UpdateWithdrawal(ctx context.Context, db store.DBTX, id int64, upd *store.WithdrawalUpdate) error
	CreateWithdrawal(ctx context.Context, w *domain.Withdrawal) (int64, error)
	PendingWithdrawals(ctx context.Context) ([]int64, error)

	CreditUser(ctx context.Context, db store.DBTX, userID, msats int64) error
}

// NodeClient is what the engine needs from the payment node.
type NodeClient interface {
	GetInvoice(ctx context.Context, hashHex string) (*lnd.InvoiceView, error)
	GetPayment(ctx context.Context, hashHex string) (*lnd.PaymentView, error)
	SettleHeldInvoice(ctx context.Context, preimageHex string) error
	CancelHeldInvoice(ctx context.Context, hashHex string) error
	DecodePayReq(ctx context.Context, bolt11 string) (*lnd.PayReqView, error)
	BlockHeight(ctx context.Context) (int32, error)
	PayRequest(ctx context.Context, bolt11 string, maxFeeMsat int64, cltvLimit int32) error
	SubscribeInvoices(ctx context.Context, settleIndex uint64) (<-chan *lnd.InvoiceView, <-chan error)
	SubscribeInvoice(ctx context.Context, hashHex string) (<-chan *lnd.InvoiceView, <-chan error)
	SubscribePayments(ctx context.Context) (<-chan *lnd.PaymentView, <-chan error)
}

// JobQueue is what the engine needs from the job framework.
type JobQueue interface {
	Send(ctx context.Context, name string, data any, opts queue.SendOptions) error
	SendTx(ctx context.Context, db store.DBTX, name string, data any, opts queue.SendOptions) error
}

// Notifier receives withdrawal settlement notifications.
type Notifier interface {
	WithdrawalConfirmed(ctx context.Context, w *domain.Withdrawal)
}

// WalletLogger is the per-wallet structured log sink. Implementations must
// tolerate a nil wallet.
type WalletLogger interface {
	OK(ctx context.Context, w *domain.Wallet, msg string, fields map[string]string)
	Error(ctx context.Context, w *domain.Wallet, msg string, fields map[string]string)
}

type Engine struct {
	store     Store
	node      NodeClient
	jobs      JobQueue
	actions   *action.Registry
	notifier  Notifier
	walletLog WalletLogger
	log       *logrus.Logger
	now       func() time.Time
}

type Deps struct {
	Store     Store
	Node      NodeClient
	Jobs      JobQueue
	Actions   *action.Registry
	Notifier  Notifier
	WalletLog WalletLogger
	Log       *logrus.Logger
}

func New(deps Deps) *Engine {
	return &Engine{
		store:     deps.Store,
		node:      deps.Node,
		jobs:      deps.Jobs,
		actions:   deps.Actions,
		notifier:  deps.Notifier,
		walletLog: deps.WalletLog,
		log:       deps.Log,
		now:       time.Now,
	}
}

// driver is what one entity kind supplies to the generic transition runner:
// load the row, decide terminality, fetch the node-side view, and run the
// guarded advance.
type driver[R any, V any] struct {
	entity   string
	name     string
	load     func(ctx context.Context) (R, error)
	terminal func(row R) bool
	lookup   func(ctx context.Context, row R) (V, error)
	advance  func(ctx context.Context, apply func(ctx context.Context, db store.DBTX, row R) error) (R, bool, error)
}

// runTransition is the single transition engine both lifecycles share.
// check validates that the node view satisfies the target transition's
// precondition; apply runs inside the same transaction as the state flip.
func runTransition[R any, V any](ctx context.Context, e *Engine, d driver[R, V],
	check func(view V, row R) error,
	apply func(ctx context.Context, db store.DBTX, row R, view V) error) (R, Result) {

	var zero R
	log := e.log.WithFields(logrus.Fields{"entity": d.entity, "transition": d.name})

	row, err := d.load(ctx)
	if err != nil {
		if store.IsConcurrencyConflict(err) || isNotFound(err) {
			log.Debug("record not found, assuming concurrent worker transitioned it")
			return zero, e.observe(d, noop())
		}
		return zero, e.observe(d, retryAfter(fmt.Errorf("load failed: %w", err)))
	}

	if d.terminal(row) {
		log.Debug("already in a terminal state, skipping transition")
		return zero, e.observe(d, noop())
	}

	view, err := d.lookup(ctx, row)
	if err != nil {
		return zero, e.observe(d, retryAfter(fmt.Errorf("node lookup failed: %w", err)))
	}

	if err := check(view, row); err != nil {
		log.WithError(err).Info("node view does not support transition yet")
		return zero, e.observe(d, retryAfter(err))
	}

	txCtx, cancel := context.WithTimeout(ctx, settleTxTimeout)
	defer cancel()

	advanced, ok, err := d.advance(txCtx, func(ctx context.Context, db store.DBTX, row R) error {
		return apply(ctx, db, row, view)
	})
	if err != nil {
		var perform *PerformError
		if errors.As(err, &perform) {
			return zero, e.observe(d, fatal(err))
		}
		if store.IsConcurrencyConflict(err) {
			log.Debug("write conflict, assuming concurrent worker is transitioning it")
			return zero, e.observe(d, noop())
		}
		return zero, e.observe(d, retryAfter(fmt.Errorf("transition failed: %w", err)))
	}
	if !ok {
		log.Debug("zero rows advanced, assuming concurrent worker transitioned it")
		return zero, e.observe(d, noop())
	}

	log.Debug("transition succeeded")
	return advanced, e.observe(d, done())
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrInvoiceNotFound) || errors.Is(err, store.ErrWithdrawalNotFound)
}

func (e *Engine) observe(d interface{ labels() (string, string) }, res Result) Result {
	entity, name := d.labels()
	transitionsTotal.WithLabelValues(entity, name, string(res.Outcome)).Inc()
	return res
}

func (d driver[R, V]) labels() (string, string) { return d.entity, d.name }

// handleResult interprets a Result at the job boundary: retries re-send the
// identical job with elevated priority, fatals surface to the queue, and
// done/noop complete the job.
func (e *Engine) handleResult(ctx context.Context, jobName string, payload any, res Result) error {
	switch res.Outcome {
	case OutcomeRetry:
		e.log.WithError(res.Err).WithField("job", jobName).Warn("rescheduling transition")
		return e.jobs.Send(ctx, jobName, payload, queue.SendOptions{
			Delay:    res.Delay,
			Priority: retryPriority,
		})
	case OutcomeFatal:
		return res.Err
	default:
		return nil
	}
}
