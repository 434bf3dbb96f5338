package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/payops/internal/domain"
)

const invoiceColumns = `id, hash, bolt11, user_id, msats_requested, msats_received,
	coalesce(preimage, ''), is_held, cancelled, expires_at, confirmed_at, cancelled_at,
	coalesce(confirmed_index, 0), action_state, action_type, action_optimistic, action_id, action_args,
	action_result, coalesce(action_error, ''), created_at`

func scanInvoice(row pgx.Row) (*domain.Invoice, error) {
	var inv domain.Invoice
	err := row.Scan(
		&inv.ID, &inv.Hash, &inv.Bolt11, &inv.UserID, &inv.MsatsRequested, &inv.MsatsReceived,
		&inv.Preimage, &inv.IsHeld, &inv.Cancelled, &inv.ExpiresAt, &inv.ConfirmedAt, &inv.CancelledAt,
		&inv.ConfirmedIndex, &inv.ActionState, &inv.ActionType, &inv.ActionOptimistic, &inv.ActionID, &inv.ActionArgs,
		&inv.ActionResult, &inv.ActionError, &inv.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *Store) getInvoiceForward(ctx context.Context, db DBTX, invoiceID int64) (*domain.InvoiceForward, error) {
	var fwd domain.InvoiceForward
	err := db.QueryRow(ctx, `
		SELECT f.id, f.invoice_id, f.withdrawal_id, f.bolt11, f.max_fee_msats,
			f.expiry_height, f.accept_height, f.wallet_id, w.user_id
		FROM invoice_forwards f
		JOIN wallets w ON w.id = f.wallet_id
		WHERE f.invoice_id = $1`, invoiceID,
	).Scan(&fwd.ID, &fwd.InvoiceID, &fwd.WithdrawalID, &fwd.Bolt11, &fwd.MaxFeeMsats,
		&fwd.ExpiryHeight, &fwd.AcceptHeight, &fwd.WalletID, &fwd.UserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &fwd, nil
}

// GetInvoice loads an invoice with its forward relation, if any.
func (s *Store) GetInvoice(ctx context.Context, id int64) (*domain.Invoice, error) {
	inv, err := scanInvoice(s.Pool.QueryRow(ctx,
		"SELECT "+invoiceColumns+" FROM invoices WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	if inv.Forward, err = s.getInvoiceForward(ctx, s.Pool, inv.ID); err != nil {
		return nil, err
	}
	return inv, nil
}

// InvoiceIDByHash resolves a node-level payment hash to an invoice id.
func (s *Store) InvoiceIDByHash(ctx context.Context, hash string) (int64, error) {
	var id int64
	err := s.Pool.QueryRow(ctx, "SELECT id FROM invoices WHERE hash = $1", hash).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrInvoiceNotFound
	}
	return id, err
}

// AdvanceInvoice grabs the optimistic concurrency lock: a conditional update
// flipping action_state from one of `from` to `to`. If zero rows match, a
// concurrent worker already advanced the row and (nil, false, nil) is
// returned. Otherwise fn runs inside the same transaction with the updated
// row; any error from fn rolls the flip back.
func (s *Store) AdvanceInvoice(ctx context.Context, id int64, from []domain.InvoiceState, to domain.InvoiceState,
	fn func(ctx context.Context, db DBTX, inv *domain.Invoice) error) (*domain.Invoice, bool, error) {

	states := make([]string, len(from))
	for i, st := range from {
		states[i] = string(st)
	}

	var advanced *domain.Invoice
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		inv, err := scanInvoice(tx.QueryRow(ctx, `
			UPDATE invoices SET action_state = $1, updated_at = now()
			WHERE id = $2 AND action_state = ANY($3)
			RETURNING `+invoiceColumns, to, id, states))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if inv.Forward, err = s.getInvoiceForward(ctx, tx, inv.ID); err != nil {
			return err
		}
		if fn != nil {
			if err := fn(ctx, tx, inv); err != nil {
				return err
			}
		}
		advanced = inv
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return advanced, advanced != nil, nil
}

// InvoiceUpdate is the partial update a transition derives from the node view.
type InvoiceUpdate struct {
	MsatsReceived  *int64
	IsHeld         *bool
	Cancelled      *bool
	CancelledAt    *time.Time
	ConfirmedAt    *time.Time
	ConfirmedIndex *uint64
	ActionResult   []byte
	ActionError    *string
}

// UpdateInvoice applies upd to the invoice row through db, typically the
// transaction of an in-flight advance.
func (s *Store) UpdateInvoice(ctx context.Context, db DBTX, id int64, upd *InvoiceUpdate) error {
	sets := []string{"updated_at = now()"}
	args := []any{id}

	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if upd.MsatsReceived != nil {
		add("msats_received", *upd.MsatsReceived)
	}
	if upd.IsHeld != nil {
		add("is_held", *upd.IsHeld)
	}
	if upd.Cancelled != nil {
		add("cancelled", *upd.Cancelled)
	}
	if upd.CancelledAt != nil {
		add("cancelled_at", *upd.CancelledAt)
	}
	if upd.ConfirmedAt != nil {
		add("confirmed_at", *upd.ConfirmedAt)
	}
	if upd.ConfirmedIndex != nil {
		add("confirmed_index", *upd.ConfirmedIndex)
	}
	if upd.ActionResult != nil {
		add("action_result", upd.ActionResult)
	}
	if upd.ActionError != nil {
		add("action_error", *upd.ActionError)
	}

	_, err := db.Exec(ctx,
		"UPDATE invoices SET "+strings.Join(sets, ", ")+" WHERE id = $1", args...)
	if err != nil {
		return fmt.Errorf("invoice update failed: %w", err)
	}
	return nil
}

// SetInvoiceActionError persists a perform failure on the invoice outside of
// any transaction, so the error survives the rollback that follows it.
func (s *Store) SetInvoiceActionError(ctx context.Context, id int64, msg string) error {
	_, err := s.Pool.Exec(ctx,
		"UPDATE invoices SET action_error = $1, updated_at = now() WHERE id = $2", msg, id)
	return err
}

// PendingInvoices lists ids of invoices with no settlement outcome yet,
// oldest first. The reconciliation sweep re-drives each of them.
func (s *Store) PendingInvoices(ctx context.Context) ([]int64, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id FROM invoices
		WHERE confirmed_at IS NULL AND NOT cancelled
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LastConfirmedIndex returns the highest node settle index recorded, used to
// resume the bulk invoice subscription without replaying history.
func (s *Store) LastConfirmedIndex(ctx context.Context) (uint64, error) {
	var idx uint64
	err := s.Pool.QueryRow(ctx, `
		SELECT coalesce(max(confirmed_index), 0) FROM invoices`).Scan(&idx)
	return idx, err
}

// DropOldBolt11s nulls payment request payloads of terminal rows older than
// the retention window.
func (s *Store) DropOldBolt11s(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	tagInv, err := s.Pool.Exec(ctx, `
		UPDATE invoices SET bolt11 = '', updated_at = now()
		WHERE bolt11 <> '' AND created_at < $1 AND action_state IN ('PAID', 'FAILED')`, cutoff)
	if err != nil {
		return 0, err
	}
	tagWd, err := s.Pool.Exec(ctx, `
		UPDATE withdrawals SET bolt11 = '', updated_at = now()
		WHERE bolt11 <> '' AND created_at < $1 AND status IS NOT NULL`, cutoff)
	if err != nil {
		return tagInv.RowsAffected(), err
	}
	return tagInv.RowsAffected() + tagWd.RowsAffected(), nil
}

// InvoiceIDByForwardWithdrawal resolves the invoice whose forward is relayed
// by the given withdrawal, or ErrInvoiceNotFound when the withdrawal is a
// plain one.
func (s *Store) InvoiceIDByForwardWithdrawal(ctx context.Context, withdrawalID int64) (int64, error) {
	var id int64
	err := s.Pool.QueryRow(ctx,
		"SELECT invoice_id FROM invoice_forwards WHERE withdrawal_id = $1", withdrawalID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrInvoiceNotFound
	}
	return id, err
}

// LinkForwardWithdrawal records the withdrawal relaying a forwarded invoice.
func (s *Store) LinkForwardWithdrawal(ctx context.Context, db DBTX, forwardID, withdrawalID int64, expiryHeight, acceptHeight int32) error {
	_, err := db.Exec(ctx, `
		UPDATE invoice_forwards
		SET withdrawal_id = $1, expiry_height = $2, accept_height = $3
		WHERE id = $4`, withdrawalID, expiryHeight, acceptHeight, forwardID)
	return err
}
