package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/payops/internal/domain"
)

const withdrawalColumns = `id, hash, bolt11, user_id, wallet_id, status,
	msats_paying, msats_fee_paying, msats_paid, msats_fee_paid,
	coalesce(preimage, ''), auto_withdraw, created_at`

func scanWithdrawal(row pgx.Row) (*domain.Withdrawal, error) {
	var w domain.Withdrawal
	err := row.Scan(
		&w.ID, &w.Hash, &w.Bolt11, &w.UserID, &w.WalletID, &w.Status,
		&w.MsatsPaying, &w.MsatsFeePaying, &w.MsatsPaid, &w.MsatsFeePaid,
		&w.Preimage, &w.AutoWithdraw, &w.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Store) attachWallet(ctx context.Context, db DBTX, w *domain.Withdrawal) error {
	if w.WalletID == nil {
		return nil
	}
	var wallet domain.Wallet
	err := db.QueryRow(ctx,
		"SELECT id, user_id, label, priority FROM wallets WHERE id = $1", *w.WalletID,
	).Scan(&wallet.ID, &wallet.UserID, &wallet.Label, &wallet.Priority)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	w.Wallet = &wallet
	return nil
}

// GetWithdrawal loads a withdrawal with its wallet relation, if any.
func (s *Store) GetWithdrawal(ctx context.Context, id int64) (*domain.Withdrawal, error) {
	w, err := scanWithdrawal(s.Pool.QueryRow(ctx,
		"SELECT "+withdrawalColumns+" FROM withdrawals WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWithdrawalNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.attachWallet(ctx, s.Pool, w); err != nil {
		return nil, err
	}
	return w, nil
}

// WithdrawalIDByHash resolves a payment hash to a withdrawal id.
func (s *Store) WithdrawalIDByHash(ctx context.Context, hash string) (int64, error) {
	var id int64
	err := s.Pool.QueryRow(ctx, "SELECT id FROM withdrawals WHERE hash = $1", hash).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrWithdrawalNotFound
	}
	return id, err
}

// AdvanceWithdrawal is the withdrawal side of the guarded state flip: status
// moves from NULL to the terminal `to` at most once; a second caller matches
// zero rows and gets (nil, false, nil).
func (s *Store) AdvanceWithdrawal(ctx context.Context, id int64, to domain.WithdrawalStatus,
	fn func(ctx context.Context, db DBTX, w *domain.Withdrawal) error) (*domain.Withdrawal, bool, error) {

	var advanced *domain.Withdrawal
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		w, err := scanWithdrawal(tx.QueryRow(ctx, `
			UPDATE withdrawals SET status = $1, updated_at = now()
			WHERE id = $2 AND status IS NULL
			RETURNING `+withdrawalColumns, to, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.attachWallet(ctx, tx, w); err != nil {
			return err
		}
		if fn != nil {
			if err := fn(ctx, tx, w); err != nil {
				return err
			}
		}
		advanced = w
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return advanced, advanced != nil, nil
}

// WithdrawalUpdate is the partial update a transition derives from the node
// payment view.
type WithdrawalUpdate struct {
	Status       *domain.WithdrawalStatus
	MsatsPaid    *int64
	MsatsFeePaid *int64
	Preimage     *string
}

func (s *Store) UpdateWithdrawal(ctx context.Context, db DBTX, id int64, upd *WithdrawalUpdate) error {
	sets := []string{"updated_at = now()"}
	args := []any{id}

	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if upd.Status != nil {
		add("status", *upd.Status)
	}
	if upd.MsatsPaid != nil {
		add("msats_paid", *upd.MsatsPaid)
	}
	if upd.MsatsFeePaid != nil {
		add("msats_fee_paid", *upd.MsatsFeePaid)
	}
	if upd.Preimage != nil {
		add("preimage", *upd.Preimage)
	}

	_, err := db.Exec(ctx,
		"UPDATE withdrawals SET "+strings.Join(sets, ", ")+" WHERE id = $1", args...)
	if err != nil {
		return fmt.Errorf("withdrawal update failed: %w", err)
	}
	return nil
}

// CreateWithdrawal inserts a pending withdrawal row and returns its id. The
// forwarding transition calls this outside its transaction so the row exists
// even if the state flip rolls back.
func (s *Store) CreateWithdrawal(ctx context.Context, w *domain.Withdrawal) (int64, error) {
	var id int64
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO withdrawals (hash, bolt11, user_id, wallet_id, msats_paying, msats_fee_paying, auto_withdraw)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		w.Hash, w.Bolt11, w.UserID, w.WalletID, w.MsatsPaying, w.MsatsFeePaying, w.AutoWithdraw,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("withdrawal insert failed: %w", err)
	}
	return id, nil
}

// PendingWithdrawals lists ids of withdrawals with no status yet, oldest
// first, for the reconciliation sweep.
func (s *Store) PendingWithdrawals(ctx context.Context) ([]int64, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id FROM withdrawals
		WHERE status IS NULL
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
