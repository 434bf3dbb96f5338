package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/payops/internal/domain"
)

// GetUser retrieves a single user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	var u domain.User
	err := s.Pool.QueryRow(ctx,
		"SELECT id, name, msats, created_at FROM users WHERE id = $1", id,
	).Scan(&u.ID, &u.Name, &u.Msats, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreditUser increments a user's msat balance through db, so the credit is
// atomic with the state flip driving it.
func (s *Store) CreditUser(ctx context.Context, db DBTX, userID, msats int64) error {
	tag, err := db.Exec(ctx,
		"UPDATE users SET msats = msats + $1 WHERE id = $2", msats, userID)
	if err != nil {
		return fmt.Errorf("balance credit failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// InsertWalletLog persists one structured log line for a wallet.
func (s *Store) InsertWalletLog(ctx context.Context, walletID int64, level, message string, logCtx map[string]string) error {
	var payload []byte
	if len(logCtx) > 0 {
		var err error
		if payload, err = json.Marshal(logCtx); err != nil {
			return err
		}
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO wallet_logs (wallet_id, level, message, context)
		VALUES ($1, $2, $3, $4)`, walletID, level, message, payload)
	return err
}
