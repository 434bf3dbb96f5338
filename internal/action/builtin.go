package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Donate moves the paid amount into the rewards pool. Pessimistic: the
// credit happens under the hold, so a failed credit cancels the payment.
type Donate struct {
	Balances      Balances
	RewardsUserID int64
}

type donateResult struct {
	Msats int64 `json:"msats"`
}

func (a *Donate) Perform(ctx context.Context, args json.RawMessage, actx *Ctx) (json.RawMessage, error) {
	if actx.CostMsat <= 0 {
		return nil, errors.New("donation must be positive")
	}
	if err := a.Balances.CreditUser(ctx, actx.DB, a.RewardsUserID, actx.CostMsat); err != nil {
		return nil, fmt.Errorf("donation credit failed: %w", err)
	}
	return json.Marshal(donateResult{Msats: actx.CostMsat})
}

func (a *Donate) OnPaid(ctx context.Context, actx *Ctx) error { return nil }
func (a *Donate) OnFail(ctx context.Context, actx *Ctx) error {
	// funds were never captured, nothing to refund
	return nil
}

// BuyCredits converts a settled payment into site credits on the payer's
// balance. Pessimistic.
type BuyCredits struct {
	Balances Balances
}

type buyCreditsResult struct {
	CreditsMsats int64 `json:"creditsMsats"`
}

func (a *BuyCredits) Perform(ctx context.Context, args json.RawMessage, actx *Ctx) (json.RawMessage, error) {
	if actx.CostMsat <= 0 {
		return nil, errors.New("credit purchase must be positive")
	}
	if err := a.Balances.CreditUser(ctx, actx.DB, actx.Invoice.UserID, actx.CostMsat); err != nil {
		return nil, fmt.Errorf("credit purchase failed: %w", err)
	}
	return json.Marshal(buyCreditsResult{CreditsMsats: actx.CostMsat})
}

func (a *BuyCredits) OnPaid(ctx context.Context, actx *Ctx) error { return nil }
func (a *BuyCredits) OnFail(ctx context.Context, actx *Ctx) error { return nil }

// Receive credits the invoice owner once the payment settles. Optimistic:
// there is no side effect to guard, so nothing runs under the hold.
type Receive struct {
	Balances Balances
}

func (a *Receive) Perform(ctx context.Context, args json.RawMessage, actx *Ctx) (json.RawMessage, error) {
	return nil, nil
}

func (a *Receive) OnPaid(ctx context.Context, actx *Ctx) error {
	return a.Balances.CreditUser(ctx, actx.DB, actx.Invoice.UserID, actx.CostMsat)
}

func (a *Receive) OnFail(ctx context.Context, actx *Ctx) error { return nil }
