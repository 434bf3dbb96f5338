// Package action holds the paid-action capability set the invoice lifecycle
// dispatches into. Each action type implements {Perform, OnPaid, OnFail};
// the registry is a closed set built at compile time, so an invoice tagged
// with an unregistered type is a data error surfaced at dispatch, never a
// silent no-op.
package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/punchamoorthee/payops/internal/domain"
	"github.com/punchamoorthee/payops/internal/store"
)

var ErrUnknownAction = errors.New("unknown action type")

// Balances is what actions need from persistence.
type Balances interface {
	CreditUser(ctx context.Context, db store.DBTX, userID, msats int64) error
}

// Ctx carries the settlement context an action runs under. DB is the
// transaction of the in-flight transition, so action writes commit or roll
// back with the state flip.
type Ctx struct {
	DB       store.DBTX
	Invoice  *domain.Invoice
	CostMsat int64
}

// Action is the capability set of one paid action type.
type Action interface {
	// Perform applies the action's side effect before funds are
	// irrevocably captured. Its result is persisted on the invoice.
	Perform(ctx context.Context, args json.RawMessage, actx *Ctx) (json.RawMessage, error)
	// OnPaid runs when the invoice settles.
	OnPaid(ctx context.Context, actx *Ctx) error
	// OnFail runs compensating logic when the invoice fails.
	OnFail(ctx context.Context, actx *Ctx) error
}

// Registry maps action types to implementations.
type Registry struct {
	actions map[domain.ActionType]Action
}

// NewRegistry builds the full action set. rewardsUserID receives donations.
func NewRegistry(balances Balances, rewardsUserID int64) *Registry {
	return &Registry{actions: map[domain.ActionType]Action{
		domain.ActionDonate:     &Donate{Balances: balances, RewardsUserID: rewardsUserID},
		domain.ActionBuyCredits: &BuyCredits{Balances: balances},
		domain.ActionReceive:    &Receive{Balances: balances},
	}}
}

// NewRegistryWith builds a registry from an explicit action set, for tests.
func NewRegistryWith(actions map[domain.ActionType]Action) *Registry {
	return &Registry{actions: actions}
}

// For returns the action registered for t.
func (r *Registry) For(t domain.ActionType) (Action, error) {
	act, ok := r.actions[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, t)
	}
	return act, nil
}
