package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/payops/internal/domain"
	"github.com/punchamoorthee/payops/internal/lnd"
)

// flakyStreamNode drops the per-invoice stream a number of times before
// delivering views, the way a restarting node or a transient grpc error does.
type flakyStreamNode struct {
	*fakeNode
	streamMu sync.Mutex
	failures int
	calls    int
}

func (n *flakyStreamNode) SubscribeInvoice(ctx context.Context, hashHex string) (<-chan *lnd.InvoiceView, <-chan error) {
	n.streamMu.Lock()
	defer n.streamMu.Unlock()
	n.calls++

	views := make(chan *lnd.InvoiceView, 2)
	errs := make(chan error, 1)
	if n.calls <= n.failures {
		errs <- errors.New("stream terminated")
		return views, errs
	}

	n.fakeNode.mu.Lock()
	if v, ok := n.fakeNode.invoiceViews[hashHex]; ok {
		held := *v
		views <- &held
		views <- &lnd.InvoiceView{
			Hash: hashHex, Confirmed: true,
			ReceivedMsat: v.ReceivedMsat, ConfirmedAt: time.Now(),
		}
	}
	n.fakeNode.mu.Unlock()
	return views, errs
}

func (n *flakyStreamNode) subscribeCalls() int {
	n.streamMu.Lock()
	defer n.streamMu.Unlock()
	return n.calls
}

func TestFollowInvoiceResubscribesAfterStreamDrop(t *testing.T) {
	env := newTestEnv(t)
	node := &flakyStreamNode{fakeNode: env.node, failures: 2}
	env.eng.node = node

	env.addInvoice(&domain.Invoice{
		ID: 1, Hash: "h1", Preimage: "secret1", UserID: 2, MsatsRequested: 5000,
		ActionState: domain.InvoicePendingHeld,
		ActionType:  domain.ActionBuyCredits,
		ExpiresAt:   time.Now().Add(time.Hour),
	})
	env.node.invoiceViews["h1"] = &lnd.InvoiceView{Hash: "h1", Held: true, ReceivedMsat: 5000}
	env.node.settleFlipsToConfirmed = true

	done := make(chan struct{})
	go func() {
		env.eng.followInvoice(context.Background(), "h1")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("follow did not resolve the invoice")
	}

	// two dropped streams, then the one that delivered
	assert.Equal(t, 3, node.subscribeCalls())

	inv, err := env.store.GetInvoice(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePaid, inv.ActionState)
	assert.Equal(t, []string{"secret1"}, env.node.settled)
	assert.Equal(t, int64(5000), env.store.balanceOf(2))
}

func TestFollowInvoiceStopsForForeignHash(t *testing.T) {
	env := newTestEnv(t)
	node := &flakyStreamNode{fakeNode: env.node, failures: 100}
	env.eng.node = node

	done := make(chan struct{})
	go func() {
		env.eng.followInvoice(context.Background(), "not-ours")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("follow kept resubscribing to an invoice that is not ours")
	}

	assert.Equal(t, 1, node.subscribeCalls())
}

func TestFollowInvoiceStopsOnceInvoiceIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	node := &flakyStreamNode{fakeNode: env.node, failures: 100}
	env.eng.node = node

	paidAt := time.Now()
	env.addInvoice(&domain.Invoice{
		ID: 1, Hash: "h1", UserID: 2,
		ActionState: domain.InvoicePaid,
		ActionType:  domain.ActionReceive,
		ConfirmedAt: &paidAt,
	})

	done := make(chan struct{})
	go func() {
		env.eng.followInvoice(context.Background(), "h1")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("follow kept resubscribing to a settled invoice")
	}

	assert.Equal(t, 1, node.subscribeCalls())
}
