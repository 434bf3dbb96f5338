package lnd

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
)

// SubscribeInvoices streams invoice creation and settlement events, resuming
// after the given settle index. The channel closes when the stream errors or
// ctx is cancelled; the returned error channel then carries the cause.
func (c *Client) SubscribeInvoices(ctx context.Context, settleIndex uint64) (<-chan *InvoiceView, <-chan error) {
	out := make(chan *InvoiceView)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		stream, err := c.lightning.SubscribeInvoices(c.ctx(ctx), &lnrpc.InvoiceSubscription{
			SettleIndex: settleIndex,
		})
		if err != nil {
			errc <- fmt.Errorf("invoice subscription failed: %w", err)
			return
		}
		for {
			inv, err := stream.Recv()
			if err != nil {
				errc <- fmt.Errorf("invoice stream failed: %w", err)
				return
			}
			select {
			case out <- invoiceView(inv):
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	return out, errc
}

// SubscribeInvoice streams state changes of a single invoice, including the
// held and canceled transitions the bulk stream does not deliver.
func (c *Client) SubscribeInvoice(ctx context.Context, hashHex string) (<-chan *InvoiceView, <-chan error) {
	out := make(chan *InvoiceView)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		hash, err := hex.DecodeString(hashHex)
		if err != nil {
			errc <- fmt.Errorf("invalid invoice hash %q: %w", hashHex, err)
			return
		}
		stream, err := c.invoices.SubscribeSingleInvoice(c.ctx(ctx), &invoicesrpc.SubscribeSingleInvoiceRequest{
			RHash: hash,
		})
		if err != nil {
			errc <- fmt.Errorf("single invoice subscription failed: %w", err)
			return
		}
		for {
			inv, err := stream.Recv()
			if err != nil {
				errc <- fmt.Errorf("single invoice stream failed: %w", err)
				return
			}
			select {
			case out <- invoiceView(inv):
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	return out, errc
}

// SubscribePayments streams terminal outcomes of outgoing payments.
func (c *Client) SubscribePayments(ctx context.Context) (<-chan *PaymentView, <-chan error) {
	out := make(chan *PaymentView)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		stream, err := c.router.TrackPayments(c.ctx(ctx), &routerrpc.TrackPaymentsRequest{
			NoInflightUpdates: true,
		})
		if err != nil {
			errc <- fmt.Errorf("payment subscription failed: %w", err)
			return
		}
		for {
			p, err := stream.Recv()
			if err != nil {
				errc <- fmt.Errorf("payment stream failed: %w", err)
				return
			}
			select {
			case out <- paymentView(p):
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	return out, errc
}
