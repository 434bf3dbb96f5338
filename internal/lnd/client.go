// Package lnd speaks to the payment node over gRPC: lookups, settlement of
// held invoices, payment dispatch and the event subscriptions the engine
// consumes.
package lnd

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// PathfindingTimeout bounds how long a payment dispatch may search for a
// route. Forward failure detection keys off twice this value.
const PathfindingTimeout = 30 * time.Second

type Config struct {
	Socket       string
	TLSCertPath  string
	MacaroonPath string
}

type Client struct {
	lightning lnrpc.LightningClient
	invoices  invoicesrpc.InvoicesClient
	router    routerrpc.RouterClient
	macaroon  string
	log       *logrus.Logger
}

func NewClient(cfg *Config, log *logrus.Logger) (*Client, error) {
	certBytes, err := os.ReadFile(cfg.TLSCertPath)
	if err != nil {
		return nil, fmt.Errorf("could not read TLS cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certBytes) {
		return nil, fmt.Errorf("could not parse TLS cert %s", cfg.TLSCertPath)
	}
	creds := credentials.NewClientTLSFromCert(pool, "")

	macBytes, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("could not read macaroon: %w", err)
	}

	conn, err := grpc.NewClient(cfg.Socket, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("could not connect to lightning node: %w", err)
	}

	return &Client{
		lightning: lnrpc.NewLightningClient(conn),
		invoices:  invoicesrpc.NewInvoicesClient(conn),
		router:    routerrpc.NewRouterClient(conn),
		macaroon:  hex.EncodeToString(macBytes),
		log:       log,
	}, nil
}

// ctx attaches the macaroon to the outgoing call metadata.
func (c *Client) ctx(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "macaroon", c.macaroon)
}

func invoiceView(inv *lnrpc.Invoice) *InvoiceView {
	v := &InvoiceView{
		Hash:           hex.EncodeToString(inv.RHash),
		Confirmed:      inv.State == lnrpc.Invoice_SETTLED,
		Held:           inv.State == lnrpc.Invoice_ACCEPTED,
		Canceled:       inv.State == lnrpc.Invoice_CANCELED,
		ReceivedMsat:   inv.AmtPaidMsat,
		ConfirmedIndex: inv.SettleIndex,
	}
	if v.Confirmed {
		v.SecretHex = hex.EncodeToString(inv.RPreimage)
		v.ConfirmedAt = time.Unix(inv.SettleDate, 0)
	}
	// cltv budget of the accepted htlcs: earliest expiry, latest accept
	for _, htlc := range inv.Htlcs {
		if v.ExpiryHeight == 0 || htlc.ExpiryHeight < v.ExpiryHeight {
			v.ExpiryHeight = htlc.ExpiryHeight
		}
		if int32(htlc.AcceptHeight) > v.AcceptHeight {
			v.AcceptHeight = int32(htlc.AcceptHeight)
		}
	}
	return v
}

func paymentView(p *lnrpc.Payment) *PaymentView {
	v := &PaymentView{
		Hash:      p.PaymentHash,
		Confirmed: p.Status == lnrpc.Payment_SUCCEEDED,
		Failed:    p.Status == lnrpc.Payment_FAILED,
		Msat:      p.ValueMsat,
		FeeMsat:   p.FeeMsat,
	}
	if v.Confirmed {
		v.PreimageHex = p.PaymentPreimage
	}
	if v.Failed {
		v.FailureReason = p.FailureReason.String()
	}
	return v
}

// GetInvoice looks up an invoice by payment hash.
func (c *Client) GetInvoice(ctx context.Context, hashHex string) (*InvoiceView, error) {
	hash, err := hex.DecodeString(hashHex)
	if err != nil {
		return nil, fmt.Errorf("invalid invoice hash %q: %w", hashHex, err)
	}
	inv, err := c.invoices.LookupInvoiceV2(c.ctx(ctx), &invoicesrpc.LookupInvoiceMsg{
		InvoiceRef: &invoicesrpc.LookupInvoiceMsg_PaymentHash{PaymentHash: hash},
	})
	if err != nil {
		return nil, fmt.Errorf("invoice lookup failed: %w", err)
	}
	return invoiceView(inv), nil
}

// GetPayment looks up the current state of an outgoing payment by hash.
func (c *Client) GetPayment(ctx context.Context, hashHex string) (*PaymentView, error) {
	hash, err := hex.DecodeString(hashHex)
	if err != nil {
		return nil, fmt.Errorf("invalid payment hash %q: %w", hashHex, err)
	}

	// TrackPaymentV2 reports the current state as its first update
	trackCtx, cancel := context.WithCancel(c.ctx(ctx))
	defer cancel()
	stream, err := c.router.TrackPaymentV2(trackCtx, &routerrpc.TrackPaymentRequest{
		PaymentHash: hash,
	})
	if err != nil {
		return nil, fmt.Errorf("payment lookup failed: %w", err)
	}
	p, err := stream.Recv()
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("payment lookup failed: %w", err)
	}
	return paymentView(p), nil
}

// SettleHeldInvoice releases a held invoice using its settlement secret.
func (c *Client) SettleHeldInvoice(ctx context.Context, preimageHex string) error {
	preimage, err := hex.DecodeString(preimageHex)
	if err != nil {
		return fmt.Errorf("invalid preimage: %w", err)
	}
	_, err = c.invoices.SettleInvoice(c.ctx(ctx), &invoicesrpc.SettleInvoiceMsg{Preimage: preimage})
	if err != nil {
		return fmt.Errorf("settle failed: %w", err)
	}
	return nil
}

// CancelHeldInvoice cancels a held (or open) invoice by payment hash.
func (c *Client) CancelHeldInvoice(ctx context.Context, hashHex string) error {
	hash, err := hex.DecodeString(hashHex)
	if err != nil {
		return fmt.Errorf("invalid invoice hash %q: %w", hashHex, err)
	}
	_, err = c.invoices.CancelInvoice(c.ctx(ctx), &invoicesrpc.CancelInvoiceMsg{PaymentHash: hash})
	if err != nil {
		return fmt.Errorf("cancel failed: %w", err)
	}
	return nil
}

// DecodePayReq decodes a payment request.
func (c *Client) DecodePayReq(ctx context.Context, bolt11 string) (*PayReqView, error) {
	req, err := c.lightning.DecodePayReq(c.ctx(ctx), &lnrpc.PayReqString{PayReq: bolt11})
	if err != nil {
		return nil, fmt.Errorf("payment request decode failed: %w", err)
	}
	return &PayReqView{
		HashHex:   req.PaymentHash,
		Msat:      req.NumMsat,
		CltvDelta: int32(req.CltvExpiry),
	}, nil
}

// BlockHeight returns the node's current chain height.
func (c *Client) BlockHeight(ctx context.Context) (int32, error) {
	info, err := c.lightning.GetInfo(c.ctx(ctx), &lnrpc.GetInfoRequest{})
	if err != nil {
		return 0, fmt.Errorf("node info failed: %w", err)
	}
	return int32(info.BlockHeight), nil
}

// PayRequest dispatches an outgoing payment and returns without waiting for
// the outcome; the payment subscription observes it. cltvLimit caps the
// route's total timelock delta so the outgoing htlc expires before the held
// incoming one. Stream errors are only logged, matching the fire-and-forget
// dispatch of a forward.
func (c *Client) PayRequest(ctx context.Context, bolt11 string, maxFeeMsat int64, cltvLimit int32) error {
	stream, err := c.router.SendPaymentV2(c.ctx(context.WithoutCancel(ctx)), &routerrpc.SendPaymentRequest{
		PaymentRequest:    bolt11,
		FeeLimitMsat:      maxFeeMsat,
		TimeoutSeconds:    int32(PathfindingTimeout / time.Second),
		CltvLimit:         cltvLimit,
		NoInflightUpdates: true,
	})
	if err != nil {
		return fmt.Errorf("payment dispatch failed: %w", err)
	}
	go func() {
		if _, err := stream.Recv(); err != nil {
			c.log.WithError(err).Warn("payment dispatch stream ended")
		}
	}()
	return nil
}
