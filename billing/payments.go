// Package billing integrates the Stripe subscription lifecycle: hosted
// checkout and portal sessions, webhook verification and hand-off, and the
// mirror that keeps the local subscriptions table in sync.
package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"thrilha/config"
	"thrilha/domain"
)

var (
	ErrNotConfigured = errors.New("billing is not configured")
	ErrNoCustomer    = errors.New("no billing account for user")
)

// Payments creates hosted Stripe sessions and verifies webhooks.
type Payments struct {
	api *client.API
	cfg config.Stripe
}

func NewPayments(cfg config.Stripe) *Payments {
	p := &Payments{cfg: cfg}
	if cfg.SecretKey != "" {
		p.api = client.New(cfg.SecretKey, nil)
	}
	return p
}

func newPaymentsWithBackends(cfg config.Stripe, backends *stripe.Backends) *Payments {
	return &Payments{cfg: cfg, api: client.New(cfg.SecretKey, backends)}
}

// Checkout starts a subscription checkout for the pro price and returns the
// hosted page URL. An existing customer is reused so the processor keeps one
// customer per user.
func (p *Payments) Checkout(ctx context.Context, userID, email string, current *domain.Subscription) (string, error) {
	if p.api == nil || p.cfg.ProPriceID == "" {
		return "", ErrNotConfigured
	}
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(p.cfg.ProPriceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL:        stripe.String(p.cfg.SuccessURL),
		CancelURL:         stripe.String(p.cfg.CancelURL),
		ClientReferenceID: stripe.String(userID),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"user_id": userID},
		},
	}
	params.Context = ctx
	params.AddMetadata("user_id", userID)
	switch {
	case current != nil && current.CustomerID != "":
		params.Customer = stripe.String(current.CustomerID)
	case email != "":
		params.CustomerEmail = stripe.String(email)
	}
	s, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return s.URL, nil
}

// Portal returns a billing portal URL for an existing customer.
func (p *Payments) Portal(ctx context.Context, customerID string) (string, error) {
	if p.api == nil {
		return "", ErrNotConfigured
	}
	if customerID == "" {
		return "", ErrNoCustomer
	}
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(p.cfg.PortalReturnURL),
	}
	params.Context = ctx
	s, err := p.api.BillingPortalSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return s.URL, nil
}

// VerifyWebhook checks the Stripe-Signature header and decodes the event.
func (p *Payments) VerifyWebhook(payload []byte, sigHeader string) (stripe.Event, error) {
	if p.cfg.WebhookSecret == "" {
		return stripe.Event{}, ErrNotConfigured
	}
	return webhook.ConstructEventWithOptions(payload, sigHeader, p.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}
