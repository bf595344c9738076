// Package stripegateway verifies Stripe webhook deliveries and opens Stripe
// Checkout sessions for the payment package.
package stripegateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/MarkoPoloResearchLab/doodletales/pkg/payment"
)

// Gateway implements payment.Gateway with Stripe's signature scheme.
type Gateway struct {
	tolerance time.Duration
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithTolerance overrides how old a signed timestamp may be.
func WithTolerance(tolerance time.Duration) Option {
	return func(gateway *Gateway) {
		if tolerance > 0 {
			gateway.tolerance = tolerance
		}
	}
}

// New returns a Gateway using Stripe's default timestamp tolerance.
func New(options ...Option) *Gateway {
	gateway := &Gateway{tolerance: webhook.DefaultTolerance}
	for _, option := range options {
		if option != nil {
			option(gateway)
		}
	}
	return gateway
}

// VerifyAndParse checks signature against secret and decodes the event.
// Checkout session fields are filled only for checkout events.
func (gateway *Gateway) VerifyAndParse(payload []byte, signature string, secret string) (payment.Event, error) {
	stripeEvent, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		Tolerance:                gateway.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return payment.Event{}, fmt.Errorf("stripegateway: verify: %w", err)
	}
	event := payment.Event{
		ID:   stripeEvent.ID,
		Type: string(stripeEvent.Type),
	}
	if event.Type != payment.EventCheckoutCompleted || stripeEvent.Data == nil {
		return event, nil
	}
	var session stripe.CheckoutSession
	if err := json.Unmarshal(stripeEvent.Data.Raw, &session); err != nil {
		return event, fmt.Errorf("stripegateway: decode checkout session: %w: %v", payment.ErrMalformedEvent, err)
	}
	event.Metadata = session.Metadata
	event.ClientReferenceID = session.ClientReferenceID
	event.AmountTotalCents = session.AmountTotal
	return event, nil
}
