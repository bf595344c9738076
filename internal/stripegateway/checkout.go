package stripegateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v82"

	"github.com/MarkoPoloResearchLab/doodletales/pkg/payment"
)

const (
	defaultCurrency    = "usd"
	topUpProductName   = "Wallet top-up"
	sessionIDParameter = "session_id={CHECKOUT_SESSION_ID}"
)

// CheckoutConfig describes the hosted checkout pages.
type CheckoutConfig struct {
	SecretKey  string
	SuccessURL string
	CancelURL  string
	Currency   string
}

// CheckoutCreator implements payment.CheckoutCreator with Stripe Checkout.
type CheckoutCreator struct {
	client   *stripe.Client
	config   CheckoutConfig
	backends *stripe.Backends
}

// CheckoutOption customizes a CheckoutCreator.
type CheckoutOption func(*CheckoutCreator)

// WithBackends routes API calls through backends instead of api.stripe.com.
func WithBackends(backends *stripe.Backends) CheckoutOption {
	return func(creator *CheckoutCreator) {
		if backends != nil {
			creator.backends = backends
		}
	}
}

// NewCheckoutCreator validates config and builds a Stripe client.
func NewCheckoutCreator(config CheckoutConfig, options ...CheckoutOption) (*CheckoutCreator, error) {
	config.SecretKey = strings.TrimSpace(config.SecretKey)
	config.SuccessURL = strings.TrimSpace(config.SuccessURL)
	config.CancelURL = strings.TrimSpace(config.CancelURL)
	config.Currency = strings.ToLower(strings.TrimSpace(config.Currency))
	if config.Currency == "" {
		config.Currency = defaultCurrency
	}
	if config.SecretKey == "" {
		return nil, errors.New("stripegateway: secret key is required")
	}
	if config.SuccessURL == "" || config.CancelURL == "" {
		return nil, errors.New("stripegateway: success and cancel urls are required")
	}
	creator := &CheckoutCreator{config: config}
	for _, option := range options {
		if option != nil {
			option(creator)
		}
	}
	creator.client = stripe.NewClient(config.SecretKey, stripe.WithBackends(creator.backends))
	return creator, nil
}

// CreateCheckoutSession opens a one-off payment for the requested amount. The
// owner rides along as the client reference and in metadata so the completion
// webhook can credit it.
func (creator *CheckoutCreator) CreateCheckoutSession(ctx context.Context, request payment.CheckoutRequest) (payment.CheckoutSession, error) {
	params := &stripe.CheckoutSessionCreateParams{
		Mode:              stripe.String(stripe.CheckoutSessionModePayment),
		SuccessURL:        stripe.String(withSessionID(creator.config.SuccessURL)),
		CancelURL:         stripe.String(creator.config.CancelURL),
		ClientReferenceID: stripe.String(request.OwnerID.String()),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
					Currency: stripe.String(creator.config.Currency),
					ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
						Name: stripe.String(topUpProductName),
					},
					UnitAmount: stripe.Int64(request.AmountCents.Int64()),
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.AddMetadata(payment.MetadataOwnerID, request.OwnerID.String())
	params.AddMetadata(payment.MetadataAmountCents, strconv.FormatInt(request.AmountCents.Int64(), 10))

	session, err := creator.client.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return payment.CheckoutSession{}, fmt.Errorf("stripegateway: create checkout session: %w", err)
	}
	return payment.CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// withSessionID appends Stripe's session placeholder to the success URL.
func withSessionID(successURL string) string {
	if strings.Contains(successURL, "?") {
		return successURL + "&" + sessionIDParameter
	}
	return successURL + "?" + sessionIDParameter
}
