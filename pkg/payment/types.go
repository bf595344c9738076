// Package payment turns verified payment-provider webhooks into ledger credits.
package payment

import (
	"context"

	"github.com/MarkoPoloResearchLab/doodletales/pkg/ledger"
)

// EventCheckoutCompleted is the only event type that moves money.
const EventCheckoutCompleted = "checkout.session.completed"

// Metadata keys the checkout session carries for the credited owner and amount.
const (
	MetadataOwnerID     = "owner_id"
	MetadataAmountCents = "amount_cents"
)

// Event is a verified webhook event reduced to the fields the handler reads.
type Event struct {
	ID                string
	Type              string
	Metadata          map[string]string
	ClientReferenceID string
	AmountTotalCents  int64
}

// Gateway verifies a webhook signature and decodes the event. A delivery that
// verifies but cannot be decoded returns the event's ID and Type with an error
// wrapping ErrMalformedEvent.
type Gateway interface {
	VerifyAndParse(payload []byte, signature string, secret string) (Event, error)
}

// Crediter is the part of the ledger that webhook deliveries credit.
type Crediter interface {
	Credit(ctx context.Context, ownerID ledger.OwnerID, amount ledger.PositiveAmountCents, idempotencyKey ledger.IdempotencyKey, metadata ledger.MetadataJSON) (ledger.AmountCents, error)
}

// Outcome summarizes what a delivery did.
type Outcome string

const (
	OutcomeCredited  Outcome = "credited"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeUnusable  Outcome = "unusable_metadata"
)

// Result describes a processed delivery.
type Result struct {
	EventID      string
	EventType    string
	Outcome      Outcome
	OwnerID      string
	AmountCents  int64
	BalanceCents int64
}
