package payment

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/doodletales/pkg/ledger"
)

// MaxCheckoutAmountCents is the largest single top-up the payment provider accepts.
const MaxCheckoutAmountCents int64 = 99_999_999

// CheckoutRequest asks the provider for a hosted page that tops up OwnerID.
type CheckoutRequest struct {
	OwnerID     ledger.OwnerID
	AmountCents ledger.PositiveAmountCents
}

// NewCheckoutRequest validates a top-up for ownerID.
func NewCheckoutRequest(ownerID string, amountCents int64) (CheckoutRequest, error) {
	owner, err := ledger.NewOwnerID(ownerID)
	if err != nil {
		return CheckoutRequest{}, err
	}
	amount, err := ledger.NewPositiveAmountCents(amountCents)
	if err != nil {
		return CheckoutRequest{}, err
	}
	if amountCents > MaxCheckoutAmountCents {
		return CheckoutRequest{}, fmt.Errorf("%w: top-up exceeds %d cents", ledger.ErrInvalidAmountCents, MaxCheckoutAmountCents)
	}
	return CheckoutRequest{OwnerID: owner, AmountCents: amount}, nil
}

// CheckoutSession is the hosted payment page the owner is sent to.
type CheckoutSession struct {
	ID  string
	URL string
}

// CheckoutCreator opens checkout sessions whose completion webhook carries the
// owner and amount in MetadataOwnerID and MetadataAmountCents.
type CheckoutCreator interface {
	CreateCheckoutSession(ctx context.Context, request CheckoutRequest) (CheckoutSession, error)
}
