package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/doodletales/pkg/ledger"
)

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the handler's logger.
func WithLogger(logger *zap.Logger) HandlerOption {
	return func(handler *Handler) {
		if logger != nil {
			handler.logger = logger
		}
	}
}

// Handler credits balances from verified checkout completions.
type Handler struct {
	gateway  Gateway
	crediter Crediter
	secret   string
	logger   *zap.Logger
}

// NewHandler wires a Handler. secret is the webhook signing secret.
func NewHandler(gateway Gateway, crediter Crediter, secret string, options ...HandlerOption) (*Handler, error) {
	if gateway == nil {
		return nil, fmt.Errorf("%w: gateway is nil", ErrInvalidConfig)
	}
	if crediter == nil {
		return nil, fmt.Errorf("%w: ledger is nil", ErrInvalidConfig)
	}
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("%w: webhook secret is empty", ErrInvalidConfig)
	}
	handler := &Handler{gateway: gateway, crediter: crediter, secret: secret, logger: zap.NewNop()}
	for _, option := range options {
		if option != nil {
			option(handler)
		}
	}
	return handler, nil
}

// Process verifies and applies one webhook delivery. A delivery that fails
// verification returns ErrInvalidSignature and changes nothing. A signed
// delivery whose body cannot be decoded is acknowledged as OutcomeUnusable. A
// repeated delivery of a credited event returns ErrDuplicateEvent and changes nothing.
func (handler *Handler) Process(ctx context.Context, payload []byte, signature string) (Result, error) {
	event, err := handler.gateway.VerifyAndParse(payload, signature, handler.secret)
	if errors.Is(err, ErrMalformedEvent) {
		handler.logger.Error("signed webhook could not be decoded",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
			zap.Error(err))
		return Result{EventID: event.ID, EventType: event.Type, Outcome: OutcomeUnusable}, nil
	}
	if err != nil {
		handler.logger.Warn("webhook signature rejected", zap.Error(err))
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	result := Result{EventID: event.ID, EventType: event.Type}
	logger := handler.logger.With(zap.String("event_id", event.ID), zap.String("event_type", event.Type))

	if event.Type != EventCheckoutCompleted {
		logger.Info("webhook event ignored")
		result.Outcome = OutcomeIgnored
		return result, nil
	}

	ownerID, amount, err := creditTarget(event)
	if err != nil {
		logger.Error("checkout completed without usable metadata", zap.Error(err))
		result.Outcome = OutcomeUnusable
		return result, nil
	}
	result.OwnerID = ownerID.String()
	result.AmountCents = amount.Int64()

	key, err := ledger.NewIdempotencyKey("payment:" + event.ID)
	if err != nil {
		logger.Error("checkout completed without event id", zap.Error(err))
		result.Outcome = OutcomeUnusable
		return result, nil
	}
	metadata := ledger.MetadataFromMap(map[string]string{"event_id": event.ID, "source": "webhook"})
	balance, err := handler.crediter.Credit(ctx, ownerID, amount, key, metadata)
	if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		logger.Info("webhook event already credited")
		result.Outcome = OutcomeDuplicate
		return result, fmt.Errorf("%w: %s", ErrDuplicateEvent, event.ID)
	}
	if err != nil {
		return result, fmt.Errorf("credit %s for event %s: %w", ownerID, event.ID, err)
	}
	result.Outcome = OutcomeCredited
	result.BalanceCents = balance.Int64()
	logger.Info("balance credited",
		zap.String("owner_id", result.OwnerID),
		zap.Int64("amount_cents", result.AmountCents),
		zap.Int64("balance_cents", result.BalanceCents))
	return result, nil
}

// creditTarget reads the owner and amount from the event metadata, falling back
// to the session's client reference and total.
func creditTarget(event Event) (ledger.OwnerID, ledger.PositiveAmountCents, error) {
	rawOwner := strings.TrimSpace(event.Metadata[MetadataOwnerID])
	if rawOwner == "" {
		rawOwner = event.ClientReferenceID
	}
	ownerID, err := ledger.NewOwnerID(rawOwner)
	if err != nil {
		return ledger.OwnerID{}, 0, err
	}
	rawAmount := event.AmountTotalCents
	if metadataAmount := strings.TrimSpace(event.Metadata[MetadataAmountCents]); metadataAmount != "" {
		parsed, err := strconv.ParseInt(metadataAmount, 10, 64)
		if err != nil {
			return ledger.OwnerID{}, 0, fmt.Errorf("%w: %q", ledger.ErrInvalidAmountCents, metadataAmount)
		}
		rawAmount = parsed
	}
	amount, err := ledger.NewPositiveAmountCents(rawAmount)
	if err != nil {
		return ledger.OwnerID{}, 0, err
	}
	return ownerID, amount, nil
}
