package pipeline

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ChargeMode selects whether submissions are paid for.
type ChargeMode string

const (
	ChargeNone  ChargeMode = "none"
	ChargeDebit ChargeMode = "debit"
)

// ParseChargeMode validates a configured charge mode. Empty means ChargeNone.
func ParseChargeMode(raw string) (ChargeMode, error) {
	switch ChargeMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ChargeNone:
		return ChargeNone, nil
	case ChargeDebit:
		return ChargeDebit, nil
	default:
		return "", fmt.Errorf("%w: unknown charge mode %q", ErrInvalidConfig, raw)
	}
}

// ChargePolicy decides what a submission costs.
type ChargePolicy struct {
	Mode      ChargeMode
	CostCents int64
}

// RetryPolicy bounds every collaborator call.
type RetryPolicy struct {
	MaxAttempts     uint
	AttemptTimeout  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used when no policy is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		AttemptTimeout:  90 * time.Second,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// defaultStageLease covers the longest stage: fetching the original, caption,
// render and storing the result, each with its full retry budget.
func defaultStageLease(policy RetryPolicy) time.Duration {
	const enhanceCalls = 4
	perCall := time.Duration(policy.MaxAttempts) * (policy.AttemptTimeout + policy.MaxInterval)
	return enhanceCalls * perCall
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(orchestrator *Orchestrator) {
		if logger != nil {
			orchestrator.logger = logger
		}
	}
}

// WithLedger sets the ledger charged by ChargeDebit.
func WithLedger(ledger Ledger) Option {
	return func(orchestrator *Orchestrator) {
		orchestrator.ledger = ledger
	}
}

// WithChargePolicy sets the submission charge policy.
func WithChargePolicy(policy ChargePolicy) Option {
	return func(orchestrator *Orchestrator) {
		orchestrator.charge = policy
	}
}

// WithRetryPolicy overrides the collaborator retry policy. Zero fields keep their defaults.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(orchestrator *Orchestrator) {
		defaults := DefaultRetryPolicy()
		if policy.MaxAttempts == 0 {
			policy.MaxAttempts = defaults.MaxAttempts
		}
		if policy.AttemptTimeout <= 0 {
			policy.AttemptTimeout = defaults.AttemptTimeout
		}
		if policy.InitialInterval <= 0 {
			policy.InitialInterval = defaults.InitialInterval
		}
		if policy.MaxInterval <= 0 {
			policy.MaxInterval = defaults.MaxInterval
		}
		orchestrator.retry = policy
	}
}

// WithStageLease sets how long a pending stage stays with the caller that
// claimed it before another caller may take it over.
func WithStageLease(lease time.Duration) Option {
	return func(orchestrator *Orchestrator) {
		if lease > 0 {
			orchestrator.lease = lease
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(orchestrator *Orchestrator) {
		if now != nil {
			orchestrator.now = now
		}
	}
}

// WithIDGenerator overrides how creation ids and enhanced object names are generated.
func WithIDGenerator(newID func() string) Option {
	return func(orchestrator *Orchestrator) {
		if newID != nil {
			orchestrator.newID = newID
		}
	}
}
