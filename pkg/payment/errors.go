package payment

import "errors"

var (
	// ErrInvalidSignature reports a delivery whose signature did not verify.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformedEvent reports a verified delivery whose body could not be decoded.
	ErrMalformedEvent = errors.New("malformed webhook event")
	// ErrDuplicateEvent reports a delivery of an event that was already credited.
	ErrDuplicateEvent = errors.New("duplicate webhook event")
	// ErrInvalidConfig reports a handler built without its dependencies.
	ErrInvalidConfig = errors.New("invalid payment handler configuration")
)
