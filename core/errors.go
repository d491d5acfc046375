// Package core provides the domain-agnostic event ledger, idempotency
// store, retry engine, and pub/sub event bus that the lease package
// specializes for lease and payment orchestration.
package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that don't need structured detail.
var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrImmutableLedger  = errors.New("ledger entries are immutable")
	ErrPaymentExhausted = errors.New("payment retries exhausted")
)

// ValidationError reports a request that failed input validation.
// Surfaced to the caller as-is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

// NotFoundError reports that a referenced entity does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidTransitionError reports a forbidden state machine transition.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s: %s -> %s", e.Entity, e.From, e.To)
}

// ConflictError reports a concurrent-writer collision or an idempotency
// key reused with a different payload while the original is in flight.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return fmt.Sprintf("conflict: %s", e.Reason) }

func (e *ConflictError) Unwrap() error { return ErrConflict }

// ImmutableLedgerError is returned by every Ledger.Update/Delete call,
// regardless of argument. It is a programming-error signal, not a
// recoverable condition: callers should treat it as a 500-class failure.
type ImmutableLedgerError struct {
	Operation string
}

func (e *ImmutableLedgerError) Error() string {
	return fmt.Sprintf("ledger is append-only: %s is not permitted", e.Operation)
}

func (e *ImmutableLedgerError) Unwrap() error { return ErrImmutableLedger }

// GatewayError reports a transient failure talking to the payment
// gateway (including a timeout). It is retryable until the attempt
// count is exhausted, at which point the caller should treat it as a
// PaymentExhaustedError.
type GatewayError struct {
	Reason string
}

func (e *GatewayError) Error() string { return fmt.Sprintf("gateway error: %s", e.Reason) }

// PaymentExhaustedError reports that a payment ran out of retry
// attempts. It feeds the lifecycle coordinator's default-check path.
type PaymentExhaustedError struct {
	PaymentID string
	Attempts  int
}

func (e *PaymentExhaustedError) Error() string {
	return fmt.Sprintf("payment %s exhausted after %d attempts", e.PaymentID, e.Attempts)
}

func (e *PaymentExhaustedError) Unwrap() error { return ErrPaymentExhausted }

// BusError reports a post-commit publish failure. Callers log it; it is
// never surfaced to the operation's caller, since the ledger write it
// followed has already committed.
type BusError struct {
	Topic string
	Err   error
}

func (e *BusError) Error() string {
	return fmt.Sprintf("event bus publish to %s failed: %v", e.Topic, e.Err)
}

func (e *BusError) Unwrap() error { return e.Err }

// IsRetryable reports whether err should trigger a retry.
func IsRetryable(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge)
}

// IsNotFound reports whether err represents a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError reports whether err resulted from bad caller input
// rather than a server-side or transient condition.
func IsClientError(err error) bool {
	var ve *ValidationError
	var ite *InvalidTransitionError
	var ce *ConflictError
	return errors.As(err, &ve) || errors.As(err, &ite) || errors.As(err, &ce)
}
