/*
errors.go - Centralized error types for the points engine

PURPOSE:
  All error kinds in one place for consistency and discoverability. Every
  failure is a local, non-retryable validation failure surfaced directly to
  the caller; the boundary layer maps kinds to transport status codes.

ERROR CATEGORIES:
  1. Policy errors - amount or expiry outside configured bounds
  2. State errors - operation not permitted given current lot state
  3. Balance errors - requested usage exceeds available credit
  4. Integrity errors - log references a lot that no longer exists

USAGE:
  if errors.Is(err, points.ErrInsufficientBalance) { ... }

SEE ALSO:
  - engine.go: Produces these errors
  - api/handlers.go: Maps them to HTTP status codes
*/
package points

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrPolicyViolation is returned when an amount or expiry window falls
	// outside the configured policy bounds, or the outstanding ceiling would
	// be exceeded.
	ErrPolicyViolation = errors.New("policy violation")

	// ErrNotFound is returned when a referenced lot or order has no record.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when an operation is not permitted given the
	// current lot state, e.g. canceling a partially-used lot.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidRequest is returned for malformed requests, e.g. a
	// cancellation amount exceeding the historical usage for the order.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInsufficientBalance is returned when a usage request exceeds the
	// total available across the user's active lots.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDataIntegrity indicates referential inconsistency between the
	// transaction log and the ledger. It signals a prior bug, not a user
	// error, and should be unreachable under correct operation.
	ErrDataIntegrity = errors.New("data integrity violation")

	// ErrVersionConflict is returned when a policy update races another
	// administrative update.
	ErrVersionConflict = errors.New("policy version conflict")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	UserID    UserID
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for user %s: available %d, requested %d",
		e.UserID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// PolicyViolationError names the policy rule that rejected the request.
type PolicyViolationError struct {
	Rule    string // "issue_amount", "expire_days", "outstanding_limit"
	Message string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy violation (%s): %s", e.Rule, e.Message)
}

func (e *PolicyViolationError) Unwrap() error {
	return ErrPolicyViolation
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrPolicyViolation) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInsufficientBalance)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true if the error indicates a state or version conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidState) || errors.Is(err, ErrVersionConflict)
}

// IsDataIntegrity returns true for log/ledger referential inconsistencies.
func IsDataIntegrity(err error) bool {
	return errors.Is(err, ErrDataIntegrity)
}
