/*
errors.go - Centralized error types for the activity engine

PURPOSE:
  One error vocabulary shared by the evaluator, the rules, the reward
  processor, the stores, and the HTTP layer. Domain outcomes (not
  found, unavailable) are typed results inspected with errors.Is/As;
  only genuine infrastructure failures propagate as plain wrapped
  errors.

ERROR CATEGORIES:
  1. Catalog errors  - unknown activity id
  2. Business errors - policy not met, rule rejected, race lost
  3. Store errors    - uniqueness violations, missing users

USAGE:
  res, err := processor.Reward(ctx, userID, id, args)
  var unavailable *activity.UnavailableError
  switch {
  case errors.Is(err, activity.ErrActivityNotFound):
      // 404
  case errors.As(err, &unavailable):
      // 409, unavailable.Reason, unavailable.NextAvailableAt
  }

SEE ALSO:
  - processor.go: Produces these errors
  - store/sqlite: Maps constraint violations to ErrDuplicateClaim
*/
package activity

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrActivityNotFound is returned when an activity id is not in the
	// catalog. A client-facing not-found condition, never retried.
	ErrActivityNotFound = errors.New("activity not found")

	// ErrActivityUnavailable is returned when a policy or conditional
	// rule rejects a claim. A business outcome, not a fault.
	ErrActivityUnavailable = errors.New("activity not available")

	// ErrDuplicateClaim is returned by a ledger insert that violates the
	// claim-scope uniqueness constraint. The processor treats it as the
	// authoritative "already claimed" outcome when two claims race.
	ErrDuplicateClaim = errors.New("duplicate claim for scope")

	// ErrUserNotFound is returned when a balance or referral operation
	// references a user that does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrValidation is returned for missing or malformed input.
	ErrValidation = errors.New("invalid input")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError reports an activity id missing from the catalog.
type NotFoundError struct {
	ActivityID ActivityID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("activity not found: %s", e.ActivityID)
}

func (e *NotFoundError) Unwrap() error { return ErrActivityNotFound }

// UnavailableError reports a rejected claim with the human-readable
// reason and, where the policy defines one, the next eligible time.
type UnavailableError struct {
	Reason          string
	NextAvailableAt *time.Time
}

func (e *UnavailableError) Error() string {
	if e.Reason == "" {
		return "activity not available"
	}
	return e.Reason
}

func (e *UnavailableError) Unwrap() error { return ErrActivityUnavailable }

// NewUnavailableError builds an UnavailableError from a verdict.
func NewUnavailableError(v Verdict) *UnavailableError {
	return &UnavailableError{Reason: v.Reason, NextAvailableAt: v.NextAvailableAt}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound reports whether err is a missing catalog entry or user.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrActivityNotFound) || errors.Is(err, ErrUserNotFound)
}

// IsUnavailable reports whether err is a business-rule rejection.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrActivityUnavailable)
}

// IsClientError reports whether err is caused by the caller rather
// than by infrastructure.
func IsClientError(err error) bool {
	return IsNotFound(err) || IsUnavailable(err) || errors.Is(err, ErrValidation)
}
