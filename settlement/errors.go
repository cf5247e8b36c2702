/*
errors.go - Error taxonomy for the settlement engine

ERROR CATEGORIES:
  1. Invalid input       - rejected before any write, no state change
  2. Missing procedure   - the store lacks the settlement function
                           (deployment drift), distinct from business failures
  3. Cancelled           - the context ended before the write was sent;
                           nothing was written (see classifyUnsent)
  4. Outcome unknown     - the call timed out; the commit may or may not
                           have happened. Re-read period summaries first.
  5. Payment failed      - anything else raised by the store during a write

  Reconciliation of legacy PAID orders is NOT an error, see order.go.

SEE ALSO:
  - engine.go: Maps these errors onto result codes
*/
package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("invalid input")

	// ErrPharmacyNotFound is returned when the pharmacy reference is unknown.
	ErrPharmacyNotFound = errors.New("pharmacy not found")

	// ErrProcedureMissing is returned when the backing store has no
	// settlement procedure deployed.
	ErrProcedureMissing = errors.New("settlement function not deployed")

	// ErrOutcomeUnknown is returned when a settlement write timed out or was
	// cancelled after being sent to the store.
	ErrOutcomeUnknown = errors.New("settlement outcome unknown")

	// ErrPaymentFailed wraps store failures during a settlement write.
	ErrPaymentFailed = errors.New("payment application failed")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// InvalidInputError names the offending field.
type InvalidInputError struct {
	Field  string
	Value  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *InvalidInputError) Unwrap() error {
	return ErrInvalidInput
}

// NothingOutstanding is returned by the store procedures when a payment or a
// pharmacy-scoped reset would write nothing. field names the scope.
func NothingOutstanding(field, value string) error {
	return &InvalidInputError{Field: field, Value: value, Reason: "has nothing outstanding"}
}

// PaymentError carries enough context to retry after a manual check.
type PaymentError struct {
	PharmacyID string
	PeriodKey  string
	Attempted  *decimal.Decimal
	Err        error
}

func (e *PaymentError) Error() string {
	amount := "full outstanding"
	if e.Attempted != nil {
		amount = e.Attempted.StringFixed(2)
	}
	return fmt.Sprintf("settle pharmacy %s period %s (amount %s): %v", e.PharmacyID, e.PeriodKey, amount, e.Err)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrPharmacyNotFound)
}

// IsProcedureMissing returns true for deployment gaps.
func IsProcedureMissing(err error) bool {
	return errors.Is(err, ErrProcedureMissing)
}

// IsOutcomeUnknown returns true if a write may have committed without the
// caller seeing the acknowledgement.
func IsOutcomeUnknown(err error) bool {
	return errors.Is(err, ErrOutcomeUnknown) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
