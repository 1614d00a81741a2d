package agreement

import (
	"fmt"

	"github.com/go-faster/errors"
)

var (
	// ErrUnauthorized is returned when a tenant-only command is issued by
	// another account.
	ErrUnauthorized = errors.New("unauthorized: caller is not the tenant")

	// ErrNotEligible matches every NotEligibleError.
	ErrNotEligible = errors.New("not eligible")

	ErrInsufficientFunds = errors.New("insufficient funds: amount exceeds balance")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrAlreadyActive     = errors.New("agreement is already active")
	ErrNotActive         = errors.New("agreement is not active")
)

// NotEligibleError is returned by Execute when the precondition does not
// hold. Reason carries the same code IsEligible would report.
type NotEligibleError struct {
	Reason Reason
}

func (e *NotEligibleError) Error() string {
	return fmt.Sprintf("not eligible: %s", e.Reason)
}

func (e *NotEligibleError) Is(target error) bool {
	return target == ErrNotEligible
}

// TransportError wraps an RPC or network failure. No partial state change
// can result from one, so the operation is safe to retry.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Transport wraps err as a TransportError. A nil err stays nil.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}

// IsTransport reports whether err is or wraps a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ReasonOf extracts the eligibility reason from a NotEligibleError chain.
func ReasonOf(err error) (Reason, bool) {
	var ne *NotEligibleError
	if errors.As(err, &ne) {
		return ne.Reason, true
	}
	return ReasonNone, false
}
