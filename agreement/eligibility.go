package agreement

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Reason explains why an agreement is not eligible for execution.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonInactive
	ReasonTooEarly
	ReasonInsufficientBalance
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonInactive:
		return "inactive"
	case ReasonTooEarly:
		return "too_early"
	case ReasonInsufficientBalance:
		return "insufficient_balance"
	default:
		return "unknown"
	}
}

// Eligibility is the outcome of evaluating an agreement.
type Eligibility struct {
	Eligible bool
	Reason   Reason
}

// Eligible is the positive outcome.
var Eligible = Eligibility{Eligible: true, Reason: ReasonNone}

// Ineligible returns a negative outcome with the given reason.
func Ineligible(r Reason) Eligibility {
	return Eligibility{Reason: r}
}

// IsEligible evaluates a at time now. Checks run in a fixed order (activation,
// timing, funds) and the first failing one is reported.
func IsEligible(a *Agreement, now time.Time) Eligibility {
	if !a.Active {
		return Ineligible(ReasonInactive)
	}
	if now.Before(a.LastPaymentTime.Add(a.Interval)) {
		return Ineligible(ReasonTooEarly)
	}
	if a.Balance == nil || a.Balance.Cmp(a.PaymentAmount) < 0 {
		return Ineligible(ReasonInsufficientBalance)
	}
	return Eligible
}

// Execute performs one payment. The precondition is re-evaluated against a,
// so a second call on the returned state within the same interval fails with
// ReasonTooEarly. a itself is never modified.
func Execute(a *Agreement, now time.Time) (*Agreement, *Payment, error) {
	if e := IsEligible(a, now); !e.Eligible {
		return nil, nil, &NotEligibleError{Reason: e.Reason}
	}

	next := a.Clone()
	paidAt := now.UTC().Truncate(time.Second)
	next.Balance.Sub(next.Balance, a.PaymentAmount)
	next.TotalPaid.Add(next.TotalPaid, a.PaymentAmount)
	next.LastPaymentTime = paidAt
	next.PaymentCount++
	next.Version++

	payment := &Payment{
		ID:          uuid.New(),
		AgreementID: a.ID,
		Sequence:    next.PaymentCount,
		Amount:      new(big.Int).Set(a.PaymentAmount),
		PaidAt:      paidAt,
	}
	return next, payment, nil
}
