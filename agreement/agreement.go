package agreement

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// Agreement is the recurring payment configuration and mutable state for one
// tenant/company pair.
type Agreement struct {
	ID uuid.UUID

	// Fixed at creation
	Tenant        common.Address
	Company       common.Address
	PaymentAmount *big.Int
	Interval      time.Duration

	// Mutated only through the commands in this package
	LastPaymentTime time.Time
	Active          bool
	Balance         *big.Int
	TotalPaid       *big.Int
	PaymentCount    uint64

	// Version increases by one on every accepted state change.
	Version uint64
}

// Payment records one successful execution.
type Payment struct {
	ID          uuid.UUID
	AgreementID uuid.UUID
	Sequence    uint64
	Amount      *big.Int
	PaidAt      time.Time
	TxHash      string
}

// Info is the fixed-order query tuple of an agreement.
type Info struct {
	Tenant          common.Address
	Company         common.Address
	PaymentAmount   *big.Int
	Interval        time.Duration
	LastPaymentTime time.Time
	Active          bool
	Balance         *big.Int
	TotalPaid       *big.Int
	PaymentCount    uint64

	// NextPaymentTime is zero when the agreement is inactive.
	NextPaymentTime time.Time
}

// New creates an inactive, unfunded agreement whose timer starts at now.
func New(tenant, company common.Address, amount *big.Int, interval time.Duration, now time.Time) (*Agreement, error) {
	if tenant == (common.Address{}) || company == (common.Address{}) {
		return nil, errors.New("tenant and company addresses are required")
	}
	if tenant == company {
		return nil, errors.New("tenant and company must differ")
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errors.Wrap(ErrInvalidAmount, "payment amount must be positive")
	}
	if interval < time.Second || interval%time.Second != 0 {
		return nil, errors.Errorf("interval must be a positive whole number of seconds, got %s", interval)
	}

	return &Agreement{
		ID:              uuid.New(),
		Tenant:          tenant,
		Company:         company,
		PaymentAmount:   new(big.Int).Set(amount),
		Interval:        interval,
		LastPaymentTime: now.UTC().Truncate(time.Second),
		Balance:         new(big.Int),
		TotalPaid:       new(big.Int),
	}, nil
}

// Clone returns a deep copy.
func (a *Agreement) Clone() *Agreement {
	c := *a
	c.PaymentAmount = cloneInt(a.PaymentAmount)
	c.Balance = cloneInt(a.Balance)
	c.TotalPaid = cloneInt(a.TotalPaid)
	return &c
}

// NextPaymentTime returns lastPaymentTime + interval, or false when the
// agreement is inactive and therefore unscheduled.
func (a *Agreement) NextPaymentTime() (time.Time, bool) {
	if !a.Active {
		return time.Time{}, false
	}
	return a.LastPaymentTime.Add(a.Interval), true
}

// Info returns the query tuple.
func (a *Agreement) Info() Info {
	info := Info{
		Tenant:          a.Tenant,
		Company:         a.Company,
		PaymentAmount:   cloneInt(a.PaymentAmount),
		Interval:        a.Interval,
		LastPaymentTime: a.LastPaymentTime,
		Active:          a.Active,
		Balance:         cloneInt(a.Balance),
		TotalPaid:       cloneInt(a.TotalPaid),
		PaymentCount:    a.PaymentCount,
	}
	if next, ok := a.NextPaymentTime(); ok {
		info.NextPaymentTime = next
	}
	return info
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
