package agreement

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-faster/errors"
)

// Deposit adds amount to the balance. Tenant only.
func Deposit(a *Agreement, caller common.Address, amount *big.Int) (*Agreement, error) {
	if err := requireTenant(a, caller); err != nil {
		return nil, err
	}
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	next := a.Clone()
	next.Balance.Add(next.Balance, amount)
	next.Version++
	return next, nil
}

// Activate turns automatic payments on. The payment timer restarts at now,
// so the first execution is due one interval after activation.
func Activate(a *Agreement, caller common.Address, now time.Time) (*Agreement, error) {
	if err := requireTenant(a, caller); err != nil {
		return nil, err
	}
	if a.Active {
		return nil, ErrAlreadyActive
	}
	next := a.Clone()
	next.Active = true
	activatedAt := now.UTC().Truncate(time.Second)
	if activatedAt.After(next.LastPaymentTime) {
		next.LastPaymentTime = activatedAt
	}
	next.Version++
	return next, nil
}

// Deactivate turns automatic payments off. Tenant only.
func Deactivate(a *Agreement, caller common.Address) (*Agreement, error) {
	if err := requireTenant(a, caller); err != nil {
		return nil, err
	}
	if !a.Active {
		return nil, ErrNotActive
	}
	next := a.Clone()
	next.Active = false
	next.Version++
	return next, nil
}

// Withdraw returns amount of the balance to the tenant.
func Withdraw(a *Agreement, caller common.Address, amount *big.Int) (*Agreement, error) {
	if err := requireTenant(a, caller); err != nil {
		return nil, err
	}
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	if amount.Cmp(a.Balance) > 0 {
		return nil, ErrInsufficientFunds
	}
	next := a.Clone()
	next.Balance.Sub(next.Balance, amount)
	next.Version++
	return next, nil
}

func requireTenant(a *Agreement, caller common.Address) error {
	if caller != a.Tenant {
		return ErrUnauthorized
	}
	return nil
}

func requirePositive(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errors.Wrap(ErrInvalidAmount, "amount must be positive")
	}
	return nil
}
