// Package fundme models the FundMe contract as a shared pool: every
// contribution is credited to its sender and the pool total is the sum of
// all credits.
package fundme

import (
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-faster/errors"

	"github.com/parthshah1/recurpay/agreement"
)

type Pool struct {
	mu       sync.RWMutex
	balances map[common.Address]*big.Int
	total    *big.Int
}

func NewPool() *Pool {
	return &Pool{
		balances: make(map[common.Address]*big.Int),
		total:    new(big.Int),
	}
}

// Fund credits amount to from.
func (p *Pool) Fund(from common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errors.Wrap(agreement.ErrInvalidAmount, "contribution must be positive")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	bal, ok := p.balances[from]
	if !ok {
		bal = new(big.Int)
		p.balances[from] = bal
	}
	bal.Add(bal, amount)
	p.total.Add(p.total, amount)
	return nil
}

// BalanceOf returns the amount credited to addr.
func (p *Pool) BalanceOf(addr common.Address) *big.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if bal, ok := p.balances[addr]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

func (p *Pool) Total() *big.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return new(big.Int).Set(p.total)
}

// Contributors lists every address with a credit, in address order.
func (p *Pool) Contributors() []common.Address {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]common.Address, 0, len(p.balances))
	for addr := range p.balances {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Cmp(out[j]) < 0
	})
	return out
}

// Mismatch is a difference between the model and an observed balance.
type Mismatch struct {
	Account  common.Address
	Expected *big.Int
	Observed *big.Int
}

// Reconcile compares the model against observed per-account balances and
// the observed pool total. Accounts missing from observed are skipped.
func (p *Pool) Reconcile(observed map[common.Address]*big.Int, observedTotal *big.Int) []Mismatch {
	var out []Mismatch
	for _, addr := range p.Contributors() {
		got, ok := observed[addr]
		if !ok {
			continue
		}
		want := p.BalanceOf(addr)
		if want.Cmp(got) != 0 {
			out = append(out, Mismatch{Account: addr, Expected: want, Observed: got})
		}
	}
	if observedTotal != nil {
		if want := p.Total(); want.Cmp(observedTotal) != 0 {
			out = append(out, Mismatch{Expected: want, Observed: observedTotal})
		}
	}
	return out
}
