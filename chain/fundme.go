package chain

import (
	"context"
	_ "embed"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-faster/errors"

	"github.com/parthshah1/recurpay/agreement"
)

//go:embed abi/FundMe.json
var fundMeJSON string

var FundMeABI = mustParseABI(fundMeJSON)

// FundMe is a client of a deployed FundMe pool.
type FundMe struct {
	*Contract
}

func NewFundMe(client *Client, address common.Address) *FundMe {
	return &FundMe{Contract: NewContract(client, address, FundMeABI)}
}

// Fund contributes value wei from the client's signer.
func (f *FundMe) Fund(ctx context.Context, value *big.Int) (*types.Receipt, error) {
	if value == nil || value.Sign() <= 0 {
		return nil, errors.Wrap(agreement.ErrInvalidAmount, "fund value must be positive")
	}
	return f.Transact(ctx, value, "fund")
}

// AccountBalance reads acctBals(addr).
func (f *FundMe) AccountBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	out, err := f.Call(ctx, "acctBals", addr)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.New("unexpected acctBals output type")
	}
	return v, nil
}

func (f *FundMe) Owner(ctx context.Context) (common.Address, error) {
	out, err := f.Call(ctx, "owner")
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, errors.New("unexpected owner output type")
	}
	return addr, nil
}

// ContractBalance is the ether held by the pool contract.
func (f *FundMe) ContractBalance(ctx context.Context) (*big.Int, error) {
	return f.client.BalanceAt(ctx, f.address)
}
