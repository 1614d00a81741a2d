package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// Contract is a deployed contract addressed through its ABI.
type Contract struct {
	client  *Client
	address common.Address
	abi     abi.ABI
	bound   *bind.BoundContract
}

func NewContract(client *Client, address common.Address, parsed abi.ABI) *Contract {
	return &Contract{
		client:  client,
		address: address,
		abi:     parsed,
		bound:   bind.NewBoundContract(address, parsed, client.backend, client.backend, client.backend),
	}
}

func (c *Contract) Address() common.Address { return c.address }
func (c *Contract) ABI() abi.ABI            { return c.abi }

// Call invokes a view method and returns its decoded outputs.
func (c *Contract) Call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	var out []interface{}
	if err := c.bound.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, classify("call "+method, err)
	}
	return out, nil
}

// Transact sends a state-changing call with value wei attached and waits
// for the receipt.
func (c *Contract) Transact(ctx context.Context, value *big.Int, method string, args ...interface{}) (*types.Receipt, error) {
	opts, err := c.client.Transactor(ctx, value)
	if err != nil {
		return nil, err
	}
	tx, err := c.bound.Transact(opts, method, args...)
	if err != nil {
		return nil, classify("send "+method, err)
	}
	c.client.log.Info("transaction sent",
		zap.String("contract", c.address.Hex()),
		zap.String("method", method),
		zap.String("tx", tx.Hash().Hex()))
	return c.client.WaitMined(ctx, tx)
}

// CallStrings converts raw arguments by the method's ABI and calls it.
func (c *Contract) CallStrings(ctx context.Context, method string, raw []string) ([]interface{}, error) {
	args, err := c.convert(method, raw)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, method, args...)
}

// TransactStrings converts raw arguments by the method's ABI and sends it.
func (c *Contract) TransactStrings(ctx context.Context, value *big.Int, method string, raw []string) (*types.Receipt, error) {
	args, err := c.convert(method, raw)
	if err != nil {
		return nil, err
	}
	return c.Transact(ctx, value, method, args...)
}

// IsView reports whether method can be called without a transaction.
func (c *Contract) IsView(method string) bool {
	m, ok := c.abi.Methods[method]
	return ok && m.IsConstant()
}

func (c *Contract) convert(method string, raw []string) ([]interface{}, error) {
	m, ok := c.abi.Methods[method]
	if !ok {
		return nil, errors.Errorf("method %s not found in abi", method)
	}
	return ConvertArgs(m.Inputs, raw)
}

// Deployment describes a contract creation.
type Deployment struct {
	ContractName string
	Address      common.Address
	TxHash       common.Hash
	Deployer     common.Address
	BlockNumber  uint64
	Receipt      *types.Receipt
}

// Deploy creates art with the given constructor arguments and waits for
// the creation transaction to be mined.
func (c *Client) Deploy(ctx context.Context, art *Artifact, value *big.Int, args ...interface{}) (*Deployment, error) {
	code, err := art.Code()
	if err != nil {
		return nil, err
	}
	opts, err := c.Transactor(ctx, value)
	if err != nil {
		return nil, err
	}

	address, tx, _, err := bind.DeployContract(opts, art.ABI, code, c.backend, args...)
	if err != nil {
		return nil, classify("deploy "+art.ContractName, err)
	}
	c.log.Info("deployment sent",
		zap.String("contract", art.ContractName),
		zap.String("address", address.Hex()),
		zap.String("tx", tx.Hash().Hex()))

	receipt, err := c.WaitMined(ctx, tx)
	if err != nil {
		return nil, err
	}

	return &Deployment{
		ContractName: art.ContractName,
		Address:      address,
		TxHash:       tx.Hash(),
		Deployer:     opts.From,
		BlockNumber:  receipt.BlockNumber.Uint64(),
		Receipt:      receipt,
	}, nil
}

// DeployStrings converts constructor arguments from strings and deploys.
func (c *Client) DeployStrings(ctx context.Context, art *Artifact, value *big.Int, raw []string) (*Deployment, []interface{}, error) {
	args, err := ConvertArgs(art.ABI.Constructor.Inputs, raw)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "constructor of %s", art.ContractName)
	}
	d, err := c.Deploy(ctx, art, value, args...)
	return d, args, err
}
