package chain

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
)

// Selector returns the 4-byte method id of a canonical signature such as
// "setRouter(address)".
func Selector(signature string) []byte {
	hash := sha3.NewLegacyKeccak256()
	hash.Write([]byte(signature))
	return hash.Sum(nil)[:4]
}

// ParseSignature splits "name(type1,type2)" into the method name and its
// argument list.
func ParseSignature(signature string) (string, abi.Arguments, error) {
	signature = strings.ReplaceAll(strings.TrimSpace(signature), " ", "")
	open := strings.IndexByte(signature, '(')
	if open <= 0 || !strings.HasSuffix(signature, ")") {
		return "", nil, errors.Errorf("malformed signature %q", signature)
	}
	name := signature[:open]
	list := signature[open+1 : len(signature)-1]

	var args abi.Arguments
	if list == "" {
		return name, args, nil
	}
	for _, typ := range strings.Split(list, ",") {
		t, err := abi.NewType(typ, "", nil)
		if err != nil {
			return "", nil, errors.Wrapf(err, "type %q in %s", typ, signature)
		}
		args = append(args, abi.Argument{Type: t})
	}
	return name, args, nil
}

// EncodeCall builds calldata for signature from string arguments without a
// full ABI.
func EncodeCall(signature string, raw []string) ([]byte, error) {
	name, inputs, err := ParseSignature(signature)
	if err != nil {
		return nil, err
	}
	values, err := ConvertArgs(inputs, raw)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", name)
	}
	packed, err := inputs.Pack(values...)
	if err != nil {
		return nil, errors.Wrapf(err, "pack %s", name)
	}

	canonical := make([]string, len(inputs))
	for i, in := range inputs {
		canonical[i] = in.Type.String()
	}
	selector := Selector(name + "(" + strings.Join(canonical, ",") + ")")
	return append(selector, packed...), nil
}

// RawCall runs an eth_call with pre-built calldata.
func (c *Client) RawCall(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, classify("eth_call", err)
	}
	return out, nil
}

// RawTransact sends pre-built calldata to a contract and waits for it.
func (c *Client) RawTransact(ctx context.Context, to common.Address, value *big.Int, data []byte) (*types.Receipt, error) {
	opts, err := c.Transactor(ctx, value)
	if err != nil {
		return nil, err
	}
	bound := bind.NewBoundContract(to, abi.ABI{}, c.backend, c.backend, c.backend)
	tx, err := bound.RawTransact(opts, data)
	if err != nil {
		return nil, classify("send raw transaction", err)
	}
	c.log.Info("raw transaction sent",
		zap.String("to", to.Hex()),
		zap.String("tx", tx.Hash().Hex()))
	return c.WaitMined(ctx, tx)
}
