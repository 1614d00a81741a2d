package chain

import (
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-faster/errors"

	"github.com/parthshah1/recurpay/agreement"
)

// ConvertArgs turns string arguments into the Go values abi.Pack expects
// for inputs.
func ConvertArgs(inputs abi.Arguments, raw []string) ([]interface{}, error) {
	if len(inputs) != len(raw) {
		return nil, errors.Errorf("expected %d arguments, got %d", len(inputs), len(raw))
	}
	out := make([]interface{}, len(raw))
	for i, in := range inputs {
		v, err := ConvertArg(in.Type, raw[i])
		if err != nil {
			name := in.Name
			if name == "" {
				name = strconv.Itoa(i)
			}
			return nil, errors.Wrapf(err, "argument %s", name)
		}
		out[i] = v
	}
	return out, nil
}

// ConvertArg parses s as a value of ABI type t. Integer arguments accept
// decimal, 0x-hex, or an ether amount such as "1000 ether".
func ConvertArg(t abi.Type, s string) (interface{}, error) {
	s = strings.TrimSpace(s)
	switch t.T {
	case abi.AddressTy:
		if !common.IsHexAddress(s) {
			return nil, errors.Errorf("invalid address %q", s)
		}
		return common.HexToAddress(s), nil

	case abi.UintTy, abi.IntTy:
		n, err := ParseInteger(s)
		if err != nil {
			return nil, err
		}
		if t.T == abi.UintTy && n.Sign() < 0 {
			return nil, errors.Errorf("negative value %q for %s", s, t.String())
		}
		return sizedInteger(t, n)

	case abi.BoolTy:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid bool %q", s)
		}
		return b, nil

	case abi.StringTy:
		return s, nil

	case abi.BytesTy:
		return decodeHex(s)

	case abi.FixedBytesTy:
		b, err := decodeHex(s)
		if err != nil {
			return nil, err
		}
		if len(b) > t.Size {
			return nil, errors.Errorf("value %q longer than %s", s, t.String())
		}
		arr := reflect.New(t.GetType()).Elem()
		reflect.Copy(arr, reflect.ValueOf(b))
		return arr.Interface(), nil

	default:
		return nil, errors.Errorf("unsupported argument type %s", t.String())
	}
}

// ParseInteger parses a decimal or hex integer, or an "N ether" amount
// converted to wei.
func ParseInteger(s string) (*big.Int, error) {
	if strings.HasSuffix(s, "ether") {
		return agreement.ParseEther(s)
	}
	n, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return nil, errors.Errorf("invalid integer %q", s)
	}
	return n, nil
}

func decodeHex(s string) ([]byte, error) {
	if s == "" || s == "0x" {
		return []byte{}, nil
	}
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid hex %q", s)
	}
	return b, nil
}

// sizedInteger converts n to the exact Go type abi.Pack requires for t:
// native integers for 8, 16, 32 and 64 bit types, *big.Int otherwise.
func sizedInteger(t abi.Type, n *big.Int) (interface{}, error) {
	lo, hi := integerBounds(t)
	if n.Cmp(lo) < 0 || n.Cmp(hi) > 0 {
		return nil, errors.Errorf("value %s overflows %s", n, t.String())
	}

	switch t.Size {
	case 8, 16, 32, 64:
	default:
		return n, nil
	}

	if t.T == abi.UintTy {
		u := n.Uint64()
		switch t.Size {
		case 8:
			return uint8(u), nil
		case 16:
			return uint16(u), nil
		case 32:
			return uint32(u), nil
		default:
			return u, nil
		}
	}

	i := n.Int64()
	switch t.Size {
	case 8:
		return int8(i), nil
	case 16:
		return int16(i), nil
	case 32:
		return int32(i), nil
	default:
		return i, nil
	}
}

func integerBounds(t abi.Type) (*big.Int, *big.Int) {
	one := big.NewInt(1)
	if t.T == abi.UintTy {
		limit := new(big.Int).Lsh(one, uint(t.Size))
		return new(big.Int), limit.Sub(limit, one)
	}
	half := new(big.Int).Lsh(one, uint(t.Size-1))
	return new(big.Int).Neg(half), new(big.Int).Sub(half, one)
}
