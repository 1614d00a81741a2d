package agreement

import (
	"math/big"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

const etherDecimals = 18

// ParseEther converts a decimal ether string such as "1.0" or "0.5" to wei.
// A trailing " ether" unit is accepted. Values with more than 18 fractional
// digits or negative values are rejected.
func ParseEther(s string) (*big.Int, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "ether"))
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid ether amount %q", s)
	}
	if d.IsNegative() {
		return nil, errors.Wrapf(ErrInvalidAmount, "negative ether amount %q", s)
	}
	wei := d.Shift(etherDecimals)
	if !wei.Equal(wei.Truncate(0)) {
		return nil, errors.Wrapf(ErrInvalidAmount, "ether amount %q has more than %d decimals", s, etherDecimals)
	}
	return wei.BigInt(), nil
}

// FormatEther renders wei as a decimal ether string without trailing zeros.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -etherDecimals).String()
}
