package dharma

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Amortization units of the collateralized simple interest terms contract.
const (
	Hours  = "hours"
	Days   = "days"
	Weeks  = "weeks"
	Months = "months"
	Years  = "years"
)

var amortizationUnits = []string{Hours, Days, Weeks, Months, Years}

// ErrInvalidTerms is returned for terms contract parameters that cannot be decoded or encoded.
var ErrInvalidTerms = errors.New("invalid terms contract parameters")

// Bit layout of the terms contract parameters, from the most significant bit.
const (
	principalIndexShift  = 248
	principalAmountShift = 152
	interestRateShift    = 128
	amortizationShift    = 124
	termLengthShift      = 108
	collateralIndexShift = 100
	collateralAmtShift   = 8

	principalAmountBits  = 96
	interestRateBits     = 24
	amortizationBits     = 4
	termLengthBits       = 16
	collateralAmountBits = 92
	byteBits             = 8
)

// interestRateScale converts the raw interest rate to a percentage.
var interestRateScale = decimal.New(1, 4) //nolint:gomnd // 4 decimals

// Terms are the collateralized simple interest terms of a debt order.
type Terms struct {
	PrincipalTokenIndex  uint8
	PrincipalAmount      *big.Int
	InterestRate         decimal.Decimal // percent
	AmortizationUnit     string
	TermLength           uint64
	CollateralTokenIndex uint8
	CollateralAmount     *big.Int
	GracePeriodInDays    uint8
}

func field(v *big.Int, shift, bits uint) *big.Int {
	mask := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), bits), big.NewInt(1))

	return new(big.Int).And(new(big.Int).Rsh(v, shift), mask)
}

// DecodeTerms decodes the terms contract parameters.
func DecodeTerms(params common.Hash) (Terms, error) {
	v := new(big.Int).SetBytes(params[:])

	unit := field(v, amortizationShift, amortizationBits).Uint64()
	if unit >= uint64(len(amortizationUnits)) {
		return Terms{}, fmt.Errorf("%w: amortization unit %d", ErrInvalidTerms, unit)
	}

	return Terms{
		PrincipalTokenIndex:  uint8(field(v, principalIndexShift, byteBits).Uint64()),
		PrincipalAmount:      field(v, principalAmountShift, principalAmountBits),
		InterestRate:         decimal.NewFromBigInt(field(v, interestRateShift, interestRateBits), 0).Div(interestRateScale),
		AmortizationUnit:     amortizationUnits[unit],
		TermLength:           field(v, termLengthShift, termLengthBits).Uint64(),
		CollateralTokenIndex: uint8(field(v, collateralIndexShift, byteBits).Uint64()),
		CollateralAmount:     field(v, collateralAmtShift, collateralAmountBits),
		GracePeriodInDays:    uint8(field(v, 0, byteBits).Uint64()),
	}, nil
}

func put(v, x *big.Int, shift, bits uint, name string) error {
	if x.Sign() < 0 || x.BitLen() > int(bits) {
		return fmt.Errorf("%w: %s %s does not fit in %d bits", ErrInvalidTerms, name, x, bits)
	}

	v.Or(v, new(big.Int).Lsh(x, shift))

	return nil
}

// Encode returns the terms contract parameters of t.
func (t Terms) Encode() (common.Hash, error) {
	unit := -1

	for i, u := range amortizationUnits {
		if u == t.AmortizationUnit {
			unit = i
		}
	}

	if unit < 0 {
		return common.Hash{}, fmt.Errorf("%w: amortization unit %q", ErrInvalidTerms, t.AmortizationUnit)
	}

	rate := t.InterestRate.Mul(interestRateScale)
	if !rate.Equal(rate.Truncate(0)) {
		return common.Hash{}, fmt.Errorf("%w: interest rate %s has more than 4 decimals", ErrInvalidTerms, t.InterestRate)
	}

	v := new(big.Int)

	for _, p := range []struct {
		x     *big.Int
		shift uint
		bits  uint
		name  string
	}{
		{big.NewInt(int64(t.PrincipalTokenIndex)), principalIndexShift, byteBits, "principal token index"},
		{t.PrincipalAmount, principalAmountShift, principalAmountBits, "principal amount"},
		{rate.BigInt(), interestRateShift, interestRateBits, "interest rate"},
		{big.NewInt(int64(unit)), amortizationShift, amortizationBits, "amortization unit"},
		{new(big.Int).SetUint64(t.TermLength), termLengthShift, termLengthBits, "term length"},
		{big.NewInt(int64(t.CollateralTokenIndex)), collateralIndexShift, byteBits, "collateral token index"},
		{t.CollateralAmount, collateralAmtShift, collateralAmountBits, "collateral amount"},
		{big.NewInt(int64(t.GracePeriodInDays)), 0, byteBits, "grace period"},
	} {
		if p.x == nil {
			p.x = new(big.Int)
		}

		if err := put(v, p.x, p.shift, p.bits, p.name); err != nil {
			return common.Hash{}, err
		}
	}

	return common.BigToHash(v), nil
}
