package token

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/defigw/lib/chain"
	"github.com/tarancss/defigw/lib/config"
)

var (
	dai  = Token{Symbol: DAI, Address: common.HexToAddress("0x6f2d6ff85efca691aad23d549771160a12f0a0fc"), Decimals: 18}
	usdc = Token{Symbol: "USDC", Address: common.HexToAddress("0x02"), Decimals: 6}
)

func TestFromHuman(t *testing.T) {
	cases := []struct {
		human    string
		token    Token
		raw      string
		str      string
		expected error
	}{
		{"1.5", dai, "1500000000000000000", "1.5 DAI", nil},
		{"0.0000001", usdc, "", "", ErrInvalidAmount},
		{"2.1234567", usdc, "2123456", "2.123456 USDC", nil},
		{"-1", dai, MaxUint256.String(), "ALL DAI", nil},
		{"-2", dai, "", "", ErrInvalidAmount},
		{"0", dai, "", "", ErrInvalidAmount},
		{"abc", dai, "", "", ErrInvalidAmount},
	}

	for _, c := range cases {
		t.Run(c.human, func(t *testing.T) {
			a, err := ParseHuman(c.human, c.token)
			if c.expected != nil {
				assert.ErrorIs(t, err, c.expected)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, c.raw, a.Raw.String())
			assert.Equal(t, c.str, a.String())
			assert.Equal(t, c.human == "-1", a.IsMax())
		})
	}
}

func TestFromHumanBounds(t *testing.T) {
	raw := func(delta int64) decimal.Decimal {
		return decimal.NewFromBigInt(new(big.Int).Add(MaxUint256, big.NewInt(delta)), -int32(dai.Decimals))
	}

	a, err := FromHuman(raw(-1), dai)
	require.NoError(t, err)
	assert.Equal(t, new(big.Int).Sub(MaxUint256, big.NewInt(1)), a.Raw)
	assert.False(t, a.IsMax())

	// 2^256 - 1 is the all sentinel, and larger amounts would wrap modulo 2^256 when packed
	for _, delta := range []int64{0, 1, 6} {
		_, err = FromHuman(raw(delta), dai)
		assert.ErrorIs(t, err, ErrInvalidAmount, "MaxUint256%+d", delta)
	}

	_, err = FromHuman(decimal.New(1, 60), dai) //nolint:gomnd // 79 raw digits
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestParseHumanExponent(t *testing.T) {
	for _, s := range []string{"1e100000000", "-1e100000000", "1e-100000000", "0e-100000000", "1e2147483647"} {
		start := time.Now()
		_, err := ParseHuman(s, dai)
		assert.ErrorIs(t, err, ErrInvalidAmount, s)
		assert.Less(t, time.Since(start), time.Second, s)
	}

	a, err := ParseHuman("15e-1", dai)
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", a.Raw.String())
}

func TestAmountJSON(t *testing.T) {
	a, err := ParseHuman("12.5", usdc)
	require.NoError(t, err)

	raw, err := json.Marshal(a)
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"USDC","amount":"12.5","raw":"12500000"}`, string(raw))
}

func TestRegistry(t *testing.T) {
	r, err := FromConfig([]config.TokenConfig{
		{Symbol: "dai", Address: dai.Address.Hex(), Decimals: 18},
		{Symbol: "USDC", Address: usdc.Address.Hex(), Decimals: 6},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"DAI", "USDC"}, r.Symbols())

	got, err := r.BySymbol("Dai")
	require.NoError(t, err)
	assert.Equal(t, dai.Address, got.Address)

	got, err = r.ByAddress(usdc.Address)
	require.NoError(t, err)
	assert.Equal(t, "USDC", got.Symbol)

	_, err = r.BySymbol("MKR")
	assert.ErrorIs(t, err, ErrUnknownToken)

	_, err = r.ByAddress(common.HexToAddress("0x03"))
	assert.ErrorIs(t, err, ErrUnknownToken)

	_, err = FromConfig([]config.TokenConfig{{Symbol: "DAI", Address: "nope"}})
	assert.Error(t, err)

	_, err = NewRegistry([]Token{dai, dai})
	assert.Error(t, err)
}

type fakeMeta map[string]chain.TokenMeta

func (f fakeMeta) Token(address string) (chain.TokenMeta, error) {
	m, ok := f[address]
	if !ok {
		return m, errors.New("not a token")
	}

	return m, nil
}

func TestVerify(t *testing.T) {
	r, err := NewRegistry([]Token{dai, usdc, {Symbol: MKR, Address: common.HexToAddress("0x04"), Decimals: 18}})
	require.NoError(t, err)

	n := r.Verify(fakeMeta{
		dai.Address.Hex():  {Symbol: "DAI", Decimals: 18},
		usdc.Address.Hex(): {Symbol: "USDC", Decimals: 18},
	})
	assert.Equal(t, 2, n)
}
