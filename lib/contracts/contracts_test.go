package contracts

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, s string) abi.ABI {
	t.Helper()

	parsed, err := abi.JSON(strings.NewReader(s))
	require.NoError(t, err)

	return parsed
}

// TestPack makes sure the arguments the bindings send match the ABIs they declare.
func TestPack(t *testing.T) {
	addr := common.HexToAddress("0x357dd3856d856197c1a000bbAb4aBCB97Dfc92c4")
	one := big.NewInt(1)

	args := DebtOrderArgs{Creditor: addr}
	for i := range args.Values {
		args.Values[i] = one
	}

	v, r, s := args.split()
	priced := PricedOffer{
		Prices:           [2]*big.Int{one, one},
		Timestamps:       [2]*big.Int{one, one},
		MaxLTV:           big.NewInt(50),
		CollateralAmount: one,
	}

	cases := []struct {
		name   string
		abi    string
		method string
		params []interface{}
	}{
		{"balanceOf", ERC20ABI, "balanceOf", []interface{}{addr}},
		{"allowance", ERC20ABI, "allowance", []interface{}{addr, addr}},
		{"approve", ERC20ABI, "approve", []interface{}{addr, one}},
		{"supplyBalance", MoneyMarketABI, "getSupplyBalance", []interface{}{addr, addr}},
		{"liquidity", MoneyMarketABI, "getAccountLiquidity", []interface{}{addr}},
		{"supply", MoneyMarketABI, "supply", []interface{}{addr, one}},
		{"withdraw", MoneyMarketABI, "withdraw", []interface{}{addr, one}},
		{"borrow", MoneyMarketABI, "borrow", []interface{}{addr, one}},
		{"repayBorrow", MoneyMarketABI, "repayBorrow", []interface{}{addr, one}},
		{"expectedRate", KyberProxyABI, "getExpectedRate", []interface{}{EtherAddress, addr, one}},
		{"trade", KyberProxyABI, "trade", []interface{}{EtherAddress, one, addr, addr, one, one, common.Address{}}},
		{"fillDebtOrder", DebtKernelABI, "fillDebtOrder", []interface{}{args.Creditor, args.Addresses, args.Values, args.Bytes32, v, r, s}},
		{"tokenByIndex", TokenRegistryABI, "getTokenAddressByIndex", []interface{}{one}},
		{"fillDebtOffer", CreditorProxyABI, "fillDebtOffer", []interface{}{args.Creditor, args.Addresses, args.Values,
			args.Bytes32, v, r, s, priced.Prices, priced.Timestamps, priced.Operator, [2]uint8{}, [2][32]byte{},
			[2][32]byte{}, priced.MaxLTV, priced.CollateralAmount}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			data, err := parse(t, c.abi).Pack(c.method, c.params...)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, len(data), 4)
		})
	}
}

func TestSplitSignatures(t *testing.T) {
	args := DebtOrderArgs{}
	args.Signatures[0] = Signature{V: 27, R: [32]byte{1}, S: [32]byte{2}}
	args.Signatures[2] = Signature{V: 28}

	v, r, s := args.split()
	assert.Equal(t, [3]uint8{27, 0, 28}, v)
	assert.Equal(t, byte(1), r[0][0])
	assert.Equal(t, byte(2), s[0][0])
}
