package kyber

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/defigw/lib/chain/chaintest"
	"github.com/tarancss/defigw/lib/contracts"
	"github.com/tarancss/defigw/lib/token"
	"github.com/tarancss/defigw/lib/txlog"
)

var (
	proxyAddress = common.HexToAddress("0x818E6FECD516Ecc3849DAf6845e3EC868087B755")
	daiToken     = token.Token{Symbol: token.DAI, Address: common.HexToAddress("0x31"), Decimals: 18}
	wethToken    = token.Token{Symbol: token.WETH, Address: common.HexToAddress("0x32"), Decimals: 18}
	zrxToken     = token.Token{Symbol: token.ZRX, Address: common.HexToAddress("0x33"), Decimals: 18}
)

func ether(n float64) *big.Int {
	return decimal.NewFromFloat(n).Shift(18).BigInt()
}

type env struct {
	b      *chaintest.Backend
	erc20  chaintest.Tokens
	s      *Service
	runner *txlog.Runner
}

// newEnv deploys the tokens and a proxy trading between them.
func newEnv(t *testing.T) *env {
	t.Helper()

	e := &env{erc20: chaintest.Tokens{}}

	fakes := map[common.Address]*chaintest.Contract{}
	for _, tk := range []token.Token{daiToken, wethToken, zrxToken} {
		e.erc20[tk.Address] = chaintest.NewERC20()
		fakes[tk.Address] = e.erc20[tk.Address].Contract
	}

	proxy := chaintest.NewKyberProxy(proxyAddress, e.erc20)
	proxy.SetRate(wethToken.Address, daiToken.Address, ether(100))
	proxy.SetRate(contracts.EtherAddress, daiToken.Address, ether(100))
	proxy.SetRate(daiToken.Address, zrxToken.Address, ether(2))
	proxy.SetRate(zrxToken.Address, daiToken.Address, ether(0.5))
	fakes[proxyAddress] = proxy.Contract

	e.b = chaintest.New(t, fakes)
	e.b.AutoCommit(t)

	reg, err := token.NewRegistry([]token.Token{wethToken, daiToken, zrxToken})
	require.NoError(t, err)

	e.s, err = New(token.NewService(reg, e.b, e.b.Account), e.b, proxyAddress)
	require.NoError(t, err)

	e.runner = e.b.Runner(nil)

	return e
}

func (e *env) balance(tk token.Token) string {
	return token.FromRaw(e.erc20[tk.Address].BalanceOf(e.b.Account.Address), tk).String()
}

func (e *env) run(t *testing.T, fn txlog.Func) (*txlog.Log, error) {
	t.Helper()

	return e.runner.Run(context.Background(), "kyber", e.b.Account.Address, true, fn)
}

func names(l *txlog.Log) []string {
	var n []string
	for _, en := range l.Entries() {
		n = append(n, en.Name)
	}

	return n
}

func TestExpectedRate(t *testing.T) {
	e := newEnv(t)

	r, err := e.s.ExpectedRate(context.Background(), "dai", "ZRX", decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.Equal(t, "2", r.Expected.String())
	assert.Equal(t, "1.94", r.Slippage.String())

	_, err = e.s.ExpectedRate(context.Background(), "DAI", "DAI", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrSameToken)

	_, err = e.s.ExpectedRate(context.Background(), "DAI", "XYZ", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, token.ErrUnknownToken)
}

func TestTrade(t *testing.T) {
	e := newEnv(t)
	e.erc20[daiToken.Address].SetBalance(e.b.Account.Address, ether(10))

	l, err := e.run(t, func(ctx context.Context, l *txlog.Log) error {
		return e.s.Trade(ctx, "DAI", "ZRX", decimal.NewFromInt(5), l)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"unlockDAI", "tradeDAItoZRX"}, names(l))
	assert.Equal(t, "5 DAI", e.balance(daiToken))
	assert.Equal(t, "9.7 ZRX", e.balance(zrxToken))

	// unlocked already
	l, err = e.run(t, func(ctx context.Context, l *txlog.Log) error {
		return e.s.Trade(ctx, "DAI", "ZRX", decimal.NewFromInt(-1), l)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"tradeDAItoZRX"}, names(l))
	assert.Equal(t, "0 DAI", e.balance(daiToken))

	_, err = e.run(t, func(ctx context.Context, l *txlog.Log) error {
		return e.s.Trade(ctx, "DAI", "ZRX", decimal.NewFromInt(1), l)
	})
	assert.ErrorIs(t, err, token.ErrInsufficientBalance)

	_, err = e.run(t, func(ctx context.Context, l *txlog.Log) error {
		return e.s.Trade(ctx, "ZRX", "WETH", decimal.NewFromInt(1), l)
	})
	assert.ErrorIs(t, err, ErrNoRate)
}

func TestTradeEther(t *testing.T) {
	e := newEnv(t)

	l, err := e.run(t, func(ctx context.Context, l *txlog.Log) error {
		return e.s.Trade(ctx, "eth", "DAI", decimal.RequireFromString("0.5"), l)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"tradeETHtoDAI"}, names(l))
	assert.Equal(t, "48.5 DAI", e.balance(daiToken))

	sent := e.b.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, ether(0.5).String(), sent[0].Value.String())
}

func TestEnsureEnoughBalance(t *testing.T) {
	e := newEnv(t)
	acc := e.b.Account.Address
	e.erc20[daiToken.Address].SetBalance(acc, ether(4))
	e.erc20[wethToken.Address].SetBalance(acc, ether(1))

	needed, err := token.ParseHuman("10", daiToken)
	require.NoError(t, err)

	l, err := e.run(t, func(ctx context.Context, l *txlog.Log) error {
		return e.s.EnsureEnoughBalance(ctx, needed, false, l)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"unlockWETH", "tradeWETHtoDAI"}, names(l))
	assert.GreaterOrEqual(t, e.erc20[daiToken.Address].BalanceOf(acc).Cmp(needed.Raw), 0)

	// enough balance now: nothing to trade
	l, err = e.run(t, func(ctx context.Context, l *txlog.Log) error {
		return e.s.EnsureEnoughBalance(ctx, needed, true, l)
	})
	require.NoError(t, err)
	assert.Zero(t, l.Len())
}

func TestEnsureEnoughBalanceAllTokens(t *testing.T) {
	e := newEnv(t)
	acc := e.b.Account.Address
	e.erc20[zrxToken.Address].SetBalance(acc, ether(30))

	needed, err := token.ParseHuman("10", daiToken)
	require.NoError(t, err)

	// only WETH may be used and there is none
	_, err = e.run(t, func(ctx context.Context, l *txlog.Log) error {
		return e.s.EnsureEnoughBalance(ctx, needed, false, l)
	})
	require.ErrorIs(t, err, ErrCannotCover)

	l, err := e.run(t, func(ctx context.Context, l *txlog.Log) error {
		return e.s.EnsureEnoughBalance(ctx, needed, true, l)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"unlockZRX", "tradeZRXtoDAI"}, names(l))
	assert.GreaterOrEqual(t, e.erc20[daiToken.Address].BalanceOf(acc).Cmp(needed.Raw), 0)
}

func TestEnsureEnoughBalancePartial(t *testing.T) {
	e := newEnv(t)
	acc := e.b.Account.Address
	e.erc20[wethToken.Address].SetBalance(acc, ether(0.01))

	needed, err := token.ParseHuman("10", daiToken)
	require.NoError(t, err)

	l, err := e.run(t, func(ctx context.Context, l *txlog.Log) error {
		return e.s.EnsureEnoughBalance(ctx, needed, false, l)
	})
	require.ErrorIs(t, err, ErrCannotCover)

	var txErr *txlog.Error
	require.ErrorAs(t, err, &txErr)
	assert.True(t, txErr.Partial())
	assert.Equal(t, []string{"unlockWETH", "tradeWETHtoDAI"}, names(l))
}
