package token

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/defigw/lib/chain/chaintest"
	"github.com/tarancss/defigw/lib/txlog"
)

var spender = common.HexToAddress("0x3FDA67f7583380E67ef93072294a7fAc882FD7E7")

type env struct {
	b      *chaintest.Backend
	dai    *chaintest.ERC20
	s      *Service
	runner *txlog.Runner
}

func newEnv(t *testing.T) *env {
	t.Helper()

	fake := chaintest.NewERC20()
	b := chaintest.New(t, map[common.Address]*chaintest.Contract{dai.Address: fake.Contract})
	b.AutoCommit(t)

	reg, err := NewRegistry([]Token{dai})
	require.NoError(t, err)

	return &env{b: b, dai: fake, s: NewService(reg, b, b.Account), runner: b.Runner(nil)}
}

func TestBalances(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.dai.SetBalance(e.b.Account.Address, big.NewInt(3e18))

	bal, err := e.s.Balance(ctx, "dai")
	require.NoError(t, err)
	assert.Equal(t, "3 DAI", bal.String())

	need, _ := ParseHuman("2", dai)
	assert.NoError(t, e.s.AssertBalance(ctx, need))

	need, _ = ParseHuman("3.5", dai)
	assert.ErrorIs(t, e.s.AssertBalance(ctx, need), ErrInsufficientBalance)

	_, err = e.s.Balance(ctx, "ZRX")
	assert.ErrorIs(t, err, ErrUnknownToken)

	eth, err := e.s.EthBalance(ctx)
	require.NoError(t, err)
	assert.Positive(t, eth.Sign())
}

func TestAddUnlockTransactionIfNeeded(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	unlocked, err := e.s.IsUnlocked(ctx, DAI, spender)
	require.NoError(t, err)
	assert.False(t, unlocked)

	l, err := e.runner.Run(ctx, "supply", e.b.Account.Address, true, func(ctx context.Context, l *txlog.Log) error {
		return e.s.AddUnlockTransactionIfNeeded(ctx, DAI, spender, l)
	})
	require.NoError(t, err)
	require.Equal(t, 1, l.Len())
	assert.Equal(t, "unlockDAI", l.Entries()[0].Name)
	assert.Equal(t, MaxUint256.String(), e.dai.Allowance(e.b.Account.Address, spender).String())

	// already unlocked: nothing to send
	l, err = e.runner.Run(ctx, "supply", e.b.Account.Address, true, func(ctx context.Context, l *txlog.Log) error {
		return e.s.AddUnlockTransactionIfNeeded(ctx, DAI, spender, l)
	})
	require.NoError(t, err)
	assert.Zero(t, l.Len())

	// an allowance under the threshold is not unlimited
	e.dai.SetAllowance(e.b.Account.Address, spender, new(big.Int).Lsh(big.NewInt(1), 254))

	unlocked, err = e.s.IsUnlocked(ctx, DAI, spender)
	require.NoError(t, err)
	assert.False(t, unlocked)
}

func TestUnlockLock(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	l, err := e.runner.Run(ctx, "unlock", e.b.Account.Address, true, func(ctx context.Context, l *txlog.Log) error {
		if err := e.s.Unlock(ctx, DAI, spender, l); err != nil {
			return err
		}

		return e.s.Lock(ctx, DAI, spender, l)
	})
	require.NoError(t, err)

	entries := l.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "unlockDAI", entries[0].Name)
	assert.Equal(t, "lockDAI", entries[1].Name)
	assert.Equal(t, entries[0].Tx.Nonce()+1, entries[1].Tx.Nonce())
	assert.Zero(t, e.dai.Allowance(e.b.Account.Address, spender).Sign())
	assert.Equal(t, []string{"approve", "approve"}, e.b.Methods())
}

func TestUnlockFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	errNode := errors.New("node rejected transaction")

	e.b.FailNext("approve", errNode)

	_, err := e.runner.Run(ctx, "unlock", e.b.Account.Address, false, func(ctx context.Context, l *txlog.Log) error {
		return e.s.Unlock(ctx, DAI, spender, l)
	})
	require.ErrorIs(t, err, errNode)

	// the failed send did not consume the nonce
	l, err := e.runner.Run(ctx, "unlock", e.b.Account.Address, false, func(ctx context.Context, l *txlog.Log) error {
		return e.s.Unlock(ctx, DAI, spender, l)
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), l.Entries()[0].Tx.Nonce())
}
