package chaintest

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tarancss/defigw/lib/contracts"
)

// ErrInsufficientFunds is returned by fake token transfers without enough balance.
var ErrInsufficientFunds = errors.New("chaintest: insufficient token balance")

// ERC20 is a fake token keeping balances and allowances.
type ERC20 struct {
	*Contract

	mu         sync.Mutex
	balances   map[common.Address]*big.Int
	allowances map[[2]common.Address]*big.Int
}

// NewERC20 returns an empty token.
func NewERC20() *ERC20 {
	t := &ERC20{
		Contract:   NewContract(contracts.ERC20ABI),
		balances:   map[common.Address]*big.Int{},
		allowances: map[[2]common.Address]*big.Int{},
	}

	t.Handle("balanceOf", func(_ common.Address, _ *big.Int, args []interface{}) ([]interface{}, error) {
		return []interface{}{t.BalanceOf(args[0].(common.Address))}, nil
	})
	t.Handle("allowance", func(_ common.Address, _ *big.Int, args []interface{}) ([]interface{}, error) {
		return []interface{}{t.Allowance(args[0].(common.Address), args[1].(common.Address))}, nil
	})
	t.Handle("approve", func(from common.Address, _ *big.Int, args []interface{}) ([]interface{}, error) {
		t.SetAllowance(from, args[0].(common.Address), args[1].(*big.Int))

		return []interface{}{true}, nil
	})

	return t
}

// BalanceOf returns the balance of owner.
func (t *ERC20) BalanceOf(owner common.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if b, ok := t.balances[owner]; ok {
		return new(big.Int).Set(b)
	}

	return new(big.Int)
}

// SetBalance sets the balance of owner.
func (t *ERC20) SetBalance(owner common.Address, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.balances[owner] = new(big.Int).Set(amount)
}

// Allowance returns what spender may move from owner.
func (t *ERC20) Allowance(owner, spender common.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if a, ok := t.allowances[[2]common.Address{owner, spender}]; ok {
		return new(big.Int).Set(a)
	}

	return new(big.Int)
}

// SetAllowance sets what spender may move from owner.
func (t *ERC20) SetAllowance(owner, spender common.Address, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.allowances[[2]common.Address{owner, spender}] = new(big.Int).Set(amount)
}

// Move transfers amount from one holder to another, as protocol contracts do with the approved tokens.
func (t *ERC20) Move(from, to common.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	fb := t.balances[from]
	if fb == nil || fb.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}

	tb := t.balances[to]
	if tb == nil {
		tb = new(big.Int)
	}

	t.balances[from] = new(big.Int).Sub(fb, amount)
	t.balances[to] = new(big.Int).Add(tb, amount)

	return nil
}
