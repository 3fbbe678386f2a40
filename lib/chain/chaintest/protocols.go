package chaintest

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tarancss/defigw/lib/contracts"
)

var ether = big.NewInt(1e18) //nolint:gomnd // 10^18

// Tokens are fake ERC20 tokens by address.
type Tokens map[common.Address]*ERC20

var errUnknownToken = errors.New("chaintest: unknown token")

// credit mints amount of token to the holder to.
func (ts Tokens) credit(token, to common.Address, amount *big.Int) error {
	t, ok := ts[token]
	if !ok {
		return fmt.Errorf("%w %s", errUnknownToken, token.Hex())
	}

	t.SetBalance(to, new(big.Int).Add(t.BalanceOf(to), amount))

	return nil
}

// pull moves amount of token from owner to spender, as transferFrom does after an approval.
func (ts Tokens) pull(token, owner, spender common.Address, amount *big.Int) error {
	t, ok := ts[token]
	if !ok {
		return fmt.Errorf("%w %s", errUnknownToken, token.Hex())
	}

	if t.Allowance(owner, spender).Cmp(amount) < 0 {
		return errors.New("chaintest: spender not allowed to move tokens")
	}

	return t.Move(owner, spender, amount)
}

// KyberProxy is a fake Kyber network proxy trading at fixed rates. The slippage rate is 97% of the expected one and
// trades buy at the minimum conversion rate given.
type KyberProxy struct {
	*Contract

	mu    sync.Mutex
	rates map[[2]common.Address]*big.Int
}

// NewKyberProxy returns a proxy at address moving tokens.
func NewKyberProxy(address common.Address, tokens Tokens) *KyberProxy {
	p := &KyberProxy{Contract: NewContract(contracts.KyberProxyABI), rates: map[[2]common.Address]*big.Int{}}

	p.Handle("getExpectedRate", func(_ common.Address, _ *big.Int, args []interface{}) ([]interface{}, error) {
		r := p.rate(args[0].(common.Address), args[1].(common.Address))
		slippage := new(big.Int).Div(new(big.Int).Mul(r, big.NewInt(97)), big.NewInt(100)) //nolint:gomnd

		return []interface{}{r, slippage}, nil
	})
	p.Handle("trade", func(from common.Address, value *big.Int, args []interface{}) ([]interface{}, error) {
		src, srcAmount := args[0].(common.Address), args[1].(*big.Int)
		dest, destAddress, minRate := args[2].(common.Address), args[3].(common.Address), args[5].(*big.Int)

		if src == contracts.EtherAddress {
			if value.Cmp(srcAmount) != 0 {
				return nil, errors.New("chaintest: value does not match source amount")
			}
		} else if err := tokens.pull(src, from, address, srcAmount); err != nil {
			return nil, err
		}

		bought := new(big.Int).Div(new(big.Int).Mul(srcAmount, minRate), ether)
		if err := tokens.credit(dest, destAddress, bought); err != nil {
			return nil, err
		}

		return []interface{}{bought}, nil
	})

	return p
}

// SetRate sets the expected rate from src to dest, scaled by 10^18.
func (p *KyberProxy) SetRate(src, dest common.Address, rate *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rates[[2]common.Address{src, dest}] = rate
}

func (p *KyberProxy) rate(src, dest common.Address) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r, ok := p.rates[[2]common.Address{src, dest}]; ok {
		return r
	}

	return new(big.Int)
}

// MoneyMarket is a fake Compound money market without interest.
type MoneyMarket struct {
	*Contract

	mu        sync.Mutex
	supplied  map[[2]common.Address]*big.Int
	borrowed  map[[2]common.Address]*big.Int
	Liquidity *big.Int
}

// NewMoneyMarket returns a money market at address moving tokens.
func NewMoneyMarket(address common.Address, tokens Tokens) *MoneyMarket {
	m := &MoneyMarket{
		Contract:  NewContract(contracts.MoneyMarketABI),
		supplied:  map[[2]common.Address]*big.Int{},
		borrowed:  map[[2]common.Address]*big.Int{},
		Liquidity: big.NewInt(1e18),
	}

	ok := []interface{}{new(big.Int)}

	m.Handle("getSupplyBalance", func(_ common.Address, _ *big.Int, args []interface{}) ([]interface{}, error) {
		return []interface{}{m.Supplied(args[0].(common.Address), args[1].(common.Address))}, nil
	})
	m.Handle("getBorrowBalance", func(_ common.Address, _ *big.Int, args []interface{}) ([]interface{}, error) {
		return []interface{}{m.Borrowed(args[0].(common.Address), args[1].(common.Address))}, nil
	})
	m.Handle("getAccountLiquidity", func(common.Address, *big.Int, []interface{}) ([]interface{}, error) {
		return []interface{}{m.Liquidity}, nil
	})
	m.Handle("supply", func(from common.Address, _ *big.Int, args []interface{}) ([]interface{}, error) {
		asset, amount := args[0].(common.Address), args[1].(*big.Int)
		if err := tokens.pull(asset, from, address, amount); err != nil {
			return nil, err
		}

		m.add(m.supplied, from, asset, amount)

		return ok, nil
	})
	m.Handle("withdraw", func(from common.Address, _ *big.Int, args []interface{}) ([]interface{}, error) {
		asset, amount := args[0].(common.Address), args[1].(*big.Int)
		if amount.Cmp(contractsMax) == 0 {
			amount = m.Supplied(from, asset)
		}

		if m.Supplied(from, asset).Cmp(amount) < 0 {
			return nil, errors.New("chaintest: withdrawing more than supplied")
		}

		if err := tokens.credit(asset, from, amount); err != nil {
			return nil, err
		}

		m.add(m.supplied, from, asset, new(big.Int).Neg(amount))

		return ok, nil
	})
	m.Handle("borrow", func(from common.Address, _ *big.Int, args []interface{}) ([]interface{}, error) {
		asset, amount := args[0].(common.Address), args[1].(*big.Int)
		if err := tokens.credit(asset, from, amount); err != nil {
			return nil, err
		}

		m.add(m.borrowed, from, asset, amount)

		return ok, nil
	})
	m.Handle("repayBorrow", func(from common.Address, _ *big.Int, args []interface{}) ([]interface{}, error) {
		asset, amount := args[0].(common.Address), args[1].(*big.Int)
		if amount.Cmp(contractsMax) == 0 {
			amount = m.Borrowed(from, asset)
		}

		if err := tokens.pull(asset, from, address, amount); err != nil {
			return nil, err
		}

		m.add(m.borrowed, from, asset, new(big.Int).Neg(amount))

		return ok, nil
	})

	return m
}

var contractsMax = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1)) //nolint:gomnd // 2^256-1

func (m *MoneyMarket) add(balances map[[2]common.Address]*big.Int, account, asset common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := [2]common.Address{account, asset}
	if balances[k] == nil {
		balances[k] = new(big.Int)
	}

	balances[k] = new(big.Int).Add(balances[k], amount)
}

func (m *MoneyMarket) get(balances map[[2]common.Address]*big.Int, account, asset common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := balances[[2]common.Address{account, asset}]; ok {
		return new(big.Int).Set(b)
	}

	return new(big.Int)
}

// Supplied returns what account supplied of asset.
func (m *MoneyMarket) Supplied(account, asset common.Address) *big.Int {
	return m.get(m.supplied, account, asset)
}

// Borrowed returns what account owes of asset.
func (m *MoneyMarket) Borrowed(account, asset common.Address) *big.Int {
	return m.get(m.borrowed, account, asset)
}

// SetBorrowed sets what account owes of asset.
func (m *MoneyMarket) SetBorrowed(account, asset common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.borrowed[[2]common.Address{account, asset}] = new(big.Int).Set(amount)
}
