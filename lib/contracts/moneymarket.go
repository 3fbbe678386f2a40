package contracts

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// MoneyMarketABI is the input ABI of the Compound money market methods used.
const MoneyMarketABI = `[
{"constant":true,"inputs":[{"name":"account","type":"address"},{"name":"asset","type":"address"}],"name":"getSupplyBalance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"constant":true,"inputs":[{"name":"account","type":"address"},{"name":"asset","type":"address"}],"name":"getBorrowBalance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"getAccountLiquidity","outputs":[{"name":"","type":"int256"}],"stateMutability":"view","type":"function"},
{"constant":false,"inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"}],"name":"supply","outputs":[{"name":"","type":"uint256"}],"stateMutability":"nonpayable","type":"function"},
{"constant":false,"inputs":[{"name":"asset","type":"address"},{"name":"requestedAmount","type":"uint256"}],"name":"withdraw","outputs":[{"name":"","type":"uint256"}],"stateMutability":"nonpayable","type":"function"},
{"constant":false,"inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"}],"name":"borrow","outputs":[{"name":"","type":"uint256"}],"stateMutability":"nonpayable","type":"function"},
{"constant":false,"inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"}],"name":"repayBorrow","outputs":[{"name":"","type":"uint256"}],"stateMutability":"nonpayable","type":"function"}
]`

// MoneyMarket is the Compound (v1) money market contract.
type MoneyMarket struct {
	contract
}

// NewMoneyMarket binds the money market at address.
func NewMoneyMarket(address common.Address, backend bind.ContractBackend) (*MoneyMarket, error) {
	k, err := newContract(address, MoneyMarketABI, backend)
	if err != nil {
		return nil, err
	}

	return &MoneyMarket{k}, nil
}

// SupplyBalance returns the raw amount of asset supplied by account, interest included.
func (m *MoneyMarket) SupplyBalance(ctx context.Context, account, asset common.Address) (*big.Int, error) {
	return m.callBig(ctx, "getSupplyBalance", account, asset)
}

// BorrowBalance returns the raw amount of asset owed by account, interest included.
func (m *MoneyMarket) BorrowBalance(ctx context.Context, account, asset common.Address) (*big.Int, error) {
	return m.callBig(ctx, "getBorrowBalance", account, asset)
}

// AccountLiquidity returns the account liquidity in wei. A negative value means a shortfall.
func (m *MoneyMarket) AccountLiquidity(ctx context.Context, account common.Address) (*big.Int, error) {
	return m.callBig(ctx, "getAccountLiquidity", account)
}

func (m *MoneyMarket) Supply(opts *bind.TransactOpts, asset common.Address, amount *big.Int) (*types.Transaction, error) {
	return m.c.Transact(opts, "supply", asset, amount)
}

func (m *MoneyMarket) Withdraw(opts *bind.TransactOpts, asset common.Address, amount *big.Int) (*types.Transaction, error) {
	return m.c.Transact(opts, "withdraw", asset, amount)
}

func (m *MoneyMarket) Borrow(opts *bind.TransactOpts, asset common.Address, amount *big.Int) (*types.Transaction, error) {
	return m.c.Transact(opts, "borrow", asset, amount)
}

// RepayBorrow repays amount of asset. MaxUint256 repays the whole borrow balance.
func (m *MoneyMarket) RepayBorrow(opts *bind.TransactOpts, asset common.Address, amount *big.Int) (*types.Transaction, error) {
	return m.c.Transact(opts, "repayBorrow", asset, amount)
}
