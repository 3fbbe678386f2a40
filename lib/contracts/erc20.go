package contracts

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ERC20ABI is the input ABI of the ERC20 methods used.
const ERC20ABI = `[
{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

// ERC20 is a token contract.
type ERC20 struct {
	contract
}

// NewERC20 binds the token at address.
func NewERC20(address common.Address, backend bind.ContractBackend) (*ERC20, error) {
	k, err := newContract(address, ERC20ABI, backend)
	if err != nil {
		return nil, err
	}

	return &ERC20{k}, nil
}

// BalanceOf returns the raw token balance of owner.
func (t *ERC20) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	return t.callBig(ctx, "balanceOf", owner)
}

// Allowance returns how many tokens spender may transfer on behalf of owner.
func (t *ERC20) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return t.callBig(ctx, "allowance", owner, spender)
}

// Approve sets the allowance of spender.
func (t *ERC20) Approve(opts *bind.TransactOpts, spender common.Address, value *big.Int) (*types.Transaction, error) {
	return t.c.Transact(opts, "approve", spender, value)
}
