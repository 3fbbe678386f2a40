package chaintest

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tarancss/defigw/lib/contracts"
)

// collateral token index of the terms contract parameters, bits 100 to 107.
const collateralIndexShift = 100

// Dharma fakes the debt kernel, the token registry and the max-LTV creditor proxy. Principal and collateral move
// through the token transfer proxy allowances.
type Dharma struct {
	Kernel   *Contract
	Registry *Contract
	Proxy    *Contract

	mu     sync.Mutex
	tokens map[uint64]common.Address
	calls  int
}

// NewDharma returns the fake Dharma contracts moving tokens with transferProxy.
func NewDharma(transferProxy common.Address, tokens Tokens) *Dharma {
	d := &Dharma{
		Kernel:   NewContract(contracts.DebtKernelABI),
		Registry: NewContract(contracts.TokenRegistryABI),
		Proxy:    NewContract(contracts.CreditorProxyABI),
		tokens:   map[uint64]common.Address{},
	}

	d.Registry.Handle("getTokenAddressByIndex", func(_ common.Address, _ *big.Int, args []interface{}) ([]interface{},
		error) {
		d.mu.Lock()
		defer d.mu.Unlock()

		d.calls++

		return []interface{}{d.tokens[args[0].(*big.Int).Uint64()]}, nil
	})
	d.Kernel.Handle("fillDebtOrder", func(from common.Address, _ *big.Int, args []interface{}) ([]interface{}, error) {
		creditor, addrs, values := args[0].(common.Address), args[1].([6]common.Address), args[2].([8]*big.Int)
		if creditor != from {
			return nil, errors.New("chaintest: creditor is not the sender")
		}

		principal, debtor := addrs[4], addrs[1]
		if err := tokens.pull(principal, creditor, transferProxy, values[2]); err != nil {
			return nil, err
		}

		if err := tokens.credit(principal, debtor, values[2]); err != nil {
			return nil, err
		}

		return []interface{}{[32]byte{}}, nil
	})
	d.Proxy.Handle("fillDebtOffer", func(from common.Address, _ *big.Int, args []interface{}) ([]interface{}, error) {
		addrs, values, params := args[1].([6]common.Address), args[2].([8]*big.Int), args[3].([1][32]byte)
		if addrs[1] != from {
			return nil, errors.New("chaintest: debtor is not the sender")
		}

		index := new(big.Int).Rsh(new(big.Int).SetBytes(params[0][:]), collateralIndexShift)
		collateral := d.Token(uint8(new(big.Int).And(index, big.NewInt(0xff)).Uint64()))

		if err := tokens.pull(collateral, from, transferProxy, args[14].(*big.Int)); err != nil {
			return nil, err
		}

		if err := tokens.credit(addrs[4], from, values[2]); err != nil {
			return nil, err
		}

		return []interface{}{[32]byte{}}, nil
	})

	return d
}

// SetToken registers address at index.
func (d *Dharma) SetToken(index uint8, address common.Address) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.tokens[uint64(index)] = address
}

// Token returns the address registered at index.
func (d *Dharma) Token(index uint8) common.Address {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.tokens[uint64(index)]
}

// RegistryCalls returns how many times the registry was queried.
func (d *Dharma) RegistryCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.calls
}
