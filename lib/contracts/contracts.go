// Package contracts provides minimal go-ethereum bindings for the protocol contracts the gateway talks to. Only the
// methods used by the gateway are described in each ABI.
package contracts

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// ErrUnexpectedOutput is returned when a contract call does not return the expected types.
var ErrUnexpectedOutput = errors.New("unexpected contract call output")

// contract wraps a bound contract with its address.
type contract struct {
	Address common.Address
	c       *bind.BoundContract
}

func newContract(address common.Address, abiJSON string, backend bind.ContractBackend) (contract, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return contract{}, fmt.Errorf("cannot parse abi: %w", err)
	}

	return contract{Address: address, c: bind.NewBoundContract(address, parsed, backend, backend, backend)}, nil
}

// call executes a constant method and returns its raw outputs.
func (k contract) call(ctx context.Context, method string, params ...interface{}) ([]interface{}, error) {
	var out []interface{}

	if err := k.c.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	return out, nil
}

// callBig executes a constant method whose first output is an integer.
func (k contract) callBig(ctx context.Context, method string, params ...interface{}) (*big.Int, error) {
	out, err := k.call(ctx, method, params...)
	if err != nil {
		return nil, err
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", method, ErrUnexpectedOutput)
	}

	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s returned %T: %w", method, out[0], ErrUnexpectedOutput)
	}

	return v, nil
}
