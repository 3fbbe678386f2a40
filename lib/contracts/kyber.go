package contracts

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EtherAddress is the pseudo token address Kyber uses for ether.
var EtherAddress = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

// KyberProxyABI is the input ABI of the Kyber network proxy methods used.
const KyberProxyABI = `[
{"constant":true,"inputs":[{"name":"src","type":"address"},{"name":"dest","type":"address"},{"name":"srcQty","type":"uint256"}],"name":"getExpectedRate","outputs":[{"name":"expectedRate","type":"uint256"},{"name":"slippageRate","type":"uint256"}],"stateMutability":"view","type":"function"},
{"constant":false,"inputs":[{"name":"src","type":"address"},{"name":"srcAmount","type":"uint256"},{"name":"dest","type":"address"},{"name":"destAddress","type":"address"},{"name":"maxDestAmount","type":"uint256"},{"name":"minConversionRate","type":"uint256"},{"name":"walletId","type":"address"}],"name":"trade","outputs":[{"name":"","type":"uint256"}],"stateMutability":"payable","type":"function"}
]`

// KyberProxy is the Kyber network proxy contract. Rates are expressed with 18 decimals.
type KyberProxy struct {
	contract
}

// NewKyberProxy binds the network proxy at address.
func NewKyberProxy(address common.Address, backend bind.ContractBackend) (*KyberProxy, error) {
	k, err := newContract(address, KyberProxyABI, backend)
	if err != nil {
		return nil, err
	}

	return &KyberProxy{k}, nil
}

// ExpectedRate returns the expected and the worst accepted (slippage) rates to convert srcQty of src into dest.
func (p *KyberProxy) ExpectedRate(ctx context.Context, src, dest common.Address, srcQty *big.Int) (expected, slippage *big.Int, err error) {
	out, err := p.call(ctx, "getExpectedRate", src, dest, srcQty)
	if err != nil {
		return nil, nil, err
	}

	if len(out) != 2 {
		return nil, nil, fmt.Errorf("getExpectedRate: %w", ErrUnexpectedOutput)
	}

	var ok bool
	if expected, ok = out[0].(*big.Int); !ok {
		return nil, nil, fmt.Errorf("getExpectedRate: %w", ErrUnexpectedOutput)
	}

	if slippage, ok = out[1].(*big.Int); !ok {
		return nil, nil, fmt.Errorf("getExpectedRate: %w", ErrUnexpectedOutput)
	}

	return expected, slippage, nil
}

// Trade converts srcAmount of src into dest sent to destAddress. When src is ether, opts.Value must carry srcAmount.
func (p *KyberProxy) Trade(opts *bind.TransactOpts, src common.Address, srcAmount *big.Int, dest, destAddress common.Address,
	maxDestAmount, minConversionRate *big.Int) (*types.Transaction, error) {
	return p.c.Transact(opts, "trade", src, srcAmount, dest, destAddress, maxDestAmount, minConversionRate, common.Address{})
}
