package contracts

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// DebtKernelABI is the input ABI of the Dharma debt kernel.
const DebtKernelABI = `[
{"constant":false,"inputs":[{"name":"creditor","type":"address"},{"name":"orderAddresses","type":"address[6]"},{"name":"orderValues","type":"uint256[8]"},{"name":"orderBytes32","type":"bytes32[1]"},{"name":"signaturesV","type":"uint8[3]"},{"name":"signaturesR","type":"bytes32[3]"},{"name":"signaturesS","type":"bytes32[3]"}],"name":"fillDebtOrder","outputs":[{"name":"","type":"bytes32"}],"stateMutability":"nonpayable","type":"function"}
]`

// TokenRegistryABI is the input ABI of the Dharma token registry.
const TokenRegistryABI = `[
{"constant":true,"inputs":[{"name":"index","type":"uint256"}],"name":"getTokenAddressByIndex","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

// CreditorProxyABI is the input ABI of the Dharma LTV creditor proxy.
const CreditorProxyABI = `[
{"constant":false,"inputs":[{"name":"creditor","type":"address"},{"name":"orderAddresses","type":"address[6]"},{"name":"orderValues","type":"uint256[8]"},{"name":"orderBytes32","type":"bytes32[1]"},{"name":"signaturesV","type":"uint8[3]"},{"name":"signaturesR","type":"bytes32[3]"},{"name":"signaturesS","type":"bytes32[3]"},{"name":"prices","type":"uint256[2]"},{"name":"priceTimestamps","type":"uint256[2]"},{"name":"priceFeedOperator","type":"address"},{"name":"priceSignaturesV","type":"uint8[2]"},{"name":"priceSignaturesR","type":"bytes32[2]"},{"name":"priceSignaturesS","type":"bytes32[2]"},{"name":"maxLTV","type":"uint256"},{"name":"collateralAmount","type":"uint256"}],"name":"fillDebtOffer","outputs":[{"name":"","type":"bytes32"}],"stateMutability":"nonpayable","type":"function"}
]`

// Signature is an ECDSA signature split the way Dharma contracts expect it.
type Signature struct {
	V uint8
	R [32]byte
	S [32]byte
}

// DebtOrderArgs is a Dharma debt order flattened into the contract's calling convention.
//
// Addresses: issuanceVersion, debtor, underwriter, termsContract, principalToken, relayer.
// Values: underwriterRiskRating, salt, principalAmount, underwriterFee, relayerFee, creditorFee, debtorFee,
// expirationTimestampInSec.
// Signatures: debtor, creditor, underwriter.
type DebtOrderArgs struct {
	Creditor   common.Address
	Addresses  [6]common.Address
	Values     [8]*big.Int
	Bytes32    [1][32]byte
	Signatures [3]Signature
}

func (a DebtOrderArgs) split() (v [3]uint8, r, s [3][32]byte) {
	for i, sig := range a.Signatures {
		v[i], r[i], s[i] = sig.V, sig.R, sig.S
	}

	return
}

// PricedOffer carries the signed prices and LTV needed by the creditor proxy to fill a lend offer.
type PricedOffer struct {
	Prices           [2]*big.Int // principal, collateral
	Timestamps       [2]*big.Int
	Operator         common.Address
	PriceSignatures  [2]Signature
	MaxLTV           *big.Int
	CollateralAmount *big.Int
}

// DebtKernel is the Dharma debt kernel.
type DebtKernel struct {
	contract
}

// NewDebtKernel binds the kernel at address.
func NewDebtKernel(address common.Address, backend bind.ContractBackend) (*DebtKernel, error) {
	k, err := newContract(address, DebtKernelABI, backend)
	if err != nil {
		return nil, err
	}

	return &DebtKernel{k}, nil
}

// FillDebtOrder fills a debt order. The creditor signature may be empty when the sender is the creditor.
func (d *DebtKernel) FillDebtOrder(opts *bind.TransactOpts, args DebtOrderArgs) (*types.Transaction, error) {
	v, r, s := args.split()

	return d.c.Transact(opts, "fillDebtOrder", args.Creditor, args.Addresses, args.Values, args.Bytes32, v, r, s)
}

// TokenRegistry maps Dharma token indexes to token addresses.
type TokenRegistry struct {
	contract
}

// NewTokenRegistry binds the registry at address.
func NewTokenRegistry(address common.Address, backend bind.ContractBackend) (*TokenRegistry, error) {
	k, err := newContract(address, TokenRegistryABI, backend)
	if err != nil {
		return nil, err
	}

	return &TokenRegistry{k}, nil
}

// TokenAddressByIndex returns the address registered for index.
func (t *TokenRegistry) TokenAddressByIndex(ctx context.Context, index uint8) (common.Address, error) {
	out, err := t.call(ctx, "getTokenAddressByIndex", new(big.Int).SetUint64(uint64(index)))
	if err != nil {
		return common.Address{}, err
	}

	if len(out) == 0 {
		return common.Address{}, fmt.Errorf("getTokenAddressByIndex: %w", ErrUnexpectedOutput)
	}

	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("getTokenAddressByIndex: %w", ErrUnexpectedOutput)
	}

	return addr, nil
}

// CreditorProxy is the max-LTV creditor proxy that fills creditor signed lend offers.
type CreditorProxy struct {
	contract
}

// NewCreditorProxy binds the proxy at address.
func NewCreditorProxy(address common.Address, backend bind.ContractBackend) (*CreditorProxy, error) {
	k, err := newContract(address, CreditorProxyABI, backend)
	if err != nil {
		return nil, err
	}

	return &CreditorProxy{k}, nil
}

// FillDebtOffer fills a lend offer as the debtor, providing the collateral amount and the signed prices.
func (c *CreditorProxy) FillDebtOffer(opts *bind.TransactOpts, args DebtOrderArgs, p PricedOffer) (*types.Transaction, error) {
	v, r, s := args.split()

	var pv [2]uint8

	var pr, ps [2][32]byte

	for i, sig := range p.PriceSignatures {
		pv[i], pr[i], ps[i] = sig.V, sig.R, sig.S
	}

	return c.c.Transact(opts, "fillDebtOffer", args.Creditor, args.Addresses, args.Values, args.Bytes32, v, r, s,
		p.Prices, p.Timestamps, p.Operator, pv, pr, ps, p.MaxLTV, p.CollateralAmount)
}
