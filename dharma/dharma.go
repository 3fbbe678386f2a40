// Package dharma lists and fills Dharma debt orders published on the Bloqboard relayer: debt requests signed by
// debtors, which the managed account fills as creditor, and lend offers signed by creditors, which it fills as debtor
// through the max-LTV creditor proxy.
package dharma

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/tarancss/defigw/lib/contracts"
	"github.com/tarancss/defigw/lib/token"
	"github.com/tarancss/defigw/lib/txlog"
)

const (
	fillGasLimit   = 600000
	indexCacheSize = 256
	convertWorkers = 8
	usd            = "USD"
)

// ErrOrderStatus is returned when filling an order that is not open for the requested side.
var ErrOrderStatus = errors.New("order cannot be filled")

var (
	collateralMargin = decimal.RequireFromString("1.01")
	hundred          = decimal.NewFromInt(100) //nolint:gomnd // percent
)

// Config holds the Dharma contract addresses.
type Config struct {
	Kernel             common.Address
	RepaymentRouter    common.Address
	TokenTransferProxy common.Address
	TokenRegistry      common.Address
	CreditorProxy      common.Address
}

// Filter narrows the listed orders. Tokens are symbols.
type Filter struct {
	PrincipalToken  string
	CollateralToken string
	MinUsdAmount    *decimal.Decimal
	MaxUsdAmount    *decimal.Decimal
}

// Order is the summary of a relayer order.
type Order struct {
	ID               string  `json:"id"`
	Principal        string  `json:"principal"`
	Collateral       string  `json:"collateral"`
	InterestRate     float64 `json:"interestRate"` // per term, 0.05 is 5%
	TermLength       uint64  `json:"termLength"`
	AmortizationUnit string  `json:"amortizationUnit"`
}

// Service fills Dharma orders with the managed account.
type Service struct {
	conf     Config
	tokens   *token.Service
	relayer  *Relayer
	rates    *Rates
	kernel   *contracts.DebtKernel
	proxy    *contracts.CreditorProxy
	registry *contracts.TokenRegistry
	indexes  *lru.Cache // token index -> address
}

// New returns the Dharma service.
func New(tokens *token.Service, backend bind.ContractBackend, conf Config, relayer *Relayer, rates *Rates) (*Service,
	error) {
	kernel, err := contracts.NewDebtKernel(conf.Kernel, backend)
	if err != nil {
		return nil, err
	}

	proxy, err := contracts.NewCreditorProxy(conf.CreditorProxy, backend)
	if err != nil {
		return nil, err
	}

	registry, err := contracts.NewTokenRegistry(conf.TokenRegistry, backend)
	if err != nil {
		return nil, err
	}

	indexes, err := lru.New(indexCacheSize)
	if err != nil {
		return nil, err
	}

	return &Service{
		conf:     conf,
		tokens:   tokens,
		relayer:  relayer,
		rates:    rates,
		kernel:   kernel,
		proxy:    proxy,
		registry: registry,
		indexes:  indexes,
	}, nil
}

func (s *Service) tokenByIndex(ctx context.Context, index uint8) (token.Token, error) {
	var addr common.Address

	if v, ok := s.indexes.Get(index); ok {
		addr, _ = v.(common.Address)
	} else {
		var err error
		if addr, err = s.registry.TokenAddressByIndex(ctx, index); err != nil {
			return token.Token{}, fmt.Errorf("cannot resolve token index %d: %w", index, err)
		}

		s.indexes.Add(index, addr)
	}

	t, err := s.tokens.Registry().ByAddress(addr)
	if err != nil {
		return token.Token{}, fmt.Errorf("token index %d: %w", index, err)
	}

	return t, nil
}

// loan is a decoded relayer order.
type loan struct {
	raw        RelayerOrder
	order      *DebtOrder
	terms      Terms
	principal  token.Amount
	collateral token.Amount
}

func (s *Service) decode(ctx context.Context, o RelayerOrder) (*loan, error) {
	d, err := NewDebtOrder(o)
	if err != nil {
		return nil, err
	}

	terms, err := DecodeTerms(d.TermsContractParameters)
	if err != nil {
		return nil, err
	}

	pt, err := s.tokenByIndex(ctx, terms.PrincipalTokenIndex)
	if err != nil {
		return nil, err
	}

	// the relayer may omit the principal token, the terms always carry it
	switch d.PrincipalToken {
	case common.Address{}:
		d.PrincipalToken = pt.Address
	case pt.Address:
	default:
		return nil, fmt.Errorf("%w: principal token %s is not the token of index %d (%s)", ErrInvalidTerms,
			d.PrincipalToken.Hex(), terms.PrincipalTokenIndex, pt.Address.Hex())
	}

	ct, err := s.tokenByIndex(ctx, terms.CollateralTokenIndex)
	if err != nil {
		return nil, err
	}

	return &loan{
		raw:        o,
		order:      d,
		terms:      terms,
		principal:  token.FromRaw(d.PrincipalAmount, pt),
		collateral: token.FromRaw(terms.CollateralAmount, ct),
	}, nil
}

func (l *loan) summary() Order {
	return Order{
		ID:               l.order.ID,
		Principal:        l.principal.String(),
		Collateral:       l.collateral.String(),
		InterestRate:     l.terms.InterestRate.Div(hundred).InexactFloat64(),
		TermLength:       l.terms.TermLength,
		AmortizationUnit: l.terms.AmortizationUnit,
	}
}

func (f Filter) match(l *loan) bool {
	if f.PrincipalToken != "" && !strings.EqualFold(f.PrincipalToken, l.principal.Token.Symbol) {
		return false
	}

	return f.CollateralToken == "" || strings.EqualFold(f.CollateralToken, l.collateral.Token.Symbol)
}

// GetDebtOrders lists the debt requests signed by debtors.
func (s *Service) GetDebtOrders(ctx context.Context, f Filter) ([]Order, error) {
	return s.list(ctx, SignedByDebtor, f)
}

// GetLendOffers lists the lend offers signed by creditors.
func (s *Service) GetLendOffers(ctx context.Context, f Filter) ([]Order, error) {
	return s.list(ctx, SignedByCreditor, f)
}

func (s *Service) list(ctx context.Context, status string, f Filter) ([]Order, error) {
	raw, err := s.relayer.FetchOrders(ctx, Query{
		Status:          status,
		PrincipalToken:  strings.ToUpper(f.PrincipalToken),
		CollateralToken: strings.ToUpper(f.CollateralToken),
		MinUsdAmount:    f.MinUsdAmount,
		MaxUsdAmount:    f.MaxUsdAmount,
	})
	if err != nil {
		return nil, err
	}

	loans := make([]*loan, len(raw))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(convertWorkers)

	for i := range raw {
		g.Go(func() error {
			l, errD := s.decode(gctx, raw[i])

			switch {
			case errors.Is(errD, token.ErrUnknownToken), errors.Is(errD, ErrInvalidTerms), errors.Is(errD, ErrUpstream):
				logger.WithFields(logger.Fields{"id": raw[i].ID, "error": errD}).Debug("Skipping order")

				return nil
			case errD != nil:
				return errD
			}

			loans[i] = l

			return nil
		})
	}

	if err = g.Wait(); err != nil {
		return nil, err
	}

	orders := make([]Order, 0, len(loans))

	for _, l := range loans {
		if l != nil && f.match(l) {
			orders = append(orders, l.summary())
		}
	}

	return orders, nil
}

func (s *Service) fetch(ctx context.Context, id, status string) (*loan, error) {
	o, err := s.relayer.FetchOrder(ctx, id)
	if err != nil {
		return nil, err
	}

	if o.Status != "" && o.Status != status {
		return nil, fmt.Errorf("%w: order %s is %s", ErrOrderStatus, id, o.Status)
	}

	if !o.ExpirationTime.IsZero() && o.ExpirationTime.Before(time.Now()) {
		return nil, fmt.Errorf("%w: order %s expired at %s", ErrOrderStatus, id, o.ExpirationTime)
	}

	return s.decode(ctx, o)
}

// FillDebtRequest lends the principal of the debt request id with the managed account as creditor.
func (s *Service) FillDebtRequest(ctx context.Context, id string, l *txlog.Log) error {
	ln, err := s.fetch(ctx, id, SignedByDebtor)
	if err != nil {
		return err
	}

	if err = s.tokens.AssertBalance(ctx, ln.principal); err != nil {
		return err
	}

	if err = s.tokens.AddUnlockTransactionIfNeeded(ctx, ln.principal.Token.Symbol, s.conf.TokenTransferProxy,
		l); err != nil {
		return err
	}

	account := s.tokens.Account()
	ln.order.Creditor = account.Address

	opts, err := account.Transactor(ctx, l.NextNonce(), fillGasLimit)
	if err != nil {
		return err
	}

	tx, err := s.kernel.FillDebtOrder(opts, ln.order.Args())
	if err != nil {
		return fmt.Errorf("cannot fill debt request %s: %w", id, err)
	}

	logger.WithFields(logger.Fields{"id": id, "principal": ln.principal.String(), "hash": tx.Hash().Hex()}).
		Info("Filling debt request")

	return l.Add("fillDebtRequest", tx)
}

// FillLendOffer borrows the principal of the lend offer id with the managed account as debtor, providing the
// collateral required by the offer's maximum loan to value.
func (s *Service) FillLendOffer(ctx context.Context, id string, l *txlog.Log) error {
	ln, err := s.fetch(ctx, id, SignedByCreditor)
	if err != nil {
		return err
	}

	if ln.raw.MaxLTV.Sign() <= 0 || !ln.raw.MaxLTV.Equal(ln.raw.MaxLTV.Truncate(0)) {
		return fmt.Errorf("%w: lend offer %s has max LTV %s", ErrUpstream, id, ln.raw.MaxLTV)
	}

	var pPrice, cPrice Price

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (e error) {
		pPrice, e = s.rates.SignedRate(gctx, ln.principal.Token.Symbol, usd)

		return e
	})
	g.Go(func() (e error) {
		cPrice, e = s.rates.SignedRate(gctx, ln.collateral.Token.Symbol, usd)

		return e
	})

	if err = g.Wait(); err != nil {
		return err
	}

	collateral, err := Collateral(ln.principal, pPrice.Value, cPrice.Value, ln.raw.MaxLTV, ln.collateral.Token)
	if err != nil {
		return err
	}

	priced, err := pricedOffer(pPrice, cPrice, ln.raw.MaxLTV, collateral)
	if err != nil {
		return err
	}

	priced.Operator, err = address("signerAddress", ln.raw.SignerAddress)
	if err != nil {
		return err
	}

	if err = s.tokens.AssertBalance(ctx, collateral); err != nil {
		return err
	}

	if err = s.tokens.AddUnlockTransactionIfNeeded(ctx, collateral.Token.Symbol, s.conf.TokenTransferProxy,
		l); err != nil {
		return err
	}

	account := s.tokens.Account()

	ln.terms.CollateralAmount = collateral.Raw
	if ln.order.TermsContractParameters, err = ln.terms.Encode(); err != nil {
		return err
	}

	ln.order.Debtor = account.Address
	ln.order.Kernel = s.conf.Kernel

	sig := &ln.order.DebtorSignature
	if sig.V, sig.R, sig.S, err = account.SignHash(ln.order.DebtorCommitment().Bytes()); err != nil {
		return err
	}

	opts, err := account.Transactor(ctx, l.NextNonce(), fillGasLimit)
	if err != nil {
		return err
	}

	tx, err := s.proxy.FillDebtOffer(opts, ln.order.Args(), priced)
	if err != nil {
		return fmt.Errorf("cannot fill lend offer %s: %w", id, err)
	}

	logger.WithFields(logger.Fields{
		"id":         id,
		"principal":  ln.principal.String(),
		"collateral": collateral.String(),
		"hash":       tx.Hash().Hex(),
	}).Info("Filling lend offer")

	return l.Add("fillLendOffer", tx)
}

// Collateral returns the collateral needed to borrow principal under maxLTV (percent), given USD prices of both
// tokens, plus a 1% margin for price moves.
func Collateral(principal token.Amount, principalPrice, collateralPrice, maxLTV decimal.Decimal,
	collateral token.Token) (token.Amount, error) {
	if collateralPrice.Sign() <= 0 || maxLTV.Sign() <= 0 {
		return token.Amount{}, fmt.Errorf("%w: cannot price collateral", ErrUpstream)
	}

	human := principal.Human().Mul(principalPrice).Div(maxLTV.Div(hundred)).Div(collateralPrice).Mul(collateralMargin)

	return token.FromHuman(human.RoundUp(int32(collateral.Decimals)), collateral)
}

func pricedOffer(p, c Price, maxLTV decimal.Decimal, collateral token.Amount) (contracts.PricedOffer, error) {
	pRaw, err := p.raw()
	if err != nil {
		return contracts.PricedOffer{}, err
	}

	cRaw, err := c.raw()
	if err != nil {
		return contracts.PricedOffer{}, err
	}

	return contracts.PricedOffer{
		Prices:           [2]*big.Int{pRaw, cRaw},
		Timestamps:       [2]*big.Int{p.Timestamp, c.Timestamp},
		PriceSignatures:  [2]contracts.Signature{p.Signature, c.Signature},
		MaxLTV:           maxLTV.BigInt(),
		CollateralAmount: collateral.Raw,
	}, nil
}

// TokenTransferProxy returns the address moving principal and collateral, the spender to unlock for Dharma.
func (s *Service) TokenTransferProxy() common.Address {
	return s.conf.TokenTransferProxy
}
