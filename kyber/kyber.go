// Package kyber trades tokens of the managed account through the Kyber network proxy.
//
// Rates returned by the proxy are scaled by 10^18 and do not depend on the token decimals: a rate R means one unit of
// the source token buys R/10^18 units of the destination token.
package kyber

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/tarancss/defigw/lib/contracts"
	"github.com/tarancss/defigw/lib/token"
	"github.com/tarancss/defigw/lib/txlog"
)

// ETH is the symbol of ether, tradable besides the configured tokens.
const ETH = "ETH"

// tradeGasLimit is the gas limit of trade transactions.
const tradeGasLimit = 500000

// Errors returned.
var (
	ErrNoRate      = errors.New("no conversion rate available")
	ErrSameToken   = errors.New("source and destination tokens are the same")
	ErrCannotCover = errors.New("cannot cover the balance needed with other tokens")
)

var (
	rateUnit = decimal.New(1, 18) //nolint:gomnd // rates precision
	// slippage added to the source amount traded to cover a deficit
	coverMargin = decimal.RequireFromString("1.01")
)

// Rate is the conversion rate from one token to another.
type Rate struct {
	From     string          `json:"from"`
	To       string          `json:"to"`
	Expected decimal.Decimal `json:"expectedRate"`
	Slippage decimal.Decimal `json:"slippageRate"`

	slippage *big.Int
}

// Service trades through the Kyber network proxy.
type Service struct {
	tokens *token.Service
	proxy  *contracts.KyberProxy
}

// New returns a service trading through the proxy at address.
func New(tokens *token.Service, backend bind.ContractBackend, address common.Address) (*Service, error) {
	proxy, err := contracts.NewKyberProxy(address, backend)
	if err != nil {
		return nil, err
	}

	return &Service{tokens: tokens, proxy: proxy}, nil
}

// Address returns the proxy address.
func (s *Service) Address() common.Address {
	return s.proxy.Address
}

// asset returns the token with symbol, ether included.
func (s *Service) asset(symbol string) (token.Token, error) {
	if strings.EqualFold(symbol, ETH) {
		return token.Token{Symbol: ETH, Name: "Ether", Address: contracts.EtherAddress, Decimals: 18}, nil //nolint:gomnd
	}

	return s.tokens.Registry().BySymbol(symbol)
}

// ExpectedRate returns the rate to convert human units of from into to.
func (s *Service) ExpectedRate(ctx context.Context, from, to string, human decimal.Decimal) (Rate, error) {
	src, err := s.asset(from)
	if err != nil {
		return Rate{}, err
	}

	amount, err := token.FromHuman(human, src)
	if err != nil {
		return Rate{}, err
	}

	return s.rate(ctx, amount, to)
}

func (s *Service) rate(ctx context.Context, amount token.Amount, to string) (Rate, error) {
	dest, err := s.asset(to)
	if err != nil {
		return Rate{}, err
	}

	if dest.Address == amount.Token.Address {
		return Rate{}, ErrSameToken
	}

	expected, slippage, err := s.proxy.ExpectedRate(ctx, amount.Token.Address, dest.Address, amount.Raw)
	if err != nil {
		return Rate{}, fmt.Errorf("cannot get rate %s to %s: %w", amount.Token.Symbol, dest.Symbol, err)
	}

	return Rate{
		From:     amount.Token.Symbol,
		To:       dest.Symbol,
		Expected: decimal.NewFromBigInt(expected, 0).Div(rateUnit),
		Slippage: decimal.NewFromBigInt(slippage, 0).Div(rateUnit),
		slippage: slippage,
	}, nil
}

// Trade converts human units of from into to, adding the unlock of from if needed and the trade to l.
func (s *Service) Trade(ctx context.Context, from, to string, human decimal.Decimal, l *txlog.Log) error {
	src, err := s.asset(from)
	if err != nil {
		return err
	}

	amount, err := token.FromHuman(human, src)
	if err != nil {
		return err
	}

	if amount.IsMax() {
		if src.Symbol == ETH {
			return fmt.Errorf("%w: cannot trade all ether", token.ErrInvalidAmount)
		}

		if amount, err = s.tokens.Balance(ctx, src.Symbol); err != nil {
			return err
		}
	}

	return s.trade(ctx, amount, to, l)
}

func (s *Service) trade(ctx context.Context, amount token.Amount, to string, l *txlog.Log) error {
	r, err := s.rate(ctx, amount, to)
	if err != nil {
		return err
	}

	if r.slippage.Sign() == 0 {
		return fmt.Errorf("%w: %s to %s", ErrNoRate, r.From, r.To)
	}

	dest, _ := s.asset(to)
	value := new(big.Int)

	if amount.Token.Symbol == ETH {
		value.Set(amount.Raw)
	} else {
		if err = s.tokens.AssertBalance(ctx, amount); err != nil {
			return err
		}

		if err = s.tokens.AddUnlockTransactionIfNeeded(ctx, amount.Token.Symbol, s.proxy.Address, l); err != nil {
			return err
		}
	}

	account := s.tokens.Account()

	opts, err := account.Transactor(ctx, l.NextNonce(), tradeGasLimit)
	if err != nil {
		return err
	}

	opts.Value = value

	tx, err := s.proxy.Trade(opts, amount.Token.Address, amount.Raw, dest.Address, account.Address, token.MaxUint256,
		r.slippage)
	if err != nil {
		return fmt.Errorf("cannot trade %s to %s: %w", amount, dest.Symbol, err)
	}

	logger.WithFields(logger.Fields{
		"amount": amount.String(),
		"to":     dest.Symbol,
		"rate":   r.Slippage.String(),
	}).Info("Trading")

	return l.Add("trade"+amount.Token.Symbol+"to"+dest.Symbol, tx)
}

// EnsureEnoughBalance trades other tokens of the account into needed until the account holds it. When useAllTokens
// is false only WETH is traded. Every trade, and the unlocks it needs, is added to l.
func (s *Service) EnsureEnoughBalance(ctx context.Context, needed token.Amount, useAllTokens bool,
	l *txlog.Log) error {
	bal, err := s.tokens.Balance(ctx, needed.Token.Symbol)
	if err != nil {
		return err
	}

	if bal.Raw.Cmp(needed.Raw) >= 0 {
		return nil
	}

	deficit := token.FromRaw(new(big.Int).Sub(needed.Raw, bal.Raw), needed.Token).Human()

	logger.WithFields(logger.Fields{"needed": needed.String(), "deficit": deficit.String()}).
		Info("Not enough balance, trading other tokens")

	for _, t := range s.tokens.Registry().Tokens() {
		if t.Symbol == needed.Token.Symbol || (!useAllTokens && t.Symbol != token.WETH) {
			continue
		}

		covered, err := s.cover(ctx, t, needed.Token, deficit, l)
		if err != nil {
			return err
		}

		if deficit = deficit.Sub(covered); !deficit.IsPositive() {
			return nil
		}
	}

	return fmt.Errorf("%w: %s %s short", ErrCannotCover, deficit, needed.Token.Symbol)
}

// cover trades t for up to deficit units of target, returning the units bought.
func (s *Service) cover(ctx context.Context, t, target token.Token, deficit decimal.Decimal,
	l *txlog.Log) (decimal.Decimal, error) {
	bal, err := s.tokens.Balance(ctx, t.Symbol)
	if err != nil {
		return decimal.Zero, err
	}

	if bal.Raw.Sign() == 0 {
		return decimal.Zero, nil
	}

	r, err := s.rate(ctx, bal, target.Symbol)
	if err != nil {
		return decimal.Zero, err
	}

	if !r.Slippage.IsPositive() {
		return decimal.Zero, nil
	}

	human := deficit.Div(r.Slippage).Mul(coverMargin)
	if human.GreaterThan(bal.Human()) {
		human = bal.Human()
	}

	amount, err := token.FromHuman(human, t)
	if errors.Is(err, token.ErrInvalidAmount) {
		return decimal.Zero, nil
	}

	if err != nil {
		return decimal.Zero, err
	}

	if err = s.trade(ctx, amount, target.Symbol, l); err != nil {
		return decimal.Zero, err
	}

	return amount.Human().Mul(r.Slippage), nil
}
