// Package compound supplies, withdraws, borrows and repays tokens of the managed account in the Compound money
// market.
package compound

import (
	"context"
	"fmt"
	"math/big"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/tarancss/defigw/kyber"
	"github.com/tarancss/defigw/lib/contracts"
	"github.com/tarancss/defigw/lib/token"
	"github.com/tarancss/defigw/lib/txlog"
)

// Gas limits of the money market transactions.
const (
	supplyGasLimit   = 300000
	withdrawGasLimit = 320000
	borrowGasLimit   = 360000
	repayGasLimit    = 300000
)

// Service operates the managed account in the money market.
type Service struct {
	tokens *token.Service
	kyber  *kyber.Service
	mm     *contracts.MoneyMarket
}

// New returns a service for the money market at address. k is used to trade other tokens when repaying.
func New(tokens *token.Service, k *kyber.Service, backend bind.ContractBackend, address common.Address) (*Service,
	error) {
	mm, err := contracts.NewMoneyMarket(address, backend)
	if err != nil {
		return nil, err
	}

	return &Service{tokens: tokens, kyber: k, mm: mm}, nil
}

// Address returns the money market address.
func (s *Service) Address() common.Address {
	return s.mm.Address
}

// SupplyBalance returns what the account supplied of symbol, interest included.
func (s *Service) SupplyBalance(ctx context.Context, symbol string) (token.Amount, error) {
	t, err := s.tokens.Registry().BySymbol(symbol)
	if err != nil {
		return token.Amount{}, err
	}

	raw, err := s.mm.SupplyBalance(ctx, s.tokens.Account().Address, t.Address)
	if err != nil {
		return token.Amount{}, err
	}

	return token.Amount{Raw: raw, Token: t}, nil
}

// BorrowBalance returns what the account owes of symbol, interest included.
func (s *Service) BorrowBalance(ctx context.Context, symbol string) (token.Amount, error) {
	t, err := s.tokens.Registry().BySymbol(symbol)
	if err != nil {
		return token.Amount{}, err
	}

	raw, err := s.mm.BorrowBalance(ctx, s.tokens.Account().Address, t.Address)
	if err != nil {
		return token.Amount{}, err
	}

	return token.Amount{Raw: raw, Token: t}, nil
}

// AccountLiquidity returns the liquidity of the account in wei. It is negative when the account has a shortfall.
func (s *Service) AccountLiquidity(ctx context.Context) (*big.Int, error) {
	return s.mm.AccountLiquidity(ctx, s.tokens.Account().Address)
}

func (s *Service) amount(symbol string, human decimal.Decimal) (token.Amount, error) {
	t, err := s.tokens.Registry().BySymbol(symbol)
	if err != nil {
		return token.Amount{}, err
	}

	return token.FromHuman(human, t)
}

// Supply adds to l the supply of human units of symbol, preceded by its unlock if needed.
func (s *Service) Supply(ctx context.Context, symbol string, human decimal.Decimal, l *txlog.Log) error {
	a, err := s.amount(symbol, human)
	if err != nil {
		return err
	}

	if err = s.tokens.AssertBalance(ctx, a); err != nil {
		return err
	}

	if err = s.tokens.AddUnlockTransactionIfNeeded(ctx, a.Token.Symbol, s.mm.Address, l); err != nil {
		return err
	}

	opts, err := s.tokens.Account().Transactor(ctx, l.NextNonce(), supplyGasLimit)
	if err != nil {
		return err
	}

	tx, err := s.mm.Supply(opts, a.Token.Address, a.Raw)
	if err != nil {
		return fmt.Errorf("cannot supply %s: %w", a, err)
	}

	logger.WithFields(logger.Fields{"amount": a.String()}).Info("Supplying")

	return l.Add("supply", tx)
}

// Withdraw adds to l the withdrawal of human units of symbol. -1 withdraws the whole supply balance.
func (s *Service) Withdraw(ctx context.Context, symbol string, human decimal.Decimal, l *txlog.Log) error {
	return s.send(ctx, "withdraw", symbol, human, withdrawGasLimit, s.mm.Withdraw, l)
}

// Borrow adds to l the borrow of human units of symbol.
func (s *Service) Borrow(ctx context.Context, symbol string, human decimal.Decimal, l *txlog.Log) error {
	a, err := s.amount(symbol, human)
	if err != nil {
		return err
	}

	if a.IsMax() {
		return fmt.Errorf("%w: cannot borrow all", token.ErrInvalidAmount)
	}

	return s.send(ctx, "borrow", symbol, human, borrowGasLimit, s.mm.Borrow, l)
}

type sendFunc func(opts *bind.TransactOpts, asset common.Address, amount *big.Int) (*types.Transaction, error)

func (s *Service) send(ctx context.Context, step, symbol string, human decimal.Decimal, gasLimit uint64,
	fn sendFunc, l *txlog.Log) error {
	a, err := s.amount(symbol, human)
	if err != nil {
		return err
	}

	opts, err := s.tokens.Account().Transactor(ctx, l.NextNonce(), gasLimit)
	if err != nil {
		return err
	}

	tx, err := fn(opts, a.Token.Address, a.Raw)
	if err != nil {
		return fmt.Errorf("cannot %s %s: %w", step, a, err)
	}

	logger.WithFields(logger.Fields{"amount": a.String()}).Info("Money market " + step)

	return l.Add(step, tx)
}

// RepayBorrow adds to l the repayment of human units of symbol, -1 repaying the whole borrow balance. When
// utilizeOtherTokens is set and the account lacks symbol, other tokens are traded into it first.
func (s *Service) RepayBorrow(ctx context.Context, symbol string, human decimal.Decimal, utilizeOtherTokens bool,
	l *txlog.Log) error {
	a, err := s.amount(symbol, human)
	if err != nil {
		return err
	}

	needed := a
	if a.IsMax() {
		if needed, err = s.BorrowBalance(ctx, symbol); err != nil {
			return err
		}
	}

	logger.WithFields(logger.Fields{"utilize_other_tokens": utilizeOtherTokens}).Debug("Repaying borrow")

	if utilizeOtherTokens {
		err = s.kyber.EnsureEnoughBalance(ctx, needed, true, l)
	} else {
		err = s.tokens.AssertBalance(ctx, needed)
	}

	if err != nil {
		return err
	}

	if err = s.tokens.AddUnlockTransactionIfNeeded(ctx, a.Token.Symbol, s.mm.Address, l); err != nil {
		return err
	}

	opts, err := s.tokens.Account().Transactor(ctx, l.NextNonce(), repayGasLimit)
	if err != nil {
		return err
	}

	// the money market takes MaxUint256 as the whole balance
	tx, err := s.mm.RepayBorrow(opts, a.Token.Address, a.Raw)
	if err != nil {
		return fmt.Errorf("cannot repay %s: %w", a, err)
	}

	logger.WithFields(logger.Fields{"amount": a.String()}).Info("Repaying")

	return l.Add("repayBorrow", tx)
}
