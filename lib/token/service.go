package token

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/tarancss/defigw/lib/chain"
	"github.com/tarancss/defigw/lib/contracts"
	"github.com/tarancss/defigw/lib/txlog"
)

// approveGasLimit is the gas limit of unlock and lock transactions.
const approveGasLimit = 100000

// Backend is what the token service needs from the node.
type Backend interface {
	bind.ContractBackend
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Service runs the token operations of the managed account.
type Service struct {
	reg     *Registry
	backend Backend
	account *chain.Account

	mu     sync.Mutex
	tokens map[common.Address]*contracts.ERC20
}

// NewService returns the token service of account.
func NewService(reg *Registry, backend Backend, account *chain.Account) *Service {
	return &Service{reg: reg, backend: backend, account: account, tokens: map[common.Address]*contracts.ERC20{}}
}

// Registry returns the configured tokens.
func (s *Service) Registry() *Registry {
	return s.reg
}

// Account returns the managed account.
func (s *Service) Account() *chain.Account {
	return s.account
}

func (s *Service) erc20(t Token) (*contracts.ERC20, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.tokens[t.Address]; ok {
		return c, nil
	}

	c, err := contracts.NewERC20(t.Address, s.backend)
	if err != nil {
		return nil, err
	}

	s.tokens[t.Address] = c

	return c, nil
}

func (s *Service) lookup(symbol string) (Token, *contracts.ERC20, error) {
	t, err := s.reg.BySymbol(symbol)
	if err != nil {
		return Token{}, nil, err
	}

	c, err := s.erc20(t)

	return t, c, err
}

// EthBalance returns the ether balance of the account in wei.
func (s *Service) EthBalance(ctx context.Context) (*big.Int, error) {
	return s.backend.BalanceAt(ctx, s.account.Address, nil)
}

// Balance returns the balance of the account in symbol.
func (s *Service) Balance(ctx context.Context, symbol string) (Amount, error) {
	t, c, err := s.lookup(symbol)
	if err != nil {
		return Amount{}, err
	}

	raw, err := c.BalanceOf(ctx, s.account.Address)
	if err != nil {
		return Amount{}, fmt.Errorf("cannot get %s balance: %w", t.Symbol, err)
	}

	return Amount{Raw: raw, Token: t}, nil
}

// AssertBalance returns ErrInsufficientBalance when the account holds less than a.
func (s *Service) AssertBalance(ctx context.Context, a Amount) error {
	bal, err := s.Balance(ctx, a.Token.Symbol)
	if err != nil {
		return err
	}

	if bal.Raw.Cmp(a.Raw) < 0 {
		return fmt.Errorf("%w: %s needed, %s available", ErrInsufficientBalance, a, bal)
	}

	return nil
}

// Allowance returns how much of symbol spender may move from the account.
func (s *Service) Allowance(ctx context.Context, symbol string, spender common.Address) (Amount, error) {
	t, c, err := s.lookup(symbol)
	if err != nil {
		return Amount{}, err
	}

	raw, err := c.Allowance(ctx, s.account.Address, spender)
	if err != nil {
		return Amount{}, fmt.Errorf("cannot get %s allowance: %w", t.Symbol, err)
	}

	return Amount{Raw: raw, Token: t}, nil
}

// IsUnlocked reports whether spender has an unlimited allowance on symbol.
func (s *Service) IsUnlocked(ctx context.Context, symbol string, spender common.Address) (bool, error) {
	a, err := s.Allowance(ctx, symbol, spender)
	if err != nil {
		return false, err
	}

	return a.IsUnlimited(), nil
}

// AddUnlockTransactionIfNeeded adds to l an unlimited approval of symbol for spender, unless spender already has it.
func (s *Service) AddUnlockTransactionIfNeeded(ctx context.Context, symbol string, spender common.Address,
	l *txlog.Log) error {
	unlocked, err := s.IsUnlocked(ctx, symbol, spender)
	if err != nil {
		return err
	}

	if unlocked {
		logger.WithFields(logger.Fields{"token": symbol, "spender": spender.Hex()}).Debug("Token already unlocked")

		return nil
	}

	return s.approve(ctx, symbol, spender, MaxUint256, "unlock", l)
}

// Unlock adds to l an unlimited approval of symbol for spender.
func (s *Service) Unlock(ctx context.Context, symbol string, spender common.Address, l *txlog.Log) error {
	return s.approve(ctx, symbol, spender, MaxUint256, "unlock", l)
}

// Lock adds to l the removal of the allowance of spender on symbol.
func (s *Service) Lock(ctx context.Context, symbol string, spender common.Address, l *txlog.Log) error {
	return s.approve(ctx, symbol, spender, new(big.Int), "lock", l)
}

func (s *Service) approve(ctx context.Context, symbol string, spender common.Address, value *big.Int, step string,
	l *txlog.Log) error {
	t, c, err := s.lookup(symbol)
	if err != nil {
		return err
	}

	opts, err := s.account.Transactor(ctx, l.NextNonce(), approveGasLimit)
	if err != nil {
		return err
	}

	tx, err := c.Approve(opts, spender, value)
	if err != nil {
		return fmt.Errorf("cannot %s %s: %w", step, t.Symbol, err)
	}

	return l.Add(step+t.Symbol, tx)
}
