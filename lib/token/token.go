// Package token holds the ERC20 tokens the gateway operates with, their amounts and the token operations of the
// managed account: balances, allowances and the unlock (approve) transactions protocols need before moving tokens.
package token

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Symbols of the tokens supported by the protocols.
const (
	WETH = "WETH"
	DAI  = "DAI"
	ZRX  = "ZRX"
	REP  = "REP"
	BAT  = "BAT"
	MKR  = "MKR"
)

// Errors returned.
var (
	ErrUnknownToken        = errors.New("unknown token")
	ErrInvalidAmount       = errors.New("amount must be positive, or -1 for all")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

var (
	// MaxUint256 is the raw amount meaning "all" and the allowance given by unlocks.
	MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1)) //nolint:gomnd // 2^256-1
	// unlockedThreshold is the allowance from which a token is considered unlocked for a spender.
	unlockedThreshold = new(big.Int).Lsh(big.NewInt(1), 255) //nolint:gomnd // 2^255
)

// Token is an ERC20 token.
type Token struct {
	Symbol   string         `json:"symbol"`
	Name     string         `json:"name,omitempty"`
	Address  common.Address `json:"address"`
	Decimals uint8          `json:"decimals"`
}

// Amount is a raw token amount.
type Amount struct {
	Raw   *big.Int
	Token Token
}

// maxDigits is the number of decimal digits of MaxUint256.
const maxDigits = 78

// FromHuman converts a human amount (ie. 1.5 DAI) to its raw amount, truncating digits beyond the token decimals. -1
// means all and is converted to MaxUint256. Raw amounts must be below MaxUint256.
func FromHuman(human decimal.Decimal, t Token) (Amount, error) {
	// digits of the integer part of the raw amount, checked before anything rescales human
	digits := int64(human.NumDigits()) + int64(human.Exponent()) + int64(t.Decimals)
	if digits > maxDigits {
		return Amount{}, fmt.Errorf("%w: more than %d digits as raw %s", ErrInvalidAmount, maxDigits, t.Symbol)
	}

	if digits <= 0 {
		return Amount{}, fmt.Errorf("%w: below the %s precision", ErrInvalidAmount, t.Symbol)
	}

	if human.Equal(decimal.NewFromInt(-1)) {
		return Amount{Raw: new(big.Int).Set(MaxUint256), Token: t}, nil
	}

	if !human.IsPositive() {
		return Amount{}, fmt.Errorf("%w: %s", ErrInvalidAmount, human)
	}

	raw := human.Shift(int32(t.Decimals)).Truncate(0).BigInt()
	if raw.Sign() == 0 {
		return Amount{}, fmt.Errorf("%w: %s is below the %s precision", ErrInvalidAmount, human, t.Symbol)
	}

	if raw.Cmp(MaxUint256) >= 0 {
		return Amount{}, fmt.Errorf("%w: %s %s does not fit in 256 bits", ErrInvalidAmount, human, t.Symbol)
	}

	return Amount{Raw: raw, Token: t}, nil
}

// ParseHuman parses s as a human amount of t.
func ParseHuman(s string, t Token) (Amount, error) {
	human, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	return FromHuman(human, t)
}

// FromRaw returns the amount raw of t.
func FromRaw(raw *big.Int, t Token) Amount {
	return Amount{Raw: new(big.Int).Set(raw), Token: t}
}

// IsMax reports whether the amount means all.
func (a Amount) IsMax() bool {
	return a.Raw != nil && a.Raw.Cmp(MaxUint256) == 0
}

// IsUnlimited reports whether the amount, as an allowance, unlocks the token.
func (a Amount) IsUnlimited() bool {
	return a.Raw != nil && a.Raw.Cmp(unlockedThreshold) >= 0
}

// Human returns the amount in token units.
func (a Amount) Human() decimal.Decimal {
	if a.Raw == nil {
		return decimal.Zero
	}

	return decimal.NewFromBigInt(a.Raw, -int32(a.Token.Decimals))
}

func (a Amount) String() string {
	if a.IsMax() {
		return "ALL " + a.Token.Symbol
	}

	return a.Human().String() + " " + a.Token.Symbol
}

// MarshalJSON encodes the amount as returned by the API.
func (a Amount) MarshalJSON() ([]byte, error) {
	raw := "0"
	if a.Raw != nil {
		raw = a.Raw.String()
	}

	return json.Marshal(struct {
		Token  string `json:"token"`
		Amount string `json:"amount"`
		Raw    string `json:"raw"`
	}{a.Token.Symbol, a.Human().String(), raw})
}

// Registry holds the tokens configured for the gateway.
type Registry struct {
	tokens    []Token
	bySymbol  map[string]Token
	byAddress map[common.Address]Token
}

// NewRegistry returns a registry of tokens.
func NewRegistry(tokens []Token) (*Registry, error) {
	r := &Registry{bySymbol: map[string]Token{}, byAddress: map[common.Address]Token{}}

	for _, t := range tokens {
		s := strings.ToUpper(t.Symbol)
		if _, dup := r.bySymbol[s]; dup {
			return nil, fmt.Errorf("token %s configured twice", s)
		}

		t.Symbol = s
		r.tokens = append(r.tokens, t)
		r.bySymbol[s] = t
		r.byAddress[t.Address] = t
	}

	return r, nil
}

// BySymbol returns the token with the given symbol, case insensitive.
func (r *Registry) BySymbol(symbol string) (Token, error) {
	t, ok := r.bySymbol[strings.ToUpper(symbol)]
	if !ok {
		return Token{}, fmt.Errorf("%w: %s", ErrUnknownToken, symbol)
	}

	return t, nil
}

// ByAddress returns the token deployed at address.
func (r *Registry) ByAddress(address common.Address) (Token, error) {
	t, ok := r.byAddress[address]
	if !ok {
		return Token{}, fmt.Errorf("%w: %s", ErrUnknownToken, address.Hex())
	}

	return t, nil
}

// Symbols returns the configured token symbols in configuration order.
func (r *Registry) Symbols() []string {
	s := make([]string, len(r.tokens))
	for i, t := range r.tokens {
		s[i] = t.Symbol
	}

	return s
}

// Tokens returns the configured tokens in configuration order.
func (r *Registry) Tokens() []Token {
	return append([]Token(nil), r.tokens...)
}
