package token

import (
	"fmt"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"

	"github.com/tarancss/defigw/lib/chain"
	"github.com/tarancss/defigw/lib/config"
)

// FromConfig returns the registry of the configured tokens.
func FromConfig(conf []config.TokenConfig) (*Registry, error) {
	tokens := make([]Token, 0, len(conf))

	for _, c := range conf {
		if !common.IsHexAddress(c.Address) {
			return nil, fmt.Errorf("invalid address %q for token %s", c.Address, c.Symbol)
		}

		tokens = append(tokens, Token{
			Symbol:   c.Symbol,
			Name:     c.Name,
			Address:  common.HexToAddress(c.Address),
			Decimals: c.Decimals,
		})
	}

	return NewRegistry(tokens)
}

// MetaReader reads ERC20 metadata from the chain.
type MetaReader interface {
	Token(address string) (chain.TokenMeta, error)
}

// Verify checks the configured symbol and decimals of every token against the token contracts, returning how many
// tokens do not match.
func (r *Registry) Verify(meta MetaReader) int {
	mismatches := 0

	for _, t := range r.tokens {
		m, err := meta.Token(t.Address.Hex())
		if err != nil {
			logger.WithFields(logger.Fields{"token": t.Symbol, "address": t.Address.Hex(), "error": err}).
				Warn("Cannot read token metadata")

			mismatches++

			continue
		}

		if m.Decimals != t.Decimals || m.Symbol != t.Symbol {
			logger.WithFields(logger.Fields{
				"token":           t.Symbol,
				"address":         t.Address.Hex(),
				"chain_symbol":    m.Symbol,
				"chain_decimals":  m.Decimals,
				"config_decimals": t.Decimals,
			}).Warn("Token configuration does not match the token contract")

			mismatches++
		}
	}

	return mismatches
}
