package chain

import (
	"errors"

	"github.com/tarancss/ethcli"
)

// TokenMeta is the ERC20 metadata published by a token contract.
type TokenMeta struct {
	Name     string
	Symbol   string
	Decimals uint8
}

// Meta reads ERC20 token metadata from the node.
type Meta struct {
	c *ethcli.EthCli
}

// NewMeta returns a metadata reader connected to node, using secret for Basic Authentication if necessary.
func NewMeta(node, secret string) (*Meta, error) {
	c := ethcli.Init(node, secret)
	if c == nil {
		return nil, errors.New("cannot connect to ethereum node in " + node)
	}

	return &Meta{c: c}, nil
}

// Token returns the name, symbol and decimals of a valid ERC20 token.
func (m *Meta) Token(address string) (t TokenMeta, err error) {
	if t.Name, err = m.c.GetTokenName(address); err != nil {
		return
	}

	if t.Symbol, err = m.c.GetTokenSymbol(address); err != nil {
		return
	}

	var dec uint64
	if dec, err = m.c.GetTokenDecimals(address); err != nil {
		return
	}

	t.Decimals = uint8(dec)

	return
}

// Close ends the connection.
func (m *Meta) Close() {
	m.c.End()
}
