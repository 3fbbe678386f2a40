package dharma

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/tarancss/defigw/lib/contracts"
)

// Price is a token price signed by the currency rates feed.
type Price struct {
	Value        decimal.Decimal
	TokenAddress common.Address
	Timestamp    *big.Int
	Signature    contracts.Signature
}

type signedRate struct {
	Rate                       decimal.Decimal `json:"rate"`
	TargetCurrencyTokenAddress string          `json:"targetCurrencyTokenAddress"`
	TimeStamp                  decimal.Decimal `json:"timeStamp"`
	Signature                  struct {
		V string `json:"v"`
		R string `json:"r"`
		S string `json:"s"`
	} `json:"signature"`
}

// Rates is a client of the signed currency rates API.
type Rates struct {
	uri    string
	client *http.Client
}

// NewRates returns a client of the rates API at uri.
func NewRates(uri string) *Rates {
	return &Rates{uri: strings.TrimRight(uri, "/"), client: &http.Client{Timeout: requestTimeout}}
}

// SignedRate returns the signed price of source in target (ie. DAI in USD).
func (r *Rates) SignedRate(ctx context.Context, source, target string) (Price, error) {
	var sr signedRate

	err := getJSON(ctx, r.client, fmt.Sprintf("%s/api/v0/rates/signed/%s/%s", r.uri, source, target), &sr)
	if errors.Is(err, ErrOrderNotFound) {
		return Price{}, fmt.Errorf("%w: no signed rate of %s in %s", ErrUpstream, source, target)
	}

	if err != nil {
		return Price{}, err
	}

	v, err := strconv.ParseUint(strings.TrimPrefix(sr.Signature.V, "0x"), 16, 8)
	if err != nil {
		return Price{}, fmt.Errorf("%w: bad signature v %q of %s rate", ErrUpstream, sr.Signature.V, source)
	}

	p := Price{
		Value:        sr.Rate,
		TokenAddress: common.HexToAddress(sr.TargetCurrencyTokenAddress),
		Timestamp:    sr.TimeStamp.BigInt(),
		Signature:    contracts.Signature{V: uint8(v)},
	}

	for _, part := range []struct {
		hex string
		out *[32]byte
	}{{sr.Signature.R, &p.Signature.R}, {sr.Signature.S, &p.Signature.S}} {
		b := common.FromHex(part.hex)
		if len(b) != common.HashLength {
			return Price{}, fmt.Errorf("%w: bad signature of %s rate", ErrUpstream, source)
		}

		copy(part.out[:], b)
	}

	return p, nil
}

// raw returns the price value as sent to the creditor proxy. The feed signs integer values.
func (p Price) raw() (*big.Int, error) {
	if !p.Value.Equal(p.Value.Truncate(0)) || p.Value.Sign() <= 0 {
		return nil, fmt.Errorf("%w: price %s cannot be sent on chain", ErrUpstream, p.Value)
	}

	return p.Value.BigInt(), nil
}
