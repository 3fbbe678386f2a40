package dharma

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Order statuses on the relayer.
const (
	SignedByDebtor   = "SignedByDebtor"
	SignedByCreditor = "SignedByCreditor"
)

// Relayer request defaults.
const (
	DefaultRelayerRate  = 5 // requests per second
	DefaultRelayerBurst = 5
	requestTimeout      = 20 * time.Second
	maxErrorBody        = 512
)

// Errors returned by the relayer and rates clients.
var (
	ErrOrderNotFound = errors.New("order not found")
	ErrUpstream      = errors.New("upstream error")
)

// ID is an order identifier. The relayer may send it as a JSON string or number.
type ID string

// UnmarshalJSON accepts quoted and unquoted identifiers.
func (i *ID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*i = ""

		return nil
	}

	*i = ID(strings.Trim(string(b), `"`))

	return nil
}

// RelayerOrder is a debt order as published by the Bloqboard relayer. Addresses are hex strings, missing ones are
// null. Signatures are JSON documents in strings.
type RelayerOrder struct {
	ID                      ID              `json:"id"`
	Status                  string          `json:"status"`
	KernelAddress           string          `json:"kernelAddress"`
	RepaymentRouterAddress  string          `json:"repaymentRouterAddress"`
	PrincipalAmount         decimal.Decimal `json:"principalAmount"`
	PrincipalTokenAddress   string          `json:"principalTokenAddress"`
	DebtorAddress           string          `json:"debtorAddress"`
	DebtorFee               decimal.Decimal `json:"debtorFee"`
	TermsContractAddress    string          `json:"termsContractAddress"`
	TermsContractParameters string          `json:"termsContractParameters"`
	ExpirationTime          time.Time       `json:"expirationTime"`
	Salt                    decimal.Decimal `json:"salt"`
	DebtorSignature         string          `json:"debtorSignature"`
	RelayerAddress          string          `json:"relayerAddress"`
	RelayerFee              decimal.Decimal `json:"relayerFee"`
	UnderwriterAddress      string          `json:"underwriterAddress"`
	UnderwriterRiskRating   decimal.Decimal `json:"underwriterRiskRating"`
	UnderwriterFee          decimal.Decimal `json:"underwriterFee"`
	UnderwriterSignature    string          `json:"underwriterSignature"`
	CreditorAddress         string          `json:"creditorAddress"`
	CreditorSignature       string          `json:"creditorSignature"`
	CreditorFee             decimal.Decimal `json:"creditorFee"`
	MaxLTV                  decimal.Decimal `json:"maxLtv"`
	SignerAddress           string          `json:"signerAddress"`
}

// Query selects relayer orders. Empty fields are not sent.
type Query struct {
	Status          string
	PrincipalToken  string
	CollateralToken string
	MinUsdAmount    *decimal.Decimal
	MaxUsdAmount    *decimal.Decimal
}

func (q Query) values(kernel common.Address) url.Values {
	v := url.Values{}
	v.Set("status", q.Status)
	v.Set("kernelAddress", kernel.Hex())

	if q.PrincipalToken != "" {
		v.Set("principalTokenSymbol", q.PrincipalToken)
	}

	if q.CollateralToken != "" {
		v.Set("collateralTokenSymbol", q.CollateralToken)
	}

	if q.MinUsdAmount != nil {
		v.Set("minUsdAmount", q.MinUsdAmount.String())
	}

	if q.MaxUsdAmount != nil {
		v.Set("maxUsdAmount", q.MaxUsdAmount.String())
	}

	return v
}

// Relayer is a rate limited client of the Bloqboard relayer API.
type Relayer struct {
	uri     string
	kernel  common.Address
	client  *http.Client
	limiter *rate.Limiter
}

// NewRelayer returns a client of the relayer at uri listing the orders of kernel. A zero rps disables throttling.
func NewRelayer(uri string, kernel common.Address, rps float64, burst int) *Relayer {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}

	return &Relayer{
		uri:     strings.TrimRight(uri, "/"),
		kernel:  kernel,
		client:  &http.Client{Timeout: requestTimeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

// FetchOrders returns the orders of the kernel matching q.
func (r *Relayer) FetchOrders(ctx context.Context, q Query) ([]RelayerOrder, error) {
	var orders []RelayerOrder

	err := r.get(ctx, r.uri+"/Debts?"+q.values(r.kernel).Encode(), &orders)

	return orders, err
}

// FetchOrder returns the order with the given id.
func (r *Relayer) FetchOrder(ctx context.Context, id string) (RelayerOrder, error) {
	var o RelayerOrder

	err := r.get(ctx, r.uri+"/Debts/"+url.PathEscape(id), &o)
	if err != nil {
		return o, err
	}

	if o.ID == "" {
		o.ID = ID(id)
	}

	return o, nil
}

func (r *Relayer) get(ctx context.Context, u string, out interface{}) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	return getJSON(ctx, r.client, u, out)
}

func getJSON(ctx context.Context, client *http.Client, u string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return err
	}

	req.Header.Set("Accept", "application/json")

	start := time.Now()

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	logger.WithFields(logger.Fields{"url": u, "status": resp.StatusCode, "took": time.Since(start).String()}).
		Debug("upstream request")

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrOrderNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return fmt.Errorf("%w: %s returned %d: %s", ErrUpstream, u, resp.StatusCode, body)
	}

	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: cannot decode %s: %v", ErrUpstream, u, err)
	}

	return nil
}
