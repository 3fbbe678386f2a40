package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/tarancss/defigw/dharma"
	"github.com/tarancss/defigw/kyber"
	"github.com/tarancss/defigw/lib/metrics"
	"github.com/tarancss/defigw/lib/store"
	"github.com/tarancss/defigw/lib/token"
	"github.com/tarancss/defigw/lib/txlog"
)

// Welcome is the body replied by the home route.
const Welcome = "Hello, this is your DeFi gateway!"

// ErrBadRequest is returned for requests with missing or malformed parameters.
var ErrBadRequest = errors.New("bad request")

// Response defines the data structure returned to the client making the http request. Body holds the JSON result.
type Response struct {
	Body  string `json:"body"`
	Error string `json:"error,omitempty"`
}

// apiFunc serves a request, returning the body, the status code (0 for the default one) and an error.
type apiFunc func(r *http.Request) (interface{}, int, error)

// handle replies the result of fn in a Response, logs the request and records its metrics.
func (g *Gateway) handle(route string, fn apiFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var res Response

		start := time.Now()

		body, code, err := func() (interface{}, int, error) {
			if err := r.ParseForm(); err != nil {
				return nil, 0, fmt.Errorf("%w: %v", ErrBadRequest, err)
			}

			return fn(r)
		}()

		if err != nil {
			res.Error = err.Error()
		}

		if code == 0 {
			code = statusOf(err)
		}

		if msg, ok := body.(string); ok {
			res.Body = msg
		} else if body != nil {
			tmp, errM := json.Marshal(body)
			if errM != nil {
				code, res.Error = http.StatusInternalServerError, errM.Error()
			}

			res.Body = string(tmp)
		}

		// log request
		logger.WithFields(logger.Fields{
			"remote": r.RemoteAddr,
			"method": r.Method,
			"uri":    r.RequestURI,
			"code":   code,
			"error":  err,
		}).Info("httpreq")
		metrics.Requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
		metrics.Latency.WithLabelValues(route).Observe(time.Since(start).Seconds())

		// reply
		rw.Header().Set("Content-Type", "application/json;charset=utf8")
		rw.WriteHeader(code)
		_ = json.NewEncoder(rw).Encode(&res)
	}
}

// statusOf maps errors to http status codes. Queries answer 200 and submissions 201 when there is no error.
func statusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrBadRequest), errors.Is(err, token.ErrInvalidAmount), errors.Is(err, kyber.ErrSameToken):
		return http.StatusBadRequest
	case errors.Is(err, token.ErrUnknownToken), errors.Is(err, dharma.ErrOrderNotFound),
		errors.Is(err, store.ErrLogNotFound):
		return http.StatusNotFound
	case errors.Is(err, token.ErrInsufficientBalance), errors.Is(err, kyber.ErrCannotCover),
		errors.Is(err, kyber.ErrNoRate), errors.Is(err, dharma.ErrOrderStatus):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

// boolParam parses the query parameter name, only true and false being accepted.
func boolParam(r *http.Request, name string, def bool) (bool, error) {
	v, ok := r.Form[name]
	if !ok {
		return def, nil
	}

	switch v[0] {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}

	return false, fmt.Errorf("%w: %s must be true or false", ErrBadRequest, name)
}

// maxDigits bounds the integer and fractional digits of decimal parameters, the digits of a uint256.
const maxDigits = 78

func decimalParam(r *http.Request, name string) (*decimal.Decimal, error) {
	v := r.Form.Get(name)
	if v == "" {
		return nil, nil //nolint:nilnil // optional
	}

	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q is not a number", ErrBadRequest, name, v)
	}

	if int64(d.NumDigits())+int64(d.Exponent()) > maxDigits || d.Exponent() < -maxDigits {
		return nil, fmt.Errorf("%w: %s %q has more than %d digits", ErrBadRequest, name, v, maxDigits)
	}

	return &d, nil
}

// amountParam returns the required amount parameter, -1 meaning all.
func amountParam(r *http.Request) (decimal.Decimal, error) {
	d, err := decimalParam(r, "amount")
	if err != nil {
		return decimal.Zero, err
	}

	if d == nil {
		return decimal.Zero, fmt.Errorf("%w: amount is required", ErrBadRequest)
	}

	return *d, nil
}

// spender resolves the spender parameter, an address or the name of a protocol.
func (g *Gateway) spender(r *http.Request) (common.Address, error) {
	s := r.Form.Get("spender")

	switch strings.ToLower(s) {
	case "compound":
		return g.Compound.Address(), nil
	case "kyber":
		return g.Kyber.Address(), nil
	case "dharma":
		return g.Dharma.TokenTransferProxy(), nil
	}

	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: spender must be an address or one of compound, kyber, dharma",
			ErrBadRequest)
	}

	return common.HexToAddress(s), nil
}

// submit runs fn as operation. A failed operation that already broadcast transactions replies its log with 502.
func (g *Gateway) submit(r *http.Request, operation string, fn txlog.Func) (interface{}, int, error) {
	await, err := boolParam(r, "needAwaitMining", true)
	if err != nil {
		return nil, 0, err
	}

	l, err := g.Runner.Run(r.Context(), operation, g.Tokens.Account().Address, await, fn)
	if err != nil {
		var terr *txlog.Error
		if errors.As(err, &terr) && terr.Partial() {
			return l, http.StatusBadGateway, err
		}

		return nil, 0, err
	}

	return l, http.StatusCreated, nil
}

// homeHandler just replies a welcome message to the client.
func (g *Gateway) homeHandler(*http.Request) (interface{}, int, error) {
	return Welcome, 0, nil
}

type account struct {
	Address    string `json:"address"`
	Network    string `json:"network"`
	EthBalance string `json:"ethBalance"` // wei
}

func (g *Gateway) accountHandler(r *http.Request) (interface{}, int, error) {
	bal, err := g.Tokens.EthBalance(r.Context())
	if err != nil {
		return nil, 0, err
	}

	return account{Address: g.Tokens.Account().Address.Hex(), Network: g.net, EthBalance: bal.String()}, 0, nil
}

func (g *Gateway) tokensHandler(*http.Request) (interface{}, int, error) {
	return g.Tokens.Registry().Tokens(), 0, nil
}

func (g *Gateway) balanceHandler(r *http.Request) (interface{}, int, error) {
	a, err := g.Tokens.Balance(r.Context(), mux.Vars(r)["symbol"])

	return a, 0, err
}

type allowance struct {
	Allowance token.Amount `json:"allowance"`
	Unlocked  bool         `json:"unlocked"`
}

func (g *Gateway) allowanceHandler(r *http.Request) (interface{}, int, error) {
	spender, err := g.spender(r)
	if err != nil {
		return nil, 0, err
	}

	a, err := g.Tokens.Allowance(r.Context(), mux.Vars(r)["symbol"], spender)
	if err != nil {
		return nil, 0, err
	}

	return allowance{Allowance: a, Unlocked: a.IsUnlimited()}, 0, nil
}

func (g *Gateway) unlockHandler(r *http.Request) (interface{}, int, error) {
	spender, err := g.spender(r)
	if err != nil {
		return nil, 0, err
	}

	symbol := mux.Vars(r)["symbol"]

	return g.submit(r, "unlock", func(ctx context.Context, l *txlog.Log) error {
		return g.Tokens.Unlock(ctx, symbol, spender, l)
	})
}

func (g *Gateway) lockHandler(r *http.Request) (interface{}, int, error) {
	spender, err := g.spender(r)
	if err != nil {
		return nil, 0, err
	}

	symbol := mux.Vars(r)["symbol"]

	return g.submit(r, "lock", func(ctx context.Context, l *txlog.Log) error {
		return g.Tokens.Lock(ctx, symbol, spender, l)
	})
}

func (g *Gateway) supplyBalanceHandler(r *http.Request) (interface{}, int, error) {
	a, err := g.Compound.SupplyBalance(r.Context(), mux.Vars(r)["symbol"])

	return a, 0, err
}

func (g *Gateway) borrowBalanceHandler(r *http.Request) (interface{}, int, error) {
	a, err := g.Compound.BorrowBalance(r.Context(), mux.Vars(r)["symbol"])

	return a, 0, err
}

type liquidity struct {
	Liquidity string `json:"liquidity"` // wei, negative for a shortfall
}

func (g *Gateway) liquidityHandler(r *http.Request) (interface{}, int, error) {
	l, err := g.Compound.AccountLiquidity(r.Context())
	if err != nil {
		return nil, 0, err
	}

	return liquidity{Liquidity: l.String()}, 0, nil
}

type moneyMarketFunc func(ctx context.Context, symbol string, human decimal.Decimal, l *txlog.Log) error

func (g *Gateway) moneyMarketHandler(operation string, fn moneyMarketFunc) apiFunc {
	return func(r *http.Request) (interface{}, int, error) {
		human, err := amountParam(r)
		if err != nil {
			return nil, 0, err
		}

		symbol := mux.Vars(r)["symbol"]

		return g.submit(r, operation, func(ctx context.Context, l *txlog.Log) error {
			return fn(ctx, symbol, human, l)
		})
	}
}

func (g *Gateway) repayBorrowHandler(r *http.Request) (interface{}, int, error) {
	human, err := amountParam(r)
	if err != nil {
		return nil, 0, err
	}

	utilize, err := boolParam(r, "utilizeOtherTokens", false)
	if err != nil {
		return nil, 0, err
	}

	symbol := mux.Vars(r)["symbol"]

	return g.submit(r, "repayBorrow", func(ctx context.Context, l *txlog.Log) error {
		return g.Compound.RepayBorrow(ctx, symbol, human, utilize, l)
	})
}

type ordersFunc func(ctx context.Context, f dharma.Filter) ([]dharma.Order, error)

func (g *Gateway) ordersHandler(fn ordersFunc) apiFunc {
	return func(r *http.Request) (interface{}, int, error) {
		f := dharma.Filter{PrincipalToken: r.Form.Get("principalToken"), CollateralToken: r.Form.Get("collateralToken")}

		var err error

		if f.MinUsdAmount, err = decimalParam(r, "minUsdAmount"); err != nil {
			return nil, 0, err
		}

		if f.MaxUsdAmount, err = decimalParam(r, "maxUsdAmount"); err != nil {
			return nil, 0, err
		}

		orders, err := fn(r.Context(), f)

		return orders, 0, err
	}
}

type fillFunc func(ctx context.Context, id string, l *txlog.Log) error

func (g *Gateway) fillHandler(operation string, fn fillFunc) apiFunc {
	return func(r *http.Request) (interface{}, int, error) {
		id := mux.Vars(r)["id"]

		return g.submit(r, operation, func(ctx context.Context, l *txlog.Log) error {
			return fn(ctx, id, l)
		})
	}
}

func (g *Gateway) rateHandler(r *http.Request) (interface{}, int, error) {
	human, err := amountParam(r)
	if err != nil {
		return nil, 0, err
	}

	rate, err := g.Kyber.ExpectedRate(r.Context(), r.Form.Get("from"), r.Form.Get("to"), human)

	return rate, 0, err
}

func (g *Gateway) tradeHandler(r *http.Request) (interface{}, int, error) {
	human, err := amountParam(r)
	if err != nil {
		return nil, 0, err
	}

	from, to := r.Form.Get("from"), r.Form.Get("to")

	return g.submit(r, "trade", func(ctx context.Context, l *txlog.Log) error {
		return g.Kyber.Trade(ctx, from, to, human, l)
	})
}

func (g *Gateway) logsHandler(r *http.Request) (interface{}, int, error) {
	f := store.Filter{Operation: r.Form.Get("operation")}

	if v := r.Form.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return nil, 0, fmt.Errorf("%w: limit must be a positive number", ErrBadRequest)
		}

		f.Limit = limit
	}

	logs, err := g.db.ListLogs(r.Context(), f)

	return logs, 0, err
}

func (g *Gateway) logHandler(r *http.Request) (interface{}, int, error) {
	l, err := g.db.GetLog(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return nil, 0, err
	}

	return l, 0, nil
}
