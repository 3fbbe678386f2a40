package dharma

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/defigw/lib/chain/chaintest"
	"github.com/tarancss/defigw/lib/contracts"
	"github.com/tarancss/defigw/lib/token"
	"github.com/tarancss/defigw/lib/txlog"
)

var (
	kernelAddress   = common.HexToAddress("0x8Ef1351941d0cd8da09d5a4C74f2D64503031A18")
	routerAddress   = common.HexToAddress("0x0688659D5e36896BaE9D6B1a4C9aE9E1C93F26dD")
	transferProxy   = common.HexToAddress("0x2f40a3B0D1b4c4A7C3DC8E1b2c3C3A5CeF0E1b6B")
	registryAddress = common.HexToAddress("0x6949E7B1A0E7D1d6bE6F7d1A3B0F2d69A1C2D3e4")
	creditorProxy   = common.HexToAddress("0x5b2D8B6d8AE7f7a3C91D7Ab4c5A4cE8C0D6D1b8E")
	termsContract   = common.HexToAddress("0x4cAc4c3D1F4bA3fC8A0E6d2B9E2f3bB1c5D6e7F8")
	debtorAddress   = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	creditorAddress = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	signerAddress   = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	wethToken       = token.Token{Symbol: token.WETH, Address: common.HexToAddress("0x22"), Decimals: 18}
	daiToken        = token.Token{Symbol: token.DAI, Address: common.HexToAddress("0x21"), Decimals: 18}
	zrxAddress      = common.HexToAddress("0x23") // registered on Dharma, not on the gateway
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

// relayer lists its orders by status and serves them by id.
type relayer struct {
	mu      sync.Mutex
	orders  []RelayerOrder
	queries []string
}

func (r *relayer) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.queries = append(r.queries, req.URL.RawQuery)

	if req.URL.Path == "/Debts" {
		var list []RelayerOrder

		for _, o := range r.orders {
			if o.Status == req.URL.Query().Get("status") {
				list = append(list, o)
			}
		}

		_ = json.NewEncoder(w).Encode(list)

		return
	}

	id := strings.TrimPrefix(req.URL.Path, "/Debts/")
	for _, o := range r.orders {
		if string(o.ID) == id {
			_ = json.NewEncoder(w).Encode(o)

			return
		}
	}

	http.NotFound(w, req)
}

func (r *relayer) set(orders ...RelayerOrder) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.orders = orders
}

func (r *relayer) query(i int) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.queries[i]
}

// feed serves signed USD prices by symbol.
type feed struct {
	mu     sync.Mutex
	prices map[string]string
}

func (f *feed) set(symbol, price string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.prices[symbol] = price
}

func (f *feed) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.Split(req.URL.Path, "/")
	rate, ok := f.prices[parts[len(parts)-2]]

	if !ok || parts[len(parts)-1] != usd {
		http.Error(w, "unknown pair", http.StatusBadRequest)

		return
	}

	fmt.Fprintf(w, `{"rate":%s,"targetCurrencyTokenAddress":"0x0000000000000000000000000000000000000000",`+
		`"timeStamp":1550000000,"signature":{"v":"1c","r":"%064x","s":"%064x"}}`, rate, 1, 2)
}

type env struct {
	b       *chaintest.Backend
	erc20   chaintest.Tokens
	dharma  *chaintest.Dharma
	relayer *relayer
	feed    *feed
	s       *Service
	runner  *txlog.Runner
	acc     common.Address
}

func newEnv(t *testing.T) *env {
	t.Helper()

	e := &env{
		erc20: chaintest.Tokens{
			daiToken.Address:  chaintest.NewERC20(),
			wethToken.Address: chaintest.NewERC20(),
			zrxAddress:        chaintest.NewERC20(),
		},
		relayer: &relayer{},
		feed:    &feed{prices: map[string]string{token.DAI: "1", token.WETH: "200"}},
	}
	e.dharma = chaintest.NewDharma(transferProxy, e.erc20)
	e.dharma.SetToken(0, wethToken.Address)
	e.dharma.SetToken(1, daiToken.Address)
	e.dharma.SetToken(2, zrxAddress)

	e.b = chaintest.New(t, map[common.Address]*chaintest.Contract{
		daiToken.Address:  e.erc20[daiToken.Address].Contract,
		wethToken.Address: e.erc20[wethToken.Address].Contract,
		kernelAddress:     e.dharma.Kernel,
		registryAddress:   e.dharma.Registry,
		creditorProxy:     e.dharma.Proxy,
	})
	e.b.AutoCommit(t)
	e.acc = e.b.Account.Address

	relayerSrv := httptest.NewServer(e.relayer)
	t.Cleanup(relayerSrv.Close)

	ratesSrv := httptest.NewServer(e.feed)
	t.Cleanup(ratesSrv.Close)

	reg, err := token.NewRegistry([]token.Token{wethToken, daiToken})
	require.NoError(t, err)

	e.s, err = New(token.NewService(reg, e.b, e.b.Account), e.b, Config{
		Kernel:             kernelAddress,
		RepaymentRouter:    routerAddress,
		TokenTransferProxy: transferProxy,
		TokenRegistry:      registryAddress,
		CreditorProxy:      creditorProxy,
	}, NewRelayer(relayerSrv.URL, kernelAddress, 0, 1), NewRates(ratesSrv.URL))
	require.NoError(t, err)

	e.runner = e.b.Runner(nil)

	return e
}

// order returns a relayer order lending principal (index, amount) against collateral (index, amount).
func order(t *testing.T, id, status string, pIndex uint8, principal *big.Int, cIndex uint8,
	collateral *big.Int) RelayerOrder {
	t.Helper()

	params, err := Terms{
		PrincipalTokenIndex:  pIndex,
		PrincipalAmount:      principal,
		InterestRate:         decimal.RequireFromString("2.5"),
		AmortizationUnit:     Weeks,
		TermLength:           4,
		CollateralTokenIndex: cIndex,
		CollateralAmount:     collateral,
		GracePeriodInDays:    1,
	}.Encode()
	require.NoError(t, err)

	o := RelayerOrder{
		ID:                      ID(id),
		Status:                  status,
		KernelAddress:           kernelAddress.Hex(),
		RepaymentRouterAddress:  routerAddress.Hex(),
		PrincipalAmount:         decimal.NewFromBigInt(principal, 0),
		TermsContractAddress:    termsContract.Hex(),
		TermsContractParameters: params.Hex(),
		ExpirationTime:          time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second),
		Salt:                    decimal.NewFromInt(42),
		RelayerFee:              decimal.Zero,
		UnderwriterRiskRating:   decimal.Zero,
		MaxLTV:                  decimal.NewFromInt(50),
		SignerAddress:           signerAddress.Hex(),
	}

	switch status {
	case SignedByDebtor:
		o.DebtorAddress = debtorAddress.Hex()
		o.DebtorSignature = `{"v":27,"r":"0x01","s":"0x02"}`
	case SignedByCreditor:
		o.CreditorAddress = creditorAddress.Hex()
		o.CreditorSignature = `{"v":28,"r":"0x03","s":"0x04"}`
	}

	return o
}

func (e *env) run(t *testing.T, op string, fn txlog.Func) (*txlog.Log, error) {
	t.Helper()

	return e.runner.Run(context.Background(), op, e.acc, true, fn)
}

func names(l *txlog.Log) []string {
	var n []string
	for _, en := range l.Entries() {
		n = append(n, en.Name)
	}

	return n
}

func TestGetDebtOrders(t *testing.T) {
	e := newEnv(t)
	e.relayer.set(
		order(t, "1", SignedByDebtor, 1, ether(100), 0, ether(1)),
		order(t, "2", SignedByDebtor, 2, ether(5), 0, ether(1)), // unknown principal
		order(t, "3", SignedByDebtor, 0, ether(1), 1, ether(300)),
		order(t, "4", SignedByCreditor, 1, ether(10), 0, ether(0)),
	)

	orders, err := e.s.GetDebtOrders(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, Order{
		ID:               "1",
		Principal:        "100 DAI",
		Collateral:       "1 WETH",
		InterestRate:     0.025,
		TermLength:       4,
		AmortizationUnit: Weeks,
	}, orders[0])
	assert.Equal(t, "3", orders[1].ID)

	assert.Contains(t, e.relayer.query(0), "status=SignedByDebtor")
	assert.Contains(t, e.relayer.query(0), "kernelAddress="+kernelAddress.Hex())

	minUsd := decimal.NewFromInt(10)
	orders, err = e.s.GetDebtOrders(context.Background(), Filter{CollateralToken: "weth", MinUsdAmount: &minUsd})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "1", orders[0].ID)
	assert.Contains(t, e.relayer.query(1), "collateralTokenSymbol=WETH")
	assert.Contains(t, e.relayer.query(1), "minUsdAmount=10")

	// token indexes are cached
	calls := e.dharma.RegistryCalls()
	assert.GreaterOrEqual(t, calls, 3)

	offers, err := e.s.GetLendOffers(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, "4", offers[0].ID)
	assert.Equal(t, "0 WETH", offers[0].Collateral)
	assert.Equal(t, calls, e.dharma.RegistryCalls())
}

func TestFillDebtRequest(t *testing.T) {
	e := newEnv(t)
	e.relayer.set(order(t, "1", SignedByDebtor, 1, ether(100), 0, ether(1)))
	e.erc20[daiToken.Address].SetBalance(e.acc, ether(150))

	l, err := e.run(t, "fillDebtRequest", func(ctx context.Context, l *txlog.Log) error {
		return e.s.FillDebtRequest(ctx, "1", l)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"unlockDAI", "fillDebtRequest"}, names(l))
	assert.Equal(t, ether(50).String(), e.erc20[daiToken.Address].BalanceOf(e.acc).String())
	assert.Equal(t, ether(100).String(), e.erc20[daiToken.Address].BalanceOf(debtorAddress).String())

	sent := e.b.Sent()
	fill := sent[len(sent)-1]
	assert.Equal(t, kernelAddress, fill.To)
	assert.Equal(t, e.acc, fill.Args[0])
	assert.Equal(t, debtorAddress, fill.Args[1].([6]common.Address)[1])
	assert.Equal(t, daiToken.Address, fill.Args[1].([6]common.Address)[4])
	assert.Equal(t, [3]uint8{27, 0, 0}, fill.Args[4])
}

func TestPrincipalTokenAddress(t *testing.T) {
	e := newEnv(t)
	e.erc20[daiToken.Address].SetBalance(e.acc, ether(10))

	given := order(t, "1", SignedByDebtor, 1, ether(1), 0, ether(1))
	given.PrincipalTokenAddress = daiToken.Address.Hex()

	wrong := order(t, "2", SignedByDebtor, 1, ether(1), 0, ether(1))
	wrong.PrincipalTokenAddress = wethToken.Address.Hex()

	omitted := order(t, "3", SignedByDebtor, 1, ether(1), 0, ether(1))
	require.Empty(t, omitted.PrincipalTokenAddress)

	e.relayer.set(given, wrong, omitted)

	// orders whose principal token contradicts their terms are not listed
	orders, err := e.s.GetDebtOrders(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, []string{"1", "3"}, []string{orders[0].ID, orders[1].ID})

	l, err := e.run(t, "fillDebtRequest", func(ctx context.Context, l *txlog.Log) error {
		return e.s.FillDebtRequest(ctx, "2", l)
	})
	require.ErrorIs(t, err, ErrInvalidTerms)
	assert.Zero(t, l.Len())

	for _, id := range []string{"1", "3"} {
		_, err = e.run(t, "fillDebtRequest", func(ctx context.Context, l *txlog.Log) error {
			return e.s.FillDebtRequest(ctx, id, l)
		})
		require.NoError(t, err, id)

		sent := e.b.Sent()
		assert.Equal(t, daiToken.Address, sent[len(sent)-1].Args[1].([6]common.Address)[4], id)
	}

	assert.Equal(t, ether(2).String(), e.erc20[daiToken.Address].BalanceOf(debtorAddress).String())
}

func TestFillDebtRequestErrors(t *testing.T) {
	e := newEnv(t)
	expired := order(t, "2", SignedByDebtor, 1, ether(1), 0, ether(1))
	expired.ExpirationTime = time.Now().Add(-time.Hour)
	e.relayer.set(
		order(t, "1", SignedByDebtor, 1, ether(100), 0, ether(1)),
		expired,
		order(t, "3", SignedByCreditor, 1, ether(1), 0, ether(1)),
	)
	e.erc20[daiToken.Address].SetBalance(e.acc, ether(10))

	cases := []struct {
		id  string
		err error
	}{
		{"1", token.ErrInsufficientBalance},
		{"2", ErrOrderStatus},
		{"3", ErrOrderStatus},
		{"404", ErrOrderNotFound},
	}

	for _, c := range cases {
		t.Run(c.id, func(t *testing.T) {
			l, err := e.run(t, "fillDebtRequest", func(ctx context.Context, l *txlog.Log) error {
				return e.s.FillDebtRequest(ctx, c.id, l)
			})
			require.ErrorIs(t, err, c.err)
			assert.Zero(t, l.Len())
		})
	}

	assert.Empty(t, e.b.Sent())
}

func TestFillLendOffer(t *testing.T) {
	e := newEnv(t)
	e.relayer.set(order(t, "7", SignedByCreditor, 1, ether(100), 0, new(big.Int)))
	e.erc20[wethToken.Address].SetBalance(e.acc, ether(2))

	l, err := e.run(t, "fillLendOffer", func(ctx context.Context, l *txlog.Log) error {
		return e.s.FillLendOffer(ctx, "7", l)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"unlockWETH", "fillLendOffer"}, names(l))

	// 100 DAI at 1 USD with a 50% LTV, in WETH at 200 USD, plus 1%
	collateral, _ := new(big.Int).SetString("1010000000000000000", 10)
	assert.Equal(t, new(big.Int).Sub(ether(2), collateral).String(),
		e.erc20[wethToken.Address].BalanceOf(e.acc).String())
	assert.Equal(t, ether(100).String(), e.erc20[daiToken.Address].BalanceOf(e.acc).String())

	sent := e.b.Sent()
	fill := sent[len(sent)-1]
	require.Equal(t, "fillDebtOffer", fill.Method)
	assert.Equal(t, creditorProxy, fill.To)
	assert.Equal(t, creditorAddress, fill.Args[0])
	assert.Equal(t, collateral.String(), fill.Args[14].(*big.Int).String())
	assert.Equal(t, "50", fill.Args[13].(*big.Int).String())
	assert.Equal(t, signerAddress, fill.Args[9])
	assert.Equal(t, daiToken.Address, fill.Args[1].([6]common.Address)[4])

	prices := fill.Args[7].([2]*big.Int)
	assert.Equal(t, "1", prices[0].String())
	assert.Equal(t, "200", prices[1].String())
	assert.Equal(t, [2]uint8{28, 28}, fill.Args[10])

	// the collateral amount is part of the terms the debtor signs
	addrs, values := fill.Args[1].([6]common.Address), fill.Args[2].([8]*big.Int)
	params := common.Hash(fill.Args[3].([1][32]byte)[0])

	terms, err := DecodeTerms(params)
	require.NoError(t, err)
	assert.Equal(t, collateral.String(), terms.CollateralAmount.String())

	d := &DebtOrder{
		Kernel: kernelAddress, IssuanceVersion: addrs[0], Debtor: addrs[1], Underwriter: addrs[2],
		TermsContract: addrs[3], PrincipalToken: addrs[4], Relayer: addrs[5],
		UnderwriterRiskRating: values[0], Salt: values[1], PrincipalAmount: values[2], UnderwriterFee: values[3],
		RelayerFee: values[4], CreditorFee: values[5], DebtorFee: values[6], Expiration: values[7],
		TermsContractParameters: params,
	}
	assert.Equal(t, e.acc, d.Debtor)

	v, r, s := fill.Args[4].([3]uint8), fill.Args[5].([3][32]byte), fill.Args[6].([3][32]byte)
	assert.Equal(t, uint8(28), v[1]) // creditor signature kept

	sig := append(append(r[0][:], s[0][:]...), v[0]-27)
	pub, err := crypto.SigToPub(accounts.TextHash(d.DebtorCommitment().Bytes()), sig)
	require.NoError(t, err)
	assert.Equal(t, e.acc, crypto.PubkeyToAddress(*pub))
}

func TestFillLendOfferErrors(t *testing.T) {
	e := newEnv(t)
	noLTV := order(t, "2", SignedByCreditor, 1, ether(100), 0, new(big.Int))
	noLTV.MaxLTV = decimal.Zero
	e.relayer.set(order(t, "1", SignedByCreditor, 1, ether(100), 0, new(big.Int)), noLTV)

	_, err := e.run(t, "fillLendOffer", func(ctx context.Context, l *txlog.Log) error {
		return e.s.FillLendOffer(ctx, "1", l)
	})
	assert.ErrorIs(t, err, token.ErrInsufficientBalance)

	_, err = e.run(t, "fillLendOffer", func(ctx context.Context, l *txlog.Log) error {
		return e.s.FillLendOffer(ctx, "2", l)
	})
	assert.ErrorIs(t, err, ErrUpstream)

	e.erc20[wethToken.Address].SetBalance(e.acc, ether(2))
	e.feed.set(token.WETH, "199.5")

	_, err = e.run(t, "fillLendOffer", func(ctx context.Context, l *txlog.Log) error {
		return e.s.FillLendOffer(ctx, "1", l)
	})
	assert.ErrorIs(t, err, ErrUpstream)
	assert.Empty(t, e.b.Sent())
}

func TestCollateral(t *testing.T) {
	usdc := token.Token{Symbol: "USDC", Decimals: 6}

	cases := []struct {
		name       string
		principal  token.Amount
		pPrice     string
		cPrice     string
		ltv        string
		collateral token.Token
		expected   string
	}{
		{"daiForWeth", token.FromRaw(ether(100), daiToken), "1", "200", "50", wethToken, "1.01"},
		{"wethForDai", token.FromRaw(ether(1), wethToken), "200", "1", "80", daiToken, "252.5"},
		{"decimals", token.FromRaw(ether(3), daiToken), "1", "1", "100", usdc, "3.03"},
		{"roundUp", token.FromRaw(ether(1), daiToken), "1", "3", "100", usdc, "0.336667"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := Collateral(c.principal, decimal.RequireFromString(c.pPrice), decimal.RequireFromString(c.cPrice),
				decimal.RequireFromString(c.ltv), c.collateral)
			require.NoError(t, err)
			assert.Equal(t, c.expected, got.Human().String())
		})
	}

	_, err := Collateral(token.FromRaw(ether(1), daiToken), decimal.NewFromInt(1), decimal.Zero, decimal.NewFromInt(50),
		wethToken)
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestSignedRate(t *testing.T) {
	srv := httptest.NewServer(&feed{prices: map[string]string{token.DAI: "1"}})
	defer srv.Close()

	p, err := NewRates(srv.URL+"/").SignedRate(context.Background(), token.DAI, usd)
	require.NoError(t, err)
	assert.Equal(t, "1", p.Value.String())
	assert.Equal(t, "1550000000", p.Timestamp.String())
	assert.Equal(t, contracts.Signature{V: 28, R: common.BigToHash(big.NewInt(1)), S: common.BigToHash(big.NewInt(2))},
		p.Signature)

	_, err = NewRates(srv.URL).SignedRate(context.Background(), token.WETH, usd)
	assert.ErrorIs(t, err, ErrUpstream)

	// a missing rate is an upstream failure, not a missing order
	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()

	_, err = NewRates(missing.URL).SignedRate(context.Background(), token.DAI, usd)
	assert.ErrorIs(t, err, ErrUpstream)
	assert.NotErrorIs(t, err, ErrOrderNotFound)
}

func TestNewDebtOrder(t *testing.T) {
	o := order(t, "1", SignedByDebtor, 1, ether(1), 0, ether(1))

	d, err := NewDebtOrder(o)
	require.NoError(t, err)
	assert.Equal(t, uint8(27), d.DebtorSignature.V)
	assert.Equal(t, byte(1), d.DebtorSignature.R[31])
	assert.Equal(t, contracts.Signature{}, d.CreditorSignature)

	id := d.AgreementID()
	d.Salt = big.NewInt(43)
	assert.NotEqual(t, id, d.AgreementID())

	o.DebtorSignature = "{"
	_, err = NewDebtOrder(o)
	assert.ErrorIs(t, err, ErrUpstream)

	o.DebtorSignature = ""
	o.RelayerAddress = "0xnope"
	_, err = NewDebtOrder(o)
	assert.ErrorIs(t, err, ErrUpstream)

	o.RelayerAddress = ""
	o.TermsContractParameters = "0x01"
	_, err = NewDebtOrder(o)
	assert.ErrorIs(t, err, ErrInvalidTerms)
}
