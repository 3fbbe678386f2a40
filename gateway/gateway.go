// Package gateway implements the gateway service.
//
// The gateway exposes a RESTful API to operate a single managed Ethereum account on Compound, Dharma and Kyber.
// Queries are answered from the chain or the relayer. Submissions run as one operation whose transactions get
// consecutive nonces of the account and are recorded in a transaction log.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/gorilla/mux"

	"github.com/tarancss/defigw/compound"
	"github.com/tarancss/defigw/dharma"
	"github.com/tarancss/defigw/kyber"
	"github.com/tarancss/defigw/lib/msg"
	"github.com/tarancss/defigw/lib/store"
	"github.com/tarancss/defigw/lib/store/db"
	"github.com/tarancss/defigw/lib/token"
	"github.com/tarancss/defigw/lib/txlog"
	"github.com/tarancss/defigw/tracker"
)

// timeout of the http servers, await of mining excluded.
const timeout = 15 * time.Second

// Services are the protocol services operated by the gateway.
type Services struct {
	Tokens   *token.Service
	Compound *compound.Service
	Kyber    *kyber.Service
	Dharma   *dharma.Service
	Runner   *txlog.Runner
}

// Gateway contains the data necessary to deliver the service.
type Gateway struct {
	Services

	net     string
	dbtype  string
	db      store.DB
	mb      msg.MsgBroker
	await   time.Duration
	mu      sync.Mutex
	s       *http.Server // http server
	ss      *http.Server // https server
	stopped bool
	tracker *tracker.Tracker
	tracked chan string
	sc      chan struct{} // http server channel used for graceful shutdowns
	once    sync.Once
}

// New returns a gateway on network net. await bounds the requests waiting for their transactions to be mined. mb
// may be nil.
func New(net string, svc Services, dbtype string, dbConn store.DB, mb msg.MsgBroker, await time.Duration) *Gateway {
	return &Gateway{
		Services: svc,
		net:      net,
		dbtype:   dbtype,
		db:       dbConn,
		mb:       mb,
		await:    await,
		sc:       make(chan struct{}),
	}
}

// Router returns the API routes.
func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", g.handle("home", g.homeHandler))
	r.HandleFunc("/account", g.handle("account", g.accountHandler)).Methods(http.MethodGet)

	t := r.PathPrefix("/tokens").Subrouter()
	t.HandleFunc("", g.handle("tokens", g.tokensHandler)).Methods(http.MethodGet)
	t.HandleFunc("/{symbol}/balance", g.handle("balance", g.balanceHandler)).Methods(http.MethodGet)
	t.HandleFunc("/{symbol}/allowance", g.handle("allowance", g.allowanceHandler)).Methods(http.MethodGet)
	t.HandleFunc("/{symbol}/unlock", g.handle("unlock", g.unlockHandler)).Methods(http.MethodPost)
	t.HandleFunc("/{symbol}/lock", g.handle("lock", g.lockHandler)).Methods(http.MethodPost)

	c := r.PathPrefix("/compound").Subrouter()
	c.HandleFunc("/supply-balance/{symbol}", g.handle("supplyBalance", g.supplyBalanceHandler)).Methods(http.MethodGet)
	c.HandleFunc("/borrow-balance/{symbol}", g.handle("borrowBalance", g.borrowBalanceHandler)).Methods(http.MethodGet)
	c.HandleFunc("/account-liquidity", g.handle("accountLiquidity", g.liquidityHandler)).Methods(http.MethodGet)
	c.HandleFunc("/supply/{symbol}", g.handle("supply", g.moneyMarketHandler("supply", g.Compound.Supply))).
		Methods(http.MethodPost)
	c.HandleFunc("/withdraw/{symbol}", g.handle("withdraw", g.moneyMarketHandler("withdraw", g.Compound.Withdraw))).
		Methods(http.MethodPost)
	c.HandleFunc("/borrow/{symbol}", g.handle("borrow", g.moneyMarketHandler("borrow", g.Compound.Borrow))).
		Methods(http.MethodPost)
	c.HandleFunc("/repay-borrow/{symbol}", g.handle("repayBorrow", g.repayBorrowHandler)).Methods(http.MethodPost)

	d := r.PathPrefix("/dharma").Subrouter()
	d.HandleFunc("/debt-orders", g.handle("debtOrders", g.ordersHandler(g.Dharma.GetDebtOrders))).
		Methods(http.MethodGet)
	d.HandleFunc("/lend-offers", g.handle("lendOffers", g.ordersHandler(g.Dharma.GetLendOffers))).
		Methods(http.MethodGet)
	d.HandleFunc("/fill-debt-request/{id}", g.handle("fillDebtRequest",
		g.fillHandler("fillDebtRequest", g.Dharma.FillDebtRequest))).Methods(http.MethodPost)
	d.HandleFunc("/fill-lend-offer/{id}", g.handle("fillLendOffer",
		g.fillHandler("fillLendOffer", g.Dharma.FillLendOffer))).Methods(http.MethodPost)

	k := r.PathPrefix("/kyber").Subrouter()
	k.HandleFunc("/rate", g.handle("rate", g.rateHandler)).Methods(http.MethodGet)
	k.HandleFunc("/trade", g.handle("trade", g.tradeHandler)).Methods(http.MethodPost)

	r.HandleFunc("/transactions", g.handle("transactions", g.logsHandler)).Methods(http.MethodGet)
	r.HandleFunc("/transactions/{id}", g.handle("transaction", g.logHandler)).Methods(http.MethodGet)

	return r
}

// Init sets up and starts the http/https server to service the RESTful API. If sslPort, sslCert and sslKey are
// informed, it will also start an https (TLS) server on the specified endpoint. Init returns once the gateway is
// stopped.
func (g *Gateway) Init(endpoint, port, sslPort, sslCert, sslKey string) string {
	r := g.Router()

	// requests awaiting mining need the await on top of the usual timeouts
	writeTimeout := timeout + g.await

	server := func(port string) *http.Server {
		return &http.Server{
			Handler:      r,
			Addr:         endpoint + ":" + port,
			WriteTimeout: writeTimeout,
			ReadTimeout:  timeout,
		}
	}

	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()

		return "gateway stopped before listening"
	}

	if port != "" {
		g.s = server(port)
	}

	if sslPort != "" && sslCert != "" && sslKey != "" {
		g.ss = server(sslPort)
	}
	s, ss := g.s, g.ss
	g.mu.Unlock()

	// each server sends its exit error once, read after the shutdown
	errc, errTLSc := make(chan error, 1), make(chan error, 1)

	if s != nil {
		go func() {
			errc <- s.ListenAndServe()
		}()

		logger.WithFields(logger.Fields{"endpoint": endpoint, "port": port}).Info("Listening to API http requests")
	} else {
		errc <- nil
	}

	if ss != nil {
		go func() {
			errTLSc <- ss.ListenAndServeTLS(sslCert, sslKey)
		}()

		logger.WithFields(logger.Fields{"endpoint": endpoint, "port": sslPort}).Info("Listening to API https requests")
	} else {
		errTLSc <- nil
	}
	// wait for servers to be shutdown
	<-g.sc

	return "shutdown http server: " + errString(<-errc) + ", https server: " + errString(<-errTLSc)
}

// Track runs t along with the gateway until it is stopped. A memory store is only readable by this process, so its
// logs are settled by an in-process tracker.
func (g *Gateway) Track(t *tracker.Tracker) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped || g.tracker != nil {
		return
	}

	g.tracker, g.tracked = t, t.Track()
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}

	return err.Error()
}

// Stop shuts down the http servers implementing the RESTful API and closes gracefully the connections to message
// broker and database.
func (g *Gateway) Stop() {
	g.once.Do(g.stop)
}

func (g *Gateway) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	g.mu.Lock()
	g.stopped = true
	servers := []*http.Server{g.s, g.ss}
	t, tracked := g.tracker, g.tracked
	g.mu.Unlock()

	for _, s := range servers {
		if s == nil {
			continue
		}

		if err := s.Shutdown(ctx); err != nil {
			logger.WithFields(logger.Fields{"addr": s.Addr, "error": err}).Error("Error in server shutdown")
		}
	}

	close(g.sc) // close server channel to indicate shutdowns have finished

	// the tracker completes its poll before the database is closed
	if t != nil {
		t.Stop()
		logger.WithFields(logger.Fields{"net": g.net, "result": <-tracked}).Info("Tracker stopped")
	}

	if g.mb != nil {
		if err := g.mb.Close(); err != nil {
			logger.WithFields(logger.Fields{"error": err}).Error("Error closing message broker")
		}
	}

	if g.db != nil {
		err := db.Close(g.dbtype, g.db)
		logger.WithFields(logger.Fields{"dbtype": g.dbtype, "error": err}).Info("Disconnecting database")
	}
}

// ManageEvents consumes the transaction events of the network published by this and other gateway instances and by
// the tracker, and logs them.
func (g *Gateway) ManageEvents() error {
	if g.mb == nil {
		return nil
	}

	mut := new(sync.Mutex)
	mut.Lock()

	eveCh, errCh, err := g.mb.GetEvents(g.net, mut)
	if err != nil {
		return err
	}

	go func() {
		logger.WithFields(logger.Fields{"net": g.net}).Info("Start listening to transaction events")

		for eve := range eveCh {
			logger.WithFields(logger.Fields{
				"net":       g.net,
				"log_id":    eve.LogID,
				"operation": eve.Operation,
				"step":      eve.Name,
				"tx_hash":   eve.Hash,
				"status":    eve.Status,
			}).Info("Received transaction event")
			mut.Unlock()
		}

		logger.WithFields(logger.Fields{"net": g.net}).Info("Stop listening to transaction events")
	}()

	go func() {
		for e := range errCh {
			logger.WithFields(logger.Fields{"net": g.net, "error": e}).Warn("Received broker error")
		}
	}()

	return nil
}
