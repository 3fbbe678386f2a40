// Package main: gateway service.
//
// The gateway operates the managed account configured with -c. Several instances can share the account when the
// nonce store is redis and they save their transaction logs to the same database.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tarancss/defigw/compound"
	"github.com/tarancss/defigw/dharma"
	"github.com/tarancss/defigw/gateway"
	"github.com/tarancss/defigw/kyber"
	"github.com/tarancss/defigw/lib/chain"
	"github.com/tarancss/defigw/lib/config"
	"github.com/tarancss/defigw/lib/msg"
	"github.com/tarancss/defigw/lib/msg/amqp"
	"github.com/tarancss/defigw/lib/nonce"
	"github.com/tarancss/defigw/lib/nonce/redis"
	"github.com/tarancss/defigw/lib/store/db"
	"github.com/tarancss/defigw/lib/token"
	"github.com/tarancss/defigw/lib/txlog"
	"github.com/tarancss/defigw/tracker"
)

func main() {
	// get command line flags
	confPath := flag.String("c", "", "flag to get configuration from json file")
	monitor := flag.Bool("m", false, "flag to monitor the server with Prometheus at http://localhost:9100/metrics")
	flag.Parse()

	// extract configuration
	conf, err := config.ExtractConfiguration(*confPath)
	if err != nil {
		panic(err)
	}

	if err = conf.Validate(); err != nil {
		panic(err)
	}

	logger.WithFields(logger.Fields{
		"network": conf.Network.Name,
		"dbtype":  conf.DBType,
		"mbtype":  conf.MbType,
		"nonces":  conf.NonceStore,
	}).Info("Configuration loaded")

	ctx := context.Background()

	// connect to the network
	network, err := chain.Dial(ctx, conf.Network)
	if err != nil {
		panic(err)
	}
	defer network.Close()

	account, err := chain.NewAccount(conf, network.ID)
	if err != nil {
		panic(err)
	}

	logger.WithFields(logger.Fields{"account": account.Address.Hex(), "chain_id": network.ID}).
		Info("Managed account loaded")

	// load tokens and check them against their contracts
	tokens, err := token.FromConfig(conf.Tokens)
	if err != nil {
		panic(err)
	}

	if meta, errMeta := chain.NewMeta(conf.Network.Node, conf.Network.Secret); errMeta != nil {
		logger.WithFields(logger.Fields{"error": errMeta}).Warn("Cannot verify tokens")
	} else {
		if n := tokens.Verify(meta); n > 0 {
			logger.WithFields(logger.Fields{"mismatches": n}).Warn("Some configured tokens do not match the chain")
		}

		meta.Close()
	}

	// connect to database
	dbConn, err := db.New(conf.DBType, conf.DBConn)
	if err != nil {
		panic(err)
	}

	// load Prometheus monitor
	if *monitor {
		go func() {
			logger.WithFields(logger.Fields{"addr": ":9100"}).Info("Serving metrics API")

			h := http.NewServeMux()
			h.Handle("/metrics", promhttp.Handler())

			srv := &http.Server{Addr: ":9100", Handler: h, ReadHeaderTimeout: 10 * time.Second}
			logger.WithFields(logger.Fields{"error": srv.ListenAndServe()}).Warn("Metrics API stopped")
		}()
	}

	// load message broker
	mb := broker(conf)

	// load nonce store
	var nonces nonce.Store = nonce.NewMemoryStore()

	if conf.NonceStore == "redis" {
		rs, errRedis := redis.Dial(ctx, conf.RedisURL)
		if errRedis != nil {
			panic(errRedis)
		}
		defer rs.Close()

		nonces = rs
	}

	await := time.Duration(conf.AwaitSecs) * time.Second
	runner := txlog.NewRunner(network.Name, nonce.NewManager(network, nonces), network, dbConn, mb, await)

	// create protocol services
	svc, err := services(conf, network, account, tokens, runner)
	if err != nil {
		panic(err)
	}

	// create gateway service
	g := gateway.New(network.Name, svc, conf.DBType, dbConn, mb, await)

	// no tracker process can read the logs kept in memory
	if conf.DBType == db.MEMORY {
		g.Track(tracker.New(network.Name, dbConn, mb, network, network.AvgBlock()))
	}

	// capture CTRL+C or docker's SIGTERM for gracious exit
	finish := make(chan int)

	go func() {
		sigchan := make(chan os.Signal, 10)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		logger.WithFields(logger.Fields{}).Info("Program killed !")
		// do last actions and wait for all write operations to end
		g.Stop()
		close(finish)
	}()

	// log transaction events
	if err := g.ManageEvents(); err != nil {
		logger.WithFields(logger.Fields{"error": err}).Error("Error setting up broker readers for events")
	}

	// init RESTful API, wait for its return and log response
	res := g.Init(conf.RestfulEndpoint, conf.Port, conf.SSLPort, conf.SSLCert, conf.SSLKey)
	logger.WithFields(logger.Fields{"result": res}).Info("Gateway stopped")

	<-finish
}

func broker(conf config.ServiceConfig) msg.MsgBroker {
	switch conf.MbType {
	case "amqp":
		mb, err := amqp.New(conf.MbConn)
		if err != nil {
			time.Sleep(10 * time.Second) // wait 10s for AMQP to be ready and try to reconnect

			if mb, err = amqp.New(conf.MbConn); err != nil {
				panic(err)
			}
		}

		if err = mb.Setup(); err != nil {
			panic(err)
		}

		return mb
	case "":
	default:
		logger.WithFields(logger.Fields{"mbtype": conf.MbType}).Warn("Unknown message broker type")
	}

	return nil
}

func services(conf config.ServiceConfig, network *chain.Network, account *chain.Account, tokens *token.Registry,
	runner *txlog.Runner) (gateway.Services, error) {
	svc := gateway.Services{Tokens: token.NewService(tokens, network, account), Runner: runner}

	var err error

	if svc.Kyber, err = kyber.New(svc.Tokens, network, address(conf.Contracts.KyberNetworkProxy)); err != nil {
		return svc, err
	}

	if svc.Compound, err = compound.New(svc.Tokens, svc.Kyber, network,
		address(conf.Contracts.MoneyMarket)); err != nil {
		return svc, err
	}

	relayer := dharma.NewRelayer(conf.RelayerURI, address(conf.Contracts.DebtKernel), dharma.DefaultRelayerRate,
		dharma.DefaultRelayerBurst)

	svc.Dharma, err = dharma.New(svc.Tokens, network, dharma.Config{
		Kernel:             address(conf.Contracts.DebtKernel),
		RepaymentRouter:    address(conf.Contracts.RepaymentRouter),
		TokenTransferProxy: address(conf.Contracts.TokenTransferProxy),
		TokenRegistry:      address(conf.Contracts.TokenRegistry),
		CreditorProxy:      address(conf.Contracts.CreditorProxy),
	}, relayer, dharma.NewRates(conf.RatesURI))

	return svc, err
}

func address(s string) common.Address {
	if !common.IsHexAddress(s) {
		logger.WithFields(logger.Fields{"address": s}).Warn("Contract address not configured")
	}

	return common.HexToAddress(s)
}
