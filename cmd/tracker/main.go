// Package main: tracker service.
//
// The tracker must use the database of the gateway instances of its network, it settles the logs they saved. Gateways
// keeping their logs in memory run their own tracker, so the memory store is refused here.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tarancss/defigw/lib/chain"
	"github.com/tarancss/defigw/lib/config"
	"github.com/tarancss/defigw/lib/msg"
	"github.com/tarancss/defigw/lib/msg/amqp"
	"github.com/tarancss/defigw/lib/store/db"
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

	if err = conf.ValidateTracker(); err != nil {
		panic(err)
	}

	logger.WithFields(logger.Fields{"network": conf.Network.Name, "dbtype": conf.DBType, "mbtype": conf.MbType}).
		Info("Configuration loaded")

	// connect to database
	dbConn, err := db.New(conf.DBType, conf.DBConn)
	if err != nil {
		panic(err)
	}

	defer func() {
		errClose := db.Close(conf.DBType, dbConn)
		logger.WithFields(logger.Fields{"dbtype": conf.DBType, "error": errClose}).Info("Disconnecting database")
	}()

	// connect to the network
	network, err := chain.Dial(context.Background(), conf.Network)
	if err != nil {
		panic(err)
	}
	defer network.Close()

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
	var mb msg.MsgBroker

	switch conf.MbType {
	case "amqp":
		a, errMb := amqp.New(conf.MbConn)
		if errMb != nil {
			time.Sleep(10 * time.Second) // wait 10s for AMQP to be ready and try to reconnect

			if a, errMb = amqp.New(conf.MbConn); errMb != nil {
				panic(errMb)
			}
		}

		if errMb = a.Setup(); errMb != nil {
			panic(errMb)
		}

		defer func() {
			errClose := a.Close()
			logger.WithFields(logger.Fields{"error": errClose}).Info("Closing message broker")
		}()

		mb = a
	case "":
	default:
		logger.WithFields(logger.Fields{"mbtype": conf.MbType}).Warn("Unknown message broker type")
	}

	// create tracker service
	t := tracker.New(network.Name, dbConn, mb, network, network.AvgBlock())

	// capture CTRL+C or docker's SIGTERM for gracious exit
	go func() {
		sigchan := make(chan os.Signal, 10)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		logger.WithFields(logger.Fields{}).Info("Program killed !")
		// the poll in progress completes before Track returns
		t.Stop()
	}()

	logger.WithFields(logger.Fields{"result": <-t.Track()}).Info("Tracker stopped")
}
