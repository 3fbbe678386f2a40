// Package metrics declares the Prometheus collectors of the gateway and tracker services. They are served by the
// services when started with the -m flag.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "defigw"

var (
	// Requests counts API requests by route and status code.
	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "API requests by route and status code.",
	}, []string{"route", "code"})

	// Latency observes API request latency by route.
	Latency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "API request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	// Submitted counts transactions broadcast by operation and step.
	Submitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transactions_submitted_total",
		Help:      "Transactions broadcast by operation and step.",
	}, []string{"operation", "step"})

	// Failed counts operations that ended with an error, partially submitted or not.
	Failed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_failed_total",
		Help:      "Operations ended with an error.",
	}, []string{"operation"})

	// NonceResyncs counts how many times the local nonce was reset to the node's view.
	NonceResyncs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "nonce_resyncs_total",
		Help:      "Local nonce resets to the node pending nonce.",
	})

	// Confirmations counts transactions seen mined by the tracker, by status.
	Confirmations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tracker_confirmations_total",
		Help:      "Tracked transactions mined, by final status.",
	}, []string{"status"})
)
