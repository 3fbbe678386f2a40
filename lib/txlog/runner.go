package txlog

import (
	"context"
	"fmt"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/tarancss/defigw/lib/metrics"
	"github.com/tarancss/defigw/lib/msg"
	"github.com/tarancss/defigw/lib/nonce"
	"github.com/tarancss/defigw/lib/store"
)

// Error is returned by Run when an operation fails. Log holds the transactions submitted before the failure.
type Error struct {
	Log *Log
	Err error
}

func (e *Error) Error() string {
	if e.Log == nil || e.Log.Len() == 0 {
		return e.Err.Error()
	}

	return fmt.Sprintf("%v (%d transactions already submitted)", e.Err, e.Log.Len())
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Partial reports whether transactions were submitted before the failure.
func (e *Error) Partial() bool {
	return e.Log != nil && e.Log.Len() > 0
}

// Func submits the transactions of an operation through l.
type Func func(ctx context.Context, l *Log) error

// Runner runs operations: it hands them a log bound to a nonce sequence of the account, persists the log, publishes
// its events and optionally awaits mining.
type Runner struct {
	net     string
	nonces  *nonce.Manager
	backend bind.DeployBackend
	db      store.DB
	mb      msg.MsgBroker
	timeout time.Duration
}

// NewRunner returns a runner for network net. db and mb may be nil. timeout bounds the await of mining.
func NewRunner(net string, nonces *nonce.Manager, backend bind.DeployBackend, db store.DB, mb msg.MsgBroker,
	timeout time.Duration) *Runner {
	return &Runner{net: net, nonces: nonces, backend: backend, db: db, mb: mb, timeout: timeout}
}

// Run runs fn for account. The account nonces are locked until fn returns, so operations on the account never
// interleave their transactions. When await is set Run returns once every transaction has one confirmation.
func (r *Runner) Run(ctx context.Context, operation string, account common.Address, await bool, fn Func) (*Log, error) {
	seq, err := r.nonces.Begin(ctx, account)
	if err != nil {
		metrics.Failed.WithLabelValues(operation).Inc()

		return nil, &Error{Err: err}
	}

	l := newLog(r.net, operation, account, seq)

	err = fn(ctx, l)

	// the sequence must be saved even if the request was cancelled
	if errClose := seq.Close(context.WithoutCancel(ctx)); errClose != nil {
		logger.WithFields(logger.Fields{"operation": operation, "error": errClose}).Error("Error saving nonce")
	}

	if l.Len() > 0 {
		r.save(ctx, l)
		r.publish(l)
	}

	if err != nil {
		return r.fail(l, err)
	}

	if !await {
		return l, nil
	}

	wctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err = l.Wait(wctx, r.backend)

	r.save(ctx, l)
	r.publish(l)

	if err != nil {
		return r.fail(l, err)
	}

	return l, nil
}

func (r *Runner) fail(l *Log, err error) (*Log, error) {
	metrics.Failed.WithLabelValues(l.Operation).Inc()
	logger.WithFields(logger.Fields{
		"operation": l.Operation,
		"log_id":    l.ID,
		"submitted": l.Len(),
		"error":     err,
	}).Warn("Operation failed")

	return l, &Error{Log: l, Err: err}
}

// save persists the log. A store failure does not fail the operation, the transactions are already on the network.
func (r *Runner) save(ctx context.Context, l *Log) {
	if r.db == nil {
		return
	}

	if err := r.db.SaveLog(context.WithoutCancel(ctx), l.Record()); err != nil {
		logger.WithFields(logger.Fields{"log_id": l.ID, "error": err}).Error("Error saving transaction log")
	}
}

func (r *Runner) publish(l *Log) {
	if r.mb == nil {
		return
	}

	rec := l.Record()
	for _, e := range rec.Transactions {
		if err := r.mb.SendEvent(r.net, Event(rec, e)); err != nil {
			logger.WithFields(logger.Fields{"tx_hash": e.Hash, "error": err}).Warn("Error publishing transaction event")
		}
	}
}

// Event returns the message published for entry e of log l.
func Event(l store.TxLog, e store.TxEntry) msg.TxEvent {
	return msg.TxEvent{
		LogID:       l.ID,
		Operation:   l.Operation,
		Name:        e.Name,
		Hash:        e.Hash,
		Nonce:       e.Nonce,
		Status:      string(e.Status),
		BlockNumber: e.BlockNumber,
	}
}
