// Package tracker implements the confirmation tracker service. The tracker polls the receipts of the transactions
// still pending in the stored logs of a network, records them as mined or failed and sends an event for each.
//
// The gateway only awaits mining when asked to, so the tracker is what settles the logs of the operations submitted
// with needAwaitMining=false.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/tarancss/defigw/lib/metrics"
	"github.com/tarancss/defigw/lib/msg"
	"github.com/tarancss/defigw/lib/store"
	"github.com/tarancss/defigw/lib/txlog"
)

// Status possible values, control whether a tracker is working or has to stop.
const (
	WORK int = 0
	STOP int = 1
)

// Receipts is what the tracker needs from the node.
type Receipts interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Tracker settles the pending transactions of one network.
type Tracker struct {
	net     string
	db      store.DB
	mb      msg.MsgBroker
	backend Receipts
	every   time.Duration

	l      sync.Mutex
	status int
	wake   chan struct{}
}

// New returns a tracker for network net polling every given duration, usually the average block time. mb may be
// nil.
func New(net string, db store.DB, mb msg.MsgBroker, backend Receipts, every time.Duration) *Tracker {
	return &Tracker{
		net:     net,
		db:      db,
		mb:      mb,
		backend: backend,
		every:   every,
		status:  WORK,
		wake:    make(chan struct{}),
	}
}

// Track starts polling in a go routine and returns the channel where the routine reports its termination. In case of
// graceful termination, the poll in progress completes and its events are sent before the routine returns.
func (t *Tracker) Track() chan string {
	ret := make(chan string, 1)

	logger.WithFields(logger.Fields{"net": t.net, "every": t.every.String()}).Info("Tracking pending transactions")

	go func() {
		defer func() {
			ret <- "[" + t.net + "] Done!"
		}()

		for t.Status() == WORK {
			if n, err := t.Poll(context.Background()); err != nil {
				logger.WithFields(logger.Fields{"net": t.net, "error": err}).Warn("Error polling receipts")
			} else if n > 0 {
				logger.WithFields(logger.Fields{"net": t.net, "settled": n}).Info("Settled transactions")
			}

			select {
			case <-t.wake:
			case <-time.After(t.every):
			}
		}
	}()

	return ret
}

// Poll checks once the receipts of the pending transactions of the network, returning how many were settled. Logs
// are settled in creation order and their transactions in nonce order, stopping at the first one not mined yet.
func (t *Tracker) Poll(ctx context.Context) (int, error) {
	logs, err := t.db.PendingLogs(ctx, t.net)
	if err != nil {
		return 0, fmt.Errorf("cannot load pending logs: %w", err)
	}

	settled := 0

	for _, l := range logs {
		n, err := t.settle(ctx, l)
		settled += n

		if err != nil {
			return settled, err
		}
	}

	return settled, nil
}

func (t *Tracker) settle(ctx context.Context, l store.TxLog) (int, error) {
	settled := 0

	for _, e := range l.Transactions {
		if e.Status != store.Pending {
			continue
		}

		receipt, err := t.backend.TransactionReceipt(ctx, common.HexToHash(e.Hash))
		if errors.Is(err, ethereum.NotFound) {
			// a later nonce cannot be mined before this one
			return settled, nil
		}

		if err != nil {
			return settled, fmt.Errorf("cannot get receipt of %s: %w", e.Hash, err)
		}

		e.Status, e.BlockNumber = store.Mined, receipt.BlockNumber.Uint64()
		if receipt.Status == types.ReceiptStatusFailed {
			e.Status = store.Failed
		}

		if err = t.db.UpdateEntry(ctx, l.ID, e); err != nil {
			return settled, fmt.Errorf("cannot update %s of log %s: %w", e.Hash, l.ID, err)
		}

		settled++

		metrics.Confirmations.WithLabelValues(string(e.Status)).Inc()
		logger.WithFields(logger.Fields{
			"net":       t.net,
			"log_id":    l.ID,
			"operation": l.Operation,
			"step":      e.Name,
			"tx_hash":   e.Hash,
			"status":    e.Status,
			"block":     e.BlockNumber,
		}).Info("Transaction settled")

		t.publish(l, e)
	}

	return settled, nil
}

func (t *Tracker) publish(l store.TxLog, e store.TxEntry) {
	if t.mb == nil {
		return
	}

	if err := t.mb.SendEvent(t.net, txlog.Event(l, e)); err != nil {
		logger.WithFields(logger.Fields{"tx_hash": e.Hash, "error": err}).Warn("Error publishing transaction event")
	}
}

// Stop sets status to STOP and interrupts the wait for the next poll.
func (t *Tracker) Stop() {
	t.l.Lock()
	defer t.l.Unlock()

	if t.status == STOP {
		return
	}

	t.status = STOP
	close(t.wake)
}

// Status returns the current tracker status.
func (t *Tracker) Status() int {
	t.l.Lock()
	defer t.l.Unlock()

	return t.status
}
