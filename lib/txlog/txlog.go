// Package txlog records the transactions an operation submits for the managed account.
//
// Every transaction of an operation takes its nonce from the log (NextNonce) and is added to it once broadcast
// (Add), so the log holds the transactions in nonce order. When a step fails the log built so far is returned with
// the error, telling the caller which transactions were already sent.
package txlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tarancss/defigw/lib/metrics"
	"github.com/tarancss/defigw/lib/nonce"
	"github.com/tarancss/defigw/lib/store"
)

// ErrReverted is returned when a transaction of the log was mined but reverted.
var ErrReverted = errors.New("transaction reverted")

// Entry is a transaction of the log.
type Entry struct {
	Name        string
	Tx          *types.Transaction
	Status      store.Status
	BlockNumber uint64
}

// Log holds the transactions submitted by one operation.
type Log struct {
	ID        string
	Operation string
	Account   common.Address
	Net       string
	CreatedAt time.Time

	mu      sync.Mutex
	entries []*Entry
	seq     *nonce.Sequence
}

func newLog(net, operation string, account common.Address, seq *nonce.Sequence) *Log {
	return &Log{
		ID:        uuid.NewString(),
		Operation: operation,
		Account:   account,
		Net:       net,
		CreatedAt: time.Now().UTC(),
		seq:       seq,
	}
}

// NextNonce returns the nonce to sign the next transaction with.
func (l *Log) NextNonce() uint64 {
	return l.seq.Next()
}

// Add records a broadcast transaction under name. tx must carry the nonce returned by NextNonce.
func (l *Log) Add(name string, tx *types.Transaction) error {
	if err := l.seq.Commit(tx.Nonce()); err != nil {
		return err
	}

	l.mu.Lock()
	l.entries = append(l.entries, &Entry{Name: name, Tx: tx, Status: store.Pending})
	l.mu.Unlock()

	metrics.Submitted.WithLabelValues(l.Operation, name).Inc()
	logger.WithFields(logger.Fields{
		"operation": l.Operation,
		"step":      name,
		"tx_hash":   tx.Hash().Hex(),
		"nonce":     tx.Nonce(),
	}).Info("Transaction submitted")

	return nil
}

// Entries returns a copy of the transactions of the log in submission order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		out[i] = *e
	}

	return out
}

// Len returns how many transactions were submitted.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.entries)
}

// Hashes returns the hashes of the transactions in submission order.
func (l *Log) Hashes() []common.Hash {
	l.mu.Lock()
	defer l.mu.Unlock()

	hashes := make([]common.Hash, len(l.entries))
	for i, e := range l.entries {
		hashes[i] = e.Tx.Hash()
	}

	return hashes
}

// Wait awaits one confirmation of every transaction, in order. A reverted transaction marks its entry failed and
// stops the wait with ErrReverted.
func (l *Log) Wait(ctx context.Context, b bind.DeployBackend) error {
	l.mu.Lock()
	entries := append([]*Entry(nil), l.entries...)
	l.mu.Unlock()

	for _, e := range entries {
		receipt, err := bind.WaitMined(ctx, b, e.Tx)
		if err != nil {
			return fmt.Errorf("awaiting %s (%s): %w", e.Name, e.Tx.Hash().Hex(), err)
		}

		l.mu.Lock()
		e.BlockNumber = receipt.BlockNumber.Uint64()

		if receipt.Status == types.ReceiptStatusFailed {
			e.Status = store.Failed
			l.mu.Unlock()

			return fmt.Errorf("%s (%s): %w", e.Name, e.Tx.Hash().Hex(), ErrReverted)
		}

		e.Status = store.Mined
		l.mu.Unlock()
	}

	return nil
}

// Record returns the log as saved to the store.
func (l *Log) Record() store.TxLog {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := store.TxLog{
		ID:           l.ID,
		Net:          l.Net,
		Operation:    l.Operation,
		Account:      l.Account.Hex(),
		CreatedAt:    l.CreatedAt,
		Transactions: make([]store.TxEntry, len(l.entries)),
	}

	for i, e := range l.entries {
		r.Transactions[i] = entryRecord(e)
	}

	return r
}

func entryRecord(e *Entry) store.TxEntry {
	r := store.TxEntry{
		Name:        e.Name,
		Hash:        e.Tx.Hash().Hex(),
		Nonce:       e.Tx.Nonce(),
		Status:      e.Status,
		BlockNumber: e.BlockNumber,
	}

	if to := e.Tx.To(); to != nil {
		r.To = to.Hex()
	}

	return r
}

// MarshalJSON encodes the log as returned by the API.
func (l *Log) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Record())
}
