// Package nonce coordinates the nonces used by the managed account so that the transactions of an operation get
// consecutive nonces in submission order and a failed submission never consumes one.
//
// An operation takes a Sequence with Manager.Begin. The sequence holds the account lock in the Store until it is
// closed, so concurrent operations, even from other gateway instances sharing a Redis store, never interleave.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"

	"github.com/tarancss/defigw/lib/metrics"
)

// Errors returned.
var (
	ErrNodeNonces = errors.New("mined nonce is higher than pending nonce, abnormal data from node")
	ErrOutOfOrder = errors.New("nonce committed out of order")
	ErrClosed     = errors.New("nonce sequence already closed")
)

// Source returns the account nonces as seen by the node.
type Source interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
}

// Store keeps the next nonce to use for an account and serializes its use.
type Store interface {
	// Lock blocks until the account is free or ctx is done. The returned func releases it.
	Lock(ctx context.Context, account common.Address) (func(), error)
	// Load returns the next nonce saved for the account, found is false when none was saved.
	Load(ctx context.Context, account common.Address) (next uint64, found bool, err error)
	// Save stores the next nonce to use for the account.
	Save(ctx context.Context, account common.Address, next uint64) error
}

// Manager hands out nonce sequences.
type Manager struct {
	src   Source
	store Store
}

// NewManager returns a manager reconciling the nonces kept in store with the node behind src.
func NewManager(src Source, store Store) *Manager {
	return &Manager{src: src, store: store}
}

// Begin locks the account and returns a sequence starting at the next usable nonce.
func (m *Manager) Begin(ctx context.Context, account common.Address) (*Sequence, error) {
	unlock, err := m.store.Lock(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("cannot lock nonces of %s: %w", account.Hex(), err)
	}

	next, err := m.reconcile(ctx, account)
	if err != nil {
		unlock()

		return nil, err
	}

	return &Sequence{store: m.store, account: account, next: next, unlock: unlock}, nil
}

// reconcile works out the next nonce from the local view and the node's mined and pending nonces:
//  1. no local view: the node pending nonce.
//  2. local <= pending: the node knows all our transactions, use pending.
//  3. local > pending and the node has no pending transactions from us (mined == pending): the transactions sent
//     after pending were dropped, resync to pending so no gap is left.
//  4. local > pending with pending transactions on the node: the node lags behind our broadcasts, keep local.
func (m *Manager) reconcile(ctx context.Context, account common.Address) (uint64, error) {
	mined, err := m.src.NonceAt(ctx, account, nil)
	if err != nil {
		return 0, fmt.Errorf("cannot get mined nonce: %w", err)
	}

	pending, err := m.src.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("cannot get pending nonce: %w", err)
	}

	if mined > pending {
		return 0, ErrNodeNonces
	}

	local, found, err := m.store.Load(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("cannot load local nonce: %w", err)
	}

	switch {
	case !found, local <= pending:
		return pending, nil
	case mined == pending:
		logger.WithFields(logger.Fields{
			"account": account.Hex(),
			"local":   local,
			"pending": pending,
		}).Warn("Local nonce ahead of node without pending transactions, resyncing")
		metrics.NonceResyncs.Inc()

		return pending, nil
	default:
		return local, nil
	}
}

// Sequence hands out consecutive nonces to one operation.
type Sequence struct {
	mu        sync.Mutex
	store     Store
	account   common.Address
	next      uint64
	committed int
	unlock    func()
	closed    bool
}

// Next returns the nonce to use for the next transaction. It keeps returning the same nonce until it is committed.
func (s *Sequence) Next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.next
}

// Commit marks nonce as used by a broadcast transaction.
func (s *Sequence) Commit(nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if nonce != s.next {
		return fmt.Errorf("%w: got %d, expected %d", ErrOutOfOrder, nonce, s.next)
	}

	s.next++
	s.committed++

	return nil
}

// Committed returns how many nonces were used.
func (s *Sequence) Committed() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.committed
}

// Close saves the next nonce and releases the account. Closing twice is a no-op.
func (s *Sequence) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	defer s.unlock()

	if err := s.store.Save(ctx, s.account, s.next); err != nil {
		return fmt.Errorf("cannot save nonce %d of %s: %w", s.next, s.account.Hex(), err)
	}

	return nil
}
