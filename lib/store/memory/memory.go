// Package memory implements an in-process store used when no database is configured and in tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/tarancss/defigw/lib/store"
)

// Memory keeps transaction logs in a map.
type Memory struct {
	mu   sync.RWMutex
	logs map[string]store.TxLog
}

// New returns an empty store.
func New() *Memory {
	return &Memory{logs: make(map[string]store.TxLog)}
}

func clone(l store.TxLog) store.TxLog {
	l.Transactions = append([]store.TxEntry(nil), l.Transactions...)

	return l
}

// SaveLog inserts or replaces a log.
func (m *Memory) SaveLog(_ context.Context, l store.TxLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logs[l.ID] = clone(l)

	return nil
}

// GetLog returns the log with the given id.
func (m *Memory) GetLog(_ context.Context, id string) (store.TxLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.logs[id]
	if !ok {
		return store.TxLog{}, store.ErrLogNotFound
	}

	return clone(l), nil
}

// ListLogs returns the most recent logs matching f.
func (m *Memory) ListLogs(_ context.Context, f store.Filter) ([]store.TxLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	logs := make([]store.TxLog, 0, len(m.logs))

	for _, l := range m.logs {
		if f.Operation == "" || f.Operation == l.Operation {
			logs = append(logs, clone(l))
		}
	}

	sort.Slice(logs, func(i, j int) bool { return logs[i].CreatedAt.After(logs[j].CreatedAt) })

	if len(logs) > f.Max() {
		logs = logs[:f.Max()]
	}

	return logs, nil
}

// PendingLogs returns the logs of net with transactions awaiting mining.
func (m *Memory) PendingLogs(_ context.Context, net string) ([]store.TxLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var logs []store.TxLog

	for _, l := range m.logs {
		if l.Net == net && l.Pending() {
			logs = append(logs, clone(l))
		}
	}

	sort.Slice(logs, func(i, j int) bool { return logs[i].CreatedAt.Before(logs[j].CreatedAt) })

	return logs, nil
}

// UpdateEntry sets the status and block of the transaction of log id with the hash of e.
func (m *Memory) UpdateEntry(_ context.Context, id string, e store.TxEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.logs[id]
	if !ok {
		return store.ErrLogNotFound
	}

	for i := range l.Transactions {
		if l.Transactions[i].Hash == e.Hash {
			l.Transactions[i].Status = e.Status
			l.Transactions[i].BlockNumber = e.BlockNumber

			return nil
		}
	}

	return store.ErrEntryNotFound
}
