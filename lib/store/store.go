// Package store defines the interface for database implementations persisting the transaction logs of the gateway
// and tracker services.
package store

import (
	"context"
	"errors"
)

// DB defines required methods for gateways and trackers
type DB interface {
	// methods for gateway service
	SaveLog(ctx context.Context, l TxLog) error
	GetLog(ctx context.Context, id string) (TxLog, error)
	ListLogs(ctx context.Context, f Filter) ([]TxLog, error)
	// methods for tracker service
	PendingLogs(ctx context.Context, net string) ([]TxLog, error)
	UpdateEntry(ctx context.Context, id string, e TxEntry) error
}

// Errors returned
var (
	ErrLogNotFound   = errors.New("transaction log was not found in store")
	ErrEntryNotFound = errors.New("transaction was not found in log")
)

// DefaultLimit is the number of logs returned by ListLogs when the filter does not set one.
const DefaultLimit = 50
