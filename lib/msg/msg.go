// Package msg defines the interface for different message brokers.
//
// The gateway publishes an event for every transaction it submits and the tracker publishes one when it sees the
// transaction mined or reverted, so other services can follow the transactions of the managed account.
package msg

import (
	"sync"
)

// Exchange where transaction events are published.
const Exchange = "ee"

// TxEvent defines the message published for a transaction of a log.
type TxEvent struct {
	LogID       string `json:"logId"`
	Operation   string `json:"operation"`
	Name        string `json:"name"`
	Hash        string `json:"hash"`
	Nonce       uint64 `json:"nonce"`
	Status      string `json:"status"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
}

// RoutingKey returns the key the event is published with: <net>.<status>.<hash>.
func (e TxEvent) RoutingKey(net string) string {
	return net + "." + e.Status + "." + e.Hash
}

// MsgBroker is implemented by the message brokers.
type MsgBroker interface { //nolint:revive // name kept for the broker implementations
	Setup() error
	Close() error

	SendEvent(net string, e TxEvent) error
	// GetEvents consumes the events of net. The consumed message is acknowledged once mut is unlocked by the reader.
	GetEvents(net string, mut *sync.Mutex) (<-chan TxEvent, <-chan error, error)
}
