package store

import "time"

// Status of a transaction in a log.
type Status string

// Transaction statuses.
const (
	Pending Status = "pending"
	Mined   Status = "mined"
	Failed  Status = "failed"
)

// TxEntry contains the fields of a transaction of a log saved to DB.
type TxEntry struct {
	Name        string `json:"name" bson:"name"`
	Hash        string `json:"hash" bson:"hash"`
	Nonce       uint64 `json:"nonce" bson:"nonce"`
	To          string `json:"to,omitempty" bson:"to"`
	Status      Status `json:"status" bson:"status"`
	BlockNumber uint64 `json:"blockNumber,omitempty" bson:"blockNumber"`
}

// TxLog contains the fields of a transaction log saved to DB. Transactions are kept in submission order.
type TxLog struct {
	ID           string    `json:"id" bson:"_id"`
	Net          string    `json:"net" bson:"net"`
	Operation    string    `json:"operation" bson:"operation"`
	Account      string    `json:"account" bson:"account"`
	CreatedAt    time.Time `json:"createdAt" bson:"createdAt"`
	Transactions []TxEntry `json:"transactions" bson:"transactions"`
}

// Pending reports whether any transaction of the log awaits mining.
func (l TxLog) Pending() bool {
	for _, e := range l.Transactions {
		if e.Status == Pending {
			return true
		}
	}

	return false
}

// Filter selects the logs returned by ListLogs, most recent first.
type Filter struct {
	Operation string
	Limit     int
}

// Max returns the limit to apply.
func (f Filter) Max() int {
	if f.Limit <= 0 {
		return DefaultLimit
	}

	return f.Limit
}
