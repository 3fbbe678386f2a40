// Package postgres implements the interface for PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/tarancss/defigw/lib/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS tx_logs (
	id         TEXT PRIMARY KEY,
	net        TEXT NOT NULL,
	operation  TEXT NOT NULL,
	account    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS tx_entries (
	log_id       TEXT NOT NULL REFERENCES tx_logs(id) ON DELETE CASCADE,
	idx          INTEGER NOT NULL,
	name         TEXT NOT NULL,
	hash         TEXT NOT NULL,
	nonce        BIGINT NOT NULL,
	to_addr      TEXT NOT NULL,
	status       TEXT NOT NULL,
	block_number BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (log_id, idx)
);
CREATE INDEX IF NOT EXISTS tx_entries_status ON tx_entries (status);
`

// Postgres implements a connection to a PostgreSQL database.
type Postgres struct {
	db *sql.DB
}

// New returns a postgres client connection to the specified database in 'connection' and creates the tables if
// needed.
func New(connection string) (*Postgres, error) {
	db, err := sql.Open("postgres", connection)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to DB in %s: %w", connection, err)
	}

	if _, err = db.Exec(schema); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("cannot create schema: %w", err)
	}

	return &Postgres{db: db}, nil
}

// ClosePostgres will close any database connection. Must be called at termination time.
func (p *Postgres) ClosePostgres() error {
	return p.db.Close()
}

// SaveLog inserts or replaces a transaction log in a single database transaction.
func (p *Postgres) SaveLog(ctx context.Context, l store.TxLog) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `INSERT INTO tx_logs (id, net, operation, account, created_at)
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
		l.ID, l.Net, l.Operation, l.Account, l.CreatedAt); err != nil {
		return fmt.Errorf("could not save log %s: %w", l.ID, err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM tx_entries WHERE log_id = $1`, l.ID); err != nil {
		return fmt.Errorf("could not save log %s: %w", l.ID, err)
	}

	for i, e := range l.Transactions {
		if _, err = tx.ExecContext(ctx, `INSERT INTO tx_entries
			(log_id, idx, name, hash, nonce, to_addr, status, block_number) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			l.ID, i, e.Name, e.Hash, int64(e.Nonce), e.To, string(e.Status), int64(e.BlockNumber)); err != nil {
			return fmt.Errorf("could not save transaction %s: %w", e.Hash, err)
		}
	}

	return tx.Commit()
}

// GetLog returns the transaction log with the given id.
func (p *Postgres) GetLog(ctx context.Context, id string) (store.TxLog, error) {
	logs, err := p.query(ctx, `SELECT id, net, operation, account, created_at FROM tx_logs WHERE id = $1`, id)
	if err != nil {
		return store.TxLog{}, err
	}

	if len(logs) == 0 {
		return store.TxLog{}, store.ErrLogNotFound
	}

	return logs[0], nil
}

// ListLogs returns the most recent logs matching f.
func (p *Postgres) ListLogs(ctx context.Context, f store.Filter) ([]store.TxLog, error) {
	return p.query(ctx, `SELECT id, net, operation, account, created_at FROM tx_logs
		WHERE ($1 = '' OR operation = $1) ORDER BY created_at DESC LIMIT $2`, f.Operation, f.Max())
}

// PendingLogs returns the logs of net with transactions awaiting mining, oldest first.
func (p *Postgres) PendingLogs(ctx context.Context, net string) ([]store.TxLog, error) {
	return p.query(ctx, `SELECT id, net, operation, account, created_at FROM tx_logs l
		WHERE net = $1 AND EXISTS (SELECT 1 FROM tx_entries e WHERE e.log_id = l.id AND e.status = $2)
		ORDER BY created_at`, net, string(store.Pending))
}

// query loads the logs selected by q and then all their entries in one go.
func (p *Postgres) query(ctx context.Context, q string, args ...interface{}) ([]store.TxLog, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying logs: %w", err)
	}
	defer rows.Close()

	logs := []store.TxLog{}
	index := map[string]int{}

	var ids []string

	for rows.Next() {
		var l store.TxLog
		if err = rows.Scan(&l.ID, &l.Net, &l.Operation, &l.Account, &l.CreatedAt); err != nil {
			return nil, err
		}

		index[l.ID] = len(logs)
		ids = append(ids, l.ID)
		logs = append(logs, l)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return logs, nil
	}

	entries, err := p.db.QueryContext(ctx, `SELECT log_id, name, hash, nonce, to_addr, status, block_number
		FROM tx_entries WHERE log_id = ANY($1) ORDER BY log_id, idx`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("error querying transactions: %w", err)
	}
	defer entries.Close()

	for entries.Next() {
		var (
			id, status   string
			nonce, block int64
			e            store.TxEntry
		)

		if err = entries.Scan(&id, &e.Name, &e.Hash, &nonce, &e.To, &status, &block); err != nil {
			return nil, err
		}

		e.Nonce, e.BlockNumber, e.Status = uint64(nonce), uint64(block), store.Status(status)
		i := index[id]
		logs[i].Transactions = append(logs[i].Transactions, e)
	}

	return logs, entries.Err()
}

// UpdateEntry sets the status and block of the transaction of log id with the hash of e.
func (p *Postgres) UpdateEntry(ctx context.Context, id string, e store.TxEntry) error {
	res, err := p.db.ExecContext(ctx, `UPDATE tx_entries SET status = $1, block_number = $2
		WHERE log_id = $3 AND hash = $4`, string(e.Status), int64(e.BlockNumber), id, e.Hash)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			return fmt.Errorf("could not update transaction %s (%s): %w", e.Hash, pqErr.Code.Name(), err)
		}

		return fmt.Errorf("could not update transaction %s: %w", e.Hash, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrEntryNotFound
	}

	return nil
}
