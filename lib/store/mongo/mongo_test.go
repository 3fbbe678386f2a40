//go:build integration

package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/defigw/lib/store"
)

// uri of the MongoDB server required by these tests.
var uri = "mongodb://localhost:27017"

func TestMongo(t *testing.T) {
	m, err := New(uri)
	require.NoError(t, err)

	defer func() { assert.NoError(t, m.CloseMongo()) }()

	ctx := context.Background()
	id := uuid.NewString()
	l := store.TxLog{
		ID:        id,
		Net:       "ropsten",
		Operation: "supply",
		Account:   "0x357dd3856d856197c1a000bbAb4aBCB97Dfc92c4",
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		Transactions: []store.TxEntry{
			{Name: "unlockDAI", Hash: "0x01", Nonce: 7, Status: store.Mined, BlockNumber: 3},
			{Name: "supply", Hash: "0x02", Nonce: 8, Status: store.Pending},
		},
	}

	require.NoError(t, m.SaveLog(ctx, l))

	got, err := m.GetLog(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, l, got)

	_, err = m.GetLog(ctx, "unknown")
	assert.ErrorIs(t, err, store.ErrLogNotFound)

	logs, err := m.ListLogs(ctx, store.Filter{Operation: "supply", Limit: 1})
	require.NoError(t, err)
	require.Len(t, logs, 1)

	pending, err := m.PendingLogs(ctx, "ropsten")
	require.NoError(t, err)
	assert.NotEmpty(t, pending)

	require.NoError(t, m.UpdateEntry(ctx, id, store.TxEntry{Hash: "0x02", Status: store.Mined, BlockNumber: 4}))
	assert.ErrorIs(t, m.UpdateEntry(ctx, id, store.TxEntry{Hash: "0x03"}), store.ErrEntryNotFound)

	got, err = m.GetLog(ctx, id)
	require.NoError(t, err)
	assert.False(t, got.Pending())
}
