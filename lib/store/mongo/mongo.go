// Package mongo implements the interface for MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tarancss/defigw/lib/store"
)

// Database and collection names.
const (
	Database   = "defigw"
	Collection = "txlogs"
)

// Mongo implements a connection to a MongoDB database.
type Mongo struct {
	c   *mgo.Client
	col *mgo.Collection
}

// New returns a Mongo client connection to the specified MongoDB database uri.
func New(uri string) (*Mongo, error) {
	// get a client
	c, err := mgo.NewClient(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mongo DB in %s: %w", uri, err)
	}
	// connect client
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:gomnd // 5 seconds timeout
	defer cancel()

	if err = c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("error connecting to mongo DB: %w", err)
	}

	m := &Mongo{c: c, col: c.Database(Database).Collection(Collection)}

	// the tracker looks logs up by network and pending status
	_, err = m.col.Indexes().CreateOne(ctx, mgo.IndexModel{
		Keys: bson.D{{Key: "net", Value: 1}, {Key: "transactions.status", Value: 1}},
	})
	if err != nil {
		_ = c.Disconnect(context.Background())

		return nil, fmt.Errorf("cannot create txlogs index: %w", err)
	}

	return m, nil
}

// CloseMongo will close a database connection. Must be called at termination time.
func (m *Mongo) CloseMongo() error {
	return m.c.Disconnect(context.Background())
}

// SaveLog inserts or replaces a transaction log.
func (m *Mongo) SaveLog(ctx context.Context, l store.TxLog) error {
	_, err := m.col.ReplaceOne(ctx, bson.M{"_id": l.ID}, l, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("could not save log %s in db: %w", l.ID, err)
	}

	return nil
}

// GetLog returns the transaction log with the given id.
func (m *Mongo) GetLog(ctx context.Context, id string) (l store.TxLog, err error) {
	if err = m.col.FindOne(ctx, bson.M{"_id": id}).Decode(&l); errors.Is(err, mgo.ErrNoDocuments) {
		err = store.ErrLogNotFound
	}

	return
}

// ListLogs returns the most recent logs matching f.
func (m *Mongo) ListLogs(ctx context.Context, f store.Filter) ([]store.TxLog, error) {
	filter := bson.M{}
	if f.Operation != "" {
		filter["operation"] = f.Operation
	}

	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}).SetLimit(int64(f.Max()))

	return m.find(ctx, filter, opts)
}

// PendingLogs returns the logs of net with transactions awaiting mining, oldest first.
func (m *Mongo) PendingLogs(ctx context.Context, net string) ([]store.TxLog, error) {
	filter := bson.M{"net": net, "transactions.status": store.Pending}

	return m.find(ctx, filter, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
}

func (m *Mongo) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]store.TxLog, error) {
	cur, err := m.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("error finding logs: %w", err)
	}

	logs := []store.TxLog{}
	if err = cur.All(ctx, &logs); err != nil {
		return nil, fmt.Errorf("error decoding logs: %w", err)
	}

	return logs, nil
}

// UpdateEntry sets the status and block of the transaction of log id with the hash of e.
func (m *Mongo) UpdateEntry(ctx context.Context, id string, e store.TxEntry) error {
	res, err := m.col.UpdateOne(ctx,
		bson.M{"_id": id, "transactions.hash": e.Hash}, // filter
		bson.D{ // update
			{
				Key: "$set", Value: bson.D{
					{Key: "transactions.$.status", Value: e.Status},
					{Key: "transactions.$.blockNumber", Value: e.BlockNumber},
				},
			},
		})
	if err != nil {
		return fmt.Errorf("could not update transaction %s: %w", e.Hash, err)
	}

	if res.MatchedCount == 0 {
		return store.ErrEntryNotFound
	}

	return nil
}
