// Package db implements the opening and graceful closing of database connections.
package db

import (
	"fmt"

	"github.com/tarancss/defigw/lib/store"
	"github.com/tarancss/defigw/lib/store/memory"
	"github.com/tarancss/defigw/lib/store/mongo"
	"github.com/tarancss/defigw/lib/store/postgres"
)

// Database types.
const (
	MEMORY   string = ""
	MONGODB  string = "mongodb"
	POSTGRES string = "postgresql"
)

// New returns a new database connection according to the options (database type). An empty type keeps the logs in
// memory.
func New(options, connection string) (store.DB, error) {
	switch options {
	case MEMORY:
		return memory.New(), nil
	case MONGODB:
		return mongo.New(connection)
	case POSTGRES:
		return postgres.New(connection)
	}

	return nil, fmt.Errorf("unknown database type %q", options)
}

// Close gracefully closes the database connection.
func Close(options string, dh store.DB) error {
	switch options {
	case MONGODB:
		return dh.(*mongo.Mongo).CloseMongo()
	case POSTGRES:
		return dh.(*postgres.Postgres).ClosePostgres()
	}

	return nil
}
