// Package metadb opens a db.Database by backend type name.
package metadb

import (
	"fmt"

	"github.com/vocdoni/ballotbox/db"
	"github.com/vocdoni/ballotbox/db/inmemory"
	"github.com/vocdoni/ballotbox/db/mongodb"
	"github.com/vocdoni/ballotbox/db/pebbledb"
)

// New returns a database of the given type.
func New(typ string, opts db.Options) (db.Database, error) {
	switch typ {
	case db.TypePebble:
		return pebbledb.New(opts)
	case db.TypeInMem:
		return inmemory.New(opts)
	case db.TypeMongo:
		return mongodb.New(opts)
	default:
		return nil, fmt.Errorf("invalid database type %q, available types: %s, %s, %s",
			typ, db.TypePebble, db.TypeInMem, db.TypeMongo)
	}
}

// NewTest returns an in-memory database for tests.
func NewTest() db.Database {
	database, err := inmemory.New(db.Options{})
	if err != nil {
		panic(err)
	}
	return database
}
