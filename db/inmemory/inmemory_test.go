package inmemory

import (
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/ballotbox/db"
	"github.com/vocdoni/ballotbox/db/internal/dbtest"
	"github.com/vocdoni/ballotbox/db/prefixeddb"
)

func newDB(t *testing.T) *InMemoryDB {
	database, err := New(db.Options{})
	qt.Assert(t, err, qt.IsNil)
	return database
}

func TestWriteTx(t *testing.T) {
	dbtest.TestWriteTx(t, newDB(t))
}

func TestIterate(t *testing.T) {
	dbtest.TestIterate(t, newDB(t))
}

func TestWriteTxApply(t *testing.T) {
	dbtest.TestWriteTxApply(t, newDB(t))
}

func TestWriteTxApplyPrefixed(t *testing.T) {
	database := newDB(t)
	dbtest.TestWriteTxApplyPrefixed(t, database, prefixeddb.NewPrefixedDatabase(database, []byte("one")))
}

func TestConcurrentWriteTx(t *testing.T) {
	dbtest.TestConcurrentWriteTx(t, newDB(t))
}

func TestClosed(t *testing.T) {
	c := qt.New(t)
	database := newDB(t)
	c.Assert(database.Close(), qt.IsNil)
	_, err := database.Get([]byte("k"))
	c.Assert(err, qt.ErrorIs, db.ErrClosed)
}
