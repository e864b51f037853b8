package pebbledb

import (
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/ballotbox/db"
	"github.com/vocdoni/ballotbox/db/internal/dbtest"
	"github.com/vocdoni/ballotbox/db/prefixeddb"
)

func newDB(t *testing.T) *PebbleDB {
	database, err := New(db.Options{Path: t.TempDir()})
	qt.Assert(t, err, qt.IsNil)
	t.Cleanup(func() { _ = database.Close() })
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

// NOTE: pebble batches do not detect conflicts, so TestConcurrentWriteTx
// is not run for this backend. Storage serializes its own writes.

func TestPersistence(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()

	database, err := New(db.Options{Path: dir})
	c.Assert(err, qt.IsNil)
	wTx := database.WriteTx()
	c.Assert(wTx.Set([]byte("k"), []byte("v")), qt.IsNil)
	c.Assert(wTx.Commit(), qt.IsNil)
	wTx.Discard()
	c.Assert(database.Compact(), qt.IsNil)
	c.Assert(database.Close(), qt.IsNil)

	database, err = New(db.Options{Path: dir})
	c.Assert(err, qt.IsNil)
	defer func() { _ = database.Close() }()
	v, err := database.Get([]byte("k"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("v"))
}

func TestPrefixUpperBound(t *testing.T) {
	c := qt.New(t)
	c.Assert(prefixUpperBound([]byte("a/")), qt.DeepEquals, []byte("a0"))
	c.Assert(prefixUpperBound([]byte{0x01, 0xFF}), qt.DeepEquals, []byte{0x02})
	c.Assert(prefixUpperBound([]byte{0xFF}), qt.IsNil)
	c.Assert(prefixUpperBound(nil), qt.IsNil)
}
