// Package dbtest holds the conformance tests shared by every db.Database
// backend.
package dbtest

import (
	"fmt"
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/ballotbox/db"
)

// TestWriteTx checks the basic set/get/delete/commit cycle.
func TestWriteTx(t *testing.T, database db.Database) {
	c := qt.New(t)

	wTx := database.WriteTx()
	_, err := wTx.Get([]byte("a"))
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)

	c.Assert(wTx.Set([]byte("a"), []byte("b")), qt.IsNil)
	v, err := wTx.Get([]byte("a"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("b"))

	// not visible outside the tx before commit
	_, err = database.Get([]byte("a"))
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)

	c.Assert(wTx.Commit(), qt.IsNil)
	wTx.Discard()

	v, err = database.Get([]byte("a"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("b"))

	wTx = database.WriteTx()
	c.Assert(wTx.Delete([]byte("a")), qt.IsNil)
	_, err = wTx.Get([]byte("a"))
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)
	c.Assert(wTx.Commit(), qt.IsNil)
	wTx.Discard()

	_, err = database.Get([]byte("a"))
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)
}

// TestIterate checks prefix iteration, ordering and early stop.
func TestIterate(t *testing.T, database db.Database) {
	c := qt.New(t)

	wTx := database.WriteTx()
	for i := range 10 {
		c.Assert(wTx.Set(fmt.Appendf(nil, "p/%02d", i), fmt.Appendf(nil, "v%d", i)), qt.IsNil)
	}
	c.Assert(wTx.Set([]byte("q/00"), []byte("other")), qt.IsNil)
	c.Assert(wTx.Commit(), qt.IsNil)
	wTx.Discard()

	var keys []string
	err := database.Iterate([]byte("p/"), func(k, v []byte) bool {
		keys = append(keys, string(k))
		return true
	})
	c.Assert(err, qt.IsNil)
	c.Assert(keys, qt.HasLen, 10)
	c.Assert(keys[0], qt.Equals, "00")
	c.Assert(keys[9], qt.Equals, "09")

	count := 0
	err = database.Iterate([]byte("p/"), func(k, v []byte) bool {
		count++
		return count < 3
	})
	c.Assert(err, qt.IsNil)
	c.Assert(count, qt.Equals, 3)
}

// TestWriteTxApply checks that the writes of one transaction can be merged
// into another.
func TestWriteTxApply(t *testing.T, database db.Database) {
	c := qt.New(t)

	keyA, keyB := []byte("A"), []byte("B")
	wTx := database.WriteTx()
	c.Assert(wTx.Set(keyA, []byte("a")), qt.IsNil)
	c.Assert(wTx.Commit(), qt.IsNil)
	wTx.Discard()

	wTx = database.WriteTx()
	c.Assert(wTx.Set(keyB, []byte("b")), qt.IsNil)
	other := database.WriteTx()
	c.Assert(other.Delete(keyA), qt.IsNil)
	c.Assert(wTx.Apply(other), qt.IsNil)
	other.Discard()
	c.Assert(wTx.Commit(), qt.IsNil)
	wTx.Discard()

	_, err := database.Get(keyA)
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)
	v, err := database.Get(keyB)
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("b"))
}

// TestWriteTxApplyPrefixed checks Apply through a prefixed view.
func TestWriteTxApplyPrefixed(t *testing.T, database, dbWithPrefix db.Database) {
	c := qt.New(t)

	keyPrefixed := []byte("prefixed")
	keyOther := []byte("other")

	wTx := database.WriteTx()
	c.Assert(wTx.Set(keyOther, []byte("o")), qt.IsNil)
	wTxPrefixed := dbWithPrefix.WriteTx()
	c.Assert(wTxPrefixed.Set(keyPrefixed, []byte("p")), qt.IsNil)
	c.Assert(wTxPrefixed.Commit(), qt.IsNil)
	wTxPrefixed.Discard()
	c.Assert(wTx.Commit(), qt.IsNil)
	wTx.Discard()

	v, err := dbWithPrefix.Get(keyPrefixed)
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("p"))
	_, err = dbWithPrefix.Get(keyOther)
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)
	_, err = database.Get(keyPrefixed)
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)
}

// TestConcurrentWriteTx checks that conflicting read-modify-write
// transactions never lose updates. Only backends with conflict detection
// run it.
func TestConcurrentWriteTx(t *testing.T, database db.Database) {
	c := qt.New(t)

	key := []byte("counter")
	wTx := database.WriteTx()
	c.Assert(wTx.Set(key, []byte{0}), qt.IsNil)
	c.Assert(wTx.Commit(), qt.IsNil)
	wTx.Discard()

	const workers = 20
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				tx := database.WriteTx()
				v, err := tx.Get(key)
				if err != nil {
					tx.Discard()
					continue
				}
				if err := tx.Set(key, []byte{v[0] + 1}); err != nil {
					tx.Discard()
					continue
				}
				err = tx.Commit()
				tx.Discard()
				if err == nil {
					return
				}
			}
		}()
	}
	wg.Wait()

	v, err := database.Get(key)
	c.Assert(err, qt.IsNil)
	c.Assert(v[0], qt.Equals, byte(workers))
}
