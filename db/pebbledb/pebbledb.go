// Package pebbledb implements db.Database on top of cockroachdb/pebble.
// Write transactions are indexed batches: they read their own writes but do
// not detect conflicts, callers serialize read-modify-write sequences.
package pebbledb

import (
	"errors"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
	"github.com/vocdoni/ballotbox/db"
)

// PebbleDB implements db.Database.
type PebbleDB struct {
	db *pebble.DB
}

var _ db.Database = (*PebbleDB)(nil)

// New opens (or creates) a pebble database in opts.Path.
func New(opts db.Options) (*PebbleDB, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("missing pebble database path")
	}
	if err := os.MkdirAll(opts.Path, os.ModePerm); err != nil {
		return nil, fmt.Errorf("create pebble dir: %w", err)
	}
	o := &pebble.Options{
		Cache:                       pebble.NewCache(32 << 20),
		MemTableSize:                16 << 20,
		MemTableStopWritesThreshold: 2,
	}
	pdb, err := pebble.Open(opts.Path, o)
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleDB{db: pdb}, nil
}

func get(reader pebble.Reader, key []byte) ([]byte, error) {
	value, closer, err := reader.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, db.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = closer.Close() }()
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func iterate(reader pebble.Reader, prefix []byte, callback func(key, value []byte) bool) (err error) {
	iter, err := reader.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := iter.Close(); err == nil {
			err = cerr
		}
	}()
	for iter.First(); iter.Valid(); iter.Next() {
		value, verr := iter.ValueAndErr()
		if verr != nil {
			return verr
		}
		if !callback(iter.Key()[len(prefix):], value) {
			break
		}
	}
	return iter.Error()
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
// Returns nil (unbounded) for an empty or all 0xFF prefix.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}

func (p *PebbleDB) Get(key []byte) ([]byte, error) {
	return get(p.db, key)
}

func (p *PebbleDB) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	return iterate(p.db, prefix, callback)
}

func (p *PebbleDB) WriteTx() db.WriteTx {
	return &WriteTx{batch: p.db.NewIndexedBatch()}
}

func (p *PebbleDB) Close() error {
	return p.db.Close()
}

// Compact compacts the whole key space.
func (p *PebbleDB) Compact() error {
	first, last := []byte{}, []byte{}
	iter, err := p.db.NewIter(nil)
	if err != nil {
		return err
	}
	if iter.First() {
		first = append(first, iter.Key()...)
	}
	if iter.Last() {
		last = append(last, iter.Key()...)
	}
	if err := iter.Close(); err != nil {
		return err
	}
	if len(last) == 0 {
		return nil
	}
	return p.db.Compact(first, append(last, 0), true)
}

// WriteTx wraps an indexed pebble batch.
type WriteTx struct {
	batch *pebble.Batch
}

var _ db.WriteTx = (*WriteTx)(nil)

func (tx *WriteTx) Get(key []byte) ([]byte, error) {
	return get(tx.batch, key)
}

func (tx *WriteTx) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	return iterate(tx.batch, prefix, callback)
}

func (tx *WriteTx) Set(key, value []byte) error {
	return tx.batch.Set(key, value, nil)
}

func (tx *WriteTx) Delete(key []byte) error {
	return tx.batch.Delete(key, nil)
}

func (tx *WriteTx) Apply(other db.WriteTx) error {
	o, ok := other.(*WriteTx)
	if !ok {
		return fmt.Errorf("cannot apply %T to a pebble tx", other)
	}
	return tx.batch.Apply(o.batch, nil)
}

func (tx *WriteTx) Commit() error {
	return tx.batch.Commit(pebble.Sync)
}

func (tx *WriteTx) Discard() {
	_ = tx.batch.Close()
}
