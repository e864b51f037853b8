// Package prefixeddb wraps a database so that every key is transparently
// namespaced with a fixed prefix.
package prefixeddb

import (
	"github.com/vocdoni/ballotbox/db"
)

func prefixKey(prefix, key []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(key))
	out = append(out, prefix...)
	return append(out, key...)
}

// PrefixedDatabase namespaces every key of the parent database.
type PrefixedDatabase struct {
	parent db.Database
	prefix []byte
}

var _ db.Database = (*PrefixedDatabase)(nil)

// NewPrefixedDatabase returns a view of parent restricted to prefix.
func NewPrefixedDatabase(parent db.Database, prefix []byte) *PrefixedDatabase {
	return &PrefixedDatabase{parent: parent, prefix: prefix}
}

func (d *PrefixedDatabase) Get(key []byte) ([]byte, error) {
	return d.parent.Get(prefixKey(d.prefix, key))
}

func (d *PrefixedDatabase) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	return d.parent.Iterate(prefixKey(d.prefix, prefix), callback)
}

func (d *PrefixedDatabase) WriteTx() db.WriteTx {
	return NewPrefixedWriteTx(d.parent.WriteTx(), d.prefix)
}

// Close closes the parent database.
func (d *PrefixedDatabase) Close() error {
	return d.parent.Close()
}

func (d *PrefixedDatabase) Compact() error {
	return d.parent.Compact()
}

// PrefixedWriteTx namespaces every key of the parent transaction.
type PrefixedWriteTx struct {
	parent db.WriteTx
	prefix []byte
}

var _ db.WriteTx = (*PrefixedWriteTx)(nil)

// NewPrefixedWriteTx returns a view of parent restricted to prefix.
func NewPrefixedWriteTx(parent db.WriteTx, prefix []byte) *PrefixedWriteTx {
	return &PrefixedWriteTx{parent: parent, prefix: prefix}
}

func (tx *PrefixedWriteTx) Get(key []byte) ([]byte, error) {
	return tx.parent.Get(prefixKey(tx.prefix, key))
}

func (tx *PrefixedWriteTx) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	return tx.parent.Iterate(prefixKey(tx.prefix, prefix), callback)
}

func (tx *PrefixedWriteTx) Set(key, value []byte) error {
	return tx.parent.Set(prefixKey(tx.prefix, key), value)
}

func (tx *PrefixedWriteTx) Delete(key []byte) error {
	return tx.parent.Delete(prefixKey(tx.prefix, key))
}

// Apply copies the writes of other under this transaction prefix. If other
// is a PrefixedWriteTx its unprefixed parent is applied directly.
func (tx *PrefixedWriteTx) Apply(other db.WriteTx) error {
	if p, ok := other.(*PrefixedWriteTx); ok {
		return tx.parent.Apply(p.parent)
	}
	return other.Iterate(nil, func(k, v []byte) bool {
		return tx.Set(k, v) == nil
	})
}

func (tx *PrefixedWriteTx) Commit() error {
	return tx.parent.Commit()
}

func (tx *PrefixedWriteTx) Discard() {
	tx.parent.Discard()
}

// PrefixedReader namespaces every key of the parent reader.
type PrefixedReader struct {
	parent db.Reader
	prefix []byte
}

var _ db.Reader = (*PrefixedReader)(nil)

// NewPrefixedReader returns a read-only view of parent restricted to prefix.
func NewPrefixedReader(parent db.Reader, prefix []byte) *PrefixedReader {
	return &PrefixedReader{parent: parent, prefix: prefix}
}

func (r *PrefixedReader) Get(key []byte) ([]byte, error) {
	return r.parent.Get(prefixKey(r.prefix, key))
}

func (r *PrefixedReader) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	return r.parent.Iterate(prefixKey(r.prefix, prefix), callback)
}
