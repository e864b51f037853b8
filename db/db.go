// Package db defines the key-value database abstraction used by the node
// storage, and the common errors returned by its backends.
package db

import (
	"errors"
)

const (
	// TypePebble is the persistent pebble backend.
	TypePebble = "pebble"
	// TypeInMem is the ephemeral in-memory backend.
	TypeInMem = "inmemory"
	// TypeMongo is the MongoDB backend.
	TypeMongo = "mongodb"
)

var (
	// ErrKeyNotFound is returned by Get when the key does not exist.
	ErrKeyNotFound = errors.New("key not found")
	// ErrConflict is returned by Commit when a key read or written by the
	// transaction was modified concurrently.
	ErrConflict = errors.New("transaction conflict")
	// ErrClosed is returned when operating on a closed database.
	ErrClosed = errors.New("database closed")
)

// Options holds the backend specific parameters. Path is a directory for
// pebble and a database name for MongoDB; URI is only used by MongoDB.
type Options struct {
	Path string
	URI  string
}

// Reader is the read-only part of a database or a transaction.
type Reader interface {
	// Get returns the value for key, or ErrKeyNotFound.
	Get(key []byte) ([]byte, error)
	// Iterate calls callback for every key starting with prefix, in
	// lexicographic order, with the prefix removed from the key. Iteration
	// stops when callback returns false. The slices passed to callback are
	// only valid during the call.
	Iterate(prefix []byte, callback func(key, value []byte) bool) error
}

// WriteTx is a set of writes applied atomically on Commit.
type WriteTx interface {
	Reader
	Set(key, value []byte) error
	Delete(key []byte) error
	// Apply copies all the writes of other into this transaction.
	Apply(other WriteTx) error
	Commit() error
	// Discard releases the transaction. It is safe to call after Commit.
	Discard()
}

// Database is a key-value store with atomic write transactions.
type Database interface {
	Reader
	WriteTx() WriteTx
	Close() error
	Compact() error
}
