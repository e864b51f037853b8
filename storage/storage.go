/*
Package storage is the local vote store of the node. It keeps one record per
cast attempt and tracks its sync status with the ledger.

# Storage Organization

Records live in a key-value database under the "vs_" namespace:

  - r/ : recordID → VoteRecord (CBOR)
  - v/ : voterID → recordID of the latest record of the voter

All mutations go through a single lock so that any fetch-check-write
sequence on a record (attaching a transaction hash, for instance) is atomic.
Records are never deleted.
*/
package storage

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/vocdoni/ballotbox/db"
	"github.com/vocdoni/ballotbox/db/prefixeddb"
	"github.com/vocdoni/ballotbox/log"
	"github.com/vocdoni/ballotbox/types"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrVoterHasRecord is returned when adding a record for a voter whose
	// latest record is still pending or synced.
	ErrVoterHasRecord = errors.New("voter already has an active record")
	// ErrTxHashConflict is returned when attaching a transaction hash to a
	// record that already holds a different one.
	ErrTxHashConflict = errors.New("record already has a different transaction hash")
	// ErrRecordInvalid is returned when mutating a record marked invalid.
	ErrRecordInvalid = errors.New("record is marked invalid")

	storeDBprefix = []byte("vs_")
	recordPrefix  = []byte("r/")
	voterPrefix   = []byte("v/")

	cacheSize = 4096
)

// Storage implements the vote store over a db.Database.
type Storage struct {
	db         db.Database
	globalLock sync.Mutex
	cache      *lru.Cache[string, *types.VoteRecord]
}

// New creates a new Storage instance over database.
func New(database db.Database) *Storage {
	cache, err := lru.New[string, *types.VoteRecord](cacheSize)
	if err != nil {
		log.Fatalf("failed to create LRU cache: %v", err)
	}
	return &Storage{
		db:    prefixeddb.NewPrefixedDatabase(database, storeDBprefix),
		cache: cache,
	}
}

// Close closes the underlying database.
func (s *Storage) Close() {
	if err := s.db.Close(); err != nil {
		log.Warnw("failed to close storage", "error", err)
	}
}

func recordKey(id string) []byte {
	return append(append([]byte{}, recordPrefix...), id...)
}

func voterKey(voterID string) []byte {
	return append(append([]byte{}, voterPrefix...), voterID...)
}

// record loads a record from the cache or the database. The returned value
// is owned by the caller.
func (s *Storage) record(r db.Reader, id string) (*types.VoteRecord, error) {
	if rec, ok := s.cache.Get(id); ok {
		cp := *rec
		return &cp, nil
	}
	data, err := r.Get(recordKey(id))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	rec := &types.VoteRecord{}
	if err := DecodeArtifact(data, rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	cp := *rec
	s.cache.Add(id, &cp)
	return rec, nil
}

// putRecord writes rec inside tx. The cache is only updated by the caller
// once the transaction is committed.
func putRecord(tx db.WriteTx, rec *types.VoteRecord) error {
	data, err := EncodeArtifact(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	return tx.Set(recordKey(rec.ID), data)
}

// update loads the record id, applies fn and writes it back atomically.
func (s *Storage) update(id string, fn func(rec *types.VoteRecord) error) (*types.VoteRecord, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	rec, err := s.record(s.db, id)
	if err != nil {
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	tx := s.db.WriteTx()
	defer tx.Discard()
	if err := putRecord(tx, rec); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit record %s: %w", id, err)
	}
	cp := *rec
	s.cache.Add(id, &cp)
	return rec, nil
}

// iterateRecords returns all records matching filter sorted by vote time.
func (s *Storage) iterateRecords(filter func(*types.VoteRecord) bool) ([]*types.VoteRecord, error) {
	var (
		out     []*types.VoteRecord
		iterErr error
	)
	err := s.db.Iterate(recordPrefix, func(k, v []byte) bool {
		rec := &types.VoteRecord{}
		if err := DecodeArtifact(v, rec); err != nil {
			iterErr = fmt.Errorf("decode record %s: %w", k, err)
			return false
		}
		if filter == nil || filter(rec) {
			out = append(out, rec)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	if iterErr != nil {
		return nil, iterErr
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].VotedAt.Before(out[j].VotedAt)
	})
	return out, nil
}
