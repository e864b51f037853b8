package storage

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/vocdoni/ballotbox/db"
	"github.com/vocdoni/ballotbox/types"
)

// RecordCounts summarizes the store contents.
type RecordCounts struct {
	Total   int `json:"total"`
	Synced  int `json:"synced"`
	Pending int `json:"pending"`
	Invalid int `json:"invalid"`
}

// AddRecord stores a new pending record for voterID and makes it the latest
// record of the voter. It fails with ErrVoterHasRecord if the previous
// record of the voter is not invalid.
func (s *Storage) AddRecord(voterID string, partyID uint64, payload types.HexBytes) (*types.VoteRecord, error) {
	if voterID == "" {
		return nil, fmt.Errorf("empty voter id")
	}
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	prev, err := s.recordByVoter(voterID)
	switch {
	case err == nil && prev.Status != types.RecordInvalid:
		return nil, fmt.Errorf("%w: %s", ErrVoterHasRecord, prev.ID)
	case err != nil && !errors.Is(err, ErrNotFound):
		return nil, err
	}

	rec := &types.VoteRecord{
		ID:               uuid.NewString(),
		VoterID:          voterID,
		PartyID:          partyID,
		EncryptedPayload: payload,
		Status:           types.RecordPending,
		VotedAt:          time.Now().UTC(),
	}
	tx := s.db.WriteTx()
	defer tx.Discard()
	if err := putRecord(tx, rec); err != nil {
		return nil, err
	}
	if err := tx.Set(voterKey(voterID), []byte(rec.ID)); err != nil {
		return nil, fmt.Errorf("index voter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit new record: %w", err)
	}
	cp := *rec
	s.cache.Add(rec.ID, &cp)
	return rec, nil
}

// Record returns the record with the given id.
func (s *Storage) Record(id string) (*types.VoteRecord, error) {
	return s.record(s.db, id)
}

// RecordByVoter returns the latest record of voterID.
func (s *Storage) RecordByVoter(voterID string) (*types.VoteRecord, error) {
	return s.recordByVoter(voterID)
}

func (s *Storage) recordByVoter(voterID string) (*types.VoteRecord, error) {
	id, err := s.db.Get(voterKey(voterID))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get voter index: %w", err)
	}
	return s.record(s.db, string(id))
}

// Records returns every record sorted by vote time.
func (s *Storage) Records() ([]*types.VoteRecord, error) {
	return s.iterateRecords(nil)
}

// PendingRecords returns the records without a confirmed transaction hash
// that are not marked invalid.
func (s *Storage) PendingRecords() ([]*types.VoteRecord, error) {
	return s.iterateRecords(func(r *types.VoteRecord) bool {
		return r.IsPending()
	})
}

// AttachTxHash attaches the confirmed transaction hash and ballot index to
// the record and marks it synced. Attaching the same hash twice is a no-op;
// attaching a different one fails with ErrTxHashConflict.
func (s *Storage) AttachTxHash(id string, hash common.Hash, index uint64) (*types.VoteRecord, error) {
	return s.update(id, func(rec *types.VoteRecord) error {
		if rec.HasTxHash() {
			if bytes.Equal(rec.TxHash, hash.Bytes()) {
				return nil
			}
			return fmt.Errorf("%w: has %s, got %s", ErrTxHashConflict, rec.TxHash, hash.Hex())
		}
		if rec.Status == types.RecordInvalid {
			return ErrRecordInvalid
		}
		rec.TxHash = hash.Bytes()
		rec.BallotIndex = index
		rec.Status = types.RecordSynced
		rec.PendingTxHash = nil
		return nil
	})
}

// RecordAttempt registers a submission attempt. The encrypted payload is
// replaced when a new one is given, and pendingTx (nil when nothing was
// broadcast) is remembered until it is resolved.
func (s *Storage) RecordAttempt(id string, payload types.HexBytes, pendingTx *common.Hash) (*types.VoteRecord, error) {
	return s.update(id, func(rec *types.VoteRecord) error {
		if rec.Status == types.RecordInvalid {
			return ErrRecordInvalid
		}
		rec.Attempts++
		rec.LastAttempt = time.Now().UTC()
		if len(payload) > 0 {
			rec.EncryptedPayload = payload
		}
		if pendingTx != nil {
			rec.PendingTxHash = pendingTx.Bytes()
		}
		return nil
	})
}

// ClearPendingTx forgets the pending transaction of the record, once it is
// known to have failed.
func (s *Storage) ClearPendingTx(id string) (*types.VoteRecord, error) {
	return s.update(id, func(rec *types.VoteRecord) error {
		rec.PendingTxHash = nil
		return nil
	})
}

// MarkInvalid flags the record as invalid. The record is kept.
func (s *Storage) MarkInvalid(id, reason string) (*types.VoteRecord, error) {
	return s.update(id, func(rec *types.VoteRecord) error {
		if rec.HasTxHash() {
			return fmt.Errorf("cannot invalidate synced record %s", id)
		}
		rec.Status = types.RecordInvalid
		rec.InvalidReason = reason
		return nil
	})
}

// Count returns the number of records per status.
func (s *Storage) Count() (RecordCounts, error) {
	var counts RecordCounts
	recs, err := s.iterateRecords(nil)
	if err != nil {
		return counts, err
	}
	for _, r := range recs {
		counts.Total++
		switch {
		case r.HasTxHash():
			counts.Synced++
		case r.Status == types.RecordInvalid:
			counts.Invalid++
		default:
			counts.Pending++
		}
	}
	return counts, nil
}
