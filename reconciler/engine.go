// Package reconciler keeps the local vote store consistent with the ledger.
// It records casts in the store, resubmits records that never reached the
// ledger and reports records the ledger contradicts. Records are annotated,
// never deleted, and discrepancies are never corrected automatically.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vocdoni/ballotbox/caster"
	"github.com/vocdoni/ballotbox/log"
	"github.com/vocdoni/ballotbox/storage"
	"github.com/vocdoni/ballotbox/types"
	"github.com/vocdoni/ballotbox/web3"
)

const (
	// DefaultPendingGrace is how long a broadcast transaction unknown to the
	// node is waited for before its record is resubmitted.
	DefaultPendingGrace = 2 * time.Minute
	// DefaultConcurrency bounds the parallel ledger reads of Verify.
	DefaultConcurrency = 8
)

// VoteStore is the off-chain record store. Mutations of one record must be
// atomic.
type VoteStore interface {
	AddRecord(voterID string, partyID uint64, payload types.HexBytes) (*types.VoteRecord, error)
	Record(id string) (*types.VoteRecord, error)
	RecordByVoter(voterID string) (*types.VoteRecord, error)
	Records() ([]*types.VoteRecord, error)
	PendingRecords() ([]*types.VoteRecord, error)
	AttachTxHash(id string, hash common.Hash, index uint64) (*types.VoteRecord, error)
	RecordAttempt(id string, payload types.HexBytes, pendingTx *common.Hash) (*types.VoteRecord, error)
	ClearPendingTx(id string) (*types.VoteRecord, error)
	MarkInvalid(id, reason string) (*types.VoteRecord, error)
	Count() (storage.RecordCounts, error)
}

// Caster casts ballots on the ledger.
type Caster interface {
	Cast(ctx context.Context, voterID string, candidateID uint64) *caster.Outcome
	HasVoted(ctx context.Context, voterID string) (bool, error)
}

// Ledger is the read side of the ledger client used by the engine.
type Ledger interface {
	TransactionStatus(ctx context.Context, hash common.Hash) (*types.TxStatus, error)
	BallotRef(ctx context.Context, hash common.Hash) (*types.TxRef, error)
	BallotCount(ctx context.Context) (uint64, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Config tunes the engine.
type Config struct {
	PendingGrace time.Duration
	Concurrency  int
}

// Engine reconciles a VoteStore with the ledger.
type Engine struct {
	store  VoteStore
	caster Caster
	ledger Ledger
	config Config
	// syncMu allows a single Sync or Verify at a time
	syncMu sync.Mutex
	voters *voterLocks
	now    func() time.Time
}

// New returns an engine. Zero config fields take their defaults.
func New(store VoteStore, cst Caster, ledger Ledger, cfg Config) *Engine {
	if cfg.PendingGrace <= 0 {
		cfg.PendingGrace = DefaultPendingGrace
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Engine{
		store:  store,
		caster: cst,
		ledger: ledger,
		config: cfg,
		voters: newVoterLocks(),
		now:    time.Now,
	}
}

// CastResult is the result of a store-aware cast.
type CastResult struct {
	Outcome *caster.Outcome
	// Record is the local record of the cast, nil when none was written.
	Record *types.VoteRecord
}

// Cast casts a ballot for voterID and records it in the store. Failed
// submissions are kept as pending records for the next Sync. Casts
// rejected before submission leave the store untouched. The returned error
// is a store failure; ledger failures are reported in the outcome. A cast
// while another cast or a sync of the same voter is running fails as in
// flight.
func (e *Engine) Cast(ctx context.Context, voterID string, partyID uint64) (*CastResult, error) {
	if voterID != "" {
		if !e.voters.tryLock(voterID) {
			return &CastResult{Outcome: caster.Failed(caster.ReasonInFlight, caster.ErrInFlight)}, nil
		}
		defer e.voters.unlock(voterID)
	}
	rec, err := e.store.RecordByVoter(voterID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("lookup voter record: %w", err)
	}
	if rec != nil {
		switch {
		case rec.Status == types.RecordSynced:
			return &CastResult{
				Outcome: caster.Failed(caster.ReasonAlreadyVoted, web3.ErrDuplicateVote),
				Record:  rec,
			}, nil
		case rec.Status == types.RecordInvalid:
			rec = nil
		case len(rec.PendingTxHash) > 0:
			res, err := e.resolvePending(ctx, rec)
			if err != nil {
				return nil, err
			}
			switch res {
			case resolvedMined:
				rec, err = e.store.Record(rec.ID)
				if err != nil {
					return nil, err
				}
				return &CastResult{
					Outcome: caster.Failed(caster.ReasonAlreadyVoted, web3.ErrDuplicateVote),
					Record:  rec,
				}, nil
			case resolvedWaiting:
				return &CastResult{
					Outcome: caster.Failed(caster.ReasonInFlight,
						fmt.Errorf("%w: transaction %s not resolved", caster.ErrInFlight, rec.PendingTxHash)),
					Record: rec,
				}, nil
			case resolvedUnreachable:
				return &CastResult{
					Outcome: caster.Failed(caster.ReasonSubmission,
						fmt.Errorf("%w: could not resolve transaction %s", web3.ErrConnectivity, rec.PendingTxHash)),
					Record: rec,
				}, nil
			}
		}
	}

	o := e.caster.Cast(ctx, voterID, partyID)
	switch {
	case o.Confirmed():
		if rec == nil {
			if rec, err = e.store.AddRecord(voterID, partyID, o.Ciphertext); err != nil {
				return nil, fmt.Errorf("add record: %w", err)
			}
		} else if _, err = e.store.RecordAttempt(rec.ID, o.Ciphertext, nil); err != nil {
			return nil, fmt.Errorf("record attempt: %w", err)
		}
		if rec, err = e.store.AttachTxHash(rec.ID, o.TxHash, o.BallotIndex); err != nil {
			return nil, fmt.Errorf("attach tx hash: %w", err)
		}
	case o.Reason == caster.ReasonSubmission || o.Reason == caster.ReasonTimeout:
		if rec == nil {
			if rec, err = e.store.AddRecord(voterID, partyID, o.Ciphertext); err != nil {
				return nil, fmt.Errorf("add record: %w", err)
			}
		}
		if rec, err = e.store.RecordAttempt(rec.ID, o.Ciphertext, o.PendingTxHash()); err != nil {
			return nil, fmt.Errorf("record attempt: %w", err)
		}
	}
	return &CastResult{Outcome: o, Record: rec}, nil
}

type resolution int

const (
	// resolvedRetry means no transaction of the record can still be mined
	resolvedRetry resolution = iota
	resolvedMined
	resolvedWaiting
	resolvedUnreachable
)

// resolvePending checks the broadcast transaction of a pending record. A
// successful one is attached to the record.
func (e *Engine) resolvePending(ctx context.Context, rec *types.VoteRecord) (resolution, error) {
	hash := common.BytesToHash(rec.PendingTxHash)
	status, err := e.ledger.TransactionStatus(ctx, hash)
	switch {
	case errors.Is(err, web3.ErrNotFound):
		if e.now().Sub(rec.LastAttempt) < e.config.PendingGrace {
			return resolvedWaiting, nil
		}
		log.Infow("pending transaction dropped", "record", rec.ID, "hash", hash.Hex())
	case err != nil:
		log.Warnw("could not resolve pending transaction", "record", rec.ID, "hash", hash.Hex(), "error", err)
		return resolvedUnreachable, nil
	case !status.Mined:
		return resolvedWaiting, nil
	case status.Success:
		ref, err := e.ledger.BallotRef(ctx, hash)
		if err != nil {
			log.Warnw("could not read ballot of pending transaction", "record", rec.ID, "hash", hash.Hex(), "error", err)
			return resolvedUnreachable, nil
		}
		if _, err := e.store.AttachTxHash(rec.ID, hash, ref.BallotIndex); err != nil {
			return resolvedRetry, fmt.Errorf("attach tx hash: %w", err)
		}
		log.Infow("pending transaction confirmed", "record", rec.ID, "hash", hash.Hex(), "block", status.BlockNumber)
		return resolvedMined, nil
	default:
		log.Infow("pending transaction failed on ledger", "record", rec.ID, "hash", hash.Hex())
	}
	if _, err := e.store.ClearPendingTx(rec.ID); err != nil {
		return resolvedRetry, fmt.Errorf("clear pending tx: %w", err)
	}
	return resolvedRetry, nil
}
