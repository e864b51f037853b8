package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/vocdoni/ballotbox/caster"
	"github.com/vocdoni/ballotbox/log"
	"github.com/vocdoni/ballotbox/types"
)

// RecordResult is the result of one pending record in a sync pass.
type RecordResult string

const (
	ResultSynced  RecordResult = "synced"
	ResultFailed  RecordResult = "failed"
	ResultInvalid RecordResult = "invalid"
)

// invalidReasonLedgerVoted annotates a record whose voter already has a
// ballot on the ledger.
const invalidReasonLedgerVoted = "ledger already holds a ballot for this voter"

// SyncDetail reports what a sync pass did with one record.
type SyncDetail struct {
	RecordID string       `json:"voteId"`
	Result   RecordResult `json:"result"`
	TxHash   string       `json:"txHash,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// SyncSummary is the result of a sync pass. Synced, Failed and Invalid
// always add up to TotalPending.
type SyncSummary struct {
	Synced       int           `json:"syncedCount"`
	Failed       int           `json:"failedCount"`
	Invalid      int           `json:"invalidCount"`
	TotalPending int           `json:"totalPending"`
	Details      []SyncDetail  `json:"details,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// Sync resubmits every pending record. A record whose voter already has a
// ballot on the ledger is marked invalid. Failures of a record are counted
// and logged, they never abort the pass. Only one pass runs at a time.
func (e *Engine) Sync(ctx context.Context) (*SyncSummary, error) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	start := time.Now()
	pending, err := e.store.PendingRecords()
	if err != nil {
		return nil, fmt.Errorf("pending records: %w", err)
	}
	summary := &SyncSummary{TotalPending: len(pending)}
	for _, rec := range pending {
		detail := e.syncRecord(ctx, rec)
		switch detail.Result {
		case ResultSynced:
			summary.Synced++
		case ResultInvalid:
			summary.Invalid++
		default:
			summary.Failed++
		}
		summary.Details = append(summary.Details, detail)
	}
	summary.Duration = time.Since(start)
	log.Infow("sync pass done",
		"pending", summary.TotalPending,
		"synced", summary.Synced,
		"failed", summary.Failed,
		"invalid", summary.Invalid,
		"took", summary.Duration.String())
	return summary, nil
}

func (e *Engine) syncRecord(ctx context.Context, rec *types.VoteRecord) SyncDetail {
	detail := SyncDetail{RecordID: rec.ID, Result: ResultFailed}
	if err := ctx.Err(); err != nil {
		detail.Error = err.Error()
		return detail
	}
	if !e.voters.tryLock(rec.VoterID) {
		detail.Error = caster.ErrInFlight.Error()
		return detail
	}
	defer e.voters.unlock(rec.VoterID)

	// a cast may have changed the record since the pass listed it
	rec, err := e.store.Record(rec.ID)
	if err != nil {
		detail.Error = err.Error()
		return detail
	}
	switch {
	case rec.Status == types.RecordSynced:
		detail.Result = ResultSynced
		detail.TxHash = rec.TxHash.String()
		return detail
	case rec.Status == types.RecordInvalid:
		detail.Result = ResultInvalid
		return detail
	}
	if len(rec.PendingTxHash) > 0 {
		res, err := e.resolvePending(ctx, rec)
		if err != nil {
			detail.Error = err.Error()
			return detail
		}
		switch res {
		case resolvedMined:
			detail.Result = ResultSynced
			detail.TxHash = rec.PendingTxHash.String()
			return detail
		case resolvedWaiting:
			detail.Error = "transaction " + rec.PendingTxHash.String() + " not resolved yet"
			return detail
		case resolvedUnreachable:
			detail.Error = "could not resolve transaction " + rec.PendingTxHash.String()
			return detail
		}
	}

	// the cast checks the ledger for the voter before submitting
	o := e.caster.Cast(ctx, rec.VoterID, rec.PartyID)
	switch {
	case o.Confirmed():
		if _, err := e.store.RecordAttempt(rec.ID, o.Ciphertext, nil); err != nil {
			log.Warnw("could not record attempt", "record", rec.ID, "error", err)
		}
		if _, err := e.store.AttachTxHash(rec.ID, o.TxHash, o.BallotIndex); err != nil {
			// the ballot is on the ledger, Verify will report the record
			log.Errorw(err, "could not attach tx hash to record "+rec.ID)
			detail.Error = err.Error()
			return detail
		}
		detail.Result = ResultSynced
		detail.TxHash = o.TxHash.Hex()
	case o.Reason == caster.ReasonAlreadyVoted:
		if _, err := e.store.MarkInvalid(rec.ID, invalidReasonLedgerVoted); err != nil {
			detail.Error = err.Error()
			return detail
		}
		detail.Result = ResultInvalid
	case o.Reason == caster.ReasonSubmission || o.Reason == caster.ReasonTimeout:
		if _, err := e.store.RecordAttempt(rec.ID, o.Ciphertext, o.PendingTxHash()); err != nil {
			log.Warnw("could not record attempt", "record", rec.ID, "error", err)
		}
		detail.Error = o.Err.Error()
		if o.Broadcast {
			detail.TxHash = o.TxHash.Hex()
		}
	default:
		detail.Error = o.String()
	}
	return detail
}
