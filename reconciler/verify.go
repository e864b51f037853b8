package reconciler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vocdoni/ballotbox/log"
	"github.com/vocdoni/ballotbox/types"
	"github.com/vocdoni/ballotbox/web3"
	"golang.org/x/sync/errgroup"
)

// Discrepancy issues.
const (
	IssueTxNotFound      = "transaction not found on blockchain"
	IssueTxNotMined      = "transaction not mined"
	IssueTxFailed        = "transaction failed on blockchain"
	IssueNotOnLedger     = "recorded locally but not on blockchain"
	IssueNotRecorded     = "recorded on blockchain but not locally"
	issueCheckFailedPref = "Blockchain check failed: "
)

// Discrepancy is a record the ledger contradicts. It needs an operator.
type Discrepancy struct {
	VoteID           string `json:"voteId"`
	VoterFingerprint string `json:"voter"`
	Issue            string `json:"issue"`
}

// Report is the result of a consistency check.
type Report struct {
	TotalVotes    int           `json:"totalVotes"`
	Checked       int           `json:"checked"`
	Discrepancies []Discrepancy `json:"discrepancies"`
	Consistent    bool          `json:"consistent"`
}

// Verify checks every local record against the ledger in both directions:
// an attached transaction must be mined with success and the voter must
// appear as voted, and a pending record's voter must not appear as voted.
// It never modifies the store and does not run concurrently with Sync.
func (e *Engine) Verify(ctx context.Context) (*Report, error) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	records, err := e.store.Records()
	if err != nil {
		return nil, fmt.Errorf("records: %w", err)
	}
	report := &Report{TotalVotes: len(records), Discrepancies: []Discrepancy{}}

	var mu sync.Mutex
	add := func(rec *types.VoteRecord, issue string) {
		mu.Lock()
		defer mu.Unlock()
		report.Discrepancies = append(report.Discrepancies, Discrepancy{
			VoteID:           rec.ID,
			VoterFingerprint: log.Redact(rec.VoterID),
			Issue:            issue,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Concurrency)
	for _, rec := range records {
		if rec.Status == types.RecordInvalid {
			continue
		}
		report.Checked++
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if issue := e.verifyRecord(gctx, rec); issue != "" {
				add(rec, issue)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slices.SortFunc(report.Discrepancies, func(a, b Discrepancy) int {
		return strings.Compare(a.VoteID, b.VoteID)
	})
	report.Consistent = len(report.Discrepancies) == 0
	for _, d := range report.Discrepancies {
		log.Warnw("vote discrepancy", "record", d.VoteID, "voter", d.VoterFingerprint, "issue", d.Issue)
	}
	return report, nil
}

// verifyRecord returns the issue of rec, or an empty string.
func (e *Engine) verifyRecord(ctx context.Context, rec *types.VoteRecord) string {
	if rec.HasTxHash() {
		status, err := e.ledger.TransactionStatus(ctx, common.BytesToHash(rec.TxHash))
		switch {
		case errors.Is(err, web3.ErrNotFound):
			return IssueTxNotFound
		case err != nil:
			return issueCheckFailedPref + err.Error()
		case !status.Mined:
			return IssueTxNotMined
		case !status.Success:
			return IssueTxFailed
		}
	}
	voted, err := e.caster.HasVoted(ctx, rec.VoterID)
	switch {
	case err != nil:
		return issueCheckFailedPref + err.Error()
	case rec.HasTxHash() && !voted:
		return IssueNotOnLedger
	case !rec.HasTxHash() && voted:
		// a cast may have confirmed the record after it was listed
		if fresh, err := e.store.Record(rec.ID); err == nil && fresh.HasTxHash() {
			return ""
		}
		return IssueNotRecorded
	}
	return ""
}
