package reconciler

import (
	"context"
	"fmt"
)

// Status summarizes the local store and the ledger. A failed ledger read
// leaves the ledger fields unset and fills ReadError.
type Status struct {
	Connected     bool   `json:"connected"`
	LocalVotes    int    `json:"localVotes"`
	SyncedVotes   int    `json:"syncedVotes"`
	PendingSync   int    `json:"pendingSync"`
	InvalidVotes  int    `json:"invalidVotes"`
	LedgerBallots uint64 `json:"ledgerBallots"`
	LatestBlock   uint64 `json:"latestBlock"`
	ReadError     string `json:"readError,omitempty"`
}

// Status returns the current status. The error is a store failure.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	counts, err := e.store.Count()
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	st := &Status{
		LocalVotes:   counts.Total,
		SyncedVotes:  counts.Synced,
		PendingSync:  counts.Pending,
		InvalidVotes: counts.Invalid,
	}
	block, err := e.ledger.BlockNumber(ctx)
	if err != nil {
		st.ReadError = err.Error()
		return st, nil
	}
	ballots, err := e.ledger.BallotCount(ctx)
	if err != nil {
		st.ReadError = err.Error()
		return st, nil
	}
	st.Connected = true
	st.LatestBlock = block
	st.LedgerBallots = ballots
	return st, nil
}
