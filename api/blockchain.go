package api

import (
	"fmt"
	"net/http"

	"github.com/vocdoni/ballotbox/log"
)

// blockchainStatus returns the local and ledger counters.
// GET /blockchain/status
func (a *API) blockchainStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.engine.Status(r.Context())
	if err != nil {
		writeEnvelopeError(w, "Failed to get status", err)
		return
	}
	msg := "Status retrieved"
	if !st.Connected {
		msg = "Blockchain not reachable"
	}
	httpWriteJSON(w, &EnvelopeResponse{Success: true, Message: msg, Details: st})
}

// blockchainSync runs a sync pass.
// GET|POST /blockchain/sync
func (a *API) blockchainSync(w http.ResponseWriter, r *http.Request) {
	summary, err := a.engine.Sync(r.Context())
	if err != nil {
		writeEnvelopeError(w, "Sync failed", err)
		return
	}
	httpWriteJSON(w, &EnvelopeResponse{
		Success: true,
		Message: fmt.Sprintf("Synced %d of %d pending votes", summary.Synced, summary.TotalPending),
		Details: summary,
	})
}

// blockchainVerify returns the consistency report.
// GET /blockchain/verify
func (a *API) blockchainVerify(w http.ResponseWriter, r *http.Request) {
	report, err := a.engine.Verify(r.Context())
	if err != nil {
		writeEnvelopeError(w, "Verification failed", err)
		return
	}
	msg := "All votes are consistent"
	if !report.Consistent {
		msg = fmt.Sprintf("Found %d discrepancies", len(report.Discrepancies))
	}
	httpWriteJSON(w, &EnvelopeResponse{Success: true, Message: msg, Details: report})
}

func writeEnvelopeError(w http.ResponseWriter, msg string, err error) {
	log.Warnw(msg, "error", err)
	httpWriteJSONStatus(w, http.StatusInternalServerError, &EnvelopeResponse{
		Success: false,
		Message: fmt.Sprintf("%s: %v", msg, err),
	})
}
