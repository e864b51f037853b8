package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/vocdoni/ballotbox/web3"
)

// txStatus returns the status of a ledger transaction.
// GET /tx/{txHash}
func (a *API) txStatus(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, TxHashURLParam)
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		ErrMalformedParam.Withf("invalid transaction hash %q", raw).Write(w)
		return
	}
	st, err := a.ledger.TransactionStatus(r.Context(), common.BytesToHash(b))
	if err != nil {
		writeLedgerError(w, err, ErrTransactionNotFound)
		return
	}
	resp := &TxStatusResponse{
		Mined:       st.Mined,
		BlockNumber: st.BlockNumber,
		GasUsed:     st.GasUsed,
	}
	if st.Mined && st.Success {
		resp.Status = 1
	}
	httpWriteJSON(w, resp)
}

// ballot returns a ledger ballot by index.
// GET /ballot/{index}
func (a *API) ballot(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(chi.URLParam(r, BallotIndexURLParam), 10, 64)
	if err != nil {
		ErrMalformedParam.WithErr(err).Write(w)
		return
	}
	b, err := a.ledger.BallotByIndex(r.Context(), index)
	if err != nil {
		writeLedgerError(w, err, ErrBallotNotFound)
		return
	}
	httpWriteJSON(w, &BallotResponse{
		Index:         b.Index,
		Commitment:    b.Commitment,
		CiphertextHex: b.Ciphertext,
		Sender:        b.Sender,
		Timestamp:     b.Timestamp,
	})
}

// partyVotes returns the ledger vote count of a party.
// GET /parties/{partyId}/votes
func (a *API) partyVotes(w http.ResponseWriter, r *http.Request) {
	partyID, err := strconv.ParseUint(chi.URLParam(r, PartyIDURLParam), 10, 64)
	if err != nil {
		ErrMalformedParam.WithErr(err).Write(w)
		return
	}
	count, err := a.ledger.PartyVoteCount(r.Context(), partyID)
	if err != nil {
		writeLedgerError(w, err, ErrResourceNotFound)
		return
	}
	httpWriteJSON(w, &PartyVotesResponse{PartyID: partyID, Count: count})
}

// voterVoted tells whether the ledger holds a ballot for a voter.
// GET /voters/{voterOpaqueId}/voted
func (a *API) voterVoted(w http.ResponseWriter, r *http.Request) {
	voterID := chi.URLParam(r, VoterIDURLParam)
	if voterID == "" {
		ErrInvalidVoter.Write(w)
		return
	}
	voted, err := a.voters.HasVoted(r.Context(), voterID)
	if err != nil {
		writeLedgerError(w, err, ErrResourceNotFound)
		return
	}
	httpWriteJSON(w, &VoterVotedResponse{Voted: voted})
}

// writeLedgerError writes notFound for web3.ErrNotFound and a ledger error
// otherwise.
func writeLedgerError(w http.ResponseWriter, err error, notFound Error) {
	switch {
	case errors.Is(err, web3.ErrNotFound):
		notFound.Write(w)
	case errors.Is(err, web3.ErrConnectivity):
		ErrLedgerUnavailable.WithErr(err).Write(w)
	default:
		ErrGenericInternalServerError.WithErr(err).Write(w)
	}
}
