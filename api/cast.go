package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/vocdoni/ballotbox/caster"
	"github.com/vocdoni/ballotbox/log"
	"github.com/vocdoni/ballotbox/web3"
)

// cast casts a ballot and records it in the local store.
// POST /cast
func (a *API) cast(w http.ResponseWriter, r *http.Request) {
	req := &CastRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		ErrMalformedBody.WithErr(err).Write(w)
		return
	}
	req.VoterOpaqueID = strings.TrimSpace(req.VoterOpaqueID)
	if req.VoterOpaqueID == "" {
		ErrInvalidVoter.With("empty voterOpaqueId").Write(w)
		return
	}

	res, err := a.engine.Cast(r.Context(), req.VoterOpaqueID, req.CandidateID)
	if err != nil {
		log.Warnw("cast could not be recorded", "voter", log.Redact(req.VoterOpaqueID), "error", err)
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	o := res.Outcome
	if o.Confirmed() {
		resp := &CastResponse{
			TxHash:      o.TxHash,
			BallotIndex: o.BallotIndex,
			Commitment:  o.Commitment,
			Timestamp:   o.Timestamp,
			BlockNumber: o.BlockNumber,
		}
		if res.Record != nil {
			resp.LocalID = res.Record.ID
		}
		httpWriteJSON(w, resp)
		return
	}
	writeCastFailure(w, o)
}

// writeCastFailure maps a failed outcome to its API error.
func writeCastFailure(w http.ResponseWriter, o *caster.Outcome) {
	var apiErr Error
	switch o.Reason {
	case caster.ReasonAlreadyVoted:
		apiErr = ErrBallotAlreadySubmitted
	case caster.ReasonInFlight:
		apiErr = ErrBallotAlreadyInFlight
	case caster.ReasonInvalid:
		apiErr = ErrInvalidVoter
	case caster.ReasonEncryption:
		apiErr = ErrBallotEncryption
	case caster.ReasonTimeout:
		apiErr = ErrConfirmationTimeout
	default:
		apiErr = ErrBallotSubmission
	}
	body := &CastError{
		Err:    apiErr.Error(),
		Code:   apiErr.Code,
		Reason: string(o.Reason),
	}
	if o.SubmissionReason != "" {
		body.Reason = string(o.SubmissionReason)
	}
	// duplicate and in-flight details are not faults
	if o.Err != nil && !errors.Is(o.Err, web3.ErrDuplicateVote) {
		body.Detail = o.Err.Error()
	}
	if o.Broadcast {
		h := o.TxHash
		body.TxHash = &h
	}
	httpWriteJSONStatus(w, apiErr.HTTPstatus, body)
}
