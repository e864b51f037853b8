package api

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/vocdoni/ballotbox/types"
)

// CastRequest is the body of a cast.
type CastRequest struct {
	VoterOpaqueID string `json:"voterOpaqueId"`
	CandidateID   uint64 `json:"candidateId"`
}

// CastResponse is returned for a confirmed cast.
type CastResponse struct {
	TxHash      common.Hash    `json:"txHash"`
	BallotIndex uint64         `json:"ballotIndex"`
	Commitment  types.HexBytes `json:"commitment"`
	Timestamp   uint64         `json:"timestamp"`
	BlockNumber uint64         `json:"blockNumber"`
	LocalID     string         `json:"localId,omitempty"`
}

// CastError is the body of a failed cast.
type CastError struct {
	Err    string       `json:"error"`
	Code   int          `json:"code"`
	Reason string       `json:"reason"`
	Detail string       `json:"detail,omitempty"`
	TxHash *common.Hash `json:"txHash,omitempty"`
}

// TxStatusResponse describes a ledger transaction. Status is 1 for a
// successful mined transaction and 0 otherwise.
type TxStatusResponse struct {
	Status      uint64 `json:"status"`
	Mined       bool   `json:"mined"`
	BlockNumber uint64 `json:"blockNumber"`
	GasUsed     uint64 `json:"gasUsed"`
}

// BallotResponse is a ledger ballot.
type BallotResponse struct {
	Index         uint64         `json:"index"`
	Commitment    types.HexBytes `json:"commitment"`
	CiphertextHex types.HexBytes `json:"ciphertextHex"`
	Sender        common.Address `json:"sender"`
	Timestamp     uint64         `json:"timestamp"`
}

// PartyVotesResponse is the ledger vote count of a party.
type PartyVotesResponse struct {
	PartyID uint64 `json:"partyId"`
	Count   uint64 `json:"count"`
}

// VoterVotedResponse tells whether a voter is on the ledger.
type VoterVotedResponse struct {
	Voted bool `json:"voted"`
}

// EnvelopeResponse wraps the reconciliation reports.
type EnvelopeResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}
