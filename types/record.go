package types

import (
	"time"
)

// RecordStatus is the sync status of a local vote record.
type RecordStatus string

const (
	// RecordPending means the record has no confirmed ledger transaction.
	RecordPending RecordStatus = "pending"
	// RecordSynced means a confirmed transaction hash is attached.
	RecordSynced RecordStatus = "synced"
	// RecordInvalid means the ledger already held a ballot for the voter
	// when the record was reconciled. Invalid records are kept for audit.
	RecordInvalid RecordStatus = "invalid"
)

// VoteRecord is the off-chain record of a cast vote.
type VoteRecord struct {
	ID               string       `json:"id" cbor:"1,keyasint"`
	VoterID          string       `json:"voterId" cbor:"2,keyasint"`
	PartyID          uint64       `json:"partyId" cbor:"3,keyasint"`
	EncryptedPayload HexBytes     `json:"encryptedPayload,omitempty" cbor:"4,keyasint,omitempty"`
	TxHash           HexBytes     `json:"blockchainTxHash,omitempty" cbor:"5,keyasint,omitempty"`
	BallotIndex      uint64       `json:"ballotIndex,omitempty" cbor:"6,keyasint,omitempty"`
	Status           RecordStatus `json:"status" cbor:"7,keyasint"`
	VotedAt          time.Time    `json:"votedAt" cbor:"8,keyasint"`
	// PendingTxHash is set when a transaction was broadcast but its
	// confirmation was not observed. It may still be mined.
	PendingTxHash HexBytes  `json:"pendingTxHash,omitempty" cbor:"9,keyasint,omitempty"`
	LastAttempt   time.Time `json:"lastAttempt,omitempty" cbor:"10,keyasint,omitempty"`
	Attempts      int       `json:"attempts" cbor:"11,keyasint"`
	InvalidReason string    `json:"invalidReason,omitempty" cbor:"12,keyasint,omitempty"`
}

// HasTxHash reports whether a confirmed transaction hash is attached.
func (r *VoteRecord) HasTxHash() bool {
	return len(r.TxHash) > 0
}

// IsPending reports whether the record still needs to reach the ledger.
func (r *VoteRecord) IsPending() bool {
	return r.Status == RecordPending && !r.HasTxHash()
}
