package caster

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vocdoni/ballotbox/types"
	"github.com/vocdoni/ballotbox/web3"
)

// State is a step of the cast state machine.
type State string

const (
	StateInitiated          State = "initiated"
	StateSaltGenerated      State = "salt-generated"
	StatePrimitivesComputed State = "primitives-computed"
	StateSealed             State = "sealed"
	StateSubmitted          State = "submitted"
	StateConfirmed          State = "confirmed"
	StateFailed             State = "failed"
)

// Reason tells why a cast failed.
type Reason string

const (
	ReasonNone Reason = ""
	// ReasonAlreadyVoted means the ledger holds a ballot for the voter. It
	// is terminal for that voter.
	ReasonAlreadyVoted Reason = "already-voted"
	// ReasonEncryption means the ballot could not be sealed. Nothing was
	// sent to the ledger.
	ReasonEncryption Reason = "encryption"
	// ReasonSubmission is a ledger failure not due to a duplicate vote. The
	// cast can be retried.
	ReasonSubmission Reason = "submission"
	// ReasonInFlight means another cast for the same voter is running or
	// may still be mined.
	ReasonInFlight Reason = "in-flight"
	// ReasonTimeout means the transaction was broadcast but not confirmed
	// in time. It may still be mined.
	ReasonTimeout Reason = "timeout"
	// ReasonInvalid means the cast request was malformed.
	ReasonInvalid Reason = "invalid"
)

// Outcome is the result of a cast. Expected failures such as a repeated
// voter are outcomes, not errors: callers branch on State and Reason.
type Outcome struct {
	State  State
	Reason Reason
	// Err carries the cause of a failed outcome.
	Err error
	// SubmissionReason details a ReasonSubmission or ReasonTimeout failure.
	SubmissionReason web3.SubmissionReason

	Nullifier   types.HexBytes
	Commitment  types.HexBytes
	Ciphertext  types.HexBytes
	TxHash      common.Hash
	BallotIndex uint64
	BlockNumber uint64
	Timestamp   uint64
	// Broadcast is set when a transaction reached the network, TxHash is
	// then its hash even if the outcome failed.
	Broadcast bool

	// Transitions lists the states visited, in order.
	Transitions []State
}

// Failed returns a failed outcome that never entered the state machine.
func Failed(reason Reason, err error) *Outcome {
	return &Outcome{
		State:       StateFailed,
		Reason:      reason,
		Err:         err,
		Transitions: []State{StateFailed},
	}
}

// Confirmed reports whether the ballot is on the ledger.
func (o *Outcome) Confirmed() bool {
	return o.State == StateConfirmed
}

// Retryable reports whether casting again for the same voter may succeed.
func (o *Outcome) Retryable() bool {
	switch o.Reason {
	case ReasonSubmission, ReasonTimeout, ReasonInFlight:
		return true
	}
	return false
}

// PendingTxHash returns the hash of a broadcast transaction whose result is
// unknown, or nil.
func (o *Outcome) PendingTxHash() *common.Hash {
	if o.State == StateFailed && o.Broadcast {
		h := o.TxHash
		return &h
	}
	return nil
}

func (o *Outcome) String() string {
	if o.State == StateFailed {
		return fmt.Sprintf("%s (%s): %v", o.State, o.Reason, o.Err)
	}
	return fmt.Sprintf("%s tx %s index %d", o.State, o.TxHash.Hex(), o.BallotIndex)
}

func (o *Outcome) enter(s State) {
	o.State = s
	o.Transitions = append(o.Transitions, s)
}

func (o *Outcome) fail(reason Reason, err error) *Outcome {
	o.Reason = reason
	o.Err = err
	o.enter(StateFailed)
	return o
}
