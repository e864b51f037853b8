package web3

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrConnectivity is returned when the ledger node is unreachable or
	// timed out. Reads failing with it are retryable.
	ErrConnectivity = errors.New("ledger unreachable")
	// ErrNotFound is returned for an unknown transaction or ballot index.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateVote is returned when the ledger already holds a ballot
	// with the same nullifier.
	ErrDuplicateVote = errors.New("nullifier already used")
	// ErrConfirmationTimeout is wrapped by a SubmissionError when the
	// transaction was broadcast but not mined in time.
	ErrConfirmationTimeout = errors.New("confirmation timeout")
)

// SubmissionReason discriminates why a ballot submission failed.
type SubmissionReason string

const (
	ReasonUnreachable       SubmissionReason = "unreachable"
	ReasonInsufficientFunds SubmissionReason = "insufficient-funds"
	ReasonNonceConflict     SubmissionReason = "nonce-conflict"
	ReasonTimeout           SubmissionReason = "timeout"
	ReasonGas               SubmissionReason = "gas"
	ReasonSigning           SubmissionReason = "signing"
	ReasonBroadcast         SubmissionReason = "broadcast"

	// ReasonRevert is a revert found by the preflight call, nothing was
	// broadcast.
	ReasonRevert SubmissionReason = "revert"

	// ReasonReverted is a mined transaction with a failed status.
	ReasonReverted SubmissionReason = "reverted"

	// ReasonReceipt is a mined transaction whose receipt lacks the ballot
	// event.
	ReasonReceipt SubmissionReason = "receipt"
)

// SubmissionError is returned by SubmitBallot for failures not due to a
// duplicate nullifier. TxHash is set when a transaction was broadcast, in
// which case it may still be mined.
type SubmissionError struct {
	Reason SubmissionReason
	TxHash *common.Hash
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.TxHash != nil {
		return fmt.Sprintf("ballot submission failed (%s, tx %s): %v", e.Reason, e.TxHash.Hex(), e.Err)
	}
	return fmt.Sprintf("ballot submission failed (%s): %v", e.Reason, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// Broadcast reports whether the failed submission reached the network.
func (e *SubmissionError) Broadcast() bool {
	return e.TxHash != nil
}

func submissionErr(reason SubmissionReason, hash *common.Hash, err error) *SubmissionError {
	return &SubmissionError{Reason: reason, TxHash: hash, Err: err}
}
