// Package caster turns a voter and a choice into a ballot on the ledger. A
// cast draws a fresh salt, derives the nullifier and the commitment, seals
// the choice for the election authority and submits the three values.
package caster

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vocdoni/ballotbox/crypto/ballot"
	"github.com/vocdoni/ballotbox/log"
	"github.com/vocdoni/ballotbox/types"
	"github.com/vocdoni/ballotbox/web3"
)

// ErrInFlight is the cause of a ReasonInFlight outcome.
var ErrInFlight = errors.New("a ballot for this voter is already in flight")

// Ledger is the part of the ledger client used to cast.
type Ledger interface {
	HasVoted(ctx context.Context, nullifier types.HexBytes) (bool, error)
	SubmitBallot(ctx context.Context, nullifier, commitment types.HexBytes, ciphertext []byte) (*types.TxRef, error)
}

// Sealer encrypts a ballot for the election authority.
type Sealer interface {
	Seal(candidateID uint64, salt ballot.Salt) (types.HexBytes, error)
}

// Caster casts ballots. It is safe for concurrent use.
type Caster struct {
	ledger        Ledger
	sealer        Sealer
	nullifierSalt string

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New returns a caster submitting to ledger. nullifierSalt is the server
// secret mixed into every nullifier and must not be empty.
func New(ledger Ledger, sealer Sealer, nullifierSalt string) (*Caster, error) {
	if ledger == nil || sealer == nil {
		return nil, fmt.Errorf("ledger and sealer are required")
	}
	if nullifierSalt == "" {
		return nil, fmt.Errorf("empty nullifier salt")
	}
	return &Caster{
		ledger:        ledger,
		sealer:        sealer,
		nullifierSalt: nullifierSalt,
		inFlight:      make(map[string]struct{}),
	}, nil
}

// Nullifier returns the nullifier of voterID.
func (c *Caster) Nullifier(voterID string) types.HexBytes {
	return ballot.Nullifier(voterID, c.nullifierSalt)
}

// HasVoted reports whether the ledger holds a ballot for voterID.
func (c *Caster) HasVoted(ctx context.Context, voterID string) (bool, error) {
	return c.ledger.HasVoted(ctx, c.Nullifier(voterID))
}

// Cast runs the state machine for one ballot. A second cast for the same
// voter while one is running fails with ReasonInFlight without touching
// the ledger.
func (c *Caster) Cast(ctx context.Context, voterID string, candidateID uint64) *Outcome {
	o := &Outcome{}
	o.enter(StateInitiated)
	defer func() { logOutcome(voterID, o) }()

	if voterID == "" {
		return o.fail(ReasonInvalid, fmt.Errorf("empty voter id"))
	}
	nullifier := c.Nullifier(voterID)
	if !c.acquire(nullifier) {
		return o.fail(ReasonInFlight, ErrInFlight)
	}
	defer c.release(nullifier)

	salt, err := ballot.NewSalt()
	if err != nil {
		return o.fail(ReasonEncryption, err)
	}
	o.enter(StateSaltGenerated)

	o.Nullifier = nullifier
	o.Commitment = ballot.Commitment(candidateID, salt)
	o.enter(StatePrimitivesComputed)

	o.Ciphertext, err = c.sealer.Seal(candidateID, salt)
	if err != nil {
		return o.fail(ReasonEncryption, err)
	}
	o.enter(StateSealed)

	// the pre-check saves gas, the ledger rejection is what enforces
	// uniqueness
	voted, err := c.ledger.HasVoted(ctx, nullifier)
	if err != nil {
		o.SubmissionReason = web3.ReasonUnreachable
		return o.fail(ReasonSubmission, err)
	}
	if voted {
		return o.fail(ReasonAlreadyVoted, web3.ErrDuplicateVote)
	}
	o.enter(StateSubmitted)

	ref, err := c.ledger.SubmitBallot(ctx, nullifier, o.Commitment, o.Ciphertext)
	if err != nil {
		return c.submissionFailure(o, err)
	}
	o.TxHash = ref.TxHash
	o.BallotIndex = ref.BallotIndex
	o.BlockNumber = ref.BlockNumber
	o.Timestamp = ref.Timestamp
	o.Broadcast = true
	o.enter(StateConfirmed)
	return o
}

func (c *Caster) submissionFailure(o *Outcome, err error) *Outcome {
	if errors.Is(err, web3.ErrDuplicateVote) {
		return o.fail(ReasonAlreadyVoted, err)
	}
	var subErr *web3.SubmissionError
	if !errors.As(err, &subErr) {
		o.SubmissionReason = web3.ReasonUnreachable
		return o.fail(ReasonSubmission, err)
	}
	o.SubmissionReason = subErr.Reason
	if subErr.TxHash != nil {
		o.TxHash = *subErr.TxHash
		o.Broadcast = true
	}
	if subErr.Reason == web3.ReasonTimeout {
		return o.fail(ReasonTimeout, err)
	}
	return o.fail(ReasonSubmission, err)
}

func (c *Caster) acquire(nullifier types.HexBytes) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := nullifier.String()
	if _, ok := c.inFlight[key]; ok {
		return false
	}
	c.inFlight[key] = struct{}{}
	return true
}

func (c *Caster) release(nullifier types.HexBytes) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, nullifier.String())
}

// logOutcome never logs the choice nor the salt.
func logOutcome(voterID string, o *Outcome) {
	if o.Confirmed() {
		log.Infow("ballot confirmed",
			"voter", log.Redact(voterID),
			"txHash", o.TxHash.Hex(),
			"index", o.BallotIndex,
			"block", o.BlockNumber)
		return
	}
	fields := []any{
		"voter", log.Redact(voterID),
		"reason", string(o.Reason),
		"states", len(o.Transitions),
		"error", o.Err,
	}
	if o.Broadcast {
		fields = append(fields, "txHash", o.TxHash.Hex())
	}
	switch o.Reason {
	case ReasonAlreadyVoted, ReasonInFlight, ReasonInvalid:
		log.Debugw("ballot rejected", fields...)
	default:
		log.Warnw("ballot cast failed", fields...)
	}
}
