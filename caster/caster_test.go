package caster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/ballotbox/crypto/ballot"
	"github.com/vocdoni/ballotbox/crypto/sealer"
	ethSigner "github.com/vocdoni/ballotbox/crypto/signatures/ethereum"
	"github.com/vocdoni/ballotbox/types"
	"github.com/vocdoni/ballotbox/web3"
	"github.com/vocdoni/ballotbox/web3/ledgertest"
)

const testSalt = "test-nullifier-salt"

type testEnv struct {
	caster *Caster
	ledger *ledgertest.Ledger
	client *web3.LedgerClient
	pub    *[32]byte
	priv   *[32]byte
}

func newTestEnv(c *qt.C) *testEnv {
	pub, priv, err := sealer.GenerateKeyPair()
	c.Assert(err, qt.IsNil)
	ledger := ledgertest.New(ledgertest.Options{AuthorityPublicKey: pub, AuthorityPrivateKey: priv})
	signer, err := ethSigner.NewSigner()
	c.Assert(err, qt.IsNil)
	client, err := web3.NewWithBackend(context.Background(), ledger, web3.Config{
		Contract:            ledgertest.ContractAddress,
		Signer:              signer,
		ConfirmTimeout:      300 * time.Millisecond,
		ReceiptPollInterval: 10 * time.Millisecond,
	})
	c.Assert(err, qt.IsNil)
	s, err := sealer.New(types.HexBytes(pub[:]).String())
	c.Assert(err, qt.IsNil)
	cst, err := New(client, s, testSalt)
	c.Assert(err, qt.IsNil)
	return &testEnv{caster: cst, ledger: ledger, client: client, pub: pub, priv: priv}
}

func TestCast(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(c)
	ctx := context.Background()

	o := env.caster.Cast(ctx, "v-001", 2)
	c.Assert(o.Err, qt.IsNil)
	c.Assert(o.Confirmed(), qt.IsTrue)
	c.Assert(o.Transitions, qt.DeepEquals, []State{
		StateInitiated, StateSaltGenerated, StatePrimitivesComputed,
		StateSealed, StateSubmitted, StateConfirmed,
	})
	c.Assert(o.Commitment, qt.HasLen, ballot.HashSize)
	c.Assert(o.Nullifier, qt.DeepEquals, ballot.Nullifier("v-001", testSalt))
	c.Assert(o.Broadcast, qt.IsTrue)
	c.Assert(o.PendingTxHash(), qt.IsNil)

	// the authority can open the ciphertext and check the commitment
	payload, err := sealer.Open(o.Ciphertext, env.pub, env.priv)
	c.Assert(err, qt.IsNil)
	c.Assert(payload.CandidateID, qt.Equals, uint64(2))
	salt, err := payload.Salt()
	c.Assert(err, qt.IsNil)
	c.Assert(ballot.VerifyCommitment(o.Commitment, 2, salt), qt.IsTrue)

	stored, err := env.client.BallotByIndex(ctx, o.BallotIndex)
	c.Assert(err, qt.IsNil)
	c.Assert(stored.Commitment, qt.DeepEquals, o.Commitment)

	voted, err := env.caster.HasVoted(ctx, "v-001")
	c.Assert(err, qt.IsNil)
	c.Assert(voted, qt.IsTrue)

	c.Run("second cast is rejected before submission", func(c *qt.C) {
		again := env.caster.Cast(ctx, "v-001", 3)
		c.Assert(again.State, qt.Equals, StateFailed)
		c.Assert(again.Reason, qt.Equals, ReasonAlreadyVoted)
		c.Assert(again.Retryable(), qt.IsFalse)
		c.Assert(again.Broadcast, qt.IsFalse)
		c.Assert(env.ledger.Submissions(), qt.Equals, 1)
		count, err := env.client.PartyVoteCount(ctx, 3)
		c.Assert(err, qt.IsNil)
		c.Assert(count, qt.Equals, uint64(0))
	})

	c.Run("empty voter", func(c *qt.C) {
		o := env.caster.Cast(ctx, "", 1)
		c.Assert(o.Reason, qt.Equals, ReasonInvalid)
		c.Assert(o.Transitions, qt.DeepEquals, []State{StateInitiated, StateFailed})
	})
}

func TestCastFailures(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	c.Run("encryption", func(c *qt.C) {
		env := newTestEnv(c)
		cst, err := New(env.client, failingSealer{}, testSalt)
		c.Assert(err, qt.IsNil)
		o := cst.Cast(ctx, "v-001", 1)
		c.Assert(o.Reason, qt.Equals, ReasonEncryption)
		var encErr *sealer.EncryptionError
		c.Assert(errors.As(o.Err, &encErr), qt.IsTrue)
		c.Assert(o.Transitions[len(o.Transitions)-2], qt.Equals, StatePrimitivesComputed)
		c.Assert(env.ledger.Submissions(), qt.Equals, 0)
	})

	c.Run("submission then retry", func(c *qt.C) {
		env := newTestEnv(c)
		env.ledger.InjectSendErrors(errors.New("insufficient funds for gas * price + value"))
		o := env.caster.Cast(ctx, "v-002", 1)
		c.Assert(o.Reason, qt.Equals, ReasonSubmission)
		c.Assert(o.SubmissionReason, qt.Equals, web3.ReasonInsufficientFunds)
		c.Assert(o.Retryable(), qt.IsTrue)
		c.Assert(o.Broadcast, qt.IsFalse)

		retry := env.caster.Cast(ctx, "v-002", 1)
		c.Assert(retry.Confirmed(), qt.IsTrue)
		c.Assert(retry.Commitment, qt.Not(qt.DeepEquals), o.Commitment)
		c.Assert(env.ledger.BallotTotal(), qt.Equals, 1)
	})

	c.Run("timeout", func(c *qt.C) {
		env := newTestEnv(c)
		env.ledger.SetNeverMine(true)
		o := env.caster.Cast(ctx, "v-003", 1)
		c.Assert(o.Reason, qt.Equals, ReasonTimeout)
		c.Assert(o.Broadcast, qt.IsTrue)
		c.Assert(o.PendingTxHash(), qt.Not(qt.IsNil))
		c.Assert(*o.PendingTxHash(), qt.Equals, o.TxHash)
	})

	c.Run("unreachable", func(c *qt.C) {
		env := newTestEnv(c)
		env.ledger.SetOffline(true)
		o := env.caster.Cast(ctx, "v-004", 1)
		c.Assert(o.Reason, qt.Equals, ReasonSubmission)
		c.Assert(o.SubmissionReason, qt.Equals, web3.ReasonUnreachable)
		c.Assert(errors.Is(o.Err, web3.ErrConnectivity), qt.IsTrue)
	})
}

func TestCastInFlight(t *testing.T) {
	c := qt.New(t)
	s, err := sealer.New(mustPublicKey(c))
	c.Assert(err, qt.IsNil)
	ledger := &blockingLedger{release: make(chan struct{}), entered: make(chan struct{})}
	cst, err := New(ledger, s, testSalt)
	c.Assert(err, qt.IsNil)
	ctx := context.Background()

	var wg sync.WaitGroup
	var first *Outcome
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = cst.Cast(ctx, "v-001", 1)
	}()
	<-ledger.entered

	second := cst.Cast(ctx, "v-001", 1)
	c.Assert(second.Reason, qt.Equals, ReasonInFlight)
	c.Assert(errors.Is(second.Err, ErrInFlight), qt.IsTrue)

	// other voters are not blocked by the guard
	other := cst.Cast(ctx, "v-002", 1)
	c.Assert(other.Confirmed(), qt.IsTrue)

	close(ledger.release)
	wg.Wait()
	c.Assert(first.Confirmed(), qt.IsTrue)
	c.Assert(ledger.submitted(), qt.Equals, 2)

	// the guard is released once the cast ends
	third := cst.Cast(ctx, "v-001", 1)
	c.Assert(third.Reason, qt.Not(qt.Equals), ReasonInFlight)
}

func TestNew(t *testing.T) {
	c := qt.New(t)
	s, err := sealer.New(mustPublicKey(c))
	c.Assert(err, qt.IsNil)
	_, err = New(&blockingLedger{}, s, "")
	c.Assert(err, qt.ErrorMatches, "empty nullifier salt")
	_, err = New(nil, s, testSalt)
	c.Assert(err, qt.IsNotNil)
}

type failingSealer struct{}

func (failingSealer) Seal(uint64, ballot.Salt) (types.HexBytes, error) {
	return nil, &sealer.EncryptionError{Err: errors.New("malformed authority key")}
}

// blockingLedger holds the first submission of v-001 until release is
// closed.
type blockingLedger struct {
	mu      sync.Mutex
	entered chan struct{}
	release chan struct{}
	blocked bool
	count   int
}

func (l *blockingLedger) HasVoted(context.Context, types.HexBytes) (bool, error) {
	return false, nil
}

func (l *blockingLedger) SubmitBallot(_ context.Context, nullifier, _ types.HexBytes, _ []byte) (*types.TxRef, error) {
	l.mu.Lock()
	block := !l.blocked && nullifier.Equal(ballot.Nullifier("v-001", testSalt))
	if block {
		l.blocked = true
	}
	l.mu.Unlock()
	if block {
		close(l.entered)
		<-l.release
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count++
	return &types.TxRef{BallotIndex: uint64(l.count - 1)}, nil
}

func (l *blockingLedger) submitted() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

func mustPublicKey(c *qt.C) string {
	pub, _, err := sealer.GenerateKeyPair()
	c.Assert(err, qt.IsNil)
	return types.HexBytes(pub[:]).String()
}
