package sealer

import (
	"encoding/hex"
	"errors"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/ballotbox/crypto/ballot"
)

func TestSealOpenRoundTrip(t *testing.T) {
	c := qt.New(t)

	pub, priv, err := GenerateKeyPair()
	c.Assert(err, qt.IsNil)
	s, err := New(hex.EncodeToString(pub[:]))
	c.Assert(err, qt.IsNil)
	c.Assert(s.PublicKey(), qt.Equals, hex.EncodeToString(pub[:]))

	salt, err := ballot.NewSalt()
	c.Assert(err, qt.IsNil)

	ct, err := s.Seal(2, salt)
	c.Assert(err, qt.IsNil)
	c.Assert(len(ct) > 0, qt.IsTrue)

	payload, err := Open(ct, pub, priv)
	c.Assert(err, qt.IsNil)
	c.Assert(payload.CandidateID, qt.Equals, uint64(2))
	opened, err := payload.Salt()
	c.Assert(err, qt.IsNil)
	c.Assert(opened, qt.Equals, salt)

	// the opened payload verifies the commitment computed at cast time
	c.Assert(ballot.VerifyCommitment(ballot.Commitment(2, salt), payload.CandidateID, opened), qt.IsTrue)
}

func TestSealIsRandomized(t *testing.T) {
	c := qt.New(t)
	pub, _, err := GenerateKeyPair()
	c.Assert(err, qt.IsNil)
	var salt ballot.Salt
	ct1, err := Seal(1, salt, pub)
	c.Assert(err, qt.IsNil)
	ct2, err := Seal(1, salt, pub)
	c.Assert(err, qt.IsNil)
	c.Assert(ct1, qt.Not(qt.DeepEquals), ct2)
}

func TestOpenWithWrongKey(t *testing.T) {
	c := qt.New(t)
	pub, _, err := GenerateKeyPair()
	c.Assert(err, qt.IsNil)
	otherPub, otherPriv, err := GenerateKeyPair()
	c.Assert(err, qt.IsNil)

	ct, err := Seal(3, ballot.Salt{}, pub)
	c.Assert(err, qt.IsNil)
	_, err = Open(ct, otherPub, otherPriv)
	c.Assert(errors.Is(err, ErrOpen), qt.IsTrue)
}

func TestMalformedKeys(t *testing.T) {
	c := qt.New(t)
	for _, k := range []string{"", "zz", "0x1234", hex.EncodeToString(make([]byte, 33))} {
		_, err := New(k)
		var encErr *EncryptionError
		c.Assert(errors.As(err, &encErr), qt.IsTrue, qt.Commentf("key %q", k))
	}
	_, err := Seal(1, ballot.Salt{}, nil)
	var encErr *EncryptionError
	c.Assert(errors.As(err, &encErr), qt.IsTrue)

	pub, _, err := GenerateKeyPair()
	c.Assert(err, qt.IsNil)
	_, err = New("0x" + hex.EncodeToString(pub[:]))
	c.Assert(err, qt.IsNil)
}
