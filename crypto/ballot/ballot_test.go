package ballot

import (
	"encoding/hex"
	"fmt"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	qt "github.com/frankban/quicktest"
)

func TestNullifier(t *testing.T) {
	c := qt.New(t)

	c.Run("deterministic", func(c *qt.C) {
		n1 := Nullifier("v-001", "salt")
		for range 5 {
			c.Assert(Nullifier("v-001", "salt"), qt.DeepEquals, n1)
		}
		c.Assert(n1, qt.HasLen, HashSize)
	})

	c.Run("matches keccak of concatenation", func(c *qt.C) {
		want := ethcrypto.Keccak256([]byte("v-001change-me-super-secret"))
		c.Assert([]byte(Nullifier("v-001", "change-me-super-secret")), qt.DeepEquals, want)
	})

	c.Run("distinct voters", func(c *qt.C) {
		seen := make(map[string]bool)
		for i := range 200 {
			n := Nullifier(fmt.Sprintf("v-%03d", i), "salt").Hex()
			c.Assert(seen[n], qt.IsFalse)
			seen[n] = true
		}
	})

	c.Run("server salt changes output", func(c *qt.C) {
		c.Assert(Nullifier("v-001", "a"), qt.Not(qt.DeepEquals), Nullifier("v-001", "b"))
	})
}

func TestCommitment(t *testing.T) {
	c := qt.New(t)

	salt, err := NewSalt()
	c.Assert(err, qt.IsNil)

	c.Run("binds candidate", func(c *qt.C) {
		seen := make(map[string]uint64)
		for id := range uint64(64) {
			h := Commitment(id, salt).Hex()
			prev, dup := seen[h]
			c.Assert(dup, qt.IsFalse, qt.Commentf("candidates %d and %d collide", prev, id))
			seen[h] = id
		}
	})

	c.Run("binds salt", func(c *qt.C) {
		other, err := NewSalt()
		c.Assert(err, qt.IsNil)
		c.Assert(other, qt.Not(qt.Equals), salt)
		c.Assert(Commitment(2, salt), qt.Not(qt.DeepEquals), Commitment(2, other))

		flipped := salt
		flipped[31] ^= 0x01
		c.Assert(Commitment(2, salt), qt.Not(qt.DeepEquals), Commitment(2, flipped))
	})

	c.Run("fixed width encoding", func(c *qt.C) {
		var zero Salt
		packed := make([]byte, 64)
		packed[31] = 2
		want := ethcrypto.Keccak256(packed)
		c.Assert([]byte(Commitment(2, zero)), qt.DeepEquals, want)
		c.Assert(hex.EncodeToString(Commitment(2, zero)), qt.HasLen, 64)
	})

	c.Run("verify", func(c *qt.C) {
		cm := Commitment(7, salt)
		c.Assert(VerifyCommitment(cm, 7, salt), qt.IsTrue)
		c.Assert(VerifyCommitment(cm, 8, salt), qt.IsFalse)
	})
}
