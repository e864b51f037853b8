// Package ballot implements the hashing primitives that turn a voter and a
// choice into the values written to the ledger: the nullifier, which is
// derived from the voter identity and prevents double voting, and the
// commitment, which binds the ballot to a candidate without revealing it.
package ballot

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/vocdoni/ballotbox/types"
)

const (
	// HashSize is the size in bytes of nullifiers and commitments.
	HashSize = 32
	// SaltSize is the size in bytes of a ballot salt.
	SaltSize = 32
)

// Salt is the per-cast randomness that opens a commitment. It must never be
// persisted or logged outside the sealed ciphertext.
type Salt [SaltSize]byte

// Nullifier returns keccak256(voterID ‖ serverSalt). The output only depends
// on its inputs so retries of the same voter always produce the same value.
func Nullifier(voterID, serverSalt string) types.HexBytes {
	return ethcrypto.Keccak256([]byte(voterID + serverSalt))
}

// Commitment returns keccak256(uint256(candidateID) ‖ salt), with the
// candidate encoded as a 32 byte big-endian integer.
func Commitment(candidateID uint64, salt Salt) types.HexBytes {
	packed := make([]byte, HashSize+SaltSize)
	new(big.Int).SetUint64(candidateID).FillBytes(packed[:HashSize])
	copy(packed[HashSize:], salt[:])
	return ethcrypto.Keccak256(packed)
}

// VerifyCommitment checks that commitment opens to candidateID with salt.
func VerifyCommitment(commitment types.HexBytes, candidateID uint64, salt Salt) bool {
	return subtle.ConstantTimeCompare(commitment, Commitment(candidateID, salt)) == 1
}

// NewSalt draws a fresh random ballot salt.
func NewSalt() (Salt, error) {
	var s Salt
	if _, err := rand.Read(s[:]); err != nil {
		return s, fmt.Errorf("could not read random salt: %w", err)
	}
	return s, nil
}
