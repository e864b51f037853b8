// Package sealer encrypts ballot payloads for the election authority using
// anonymous sealed boxes (Curve25519, XSalsa20-Poly1305). Sealing needs only
// the authority public key; the node holds no key able to open a ballot.
package sealer

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vocdoni/ballotbox/crypto/ballot"
	"github.com/vocdoni/ballotbox/types"
	"github.com/vocdoni/ballotbox/util"
	"golang.org/x/crypto/nacl/box"
)

// KeySize is the size in bytes of authority public and private keys.
const KeySize = 32

// ErrOpen is returned when a ciphertext cannot be opened with a key pair.
var ErrOpen = errors.New("could not open sealed ballot")

// EncryptionError is returned when a ballot cannot be sealed. It is not
// retryable without fixing the configuration.
type EncryptionError struct {
	Err error
}

func (e *EncryptionError) Error() string {
	return "ballot encryption failed: " + e.Err.Error()
}

func (e *EncryptionError) Unwrap() error {
	return e.Err
}

// Payload is the plaintext sealed inside a ballot ciphertext.
type Payload struct {
	CandidateID uint64 `json:"candidateId"`
	SaltHex     string `json:"saltHex"`
}

// Salt decodes the payload salt.
func (p *Payload) Salt() (ballot.Salt, error) {
	var s ballot.Salt
	b, err := hex.DecodeString(p.SaltHex)
	if err != nil {
		return s, fmt.Errorf("invalid salt hex: %w", err)
	}
	if len(b) != ballot.SaltSize {
		return s, fmt.Errorf("invalid salt length %d", len(b))
	}
	copy(s[:], b)
	return s, nil
}

// Sealer seals ballots for a single authority public key.
type Sealer struct {
	pub *[KeySize]byte
}

// New parses the hex encoded authority public key and returns a Sealer.
func New(authorityPubKeyHex string) (*Sealer, error) {
	pub, err := ParsePublicKey(authorityPubKeyHex)
	if err != nil {
		return nil, err
	}
	return &Sealer{pub: pub}, nil
}

// PublicKey returns the authority public key as hex.
func (s *Sealer) PublicKey() string {
	return hex.EncodeToString(s.pub[:])
}

// Seal encrypts {candidateID, salt} for the authority.
func (s *Sealer) Seal(candidateID uint64, salt ballot.Salt) (types.HexBytes, error) {
	return Seal(candidateID, salt, s.pub)
}

// Seal serializes the payload and encrypts it with an anonymous sealed box
// under pub.
func Seal(candidateID uint64, salt ballot.Salt, pub *[KeySize]byte) (types.HexBytes, error) {
	if pub == nil {
		return nil, &EncryptionError{Err: errors.New("missing authority public key")}
	}
	msg, err := json.Marshal(&Payload{
		CandidateID: candidateID,
		SaltHex:     hex.EncodeToString(salt[:]),
	})
	if err != nil {
		return nil, &EncryptionError{Err: fmt.Errorf("serialize payload: %w", err)}
	}
	sealed, err := box.SealAnonymous(nil, msg, pub, rand.Reader)
	if err != nil {
		return nil, &EncryptionError{Err: err}
	}
	return sealed, nil
}

// Open decrypts a sealed ballot. It is meant for the election authority
// tooling; the node never calls it.
func Open(ciphertext []byte, pub, priv *[KeySize]byte) (*Payload, error) {
	msg, ok := box.OpenAnonymous(nil, ciphertext, pub, priv)
	if !ok {
		return nil, ErrOpen
	}
	p := &Payload{}
	if err := json.Unmarshal(msg, p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	return p, nil
}

// ParsePublicKey decodes a hex (optionally 0x prefixed) authority public key.
func ParsePublicKey(s string) (*[KeySize]byte, error) {
	return parseKey(s, "public")
}

// ParsePrivateKey decodes a hex (optionally 0x prefixed) authority private key.
func ParsePrivateKey(s string) (*[KeySize]byte, error) {
	return parseKey(s, "private")
}

func parseKey(s, kind string) (*[KeySize]byte, error) {
	s = util.TrimHex(strings.TrimSpace(s))
	if s == "" {
		return nil, &EncryptionError{Err: fmt.Errorf("empty authority %s key", kind)}
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, &EncryptionError{Err: fmt.Errorf("malformed authority %s key: %w", kind, err)}
	}
	if len(b) != KeySize {
		return nil, &EncryptionError{Err: fmt.Errorf("authority %s key must be %d bytes, got %d", kind, KeySize, len(b))}
	}
	key := new([KeySize]byte)
	copy(key[:], b)
	return key, nil
}

// GenerateKeyPair creates a new authority key pair.
func GenerateKeyPair() (pub, priv *[KeySize]byte, err error) {
	return box.GenerateKey(rand.Reader)
}
