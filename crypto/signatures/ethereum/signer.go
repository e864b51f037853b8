package ethereum

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/vocdoni/ballotbox/util"
)

// Signer is the backend account key that signs every ledger-mutating
// transaction. It is a wrapper around the go-ethereum ecdsa.PrivateKey type.
type Signer ecdsa.PrivateKey

// Address returns the Ethereum address derived from the public key of the signer.
func (s *Signer) Address() common.Address {
	return ethcrypto.PubkeyToAddress(s.PublicKey)
}

// PrivateKey returns the underlying ecdsa key.
func (s *Signer) PrivateKey() *ecdsa.PrivateKey {
	return (*ecdsa.PrivateKey)(s)
}

// SignTx signs the transaction data with the latest signer for chainID.
func (s *Signer) SignTx(inner gtypes.TxData, chainID *big.Int) (*gtypes.Transaction, error) {
	tx, err := gtypes.SignNewTx(s.PrivateKey(), gtypes.LatestSignerForChainID(chainID), inner)
	if err != nil {
		return nil, fmt.Errorf("could not sign transaction: %w", err)
	}
	return tx, nil
}

// NewSigner creates a new random ECDSA private key for signing.
func NewSigner() (*Signer, error) {
	s, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("could not generate key: %w", err)
	}
	return (*Signer)(s), nil
}

// NewSignerFromHex creates a new ECDSA private key from a hex-encoded string,
// with or without 0x prefix.
func NewSignerFromHex(hexKey string) (*Signer, error) {
	hexKey = util.TrimHex(strings.TrimSpace(hexKey))
	s, err := ethcrypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("could not load key: %w", err)
	}
	return (*Signer)(s), nil
}
