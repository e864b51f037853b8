package ethereum

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	qt "github.com/frankban/quicktest"
)

func TestNewSigner(t *testing.T) {
	c := qt.New(t)

	signer, err := NewSigner()
	c.Assert(err, qt.IsNil)
	c.Assert(signer, qt.Not(qt.IsNil))

	privKey := (*ecdsa.PrivateKey)(signer)
	c.Assert(privKey.D, qt.Not(qt.IsNil))
	c.Assert(signer.PrivateKey(), qt.Equals, privKey)
}

func TestNewSignerFromHex(t *testing.T) {
	c := qt.New(t)

	privKey, err := ethcrypto.GenerateKey()
	c.Assert(err, qt.IsNil)
	hexKeyString := common.Bytes2Hex(ethcrypto.FromECDSA(privKey))
	want := ethcrypto.PubkeyToAddress(privKey.PublicKey)

	signer, err := NewSignerFromHex(hexKeyString)
	c.Assert(err, qt.IsNil)
	c.Assert(signer.Address(), qt.Equals, want)

	signer, err = NewSignerFromHex("0x" + hexKeyString)
	c.Assert(err, qt.IsNil)
	c.Assert(signer.Address(), qt.Equals, want)

	_, err = NewSignerFromHex("invalid hex string")
	c.Assert(err, qt.Not(qt.IsNil))
	_, err = NewSignerFromHex("1234")
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestSignTx(t *testing.T) {
	c := qt.New(t)

	signer, err := NewSigner()
	c.Assert(err, qt.IsNil)
	chainID := big.NewInt(1337)
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tx, err := signer.SignTx(&gtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     3,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21000,
		To:        &to,
	}, chainID)
	c.Assert(err, qt.IsNil)

	from, err := gtypes.Sender(gtypes.LatestSignerForChainID(chainID), tx)
	c.Assert(err, qt.IsNil)
	c.Assert(from, qt.Equals, signer.Address())
	c.Assert(tx.Nonce(), qt.Equals, uint64(3))
}
