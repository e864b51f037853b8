package txmanager

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	qt "github.com/frankban/quicktest"
	ethSigner "github.com/vocdoni/ballotbox/crypto/signatures/ethereum"
)

// stubBackend is a minimal node: it accepts transactions whose nonce matches
// its own counter and mines them on request.
type stubBackend struct {
	mu       sync.Mutex
	nonce    uint64
	baseFee  *big.Int
	sent     []*gtypes.Transaction
	receipts map[common.Hash]*gtypes.Receipt
	// sendErrs are returned, in order, by the next SendTransaction calls
	sendErrs []error
	// stalePending values are returned, in order, by PendingNonceAt
	// instead of nonce
	stalePending []uint64
	estimate     func(ethereum.CallMsg) (uint64, error)
	call         func(ethereum.CallMsg) error
}

func newStubBackend() *stubBackend {
	return &stubBackend{
		baseFee:  Gwei(1),
		receipts: make(map[common.Hash]*gtypes.Receipt),
	}
}

func (b *stubBackend) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	if b.estimate != nil {
		return b.estimate(msg)
	}
	return 50_000, nil
}

func (b *stubBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return Gwei(3), nil
}

func (b *stubBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return Gwei(1), nil
}

func (b *stubBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if b.call != nil {
		return nil, b.call(msg)
	}
	return nil, nil
}

func (b *stubBackend) HeaderByNumber(context.Context, *big.Int) (*gtypes.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &gtypes.Header{Number: big.NewInt(1), BaseFee: b.baseFee}, nil
}

func (b *stubBackend) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonce, nil
}

func (b *stubBackend) PendingNonceAt(ctx context.Context, a common.Address) (uint64, error) {
	b.mu.Lock()
	if len(b.stalePending) > 0 {
		stale := b.stalePending[0]
		b.stalePending = b.stalePending[1:]
		b.mu.Unlock()
		return stale, nil
	}
	b.mu.Unlock()
	return b.NonceAt(ctx, a, nil)
}

func (b *stubBackend) SendTransaction(_ context.Context, tx *gtypes.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sendErrs) > 0 {
		err := b.sendErrs[0]
		b.sendErrs = b.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	if tx.Nonce() > b.nonce {
		return errors.New("nonce too high")
	}
	if tx.Nonce() < b.nonce {
		return errors.New("nonce too low")
	}
	b.nonce++
	b.sent = append(b.sent, tx)
	return nil
}

func (b *stubBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*gtypes.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (b *stubBackend) mine(hash common.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receipts[hash] = &gtypes.Receipt{Status: gtypes.ReceiptStatusSuccessful, TxHash: hash}
}

func newTestManager(c *qt.C, b *stubBackend, cfg Config) *TxManager {
	signer, err := ethSigner.NewSigner()
	c.Assert(err, qt.IsNil)
	if cfg.ChainID == nil {
		cfg.ChainID = big.NewInt(1337)
	}
	cfg.ReceiptPollInterval = 5 * time.Millisecond
	tm, err := New(context.Background(), b, signer, cfg)
	c.Assert(err, qt.IsNil)
	return tm
}

func dynamicBuild(to common.Address) BuildFunc {
	return func(nonce uint64, fees FeeCaps) (gtypes.TxData, error) {
		if fees.Legacy() {
			return &gtypes.LegacyTx{Nonce: nonce, GasPrice: fees.GasPrice, Gas: 21_000, To: &to}, nil
		}
		return &gtypes.DynamicFeeTx{
			ChainID:   big.NewInt(1337),
			Nonce:     nonce,
			GasTipCap: fees.TipCap,
			GasFeeCap: fees.FeeCap,
			Gas:       21_000,
			To:        &to,
		}, nil
	}
}

func TestSendSequentialNonces(t *testing.T) {
	c := qt.New(t)
	b := newStubBackend()
	tm := newTestManager(c, b, Config{})
	to := common.HexToAddress("0x01")

	for i := range 3 {
		tx, err := tm.SendTxWithReplacement(context.Background(), dynamicBuild(to))
		c.Assert(err, qt.IsNil)
		c.Assert(tx.Nonce(), qt.Equals, uint64(i))
		c.Assert(tx.Type(), qt.Equals, uint8(gtypes.DynamicFeeTxType))
	}
	c.Assert(tm.NextNonce(), qt.Equals, uint64(3))
	c.Assert(tm.PendingCount(), qt.Equals, 3)

	// mining the last one confirms every lower nonce
	b.mine(b.sent[2].Hash())
	receipt, err := tm.WaitReceipt(context.Background(), b.sent[2].Hash(), time.Second)
	c.Assert(err, qt.IsNil)
	c.Assert(receipt.Status, qt.Equals, gtypes.ReceiptStatusSuccessful)
	c.Assert(tm.PendingCount(), qt.Equals, 0)
}

func TestSendConcurrentNoNonceCollision(t *testing.T) {
	c := qt.New(t)
	b := newStubBackend()
	tm := newTestManager(c, b, Config{})
	to := common.HexToAddress("0x01")

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tm.SendTxWithReplacement(context.Background(), dynamicBuild(to))
			c.Check(err, qt.IsNil)
		}()
	}
	wg.Wait()
	c.Assert(b.sent, qt.HasLen, 10)
	seen := make(map[uint64]bool)
	for _, tx := range b.sent {
		c.Assert(seen[tx.Nonce()], qt.IsFalse)
		seen[tx.Nonce()] = true
	}
}

func TestSendErrorHandling(t *testing.T) {
	c := qt.New(t)
	to := common.HexToAddress("0x01")

	c.Run("underpriced bumps fees", func(c *qt.C) {
		b := newStubBackend()
		b.sendErrs = []error{errors.New("replacement transaction underpriced")}
		tm := newTestManager(c, b, Config{})
		tx, err := tm.SendTxWithReplacement(context.Background(), dynamicBuild(to))
		c.Assert(err, qt.IsNil)
		// initial fee cap is 2*base+tip = 3 gwei, bumped by at least 5 gwei
		c.Assert(tx.GasFeeCap().Cmp(Gwei(8)) >= 0, qt.IsTrue)
		c.Assert(tx.GasTipCap().Cmp(Gwei(3)) >= 0, qt.IsTrue)
	})
	c.Run("already known is success", func(c *qt.C) {
		b := newStubBackend()
		b.sendErrs = []error{errors.New("already known")}
		tm := newTestManager(c, b, Config{})
		_, err := tm.SendTxWithReplacement(context.Background(), dynamicBuild(to))
		c.Assert(err, qt.IsNil)
		c.Assert(tm.PendingCount(), qt.Equals, 1)
	})
	c.Run("insufficient funds", func(c *qt.C) {
		b := newStubBackend()
		b.sendErrs = []error{errors.New("insufficient funds for gas * price + value")}
		tm := newTestManager(c, b, Config{})
		_, err := tm.SendTxWithReplacement(context.Background(), dynamicBuild(to))
		c.Assert(err, qt.ErrorIs, ErrInsufficientFunds)
	})
	c.Run("unknown rejection", func(c *qt.C) {
		b := newStubBackend()
		b.sendErrs = []error{errors.New("invalid sender")}
		tm := newTestManager(c, b, Config{})
		_, err := tm.SendTxWithReplacement(context.Background(), dynamicBuild(to))
		c.Assert(err, qt.ErrorIs, ErrBroadcast)
	})
	c.Run("nonce too high resets local nonce", func(c *qt.C) {
		b := newStubBackend()
		tm := newTestManager(c, b, Config{})
		tm.mu.Lock()
		tm.nextNonce = 5
		tm.mu.Unlock()
		tx, err := tm.SendTxWithReplacement(context.Background(), dynamicBuild(to))
		c.Assert(err, qt.IsNil)
		c.Assert(tx.Nonce(), qt.Equals, uint64(0))
	})
	c.Run("nonce taken by another sender", func(c *qt.C) {
		b := newStubBackend()
		tm := newTestManager(c, b, Config{})
		// the gap check and the nonce reconciliation both see the stale value
		b.nonce, b.stalePending = 1, []uint64{0, 0}
		tx, err := tm.SendTxWithReplacement(context.Background(), dynamicBuild(to))
		c.Assert(err, qt.IsNil)
		c.Assert(tx.Nonce(), qt.Equals, uint64(1))
	})
	c.Run("build failure", func(c *qt.C) {
		tm := newTestManager(c, newStubBackend(), Config{})
		_, err := tm.SendTxWithReplacement(context.Background(), func(uint64, FeeCaps) (gtypes.TxData, error) {
			return nil, errors.New("pack failed")
		})
		c.Assert(err, qt.ErrorIs, ErrSigning)
	})
}

func TestNonceGapRecovery(t *testing.T) {
	c := qt.New(t)
	to := common.HexToAddress("0x01")

	c.Run("lost transaction is cancelled", func(c *qt.C) {
		b := newStubBackend()
		tm := newTestManager(c, b, Config{StuckAfter: 10 * time.Millisecond})
		lost, err := tm.SendTxWithReplacement(context.Background(), dynamicBuild(to))
		c.Assert(err, qt.IsNil)
		c.Assert(lost.Nonce(), qt.Equals, uint64(0))

		// the node drops the transaction from its mempool
		b.mu.Lock()
		b.nonce = 0
		b.mu.Unlock()
		time.Sleep(20 * time.Millisecond)

		tx, err := tm.SendTxWithReplacement(context.Background(), dynamicBuild(to))
		c.Assert(err, qt.IsNil)
		c.Assert(tx.Nonce(), qt.Equals, uint64(1))
		c.Assert(b.sent, qt.HasLen, 3)
		cancel := b.sent[1]
		c.Assert(cancel.Nonce(), qt.Equals, uint64(0))
		c.Assert(*cancel.To(), qt.Equals, tm.Address())
		c.Assert(cancel.Value().Sign(), qt.Equals, 0)
		c.Assert(cancel.Gas(), qt.Equals, uint64(cancelGasLimit))
		_, tracked := tm.PendingTx(lost.Hash())
		c.Assert(tracked, qt.IsFalse)
	})

	c.Run("recent transaction is left alone", func(c *qt.C) {
		b := newStubBackend()
		tm := newTestManager(c, b, Config{StuckAfter: time.Minute})
		_, err := tm.SendTxWithReplacement(context.Background(), dynamicBuild(to))
		c.Assert(err, qt.IsNil)
		b.mu.Lock()
		b.nonce = 0
		b.mu.Unlock()

		c.Assert(tm.recoverNonceGap(context.Background(), FeeCaps{TipCap: Gwei(1), FeeCap: Gwei(3)}), qt.IsNil)
		c.Assert(b.sent, qt.HasLen, 1)
		c.Assert(tm.NextNonce(), qt.Equals, uint64(1))
	})

	c.Run("taken nonce is not an error", func(c *qt.C) {
		b := newStubBackend()
		tm := newTestManager(c, b, Config{})
		b.sendErrs = []error{errors.New("nonce too low")}
		c.Assert(tm.sendCancelTx(context.Background(), 0, FeeCaps{TipCap: Gwei(1), FeeCap: Gwei(3)}), qt.IsNil)
		c.Assert(tm.PendingCount(), qt.Equals, 0)
	})
}

func TestGasPolicies(t *testing.T) {
	c := qt.New(t)
	to := common.HexToAddress("0x01")

	c.Run("legacy fixed price", func(c *qt.C) {
		tm := newTestManager(c, newStubBackend(), Config{GasPolicy: GasPolicyLegacy, GasPrice: Gwei(20)})
		tx, err := tm.SendTxWithReplacement(context.Background(), dynamicBuild(to))
		c.Assert(err, qt.IsNil)
		c.Assert(tx.Type(), qt.Equals, uint8(gtypes.LegacyTxType))
		c.Assert(tx.GasPrice().Cmp(Gwei(20)), qt.Equals, 0)
	})
	c.Run("auto without base fee falls back to legacy", func(c *qt.C) {
		b := newStubBackend()
		b.baseFee = nil
		tm := newTestManager(c, b, Config{})
		fees, err := tm.SuggestInitialFees(context.Background())
		c.Assert(err, qt.IsNil)
		c.Assert(fees.Legacy(), qt.IsTrue)
		c.Assert(fees.GasPrice.Cmp(Gwei(3)), qt.Equals, 0)
	})
	c.Run("dynamic without base fee fails", func(c *qt.C) {
		b := newStubBackend()
		b.baseFee = nil
		tm := newTestManager(c, b, Config{GasPolicy: GasPolicyDynamic})
		_, err := tm.SuggestInitialFees(context.Background())
		c.Assert(err, qt.IsNotNil)
	})
	c.Run("max gas price caps fees", func(c *qt.C) {
		tm := newTestManager(c, newStubBackend(), Config{MaxGasPrice: Gwei(2)})
		fees, err := tm.SuggestInitialFees(context.Background())
		c.Assert(err, qt.IsNil)
		c.Assert(fees.FeeCap.Cmp(Gwei(2)), qt.Equals, 0)
		_, err = tm.BumpFees(context.Background(), fees)
		c.Assert(err, qt.ErrorIs, ErrFeeCapExceeded)
	})
	c.Run("parse", func(c *qt.C) {
		p, err := ParseGasPolicy("")
		c.Assert(err, qt.IsNil)
		c.Assert(p, qt.Equals, GasPolicyAuto)
		_, err = ParseGasPolicy("cheap")
		c.Assert(err, qt.IsNotNil)
	})
}

func TestWaitReceiptTimeout(t *testing.T) {
	c := qt.New(t)
	b := newStubBackend()
	tm := newTestManager(c, b, Config{})
	tx, err := tm.SendTxWithReplacement(context.Background(), dynamicBuild(common.HexToAddress("0x01")))
	c.Assert(err, qt.IsNil)

	_, err = tm.WaitReceipt(context.Background(), tx.Hash(), 30*time.Millisecond)
	c.Assert(err, qt.ErrorIs, ErrWaitTimeout)
	c.Assert(tm.PendingCount(), qt.Equals, 1)
}

func TestEstimateGas(t *testing.T) {
	c := qt.New(t)
	to := common.HexToAddress("0x01")
	msg := ethereum.CallMsg{To: &to, Data: []byte{0xde, 0xad, 0xbe, 0xef}}
	opts := &GasEstimateOpts{Retries: 1, Backoff: time.Millisecond}

	c.Run("safety margin", func(c *qt.C) {
		tm := newTestManager(c, newStubBackend(), Config{})
		gas, err := tm.EstimateGas(context.Background(), msg, opts, 0)
		c.Assert(err, qt.IsNil)
		c.Assert(gas, qt.Equals, uint64(55_000))
	})
	c.Run("floor", func(c *qt.C) {
		tm := newTestManager(c, newStubBackend(), Config{})
		gas, err := tm.EstimateGas(context.Background(), msg, opts, 100_000)
		c.Assert(err, qt.IsNil)
		c.Assert(gas, qt.Equals, uint64(100_000))
	})
	c.Run("revert is an error", func(c *qt.C) {
		b := newStubBackend()
		b.estimate = func(ethereum.CallMsg) (uint64, error) {
			return 0, errors.New("execution reverted: already voted")
		}
		tm := newTestManager(c, b, Config{})
		_, err := tm.EstimateGas(context.Background(), msg, opts, 0)
		c.Assert(err, qt.ErrorMatches, ".*already voted.*")
	})
	c.Run("binary search", func(c *qt.C) {
		b := newStubBackend()
		b.estimate = func(ethereum.CallMsg) (uint64, error) {
			return 0, errors.New("connection reset")
		}
		b.call = func(m ethereum.CallMsg) error {
			if m.Gas < 80_000 {
				return errors.New("out of gas")
			}
			return nil
		}
		tm := newTestManager(c, b, Config{})
		gas, err := tm.EstimateGas(context.Background(), msg, opts, 0)
		c.Assert(err, qt.IsNil)
		c.Assert(gas >= 88_000 && gas <= 90_000, qt.IsTrue, qt.Commentf("gas %d", gas))
		c.Assert(tm.cachedGasHint(msg) > 0, qt.IsTrue)
	})
	c.Run("fallback", func(c *qt.C) {
		b := newStubBackend()
		b.estimate = func(ethereum.CallMsg) (uint64, error) {
			return 0, errors.New("connection reset")
		}
		b.call = func(ethereum.CallMsg) error { return errors.New("boom") }
		tm := newTestManager(c, b, Config{})
		gas, err := tm.EstimateGas(context.Background(), msg, opts, 0)
		c.Assert(err, qt.IsNil)
		c.Assert(gas, qt.Equals, uint64(DefaultGasFallback))
	})
}
