package txmanager

import (
	"context"
	"fmt"
	"math/big"
	"slices"
	"time"

	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/vocdoni/ballotbox/log"
)

const (
	cancelGasLimit = 21_000
	cancelBackoff  = 100 * time.Millisecond
)

// reconcileNonce returns the nonce for the next send: the node pending
// nonce, or the locally tracked one if it is higher.
func (tm *TxManager) reconcileNonce(ctx context.Context) (uint64, error) {
	pendingNonce, err := tm.backend.PendingNonceAt(ctx, tm.signer.Address())
	if err != nil {
		return 0, fmt.Errorf("pending nonce: %w", err)
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if pendingNonce > tm.nextNonce {
		tm.nextNonce = pendingNonce
	}
	return tm.nextNonce, nil
}

// resetNonce drops the local nonce tracking in favour of the node value.
func (tm *TxManager) resetNonce(nonce uint64) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.nextNonce = nonce
	for n := range tm.pending {
		if n >= nonce {
			delete(tm.pending, n)
		}
	}
}

// gapNonces returns the tracked nonces the node does not count as pending,
// and whether all of them are older than StuckAfter.
func (tm *TxManager) gapNonces(nodePending uint64) (local uint64, tracked []uint64, allStuck bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	allStuck = true
	for n, ptx := range tm.pending {
		if n < nodePending || n >= tm.nextNonce {
			continue
		}
		tracked = append(tracked, n)
		if time.Since(ptx.Timestamp) < tm.config.StuckAfter {
			allStuck = false
		}
	}
	slices.Sort(tracked)
	return tm.nextNonce, tracked, allStuck
}

// recoverNonceGap detects local nonces the node lost, usually transactions
// dropped from its mempool. A node queues a transaction sent above the gap
// without error and never mines it, so the gap must be closed before the
// next send. Without tracked transactions in the gap the local nonce is
// reset to the node one. When every tracked transaction in the gap is older
// than StuckAfter, the gap is filled with cancel transactions so a lost
// transaction reappearing can never take the nonce of a newer one. Must be
// called with sendMu held.
func (tm *TxManager) recoverNonceGap(ctx context.Context, fees FeeCaps) error {
	nodePending, err := tm.backend.PendingNonceAt(ctx, tm.signer.Address())
	if err != nil {
		return fmt.Errorf("pending nonce: %w", err)
	}
	local, tracked, allStuck := tm.gapNonces(nodePending)
	if nodePending >= local {
		return nil
	}
	if len(tracked) == 0 {
		log.Warnw("no tracked transaction in nonce gap, resetting nonce", "from", local, "to", nodePending)
		tm.resetNonce(nodePending)
		return nil
	}
	if !allStuck {
		return nil
	}
	log.Warnw("nonce gap detected, cancelling lost transactions",
		"nodePending", nodePending,
		"localNonce", local,
		"tracked", len(tracked))

	for range local - nodePending {
		if nodePending >= local {
			break
		}
		if err := tm.sendCancelTx(ctx, nodePending, fees); err != nil {
			if !isUnderpriced(err) && !isFeeTooLow(err) {
				return fmt.Errorf("cancel nonce %d: %w", nodePending, err)
			}
			if fees, err = tm.BumpFees(ctx, fees); err != nil {
				return fmt.Errorf("bump fees for cancel: %w", err)
			}
			if err := tm.sendCancelTx(ctx, nodePending, fees); err != nil {
				return fmt.Errorf("cancel nonce %d: %w", nodePending, err)
			}
		}
		if err := sleepCtx(ctx, cancelBackoff); err != nil {
			return err
		}
		// queued transactions above the cancelled nonce may have been
		// promoted, so ask the node again
		if nodePending, err = tm.backend.PendingNonceAt(ctx, tm.signer.Address()); err != nil {
			return fmt.Errorf("pending nonce: %w", err)
		}
	}
	return nil
}

// sendCancelTx sends a 0-value transaction to self with the given nonce,
// taking the nonce of any lost transaction. An "already known" or "nonce
// too low" answer means the nonce is taken already and is not an error.
func (tm *TxManager) sendCancelTx(ctx context.Context, nonce uint64, fees FeeCaps) error {
	to := tm.signer.Address()
	var inner gtypes.TxData
	if fees.Legacy() {
		inner = &gtypes.LegacyTx{
			Nonce:    nonce,
			GasPrice: fees.GasPrice,
			Gas:      cancelGasLimit,
			To:       &to,
			Value:    big.NewInt(0),
		}
	} else {
		inner = &gtypes.DynamicFeeTx{
			ChainID:   tm.config.ChainID,
			Nonce:     nonce,
			GasTipCap: fees.TipCap,
			GasFeeCap: fees.FeeCap,
			Gas:       cancelGasLimit,
			To:        &to,
			Value:     big.NewInt(0),
		}
	}
	tx, err := tm.signer.SignTx(inner, tm.config.ChainID)
	if err != nil {
		return fmt.Errorf("%w: cancel tx: %w", ErrSigning, err)
	}
	if err := tm.backend.SendTransaction(ctx, tx); err != nil {
		if isBenignSendErr(err) {
			return nil
		}
		return err
	}
	tm.trackTransaction(tx, fees)
	log.Warnw("lost transaction cancelled", "nonce", nonce, "cancelHash", tx.Hash().Hex())
	return nil
}
