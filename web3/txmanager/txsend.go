package txmanager

import (
	"context"
	"fmt"
	"time"

	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/vocdoni/ballotbox/log"
)

const (
	sendMaxAttempts     = 10
	retryBackoff        = 300 * time.Millisecond
	replacementWaitHint = 400 * time.Millisecond
)

// BuildFunc builds the unsigned transaction for the given nonce and fees.
type BuildFunc func(nonce uint64, fees FeeCaps) (gtypes.TxData, error)

// SendTxWithReplacement signs and broadcasts the transaction returned by
// build, reconciling the nonce with the node and bumping fees when the node
// asks for it. Sends are serialized: the call holds the account lock until
// the node accepted the transaction or the attempts are exhausted. It does
// not wait for the transaction to be mined.
func (tm *TxManager) SendTxWithReplacement(ctx context.Context, build BuildFunc) (*gtypes.Transaction, error) {
	tm.sendMu.Lock()
	defer tm.sendMu.Unlock()

	fees, err := tm.SuggestInitialFees(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial fees: %w", err)
	}
	if err := tm.recoverNonceGap(ctx, fees); err != nil {
		log.Warnw("could not recover nonce gap", "error", err)
	}

	for attempt := 1; attempt <= sendMaxAttempts; attempt++ {
		nonce, err := tm.reconcileNonce(ctx)
		if err != nil {
			return nil, err
		}
		inner, err := build(nonce, fees)
		if err != nil {
			return nil, fmt.Errorf("%w: build tx: %w", ErrSigning, err)
		}
		tx, err := tm.signer.SignTx(inner, tm.config.ChainID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSigning, err)
		}

		sendErr := tm.backend.SendTransaction(ctx, tx)
		// "already known" means a peer has our exact transaction pooled
		if sendErr == nil || isAlreadyKnown(sendErr) {
			tm.trackTransaction(tx, fees)
			log.Debugw("transaction sent",
				"hash", tx.Hash().Hex(),
				"nonce", nonce,
				"attempt", attempt,
				"legacy", fees.Legacy())
			return tx, nil
		}

		switch {
		case isInsufficientFunds(sendErr):
			return nil, fmt.Errorf("%w: %w", ErrInsufficientFunds, sendErr)
		case isNonceTooHigh(sendErr):
			// the node lost transactions tracked locally, restart from its view
			expected, err := tm.backend.PendingNonceAt(ctx, tm.signer.Address())
			if err != nil {
				return nil, fmt.Errorf("re-fetch pending nonce: %w", err)
			}
			log.Warnw("nonce too high, resetting local nonce", "used", nonce, "expected", expected)
			tm.resetNonce(expected)
		case isNonceTooLow(sendErr):
			// another transaction took the nonce, move past it
			tm.confirmNonce(nonce)
			if err := sleepCtx(ctx, retryBackoff); err != nil {
				return nil, err
			}
		case isUnderpriced(sendErr) || isFeeTooLow(sendErr):
			fees, err = tm.BumpFees(ctx, fees)
			if err != nil {
				return nil, fmt.Errorf("bump fees: %w", err)
			}
			if err := sleepCtx(ctx, replacementWaitHint); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: %w", ErrBroadcast, sendErr)
		}
		log.Debugw("retrying transaction send", "attempt", attempt, "nonce", nonce, "error", sendErr)
	}
	return nil, fmt.Errorf("%w: exhausted attempts (%d) to send tx", ErrNonceConflict, sendMaxAttempts)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
