package txmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/vocdoni/ballotbox/log"
)

// WaitReceipt polls the receipt of hash until it is mined, timeout elapses
// or ctx is done. A timeout returns an error wrapping ErrWaitTimeout: the
// transaction may still be mined later. A zero timeout uses the default.
func (tm *TxManager) WaitReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*gtypes.Receipt, error) {
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(tm.config.ReceiptPollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := tm.backend.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			if ptx, ok := tm.PendingTx(hash); ok {
				tm.confirmNonce(ptx.Nonce)
			}
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			lastErr = err
			log.Debugw("receipt query failed", "hash", hash.Hex(), "error", err)
		}
		select {
		case <-waitCtx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("%w: %s (last error: %v)", ErrWaitTimeout, hash.Hex(), lastErr)
			}
			return nil, fmt.Errorf("%w: %s", ErrWaitTimeout, hash.Hex())
		case <-ticker.C:
		}
	}
}
