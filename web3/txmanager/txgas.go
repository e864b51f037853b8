package txmanager

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/vocdoni/ballotbox/log"
	"github.com/vocdoni/ballotbox/web3/rpc"
)

const (
	// DefaultGasFallback is the gas limit used if every estimation method
	// fails.
	DefaultGasFallback = 300_000
	// DefaultEstimateGasTimeout is the timeout for gas estimation calls.
	DefaultEstimateGasTimeout = 20 * time.Second
)

// GasEstimateOpts allows tuning of estimator behavior
type GasEstimateOpts struct {
	MinGas    uint64        // minimum possible gas limit (default 21,000)
	MaxGas    uint64        // maximum possible gas limit (default 5,000,000)
	SafetyBps int           // safety margin in basis points (default +10%)
	Retries   int           // retry count for RPC errors (default 3)
	Backoff   time.Duration // delay between retries (default 250ms)
	Timeout   time.Duration // timeout for the whole estimation (default 20s)
	Fallback  uint64        // final fallback gas (default 300,000)
}

// DefaultGasEstimateOpts is the estimator configuration used when none is
// given.
var DefaultGasEstimateOpts = GasEstimateOpts{
	MinGas:    21_000,
	MaxGas:    5_000_000,
	SafetyBps: 1000,
	Retries:   3,
	Backoff:   250 * time.Millisecond,
	Timeout:   DefaultEstimateGasTimeout,
	Fallback:  DefaultGasFallback,
}

// withDefaults returns a copy of o with unset fields taken from the
// defaults. A nil receiver yields the defaults.
func (o *GasEstimateOpts) withDefaults() GasEstimateOpts {
	d := DefaultGasEstimateOpts
	if o == nil {
		return d
	}
	out := *o
	if out.MinGas == 0 {
		out.MinGas = d.MinGas
	}
	if out.MaxGas == 0 {
		out.MaxGas = d.MaxGas
	}
	if out.SafetyBps == 0 {
		out.SafetyBps = d.SafetyBps
	}
	if out.Retries == 0 {
		out.Retries = d.Retries
	}
	if out.Backoff == 0 {
		out.Backoff = d.Backoff
	}
	if out.Timeout == 0 {
		out.Timeout = d.Timeout
	}
	if out.Fallback == 0 {
		out.Fallback = d.Fallback
	}
	return out
}

// EstimateGas estimates the gas limit of msg. It retries eth_estimateGas,
// then falls back to a binary search with eth_call and finally to the
// configured fallback. The result gets a safety margin and is clamped to
// the configured limits and floorGasLimit. A revert is returned as an
// error since no gas limit can make the call succeed.
func (tm *TxManager) EstimateGas(ctx context.Context, msg ethereum.CallMsg, opts *GasEstimateOpts, floorGasLimit uint64) (uint64, error) {
	o := opts.withDefaults()
	internalCtx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	var (
		gas uint64
		err error
	)
	for attempt := 0; attempt <= o.Retries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(internalCtx, o.Backoff); err != nil {
				break
			}
		}
		gas, err = tm.backend.EstimateGas(internalCtx, msg)
		if err == nil {
			return applySafetyMargin(gas, floorGasLimit, o), nil
		}
		if rpc.IsRevert(err) {
			return 0, fmt.Errorf("estimate gas: %w", err)
		}
	}
	log.Warnw("estimateGas failed, falling back to binary search", "error", err)

	low, high := o.MinGas, o.MaxGas
	if cached := tm.cachedGasHint(msg); cached > 0 {
		low = max(low, cached/2)
		high = min(high, cached*2)
	}
	succeeds := func(limit uint64) bool {
		msg.Gas = limit
		_, callErr := tm.backend.CallContract(internalCtx, msg, nil)
		return callErr == nil
	}
	if succeeds(low) {
		return applySafetyMargin(low, floorGasLimit, o), nil
	}
	if !succeeds(high) {
		log.Warnw("gas estimation binary search failed, using fallback", "fallback", o.Fallback)
		return max(o.Fallback, floorGasLimit), nil
	}
	for low+1000 < high {
		mid := (low + high) / 2
		if succeeds(mid) {
			high = mid
		} else {
			low = mid + 1
		}
	}
	tm.storeGasHint(msg, high)
	return applySafetyMargin(high, floorGasLimit, o), nil
}

// applySafetyMargin adds a safety buffer and clamps to limits
func applySafetyMargin(gas, floor uint64, o GasEstimateOpts) uint64 {
	gas += (gas * uint64(o.SafetyBps)) / 10_000
	gas = max(gas, o.MinGas, floor)
	return min(gas, o.MaxGas)
}

func (tm *TxManager) cachedGasHint(msg ethereum.CallMsg) uint64 {
	tm.gasCacheMu.RLock()
	defer tm.gasCacheMu.RUnlock()
	return tm.gasCache[gasKey(msg)]
}

func (tm *TxManager) storeGasHint(msg ethereum.CallMsg, gas uint64) {
	tm.gasCacheMu.Lock()
	defer tm.gasCacheMu.Unlock()
	tm.gasCache[gasKey(msg)] = gas
}

// gasKey identifies a call by its target and function selector, or by a
// hash of target and data when there is no selector.
func gasKey(msg ethereum.CallMsg) string {
	if msg.To != nil && len(msg.Data) >= 4 {
		return msg.To.Hex() + "|" + common.Bytes2Hex(msg.Data[:4])
	}
	h := sha256.New()
	if msg.To != nil {
		h.Write(msg.To.Bytes())
	}
	h.Write(msg.Data)
	return fmt.Sprintf("%x", h.Sum(nil))
}
