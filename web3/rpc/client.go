package rpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/vocdoni/ballotbox/log"
)

const (
	// defaultRetries is the number of attempts on one endpoint before
	// switching to the next.
	defaultRetries = 2
	// defaultRetrySleep is the pause between attempts on the same endpoint.
	defaultRetrySleep = 200 * time.Millisecond
)

var defaultTimeout = 5 * time.Second

var (
	// ErrNoEndpoints is returned when the pool has no endpoint for the chain.
	ErrNoEndpoints = errors.New("no endpoints available")
	// ErrEndpointsExhausted is returned when every endpoint failed the call.
	ErrEndpointsExhausted = errors.New("all endpoints exhausted")
)

// Client balances calls for one chain ID across the endpoints of a
// Web3Pool. Each call gets its own timeout derived from the caller context.
type Client struct {
	w3p     *Web3Pool
	chainID uint64
}

// ChainIDNumber returns the chain ID the client is bound to.
func (c *Client) ChainIDNumber() uint64 {
	return c.chainID
}

// ChainID returns the chain ID reported by the node.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return retryCall(c, ctx, func(ctx context.Context, e *Web3Endpoint) (*big.Int, error) {
		return e.client.ChainID(ctx)
	})
}

// CodeAt returns the contract code of account.
func (c *Client) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return retryCall(c, ctx, func(ctx context.Context, e *Web3Endpoint) ([]byte, error) {
		return e.client.CodeAt(ctx, account, blockNumber)
	})
}

// CallContract executes a read-only message call.
func (c *Client) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return retryCall(c, ctx, func(ctx context.Context, e *Web3Endpoint) ([]byte, error) {
		return e.client.CallContract(ctx, call, blockNumber)
	})
}

// EstimateGas estimates the gas needed by msg.
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return retryCall(c, ctx, func(ctx context.Context, e *Web3Endpoint) (uint64, error) {
		return e.client.EstimateGas(ctx, msg)
	})
}

// HeaderByNumber returns a block header, the latest one if number is nil.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error) {
	return retryCall(c, ctx, func(ctx context.Context, e *Web3Endpoint) (*gethtypes.Header, error) {
		return e.client.HeaderByNumber(ctx, number)
	})
}

// BlockNumber returns the latest block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return retryCall(c, ctx, func(ctx context.Context, e *Web3Endpoint) (uint64, error) {
		return e.client.BlockNumber(ctx)
	})
}

// NonceAt returns the confirmed nonce of account.
func (c *Client) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	return retryCall(c, ctx, func(ctx context.Context, e *Web3Endpoint) (uint64, error) {
		return e.client.NonceAt(ctx, account, blockNumber)
	})
}

// PendingNonceAt returns the next nonce of account including the mempool.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return retryCall(c, ctx, func(ctx context.Context, e *Web3Endpoint) (uint64, error) {
		return e.client.PendingNonceAt(ctx, account)
	})
}

// SuggestGasPrice returns the legacy gas price suggested by the node.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return retryCall(c, ctx, func(ctx context.Context, e *Web3Endpoint) (*big.Int, error) {
		return e.client.SuggestGasPrice(ctx)
	})
}

// SuggestGasTipCap returns the priority fee suggested by the node.
func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return retryCall(c, ctx, func(ctx context.Context, e *Web3Endpoint) (*big.Int, error) {
		return e.client.SuggestGasTipCap(ctx)
	})
}

// BalanceAt returns the balance of account.
func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return retryCall(c, ctx, func(ctx context.Context, e *Web3Endpoint) (*big.Int, error) {
		return e.client.BalanceAt(ctx, account, blockNumber)
	})
}

// SendTransaction broadcasts a signed transaction. Transaction pool
// rejections are returned as is, without retrying.
func (c *Client) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	_, err := retryCall(c, ctx, func(ctx context.Context, e *Web3Endpoint) (struct{}, error) {
		return struct{}{}, e.client.SendTransaction(ctx, tx)
	})
	return err
}

// TransactionReceipt returns the receipt of a mined transaction, or an
// error wrapping ethereum.NotFound.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	return retryCall(c, ctx, func(ctx context.Context, e *Web3Endpoint) (*gethtypes.Receipt, error) {
		return e.client.TransactionReceipt(ctx, hash)
	})
}

// TransactionByHash returns a transaction known to the node and whether it
// is still pending.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error) {
	type result struct {
		tx      *gethtypes.Transaction
		pending bool
	}
	res, err := retryCall(c, ctx, func(ctx context.Context, e *Web3Endpoint) (result, error) {
		tx, pending, err := e.client.TransactionByHash(ctx, hash)
		return result{tx, pending}, err
	})
	return res.tx, res.pending, err
}

// retryCall runs fn with a per-attempt timeout through retryAndCheckErr.
func retryCall[T any](c *Client, ctx context.Context, fn func(context.Context, *Web3Endpoint) (T, error)) (T, error) {
	return retryAndCheckErr(c, ctx, func(e *Web3Endpoint) (T, error) {
		internalCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
		return fn(internalCtx, e)
	})
}

// retryAndCheckErr retries fn on the current endpoint and, once the
// retries are exhausted, disables it and moves on to the next one until
// every endpoint of the chain was tried. Permanent errors are returned
// straight away.
func retryAndCheckErr[T any](c *Client, ctx context.Context, fn func(*Web3Endpoint) (T, error)) (T, error) {
	var zero T
	totalEndpoints := c.w3p.NumberOfEndpoints(c.chainID, false)
	if totalEndpoints == 0 {
		return zero, fmt.Errorf("%w for chainID %d", ErrNoEndpoints, c.chainID)
	}
	tried := make(map[string]bool)
	var lastErr error
	for attempt := 0; attempt < totalEndpoints; attempt++ {
		endpoint, err := c.w3p.Endpoint(c.chainID)
		if err != nil {
			return zero, fmt.Errorf("error getting endpoint for chainID %d: %w", c.chainID, err)
		}
		if tried[endpoint.URI] {
			break
		}
		tried[endpoint.URI] = true

		for retry := range defaultRetries {
			res, err := fn(endpoint)
			if err == nil {
				if attempt > 0 {
					log.Infow("RPC call succeeded after endpoint switch",
						"chainID", c.chainID,
						"uri", endpoint.URI,
						"endpointAttempts", attempt+1)
				}
				return res, nil
			}
			if IsPermanentError(err) {
				return zero, err
			}
			if ctx.Err() != nil {
				return zero, fmt.Errorf("%w: %w", ctx.Err(), err)
			}
			lastErr = err
			if rpcErr := ParseError(err); rpcErr != nil && rpcErr.Code != 0 {
				lastErr = fmt.Errorf("%w (code: %d, data: %s)", err, rpcErr.Code, rpcErr.Data)
			}
			if retry < defaultRetries-1 {
				select {
				case <-ctx.Done():
					return zero, ctx.Err()
				case <-time.After(defaultRetrySleep):
				}
			}
		}
		log.Warnw("endpoint failed after retries, switching to next",
			"chainID", c.chainID,
			"uri", endpoint.URI,
			"error", lastErr,
			"retries", defaultRetries)
		c.w3p.DisableEndpoint(c.chainID, endpoint.URI)
	}
	return zero, fmt.Errorf("%w for chainID %d after %d attempts: %w",
		ErrEndpointsExhausted, c.chainID, len(tried), lastErr)
}
