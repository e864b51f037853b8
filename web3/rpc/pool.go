// Package rpc keeps a pool of ledger RPC endpoints per chain and exposes a
// Client that balances calls across them, retrying on the same endpoint and
// rotating to the next one when an endpoint keeps failing.
package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/vocdoni/ballotbox/log"
)

const (
	// DefaultMaxWeb3ClientRetries is the number of dial attempts per endpoint.
	DefaultMaxWeb3ClientRetries = 5
	// dialRetrySleep is the pause between dial attempts.
	dialRetrySleep = 200 * time.Millisecond
	// checkEndpointTimeout bounds dialing plus the chain ID query.
	checkEndpointTimeout = 10 * time.Second
)

// Web3Pool holds the endpoints registered for every chain ID.
type Web3Pool struct {
	mtx       sync.RWMutex
	endpoints map[uint64]*Web3Iterator
}

// NewWeb3Pool returns an empty pool.
func NewWeb3Pool() *Web3Pool {
	return &Web3Pool{endpoints: make(map[uint64]*Web3Iterator)}
}

// AddEndpoint dials uri, queries its chain ID and adds it to the pool. It
// returns the chain ID of the endpoint.
func (p *Web3Pool) AddEndpoint(ctx context.Context, uri string) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, checkEndpointTimeout)
	defer cancel()
	client, err := connect(ctx, uri)
	if err != nil {
		return 0, err
	}
	bChainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return 0, fmt.Errorf("error getting the chainID from the web3 provider %q: %w", uri, err)
	}
	chainID := bChainID.Uint64()
	p.add(&Web3Endpoint{ChainID: chainID, URI: uri, client: client})
	log.Debugw("web3 endpoint added", "chainID", chainID, "uri", uri)
	return chainID, nil
}

func (p *Web3Pool) add(endpoint *Web3Endpoint) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if it, ok := p.endpoints[endpoint.ChainID]; ok {
		it.Add(endpoint)
		return
	}
	p.endpoints[endpoint.ChainID] = NewWeb3Iterator(endpoint)
}

func (p *Web3Pool) iterator(chainID uint64) (*Web3Iterator, bool) {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	it, ok := p.endpoints[chainID]
	return it, ok
}

// Endpoint returns the next endpoint in rotation for chainID.
func (p *Web3Pool) Endpoint(chainID uint64) (*Web3Endpoint, error) {
	if it, ok := p.iterator(chainID); ok {
		return it.Next()
	}
	return nil, fmt.Errorf("no endpoint found for chainID %d", chainID)
}

// DisableEndpoint takes uri out of the rotation of chainID.
func (p *Web3Pool) DisableEndpoint(chainID uint64, uri string) {
	if it, ok := p.iterator(chainID); ok {
		it.Disable(uri)
	}
}

// NumberOfEndpoints returns the number of endpoints for chainID, or only
// the ones currently in rotation if onlyAvailable is set.
func (p *Web3Pool) NumberOfEndpoints(chainID uint64, onlyAvailable bool) int {
	it, ok := p.iterator(chainID)
	if !ok {
		return 0
	}
	if onlyAvailable {
		return it.Available()
	}
	return it.Len()
}

// Client returns a Client bound to chainID.
func (p *Web3Pool) Client(chainID uint64) (*Client, error) {
	if _, err := p.Endpoint(chainID); err != nil {
		return nil, fmt.Errorf("error getting endpoint for chainID %d: %w", chainID, err)
	}
	return &Client{w3p: p, chainID: chainID}, nil
}

// Close closes every dialed endpoint.
func (p *Web3Pool) Close() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for _, it := range p.endpoints {
		it.mtx.Lock()
		for _, e := range it.endpoints {
			if e.client != nil {
				e.client.Close()
			}
		}
		it.mtx.Unlock()
	}
}

// connect dials uri up to DefaultMaxWeb3ClientRetries times.
func connect(ctx context.Context, uri string) (client *ethclient.Client, err error) {
	for i := range DefaultMaxWeb3ClientRetries {
		if client, err = ethclient.DialContext(ctx, uri); err == nil {
			return client, nil
		}
		if i < DefaultMaxWeb3ClientRetries-1 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("error dialing web3 provider %q: %w", uri, ctx.Err())
			case <-time.After(dialRetrySleep):
			}
		}
	}
	return nil, fmt.Errorf("error dialing web3 provider %q: %w", uri, err)
}
