package rpc

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
)

// endpointCooldown is how long a failing endpoint stays out of rotation.
const endpointCooldown = 5 * time.Minute

// Web3Endpoint is a dialed ledger node.
type Web3Endpoint struct {
	ChainID    uint64 `json:"chainId"`
	URI        string `json:"uri"`
	client     *ethclient.Client
	disabledAt time.Time
}

func (e *Web3Endpoint) disabled() bool {
	return !e.disabledAt.IsZero()
}

// Web3Iterator hands out the endpoints of one chain in round-robin order,
// skipping the ones disabled after failures until their cooldown expires.
// When every endpoint is disabled they are all put back in rotation.
type Web3Iterator struct {
	mtx       sync.Mutex
	endpoints []*Web3Endpoint
	next      int
}

// NewWeb3Iterator creates a new Web3Iterator with the given endpoints.
func NewWeb3Iterator(endpoints ...*Web3Endpoint) *Web3Iterator {
	return &Web3Iterator{endpoints: append([]*Web3Endpoint{}, endpoints...)}
}

// Add appends endpoints to the rotation.
func (it *Web3Iterator) Add(endpoints ...*Web3Endpoint) {
	it.mtx.Lock()
	defer it.mtx.Unlock()
	it.endpoints = append(it.endpoints, endpoints...)
}

// Available returns the number of endpoints in rotation.
func (it *Web3Iterator) Available() int {
	it.mtx.Lock()
	defer it.mtx.Unlock()
	return it.enabled()
}

// Disabled returns the number of endpoints out of rotation.
func (it *Web3Iterator) Disabled() int {
	it.mtx.Lock()
	defer it.mtx.Unlock()
	return len(it.endpoints) - it.enabled()
}

func (it *Web3Iterator) enabled() int {
	it.expireCooldowns()
	n := 0
	for _, e := range it.endpoints {
		if !e.disabled() {
			n++
		}
	}
	return n
}

// Len returns the number of endpoints, enabled or not.
func (it *Web3Iterator) Len() int {
	it.mtx.Lock()
	defer it.mtx.Unlock()
	return len(it.endpoints)
}

// Next returns the next endpoint in rotation.
func (it *Web3Iterator) Next() (*Web3Endpoint, error) {
	if it == nil {
		return nil, fmt.Errorf("nil Web3Iterator")
	}
	it.mtx.Lock()
	defer it.mtx.Unlock()
	if len(it.endpoints) == 0 {
		return nil, fmt.Errorf("no registered endpoints")
	}
	it.expireCooldowns()
	for range it.endpoints {
		e := it.endpoints[it.next%len(it.endpoints)]
		it.next = (it.next + 1) % len(it.endpoints)
		if !e.disabled() {
			return e, nil
		}
	}
	// unreachable while Disable keeps at least one endpoint enabled
	return nil, fmt.Errorf("no available endpoints")
}

// Disable takes the endpoint with the given URI out of rotation. Unknown
// URIs are ignored.
func (it *Web3Iterator) Disable(uri string) {
	it.mtx.Lock()
	defer it.mtx.Unlock()
	enabled := 0
	for _, e := range it.endpoints {
		if e.URI == uri && !e.disabled() {
			e.disabledAt = time.Now()
		}
		if !e.disabled() {
			enabled++
		}
	}
	if enabled == 0 {
		for _, e := range it.endpoints {
			e.disabledAt = time.Time{}
		}
		it.next = 0
	}
}

// expireCooldowns must be called with the mutex held.
func (it *Web3Iterator) expireCooldowns() {
	now := time.Now()
	for _, e := range it.endpoints {
		if e.disabled() && now.Sub(e.disabledAt) >= endpointCooldown {
			e.disabledAt = time.Time{}
		}
	}
}
