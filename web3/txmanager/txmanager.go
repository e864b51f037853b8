// Package txmanager sends the transactions of a single signing account.
// Nonce assignment and broadcast are serialized: only one send is in
// progress at a time, so concurrent callers never race for a nonce.
package txmanager

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	ethSigner "github.com/vocdoni/ballotbox/crypto/signatures/ethereum"
)

const (
	defaultReceiptPollInterval = 500 * time.Millisecond
	defaultWaitTimeout         = 2 * time.Minute
)

// Backend is the part of the ledger RPC client used by the manager.
type Backend interface {
	ethereum.GasEstimator
	ethereum.GasPricer
	ethereum.ContractCaller
	HeaderByNumber(ctx context.Context, number *big.Int) (*gtypes.Header, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gtypes.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*gtypes.Receipt, error)
}

// Config holds configuration for the transaction manager.
type Config struct {
	ChainID   *big.Int
	GasPolicy GasPolicy
	// GasPrice is the fixed legacy gas price in wei. When nil the node
	// suggestion is used.
	GasPrice *big.Int
	// MaxGasPrice caps the price per gas of any attempt, nil means no cap.
	MaxGasPrice *big.Int
	// ReceiptPollInterval is the pause between receipt queries.
	ReceiptPollInterval time.Duration
	// StuckAfter is the age after which a transaction the node no longer
	// counts in its pending nonce is considered lost.
	StuckAfter time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig(chainID uint64) Config {
	return Config{
		ChainID:             new(big.Int).SetUint64(chainID),
		GasPolicy:           GasPolicyAuto,
		ReceiptPollInterval: defaultReceiptPollInterval,
	}
}

// PendingTransaction is a transaction broadcast but not yet seen mined.
type PendingTransaction struct {
	Hash      common.Hash
	Nonce     uint64
	Timestamp time.Time
	Fees      FeeCaps
}

// TxManager handles nonce assignment, fee selection and replacement of the
// transactions sent by one account.
type TxManager struct {
	backend Backend
	signer  *ethSigner.Signer
	config  Config

	// sendMu serializes nonce assignment and broadcast
	sendMu    sync.Mutex
	mu        sync.RWMutex
	nextNonce uint64
	pending   map[uint64]*PendingTransaction

	gasCacheMu sync.RWMutex
	gasCache   map[string]uint64
}

// New creates a transaction manager and initializes the nonce tracking from
// the confirmed on-chain nonce of the signer.
func New(ctx context.Context, backend Backend, signer *ethSigner.Signer, config Config) (*TxManager, error) {
	if signer == nil {
		return nil, fmt.Errorf("no signer defined")
	}
	if config.ChainID == nil {
		return nil, fmt.Errorf("no chain ID defined")
	}
	if config.GasPolicy == "" {
		config.GasPolicy = GasPolicyAuto
	}
	if config.ReceiptPollInterval == 0 {
		config.ReceiptPollInterval = defaultReceiptPollInterval
	}
	if config.StuckAfter == 0 {
		config.StuckAfter = defaultWaitTimeout
	}
	nonce, err := backend.NonceAt(ctx, signer.Address(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get on-chain nonce: %w", err)
	}
	return &TxManager{
		backend:   backend,
		signer:    signer,
		config:    config,
		nextNonce: nonce,
		pending:   make(map[uint64]*PendingTransaction),
		gasCache:  make(map[string]uint64),
	}, nil
}

// Address returns the signing account.
func (tm *TxManager) Address() common.Address {
	return tm.signer.Address()
}

// GasPolicy returns the configured gas policy.
func (tm *TxManager) GasPolicy() GasPolicy {
	return tm.config.GasPolicy
}

// NextNonce returns the next nonce the manager expects to use.
func (tm *TxManager) NextNonce() uint64 {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.nextNonce
}

// PendingCount returns the number of transactions broadcast and not yet
// seen mined.
func (tm *TxManager) PendingCount() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.pending)
}

// PendingTx returns a copy of the pending transaction with the given hash.
func (tm *TxManager) PendingTx(hash common.Hash) (PendingTransaction, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	for _, ptx := range tm.pending {
		if ptx.Hash == hash {
			return *ptx, true
		}
	}
	return PendingTransaction{}, false
}

// trackTransaction registers a broadcast transaction.
func (tm *TxManager) trackTransaction(tx *gtypes.Transaction, fees FeeCaps) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.pending[tx.Nonce()] = &PendingTransaction{
		Hash:      tx.Hash(),
		Nonce:     tx.Nonce(),
		Timestamp: time.Now(),
		Fees:      fees,
	}
	if tx.Nonce() >= tm.nextNonce {
		tm.nextNonce = tx.Nonce() + 1
	}
}

// confirmNonce forgets every pending transaction with a nonce lower or
// equal than the one of a mined transaction.
func (tm *TxManager) confirmNonce(nonce uint64) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for n := range tm.pending {
		if n <= nonce {
			delete(tm.pending, n)
		}
	}
	if tm.nextNonce <= nonce {
		tm.nextNonce = nonce + 1
	}
}
