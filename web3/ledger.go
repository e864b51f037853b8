// Package web3 is the ledger client of the node. It reads the ballot box
// contract and submits ballots through a single-writer transaction manager.
package web3

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru/v2"
	ethSigner "github.com/vocdoni/ballotbox/crypto/signatures/ethereum"
	"github.com/vocdoni/ballotbox/log"
	"github.com/vocdoni/ballotbox/types"
	"github.com/vocdoni/ballotbox/web3/contract"
	"github.com/vocdoni/ballotbox/web3/rpc"
	"github.com/vocdoni/ballotbox/web3/txmanager"
)

const (
	// web3QueryTimeout bounds the startup checks.
	web3QueryTimeout = 10 * time.Second
	// DefaultConfirmTimeout is the default time to wait for a receipt.
	DefaultConfirmTimeout = 60 * time.Second
	ballotCacheSize       = 1024
)

// Backend is the ledger node interface used by the client. It is
// implemented by *rpc.Client and by the in-memory ledger of ledgertest.
type Backend interface {
	txmanager.Backend
	ChainID(ctx context.Context) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*gtypes.Transaction, bool, error)
}

// Config holds the ledger client parameters.
type Config struct {
	// RPCs are the ledger node endpoints, all of the same chain.
	RPCs     []string
	Contract common.Address
	// ABI overrides the default contract interface.
	ABI    *abi.ABI
	Signer *ethSigner.Signer

	GasPolicy   txmanager.GasPolicy
	GasPrice    *big.Int
	MaxGasPrice *big.Int
	// GasLimit fixes the gas limit of submissions, 0 means estimate.
	GasLimit            uint64
	ConfirmTimeout      time.Duration
	ReceiptPollInterval time.Duration
}

// LedgerClient reads and writes the ballot box contract. It is safe for
// concurrent use; submissions are serialized by the transaction manager.
type LedgerClient struct {
	backend  Backend
	pool     *rpc.Web3Pool
	chainID  uint64
	address  common.Address
	abi      *abi.ABI
	signer   *ethSigner.Signer
	txm      *txmanager.TxManager
	config   Config
	ballots  *lru.Cache[uint64, *types.LedgerBallot]
	submitEv abi.Event
}

// New dials every configured endpoint and builds the client. Unreachable
// endpoints, mixed chain IDs or a missing contract are errors.
func New(ctx context.Context, cfg Config) (*LedgerClient, error) {
	if len(cfg.RPCs) == 0 {
		return nil, fmt.Errorf("no web3 endpoints provided")
	}
	pool := rpc.NewWeb3Pool()
	var chainID *uint64
	for _, uri := range cfg.RPCs {
		cID, err := pool.AddEndpoint(ctx, uri)
		if err != nil {
			log.Warnw("skipping web3 endpoint", "rpc", uri, "error", err)
			continue
		}
		if chainID == nil {
			chainID = &cID
		}
		if *chainID != cID {
			pool.Close()
			return nil, fmt.Errorf("web3 endpoints have different chain IDs: %d and %d", *chainID, cID)
		}
	}
	if chainID == nil {
		return nil, fmt.Errorf("%w: no web3 endpoint could be dialed", ErrConnectivity)
	}
	cli, err := pool.Client(*chainID)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectivity, err)
	}
	lc, err := NewWithBackend(ctx, cli, cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}
	lc.pool = pool
	return lc, nil
}

// NewWithBackend builds the client over an existing backend.
func NewWithBackend(ctx context.Context, backend Backend, cfg Config) (*LedgerClient, error) {
	if cfg.Signer == nil {
		return nil, fmt.Errorf("no signing key provided")
	}
	if cfg.Contract == (common.Address{}) {
		return nil, fmt.Errorf("no contract address provided")
	}
	if cfg.ABI == nil {
		cfg.ABI = contract.DefaultABI()
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, web3QueryTimeout)
	defer cancel()

	bChainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: chain ID: %w", ErrConnectivity, err)
	}
	code, err := backend.CodeAt(ctx, cfg.Contract, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: contract code: %w", ErrConnectivity, err)
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("no contract code at %s", cfg.Contract.Hex())
	}
	txm, err := txmanager.New(ctx, backend, cfg.Signer, txmanager.Config{
		ChainID:             bChainID,
		GasPolicy:           cfg.GasPolicy,
		GasPrice:            cfg.GasPrice,
		MaxGasPrice:         cfg.MaxGasPrice,
		ReceiptPollInterval: cfg.ReceiptPollInterval,
		StuckAfter:          cfg.ConfirmTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: tx manager: %w", ErrConnectivity, err)
	}
	cache, err := lru.New[uint64, *types.LedgerBallot](ballotCacheSize)
	if err != nil {
		return nil, fmt.Errorf("ballot cache: %w", err)
	}
	lastBlock, err := backend.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: block number: %w", ErrConnectivity, err)
	}
	log.Infow("ledger client initialized",
		"chainID", bChainID.Uint64(),
		"contract", cfg.Contract.Hex(),
		"account", cfg.Signer.Address().Hex(),
		"gasPolicy", txm.GasPolicy(),
		"lastBlock", lastBlock,
		"numEndpoints", len(cfg.RPCs))

	return &LedgerClient{
		backend:  backend,
		chainID:  bChainID.Uint64(),
		address:  cfg.Contract,
		abi:      cfg.ABI,
		signer:   cfg.Signer,
		txm:      txm,
		config:   cfg,
		ballots:  cache,
		submitEv: cfg.ABI.Events[contract.EventBallotSubmitted],
	}, nil
}

// Close releases the RPC endpoints.
func (lc *LedgerClient) Close() {
	if lc.pool != nil {
		lc.pool.Close()
	}
}

// ChainID returns the chain ID of the ledger.
func (lc *LedgerClient) ChainID() uint64 {
	return lc.chainID
}

// ContractAddress returns the ballot box contract address.
func (lc *LedgerClient) ContractAddress() common.Address {
	return lc.address
}

// AccountAddress returns the signing account.
func (lc *LedgerClient) AccountAddress() common.Address {
	return lc.signer.Address()
}

// PendingTransactions returns the number of broadcast transactions not yet
// seen mined.
func (lc *LedgerClient) PendingTransactions() int {
	return lc.txm.PendingCount()
}

// call runs a read-only contract call and returns the unpacked outputs.
func (lc *LedgerClient) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := lc.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	from := lc.signer.Address()
	out, err := lc.backend.CallContract(ctx, ethereum.CallMsg{From: from, To: &lc.address, Data: data}, nil)
	if err != nil {
		if rpc.IsRevert(err) {
			return nil, fmt.Errorf("%s reverted: %s", method, revertReason(err))
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectivity, method, err)
	}
	res, err := lc.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return res, nil
}

// HasVoted reports whether the ledger holds a ballot for nullifier.
func (lc *LedgerClient) HasVoted(ctx context.Context, nullifier types.HexBytes) (bool, error) {
	res, err := lc.call(ctx, contract.MethodHasVoted, nullifier.Bytes32())
	if err != nil {
		return false, err
	}
	voted, ok := res[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected %s output %T", contract.MethodHasVoted, res[0])
	}
	return voted, nil
}

// PartyVoteCount returns the ledger vote count of partyID.
func (lc *LedgerClient) PartyVoteCount(ctx context.Context, partyID uint64) (uint64, error) {
	res, err := lc.call(ctx, contract.MethodGetPartyVoteCount, new(big.Int).SetUint64(partyID))
	if err != nil {
		return 0, err
	}
	return uint64Output(contract.MethodGetPartyVoteCount, res[0])
}

// BallotCount returns the number of ballots on the ledger.
func (lc *LedgerClient) BallotCount(ctx context.Context) (uint64, error) {
	res, err := lc.call(ctx, contract.MethodBallotCount)
	if err != nil {
		return 0, err
	}
	return uint64Output(contract.MethodBallotCount, res[0])
}

// BallotByIndex returns the ballot at index. Mined ballots are immutable
// and served from cache once read.
func (lc *LedgerClient) BallotByIndex(ctx context.Context, index uint64) (*types.LedgerBallot, error) {
	if b, ok := lc.ballots.Get(index); ok {
		return b, nil
	}
	res, err := lc.call(ctx, contract.MethodGetBallot, new(big.Int).SetUint64(index))
	if err != nil {
		if errors.Is(err, ErrConnectivity) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: ballot %d: %w", ErrNotFound, index, err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("unexpected %s outputs: %d", contract.MethodGetBallot, len(res))
	}
	commitment, ok1 := res[0].([32]byte)
	ciphertext, ok2 := res[1].([]byte)
	sender, ok3 := res[2].(common.Address)
	ts, ok4 := res[3].(*big.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, fmt.Errorf("unexpected %s output types", contract.MethodGetBallot)
	}
	if commitment == ([32]byte{}) && sender == (common.Address{}) {
		return nil, fmt.Errorf("%w: ballot %d", ErrNotFound, index)
	}
	b := &types.LedgerBallot{
		Index:      index,
		Commitment: commitment[:],
		Ciphertext: ciphertext,
		Sender:     sender,
		Timestamp:  ts.Uint64(),
	}
	lc.ballots.Add(index, b)
	return b, nil
}

// TransactionStatus returns what the node knows about hash. A transaction
// in the mempool is returned with Mined unset; an unknown one is
// ErrNotFound.
func (lc *LedgerClient) TransactionStatus(ctx context.Context, hash common.Hash) (*types.TxStatus, error) {
	receipt, err := lc.backend.TransactionReceipt(ctx, hash)
	if err == nil && receipt != nil {
		status := &types.TxStatus{
			Hash:    hash,
			Mined:   true,
			Success: receipt.Status == gtypes.ReceiptStatusSuccessful,
			GasUsed: receipt.GasUsed,
		}
		if receipt.BlockNumber != nil {
			status.BlockNumber = receipt.BlockNumber.Uint64()
		}
		return status, nil
	}
	if err != nil && !errors.Is(err, ethereum.NotFound) {
		return nil, fmt.Errorf("%w: receipt: %w", ErrConnectivity, err)
	}
	_, pending, err := lc.backend.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, hash.Hex())
		}
		return nil, fmt.Errorf("%w: transaction: %w", ErrConnectivity, err)
	}
	if !pending {
		log.Debugw("transaction known without receipt", "hash", hash.Hex())
	}
	return &types.TxStatus{Hash: hash}, nil
}

// BlockNumber returns the latest block number.
func (lc *LedgerClient) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := lc.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: block number: %w", ErrConnectivity, err)
	}
	return n, nil
}

func uint64Output(method string, v any) (uint64, error) {
	n, ok := v.(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unexpected %s output %T", method, v)
	}
	if !n.IsUint64() {
		return 0, fmt.Errorf("%s output overflows uint64: %s", method, n)
	}
	return n.Uint64(), nil
}
