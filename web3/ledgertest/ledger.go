// Package ledgertest provides an in-memory ledger node running the ballot
// box contract, for tests. It validates and executes signed transactions
// the way a development chain does, mining each one in its own block.
package ledgertest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/vocdoni/ballotbox/crypto/sealer"
	"github.com/vocdoni/ballotbox/web3/contract"
)

const (
	// ChainID of the fake ledger.
	ChainID = 1337

	submitGas   = 120_000
	blockTime   = 2
	genesisTime = 1_700_000_000
)

// ContractAddress is where the ballot box contract lives.
var ContractAddress = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

// ErrUnreachable is returned by every call while the ledger is offline.
var ErrUnreachable = errors.New("dial tcp 127.0.0.1:7545: connect: connection refused")

// Options configures the fake ledger.
type Options struct {
	// Legacy disables the base fee, like a pre-London development chain.
	Legacy bool
	// AuthorityPublicKey and AuthorityPrivateKey, when set, let the ledger
	// open ciphertexts to keep per-party vote counts.
	AuthorityPublicKey  *[32]byte
	AuthorityPrivateKey *[32]byte
	// QueueFutureNonces accepts transactions above the next nonce of the
	// sender into a queue, as geth and Ganache do, instead of rejecting them
	// with "nonce too high". A queued transaction is executed once the gap
	// below it is filled.
	QueueFutureNonces bool
}

type ballot struct {
	commitment [32]byte
	nullifier  [32]byte
	ciphertext []byte
	sender     common.Address
	timestamp  uint64
}

type txEntry struct {
	tx      *gtypes.Transaction
	from    common.Address
	receipt *gtypes.Receipt
}

// Ledger is an in-memory ledger node implementing the client backend.
type Ledger struct {
	mu      sync.Mutex
	opts    Options
	abi     *abi.ABI
	signer  gtypes.Signer
	headers []*gtypes.Header

	nonces     map[common.Address]uint64
	txs        map[common.Hash]*txEntry
	mempool    []common.Hash
	queued     map[common.Address]map[uint64]*txEntry
	ballots    []ballot
	nullifiers map[[32]byte]bool
	parties    map[uint64]uint64

	neverMine   bool
	offline     bool
	sendErrs    []error
	submissions int
}

// New creates a ledger with the contract deployed at ContractAddress.
func New(opts Options) *Ledger {
	l := &Ledger{
		opts:       opts,
		abi:        contract.DefaultABI(),
		signer:     gtypes.LatestSignerForChainID(big.NewInt(ChainID)),
		nonces:     make(map[common.Address]uint64),
		txs:        make(map[common.Hash]*txEntry),
		queued:     make(map[common.Address]map[uint64]*txEntry),
		nullifiers: make(map[[32]byte]bool),
		parties:    make(map[uint64]uint64),
	}
	l.headers = append(l.headers, l.newHeader(0))
	return l
}

func (l *Ledger) newHeader(number uint64) *gtypes.Header {
	h := &gtypes.Header{
		Number:   new(big.Int).SetUint64(number),
		Time:     genesisTime + number*blockTime,
		GasLimit: 30_000_000,
	}
	if !l.opts.Legacy {
		h.BaseFee = big.NewInt(1_000_000_000)
	}
	return h
}

// SetNeverMine keeps new transactions in the mempool until MineAll.
func (l *Ledger) SetNeverMine(never bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.neverMine = never
}

// SetOffline makes every call fail with ErrUnreachable.
func (l *Ledger) SetOffline(offline bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offline = offline
}

// InjectSendErrors makes the next SendTransaction calls fail with errs, in
// order. A nil entry lets the call through.
func (l *Ledger) InjectSendErrors(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendErrs = append(l.sendErrs, errs...)
}

// MineAll mines every transaction of the mempool.
func (l *Ledger) MineAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, h := range l.mempool {
		l.mine(l.txs[h])
	}
	l.mempool = nil
}

// DropMempool forgets the transactions of the mempool and the queue, as a
// restarted node would.
func (l *Ledger) DropMempool() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, h := range l.mempool {
		e := l.txs[h]
		delete(l.txs, h)
		if l.nonces[e.from] > e.tx.Nonce() {
			l.nonces[e.from] = e.tx.Nonce()
		}
	}
	l.mempool = nil
	for from, q := range l.queued {
		for _, e := range q {
			delete(l.txs, e.tx.Hash())
		}
		delete(l.queued, from)
	}
}

// Queued returns the number of transactions waiting for a lower nonce.
func (l *Ledger) Queued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, q := range l.queued {
		n += len(q)
	}
	return n
}

// BallotTotal returns the number of ballots stored.
func (l *Ledger) BallotTotal() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ballots)
}

// Submissions returns the number of submitBallot transactions accepted.
func (l *Ledger) Submissions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submissions
}

// AddForeignBallot stores a ballot as if another submitter had sent it.
func (l *Ledger) AddForeignBallot(nullifier, commitment [32]byte, ciphertext []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendHeader()
	l.storeBallot(nullifier, commitment, ciphertext, common.HexToAddress("0xf0"))
}

func (l *Ledger) latest() *gtypes.Header {
	return l.headers[len(l.headers)-1]
}

func (l *Ledger) appendHeader() *gtypes.Header {
	h := l.newHeader(uint64(len(l.headers)))
	l.headers = append(l.headers, h)
	return h
}

func (l *Ledger) storeBallot(nullifier, commitment [32]byte, ciphertext []byte, sender common.Address) uint64 {
	index := uint64(len(l.ballots))
	l.ballots = append(l.ballots, ballot{
		commitment: commitment,
		nullifier:  nullifier,
		ciphertext: bytes.Clone(ciphertext),
		sender:     sender,
		timestamp:  l.latest().Time,
	})
	l.nullifiers[nullifier] = true
	if l.opts.AuthorityPublicKey != nil && l.opts.AuthorityPrivateKey != nil {
		if p, err := sealer.Open(ciphertext, l.opts.AuthorityPublicKey, l.opts.AuthorityPrivateKey); err == nil {
			l.parties[p.CandidateID]++
		}
	}
	return index
}

// mine executes e in a new block. Must be called with the mutex held.
func (l *Ledger) mine(e *txEntry) {
	h := l.appendHeader()
	receipt := &gtypes.Receipt{
		Type:              e.tx.Type(),
		Status:            gtypes.ReceiptStatusSuccessful,
		TxHash:            e.tx.Hash(),
		GasUsed:           21_000,
		CumulativeGasUsed: 21_000,
		BlockNumber:       new(big.Int).Set(h.Number),
		BlockHash:         h.Hash(),
	}
	if to := e.tx.To(); to != nil && *to == ContractAddress {
		receipt.GasUsed, receipt.CumulativeGasUsed = submitGas, submitGas
		logs, err := l.execute(e.from, e.tx.Data())
		if err != nil {
			receipt.Status = gtypes.ReceiptStatusFailed
		}
		for _, lg := range logs {
			lg.TxHash, lg.BlockNumber, lg.BlockHash = e.tx.Hash(), h.Number.Uint64(), h.Hash()
		}
		receipt.Logs = logs
	}
	e.receipt = receipt
}

// execute runs a state-changing call. Must be called with the mutex held.
func (l *Ledger) execute(from common.Address, data []byte) ([]*gtypes.Log, error) {
	method, args, err := l.decode(data)
	if err != nil {
		return nil, err
	}
	if method.Name != contract.MethodSubmitBallot {
		return nil, revert("not a transaction method")
	}
	nullifier, commitment, ciphertext := args[0].([32]byte), args[1].([32]byte), args[2].([]byte)
	if l.nullifiers[nullifier] {
		return nil, revert(contract.RevertAlreadyVoted)
	}
	index := l.storeBallot(nullifier, commitment, ciphertext, from)
	ev := l.abi.Events[contract.EventBallotSubmitted]
	evData, err := ev.Inputs.NonIndexed().Pack(commitment)
	if err != nil {
		return nil, err
	}
	return []*gtypes.Log{{
		Address: ContractAddress,
		Topics: []common.Hash{
			ev.ID,
			common.BigToHash(new(big.Int).SetUint64(index)),
			common.Hash(nullifier),
		},
		Data: evData,
	}}, nil
}

// view runs a read-only call. Must be called with the mutex held.
func (l *Ledger) view(data []byte) ([]byte, error) {
	method, args, err := l.decode(data)
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case contract.MethodSubmitBallot:
		if l.nullifiers[args[0].([32]byte)] {
			return nil, revert(contract.RevertAlreadyVoted)
		}
		return nil, nil
	case contract.MethodHasVoted:
		return method.Outputs.Pack(l.nullifiers[args[0].([32]byte)])
	case contract.MethodGetPartyVoteCount:
		party := args[0].(*big.Int)
		return method.Outputs.Pack(new(big.Int).SetUint64(l.parties[party.Uint64()]))
	case contract.MethodBallotCount:
		return method.Outputs.Pack(big.NewInt(int64(len(l.ballots))))
	case contract.MethodGetBallot:
		index := args[0].(*big.Int)
		if !index.IsUint64() || index.Uint64() >= uint64(len(l.ballots)) {
			return nil, revert("invalid ballot index")
		}
		b := l.ballots[index.Uint64()]
		return method.Outputs.Pack(b.commitment, b.ciphertext, b.sender, new(big.Int).SetUint64(b.timestamp))
	}
	return nil, revert("unknown method")
}

func (l *Ledger) decode(data []byte) (*abi.Method, []any, error) {
	if len(data) < 4 {
		return nil, nil, revert("no selector")
	}
	method, err := l.abi.MethodById(data[:4])
	if err != nil {
		return nil, nil, revert("unknown selector")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, revert("malformed calldata")
	}
	return method, args, nil
}

// revertError mimics the JSON-RPC error of a reverted call.
type revertError struct {
	reason string
	data   []byte
}

func revert(reason string) error {
	strType, _ := abi.NewType("string", "", nil)
	packed, _ := abi.Arguments{{Type: strType}}.Pack(reason)
	// Error(string) selector
	data := append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...)
	return &revertError{reason: reason, data: data}
}

func (e *revertError) Error() string  { return "execution reverted: " + e.reason }
func (e *revertError) ErrorCode() int { return 3 }
func (e *revertError) ErrorData() any { return hexutil.Encode(e.data) }

func (l *Ledger) check() error {
	if l.offline {
		return ErrUnreachable
	}
	return nil
}

// ChainID implements the client backend.
func (l *Ledger) ChainID(context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return big.NewInt(ChainID), l.check()
}

// CodeAt implements the client backend.
func (l *Ledger) CodeAt(_ context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(); err != nil {
		return nil, err
	}
	if account == ContractAddress {
		return []byte{0x60, 0x80, 0x60, 0x40, 0x52}, nil
	}
	return nil, nil
}

// BlockNumber implements the client backend.
func (l *Ledger) BlockNumber(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latest().Number.Uint64(), l.check()
}

// HeaderByNumber implements the client backend.
func (l *Ledger) HeaderByNumber(_ context.Context, number *big.Int) (*gtypes.Header, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(); err != nil {
		return nil, err
	}
	if number == nil {
		return gtypes.CopyHeader(l.latest()), nil
	}
	if !number.IsUint64() || number.Uint64() >= uint64(len(l.headers)) {
		return nil, ethereum.NotFound
	}
	return gtypes.CopyHeader(l.headers[number.Uint64()]), nil
}

// CallContract implements the client backend.
func (l *Ledger) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(); err != nil {
		return nil, err
	}
	if msg.To == nil || *msg.To != ContractAddress {
		return nil, nil
	}
	if msg.Gas != 0 && msg.Gas < submitGas {
		return nil, errors.New("out of gas")
	}
	return l.view(msg.Data)
}

// EstimateGas implements the client backend.
func (l *Ledger) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(); err != nil {
		return 0, err
	}
	if msg.To == nil || *msg.To != ContractAddress {
		return 21_000, nil
	}
	if _, err := l.view(msg.Data); err != nil {
		return 0, err
	}
	return submitGas, nil
}

// SuggestGasPrice implements the client backend.
func (l *Ledger) SuggestGasPrice(context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return big.NewInt(2_000_000_000), l.check()
}

// SuggestGasTipCap implements the client backend.
func (l *Ledger) SuggestGasTipCap(context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return big.NewInt(1_000_000_000), l.check()
}

// NonceAt implements the client backend. It counts mined transactions.
func (l *Ledger) NonceAt(_ context.Context, account common.Address, _ *big.Int) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(); err != nil {
		return 0, err
	}
	n := l.nonces[account]
	for _, h := range l.mempool {
		if l.txs[h].from == account {
			n--
		}
	}
	return n, nil
}

// PendingNonceAt implements the client backend.
func (l *Ledger) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nonces[account], l.check()
}

// SendTransaction implements the client backend.
func (l *Ledger) SendTransaction(_ context.Context, tx *gtypes.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(); err != nil {
		return err
	}
	if len(l.sendErrs) > 0 {
		err := l.sendErrs[0]
		l.sendErrs = l.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	if tx.ChainId().Cmp(big.NewInt(ChainID)) != 0 {
		return fmt.Errorf("invalid chain id %s", tx.ChainId())
	}
	from, err := gtypes.Sender(l.signer, tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if _, ok := l.txs[tx.Hash()]; ok {
		return errors.New("already known")
	}
	expected := l.nonces[from]
	switch {
	case tx.Nonce() < expected:
		return fmt.Errorf("nonce too low: next nonce %d, tx nonce %d", expected, tx.Nonce())
	case tx.Nonce() > expected && !l.opts.QueueFutureNonces:
		return fmt.Errorf("nonce too high: next nonce %d, tx nonce %d", expected, tx.Nonce())
	}
	if tx.Gas() < 21_000 {
		return errors.New("intrinsic gas too low")
	}
	if baseFee := l.latest().BaseFee; baseFee != nil && tx.GasFeeCap().Cmp(baseFee) < 0 {
		return fmt.Errorf("max fee per gas less than block base fee: %s < %s", tx.GasFeeCap(), baseFee)
	}
	if to := tx.To(); to != nil && *to == ContractAddress && tx.Gas() < submitGas {
		return errors.New("intrinsic gas too low")
	}

	if tx.Nonce() > expected {
		if _, ok := l.queued[from][tx.Nonce()]; ok {
			return errors.New("replacement transaction underpriced")
		}
		if l.queued[from] == nil {
			l.queued[from] = make(map[uint64]*txEntry)
		}
		e := &txEntry{tx: tx, from: from}
		l.queued[from][tx.Nonce()] = e
		l.txs[tx.Hash()] = e
		l.countSubmission(tx)
		return nil
	}

	e := &txEntry{tx: tx, from: from}
	l.txs[tx.Hash()] = e
	l.countSubmission(tx)
	l.accept(e)
	// promote the queued transactions the accepted one unblocked
	for {
		next, ok := l.queued[from][l.nonces[from]]
		if !ok {
			break
		}
		delete(l.queued[from], l.nonces[from])
		l.accept(next)
	}
	return nil
}

func (l *Ledger) countSubmission(tx *gtypes.Transaction) {
	if to := tx.To(); to != nil && *to == ContractAddress {
		l.submissions++
	}
}

// accept takes the next nonce of the sender and mines e, or pools it when
// mining is disabled. Must be called with the mutex held.
func (l *Ledger) accept(e *txEntry) {
	l.nonces[e.from]++
	if l.neverMine {
		l.mempool = append(l.mempool, e.tx.Hash())
		return
	}
	l.mine(e)
}

// TransactionReceipt implements the client backend.
func (l *Ledger) TransactionReceipt(_ context.Context, hash common.Hash) (*gtypes.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(); err != nil {
		return nil, err
	}
	e, ok := l.txs[hash]
	if !ok || e.receipt == nil {
		return nil, ethereum.NotFound
	}
	return e.receipt, nil
}

// TransactionByHash implements the client backend.
func (l *Ledger) TransactionByHash(_ context.Context, hash common.Hash) (*gtypes.Transaction, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(); err != nil {
		return nil, false, err
	}
	e, ok := l.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return e.tx, e.receipt == nil, nil
}
