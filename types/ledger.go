package types

import (
	"github.com/ethereum/go-ethereum/common"
)

// LedgerBallot is the on-chain ballot record. Ballots are append-only and
// indexed by a monotonically increasing index; they are immutable once mined.
type LedgerBallot struct {
	Index      uint64         `json:"index"`
	Commitment HexBytes       `json:"commitment"`
	Ciphertext HexBytes       `json:"ciphertext"`
	Sender     common.Address `json:"sender"`
	Timestamp  uint64         `json:"timestamp"`
}

// TxRef is the result of a confirmed ballot submission.
type TxRef struct {
	TxHash      common.Hash `json:"txHash"`
	BallotIndex uint64      `json:"ballotIndex"`
	BlockNumber uint64      `json:"blockNumber"`
	Timestamp   uint64      `json:"timestamp"`
}

// TxStatus describes what the ledger node knows about a transaction. A
// transaction known to the node but not yet included in a block has Mined
// set to false.
type TxStatus struct {
	Hash        common.Hash `json:"hash"`
	Mined       bool        `json:"mined"`
	Success     bool        `json:"success"`
	BlockNumber uint64      `json:"blockNumber"`
	GasUsed     uint64      `json:"gasUsed"`
}
