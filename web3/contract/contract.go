// Package contract holds the interface of the ballot box contract and its
// deployment descriptor.
package contract

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Method and event names of the contract.
const (
	MethodSubmitBallot      = "submitBallot"
	MethodHasVoted          = "hasVoted"
	MethodGetPartyVoteCount = "getPartyVoteCount"
	MethodGetBallot         = "getBallot"
	MethodBallotCount       = "ballotCount"
	EventBallotSubmitted    = "BallotSubmitted"

	// RevertAlreadyVoted is the revert reason of a duplicate nullifier.
	RevertAlreadyVoted = "already voted"
)

// BallotBoxABI is the default contract interface.
const BallotBoxABI = `[
  {"type":"function","name":"submitBallot","stateMutability":"nonpayable",
   "inputs":[{"name":"nullifierHash","type":"bytes32"},{"name":"commitment","type":"bytes32"},{"name":"ciphertext","type":"bytes"}],
   "outputs":[]},
  {"type":"event","name":"BallotSubmitted","anonymous":false,
   "inputs":[{"name":"index","type":"uint256","indexed":true},{"name":"nullifierHash","type":"bytes32","indexed":true},{"name":"commitment","type":"bytes32","indexed":false}]},
  {"type":"function","name":"hasVoted","stateMutability":"view",
   "inputs":[{"name":"nullifierHash","type":"bytes32"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getPartyVoteCount","stateMutability":"view",
   "inputs":[{"name":"partyId","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getBallot","stateMutability":"view",
   "inputs":[{"name":"index","type":"uint256"}],
   "outputs":[{"name":"commitment","type":"bytes32"},{"name":"ciphertext","type":"bytes"},{"name":"sender","type":"address"},{"name":"timestamp","type":"uint256"}]},
  {"type":"function","name":"ballotCount","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"uint256"}]}
]`

var requiredMethods = []string{
	MethodSubmitBallot,
	MethodHasVoted,
	MethodGetPartyVoteCount,
	MethodGetBallot,
	MethodBallotCount,
}

// DefaultABI returns the parsed default contract interface.
func DefaultABI() *abi.ABI {
	parsed, err := ParseABI([]byte(BallotBoxABI))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded ABI: %v", err))
	}
	return parsed
}

// ParseABI parses a JSON contract interface and checks it exposes every
// method and event the node uses.
func ParseABI(data []byte) (*abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(string(data)))
	if err != nil {
		return nil, fmt.Errorf("parse ABI: %w", err)
	}
	for _, m := range requiredMethods {
		if _, ok := parsed.Methods[m]; !ok {
			return nil, fmt.Errorf("ABI has no method %q", m)
		}
	}
	if _, ok := parsed.Events[EventBallotSubmitted]; !ok {
		return nil, fmt.Errorf("ABI has no event %q", EventBallotSubmitted)
	}
	return &parsed, nil
}

// Deployment is the descriptor cached after the contract is deployed.
type Deployment struct {
	Address common.Address  `json:"address"`
	ABI     json.RawMessage `json:"abi"`
}

// ParsedABI returns the descriptor ABI, or the default one when the
// descriptor carries none.
func (d *Deployment) ParsedABI() (*abi.ABI, error) {
	if len(d.ABI) == 0 || string(d.ABI) == "null" {
		return DefaultABI(), nil
	}
	return ParseABI(d.ABI)
}

// LoadDeployment reads a deployment descriptor from path.
func LoadDeployment(path string) (*Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read deployment descriptor: %w", err)
	}
	d := &Deployment{}
	if err := json.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("decode deployment descriptor %s: %w", path, err)
	}
	if d.Address == (common.Address{}) {
		return nil, fmt.Errorf("deployment descriptor %s has no address", path)
	}
	return d, nil
}

// SaveDeployment writes d to path, creating the parent directory.
func SaveDeployment(path string, d *Deployment) error {
	if len(d.ABI) == 0 {
		d.ABI = json.RawMessage(BallotBoxABI)
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("encode deployment descriptor: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create descriptor dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
