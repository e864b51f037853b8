package web3

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/vocdoni/ballotbox/log"
	"github.com/vocdoni/ballotbox/types"
	"github.com/vocdoni/ballotbox/web3/contract"
	"github.com/vocdoni/ballotbox/web3/rpc"
	"github.com/vocdoni/ballotbox/web3/txmanager"
)

// SubmitBallot writes a ballot to the ledger and waits for it to be mined.
// It returns ErrDuplicateVote if the nullifier is already on the ledger,
// or a *SubmissionError for any other failure. Calls are serialized per
// signing account.
func (lc *LedgerClient) SubmitBallot(ctx context.Context, nullifier, commitment types.HexBytes, ciphertext []byte) (*types.TxRef, error) {
	data, err := lc.abi.Pack(contract.MethodSubmitBallot, nullifier.Bytes32(), commitment.Bytes32(), ciphertext)
	if err != nil {
		return nil, submissionErr(ReasonSigning, nil, fmt.Errorf("pack %s: %w", contract.MethodSubmitBallot, err))
	}
	msg := ethereum.CallMsg{From: lc.signer.Address(), To: &lc.address, Data: data}

	// preflight, nothing is spent if the call would revert
	if _, err := lc.backend.CallContract(ctx, msg, nil); err != nil {
		if rpc.IsRevert(err) {
			return nil, lc.classifyRevert(err)
		}
		return nil, submissionErr(ReasonUnreachable, nil, fmt.Errorf("%w: preflight: %w", ErrConnectivity, err))
	}

	gasLimit := lc.config.GasLimit
	if gasLimit == 0 {
		if gasLimit, err = lc.txm.EstimateGas(ctx, msg, nil, 0); err != nil {
			if rpc.IsRevert(err) {
				return nil, lc.classifyRevert(err)
			}
			return nil, submissionErr(ReasonGas, nil, err)
		}
	}

	tx, err := lc.txm.SendTxWithReplacement(ctx, func(nonce uint64, fees txmanager.FeeCaps) (gtypes.TxData, error) {
		if fees.Legacy() {
			return &gtypes.LegacyTx{
				Nonce:    nonce,
				GasPrice: fees.GasPrice,
				Gas:      gasLimit,
				To:       &lc.address,
				Value:    big.NewInt(0),
				Data:     data,
			}, nil
		}
		return &gtypes.DynamicFeeTx{
			ChainID:   new(big.Int).SetUint64(lc.chainID),
			Nonce:     nonce,
			GasTipCap: fees.TipCap,
			GasFeeCap: fees.FeeCap,
			Gas:       gasLimit,
			To:        &lc.address,
			Value:     big.NewInt(0),
			Data:      data,
		}, nil
	})
	if err != nil {
		return nil, lc.classifySendErr(err)
	}
	hash := tx.Hash()
	log.Debugw("ballot transaction broadcast", "hash", hash.Hex(), "nonce", tx.Nonce(), "gas", gasLimit)

	receipt, err := lc.txm.WaitReceipt(ctx, hash, lc.config.ConfirmTimeout)
	if err != nil {
		return nil, submissionErr(ReasonTimeout, &hash, fmt.Errorf("%w: %w", ErrConfirmationTimeout, err))
	}
	if receipt.Status != gtypes.ReceiptStatusSuccessful {
		// a concurrent submitter may have won the race for the nullifier
		voted, verr := lc.HasVoted(ctx, nullifier)
		if verr == nil && voted {
			return nil, fmt.Errorf("%w: tx %s reverted", ErrDuplicateVote, hash.Hex())
		}
		return nil, submissionErr(ReasonReverted, &hash, fmt.Errorf("transaction reverted in block %s", receipt.BlockNumber))
	}

	ref, err := lc.txRef(ctx, receipt)
	if err != nil {
		return nil, submissionErr(ReasonReceipt, &hash, err)
	}
	return ref, nil
}

// BallotRef returns the reference of the ballot stored by the mined
// submission hash. An unknown or unmined transaction is ErrNotFound.
func (lc *LedgerClient) BallotRef(ctx context.Context, hash common.Hash) (*types.TxRef, error) {
	receipt, err := lc.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("%w: receipt of %s", ErrNotFound, hash.Hex())
		}
		return nil, fmt.Errorf("%w: receipt: %w", ErrConnectivity, err)
	}
	if receipt.Status != gtypes.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("transaction %s failed on ledger", hash.Hex())
	}
	return lc.txRef(ctx, receipt)
}

// txRef builds the reference of a successful submission receipt.
func (lc *LedgerClient) txRef(ctx context.Context, receipt *gtypes.Receipt) (*types.TxRef, error) {
	index, err := lc.ballotIndex(receipt)
	if err != nil {
		return nil, err
	}
	ref := &types.TxRef{TxHash: receipt.TxHash, BallotIndex: index}
	if receipt.BlockNumber != nil {
		ref.BlockNumber = receipt.BlockNumber.Uint64()
		if header, err := lc.backend.HeaderByNumber(ctx, receipt.BlockNumber); err == nil {
			ref.Timestamp = header.Time
		} else {
			log.Warnw("could not read block timestamp", "block", ref.BlockNumber, "error", err)
		}
	}
	return ref, nil
}

// ballotIndex extracts the ballot index from the BallotSubmitted event of
// a receipt.
func (lc *LedgerClient) ballotIndex(receipt *gtypes.Receipt) (uint64, error) {
	for _, l := range receipt.Logs {
		if l.Address != lc.address || len(l.Topics) < 2 || l.Topics[0] != lc.submitEv.ID {
			continue
		}
		index := new(big.Int).SetBytes(l.Topics[1].Bytes())
		if !index.IsUint64() {
			return 0, fmt.Errorf("ballot index overflows uint64: %s", index)
		}
		return index.Uint64(), nil
	}
	return 0, fmt.Errorf("no %s event in receipt of %s", contract.EventBallotSubmitted, receipt.TxHash.Hex())
}

func (lc *LedgerClient) classifyRevert(err error) error {
	reason := revertReason(err)
	if strings.Contains(strings.ToLower(reason), contract.RevertAlreadyVoted) {
		return fmt.Errorf("%w: %s", ErrDuplicateVote, reason)
	}
	return submissionErr(ReasonRevert, nil, fmt.Errorf("execution reverted: %s", reason))
}

func (lc *LedgerClient) classifySendErr(err error) error {
	switch {
	case rpc.IsRevert(err):
		return lc.classifyRevert(err)
	case errors.Is(err, txmanager.ErrInsufficientFunds):
		return submissionErr(ReasonInsufficientFunds, nil, err)
	case errors.Is(err, txmanager.ErrNonceConflict):
		return submissionErr(ReasonNonceConflict, nil, err)
	case errors.Is(err, txmanager.ErrSigning):
		return submissionErr(ReasonSigning, nil, err)
	case errors.Is(err, txmanager.ErrFeeCapExceeded):
		return submissionErr(ReasonGas, nil, err)
	case errors.Is(err, txmanager.ErrBroadcast):
		return submissionErr(ReasonBroadcast, nil, err)
	default:
		return submissionErr(ReasonUnreachable, nil, fmt.Errorf("%w: %w", ErrConnectivity, err))
	}
}

// revertReason decodes the Error(string) payload of a revert, falling back
// to the node message.
func revertReason(err error) string {
	if rpcErr := rpc.ParseError(err); rpcErr != nil && len(rpcErr.Data) > 0 {
		if reason, uerr := abi.UnpackRevert(rpcErr.Data); uerr == nil {
			return reason
		}
	}
	msg := err.Error()
	if i := strings.Index(strings.ToLower(msg), "execution reverted"); i >= 0 {
		msg = strings.TrimLeft(msg[i+len("execution reverted"):], ": ")
	}
	return msg
}
