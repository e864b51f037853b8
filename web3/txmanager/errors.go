package txmanager

import (
	"errors"
	"strings"
)

var (
	// ErrInsufficientFunds is returned when the signing account cannot pay
	// for the transaction.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrNonceConflict is returned when a nonce could not be agreed with the
	// node after the bounded number of attempts.
	ErrNonceConflict = errors.New("nonce conflict")
	// ErrFeeCapExceeded is returned when bumping fees would exceed the
	// configured maximum gas price.
	ErrFeeCapExceeded = errors.New("fee cap exceeded")
	// ErrSigning is returned when the transaction cannot be built or signed.
	ErrSigning = errors.New("signing failed")
	// ErrBroadcast is returned when the node rejects the transaction for a
	// reason not handled by the sender.
	ErrBroadcast = errors.New("broadcast failed")
	// ErrWaitTimeout is returned by WaitReceipt when the transaction was not
	// mined in time. It may still be mined later.
	ErrWaitTimeout = errors.New("timeout waiting for receipt")
)

func isNonceTooHigh(err error) bool {
	return containsErr(err, "nonce too high")
}

func isNonceTooLow(err error) bool {
	return containsErr(err, "nonce too low")
}

func isUnderpriced(err error) bool {
	return containsErr(err, "replacement transaction underpriced") ||
		containsErr(err, "transaction underpriced") ||
		containsErr(err, "tip too low")
}

func isFeeTooLow(err error) bool {
	return containsErr(err, "fee cap too low") ||
		containsErr(err, "max priority fee per gas higher than max fee per gas") ||
		containsErr(err, "max fee per gas less than block base fee")
}

func isAlreadyKnown(err error) bool {
	return containsErr(err, "already known")
}

func isInsufficientFunds(err error) bool {
	return containsErr(err, "insufficient funds")
}

func isBenignSendErr(err error) bool {
	return isAlreadyKnown(err) || isNonceTooLow(err)
}

func containsErr(err error, sub string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), strings.ToLower(sub))
}
