package rpc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// permanentErrorPatterns are node answers that will not change by retrying
// the call or switching endpoint: contract rejections and transaction pool
// verdicts on a signed transaction.
var permanentErrorPatterns = []string{
	"execution reverted",
	"nonce too low",
	"nonce too high",
	"already known",
	"insufficient funds",
	"underpriced",
	"fee cap",
	"tip too low",
	"intrinsic gas too low",
	"gas limit reached",
}

// IsPermanentError checks if an error represents a permanent failure that
// should not be retried.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ethereum.NotFound) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range permanentErrorPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// IsRevert reports whether err is an execution revert returned by the node.
func IsRevert(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

// RPCError is the error returned by the RPC server.
type RPCError struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Data    hexutil.Bytes `json:"data"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s (code: %d, data: %s)", e.Message, e.Code, e.Data.String())
}

func (e *RPCError) ErrorCode() int {
	return e.Code
}

func (e *RPCError) ErrorData() any {
	return e.Data
}

// ParseError extracts the code and revert data carried by err, if any.
func ParseError(err error) *RPCError {
	if err == nil {
		return nil
	}
	var e *RPCError
	if errors.As(err, &e) {
		return e
	}
	out := &RPCError{Message: err.Error()}

	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		out.Code = rpcErr.ErrorCode()
		out.Message = rpcErr.Error()
	}
	var dataErr gethrpc.DataError
	if errors.As(err, &dataErr) {
		switch v := dataErr.ErrorData().(type) {
		case []byte:
			out.Data = hexutil.Bytes(v)
		case string:
			if b, derr := hexutil.Decode(v); derr == nil {
				out.Data = hexutil.Bytes(b)
			}
		}
	}
	return out
}
