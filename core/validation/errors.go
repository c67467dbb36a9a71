// Package validation defines the typed admission/validation error taxonomy
// shared by the mempool, reputation and bundling subsystems, plus the
// black-box second-pass validator collaborator.
package validation

import (
	"errors"
	"fmt"
)

// JSON-RPC error codes per the ERC-4337 RPC spec. Admission failures surface
// these directly to the submitting client so it can decide whether a retry
// makes sense.
const (
	CodeInvalidFields         = -32602
	CodeSimulateValidation    = -32500
	CodeSimulatePaymaster     = -32501
	CodeOpcodeValidation      = -32502
	CodeExpiresShortly        = -32503
	CodeReputation            = -32504
	CodeInsufficientStake     = -32505
	CodeUnsupportedAggregator = -32506
	CodeInvalidSignature      = -32507
	CodeExecutionReverted     = -32521
)

// RpcError is a validation failure with a stable numeric code. It satisfies
// go-ethereum's rpc.Error, so the JSON-RPC layer emits the code unchanged.
type RpcError struct {
	code    int
	message string
}

func NewRpcError(code int, message string) *RpcError {
	return &RpcError{code: code, message: message}
}

func (e *RpcError) Error() string  { return e.message }
func (e *RpcError) ErrorCode() int { return e.code }

// ErrorCode extracts the numeric code from err when it wraps an RpcError;
// ok is false for infrastructure errors.
func ErrorCode(err error) (int, bool) {
	var re *RpcError
	if errors.As(err, &re) {
		return re.code, true
	}
	return 0, false
}

// Constructors for the failure kinds the core raises.

func ErrInvalidFields(format string, args ...interface{}) *RpcError {
	return NewRpcError(CodeInvalidFields, fmt.Sprintf(format, args...))
}

func ErrBannedEntity(title, addr string) *RpcError {
	return NewRpcError(CodeReputation, fmt.Sprintf("%s %s is banned", title, addr))
}

func ErrThrottledEntity(title, addr string) *RpcError {
	return NewRpcError(CodeReputation, fmt.Sprintf("%s %s is throttled", title, addr))
}

func ErrStakeTooLow(title, addr string) *RpcError {
	return NewRpcError(CodeInsufficientStake,
		fmt.Sprintf("%s %s stake or unstake delay is too low", title, addr))
}

func ErrUnstakedEntityLimit(title, addr string) *RpcError {
	return NewRpcError(CodeInsufficientStake,
		fmt.Sprintf("unstaked %s %s already has too many ops in the mempool", title, addr))
}

func ErrPaymasterDepositTooLow(addr string) *RpcError {
	return NewRpcError(CodeSimulatePaymaster,
		fmt.Sprintf("paymaster %s deposit too low to cover all pending ops", addr))
}

func ErrMaxOpsPerSender(sender string) *RpcError {
	return NewRpcError(CodeInvalidFields,
		fmt.Sprintf("sender %s already has the maximum number of ops in the mempool", sender))
}

func ErrReplacementUnderpriced(sender string) *RpcError {
	return NewRpcError(CodeInvalidFields,
		fmt.Sprintf("replacement op for sender %s must bump maxFeePerGas and maxPriorityFeePerGas by at least 10%%", sender))
}

func ErrSimulation(reason string) *RpcError {
	return NewRpcError(CodeSimulateValidation, reason)
}

func ErrExecutionReverted(reason string) *RpcError {
	return NewRpcError(CodeExecutionReverted, reason)
}
