// Package aa wraps the small slice of the EntryPoint ABI the node needs:
// handleOps packing, deposit reads, revert decoding and event parsing.
package aa

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AvaProtocol/ap-bundler/pkg/userop"
)

const entryPointABIJSON = `[
	{"type":"function","name":"handleOps","stateMutability":"nonpayable","inputs":[
		{"name":"ops","type":"tuple[]","components":[
			{"name":"sender","type":"address"},
			{"name":"nonce","type":"uint256"},
			{"name":"initCode","type":"bytes"},
			{"name":"callData","type":"bytes"},
			{"name":"callGasLimit","type":"uint256"},
			{"name":"verificationGasLimit","type":"uint256"},
			{"name":"preVerificationGas","type":"uint256"},
			{"name":"maxFeePerGas","type":"uint256"},
			{"name":"maxPriorityFeePerGas","type":"uint256"},
			{"name":"paymasterAndData","type":"bytes"},
			{"name":"signature","type":"bytes"}]},
		{"name":"beneficiary","type":"address"}],"outputs":[]},
	{"type":"function","name":"simulateValidation","stateMutability":"nonpayable","inputs":[
		{"name":"userOp","type":"tuple","components":[
			{"name":"sender","type":"address"},
			{"name":"nonce","type":"uint256"},
			{"name":"initCode","type":"bytes"},
			{"name":"callData","type":"bytes"},
			{"name":"callGasLimit","type":"uint256"},
			{"name":"verificationGasLimit","type":"uint256"},
			{"name":"preVerificationGas","type":"uint256"},
			{"name":"maxFeePerGas","type":"uint256"},
			{"name":"maxPriorityFeePerGas","type":"uint256"},
			{"name":"paymasterAndData","type":"bytes"},
			{"name":"signature","type":"bytes"}]}],"outputs":[]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
		{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getDepositInfo","stateMutability":"view","inputs":[
		{"name":"account","type":"address"}],"outputs":[
		{"name":"info","type":"tuple","components":[
			{"name":"deposit","type":"uint112"},
			{"name":"staked","type":"bool"},
			{"name":"stake","type":"uint112"},
			{"name":"unstakeDelaySec","type":"uint32"},
			{"name":"withdrawTime","type":"uint48"}]}]},
	{"type":"event","name":"UserOperationEvent","inputs":[
		{"name":"userOpHash","type":"bytes32","indexed":true},
		{"name":"sender","type":"address","indexed":true},
		{"name":"paymaster","type":"address","indexed":true},
		{"name":"nonce","type":"uint256","indexed":false},
		{"name":"success","type":"bool","indexed":false},
		{"name":"actualGasCost","type":"uint256","indexed":false},
		{"name":"actualGasUsed","type":"uint256","indexed":false}]},
	{"type":"event","name":"AccountDeployed","inputs":[
		{"name":"userOpHash","type":"bytes32","indexed":true},
		{"name":"sender","type":"address","indexed":true},
		{"name":"factory","type":"address","indexed":false},
		{"name":"paymaster","type":"address","indexed":false}]},
	{"type":"event","name":"SignatureAggregatorChanged","inputs":[
		{"name":"aggregator","type":"address","indexed":true}]},
	{"type":"error","name":"FailedOp","inputs":[
		{"name":"opIndex","type":"uint256"},
		{"name":"reason","type":"string"}]}
]`

var (
	buildOnce     sync.Once
	entryPointABI abi.ABI
)

// ABI returns the parsed entrypoint ABI subset, built once.
func ABI() *abi.ABI {
	buildOnce.Do(func() {
		parsed, err := abi.JSON(strings.NewReader(entryPointABIJSON))
		if err != nil {
			panic(fmt.Errorf("invalid entrypoint ABI: %w", err))
		}
		entryPointABI = parsed
	})
	return &entryPointABI
}

// abiUserOp mirrors the handleOps tuple layout for abi packing.
type abiUserOp struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

func toABIUserOp(op *userop.UserOperation) abiUserOp {
	return abiUserOp{
		Sender:               op.Sender,
		Nonce:                op.Nonce,
		InitCode:             op.InitCode,
		CallData:             op.CallData,
		CallGasLimit:         op.CallGasLimit,
		VerificationGasLimit: op.VerificationGasLimit,
		PreVerificationGas:   op.PreVerificationGas,
		MaxFeePerGas:         op.MaxFeePerGas,
		MaxPriorityFeePerGas: op.MaxPriorityFeePerGas,
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            op.Signature,
	}
}

// PackHandleOps builds the calldata submitting a bundle to the entrypoint.
func PackHandleOps(ops []*userop.UserOperation, beneficiary common.Address) ([]byte, error) {
	packed := make([]abiUserOp, 0, len(ops))
	for _, op := range ops {
		packed = append(packed, toABIUserOp(op))
	}
	return ABI().Pack("handleOps", packed, beneficiary)
}

// PackSimulateValidation builds the calldata for an off-chain simulateValidation
// call. The entrypoint always reverts from this method; callers inspect the
// revert data to distinguish success from a FailedOp rejection.
func PackSimulateValidation(op *userop.UserOperation) ([]byte, error) {
	return ABI().Pack("simulateValidation", toABIUserOp(op))
}

// PackBalanceOf builds the calldata for an entrypoint deposit balance read.
func PackBalanceOf(account common.Address) ([]byte, error) {
	return ABI().Pack("balanceOf", account)
}

// DepositInfo is the entrypoint's per-account deposit record.
type DepositInfo struct {
	Deposit         *big.Int
	Staked          bool
	Stake           *big.Int
	UnstakeDelaySec uint32
	WithdrawTime    *big.Int
}

// PackGetDepositInfo builds the calldata for getDepositInfo.
func PackGetDepositInfo(account common.Address) ([]byte, error) {
	return ABI().Pack("getDepositInfo", account)
}

// UnpackDepositInfo decodes a getDepositInfo return blob.
func UnpackDepositInfo(ret []byte) (*DepositInfo, error) {
	out, err := ABI().Unpack("getDepositInfo", ret)
	if err != nil {
		return nil, err
	}
	info := abi.ConvertType(out[0], new(DepositInfo)).(*DepositInfo)
	return info, nil
}

// UnpackBalanceOf decodes a balanceOf return blob.
func UnpackBalanceOf(ret []byte) (*big.Int, error) {
	out, err := ABI().Unpack("balanceOf", ret)
	if err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

// DecodeFailedOp recognizes the entrypoint's FailedOp(opIndex, reason)
// custom error inside raw revert data. ok is false for any other revert.
func DecodeFailedOp(revertData []byte) (opIndex uint64, reason string, ok bool) {
	failedOp := ABI().Errors["FailedOp"]
	if len(revertData) < 4 || !bytes.Equal(revertData[:4], failedOp.ID.Bytes()[:4]) {
		return 0, "", false
	}

	vals, err := failedOp.Inputs.Unpack(revertData[4:])
	if err != nil || len(vals) != 2 {
		return 0, "", false
	}

	idx, _ := vals[0].(*big.Int)
	msg, _ := vals[1].(string)
	if idx == nil {
		return 0, "", false
	}
	return idx.Uint64(), msg, true
}

// Event topic accessors, used to build log filter queries.

func UserOperationEventTopic() common.Hash {
	return ABI().Events["UserOperationEvent"].ID
}

func AccountDeployedTopic() common.Hash {
	return ABI().Events["AccountDeployed"].ID
}

func SignatureAggregatorChangedTopic() common.Hash {
	return ABI().Events["SignatureAggregatorChanged"].ID
}

// UserOperationEvent is the decoded inclusion event for one op.
type UserOperationEvent struct {
	UserOpHash common.Hash
	Sender     common.Address
	Paymaster  common.Address
	Nonce      *big.Int
	Success    bool
}

// ParseUserOperationEvent decodes a UserOperationEvent log.
func ParseUserOperationEvent(lg types.Log) (*UserOperationEvent, error) {
	if len(lg.Topics) < 4 || lg.Topics[0] != UserOperationEventTopic() {
		return nil, fmt.Errorf("not a UserOperationEvent log")
	}

	vals, err := ABI().Events["UserOperationEvent"].Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil {
		return nil, fmt.Errorf("cannot unpack UserOperationEvent: %w", err)
	}

	nonce, _ := vals[0].(*big.Int)
	success, _ := vals[1].(bool)
	return &UserOperationEvent{
		UserOpHash: lg.Topics[1],
		Sender:     common.BytesToAddress(lg.Topics[2].Bytes()),
		Paymaster:  common.BytesToAddress(lg.Topics[3].Bytes()),
		Nonce:      nonce,
		Success:    success,
	}, nil
}

// ParseAccountDeployed returns the factory named by an AccountDeployed log.
func ParseAccountDeployed(lg types.Log) (common.Address, error) {
	if len(lg.Topics) < 3 || lg.Topics[0] != AccountDeployedTopic() {
		return common.Address{}, fmt.Errorf("not an AccountDeployed log")
	}
	vals, err := ABI().Events["AccountDeployed"].Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil {
		return common.Address{}, fmt.Errorf("cannot unpack AccountDeployed: %w", err)
	}
	factory, _ := vals[0].(common.Address)
	return factory, nil
}

// ParseAggregatorChanged returns the aggregator named by a
// SignatureAggregatorChanged log.
func ParseAggregatorChanged(lg types.Log) (common.Address, error) {
	if len(lg.Topics) < 2 || lg.Topics[0] != SignatureAggregatorChangedTopic() {
		return common.Address{}, fmt.Errorf("not a SignatureAggregatorChanged log")
	}
	return common.BytesToAddress(lg.Topics[1].Bytes()), nil
}
