// Package userop holds the ERC-4337 UserOperation value type shared by the
// mempool, the bundling engine and the RPC surface. An op is immutable once
// admitted; everything in here is read-only helpers over the raw fields.
package userop

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// UserOperation represents an EIP-4337 meta transaction for a smart contract
// account, in the v0.6 unpacked layout.
type UserOperation struct {
	Sender               common.Address `json:"sender" validate:"required"`
	Nonce                *big.Int       `json:"nonce" validate:"required"`
	InitCode             []byte         `json:"initCode"`
	CallData             []byte         `json:"callData"`
	CallGasLimit         *big.Int       `json:"callGasLimit" validate:"required"`
	VerificationGasLimit *big.Int       `json:"verificationGasLimit" validate:"required"`
	PreVerificationGas   *big.Int       `json:"preVerificationGas" validate:"required"`
	MaxFeePerGas         *big.Int       `json:"maxFeePerGas" validate:"required"`
	MaxPriorityFeePerGas *big.Int       `json:"maxPriorityFeePerGas" validate:"required"`
	PaymasterAndData     []byte         `json:"paymasterAndData"`
	Signature            []byte         `json:"signature" validate:"required"`

	// Optional EIP-7702 authorization carried alongside the op. Nil for the
	// common case; the bundle builder forwards these as a separate tuple list.
	Eip7702Auth *Authorization `json:"eip7702Auth,omitempty"`
}

// Authorization is an EIP-7702 set-code tuple attached to a UserOperation.
type Authorization struct {
	ChainID *big.Int       `json:"chainId"`
	Address common.Address `json:"address"`
	Nonce   uint64         `json:"nonce"`
	YParity uint8          `json:"yParity"`
	R       *big.Int       `json:"r"`
	S       *big.Int       `json:"s"`
}

// GetFactory returns the account factory address, i.e. the first 20 bytes of
// initCode, or the zero address when the op deploys nothing.
func (op *UserOperation) GetFactory() common.Address {
	if len(op.InitCode) < common.AddressLength {
		return common.Address{}
	}
	return common.BytesToAddress(op.InitCode[:common.AddressLength])
}

// GetPaymaster returns the paymaster address from paymasterAndData, or the
// zero address when the op pays for itself.
func (op *UserOperation) GetPaymaster() common.Address {
	if len(op.PaymasterAndData) < common.AddressLength {
		return common.Address{}
	}
	return common.BytesToAddress(op.PaymasterAndData[:common.AddressLength])
}

// HasPaymaster reports whether a paymaster sponsors this op.
func (op *UserOperation) HasPaymaster() bool {
	return op.GetPaymaster() != (common.Address{})
}

// HasFactory reports whether this op deploys the sender account.
func (op *UserOperation) HasFactory() bool {
	return op.GetFactory() != (common.Address{})
}

// TotalGas is the gas this op consumes inside a bundle: call + verification +
// preVerification. The bundle builder packs against this number.
func (op *UserOperation) TotalGas() *big.Int {
	sum := new(big.Int).Add(op.CallGasLimit, op.VerificationGasLimit)
	return sum.Add(sum, op.PreVerificationGas)
}

// MaxPrefund is the worst case wei cost the entrypoint reserves for this op.
// With a paymaster the verification gas is charged up to three times
// (account validation, paymaster validation, postOp).
func (op *UserOperation) MaxPrefund() *big.Int {
	mul := big.NewInt(1)
	if op.HasPaymaster() {
		mul = big.NewInt(3)
	}

	gas := new(big.Int).Mul(op.VerificationGasLimit, mul)
	gas.Add(gas, op.CallGasLimit)
	gas.Add(gas, op.PreVerificationGas)

	return gas.Mul(gas, op.MaxFeePerGas)
}

var (
	address, _ = abi.NewType("address", "", nil)
	uint256, _ = abi.NewType("uint256", "", nil)
	bytes32, _ = abi.NewType("bytes32", "", nil)

	packArgs = abi.Arguments{
		{Name: "sender", Type: address},
		{Name: "nonce", Type: uint256},
		{Name: "initCodeHash", Type: bytes32},
		{Name: "callDataHash", Type: bytes32},
		{Name: "callGasLimit", Type: uint256},
		{Name: "verificationGasLimit", Type: uint256},
		{Name: "preVerificationGas", Type: uint256},
		{Name: "maxFeePerGas", Type: uint256},
		{Name: "maxPriorityFeePerGas", Type: uint256},
		{Name: "paymasterAndDataHash", Type: bytes32},
	}

	hashArgs = abi.Arguments{
		{Name: "userOpHash", Type: bytes32},
		{Name: "entryPoint", Type: address},
		{Name: "chainId", Type: uint256},
	}
)

// PackForSignature returns the abi encoding the entrypoint hashes before
// applying the outer keccak.
func (op *UserOperation) PackForSignature() []byte {
	packed, err := packArgs.Pack(
		op.Sender,
		op.Nonce,
		common.BytesToHash(crypto.Keccak256(op.InitCode)),
		common.BytesToHash(crypto.Keccak256(op.CallData)),
		op.CallGasLimit,
		op.VerificationGasLimit,
		op.PreVerificationGas,
		op.MaxFeePerGas,
		op.MaxPriorityFeePerGas,
		common.BytesToHash(crypto.Keccak256(op.PaymasterAndData)),
	)
	if err != nil {
		// All inputs are fixed-width; packing only fails on nil big.Ints,
		// which admission validation rejects before anything is hashed.
		panic(err)
	}
	return packed
}

// GetUserOpHash computes the canonical hash a bundler and the entrypoint
// agree on for this op.
func (op *UserOperation) GetUserOpHash(entryPoint common.Address, chainID *big.Int) common.Hash {
	inner := crypto.Keccak256Hash(op.PackForSignature())
	enc, err := hashArgs.Pack(inner, entryPoint, chainID)
	if err != nil {
		panic(err)
	}
	return crypto.Keccak256Hash(enc)
}

// userOperationJSON mirrors UserOperation with the hex wire encoding used by
// the eth_sendUserOperation JSON-RPC surface.
type userOperationJSON struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
	Eip7702Auth          *Authorization `json:"eip7702Auth,omitempty"`
}

func (op UserOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(&userOperationJSON{
		Sender:               op.Sender,
		Nonce:                (*hexutil.Big)(op.Nonce),
		InitCode:             op.InitCode,
		CallData:             op.CallData,
		CallGasLimit:         (*hexutil.Big)(op.CallGasLimit),
		VerificationGasLimit: (*hexutil.Big)(op.VerificationGasLimit),
		PreVerificationGas:   (*hexutil.Big)(op.PreVerificationGas),
		MaxFeePerGas:         (*hexutil.Big)(op.MaxFeePerGas),
		MaxPriorityFeePerGas: (*hexutil.Big)(op.MaxPriorityFeePerGas),
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            op.Signature,
		Eip7702Auth:          op.Eip7702Auth,
	})
}

func (op *UserOperation) UnmarshalJSON(data []byte) error {
	var raw userOperationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	op.Sender = raw.Sender
	op.Nonce = (*big.Int)(raw.Nonce)
	op.InitCode = raw.InitCode
	op.CallData = raw.CallData
	op.CallGasLimit = (*big.Int)(raw.CallGasLimit)
	op.VerificationGasLimit = (*big.Int)(raw.VerificationGasLimit)
	op.PreVerificationGas = (*big.Int)(raw.PreVerificationGas)
	op.MaxFeePerGas = (*big.Int)(raw.MaxFeePerGas)
	op.MaxPriorityFeePerGas = (*big.Int)(raw.MaxPriorityFeePerGas)
	op.PaymasterAndData = raw.PaymasterAndData
	op.Signature = raw.Signature
	op.Eip7702Auth = raw.Eip7702Auth
	return nil
}
