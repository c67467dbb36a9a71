package validation

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/core/chainio"
	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
	"github.com/AvaProtocol/ap-bundler/pkg/userop"
)

// ReturnInfo carries the aggregate result of the entrypoint's validation
// phase for a single op.
type ReturnInfo struct {
	PreOpGas   *big.Int
	Prefund    *big.Int
	SigFailed  bool
	ValidAfter uint64
	ValidUntil uint64
}

// Result is everything the mempool needs to admit an op: stake records for
// each entity, the storage slots touched during validation, and the combined
// hash of every contract the op depends on.
type Result struct {
	ReturnInfo ReturnInfo

	SenderInfo     *model.StakeInfo
	FactoryInfo    *model.StakeInfo
	PaymasterInfo  *model.StakeInfo
	AggregatorInfo *model.StakeInfo

	StorageMap          model.StorageMap
	ReferencedContracts model.ReferencedContracts
	Aggregator          common.Address
}

// Validator runs an off-chain second-pass validation of a candidate op.
// A non-nil error is the admission verdict itself: RpcError for protocol
// rejections, anything else for infrastructure trouble.
type Validator interface {
	SimulateValidation(ctx context.Context, op *userop.UserOperation) (*Result, error)
}

// SimValidator validates against a live chain via eth_call to the entrypoint's
// simulateValidation, which reverts unconditionally. A FailedOp revert is a
// rejection; any other revert is taken as validation having run to completion.
type SimValidator struct {
	chain      chainio.Client
	entryPoint common.Address
	logger     logger.Logger
}

func NewSimValidator(chain chainio.Client, entryPoint common.Address, l logger.Logger) *SimValidator {
	return &SimValidator{chain: chain, entryPoint: entryPoint, logger: l}
}

func (v *SimValidator) SimulateValidation(ctx context.Context, op *userop.UserOperation) (*Result, error) {
	calldata, err := aa.PackSimulateValidation(op)
	if err != nil {
		return nil, err
	}

	_, callErr := v.chain.CallContract(ctx, v.entryPoint, calldata)
	if callErr != nil {
		revert := chainio.RevertData(callErr)
		if len(revert) == 0 {
			return nil, callErr
		}
		if _, reason, ok := aa.DecodeFailedOp(revert); ok {
			return nil, simulationError(reason)
		}
		if reason, uerr := abi.UnpackRevert(revert); uerr == nil && strings.HasPrefix(reason, "AA") {
			return nil, simulationError(reason)
		}
		// The usual path: simulateValidation reverted with its
		// ValidationResult payload, meaning the op validated.
	}

	res := &Result{
		StorageMap: model.StorageMap{},
	}

	contracts := []common.Address{op.Sender, v.entryPoint}
	if op.HasFactory() {
		contracts = append(contracts, op.GetFactory())
	}
	if op.HasPaymaster() {
		contracts = append(contracts, op.GetPaymaster())
	}
	hash, err := v.chain.GetCodeHashes(ctx, contracts)
	if err != nil {
		return nil, err
	}
	res.ReferencedContracts = model.ReferencedContracts{
		Addresses: contracts,
		Hash:      hash,
	}

	if res.SenderInfo, err = v.stakeInfo(ctx, op.Sender); err != nil {
		return nil, err
	}
	if op.HasFactory() {
		if res.FactoryInfo, err = v.stakeInfo(ctx, op.GetFactory()); err != nil {
			return nil, err
		}
	}
	if op.HasPaymaster() {
		if res.PaymasterInfo, err = v.stakeInfo(ctx, op.GetPaymaster()); err != nil {
			return nil, err
		}
	}

	res.ReturnInfo.Prefund = op.MaxPrefund()
	return res, nil
}

func (v *SimValidator) stakeInfo(ctx context.Context, addr common.Address) (*model.StakeInfo, error) {
	info, err := v.chain.GetDepositInfo(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &model.StakeInfo{
		Addr:            addr,
		Stake:           info.Stake,
		UnstakeDelaySec: big.NewInt(int64(info.UnstakeDelaySec)),
	}, nil
}

// simulationError maps an entrypoint validation revert reason to the right
// client-facing code: paymaster phase reasons (AA3x) get their own code,
// everything else is generic validation failure.
func simulationError(reason string) *RpcError {
	if strings.HasPrefix(reason, "AA3") {
		return NewRpcError(CodeSimulatePaymaster, reason)
	}
	return ErrSimulation(reason)
}
