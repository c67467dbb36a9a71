// Package testutil provides shared fixtures for the core test suites: a
// development logger, deterministic user operations, and in-memory fakes for
// the chain and validator collaborators.
package testutil

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/core/validation"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/userop"
)

var TestEntryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

func GetLogger() sdklogging.Logger {
	logger, err := sdklogging.NewZapLogger("development")
	if err != nil {
		panic(err)
	}
	return logger
}

// TestSender returns a deterministic address derived from n, so tests can
// name distinct senders without hardcoding hex strings.
func TestSender(n int) common.Address {
	return common.BigToAddress(big.NewInt(int64(0x1000 + n)))
}

// TestUserOp builds a minimal valid op for sender index n with nonce 0.
func TestUserOp(n int) *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               TestSender(n),
		Nonce:                big.NewInt(0),
		InitCode:             []byte{},
		CallData:             []byte{0xde, 0xad},
		CallGasLimit:         big.NewInt(100_000),
		VerificationGasLimit: big.NewInt(70_000),
		PreVerificationGas:   big.NewInt(21_000),
		MaxFeePerGas:         big.NewInt(2_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
		PaymasterAndData:     []byte{},
		Signature:            []byte{0x01},
	}
}

// TestEntry wraps op in a pending mempool entry keyed by its op hash on
// chain id 1.
func TestEntry(op *userop.UserOperation) *model.MempoolEntry {
	return &model.MempoolEntry{
		UserOp:     op,
		UserOpHash: op.GetUserOpHash(TestEntryPoint, big.NewInt(1)),
		Prefund:    op.MaxPrefund(),
		Status:     model.StatusPending,
	}
}

// FakeChain is an in-memory chainio.Client. Zero value is usable; populate
// the maps to shape responses. All methods are safe for concurrent use.
type FakeChain struct {
	mu sync.Mutex

	ChainId    *big.Int
	Balances   map[common.Address]*big.Int
	Deposits   map[common.Address]*aa.DepositInfo
	CodeHashes map[common.Address]common.Hash
	Head       uint64
	Logs       []types.Log
	Nonces     map[common.Address]uint64
	Receipts   map[common.Hash]*types.Receipt

	// EstimateGas and EstimateRevert shape EstimateHandleOpsGas. When
	// EstimateFn is set it takes precedence.
	EstimateGas    uint64
	EstimateRevert []byte
	EstimateFn     func(calldata []byte) (uint64, []byte, error)

	CallFn func(to common.Address, data []byte) ([]byte, error)

	SentTxs     []*types.Transaction
	SendErr     error
	Unsupported map[string]bool
}

func NewFakeChain() *FakeChain {
	return &FakeChain{
		ChainId:     big.NewInt(1),
		Balances:    map[common.Address]*big.Int{},
		Deposits:    map[common.Address]*aa.DepositInfo{},
		CodeHashes:  map[common.Address]common.Hash{},
		Nonces:      map[common.Address]uint64{},
		Receipts:    map[common.Hash]*types.Receipt{},
		EstimateGas: 500_000,
		Unsupported: map[string]bool{},
	}
}

func (f *FakeChain) ChainID() *big.Int { return f.ChainId }

func (f *FakeChain) GetBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if bal, ok := f.Balances[addr]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

func (f *FakeChain) GetDepositInfo(ctx context.Context, addr common.Address) (*aa.DepositInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.Deposits[addr]; ok {
		return info, nil
	}
	return &aa.DepositInfo{Deposit: big.NewInt(0), Stake: big.NewInt(0)}, nil
}

func (f *FakeChain) GetCodeHashes(ctx context.Context, addrs []common.Address) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var combined []byte
	for _, addr := range addrs {
		h := f.CodeHashes[addr]
		combined = append(combined, h.Bytes()...)
	}
	return crypto.Keccak256Hash(combined), nil
}

func (f *FakeChain) HeadBlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Head, nil
}

func (f *FakeChain) FilterEntryPointLogs(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Log
	for _, lg := range f.Logs {
		if lg.BlockNumber >= fromBlock && lg.BlockNumber <= toBlock {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *FakeChain) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if f.CallFn != nil {
		return f.CallFn(to, data)
	}
	return nil, nil
}

func (f *FakeChain) EstimateHandleOpsGas(ctx context.Context, from common.Address, calldata []byte) (uint64, []byte, error) {
	if f.EstimateFn != nil {
		return f.EstimateFn(calldata)
	}
	if len(f.EstimateRevert) > 0 {
		return 0, f.EstimateRevert, fmt.Errorf("execution reverted")
	}
	return f.EstimateGas, nil, nil
}

func (f *FakeChain) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Nonces[addr], nil
}

func (f *FakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	f.SentTxs = append(f.SentTxs, tx)
	return nil
}

// SentTxCount is a race-safe reader for tests polling on submission.
func (f *FakeChain) SentTxCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.SentTxs)
}

func (f *FakeChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.Receipts[txHash]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("not found")
}

func (f *FakeChain) SuggestFees(ctx context.Context) (*big.Int, *big.Int, error) {
	return big.NewInt(2_000_000_000), big.NewInt(1_000_000_000), nil
}

func (f *FakeChain) SupportsMethod(ctx context.Context, method string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.Unsupported[method]
}

// FakeValidator returns canned validation results per op hash, or a default
// passing result. Set Err to fail every call.
type FakeValidator struct {
	mu      sync.Mutex
	Results map[common.Address]*validation.Result
	Errs    map[common.Address]error
	Err     error
	Calls   int
}

func NewFakeValidator() *FakeValidator {
	return &FakeValidator{
		Results: map[common.Address]*validation.Result{},
		Errs:    map[common.Address]error{},
	}
}

func (f *FakeValidator) SimulateValidation(ctx context.Context, op *userop.UserOperation) (*validation.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if f.Err != nil {
		return nil, f.Err
	}
	if err, ok := f.Errs[op.Sender]; ok {
		return nil, err
	}
	if res, ok := f.Results[op.Sender]; ok {
		return res, nil
	}
	return &validation.Result{
		StorageMap: model.StorageMap{},
		SenderInfo: &model.StakeInfo{Addr: op.Sender, Stake: big.NewInt(0), UnstakeDelaySec: big.NewInt(0)},
	}, nil
}
