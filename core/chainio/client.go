// Package chainio is the node's only door to the chain: balance and deposit
// reads, code hashing, handleOps gas estimation, raw submission, entrypoint
// log queries and the RPC capability probe used by startup preflight.
package chainio

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/pkg/eip1559"
)

// Client is the chain collaborator interface the core depends on. Tests swap
// in an in-memory fake; production uses EthClient below.
type Client interface {
	ChainID() *big.Int
	GetBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	GetDepositInfo(ctx context.Context, addr common.Address) (*aa.DepositInfo, error)
	GetCodeHashes(ctx context.Context, addrs []common.Address) (common.Hash, error)
	HeadBlockNumber(ctx context.Context) (uint64, error)
	FilterEntryPointLogs(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error)
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	EstimateHandleOpsGas(ctx context.Context, from common.Address, calldata []byte) (uint64, []byte, error)
	PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	SuggestFees(ctx context.Context) (maxFeePerGas, maxPriorityFeePerGas *big.Int, err error)
	SupportsMethod(ctx context.Context, method string) bool
}

// TipSource supplies a priority fee estimate when the connected node cannot.
type TipSource interface {
	SuggestTip(ctx context.Context) (*big.Int, error)
}

// EthClient implements Client over an ethclient connection. Code hashes are
// cached in bigcache so repeated footprint checks against the same contracts
// stay off the wire.
type EthClient struct {
	eth        *ethclient.Client
	rpcClient  *rpc.Client
	entryPoint common.Address
	chainID    *big.Int
	codeCache  *bigcache.BigCache
	tipSource  TipSource
}

// NewEthClient dials rpcURL and prefetches the chain id. tipSource may be
// nil when no external fee oracle is configured.
func NewEthClient(ctx context.Context, rpcURL string, entryPoint common.Address, tipSource TipSource) (*EthClient, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("cannot dial eth rpc %s: %w", rpcURL, err)
	}
	eth := ethclient.NewClient(rpcClient)

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot fetch chain id: %w", err)
	}

	cache, err := bigcache.New(ctx, bigcache.DefaultConfig(10*time.Minute))
	if err != nil {
		return nil, err
	}

	return &EthClient{
		eth:        eth,
		rpcClient:  rpcClient,
		entryPoint: entryPoint,
		chainID:    chainID,
		codeCache:  cache,
		tipSource:  tipSource,
	}, nil
}

func (c *EthClient) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

func (c *EthClient) GetBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return c.eth.BalanceAt(ctx, addr, nil)
}

func (c *EthClient) GetDepositInfo(ctx context.Context, addr common.Address) (*aa.DepositInfo, error) {
	calldata, err := aa.PackGetDepositInfo(addr)
	if err != nil {
		return nil, err
	}
	ret, err := c.CallContract(ctx, c.entryPoint, calldata)
	if err != nil {
		return nil, fmt.Errorf("getDepositInfo(%s): %w", addr.Hex(), err)
	}
	return aa.UnpackDepositInfo(ret)
}

// GetCodeHashes returns one hash over the deployed code of all addrs, in a
// canonical order. Entries come from the cache when fresh.
func (c *EthClient) GetCodeHashes(ctx context.Context, addrs []common.Address) (common.Hash, error) {
	sorted := make([]common.Address, len(addrs))
	copy(sorted, addrs)
	sort.Slice(sorted, func(i, j int) bool {
		return strings.Compare(sorted[i].Hex(), sorted[j].Hex()) < 0
	})

	var combined []byte
	for _, addr := range sorted {
		key := addr.Hex()
		hash, err := c.codeCache.Get(key)
		if err != nil {
			code, err := c.eth.CodeAt(ctx, addr, nil)
			if err != nil {
				return common.Hash{}, fmt.Errorf("codeAt(%s): %w", key, err)
			}
			hash = crypto.Keccak256(code)
			_ = c.codeCache.Set(key, hash)
		}
		combined = append(combined, hash...)
	}
	return crypto.Keccak256Hash(combined), nil
}

func (c *EthClient) HeadBlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

func (c *EthClient) FilterEntryPointLogs(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error) {
	return c.eth.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.entryPoint},
		Topics: [][]common.Hash{{
			aa.UserOperationEventTopic(),
			aa.AccountDeployedTopic(),
			aa.SignatureAggregatorChangedTopic(),
		}},
	})
}

func (c *EthClient) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// EstimateHandleOpsGas estimates gas for a handleOps call. On revert the raw
// revert data is returned so the caller can decode FailedOp and blame the
// offending entity.
func (c *EthClient) EstimateHandleOpsGas(ctx context.Context, from common.Address, calldata []byte) (uint64, []byte, error) {
	gas, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &c.entryPoint,
		Data: calldata,
	})
	if err != nil {
		return 0, RevertData(err), err
	}
	return gas, nil, nil
}

func (c *EthClient) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	return c.eth.PendingNonceAt(ctx, addr)
}

func (c *EthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.eth.SendTransaction(ctx, tx)
}

func (c *EthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return c.eth.TransactionReceipt(ctx, txHash)
}

// SuggestFees wraps the eip1559 helper, falling back to the configured tip
// source when the node's RPC cannot produce a tip estimate.
func (c *EthClient) SuggestFees(ctx context.Context) (*big.Int, *big.Int, error) {
	maxFee, tip, err := eip1559.SuggestFee(c.eth)
	if err == nil {
		return maxFee, tip, nil
	}
	if c.tipSource == nil {
		return nil, nil, err
	}

	oracleTip, oracleErr := c.tipSource.SuggestTip(ctx)
	if oracleErr != nil {
		return nil, nil, fmt.Errorf("fee suggestion failed: %v (oracle: %w)", err, oracleErr)
	}

	header, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	maxFee = new(big.Int).Set(oracleTip)
	if header.BaseFee != nil {
		maxFee.Add(maxFee, new(big.Int).Mul(header.BaseFee, big.NewInt(2)))
	}
	return maxFee, oracleTip, nil
}

// SupportsMethod probes whether the connected node knows an RPC method.
// A "method not found" class response means no; everything else, including
// parameter errors, means the method exists.
func (c *EthClient) SupportsMethod(ctx context.Context, method string) bool {
	err := c.rpcClient.CallContext(ctx, nil, method)
	if err == nil {
		return true
	}
	msg := strings.ToLower(err.Error())
	return !strings.Contains(msg, "method not found") &&
		!strings.Contains(msg, "not supported") &&
		!strings.Contains(msg, "does not exist")
}

// RevertData extracts raw revert bytes from an rpc error, when present.
func RevertData(err error) []byte {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return nil
	}
	hexData, ok := de.ErrorData().(string)
	if !ok {
		return nil
	}
	return common.FromHex(hexData)
}
