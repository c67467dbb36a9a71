package bundler

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/AvaProtocol/ap-bundler/core/audit"
	"github.com/AvaProtocol/ap-bundler/core/bundling"
	"github.com/AvaProtocol/ap-bundler/core/validation"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/userop"
)

// newRpcServer builds the JSON-RPC handler exposing the eth_* admission
// namespace and the debug_bundler_* operator namespace. The returned server
// is mounted into the echo HTTP server.
func (n *Node) newRpcServer() (*rpc.Server, error) {
	server := rpc.NewServer()
	if err := server.RegisterName("eth", &EthAPI{node: n}); err != nil {
		return nil, err
	}
	if err := server.RegisterName("debug_bundler", &DebugAPI{node: n}); err != nil {
		return nil, err
	}
	return server, nil
}

// EthAPI is the client-facing admission surface.
type EthAPI struct {
	node *Node
}

// SendUserOperation validates, simulates and pools a user operation.
// Returns the userOpHash on success; rejections surface as JSON-RPC errors
// with stable numeric codes.
func (api *EthAPI) SendUserOperation(ctx context.Context, op map[string]any, entryPoint string) (string, error) {
	n := api.node

	if !common.IsHexAddress(entryPoint) || common.HexToAddress(entryPoint) != n.config.EntryPoint {
		return "", validation.ErrInvalidFields("unsupported entryPoint: %s", entryPoint)
	}

	parsed, err := userop.FromMap(op)
	if err != nil {
		err = validation.ErrInvalidFields("%s", err.Error())
		n.recordRejection("", err)
		return "", err
	}

	hash := parsed.GetUserOpHash(n.config.EntryPoint, n.chain.ChainID())

	if err := n.rule.Check(parsed); err != nil {
		n.recordRejection(hash.Hex(), err)
		return "", err
	}

	val, err := n.validator.SimulateValidation(ctx, parsed)
	if err != nil {
		n.recordRejection(hash.Hex(), err)
		return "", err
	}

	prefund := val.ReturnInfo.Prefund
	if prefund == nil {
		prefund = parsed.MaxPrefund()
	}
	entry := &model.MempoolEntry{
		UserOp:              parsed,
		UserOpHash:          hash,
		Prefund:             prefund,
		ReferencedContracts: val.ReferencedContracts,
		Aggregator:          val.Aggregator,
	}
	if _, err := n.mempool.AddUserOp(ctx, entry, val); err != nil {
		n.recordRejection(hash.Hex(), err)
		return "", err
	}

	n.recordAdmission(hash.Hex())
	return hash.Hex(), nil
}

func (api *EthAPI) SupportedEntryPoints() ([]string, error) {
	return []string{api.node.config.EntryPoint.Hex()}, nil
}

func (api *EthAPI) ChainId() (string, error) {
	return hexutil.EncodeBig(api.node.chain.ChainID()), nil
}

// recordAdmission and recordRejection keep metrics and the audit trail in
// step with every admission verdict.
func (n *Node) recordAdmission(hash string) {
	n.metrics.IncOpsAdmitted()
	n.trail.Append(audit.KindAdmitted, hash, "", "")
	if size, err := n.mempool.Size(); err == nil {
		n.metrics.SetMempoolSize(size)
	}
}

func (n *Node) recordRejection(hash string, cause error) {
	code, ok := validation.ErrorCode(cause)
	if !ok {
		code = validation.CodeSimulateValidation
	}
	n.metrics.IncOpsRejected(fmt.Sprintf("%d", code))
	n.trail.Append(audit.KindRejected, hash, "", cause.Error())
}

// DebugAPI is the operator-facing surface. It is unauthenticated and meant
// to stay off public listeners.
type DebugAPI struct {
	node *Node
}

// ClearState drops the mempool, all reputation counters and the list
// overrides.
func (api *DebugAPI) ClearState() (string, error) {
	if err := api.node.mempool.ClearState(); err != nil {
		return "", err
	}
	if err := api.node.reputation.Clear(); err != nil {
		return "", err
	}
	return "ok", nil
}

// DumpMempool returns every pooled op in admission order.
func (api *DebugAPI) DumpMempool(entryPoint string) ([]*userop.UserOperation, error) {
	entries, err := api.node.mempool.Dump()
	if err != nil {
		return nil, err
	}
	ops := make([]*userop.UserOperation, 0, len(entries))
	for _, entry := range entries {
		ops = append(ops, entry.UserOp)
	}
	return ops, nil
}

func (api *DebugAPI) ClearMempool() (string, error) {
	if err := api.node.mempool.ClearState(); err != nil {
		return "", err
	}
	return "ok", nil
}

func (api *DebugAPI) SetBundlingMode(mode string) (string, error) {
	if err := api.node.bundler.SetBundlingMode(bundling.Mode(strings.ToLower(mode))); err != nil {
		return "", err
	}
	return "ok", nil
}

// SendBundleNow forces one synchronous bundling attempt and returns its
// outcome. Errors propagate, unlike the timer path.
func (api *DebugAPI) SendBundleNow(ctx context.Context) (*bundling.SendResult, error) {
	return api.node.bundler.DoAttemptBundle(ctx, true)
}

// ReputationParam is one entity override for SetReputation.
type ReputationParam struct {
	Address     string `json:"address"`
	OpsSeen     uint64 `json:"opsSeen"`
	OpsIncluded uint64 `json:"opsIncluded"`
}

func (api *DebugAPI) SetReputation(entries []ReputationParam) (string, error) {
	for _, e := range entries {
		if !common.IsHexAddress(e.Address) {
			return "", validation.ErrInvalidFields("not an address: %q", e.Address)
		}
		if err := api.node.reputation.SetEntry(common.HexToAddress(e.Address), e.OpsSeen, e.OpsIncluded); err != nil {
			return "", err
		}
	}
	return "ok", nil
}

// ReputationDump is one entity's standing as returned by DumpReputation.
type ReputationDump struct {
	Address     string `json:"address"`
	OpsSeen     uint64 `json:"opsSeen"`
	OpsIncluded uint64 `json:"opsIncluded"`
	Status      string `json:"status"`
}

func (api *DebugAPI) DumpReputation() ([]ReputationDump, error) {
	views, err := api.node.reputation.Dump()
	if err != nil {
		return nil, err
	}
	out := make([]ReputationDump, 0, len(views))
	for addr, view := range views {
		out = append(out, ReputationDump{
			Address:     addr.Hex(),
			OpsSeen:     view.OpsSeen,
			OpsIncluded: view.OpsIncluded,
			Status:      view.Status.String(),
		})
	}
	return out, nil
}

func (api *DebugAPI) ClearReputation() (string, error) {
	if err := api.node.reputation.Clear(); err != nil {
		return "", err
	}
	return "ok", nil
}

// AddUserOps pools raw ops without second-pass validation. Structural
// checks, reputation gates and replacement rules still apply.
func (api *DebugAPI) AddUserOps(ctx context.Context, ops []map[string]any) (string, error) {
	n := api.node
	for _, raw := range ops {
		parsed, err := userop.FromMap(raw)
		if err != nil {
			return "", validation.ErrInvalidFields("%s", err.Error())
		}
		entry := &model.MempoolEntry{
			UserOp:     parsed,
			UserOpHash: parsed.GetUserOpHash(n.config.EntryPoint, n.chain.ChainID()),
			Prefund:    parsed.MaxPrefund(),
		}
		if _, err := n.mempool.AddUserOp(ctx, entry, nil); err != nil {
			return "", err
		}
		n.recordAdmission(entry.UserOpHash.Hex())
	}
	return "ok", nil
}

// DumpAudit returns the persisted admission and bundling trail, oldest
// first.
func (api *DebugAPI) DumpAudit() ([]audit.Record, error) {
	return api.node.trail.Dump()
}

// StakeStatus is the reply shape of GetStakeStatus.
type StakeStatus struct {
	StakeInfo *model.StakeInfo `json:"stakeInfo"`
	IsStaked  bool             `json:"isStaked"`
}

// GetStakeStatus reads an entity's entrypoint deposit record and reports
// whether it clears the configured stake minimums.
func (api *DebugAPI) GetStakeStatus(ctx context.Context, address, entryPoint string) (*StakeStatus, error) {
	n := api.node
	if !common.IsHexAddress(address) {
		return nil, validation.ErrInvalidFields("not an address: %q", address)
	}
	if !common.IsHexAddress(entryPoint) || common.HexToAddress(entryPoint) != n.config.EntryPoint {
		return nil, validation.ErrInvalidFields("unsupported entryPoint: %s", entryPoint)
	}

	addr := common.HexToAddress(address)
	dep, err := n.chain.GetDepositInfo(ctx, addr)
	if err != nil {
		return nil, err
	}

	info := &model.StakeInfo{
		Addr:            addr,
		Stake:           dep.Stake,
		UnstakeDelaySec: new(big.Int).SetUint64(uint64(dep.UnstakeDelaySec)),
	}
	return &StakeStatus{
		StakeInfo: info,
		IsStaked:  n.reputation.CheckStake("entity", info) == nil,
	}, nil
}
