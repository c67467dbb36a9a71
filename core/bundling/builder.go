package bundling

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/core/chainio"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/core/validation"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
	"github.com/AvaProtocol/ap-bundler/pkg/userop"
)

// RemovedOp names an op the builder evicted during re-validation, the
// revert reason, and the entity the blame heuristic resolved (nil when no
// entity could be blamed).
type RemovedOp struct {
	Hash   common.Hash
	Reason string
	Blamed *common.Address
}

// BundleResult is everything a build pass produced. NotIncluded entries go
// back to pending; MarkedToRemove entries are evicted and their blamed
// entities penalized. The caller applies both transitions.
type BundleResult struct {
	Bundle            []*model.MempoolEntry
	StorageMap        model.StorageMap
	Eip7702Tuples     []*userop.Authorization
	NotIncluded       []common.Hash
	MarkedToRemove    []RemovedOp
	TotalGas          *big.Int
	PaymasterDeposits map[common.Address]*big.Int
	Senders           []common.Address
	StakedEntityCount int
}

type Builder struct {
	mempool    *mempool.Manager
	validator  validation.Validator
	reputation *reputation.Manager
	chain      chainio.Client
	logger     logger.Logger

	maxBundleGas *big.Int
}

func NewBuilder(pool *mempool.Manager, val validation.Validator, rep *reputation.Manager, chain chainio.Client, maxBundleGas *big.Int, l logger.Logger) *Builder {
	return &Builder{
		mempool:      pool,
		validator:    val,
		reputation:   rep,
		chain:        chain,
		logger:       logger.EnsureLogger(l),
		maxBundleGas: maxBundleGas,
	}
}

// CreateBundle claims pending entries and filters them into a submittable
// bundle. force lifts the per-round size cap. Each candidate is re-validated
// against current chain state; admission-time validation has gone stale by
// the time an op reaches a bundle.
func (b *Builder) CreateBundle(ctx context.Context, force bool) (*BundleResult, error) {
	var entries []*model.MempoolEntry
	var err error
	if force {
		entries, err = b.mempool.GetAllPending()
	} else {
		entries, err = b.mempool.GetNextPending()
	}
	if err != nil {
		return nil, err
	}

	res := &BundleResult{
		StorageMap:        model.StorageMap{},
		TotalGas:          big.NewInt(0),
		PaymasterDeposits: map[common.Address]*big.Int{},
	}

	staked := newStakeChecker(ctx, b.chain, b.reputation)
	unstakedInBundle := map[common.Address]int{}
	seenSenders := map[common.Address]bool{}
	full := false

	for _, entry := range entries {
		if full {
			res.NotIncluded = append(res.NotIncluded, entry.UserOpHash)
			continue
		}

		val, verr := b.validator.SimulateValidation(ctx, entry.UserOp)
		if verr != nil {
			if _, isProtocol := validation.ErrorCode(verr); !isProtocol {
				// Infrastructure trouble, not the op's fault.
				b.logger.Error("re-validation errored", "userOpHash", entry.UserOpHash.Hex(), "error", verr)
				res.NotIncluded = append(res.NotIncluded, entry.UserOpHash)
				continue
			}
			removed := RemovedOp{Hash: entry.UserOpHash, Reason: verr.Error()}
			if blamed, ok := FindEntityToBlame(verr.Error(), entry.UserOp, staked); ok {
				removed.Blamed = &blamed
			}
			res.MarkedToRemove = append(res.MarkedToRemove, removed)
			continue
		}

		if b.footprintChanged(ctx, entry) {
			b.logger.Info("referenced contract code changed since admission",
				"userOpHash", entry.UserOpHash.Hex())
			res.NotIncluded = append(res.NotIncluded, entry.UserOpHash)
			continue
		}

		opGas := entry.UserOp.TotalGas()
		nextTotal := new(big.Int).Add(res.TotalGas, opGas)
		if nextTotal.Cmp(b.maxBundleGas) > 0 {
			res.NotIncluded = append(res.NotIncluded, entry.UserOpHash)
			full = true
			continue
		}

		if over, uerr := b.overUnstakedBundleCap(entry, val, staked, unstakedInBundle); uerr != nil {
			return nil, uerr
		} else if over {
			res.NotIncluded = append(res.NotIncluded, entry.UserOpHash)
			continue
		}

		res.Bundle = append(res.Bundle, entry)
		res.TotalGas = nextTotal
		res.StorageMap.Merge(val.StorageMap)
		if entry.UserOp.Eip7702Auth != nil {
			res.Eip7702Tuples = append(res.Eip7702Tuples, entry.UserOp.Eip7702Auth)
		}
		if !seenSenders[entry.UserOp.Sender] {
			seenSenders[entry.UserOp.Sender] = true
			res.Senders = append(res.Senders, entry.UserOp.Sender)
		}
		if entry.UserOp.HasPaymaster() {
			pm := entry.UserOp.GetPaymaster()
			if res.PaymasterDeposits[pm] == nil {
				res.PaymasterDeposits[pm] = big.NewInt(0)
			}
			res.PaymasterDeposits[pm].Add(res.PaymasterDeposits[pm], entry.Prefund)
		}
		for _, addr := range entry.Entities() {
			if staked(addr) {
				res.StakedEntityCount++
			}
		}
	}

	return res, nil
}

// footprintChanged recomputes the combined code hash of the contracts the
// op touched at admission and reports whether it drifted.
func (b *Builder) footprintChanged(ctx context.Context, entry *model.MempoolEntry) bool {
	if len(entry.ReferencedContracts.Addresses) == 0 {
		return false
	}
	hash, err := b.chain.GetCodeHashes(ctx, entry.ReferencedContracts.Addresses)
	if err != nil {
		b.logger.Error("code hash recomputation failed", "userOpHash", entry.UserOpHash.Hex(), "error", err)
		return false
	}
	return hash != entry.ReferencedContracts.Hash
}

// overUnstakedBundleCap enforces the per-bundle slot allowance for unstaked
// non-sender entities, and records the op's entities in counts when it fits.
func (b *Builder) overUnstakedBundleCap(entry *model.MempoolEntry, val *validation.Result, staked func(common.Address) bool, counts map[common.Address]int) (bool, error) {
	infos := []*model.StakeInfo{val.FactoryInfo, val.PaymasterInfo, val.AggregatorInfo}

	var unstaked []common.Address
	for _, info := range infos {
		if info == nil || info.Addr == (common.Address{}) || staked(info.Addr) {
			continue
		}
		max, err := b.reputation.CalculateMaxAllowedMempoolOpsUnstaked(info.Addr)
		if err != nil {
			return false, err
		}
		if counts[info.Addr]+1 > max {
			return true, nil
		}
		unstaked = append(unstaked, info.Addr)
	}

	for _, addr := range unstaked {
		counts[addr]++
	}
	return false, nil
}

// newStakeChecker returns a memoized stake predicate backed by on-chain
// deposit reads. Lookup failures count as unstaked.
func newStakeChecker(ctx context.Context, chain chainio.Client, rep *reputation.Manager) func(common.Address) bool {
	cache := map[common.Address]bool{}
	return func(addr common.Address) bool {
		if v, ok := cache[addr]; ok {
			return v
		}
		result := false
		if info, err := chain.GetDepositInfo(ctx, addr); err == nil {
			result = rep.CheckStake("entity", &model.StakeInfo{
				Addr:            addr,
				Stake:           info.Stake,
				UnstakeDelaySec: big.NewInt(int64(info.UnstakeDelaySec)),
			}) == nil
		}
		cache[addr] = result
		return result
	}
}
