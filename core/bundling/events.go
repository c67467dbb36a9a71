package bundling

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/core/chainio"
	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/core/state"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

// initialLookback is how far behind the head the watermark starts on a
// fresh node, so recently included ops are still observed after a restart.
const initialLookback = 1000

// EventManager folds on-chain ground truth back into the node: entrypoint
// logs credit inclusions and evict completed ops, bundle transaction
// receipts free up signers. The block watermark lives in the state store
// and is memory only; a restart re-derives it from the current head.
type EventManager struct {
	chain      chainio.Client
	mempool    *mempool.Manager
	reputation *reputation.Manager
	store      *state.Store
	grant      *state.Grant
	logger     logger.Logger

	// onInclusion, when set, fires once per UserOperationEvent observed.
	onInclusion func(hash common.Hash)
}

var eventKeys = []state.Key{state.KeyLastBlock, state.KeyBundleTxs}

func NewEventManager(chain chainio.Client, pool *mempool.Manager, rep *reputation.Manager, store *state.Store, l logger.Logger) (*EventManager, error) {
	grant, err := store.IssueGrant("events", eventKeys, []state.Op{state.OpRead, state.OpWrite})
	if err != nil {
		return nil, err
	}
	return &EventManager{
		chain:      chain,
		mempool:    pool,
		reputation: rep,
		store:      store,
		grant:      grant,
		logger:     logger.EnsureLogger(l),
	}, nil
}

// SetOnInclusion installs a hook fired for every observed inclusion event.
func (e *EventManager) SetOnInclusion(fn func(hash common.Hash)) {
	e.onInclusion = fn
}

// Reconcile processes entrypoint logs since the watermark and settles
// pending bundle transactions against their receipts. The bundle manager
// calls it at the start of every attempt so bundles are built against
// current ground truth.
func (e *EventManager) Reconcile(ctx context.Context) error {
	head, err := e.chain.HeadBlockNumber(ctx)
	if err != nil {
		return err
	}

	from, err := e.nextFromBlock(head)
	if err != nil {
		return err
	}
	if from > head {
		return e.settleBundleTxs(ctx)
	}

	logs, err := e.chain.FilterEntryPointLogs(ctx, from, head)
	if err != nil {
		return err
	}

	for _, lg := range logs {
		if len(lg.Topics) == 0 {
			continue
		}
		switch lg.Topics[0] {
		case aa.UserOperationEventTopic():
			ev, perr := aa.ParseUserOperationEvent(lg)
			if perr != nil {
				e.logger.Error("bad UserOperationEvent log", "error", perr)
				continue
			}
			e.applyInclusion(ev)
		case aa.AccountDeployedTopic():
			factory, perr := aa.ParseAccountDeployed(lg)
			if perr != nil {
				e.logger.Error("bad AccountDeployed log", "error", perr)
				continue
			}
			e.credit(factory)
		case aa.SignatureAggregatorChangedTopic():
			aggregator, perr := aa.ParseAggregatorChanged(lg)
			if perr != nil {
				e.logger.Error("bad SignatureAggregatorChanged log", "error", perr)
				continue
			}
			if aggregator != (common.Address{}) {
				e.credit(aggregator)
			}
		}
	}

	if err := e.setLastBlock(head); err != nil {
		return err
	}
	return e.settleBundleTxs(ctx)
}

// applyInclusion evicts the included op and credits every entity it
// implicated. When the op is unknown (submitted by another bundler, or
// lost to a restart) the event's own sender and paymaster still get
// credited.
func (e *EventManager) applyInclusion(ev *aa.UserOperationEvent) {
	if e.onInclusion != nil {
		e.onInclusion(ev.UserOpHash)
	}

	entry, err := e.mempool.FindByHash(ev.UserOpHash)
	if err != nil {
		e.logger.Error("mempool lookup failed during reconciliation", "error", err)
		return
	}

	if entry != nil {
		if _, err := e.mempool.RemoveUserOp(ev.UserOpHash); err != nil {
			e.logger.Error("failed to evict included op", "userOpHash", ev.UserOpHash.Hex(), "error", err)
		}
		for _, addr := range entry.Entities() {
			e.credit(addr)
		}
		e.logger.Info("op included on chain",
			"userOpHash", ev.UserOpHash.Hex(), "success", ev.Success)
		return
	}

	e.credit(ev.Sender)
	if ev.Paymaster != (common.Address{}) {
		e.credit(ev.Paymaster)
	}
}

func (e *EventManager) credit(addr common.Address) {
	if err := e.reputation.UpdateIncludedStatus(addr); err != nil {
		e.logger.Error("failed to credit inclusion", "address", addr.Hex(), "error", err)
	}
}

// settleBundleTxs resolves pending bundle transactions against receipts so
// their signers become available again. Ops riding in a reverted bundle go
// back to pending so the next attempt can pick them up; inclusion or
// eviction of the individually guilty op happens through the log path.
func (e *EventManager) settleBundleTxs(ctx context.Context) error {
	cur, err := e.store.Get(e.grant, state.KeyBundleTxs)
	if err != nil {
		return err
	}

	settled := map[common.Hash]model.BundleTxStatus{}
	for txHash, tx := range state.BundleTxs(cur) {
		if tx.Status != model.BundleTxPending {
			continue
		}
		receipt, rerr := e.chain.TransactionReceipt(ctx, txHash)
		if rerr != nil || receipt == nil {
			continue
		}
		if receipt.Status == 1 {
			settled[txHash] = model.BundleTxConfirmed
		} else {
			settled[txHash] = model.BundleTxFailed
			e.logger.Error("bundle transaction reverted on chain", "txHash", txHash.Hex())
			e.releaseBundledOps(tx.UserOpHashes)
		}
	}
	if len(settled) == 0 {
		return nil
	}

	keys := []state.Key{state.KeyBundleTxs}
	return e.store.Update(e.grant, keys, func(cur state.Partial) (state.Partial, error) {
		txs := state.CloneBundleTxs(cur)
		for txHash, status := range settled {
			if tx, ok := txs[txHash]; ok {
				updated := *tx
				updated.Status = status
				txs[txHash] = &updated
			}
		}
		return state.Partial{state.KeyBundleTxs: txs}, nil
	})
}

// releaseBundledOps returns a reverted bundle's ops to pending. Hashes no
// longer in the pool (already included or evicted) are skipped by the
// status update itself.
func (e *EventManager) releaseBundledOps(hashes []common.Hash) {
	for _, h := range hashes {
		if err := e.mempool.UpdateEntryStatus(h, model.StatusPending); err != nil {
			e.logger.Error("failed to release op from reverted bundle", "userOpHash", h.Hex(), "error", err)
		}
	}
}

func (e *EventManager) nextFromBlock(head uint64) (uint64, error) {
	cur, err := e.store.Get(e.grant, state.KeyLastBlock)
	if err != nil {
		return 0, err
	}
	last := state.LastBlock(cur)
	if last == 0 {
		if head > initialLookback {
			return head - initialLookback, nil
		}
		return 0, nil
	}
	return last + 1, nil
}

func (e *EventManager) setLastBlock(block uint64) error {
	keys := []state.Key{state.KeyLastBlock}
	return e.store.Update(e.grant, keys, func(cur state.Partial) (state.Partial, error) {
		return state.Partial{state.KeyLastBlock: block}, nil
	})
}
