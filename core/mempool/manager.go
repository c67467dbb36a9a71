// Package mempool is the authoritative store of admitted user operations.
// Every mutation runs inside a single state store update, so the pool and
// the per-sender entry counts never drift apart.
package mempool

import (
	"context"
	"math/big"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-bundler/core/deposit"
	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/core/state"
	"github.com/AvaProtocol/ap-bundler/core/validation"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
	"github.com/AvaProtocol/ap-bundler/pkg/userop"
)

// feeBumpPercent is the minimum relative increase, in percent, both fee
// fields of a replacement op must carry over the op it replaces.
const feeBumpPercent = 10

type Config struct {
	MaxUserOpsPerSender int
	BundleSize          int
}

type Manager struct {
	store      *state.Store
	grant      *state.Grant
	reputation *reputation.Manager
	deposit    *deposit.Manager
	cfg        Config
	logger     logger.Logger

	seq atomic.Uint64
}

var poolKeys = []state.Key{state.KeyStandardPool, state.KeyEntryCount}

func NewManager(store *state.Store, rep *reputation.Manager, dep *deposit.Manager, cfg Config, l logger.Logger) (*Manager, error) {
	grant, err := store.IssueGrant("mempool", poolKeys, []state.Op{state.OpRead, state.OpWrite})
	if err != nil {
		return nil, err
	}
	return &Manager{
		store:      store,
		grant:      grant,
		reputation: rep,
		deposit:    dep,
		cfg:        cfg,
		logger:     logger.EnsureLogger(l),
	}, nil
}

// AddUserOp runs the full admission gauntlet and, on success, inserts the
// entry and bumps EntryCount in one atomic update. val carries the stake
// records from second-pass validation; a nil val (debug skip-validation
// path) bypasses the stake and unstaked-cap gates but not the structural
// ones. Seen counters for every implicated entity are incremented after a
// successful insert.
func (m *Manager) AddUserOp(ctx context.Context, entry *model.MempoolEntry, val *validation.Result) (common.Hash, error) {
	entities := entry.Entities()

	for _, addr := range entities {
		title := m.entityTitle(entry, addr)
		if err := m.reputation.CheckBanned(title, addr); err != nil {
			return common.Hash{}, err
		}
		count, err := m.countEntriesForEntity(addr)
		if err != nil {
			return common.Hash{}, err
		}
		if err := m.reputation.CheckThrottled(title, addr, count); err != nil {
			return common.Hash{}, err
		}
	}

	if val != nil {
		if err := m.checkUnstakedEntityCaps(entry, val); err != nil {
			return common.Hash{}, err
		}
	}

	if err := m.deposit.CheckPaymasterDeposit(ctx, entry.UserOp); err != nil {
		return common.Hash{}, err
	}

	entry.Seq = m.seq.Add(1)
	entry.AddedAt = time.Now()
	entry.Status = model.StatusPending

	err := m.store.Update(m.grant, poolKeys, func(cur state.Partial) (state.Partial, error) {
		pool := state.ClonePool(cur)
		counts := state.CloneEntryCount(cur)
		sender := entry.UserOp.Sender

		if prior := findBySenderNonce(pool, sender, entry.UserOp.Nonce); prior != nil {
			if !isValidReplacement(prior.UserOp, entry.UserOp) {
				return nil, validation.ErrReplacementUnderpriced(sender.Hex())
			}
			delete(pool, prior.UserOpHash.Hex())
			counts[sender]--
		} else if counts[sender] >= m.cfg.MaxUserOpsPerSender {
			return nil, validation.ErrMaxOpsPerSender(sender.Hex())
		}

		pool[entry.UserOpHash.Hex()] = entry
		counts[sender]++
		return state.Partial{state.KeyStandardPool: pool, state.KeyEntryCount: counts}, nil
	})
	if err != nil {
		return common.Hash{}, err
	}

	for _, addr := range entities {
		if rerr := m.reputation.UpdateSeenStatus(addr, 1); rerr != nil {
			m.logger.Error("failed to bump seen counter", "address", addr.Hex(), "error", rerr)
		}
	}

	m.logger.Info("user operation admitted",
		"userOpHash", entry.UserOpHash.Hex(),
		"sender", entry.UserOp.Sender.Hex())
	return entry.UserOpHash, nil
}

func (m *Manager) entityTitle(entry *model.MempoolEntry, addr common.Address) string {
	switch addr {
	case entry.UserOp.Sender:
		return "sender"
	case entry.UserOp.GetFactory():
		return "factory"
	case entry.UserOp.GetPaymaster():
		return "paymaster"
	case entry.Aggregator:
		return "aggregator"
	}
	return "entity"
}

// checkUnstakedEntityCaps bounds pool occupancy for unstaked non-sender
// entities. Staked entities (per the configured minimums, enforced by
// CheckStake) are exempt.
func (m *Manager) checkUnstakedEntityCaps(entry *model.MempoolEntry, val *validation.Result) error {
	checks := []struct {
		title string
		info  *model.StakeInfo
	}{
		{"factory", val.FactoryInfo},
		{"paymaster", val.PaymasterInfo},
		{"aggregator", val.AggregatorInfo},
	}
	for _, c := range checks {
		if c.info == nil || c.info.Addr == (common.Address{}) {
			continue
		}
		if m.reputation.CheckStake(c.title, c.info) == nil {
			continue
		}
		max, err := m.reputation.CalculateMaxAllowedMempoolOpsUnstaked(c.info.Addr)
		if err != nil {
			return err
		}
		count, err := m.countEntriesForEntity(c.info.Addr)
		if err != nil {
			return err
		}
		if count >= max {
			return validation.ErrUnstakedEntityLimit(c.title, c.info.Addr.Hex())
		}
	}
	return nil
}

func (m *Manager) countEntriesForEntity(addr common.Address) (int, error) {
	cur, err := m.store.Get(m.grant, state.KeyStandardPool)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range state.Pool(cur) {
		if lo.Contains(entry.Entities(), addr) {
			count++
		}
	}
	return count, nil
}

func findBySenderNonce(pool map[string]*model.MempoolEntry, sender common.Address, nonce *big.Int) *model.MempoolEntry {
	for _, entry := range pool {
		if entry.UserOp.Sender == sender && entry.UserOp.Nonce.Cmp(nonce) == 0 {
			return entry
		}
	}
	return nil
}

// isValidReplacement requires both fee fields to rise by at least
// feeBumpPercent over the op being replaced.
func isValidReplacement(prior, candidate *userop.UserOperation) bool {
	return bumped(prior.MaxFeePerGas, candidate.MaxFeePerGas) &&
		bumped(prior.MaxPriorityFeePerGas, candidate.MaxPriorityFeePerGas)
}

func bumped(prior, candidate *big.Int) bool {
	floor := new(big.Int).Mul(prior, big.NewInt(100+feeBumpPercent))
	floor.Div(floor, big.NewInt(100))
	return candidate.Cmp(floor) >= 0
}

// FindByHash returns the entry for hash, or nil.
func (m *Manager) FindByHash(hash common.Hash) (*model.MempoolEntry, error) {
	cur, err := m.store.Get(m.grant, state.KeyStandardPool)
	if err != nil {
		return nil, err
	}
	return state.Pool(cur)[hash.Hex()], nil
}

// RemoveUserOp deletes the entry and decrements its sender's count,
// dropping the sender key at zero. Removing an absent hash is a no-op
// returning false.
func (m *Manager) RemoveUserOp(hash common.Hash) (bool, error) {
	removed := false
	err := m.store.Update(m.grant, poolKeys, func(cur state.Partial) (state.Partial, error) {
		pool := state.ClonePool(cur)
		counts := state.CloneEntryCount(cur)

		entry, ok := pool[hash.Hex()]
		if !ok {
			removed = false
			return state.Partial{state.KeyStandardPool: pool, state.KeyEntryCount: counts}, nil
		}

		delete(pool, hash.Hex())
		sender := entry.UserOp.Sender
		counts[sender]--
		if counts[sender] <= 0 {
			delete(counts, sender)
		}
		removed = true
		return state.Partial{state.KeyStandardPool: pool, state.KeyEntryCount: counts}, nil
	})
	return removed, err
}

// GetNextPending marks up to bundleSize pending entries as bundling and
// returns them oldest-first. The marking happens inside the state lock, so
// overlapping builder passes can never claim the same entry.
func (m *Manager) GetNextPending() ([]*model.MempoolEntry, error) {
	return m.claimPending(m.cfg.BundleSize)
}

// GetAllPending is GetNextPending without the size cap, used for forced
// flush bundling.
func (m *Manager) GetAllPending() ([]*model.MempoolEntry, error) {
	return m.claimPending(0)
}

func (m *Manager) claimPending(limit int) ([]*model.MempoolEntry, error) {
	var claimed []*model.MempoolEntry
	err := m.store.Update(m.grant, []state.Key{state.KeyStandardPool}, func(cur state.Partial) (state.Partial, error) {
		pool := state.ClonePool(cur)

		var eligible []*model.MempoolEntry
		for _, entry := range pool {
			if entry.Status == model.StatusPending {
				eligible = append(eligible, entry)
			}
		}
		sort.Slice(eligible, func(i, j int) bool { return eligible[i].Seq < eligible[j].Seq })

		if limit > 0 && len(eligible) > limit {
			eligible = eligible[:limit]
		}
		for _, entry := range eligible {
			entry.Status = model.StatusBundling
		}
		claimed = eligible
		return state.Partial{state.KeyStandardPool: pool}, nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// UpdateEntryStatus transitions an entry in place. Unknown hashes are
// ignored.
func (m *Manager) UpdateEntryStatus(hash common.Hash, status model.EntryStatus) error {
	return m.store.Update(m.grant, []state.Key{state.KeyStandardPool}, func(cur state.Partial) (state.Partial, error) {
		pool := state.ClonePool(cur)
		if entry, ok := pool[hash.Hex()]; ok {
			entry.Status = status
		}
		return state.Partial{state.KeyStandardPool: pool}, nil
	})
}

// IsMempoolOverloaded reports whether the pool holds at least a full
// bundle's worth of entries, signalling urgency to the auto bundler.
func (m *Manager) IsMempoolOverloaded() (bool, error) {
	size, err := m.Size()
	if err != nil {
		return false, err
	}
	return size >= m.cfg.BundleSize, nil
}

// RemoveUserOpsForBannedAddr evicts every entry implicating addr and
// returns the evicted hashes.
func (m *Manager) RemoveUserOpsForBannedAddr(addr common.Address) ([]common.Hash, error) {
	var evicted []common.Hash
	err := m.store.Update(m.grant, poolKeys, func(cur state.Partial) (state.Partial, error) {
		pool := state.ClonePool(cur)
		counts := state.CloneEntryCount(cur)

		evicted = evicted[:0]
		for key, entry := range pool {
			if !lo.Contains(entry.Entities(), addr) {
				continue
			}
			delete(pool, key)
			sender := entry.UserOp.Sender
			counts[sender]--
			if counts[sender] <= 0 {
				delete(counts, sender)
			}
			evicted = append(evicted, entry.UserOpHash)
		}
		return state.Partial{state.KeyStandardPool: pool, state.KeyEntryCount: counts}, nil
	})
	if err != nil {
		return nil, err
	}
	if len(evicted) > 0 {
		m.logger.Info("evicted ops for banned entity", "address", addr.Hex(), "count", len(evicted))
	}
	return evicted, nil
}

// Size returns the number of pooled entries.
func (m *Manager) Size() (int, error) {
	cur, err := m.store.Get(m.grant, state.KeyStandardPool)
	if err != nil {
		return 0, err
	}
	return len(state.Pool(cur)), nil
}

// Dump returns every entry sorted by admission order.
func (m *Manager) Dump() ([]*model.MempoolEntry, error) {
	cur, err := m.store.Get(m.grant, state.KeyStandardPool)
	if err != nil {
		return nil, err
	}
	entries := lo.Values(state.Pool(cur))
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}

// ClearState wipes the pool and the counts.
func (m *Manager) ClearState() error {
	return m.store.Update(m.grant, poolKeys, func(cur state.Partial) (state.Partial, error) {
		return state.Partial{
			state.KeyStandardPool: map[string]*model.MempoolEntry{},
			state.KeyEntryCount:   map[common.Address]int{},
		}, nil
	})
}

// GetKnownSenders returns the distinct sender addresses currently pooled.
func (m *Manager) GetKnownSenders() ([]common.Address, error) {
	cur, err := m.store.Get(m.grant, state.KeyStandardPool)
	if err != nil {
		return nil, err
	}
	senders := map[common.Address]bool{}
	for _, entry := range state.Pool(cur) {
		senders[entry.UserOp.Sender] = true
	}
	return lo.Keys(senders), nil
}

// GetKnownEntities returns every distinct entity address represented in
// the pool, senders included.
func (m *Manager) GetKnownEntities() ([]common.Address, error) {
	cur, err := m.store.Get(m.grant, state.KeyStandardPool)
	if err != nil {
		return nil, err
	}
	entities := map[common.Address]bool{}
	for _, entry := range state.Pool(cur) {
		for _, addr := range entry.Entities() {
			entities[addr] = true
		}
	}
	return lo.Keys(entities), nil
}
