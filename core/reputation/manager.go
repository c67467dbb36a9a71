// Package reputation tracks per-entity opsSeen/opsIncluded counters and
// derives OK/THROTTLED/BANNED status per the ERC-4337 reputation rules.
// Blacklist and whitelist membership override the derived status, blacklist
// winning when an address sits in both.
package reputation

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-co-op/gocron/v2"

	"github.com/AvaProtocol/ap-bundler/core/state"
	"github.com/AvaProtocol/ap-bundler/core/validation"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

const (
	// ThrottledEntityMempoolCount caps how many pending ops a throttled
	// entity may keep in the pool before further submissions are refused.
	ThrottledEntityMempoolCount = 4

	// crashedHandleOpsPenalty is added to opsSeen when an entity's presence
	// reverts a whole bundle submission. Large enough to push any realistic
	// inclusion ratio straight past the ban threshold.
	crashedHandleOpsPenalty = 10000

	// sameUnstakedEntityMempoolCount is the base allowance for unstaked
	// non-sender entities with no inclusion history.
	sameUnstakedEntityMempoolCount = 10

	// inclusionRateFactor scales an entity's historical inclusion rate into
	// extra mempool slots.
	inclusionRateFactor = 10
)

type Config struct {
	MinInclusionDenominator uint64
	ThrottlingSlack         uint64
	BanSlack                uint64
	MinStake                *big.Int
	MinUnstakeDelay         *big.Int
	DecayInterval           time.Duration
}

// Manager holds no counters of its own. Every read and write goes through
// the state store under this module's grant, so status derivation always
// sees the same snapshot the mempool does.
type Manager struct {
	store  *state.Store
	grant  *state.Grant
	cfg    Config
	logger logger.Logger

	cronMu    sync.Mutex
	scheduler gocron.Scheduler
}

var reputationKeys = []state.Key{state.KeyReputation, state.KeyWhiteList, state.KeyBlackList}

func NewManager(store *state.Store, cfg Config, l logger.Logger) (*Manager, error) {
	grant, err := store.IssueGrant("reputation", reputationKeys, []state.Op{state.OpRead, state.OpWrite})
	if err != nil {
		return nil, err
	}
	if cfg.DecayInterval == 0 {
		cfg.DecayInterval = time.Hour
	}
	// statusFrom divides by the denominator; an explicit zero in the
	// config file must not take the node down.
	if cfg.MinInclusionDenominator == 0 {
		cfg.MinInclusionDenominator = 10
	}
	return &Manager{store: store, grant: grant, cfg: cfg, logger: logger.EnsureLogger(l)}, nil
}

// GetStatus derives the entity's current standing. List membership is
// checked before counters: blacklist forces BANNED, then whitelist forces
// OK, then the seen/included ratio decides.
func (m *Manager) GetStatus(addr common.Address) (model.ReputationStatus, error) {
	cur, err := m.store.Get(m.grant, reputationKeys...)
	if err != nil {
		return model.ReputationOK, err
	}
	return m.statusFrom(cur, addr), nil
}

func (m *Manager) statusFrom(cur state.Partial, addr common.Address) model.ReputationStatus {
	if state.AddressSet(cur, state.KeyBlackList)[addr] {
		return model.ReputationBanned
	}
	if state.AddressSet(cur, state.KeyWhiteList)[addr] {
		return model.ReputationOK
	}

	entry, ok := state.Reputation(cur)[addr]
	if !ok || entry.OpsSeen == 0 {
		return model.ReputationOK
	}

	minExpectedIncluded := entry.OpsSeen / m.cfg.MinInclusionDenominator
	switch {
	case minExpectedIncluded <= entry.OpsIncluded+m.cfg.ThrottlingSlack:
		return model.ReputationOK
	case minExpectedIncluded <= entry.OpsIncluded+m.cfg.BanSlack:
		return model.ReputationThrottled
	default:
		return model.ReputationBanned
	}
}

// UpdateSeenStatus adjusts an entity's opsSeen counter by delta (±1 in
// practice). Decrements clamp at zero.
func (m *Manager) UpdateSeenStatus(addr common.Address, delta int) error {
	return m.mutateEntry(addr, func(e *model.ReputationEntry) {
		if delta < 0 {
			dec := uint64(-delta)
			if dec > e.OpsSeen {
				e.OpsSeen = 0
			} else {
				e.OpsSeen -= dec
			}
			return
		}
		e.OpsSeen += uint64(delta)
	})
}

// UpdateIncludedStatus credits an entity for an on-chain inclusion.
func (m *Manager) UpdateIncludedStatus(addr common.Address) error {
	return m.mutateEntry(addr, func(e *model.ReputationEntry) {
		e.OpsIncluded++
	})
}

// CrashedHandleOps applies the severe penalty for an entity that caused a
// whole bundle transaction to revert on chain.
func (m *Manager) CrashedHandleOps(addr common.Address) error {
	m.logger.Info("applying crashedHandleOps reputation penalty", "address", addr.Hex())
	return m.mutateEntry(addr, func(e *model.ReputationEntry) {
		e.OpsSeen += crashedHandleOpsPenalty
		e.OpsIncluded = 0
	})
}

func (m *Manager) mutateEntry(addr common.Address, fn func(*model.ReputationEntry)) error {
	keys := []state.Key{state.KeyReputation}
	return m.store.Update(m.grant, keys, func(cur state.Partial) (state.Partial, error) {
		entries := state.CloneReputation(cur)
		entry, ok := entries[addr]
		if !ok {
			entry = &model.ReputationEntry{}
			entries[addr] = entry
		}
		fn(entry)
		return state.Partial{state.KeyReputation: entries}, nil
	})
}

// CheckBanned is an admission gate: a banned entity fails with a typed
// reputation error naming its role in the op.
func (m *Manager) CheckBanned(title string, addr common.Address) error {
	status, err := m.GetStatus(addr)
	if err != nil {
		return err
	}
	if status == model.ReputationBanned {
		return validation.ErrBannedEntity(title, addr.Hex())
	}
	return nil
}

// CheckThrottled refuses further submissions from a throttled entity once
// it already occupies ThrottledEntityMempoolCount pool slots.
func (m *Manager) CheckThrottled(title string, addr common.Address, pendingOps int) error {
	status, err := m.GetStatus(addr)
	if err != nil {
		return err
	}
	if status == model.ReputationThrottled && pendingOps >= ThrottledEntityMempoolCount {
		return validation.ErrThrottledEntity(title, addr.Hex())
	}
	return nil
}

// CheckStake validates an entity's entrypoint stake against the configured
// minimums. A nil or zero-address info means the entity is absent from the
// op and passes trivially. Whitelisted entities skip the stake requirement.
func (m *Manager) CheckStake(title string, info *model.StakeInfo) error {
	if info == nil || info.Addr == (common.Address{}) {
		return nil
	}

	cur, err := m.store.Get(m.grant, reputationKeys...)
	if err != nil {
		return err
	}
	if state.AddressSet(cur, state.KeyWhiteList)[info.Addr] && !state.AddressSet(cur, state.KeyBlackList)[info.Addr] {
		return nil
	}
	if m.statusFrom(cur, info.Addr) == model.ReputationBanned {
		return validation.ErrBannedEntity(title, info.Addr.Hex())
	}

	if info.Stake == nil || info.Stake.Cmp(m.cfg.MinStake) < 0 {
		return validation.ErrStakeTooLow(title, info.Addr.Hex())
	}
	if info.UnstakeDelaySec == nil || info.UnstakeDelaySec.Cmp(m.cfg.MinUnstakeDelay) < 0 {
		return validation.ErrStakeTooLow(title, info.Addr.Hex())
	}
	return nil
}

// CalculateMaxAllowedMempoolOpsUnstaked bounds how many pool slots an
// unstaked non-sender entity may hold, growing with its inclusion history.
func (m *Manager) CalculateMaxAllowedMempoolOpsUnstaked(addr common.Address) (int, error) {
	cur, err := m.store.Get(m.grant, state.KeyReputation)
	if err != nil {
		return 0, err
	}
	entry, ok := state.Reputation(cur)[addr]
	if !ok || entry.OpsSeen == 0 {
		return sameUnstakedEntityMempoolCount, nil
	}

	inclusionRate := float64(entry.OpsIncluded) / float64(entry.OpsSeen)
	bonus := entry.OpsIncluded
	if bonus > 10000 {
		bonus = 10000
	}
	return sameUnstakedEntityMempoolCount + int(inclusionRate*inclusionRateFactor) + int(bonus), nil
}

// SeedLists installs the configured whitelist and blacklist. Called once at
// startup; replaces both sets wholesale.
func (m *Manager) SeedLists(whitelist, blacklist []common.Address) error {
	return m.store.Update(m.grant, reputationKeys, func(cur state.Partial) (state.Partial, error) {
		white := make(map[common.Address]bool, len(whitelist))
		for _, addr := range whitelist {
			white[addr] = true
		}
		black := make(map[common.Address]bool, len(blacklist))
		for _, addr := range blacklist {
			black[addr] = true
		}
		return state.Partial{
			state.KeyReputation: state.Reputation(cur),
			state.KeyWhiteList:  white,
			state.KeyBlackList:  black,
		}, nil
	})
}

// StartHourlyCron begins the periodic counter decay. Calling it while a
// scheduler is already running restarts it.
func (m *Manager) StartHourlyCron() error {
	m.cronMu.Lock()
	defer m.cronMu.Unlock()

	if m.scheduler != nil {
		if err := m.scheduler.Shutdown(); err != nil {
			m.logger.Error("failed to stop previous reputation scheduler", "error", err)
		}
		m.scheduler = nil
	}

	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return fmt.Errorf("failed to initialize reputation scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(m.cfg.DecayInterval),
		gocron.NewTask(func() {
			if err := m.decay(); err != nil {
				m.logger.Error("reputation decay failed", "error", err)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule reputation decay: %w", err)
	}

	scheduler.Start()
	m.scheduler = scheduler
	return nil
}

// StopHourlyCron stops the decay task. Safe to call when not running.
func (m *Manager) StopHourlyCron() {
	m.cronMu.Lock()
	defer m.cronMu.Unlock()

	if m.scheduler == nil {
		return
	}
	if err := m.scheduler.Shutdown(); err != nil {
		m.logger.Error("failed to stop reputation scheduler", "error", err)
	}
	m.scheduler = nil
}

// decay shrinks every counter to 23/24ths, floored, so reputation reflects
// recent behavior and small counters still reach zero. Entries that reach
// zero on both counters are dropped.
func (m *Manager) decay() error {
	keys := []state.Key{state.KeyReputation}
	return m.store.Update(m.grant, keys, func(cur state.Partial) (state.Partial, error) {
		entries := state.CloneReputation(cur)
		for addr, entry := range entries {
			entry.OpsSeen = entry.OpsSeen * 23 / 24
			entry.OpsIncluded = entry.OpsIncluded * 23 / 24
			if entry.OpsSeen == 0 && entry.OpsIncluded == 0 {
				delete(entries, addr)
			}
		}
		return state.Partial{state.KeyReputation: entries}, nil
	})
}

// SetEntry overwrites an entity's raw counters, used by the debug namespace.
func (m *Manager) SetEntry(addr common.Address, opsSeen, opsIncluded uint64) error {
	return m.mutateEntry(addr, func(e *model.ReputationEntry) {
		e.OpsSeen = opsSeen
		e.OpsIncluded = opsIncluded
	})
}

// Dump returns every tracked entity with its counters and derived status,
// used by the debug namespace.
func (m *Manager) Dump() (map[common.Address]model.ReputationView, error) {
	cur, err := m.store.Get(m.grant, reputationKeys...)
	if err != nil {
		return nil, err
	}

	out := make(map[common.Address]model.ReputationView)
	for addr, entry := range state.Reputation(cur) {
		out[addr] = model.ReputationView{
			OpsSeen:     entry.OpsSeen,
			OpsIncluded: entry.OpsIncluded,
			Status:      m.statusFrom(cur, addr),
		}
	}
	return out, nil
}

// Clear wipes all counters, used by the debug namespace. List membership
// is configuration and survives.
func (m *Manager) Clear() error {
	keys := []state.Key{state.KeyReputation}
	return m.store.Update(m.grant, keys, func(cur state.Partial) (state.Partial, error) {
		return state.Partial{state.KeyReputation: map[common.Address]*model.ReputationEntry{}}, nil
	})
}
