package bundling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-co-op/gocron/v2"

	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

// Mode selects between timer-driven and operator-driven bundling.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeManual Mode = "manual"
)

// Manager is the bundling state machine. attemptMu enforces the one
// invariant that matters here: at most one build+send pass in flight. The
// timer path skips when an attempt is running; the manual path waits its
// turn.
type Manager struct {
	builder    *Builder
	processor  *Processor
	events     *EventManager
	mempool    *mempool.Manager
	reputation *reputation.Manager
	logger     logger.Logger
	interval   time.Duration

	attemptMu sync.Mutex

	cronMu    sync.Mutex
	scheduler gocron.Scheduler
	mode      Mode

	observer Observer
}

// Observer receives bundling outcomes. The node attaches one to feed
// metrics and the audit trail; nil fields are skipped.
type Observer struct {
	OnAttempt func(res *SendResult, err error)
	OnEvict   func(hash common.Hash, reason string)
}

func NewManager(builder *Builder, processor *Processor, events *EventManager, pool *mempool.Manager, rep *reputation.Manager, interval time.Duration, l logger.Logger) *Manager {
	return &Manager{
		builder:    builder,
		processor:  processor,
		events:     events,
		mempool:    pool,
		reputation: rep,
		logger:     logger.EnsureLogger(l),
		interval:   interval,
		mode:       ModeManual,
	}
}

// SetObserver must be called before the first attempt; the hooks run on the
// attempt goroutine.
func (m *Manager) SetObserver(obs Observer) {
	m.observer = obs
}

// SetBundlingMode switches between auto and manual bundling. Auto (re)starts
// the recurring timer; manual cancels it. Repeating the current mode is a
// safe no-op for manual and a timer restart for auto.
func (m *Manager) SetBundlingMode(mode Mode) error {
	if mode != ModeAuto && mode != ModeManual {
		return fmt.Errorf("unknown bundling mode %q", mode)
	}

	m.cronMu.Lock()
	defer m.cronMu.Unlock()

	if m.scheduler != nil {
		if err := m.scheduler.Shutdown(); err != nil {
			m.logger.Error("failed to stop bundling scheduler", "error", err)
		}
		m.scheduler = nil
	}
	m.mode = mode
	if mode == ModeManual {
		m.logger.Info("bundling mode set to manual")
		return nil
	}

	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return fmt.Errorf("failed to initialize bundling scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(m.interval),
		gocron.NewTask(func() {
			m.attemptFromTimer()
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule auto bundling: %w", err)
	}
	scheduler.Start()
	m.scheduler = scheduler
	m.logger.Info("bundling mode set to auto", "interval", m.interval.String())
	return nil
}

// Mode returns the current bundling mode.
func (m *Manager) Mode() Mode {
	m.cronMu.Lock()
	defer m.cronMu.Unlock()
	return m.mode
}

// Stop cancels the timer if running. Idempotent; used at shutdown.
func (m *Manager) Stop() {
	m.cronMu.Lock()
	defer m.cronMu.Unlock()
	if m.scheduler == nil {
		return
	}
	if err := m.scheduler.Shutdown(); err != nil {
		m.logger.Error("failed to stop bundling scheduler", "error", err)
	}
	m.scheduler = nil
}

// attemptFromTimer is the auto path: skip when an attempt is already in
// flight, and never let an error escape into the scheduler.
func (m *Manager) attemptFromTimer() {
	if !m.attemptMu.TryLock() {
		m.logger.Debug("bundling attempt already in flight, timer pass skipped")
		return
	}
	defer m.attemptMu.Unlock()

	if _, err := m.runAttempt(context.Background(), false); err != nil {
		m.logger.Error("auto bundling attempt failed", "error", err)
	}
}

// DoAttemptBundle is the manual/debug path: waits for any in-flight attempt
// to finish, then runs its own. Errors propagate to the caller.
func (m *Manager) DoAttemptBundle(ctx context.Context, force bool) (*SendResult, error) {
	m.attemptMu.Lock()
	defer m.attemptMu.Unlock()
	return m.runAttempt(ctx, force)
}

func (m *Manager) runAttempt(ctx context.Context, force bool) (*SendResult, error) {
	res, err := m.attempt(ctx, force)
	if m.observer.OnAttempt != nil {
		m.observer.OnAttempt(res, err)
	}
	return res, err
}

func (m *Manager) attempt(ctx context.Context, force bool) (*SendResult, error) {
	// Fold chain ground truth in first so the bundle excludes ops that
	// already landed. Reconciliation trouble is not fatal to the attempt.
	if err := m.events.Reconcile(ctx); err != nil {
		m.logger.Error("event reconciliation failed", "error", err)
	}

	bundle, err := m.builder.CreateBundle(ctx, force)
	if err != nil {
		return nil, err
	}

	m.releaseExcluded(bundle.NotIncluded)
	m.evictAndBlame(bundle.MarkedToRemove)

	if len(bundle.Bundle) == 0 {
		return &SendResult{}, nil
	}

	res, err := m.processor.SendBundle(ctx, bundle.Bundle)
	if err != nil {
		// Submission never started or failed wholesale; every claimed
		// entry goes back to pending for the next round.
		for _, entry := range bundle.Bundle {
			m.release(entry.UserOpHash)
		}
		return nil, err
	}

	m.evictAndBlame(res.FailedOps)

	for _, hash := range res.UserOpHashes {
		if uerr := m.mempool.UpdateEntryStatus(hash, model.StatusBundled); uerr != nil {
			m.logger.Error("failed to mark op bundled", "userOpHash", hash.Hex(), "error", uerr)
		}
	}
	return res, nil
}

func (m *Manager) releaseExcluded(hashes []common.Hash) {
	for _, hash := range hashes {
		m.release(hash)
	}
}

func (m *Manager) release(hash common.Hash) {
	if err := m.mempool.UpdateEntryStatus(hash, model.StatusPending); err != nil {
		m.logger.Error("failed to return op to pending", "userOpHash", hash.Hex(), "error", err)
	}
}

// evictAndBlame removes failed ops and penalizes the entity each one was
// blamed on, then sweeps the pool for anything else the now-banned entity
// touches.
func (m *Manager) evictAndBlame(removed []RemovedOp) {
	for _, r := range removed {
		if _, err := m.mempool.RemoveUserOp(r.Hash); err != nil {
			m.logger.Error("failed to evict op", "userOpHash", r.Hash.Hex(), "error", err)
		}
		m.logger.Info("op evicted", "userOpHash", r.Hash.Hex(), "reason", r.Reason)
		if m.observer.OnEvict != nil {
			m.observer.OnEvict(r.Hash, r.Reason)
		}

		if r.Blamed == nil {
			continue
		}
		if err := m.reputation.CrashedHandleOps(*r.Blamed); err != nil {
			m.logger.Error("failed to penalize blamed entity", "address", r.Blamed.Hex(), "error", err)
			continue
		}
		if _, err := m.mempool.RemoveUserOpsForBannedAddr(*r.Blamed); err != nil {
			m.logger.Error("failed to sweep ops for banned entity", "address", r.Blamed.Hex(), "error", err)
		}
	}
}
