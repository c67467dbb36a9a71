package bundling

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/testutil"
	"github.com/AvaProtocol/ap-bundler/core/validation"
	"github.com/AvaProtocol/ap-bundler/model"
)

func TestDoAttemptBundleFullFlow(t *testing.T) {
	h := newHarness(t, 10*testOpGas)
	hashes := addPoolOps(t, h, 3)

	res, err := h.manager.DoAttemptBundle(context.Background(), false)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.ElementsMatch(t, hashes, res.UserOpHashes)
	require.Len(t, h.chain.SentTxs, 1)

	// Submitted entries are marked bundled, awaiting the inclusion event.
	for _, hash := range hashes {
		entry, err := h.pool.FindByHash(hash)
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, model.StatusBundled, entry.Status)
	}
}

func TestDoAttemptBundleEmptyPool(t *testing.T) {
	h := newHarness(t, 10*testOpGas)

	res, err := h.manager.DoAttemptBundle(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Empty(t, res.UserOpHashes)
	assert.Empty(t, h.chain.SentTxs)
}

func TestDoAttemptBundleEvictsAndBansBlamed(t *testing.T) {
	h := newHarness(t, 10*testOpGas)
	hashes := addPoolOps(t, h, 3)

	h.validator.Errs[testutil.TestSender(1)] = validation.ErrSimulation("AA23 reverted")

	res, err := h.manager.DoAttemptBundle(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, res.UserOpHashes, 2)

	// The reverting op is gone and its sender banned.
	entry, err := h.pool.FindByHash(hashes[1])
	require.NoError(t, err)
	assert.Nil(t, entry)

	status, err := h.rep.GetStatus(testutil.TestSender(1))
	require.NoError(t, err)
	assert.Equal(t, model.ReputationBanned, status)
}

func TestAtMostOneBundlingAttempt(t *testing.T) {
	h := newHarness(t, 10*testOpGas)
	addPoolOps(t, h, 2)

	var inFlight, maxInFlight atomic.Int32
	h.chain.EstimateFn = func(calldata []byte) (uint64, []byte, error) {
		cur := inFlight.Add(1)
		for {
			observed := maxInFlight.Load()
			if cur <= observed || maxInFlight.CompareAndSwap(observed, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return 400_000, nil, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.manager.DoAttemptBundle(context.Background(), true)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestTimerPathSkipsWhileAttemptInFlight(t *testing.T) {
	h := newHarness(t, 10*testOpGas)

	h.manager.attemptMu.Lock()
	done := make(chan struct{})
	go func() {
		// Must return promptly instead of queueing behind the lock.
		h.manager.attemptFromTimer()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer attempt blocked on in-flight attempt")
	}
	h.manager.attemptMu.Unlock()
}

func TestSetBundlingMode(t *testing.T) {
	h := newHarness(t, 10*testOpGas)

	assert.Equal(t, ModeManual, h.manager.Mode())

	require.NoError(t, h.manager.SetBundlingMode(ModeAuto))
	assert.Equal(t, ModeAuto, h.manager.Mode())

	// Re-entering auto restarts the timer rather than stacking a second.
	require.NoError(t, h.manager.SetBundlingMode(ModeAuto))
	require.NoError(t, h.manager.SetBundlingMode(ModeManual))
	assert.Equal(t, ModeManual, h.manager.Mode())

	require.Error(t, h.manager.SetBundlingMode(Mode("sometimes")))
}

func TestAutoBundlingFires(t *testing.T) {
	h := newHarness(t, 10*testOpGas)
	addPoolOps(t, h, 1)

	require.NoError(t, h.manager.SetBundlingMode(ModeAuto))
	defer h.manager.Stop()

	require.Eventually(t, func() bool {
		return h.chain.SentTxCount() >= 1
	}, 3*time.Second, 25*time.Millisecond)
}
