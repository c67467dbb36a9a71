package reputation

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/state"
	"github.com/AvaProtocol/ap-bundler/core/testutil"
	"github.com/AvaProtocol/ap-bundler/core/validation"
	"github.com/AvaProtocol/ap-bundler/model"
)

func newTestManager(t *testing.T) (*Manager, *state.Store) {
	store := state.New([]byte("test-secret"))
	m, err := NewManager(store, Config{
		MinInclusionDenominator: 10,
		ThrottlingSlack:         10,
		BanSlack:                50,
		MinStake:                big.NewInt(1_000_000),
		MinUnstakeDelay:         big.NewInt(86400),
	}, testutil.GetLogger())
	require.NoError(t, err)
	return m, store
}

func seedList(t *testing.T, store *state.Store, key state.Key, addrs ...common.Address) {
	grant, err := store.IssueGrant("test", []state.Key{key}, []state.Op{state.OpRead, state.OpWrite})
	require.NoError(t, err)
	err = store.Update(grant, []state.Key{key}, func(cur state.Partial) (state.Partial, error) {
		set := state.CloneAddressSet(cur, key)
		for _, a := range addrs {
			set[a] = true
		}
		return state.Partial{key: set}, nil
	})
	require.NoError(t, err)
}

func TestZeroDenominatorDefaulted(t *testing.T) {
	store := state.New([]byte("test-secret"))
	m, err := NewManager(store, Config{
		ThrottlingSlack: 10,
		BanSlack:        50,
	}, testutil.GetLogger())
	require.NoError(t, err)

	addr := testutil.TestSender(9)
	require.NoError(t, m.SetEntry(addr, 200, 0))

	// An explicit zero denominator falls back to the default instead of
	// dividing by zero.
	status, err := m.GetStatus(addr)
	require.NoError(t, err)
	assert.Equal(t, model.ReputationThrottled, status)
}

func TestStatusDerivation(t *testing.T) {
	m, _ := newTestManager(t)
	addr := testutil.TestSender(1)

	// No history means OK.
	status, err := m.GetStatus(addr)
	require.NoError(t, err)
	assert.Equal(t, model.ReputationOK, status)

	// 200 seen, 0 included: minExpectedIncluded=20 > 0+10 slack, within
	// ban slack, so throttled.
	require.NoError(t, m.SetEntry(addr, 200, 0))
	status, err = m.GetStatus(addr)
	require.NoError(t, err)
	assert.Equal(t, model.ReputationThrottled, status)

	// 700 seen, 0 included: minExpectedIncluded=70 > 0+50, banned.
	require.NoError(t, m.SetEntry(addr, 700, 0))
	status, err = m.GetStatus(addr)
	require.NoError(t, err)
	assert.Equal(t, model.ReputationBanned, status)

	// High inclusion rate keeps even a busy entity OK.
	require.NoError(t, m.SetEntry(addr, 700, 65))
	status, err = m.GetStatus(addr)
	require.NoError(t, err)
	assert.Equal(t, model.ReputationOK, status)
}

func TestBlacklistAlwaysBanned(t *testing.T) {
	m, store := newTestManager(t)
	addr := testutil.TestSender(2)

	seedList(t, store, state.KeyBlackList, addr)

	// Perfect counters do not rescue a blacklisted address.
	require.NoError(t, m.SetEntry(addr, 10, 10))
	status, err := m.GetStatus(addr)
	require.NoError(t, err)
	assert.Equal(t, model.ReputationBanned, status)

	// Blacklist wins even when the address is also whitelisted.
	seedList(t, store, state.KeyWhiteList, addr)
	status, err = m.GetStatus(addr)
	require.NoError(t, err)
	assert.Equal(t, model.ReputationBanned, status)
}

func TestWhitelistOverridesCounters(t *testing.T) {
	m, store := newTestManager(t)
	addr := testutil.TestSender(3)

	require.NoError(t, m.SetEntry(addr, 10000, 0))
	seedList(t, store, state.KeyWhiteList, addr)

	status, err := m.GetStatus(addr)
	require.NoError(t, err)
	assert.Equal(t, model.ReputationOK, status)
}

func TestCrashedHandleOps(t *testing.T) {
	m, _ := newTestManager(t)
	addr := testutil.TestSender(4)

	require.NoError(t, m.SetEntry(addr, 50, 5))
	require.NoError(t, m.CrashedHandleOps(addr))

	status, err := m.GetStatus(addr)
	require.NoError(t, err)
	assert.Equal(t, model.ReputationBanned, status)
}

func TestCheckBannedAndThrottled(t *testing.T) {
	m, _ := newTestManager(t)
	addr := testutil.TestSender(5)

	require.NoError(t, m.CheckBanned("paymaster", addr))

	require.NoError(t, m.SetEntry(addr, 200, 0))
	err := m.CheckThrottled("paymaster", addr, ThrottledEntityMempoolCount)
	require.Error(t, err)
	code, ok := validation.ErrorCode(err)
	require.True(t, ok)
	assert.Equal(t, validation.CodeReputation, code)

	// Below the slot cap a throttled entity may still submit.
	require.NoError(t, m.CheckThrottled("paymaster", addr, ThrottledEntityMempoolCount-1))

	require.NoError(t, m.SetEntry(addr, 700, 0))
	err = m.CheckBanned("paymaster", addr)
	require.Error(t, err)
	code, ok = validation.ErrorCode(err)
	require.True(t, ok)
	assert.Equal(t, validation.CodeReputation, code)
}

func TestCheckStake(t *testing.T) {
	m, store := newTestManager(t)
	addr := testutil.TestSender(6)

	// Absent entity passes.
	require.NoError(t, m.CheckStake("factory", nil))
	require.NoError(t, m.CheckStake("factory", &model.StakeInfo{}))

	err := m.CheckStake("factory", &model.StakeInfo{
		Addr:            addr,
		Stake:           big.NewInt(10),
		UnstakeDelaySec: big.NewInt(86400),
	})
	require.Error(t, err)
	code, ok := validation.ErrorCode(err)
	require.True(t, ok)
	assert.Equal(t, validation.CodeInsufficientStake, code)

	err = m.CheckStake("factory", &model.StakeInfo{
		Addr:            addr,
		Stake:           big.NewInt(2_000_000),
		UnstakeDelaySec: big.NewInt(60),
	})
	require.Error(t, err)

	require.NoError(t, m.CheckStake("factory", &model.StakeInfo{
		Addr:            addr,
		Stake:           big.NewInt(2_000_000),
		UnstakeDelaySec: big.NewInt(86400),
	}))

	// Whitelisted entities bypass the stake requirement entirely.
	white := testutil.TestSender(7)
	seedList(t, store, state.KeyWhiteList, white)
	require.NoError(t, m.CheckStake("factory", &model.StakeInfo{
		Addr:            white,
		Stake:           big.NewInt(0),
		UnstakeDelaySec: big.NewInt(0),
	}))
}

func TestCalculateMaxAllowedMempoolOpsUnstaked(t *testing.T) {
	m, _ := newTestManager(t)
	addr := testutil.TestSender(8)

	// No history: base allowance.
	max, err := m.CalculateMaxAllowedMempoolOpsUnstaked(addr)
	require.NoError(t, err)
	assert.Equal(t, 10, max)

	// 100 seen, 50 included: 10 + 0.5*10 + 50 = 65.
	require.NoError(t, m.SetEntry(addr, 100, 50))
	max, err = m.CalculateMaxAllowedMempoolOpsUnstaked(addr)
	require.NoError(t, err)
	assert.Equal(t, 65, max)
}

func TestSeenCounterClampsAtZero(t *testing.T) {
	m, _ := newTestManager(t)
	addr := testutil.TestSender(9)

	require.NoError(t, m.UpdateSeenStatus(addr, 1))
	require.NoError(t, m.UpdateSeenStatus(addr, -1))
	require.NoError(t, m.UpdateSeenStatus(addr, -1))

	dump, err := m.Dump()
	require.NoError(t, err)
	if entry, ok := dump[addr]; ok {
		assert.Equal(t, uint64(0), entry.OpsSeen)
	}
}

func TestDecayShrinksAndPrunes(t *testing.T) {
	m, _ := newTestManager(t)
	busy := testutil.TestSender(10)
	quiet := testutil.TestSender(11)

	require.NoError(t, m.SetEntry(busy, 240, 48))
	require.NoError(t, m.SetEntry(quiet, 1, 0))

	require.NoError(t, m.decay())

	dump, err := m.Dump()
	require.NoError(t, err)
	require.Contains(t, dump, busy)
	assert.Equal(t, uint64(230), dump[busy].OpsSeen)
	assert.Equal(t, uint64(46), dump[busy].OpsIncluded)

	// 1 * 23/24 floors to 0, so a stale single-op entry is pruned.
	assert.NotContains(t, dump, quiet)
}

func TestDecayReachesZeroForSmallCounters(t *testing.T) {
	m, _ := newTestManager(t)
	addr := testutil.TestSender(12)
	require.NoError(t, m.SetEntry(addr, 23, 5))

	// Floored decay must drain any counter in a bounded number of passes.
	for i := 0; i < 100; i++ {
		require.NoError(t, m.decay())
	}

	dump, err := m.Dump()
	require.NoError(t, err)
	assert.NotContains(t, dump, addr)
}
