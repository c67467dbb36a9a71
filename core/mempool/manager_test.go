package mempool

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/deposit"
	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/core/state"
	"github.com/AvaProtocol/ap-bundler/core/testutil"
	"github.com/AvaProtocol/ap-bundler/core/validation"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/userop"
)

func newTestMempool(t *testing.T) (*Manager, *reputation.Manager, *state.Store) {
	t.Helper()
	store := state.New([]byte("test-secret"))
	logger := testutil.GetLogger()

	rep, err := reputation.NewManager(store, reputation.Config{
		MinInclusionDenominator: 10,
		ThrottlingSlack:         10,
		BanSlack:                50,
		MinStake:                big.NewInt(1_000_000),
		MinUnstakeDelay:         big.NewInt(86400),
	}, logger)
	require.NoError(t, err)

	dep, err := deposit.NewManager(store, testutil.NewFakeChain(), logger)
	require.NoError(t, err)

	m, err := NewManager(store, rep, dep, Config{MaxUserOpsPerSender: 4, BundleSize: 3}, logger)
	require.NoError(t, err)
	return m, rep, store
}

func entryCounts(t *testing.T, store *state.Store) map[common.Address]int {
	t.Helper()
	grant, err := store.IssueGrant("test", []state.Key{state.KeyEntryCount}, []state.Op{state.OpRead})
	require.NoError(t, err)
	cur, err := store.Get(grant, state.KeyEntryCount)
	require.NoError(t, err)
	return state.EntryCount(cur)
}

func addOp(t *testing.T, m *Manager, op *userop.UserOperation) common.Hash {
	t.Helper()
	hash, err := m.AddUserOp(context.Background(), testutil.TestEntry(op), nil)
	require.NoError(t, err)
	return hash
}

func TestNilLoggerIsSafe(t *testing.T) {
	store := state.New([]byte("test-secret"))
	rep, err := reputation.NewManager(store, reputation.Config{
		MinInclusionDenominator: 10,
		ThrottlingSlack:         10,
		BanSlack:                50,
		MinStake:                big.NewInt(1_000_000),
		MinUnstakeDelay:         big.NewInt(86400),
	}, nil)
	require.NoError(t, err)

	dep, err := deposit.NewManager(store, testutil.NewFakeChain(), nil)
	require.NoError(t, err)

	m, err := NewManager(store, rep, dep, Config{MaxUserOpsPerSender: 4, BundleSize: 3}, nil)
	require.NoError(t, err)

	// Admission logs on success; a nil logger must not panic.
	addOp(t, m, testutil.TestUserOp(1))
}

func TestEntryCountTracksPool(t *testing.T) {
	m, _, store := newTestMempool(t)

	var hashes []common.Hash
	for i := 0; i < 3; i++ {
		op := testutil.TestUserOp(1)
		op.Nonce = big.NewInt(int64(i))
		hashes = append(hashes, addOp(t, m, op))
	}
	hashes = append(hashes, addOp(t, m, testutil.TestUserOp(2)))

	counts := entryCounts(t, store)
	assert.Equal(t, 3, counts[testutil.TestSender(1)])
	assert.Equal(t, 1, counts[testutil.TestSender(2)])

	removed, err := m.RemoveUserOp(hashes[0])
	require.NoError(t, err)
	require.True(t, removed)
	assert.Equal(t, 2, entryCounts(t, store)[testutil.TestSender(1)])

	// Sender key disappears when its last entry does.
	removed, err = m.RemoveUserOp(hashes[3])
	require.NoError(t, err)
	require.True(t, removed)
	_, present := entryCounts(t, store)[testutil.TestSender(2)]
	assert.False(t, present)
}

func TestRemoveIsIdempotent(t *testing.T) {
	m, _, store := newTestMempool(t)
	hash := addOp(t, m, testutil.TestUserOp(1))

	removed, err := m.RemoveUserOp(hash)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = m.RemoveUserOp(hash)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Empty(t, entryCounts(t, store))
}

func TestPerSenderCap(t *testing.T) {
	m, _, _ := newTestMempool(t)

	for i := 0; i < 4; i++ {
		op := testutil.TestUserOp(1)
		op.Nonce = big.NewInt(int64(i))
		addOp(t, m, op)
	}

	op := testutil.TestUserOp(1)
	op.Nonce = big.NewInt(99)
	_, err := m.AddUserOp(context.Background(), testutil.TestEntry(op), nil)
	require.Error(t, err)
	code, ok := validation.ErrorCode(err)
	require.True(t, ok)
	assert.Equal(t, validation.CodeInvalidFields, code)
}

func TestReplacementSemantics(t *testing.T) {
	m, _, store := newTestMempool(t)

	original := testutil.TestUserOp(1)
	originalHash := addOp(t, m, original)

	// Same fees: rejected as underpriced.
	dup := testutil.TestUserOp(1)
	_, err := m.AddUserOp(context.Background(), testutil.TestEntry(dup), nil)
	require.Error(t, err)

	// Only one fee bumped: still rejected.
	partial := testutil.TestUserOp(1)
	partial.MaxFeePerGas = new(big.Int).Mul(original.MaxFeePerGas, big.NewInt(2))
	_, err = m.AddUserOp(context.Background(), testutil.TestEntry(partial), nil)
	require.Error(t, err)

	// Both fees bumped by >= 10%: replaces the original.
	better := testutil.TestUserOp(1)
	better.MaxFeePerGas = new(big.Int).Mul(original.MaxFeePerGas, big.NewInt(2))
	better.MaxPriorityFeePerGas = new(big.Int).Mul(original.MaxPriorityFeePerGas, big.NewInt(2))
	betterHash := addOp(t, m, better)

	found, err := m.FindByHash(originalHash)
	require.NoError(t, err)
	assert.Nil(t, found)
	found, err = m.FindByHash(betterHash)
	require.NoError(t, err)
	require.NotNil(t, found)

	// Replacement keeps the count at one.
	assert.Equal(t, 1, entryCounts(t, store)[testutil.TestSender(1)])
}

func TestBannedEntityRejected(t *testing.T) {
	m, rep, _ := newTestMempool(t)

	require.NoError(t, rep.SetEntry(testutil.TestSender(1), 700, 0))

	_, err := m.AddUserOp(context.Background(), testutil.TestEntry(testutil.TestUserOp(1)), nil)
	require.Error(t, err)
	code, ok := validation.ErrorCode(err)
	require.True(t, ok)
	assert.Equal(t, validation.CodeReputation, code)
}

func TestAdmissionBumpsSeenCounters(t *testing.T) {
	m, rep, _ := newTestMempool(t)

	addOp(t, m, testutil.TestUserOp(1))

	dump, err := rep.Dump()
	require.NoError(t, err)
	require.Contains(t, dump, testutil.TestSender(1))
	assert.Equal(t, uint64(1), dump[testutil.TestSender(1)].OpsSeen)
}

func TestGetNextPendingIsFIFOAndExclusive(t *testing.T) {
	m, _, _ := newTestMempool(t)

	var order []common.Hash
	for i := 0; i < 5; i++ {
		order = append(order, addOp(t, m, testutil.TestUserOp(i)))
	}

	batch, err := m.GetNextPending()
	require.NoError(t, err)
	require.Len(t, batch, 3)
	for i, entry := range batch {
		assert.Equal(t, order[i], entry.UserOpHash)
		assert.Equal(t, model.StatusBundling, entry.Status)
	}

	// Claimed entries are invisible to the next pass.
	second, err := m.GetNextPending()
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, order[3], second[0].UserOpHash)
	assert.Equal(t, order[4], second[1].UserOpHash)

	third, err := m.GetNextPending()
	require.NoError(t, err)
	assert.Empty(t, third)

	// Releasing one back to pending makes it claimable again.
	require.NoError(t, m.UpdateEntryStatus(order[1], model.StatusPending))
	fourth, err := m.GetNextPending()
	require.NoError(t, err)
	require.Len(t, fourth, 1)
	assert.Equal(t, order[1], fourth[0].UserOpHash)
}

func TestGetAllPendingIsUnbounded(t *testing.T) {
	m, _, _ := newTestMempool(t)

	for i := 0; i < 5; i++ {
		addOp(t, m, testutil.TestUserOp(i))
	}

	all, err := m.GetAllPending()
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestIsMempoolOverloaded(t *testing.T) {
	m, _, _ := newTestMempool(t)

	overloaded, err := m.IsMempoolOverloaded()
	require.NoError(t, err)
	assert.False(t, overloaded)

	for i := 0; i < 3; i++ {
		addOp(t, m, testutil.TestUserOp(i))
	}
	overloaded, err = m.IsMempoolOverloaded()
	require.NoError(t, err)
	assert.True(t, overloaded)
}

func TestRemoveUserOpsForBannedAddr(t *testing.T) {
	m, _, store := newTestMempool(t)

	addOp(t, m, testutil.TestUserOp(1))
	addOp(t, m, testutil.TestUserOp(2))
	op := testutil.TestUserOp(1)
	op.Nonce = big.NewInt(1)
	addOp(t, m, op)

	evicted, err := m.RemoveUserOpsForBannedAddr(testutil.TestSender(1))
	require.NoError(t, err)
	assert.Len(t, evicted, 2)

	size, err := m.Size()
	require.NoError(t, err)
	assert.Equal(t, 1, size)
	_, present := entryCounts(t, store)[testutil.TestSender(1)]
	assert.False(t, present)
}

func TestDumpClearReAddRoundTrip(t *testing.T) {
	m, _, _ := newTestMempool(t)

	for i := 0; i < 4; i++ {
		addOp(t, m, testutil.TestUserOp(i))
	}

	dumped, err := m.Dump()
	require.NoError(t, err)
	require.Len(t, dumped, 4)

	require.NoError(t, m.ClearState())
	size, err := m.Size()
	require.NoError(t, err)
	require.Equal(t, 0, size)

	for _, entry := range dumped {
		_, err := m.AddUserOp(context.Background(), &model.MempoolEntry{
			UserOp:              entry.UserOp,
			UserOpHash:          entry.UserOpHash,
			Prefund:             entry.Prefund,
			ReferencedContracts: entry.ReferencedContracts,
		}, nil)
		require.NoError(t, err)
	}

	restored, err := m.Dump()
	require.NoError(t, err)
	require.Len(t, restored, 4)

	want := map[common.Hash]bool{}
	for _, entry := range dumped {
		want[entry.UserOpHash] = true
	}
	for _, entry := range restored {
		assert.True(t, want[entry.UserOpHash])
		assert.Equal(t, model.StatusPending, entry.Status)
	}
}
