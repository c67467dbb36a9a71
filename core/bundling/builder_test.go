package bundling

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/testutil"
	"github.com/AvaProtocol/ap-bundler/core/validation"
	"github.com/AvaProtocol/ap-bundler/model"
)

// Each testutil op totals 191k gas (100k call + 70k verification + 21k
// pre-verification).
const testOpGas = 191_000

func addPoolOps(t *testing.T, h *harness, n int) []common.Hash {
	t.Helper()
	var hashes []common.Hash
	for i := 0; i < n; i++ {
		entry := testutil.TestEntry(testutil.TestUserOp(i))
		hash, err := h.pool.AddUserOp(context.Background(), entry, nil)
		require.NoError(t, err)
		hashes = append(hashes, hash)
	}
	return hashes
}

func TestCreateBundleRespectsGasCeiling(t *testing.T) {
	h := newHarness(t, 2*testOpGas+1000)
	hashes := addPoolOps(t, h, 4)

	res, err := h.builder.CreateBundle(context.Background(), false)
	require.NoError(t, err)

	require.Len(t, res.Bundle, 2)
	assert.Equal(t, hashes[0], res.Bundle[0].UserOpHash)
	assert.Equal(t, hashes[1], res.Bundle[1].UserOpHash)
	assert.True(t, res.TotalGas.Cmp(big.NewInt(2*testOpGas+1000)) <= 0)

	// Overflow goes back to pending, never to removal.
	assert.ElementsMatch(t, hashes[2:], res.NotIncluded)
	assert.Empty(t, res.MarkedToRemove)
}

func TestCreateBundleEvictsOnValidationRevert(t *testing.T) {
	h := newHarness(t, 10*testOpGas)
	hashes := addPoolOps(t, h, 3)

	// Sender 1's op now reverts in the account stage; with no staked
	// factory the sender takes the blame.
	h.validator.Errs[testutil.TestSender(1)] = validation.ErrSimulation("AA23 reverted: oops")

	res, err := h.builder.CreateBundle(context.Background(), false)
	require.NoError(t, err)

	require.Len(t, res.Bundle, 2)
	require.Len(t, res.MarkedToRemove, 1)
	removed := res.MarkedToRemove[0]
	assert.Equal(t, hashes[1], removed.Hash)
	require.NotNil(t, removed.Blamed)
	assert.Equal(t, testutil.TestSender(1), *removed.Blamed)
}

func TestCreateBundleReturnsTransientFailuresToPending(t *testing.T) {
	h := newHarness(t, 10*testOpGas)
	hashes := addPoolOps(t, h, 2)

	// Infrastructure error, not a protocol rejection: no blame, no
	// eviction.
	h.validator.Errs[testutil.TestSender(0)] = assert.AnError

	res, err := h.builder.CreateBundle(context.Background(), false)
	require.NoError(t, err)

	require.Len(t, res.Bundle, 1)
	assert.Equal(t, []common.Hash{hashes[0]}, res.NotIncluded)
	assert.Empty(t, res.MarkedToRemove)
}

func TestCreateBundleExcludesDriftedFootprints(t *testing.T) {
	h := newHarness(t, 10*testOpGas)

	entry := testutil.TestEntry(testutil.TestUserOp(0))
	entry.ReferencedContracts = model.ReferencedContracts{
		Addresses: []common.Address{entry.UserOp.Sender},
		Hash:      crypto.Keccak256Hash([]byte("stale")),
	}
	_, err := h.pool.AddUserOp(context.Background(), entry, nil)
	require.NoError(t, err)

	res, err := h.builder.CreateBundle(context.Background(), false)
	require.NoError(t, err)

	assert.Empty(t, res.Bundle)
	assert.Equal(t, []common.Hash{entry.UserOpHash}, res.NotIncluded)
	assert.Empty(t, res.MarkedToRemove)
}

func TestCreateBundleAccumulatesBookkeeping(t *testing.T) {
	h := newHarness(t, 10*testOpGas)
	addPoolOps(t, h, 3)

	res, err := h.builder.CreateBundle(context.Background(), false)
	require.NoError(t, err)

	require.Len(t, res.Bundle, 3)
	assert.Len(t, res.Senders, 3)
	assert.Equal(t, big.NewInt(3*testOpGas), res.TotalGas)
	assert.NotNil(t, res.StorageMap)
}
