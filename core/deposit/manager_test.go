package deposit

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/core/state"
	"github.com/AvaProtocol/ap-bundler/core/testutil"
	"github.com/AvaProtocol/ap-bundler/core/validation"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/userop"
)

// sponsoredOp builds an op with a worst case cost of exactly `prefund` wei:
// maxFeePerGas of 1 and gas fields summing (with the 3x paymaster
// verification multiplier) to the target.
func sponsoredOp(sender, paymaster common.Address, prefund int64) *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               sender,
		Nonce:                big.NewInt(0),
		CallGasLimit:         big.NewInt(prefund - 36),
		VerificationGasLimit: big.NewInt(10),
		PreVerificationGas:   big.NewInt(6),
		MaxFeePerGas:         big.NewInt(1),
		MaxPriorityFeePerGas: big.NewInt(1),
		PaymasterAndData:     paymaster.Bytes(),
		Signature:            []byte{0x01},
	}
}

func TestCheckPaymasterDeposit(t *testing.T) {
	store := state.New([]byte("test-secret"))
	chain := testutil.NewFakeChain()
	paymaster := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	m, err := NewManager(store, chain, testutil.GetLogger())
	require.NoError(t, err)

	chain.Deposits[paymaster] = &aa.DepositInfo{Deposit: big.NewInt(100), Stake: big.NewInt(0)}

	// One pending op from this paymaster costing 60 is already pooled.
	pending := sponsoredOp(testutil.TestSender(1), paymaster, 60)
	seedPool(t, store, &model.MempoolEntry{
		UserOp:     pending,
		UserOpHash: common.HexToHash("0x01"),
		Prefund:    pending.MaxPrefund(),
		Status:     model.StatusPending,
	})

	newOp := sponsoredOp(testutil.TestSender(2), paymaster, 50)
	require.Equal(t, int64(50), newOp.MaxPrefund().Int64())

	// 100 - 50 - 60 goes negative.
	err = m.CheckPaymasterDeposit(context.Background(), newOp)
	require.Error(t, err)
	code, ok := validation.ErrorCode(err)
	require.True(t, ok)
	assert.Equal(t, validation.CodeSimulatePaymaster, code)

	// A cheaper op still fits: 100 - 40 - 60 = 0.
	require.NoError(t, m.CheckPaymasterDeposit(context.Background(), sponsoredOp(testutil.TestSender(3), paymaster, 40)))
}

func TestCheckSkipsOpsWithoutPaymaster(t *testing.T) {
	store := state.New([]byte("test-secret"))
	chain := testutil.NewFakeChain()

	m, err := NewManager(store, chain, testutil.GetLogger())
	require.NoError(t, err)

	require.NoError(t, m.CheckPaymasterDeposit(context.Background(), testutil.TestUserOp(1)))
}

func TestOtherPaymastersDoNotCount(t *testing.T) {
	store := state.New([]byte("test-secret"))
	chain := testutil.NewFakeChain()
	pmA := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	pmB := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	m, err := NewManager(store, chain, testutil.GetLogger())
	require.NoError(t, err)

	chain.Deposits[pmA] = &aa.DepositInfo{Deposit: big.NewInt(100), Stake: big.NewInt(0)}

	other := sponsoredOp(testutil.TestSender(1), pmB, 90)
	seedPool(t, store, &model.MempoolEntry{
		UserOp:     other,
		UserOpHash: common.HexToHash("0x02"),
		Prefund:    other.MaxPrefund(),
		Status:     model.StatusPending,
	})

	require.NoError(t, m.CheckPaymasterDeposit(context.Background(), sponsoredOp(testutil.TestSender(2), pmA, 90)))
}

func seedPool(t *testing.T, store *state.Store, entries ...*model.MempoolEntry) {
	t.Helper()
	grant, err := store.IssueGrant("test", []state.Key{state.KeyStandardPool}, []state.Op{state.OpRead, state.OpWrite})
	require.NoError(t, err)
	err = store.Update(grant, []state.Key{state.KeyStandardPool}, func(cur state.Partial) (state.Partial, error) {
		pool := state.ClonePool(cur)
		for _, e := range entries {
			pool[e.UserOpHash.Hex()] = e
		}
		return state.Partial{state.KeyStandardPool: pool}, nil
	})
	require.NoError(t, err)
}
