package bundling

import (
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/core/chainio/signer"
	"github.com/AvaProtocol/ap-bundler/core/deposit"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/core/state"
	"github.com/AvaProtocol/ap-bundler/core/testutil"
)

type harness struct {
	store     *state.Store
	chain     *testutil.FakeChain
	validator *testutil.FakeValidator
	rep       *reputation.Manager
	pool      *mempool.Manager
	builder   *Builder
	processor *Processor
	events    *EventManager
	manager   *Manager
	signerKey *ecdsa.PrivateKey
}

func newHarness(t *testing.T, maxBundleGas int64) *harness {
	t.Helper()
	logger := testutil.GetLogger()
	store := state.New([]byte("test-secret"))
	chain := testutil.NewFakeChain()
	validator := testutil.NewFakeValidator()

	rep, err := reputation.NewManager(store, reputation.Config{
		MinInclusionDenominator: 10,
		ThrottlingSlack:         10,
		BanSlack:                50,
		MinStake:                big.NewInt(1_000_000),
		MinUnstakeDelay:         big.NewInt(86400),
	}, logger)
	require.NoError(t, err)

	dep, err := deposit.NewManager(store, chain, logger)
	require.NoError(t, err)

	pool, err := mempool.NewManager(store, rep, dep, mempool.Config{MaxUserOpsPerSender: 4, BundleSize: 10}, logger)
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signers, err := signer.NewService(store, []*ecdsa.PrivateKey{key}, chain.ChainID())
	require.NoError(t, err)

	builder := NewBuilder(pool, validator, rep, chain, big.NewInt(maxBundleGas), logger)
	processor, err := NewProcessor(chain, signers, rep, store, ProcessorConfig{
		EntryPoint:       testutil.TestEntryPoint,
		Beneficiary:      testutil.TestSender(999),
		MinSignerBalance: big.NewInt(1),
	}, logger)
	require.NoError(t, err)

	events, err := NewEventManager(chain, pool, rep, store, logger)
	require.NoError(t, err)

	manager := NewManager(builder, processor, events, pool, rep, 50*time.Millisecond, logger)
	t.Cleanup(manager.Stop)

	return &harness{
		store:     store,
		chain:     chain,
		validator: validator,
		rep:       rep,
		pool:      pool,
		builder:   builder,
		processor: processor,
		events:    events,
		manager:   manager,
		signerKey: key,
	}
}

// failedOpRevert builds the raw revert blob for FailedOp(opIndex, reason).
func failedOpRevert(t *testing.T, opIndex int64, reason string) []byte {
	t.Helper()
	failedOp := aa.ABI().Errors["FailedOp"]
	packed, err := failedOp.Inputs.Pack(big.NewInt(opIndex), reason)
	require.NoError(t, err)
	return append(failedOp.ID.Bytes()[:4], packed...)
}
