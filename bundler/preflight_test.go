package bundler

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/testutil"
)

// fundNode puts the test node into a state that clears every preflight
// check: deployed entrypoint, funded signer, full RPC surface.
func fundNode(t *testing.T) (*Node, *testutil.FakeChain) {
	node, chain, _ := newTestNode(t)
	chain.CodeHashes[node.config.EntryPoint] = crypto.Keccak256Hash([]byte{0x60, 0x80})
	chain.Balances[node.signers.Address(0)] = big.NewInt(1_000_000)
	return node, chain
}

func TestPreflightPasses(t *testing.T) {
	node, _ := fundNode(t)
	require.NoError(t, node.preflight(context.Background()))
}

func TestPreflightRejectsMissingRpcMethod(t *testing.T) {
	node, dc := fundNode(t)
	dc.Unsupported["eth_getLogs"] = true

	err := node.preflight(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "eth_getLogs")
}

func TestPreflightRejectsUndeployedEntryPoint(t *testing.T) {
	node, dc := fundNode(t)
	dc.CodeHashes[node.config.EntryPoint] = crypto.Keccak256Hash(nil)

	err := node.preflight(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no contract deployed")
}

func TestPreflightRejectsUnderfundedSigner(t *testing.T) {
	node, dc := fundNode(t)
	dc.Balances[node.signers.Address(0)] = big.NewInt(0)

	err := node.preflight(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "underfunded")
}
