package bundler

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// requiredRpcMethods must all be served by the connected node; bundling
// cannot work without them.
var requiredRpcMethods = []string{
	"eth_call",
	"eth_estimateGas",
	"eth_sendRawTransaction",
	"eth_getLogs",
}

// preflight verifies the deployment the config points at before anything
// starts: the entrypoint must be deployed, the node must serve the RPC
// methods bundling depends on, and every signer needs gas money. Failing
// any check is fatal at process level.
func (n *Node) preflight(ctx context.Context) error {
	for _, method := range requiredRpcMethods {
		if !n.chain.SupportsMethod(ctx, method) {
			return fmt.Errorf("connected node does not support %s", method)
		}
	}

	codeHash, err := n.chain.GetCodeHashes(ctx, []common.Address{n.config.EntryPoint})
	if err != nil {
		return fmt.Errorf("entrypoint code read failed: %w", err)
	}
	if codeHash == emptyAccountHash() {
		return fmt.Errorf("no contract deployed at entrypoint %s", n.config.EntryPoint.Hex())
	}

	for i := 0; i < n.signers.Count(); i++ {
		addr := n.signers.Address(i)
		balance, err := n.chain.GetBalance(ctx, addr)
		if err != nil {
			return fmt.Errorf("balance read for signer %s failed: %w", addr.Hex(), err)
		}
		if balance.Cmp(n.config.MinSignerBalance) < 0 {
			return fmt.Errorf("signer %s underfunded: has %s wei, floor is %s wei",
				addr.Hex(), balance.String(), n.config.MinSignerBalance.String())
		}
	}

	n.logger.Info("preflight checks passed",
		"entryPoint", n.config.EntryPoint.Hex(),
		"signers", n.signers.Count())
	return nil
}

// emptyAccountHash is what GetCodeHashes returns for a single address with
// no deployed code.
func emptyAccountHash() common.Hash {
	return crypto.Keccak256Hash(crypto.Keccak256(nil))
}
