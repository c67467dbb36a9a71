// Package bundling turns pending mempool entries into on-chain handleOps
// transactions: candidate selection and re-validation (builder), revert
// attribution (blame), transaction assembly and submission (processor), and
// the orchestrating state machine plus chain event reconciliation (manager,
// events).
package bundling

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/pkg/userop"
)

// FindEntityToBlame maps a validation revert reason to the entity
// responsible, per the ERC-4337 reputation rules. staked reports whether an
// address currently meets the stake minimums. ok is false when the reason
// prefix is unrecognized, in which case nobody may be banned.
//
// AA3x failures happen in the paymaster stage: a staked sender is
// accountable for its downstream entities, otherwise the paymaster itself
// is at fault. AA2x failures happen in the account stage of a
// factory-assisted creation: a staked factory takes the blame, else the
// sender. AA1x failures happen before the account exists, so only the
// factory can be responsible.
func FindEntityToBlame(reason string, op *userop.UserOperation, staked func(common.Address) bool) (common.Address, bool) {
	switch {
	case strings.HasPrefix(reason, "AA3"):
		if staked(op.Sender) {
			return op.Sender, true
		}
		if op.HasPaymaster() {
			return op.GetPaymaster(), true
		}
		return op.Sender, true

	case strings.HasPrefix(reason, "AA2"):
		if op.HasFactory() && staked(op.GetFactory()) {
			return op.GetFactory(), true
		}
		return op.Sender, true

	case strings.HasPrefix(reason, "AA1"):
		if op.HasFactory() {
			return op.GetFactory(), true
		}
		return common.Address{}, false
	}
	return common.Address{}, false
}
