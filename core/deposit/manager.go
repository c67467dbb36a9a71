// Package deposit answers one question at admission time: can this op's
// paymaster still cover the worst case cost of everything it sponsors.
package deposit

import (
	"context"
	"math/big"

	"github.com/AvaProtocol/ap-bundler/core/chainio"
	"github.com/AvaProtocol/ap-bundler/core/state"
	"github.com/AvaProtocol/ap-bundler/core/validation"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
	"github.com/AvaProtocol/ap-bundler/pkg/userop"
)

type Manager struct {
	store  *state.Store
	grant  *state.Grant
	chain  chainio.Client
	logger logger.Logger
}

func NewManager(store *state.Store, chain chainio.Client, l logger.Logger) (*Manager, error) {
	grant, err := store.IssueGrant("deposit", []state.Key{state.KeyStandardPool}, []state.Op{state.OpRead})
	if err != nil {
		return nil, err
	}
	return &Manager{store: store, grant: grant, chain: chain, logger: logger.EnsureLogger(l)}, nil
}

// CheckPaymasterDeposit verifies the op's paymaster deposit covers this op
// plus every pending pool entry that paymaster already sponsors. Ops without
// a paymaster pass trivially. The deposit read happens outside the state
// lock, so the result is point-in-time; the mempool re-runs the check on
// each admission from the same paymaster.
func (m *Manager) CheckPaymasterDeposit(ctx context.Context, op *userop.UserOperation) error {
	if !op.HasPaymaster() {
		return nil
	}
	paymaster := op.GetPaymaster()

	info, err := m.chain.GetDepositInfo(ctx, paymaster)
	if err != nil {
		return err
	}

	cur, err := m.store.Get(m.grant, state.KeyStandardPool)
	if err != nil {
		return err
	}

	remaining := new(big.Int).Set(info.Deposit)
	remaining.Sub(remaining, op.MaxPrefund())
	for _, entry := range state.Pool(cur) {
		if entry.UserOp.HasPaymaster() && entry.UserOp.GetPaymaster() == paymaster {
			remaining.Sub(remaining, entry.Prefund)
		}
	}

	if remaining.Sign() < 0 {
		m.logger.Debug("paymaster deposit exhausted",
			"paymaster", paymaster.Hex(),
			"shortfall", new(big.Int).Neg(remaining).String())
		return validation.ErrPaymasterDepositTooLow(paymaster.Hex())
	}
	return nil
}
