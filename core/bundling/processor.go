package bundling

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AvaProtocol/ap-bundler/core/chainio"
	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/core/chainio/signer"
	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/core/state"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
	"github.com/AvaProtocol/ap-bundler/pkg/userop"
)

// ErrEmptyBundle is returned when SendBundle is handed nothing to submit.
var ErrEmptyBundle = errors.New("no user operations to submit")

// gasBufferPercent pads the handleOps estimate so verification overhead
// variance between estimation and inclusion does not starve the bundle.
const gasBufferPercent = 15

// SendResult reports one submission attempt. FailedOps lists ops the
// estimation loop dropped, each resolved to a blamed entity where the
// heuristic could; they never made it on chain and must be evicted.
type SendResult struct {
	TxHash       common.Hash
	UserOpHashes []common.Hash
	SignerIndex  int
	Success      bool
	FailedOps    []RemovedOp
}

// ProcessorConfig carries the submission knobs: where gas refunds go, the
// balance floor under which a signer redirects refunds to itself, and the
// entrypoint to call.
type ProcessorConfig struct {
	EntryPoint       common.Address
	Beneficiary      common.Address
	MinSignerBalance *big.Int
}

type Processor struct {
	chain      chainio.Client
	signers    *signer.Service
	reputation *reputation.Manager
	store      *state.Store
	grant      *state.Grant
	cfg        ProcessorConfig
	logger     logger.Logger
}

func NewProcessor(chain chainio.Client, signers *signer.Service, rep *reputation.Manager, store *state.Store, cfg ProcessorConfig, l logger.Logger) (*Processor, error) {
	grant, err := store.IssueGrant("processor", []state.Key{state.KeyBundleTxs}, []state.Op{state.OpRead, state.OpWrite})
	if err != nil {
		return nil, err
	}
	return &Processor{
		chain:      chain,
		signers:    signers,
		reputation: rep,
		store:      store,
		grant:      grant,
		cfg:        cfg,
		logger:     logger.EnsureLogger(l),
	}, nil
}

// SendBundle estimates, signs and submits handleOps for the given entries.
// When estimation reverts with FailedOp, the implicated op is dropped and
// the remainder re-estimated, so one bad op does not discard the batch. A
// signed transaction going out is recorded in BundleTxs before returning.
func (p *Processor) SendBundle(ctx context.Context, entries []*model.MempoolEntry) (*SendResult, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyBundle
	}

	signerIndex, err := p.signers.PickFreeSigner()
	if err != nil {
		return nil, err
	}
	signerAddr := p.signers.Address(signerIndex)
	beneficiary := p.pickBeneficiary(ctx, signerAddr)

	res := &SendResult{SignerIndex: signerIndex}
	staked := newStakeChecker(ctx, p.chain, p.reputation)

	remaining := entries
	var calldata []byte
	var gasLimit uint64
	for len(remaining) > 0 {
		ops := make([]*userop.UserOperation, 0, len(remaining))
		for _, entry := range remaining {
			ops = append(ops, entry.UserOp)
		}
		calldata, err = aa.PackHandleOps(ops, beneficiary)
		if err != nil {
			return nil, err
		}

		gas, revert, eerr := p.chain.EstimateHandleOpsGas(ctx, signerAddr, calldata)
		if eerr == nil {
			gasLimit = gas
			break
		}

		opIndex, reason, ok := aa.DecodeFailedOp(revert)
		if !ok || opIndex >= uint64(len(remaining)) {
			return nil, eerr
		}

		failing := remaining[opIndex]
		removed := RemovedOp{Hash: failing.UserOpHash, Reason: reason}
		if blamed, bok := FindEntityToBlame(reason, failing.UserOp, staked); bok {
			removed.Blamed = &blamed
		}
		res.FailedOps = append(res.FailedOps, removed)
		p.logger.Info("dropping op that fails bundle estimation",
			"userOpHash", failing.UserOpHash.Hex(), "reason", reason)

		remaining = append(remaining[:opIndex:opIndex], remaining[opIndex+1:]...)
	}

	if len(remaining) == 0 {
		return res, nil
	}

	nonce, err := p.chain.PendingNonceAt(ctx, signerAddr)
	if err != nil {
		return nil, err
	}
	maxFee, maxTip, err := p.chain.SuggestFees(ctx)
	if err != nil {
		return nil, err
	}

	gasLimit += gasLimit * gasBufferPercent / 100
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   p.chain.ChainID(),
		Nonce:     nonce,
		To:        &p.cfg.EntryPoint,
		Gas:       gasLimit,
		GasFeeCap: maxFee,
		GasTipCap: maxTip,
		Data:      calldata,
	})
	signed, err := p.signers.SignTx(signerIndex, tx)
	if err != nil {
		return nil, err
	}

	if err := p.chain.SendTransaction(ctx, signed); err != nil {
		return nil, err
	}

	res.TxHash = signed.Hash()
	res.Success = true
	for _, entry := range remaining {
		res.UserOpHashes = append(res.UserOpHashes, entry.UserOpHash)
	}
	if err := p.recordBundleTx(signed.Hash(), signerIndex, res.UserOpHashes); err != nil {
		p.logger.Error("failed to record bundle transaction", "txHash", signed.Hash().Hex(), "error", err)
	}
	p.logger.Info("bundle submitted",
		"txHash", signed.Hash().Hex(),
		"ops", len(remaining),
		"signer", signerAddr.Hex(),
		"gasLimit", gasLimit)
	return res, nil
}

// pickBeneficiary redirects gas refunds to the signer itself once its
// balance drops under the configured floor, keeping it funded.
func (p *Processor) pickBeneficiary(ctx context.Context, signerAddr common.Address) common.Address {
	balance, err := p.chain.GetBalance(ctx, signerAddr)
	if err != nil {
		p.logger.Error("signer balance read failed", "signer", signerAddr.Hex(), "error", err)
		return p.cfg.Beneficiary
	}
	if balance.Cmp(p.cfg.MinSignerBalance) < 0 {
		p.logger.Info("signer balance under floor, redirecting refunds to signer",
			"signer", signerAddr.Hex(), "balance", balance.String())
		return signerAddr
	}
	return p.cfg.Beneficiary
}

func (p *Processor) recordBundleTx(txHash common.Hash, signerIndex int, opHashes []common.Hash) error {
	keys := []state.Key{state.KeyBundleTxs}
	return p.store.Update(p.grant, keys, func(cur state.Partial) (state.Partial, error) {
		txs := state.CloneBundleTxs(cur)
		txs[txHash] = &model.BundleTx{
			SignerIndex:  signerIndex,
			Status:       model.BundleTxPending,
			UserOpHashes: opHashes,
		}
		return state.Partial{state.KeyBundleTxs: txs}, nil
	})
}
