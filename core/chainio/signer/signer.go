// Package signer manages the bundler's submission keys. A signer is free
// when no bundle transaction it signed is still pending; BundleTxs in the
// state store is the coordination record.
package signer

import (
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/ap-bundler/core/state"
	"github.com/AvaProtocol/ap-bundler/model"
)

// ErrNoFreeSigner means every configured key has a bundle transaction in
// flight. Infrastructure condition, not an op rejection.
var ErrNoFreeSigner = errors.New("no signer available: all keys have pending bundle transactions")

type Service struct {
	store   *state.Store
	grant   *state.Grant
	keys    []*ecdsa.PrivateKey
	addrs   []common.Address
	chainID *big.Int
}

func NewService(store *state.Store, keys []*ecdsa.PrivateKey, chainID *big.Int) (*Service, error) {
	if len(keys) == 0 {
		return nil, errors.New("at least one signer key is required")
	}
	grant, err := store.IssueGrant("signer", []state.Key{state.KeyBundleTxs}, []state.Op{state.OpRead})
	if err != nil {
		return nil, err
	}

	addrs := make([]common.Address, len(keys))
	for i, key := range keys {
		addrs[i] = crypto.PubkeyToAddress(key.PublicKey)
	}
	return &Service{store: store, grant: grant, keys: keys, addrs: addrs, chainID: chainID}, nil
}

func (s *Service) Count() int { return len(s.keys) }

func (s *Service) Address(index int) common.Address { return s.addrs[index] }

// PickFreeSigner returns the lowest index with no pending transaction in
// BundleTxs, availability rather than strict round robin.
func (s *Service) PickFreeSigner() (int, error) {
	cur, err := s.store.Get(s.grant, state.KeyBundleTxs)
	if err != nil {
		return 0, err
	}

	busy := map[int]bool{}
	for _, tx := range state.BundleTxs(cur) {
		if tx.Status == model.BundleTxPending {
			busy[tx.SignerIndex] = true
		}
	}
	for i := range s.keys {
		if !busy[i] {
			return i, nil
		}
	}
	return 0, ErrNoFreeSigner
}

// SignTx signs tx with the key at index using the latest signer for the
// configured chain.
func (s *Service) SignTx(index int, tx *types.Transaction) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.keys[index])
}
