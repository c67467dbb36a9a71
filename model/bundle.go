package model

import "github.com/ethereum/go-ethereum/common"

// BundleTxStatus tracks an in-flight handleOps transaction.
type BundleTxStatus int

const (
	BundleTxPending BundleTxStatus = iota
	BundleTxConfirmed
	BundleTxFailed
)

func (s BundleTxStatus) String() string {
	switch s {
	case BundleTxPending:
		return "pending"
	case BundleTxConfirmed:
		return "confirmed"
	case BundleTxFailed:
		return "failed"
	}
	return "unknown"
}

// BundleTx records which signer submitted a bundle transaction and which
// ops rode in it. The signer service refuses to reuse a signer that still
// has a pending BundleTx; the op hashes let a reverted bundle's entries be
// returned to the pool.
type BundleTx struct {
	SignerIndex  int            `json:"signerIndex"`
	Status       BundleTxStatus `json:"status"`
	UserOpHashes []common.Hash  `json:"userOpHashes"`
}

// StorageMap is the accumulated storage access footprint of a bundle:
// account address to accessed slot -> value, as reported by simulation.
type StorageMap map[common.Address]map[string]string

// Merge folds another op's access map into this one.
func (m StorageMap) Merge(other StorageMap) {
	for addr, slots := range other {
		if _, ok := m[addr]; !ok {
			m[addr] = map[string]string{}
		}
		for slot, val := range slots {
			m[addr][slot] = val
		}
	}
}
