package state

import (
	"maps"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/model"
)

// Typed views over a Partial. Updates follow copy-on-write: callbacks clone
// the collection they intend to change and return the clone, so snapshots
// handed out by Get stay stable for their readers.

func Pool(p Partial) map[string]*model.MempoolEntry {
	v, _ := p[KeyStandardPool].(map[string]*model.MempoolEntry)
	return v
}

func ClonePool(p Partial) map[string]*model.MempoolEntry {
	return maps.Clone(Pool(p))
}

func EntryCount(p Partial) map[common.Address]int {
	v, _ := p[KeyEntryCount].(map[common.Address]int)
	return v
}

func CloneEntryCount(p Partial) map[common.Address]int {
	return maps.Clone(EntryCount(p))
}

func Reputation(p Partial) map[common.Address]*model.ReputationEntry {
	v, _ := p[KeyReputation].(map[common.Address]*model.ReputationEntry)
	return v
}

func CloneReputation(p Partial) map[common.Address]*model.ReputationEntry {
	cloned := make(map[common.Address]*model.ReputationEntry, len(Reputation(p)))
	for addr, entry := range Reputation(p) {
		copied := *entry
		cloned[addr] = &copied
	}
	return cloned
}

func AddressSet(p Partial, key Key) map[common.Address]bool {
	v, _ := p[key].(map[common.Address]bool)
	return v
}

func CloneAddressSet(p Partial, key Key) map[common.Address]bool {
	return maps.Clone(AddressSet(p, key))
}

func BundleTxs(p Partial) map[common.Hash]*model.BundleTx {
	v, _ := p[KeyBundleTxs].(map[common.Hash]*model.BundleTx)
	return v
}

func CloneBundleTxs(p Partial) map[common.Hash]*model.BundleTx {
	return maps.Clone(BundleTxs(p))
}

func LastBlock(p Partial) uint64 {
	v, _ := p[KeyLastBlock].(uint64)
	return v
}
