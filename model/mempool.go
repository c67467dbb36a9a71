package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/pkg/userop"
)

// EntryStatus tracks where a mempool entry sits in its lifecycle. The
// `bundling` status is exclusive: only one builder pass may own an entry.
type EntryStatus int

const (
	StatusPending EntryStatus = iota
	StatusBundling
	StatusBundled
	StatusFailed
)

func (s EntryStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusBundling:
		return "bundling"
	case StatusBundled:
		return "bundled"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// ReferencedContracts is the simulation footprint of an op at admission time:
// the contracts its validation touched and a combined code hash. A later
// mismatch means code the op depends on was redeployed since admission.
type ReferencedContracts struct {
	Addresses []common.Address `json:"addresses"`
	Hash      common.Hash      `json:"hash"`
}

// MempoolEntry wraps an admitted UserOperation with the bookkeeping the pool
// needs. The op itself is never mutated; only Status changes in place.
type MempoolEntry struct {
	UserOp              *userop.UserOperation `json:"userOp"`
	UserOpHash          common.Hash           `json:"userOpHash"`
	Prefund             *big.Int              `json:"prefund"`
	ReferencedContracts ReferencedContracts   `json:"referencedContracts"`
	Status              EntryStatus           `json:"status"`
	Aggregator          common.Address        `json:"aggregator,omitempty"`

	// Seq is the admission sequence number; GetNextPending drains in Seq
	// order so the pool is FIFO across bundling rounds.
	Seq     uint64    `json:"seq"`
	AddedAt time.Time `json:"addedAt"`
}

// Entities returns every address the entry implicates for reputation
// accounting: sender, then factory/paymaster/aggregator when present.
func (e *MempoolEntry) Entities() []common.Address {
	out := []common.Address{e.UserOp.Sender}
	if f := e.UserOp.GetFactory(); f != (common.Address{}) {
		out = append(out, f)
	}
	if p := e.UserOp.GetPaymaster(); p != (common.Address{}) {
		out = append(out, p)
	}
	if e.Aggregator != (common.Address{}) {
		out = append(out, e.Aggregator)
	}
	return out
}
