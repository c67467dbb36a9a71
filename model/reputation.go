package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ReputationStatus classifies an entity per the ERC-4337 reputation rules.
type ReputationStatus int

const (
	ReputationOK ReputationStatus = iota
	ReputationThrottled
	ReputationBanned
)

func (s ReputationStatus) String() string {
	switch s {
	case ReputationOK:
		return "OK"
	case ReputationThrottled:
		return "THROTTLED"
	case ReputationBanned:
		return "BANNED"
	}
	return "unknown"
}

// ReputationEntry is the per-entity counter pair behind status derivation.
type ReputationEntry struct {
	OpsSeen     uint64 `json:"opsSeen"`
	OpsIncluded uint64 `json:"opsIncluded"`
}

// ReputationView pairs raw counters with the status derived from them,
// as exposed to debug callers.
type ReputationView struct {
	OpsSeen     uint64           `json:"opsSeen"`
	OpsIncluded uint64           `json:"opsIncluded"`
	Status      ReputationStatus `json:"status"`
}

// StakeInfo is an entity's entrypoint deposit record as read on chain.
type StakeInfo struct {
	Addr            common.Address `json:"addr"`
	Stake           *big.Int       `json:"stake"`
	UnstakeDelaySec *big.Int       `json:"unstakeDelaySec"`
}
