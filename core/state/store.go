// Package state owns the single mutable document behind the mempool node:
// pool contents, per-sender counts, reputation counters, allow/deny lists,
// in-flight bundle transactions and the event watermark. All access goes
// through keyed Get/Update calls guarded by one global lock, so every update
// callback is a complete critical section and no partial write is ever
// observable. Modules authenticate with capability grants issued at startup.
package state

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/model"
)

// Key names one slice of the state document.
type Key string

const (
	KeyStandardPool Key = "standardPool"
	KeyEntryCount   Key = "entryCount"
	KeyReputation   Key = "reputationEntries"
	KeyWhiteList    Key = "whiteList"
	KeyBlackList    Key = "blackList"
	KeyBundleTxs    Key = "bundleTxs"
	KeyLastBlock    Key = "lastBlock"
)

// AllKeys lists every key in the document, mostly for grant issuance.
func AllKeys() []Key {
	return []Key{
		KeyStandardPool, KeyEntryCount, KeyReputation,
		KeyWhiteList, KeyBlackList, KeyBundleTxs, KeyLastBlock,
	}
}

// Partial is a keyed slice of the document, both the snapshot handed to
// readers and the record an update callback must return.
type Partial map[Key]any

// UpdateFn receives the current values for the requested keys and returns
// the replacement values. It must return exactly the requested key set.
type UpdateFn func(cur Partial) (Partial, error)

// Store is the mutex guarded in-memory document. Created once at process
// start; a restart begins from an empty slate except for seeded lists.
type Store struct {
	mu     sync.Mutex
	doc    map[Key]any
	secret []byte
}

func New(secret []byte) *Store {
	return &Store{
		secret: secret,
		doc: map[Key]any{
			KeyStandardPool: map[string]*model.MempoolEntry{},
			KeyEntryCount:   map[common.Address]int{},
			KeyReputation:   map[common.Address]*model.ReputationEntry{},
			KeyWhiteList:    map[common.Address]bool{},
			KeyBlackList:    map[common.Address]bool{},
			KeyBundleTxs:    map[common.Hash]*model.BundleTx{},
			KeyLastBlock:    uint64(0),
		},
	}
}

// Get returns the current values for the requested keys. Values are the live
// collections; callers must treat them as read-only and clone before any
// mutation inside an Update callback.
func (s *Store) Get(g *Grant, keys ...Key) (Partial, error) {
	if err := s.verify(g, OpRead, keys); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(Partial, len(keys))
	for _, k := range keys {
		v, ok := s.doc[k]
		if !ok {
			return nil, fmt.Errorf("unknown state key %q", k)
		}
		out[k] = v
	}
	return out, nil
}

// Update runs fn over the requested keys and merges the result back in. The
// whole read-apply-write cycle holds the store lock, so concurrent updates
// are serialized and increment-style callbacks never lose writes. When fn
// returns a record whose key set differs from the request, the update fails
// naming the offending keys and the document is left untouched.
func (s *Store) Update(g *Grant, keys []Key, fn UpdateFn) error {
	if err := s.verify(g, OpWrite, keys); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := make(Partial, len(keys))
	for _, k := range keys {
		v, ok := s.doc[k]
		if !ok {
			return fmt.Errorf("unknown state key %q", k)
		}
		cur[k] = v
	}

	next, err := fn(cur)
	if err != nil {
		return err
	}

	if err := matchKeySet(keys, next); err != nil {
		return err
	}

	for k, v := range next {
		s.doc[k] = v
	}
	return nil
}

// matchKeySet enforces the exact-key contract of an update callback.
func matchKeySet(requested []Key, got Partial) error {
	want := make(map[Key]bool, len(requested))
	for _, k := range requested {
		want[k] = true
	}

	var missing, extra []string
	for k := range want {
		if _, ok := got[k]; !ok {
			missing = append(missing, string(k))
		}
	}
	for k := range got {
		if !want[k] {
			extra = append(extra, string(k))
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}

	sort.Strings(missing)
	sort.Strings(extra)
	return fmt.Errorf("state update key mismatch: missing %v, extra %v", missing, extra)
}
