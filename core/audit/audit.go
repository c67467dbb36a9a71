// Package audit keeps an append-only, ULID-keyed trail of admission and
// bundling outcomes. Unlike the mempool, the trail is persisted so an
// operator can reconstruct what a restarted node did and why.
package audit

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/AvaProtocol/ap-bundler/pkg/logger"
	"github.com/AvaProtocol/ap-bundler/storage"
)

const keyPrefix = "audit:"

// Kind labels what happened.
type Kind string

const (
	KindAdmitted     Kind = "admitted"
	KindRejected     Kind = "rejected"
	KindEvicted      Kind = "evicted"
	KindBundleSent   Kind = "bundle_sent"
	KindBundleFailed Kind = "bundle_failed"
)

// Record is one audit line. Fields carry free-form detail; UserOpHash and
// TxHash are hex strings when relevant, empty otherwise.
type Record struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	UserOpHash string    `json:"userOpHash,omitempty"`
	TxHash     string    `json:"txHash,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

type Log struct {
	db     storage.Storage
	logger logger.Logger

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func New(db storage.Storage, l logger.Logger) *Log {
	return &Log{
		db:     db,
		logger: logger.EnsureLogger(l),
		// Monotonic entropy keeps same-millisecond IDs in append order.
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Append writes one record. ULID keys sort lexicographically by time, so a
// prefix scan returns the trail in order. Audit failures are logged, never
// propagated; the trail must not be able to take down admission.
func (l *Log) Append(kind Kind, userOpHash, txHash, detail string) {
	now := time.Now().UTC()

	l.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(now), l.entropy).String()
	l.mu.Unlock()

	record := Record{
		ID:         id,
		Kind:       kind,
		UserOpHash: userOpHash,
		TxHash:     txHash,
		Detail:     detail,
		At:         now,
	}
	data, err := json.Marshal(record)
	if err != nil {
		l.logger.Error("cannot marshal audit record", "error", err)
		return
	}
	if err := l.db.Set([]byte(keyPrefix+id), data); err != nil {
		l.logger.Error("cannot persist audit record", "id", id, "error", err)
	}
}

// Dump returns the whole trail oldest-first.
func (l *Log) Dump() ([]Record, error) {
	items, err := l.db.GetByPrefix([]byte(keyPrefix))
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(items))
	for _, item := range items {
		var record Record
		if uerr := json.Unmarshal(item.Value, &record); uerr != nil {
			return nil, fmt.Errorf("corrupt audit record at %s: %w", item.Key, uerr)
		}
		records = append(records, record)
	}
	return records, nil
}

// Size returns the number of records without reading values.
func (l *Log) Size() (int64, error) {
	return l.db.CountKeysByPrefix([]byte(keyPrefix))
}
