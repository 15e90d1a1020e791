// Package idempotency implements a message-ID deduplication cache: a
// bounded store mapping a message ID to the response it produced the
// first time it was handled, so a retried request (same MessageID, fresh
// CorrelationID) replays the original outcome instead of re-executing a
// side effect. The claim protocol is first-writer-wins: a handler claims
// the ID before executing and records the terminal status after.
package idempotency

import (
	"context"
	"sync"
	"time"
)

// Status is the outcome recorded against a message ID.
type Status int

const (
	StatusProcessing Status = iota
	StatusSucceeded
	StatusFailed
)

// Record is what the store returns for a previously seen message ID.
type Record struct {
	Status   Status
	Response []byte
	StoredAt time.Time
}

// Store is the interface both the in-process and Redis-backed caches
// satisfy. Claim atomically records "processing" for key if and only if
// no record exists yet or the existing one has expired, returning
// (existing, true) when it created a fresh claim and (existing, false)
// when key was already owned; the caller must replay existing in the
// latter case rather than re-executing.
type Store interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (existing Record, claimed bool, err error)
	Complete(ctx context.Context, key string, status Status, response []byte, ttl time.Duration) error
}

// MemStore is the default in-process Store: a bounded map guarded by a
// mutex, with a background sweep evicting completed entries older than
// its retention window.
type MemStore struct {
	mu      sync.Mutex
	records map[string]Record
	maxSize int
}

// NewMemStore builds a MemStore capped at maxSize entries. Once at
// capacity, Claim on a genuinely new key fails with ErrStoreFull rather
// than silently evicting an unrelated live entry.
func NewMemStore(maxSize int) *MemStore {
	return &MemStore{
		records: make(map[string]Record),
		maxSize: maxSize,
	}
}

func (m *MemStore) Claim(ctx context.Context, key string, ttl time.Duration) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if rec, ok := m.records[key]; ok {
		if now.Sub(rec.StoredAt) < ttl {
			return rec, false, nil
		}
		// a record that outlived the retention window is re-claimable,
		// whether the sweep got to it yet or not
	}

	if len(m.records) >= m.maxSize {
		if _, exists := m.records[key]; !exists {
			return Record{}, false, ErrStoreFull
		}
	}

	m.records[key] = Record{Status: StatusProcessing, StoredAt: now}
	return Record{}, true, nil
}

func (m *MemStore) Complete(ctx context.Context, key string, status Status, response []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = Record{Status: status, Response: response, StoredAt: time.Now()}
	return nil
}

// Sweep removes completed records older than retention, returning the
// count evicted; records still marked processing are left in place. Callers run this periodically (e.g. every retention/4) from a
// background goroutine; Sweep itself does not schedule anything.
func (m *MemStore) Sweep(retention time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	evicted := 0
	for k, rec := range m.records {
		if rec.Status != StatusProcessing && rec.StoredAt.Before(cutoff) {
			delete(m.records, k)
			evicted++
		}
	}
	return evicted
}

// Len reports the current entry count, chiefly for tests and metrics.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
