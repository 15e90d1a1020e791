// Package sagastore implements the durable, crash-recoverable saga record
// store: one JSON file per saga under a state directory, written through
// on every transition, periodically flushed in bulk, and scanned at
// startup to recover any non-terminal saga. Each saga file has exactly
// one writer, its own orchestrator goroutine, so writes need no
// cross-saga coordination.
package sagastore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/xiebiao/fulfillment/internal/domain/saga"
	apperrors "github.com/xiebiao/fulfillment/pkg/errors"
	"github.com/xiebiao/fulfillment/internal/platform/logx"
)

// Store keeps an in-memory snapshot of every non-terminal saga plus a
// write-through mirror on disk. Save is called after every accepted state
// transition; Flush periodically re-writes every in-memory snapshot so a
// crash between transitions still leaves a recent-enough record.
type Store struct {
	dir string
	log *logx.Logger

	mu        sync.Mutex
	instances map[string]*saga.Instance
}

func New(dir string, log *logx.Logger) *Store {
	return &Store{dir: dir, log: log, instances: make(map[string]*saga.Instance)}
}

func (s *Store) path(sagaID string) string {
	return filepath.Join(s.dir, sagaID+".json")
}

// Save records instance in memory and writes it through to disk
// immediately. A persistence failure here is logged but must not block
// the in-memory transition; the next periodic Flush retries the write.
func (s *Store) Save(instance *saga.Instance) {
	s.mu.Lock()
	s.instances[instance.SagaID] = instance
	s.mu.Unlock()

	if err := s.writeFile(instance); err != nil {
		s.log.Warn("write-through failed for saga %q: %v", instance.SagaID, err)
	}
}

// Delete removes a saga's in-memory snapshot and its on-disk file. Called
// once a saga reaches a terminal state.
func (s *Store) Delete(sagaID string) {
	s.mu.Lock()
	delete(s.instances, sagaID)
	s.mu.Unlock()

	if err := os.Remove(s.path(sagaID)); err != nil && !os.IsNotExist(err) {
		s.log.Warn("failed to remove saga file for %q: %v", sagaID, err)
	}
}

func (s *Store) writeFile(instance *saga.Instance) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("ensure state dir: %w", err)
	}
	payload, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("marshal saga %q: %w", instance.SagaID, err)
	}

	tmp := s.path(instance.SagaID) + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	return os.Rename(tmp, s.path(instance.SagaID))
}

// Flush re-writes every in-memory snapshot to disk, run periodically
// (default 10s) as a safety net against a missed write-through.
func (s *Store) Flush() {
	s.mu.Lock()
	snapshot := make([]*saga.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		snapshot = append(snapshot, inst)
	}
	s.mu.Unlock()

	for _, inst := range snapshot {
		if err := s.writeFile(inst); err != nil {
			s.log.Warn("periodic flush failed for saga %q: %v", inst.SagaID, err)
		}
	}
}

// RunPeriodicFlush blocks, calling Flush every interval until stop closes.
func (s *Store) RunPeriodicFlush(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Flush()
		case <-stop:
			s.Flush()
			return
		}
	}
}

// Recover scans the state directory at startup, loading every saga file
// into memory and returning the ones left in a non-terminal state, the
// candidates the orchestrator must resume or forcibly compensate. A file
// that fails to parse is skipped with a warning rather than aborting
// startup.
func (s *Store) Recover() ([]*saga.Instance, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryPersistence, "RECOVER_READDIR", err)
	}

	var pending []*saga.Instance
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		full := filepath.Join(s.dir, entry.Name())
		payload, err := os.ReadFile(full)
		if err != nil {
			s.log.Warn("skipping unreadable saga file %q: %v", full, err)
			continue
		}
		var inst saga.Instance
		if err := json.Unmarshal(payload, &inst); err != nil {
			s.log.Warn("skipping malformed saga file %q: %v", full, err)
			continue
		}

		s.mu.Lock()
		s.instances[inst.SagaID] = &inst
		s.mu.Unlock()

		if !inst.State.Terminal() {
			pending = append(pending, &inst)
		}
	}
	return pending, nil
}

// Get returns the in-memory snapshot for sagaID, if any.
func (s *Store) Get(sagaID string) (*saga.Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[sagaID]
	return inst, ok
}

// Len reports the number of in-flight (non-deleted) sagas, exposed for
// metrics.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instances)
}
