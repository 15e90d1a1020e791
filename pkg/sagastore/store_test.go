package sagastore

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainsaga "github.com/xiebiao/fulfillment/internal/domain/saga"
	"github.com/xiebiao/fulfillment/internal/platform/logx"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return New(dir, logx.New("test", &bytes.Buffer{}))
}

func TestSaveThenGet(t *testing.T) {
	s := testStore(t)
	inst := domainsaga.New("saga-1", "order-1")
	s.Save(inst)

	got, ok := s.Get("saga-1")
	require.True(t, ok)
	assert.Equal(t, "order-1", got.OrderID)
}

func TestSaveWritesFileToDisk(t *testing.T) {
	s := testStore(t)
	inst := domainsaga.New("saga-1", "order-1")
	s.Save(inst)

	_, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	require.NoError(t, err)
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestDeleteRemovesFile(t *testing.T) {
	s := testStore(t)
	inst := domainsaga.New("saga-1", "order-1")
	s.Save(inst)
	s.Delete("saga-1")

	_, ok := s.Get("saga-1")
	assert.False(t, ok)

	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 0)
}

func TestRecoverLoadsNonTerminalSagas(t *testing.T) {
	dir := t.TempDir()
	log := logx.New("test", &bytes.Buffer{})

	writer := New(dir, log)
	active := domainsaga.New("saga-active", "order-1")
	require.NoError(t, active.Transition(domainsaga.StateReserving))
	writer.Save(active)

	done := domainsaga.New("saga-done", "order-2")
	require.NoError(t, done.Transition(domainsaga.StateReserving))
	require.NoError(t, done.Transition(domainsaga.StateProductsReserved))
	require.NoError(t, done.Transition(domainsaga.StateConfirming))
	require.NoError(t, done.Transition(domainsaga.StateCompleted))
	writer.Save(done)

	reader := New(dir, log)
	pending, err := reader.Recover()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "saga-active", pending[0].SagaID)
}

func TestRecoverOnMissingDirReturnsEmpty(t *testing.T) {
	log := logx.New("test", &bytes.Buffer{})
	s := New(filepath.Join(t.TempDir(), "does-not-exist"), log)
	pending, err := s.Recover()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFlushRewritesSnapshots(t *testing.T) {
	s := testStore(t)
	inst := domainsaga.New("saga-1", "order-1")
	s.Save(inst)

	s.Flush()

	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestIsExpiredOnStoredSnapshot(t *testing.T) {
	s := testStore(t)
	inst := domainsaga.New("saga-1", "order-1")
	require.NoError(t, inst.Transition(domainsaga.StateReserving))
	inst.UpdatedAt = time.Now().Add(-time.Hour)
	s.Save(inst)

	got, ok := s.Get("saga-1")
	require.True(t, ok)
	assert.True(t, got.IsExpired(time.Minute))
}
