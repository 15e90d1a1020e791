package ledger

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiebiao/fulfillment/internal/platform/logx"
)

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open("sqlite", dsn, logx.New("test", &bytes.Buffer{}))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("postgres", "whatever", logx.New("test", &bytes.Buffer{}))
	assert.Error(t, err)
}

func TestRecordInsertsOutcomeRow(t *testing.T) {
	l := testLedger(t)

	started := time.Now().Add(-2 * time.Second)
	l.Record(context.Background(), Outcome{
		SagaID:            "saga-1",
		OrderID:           "order-1",
		Result:            "COMPLETED",
		ItemCount:         2,
		CompensationCount: 2,
		StartedAt:         started,
	})

	var got Outcome
	require.NoError(t, l.db.First(&got, "saga_id = ?", "saga-1").Error)
	assert.Equal(t, "order-1", got.OrderID)
	assert.Equal(t, "COMPLETED", got.Result)
	assert.Equal(t, 2, got.ItemCount)
	assert.False(t, got.RecordedAt.IsZero())
}

func TestRecordSwallowsDuplicateSagaID(t *testing.T) {
	l := testLedger(t)

	outcome := Outcome{SagaID: "saga-1", OrderID: "order-1", Result: "COMPLETED"}
	l.Record(context.Background(), outcome)
	l.Record(context.Background(), outcome) // unique index rejects; logged, not surfaced

	var count int64
	require.NoError(t, l.db.Model(&Outcome{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
