package seller

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiebiao/fulfillment/internal/platform/logx"
	apperrors "github.com/xiebiao/fulfillment/pkg/errors"
	"github.com/xiebiao/fulfillment/pkg/idempotency"
	"github.com/xiebiao/fulfillment/pkg/metrics"
	"github.com/xiebiao/fulfillment/pkg/wire"
)

func TestMain(m *testing.M) {
	metrics.InitMetrics()
	os.Exit(m.Run())
}

func testLogger() *logx.Logger {
	return logx.New("test", &bytes.Buffer{})
}

func newTestParticipant(t *testing.T, stock map[string]int) *Participant {
	t.Helper()
	return New("seller-1", stock, 50*time.Millisecond, idempotency.NewMemStore(1000), time.Minute, testLogger())
}

func reserveEnv(messageID, productID string, qty int) wire.Envelope {
	env := wire.NewEnvelope("coordinator", wire.KindReserve)
	env.MessageID = messageID
	env.Data.ProductID = productID
	env.Data.Quantity = qty
	return env
}

func TestReserveDecrementsStock(t *testing.T) {
	p := newTestParticipant(t, map[string]int{"widget": 10})

	resp := p.Handle(context.Background(), reserveEnv("m1", "widget", 4))

	require.Equal(t, wire.KindSuccess, resp.Type)
	assert.NotEmpty(t, resp.Data.ReservationID)
	assert.Equal(t, 6, p.AvailableStock("widget"))
}

func TestReserveRejectsOutOfStock(t *testing.T) {
	p := newTestParticipant(t, map[string]int{"widget": 2})

	resp := p.Handle(context.Background(), reserveEnv("m1", "widget", 5))

	require.Equal(t, wire.KindError, resp.Type)
	assert.Equal(t, apperrors.ErrOutOfStock.Code, resp.Data.Reason)
	assert.Equal(t, 2, p.AvailableStock("widget"))
}

func TestReserveRejectsZeroQuantity(t *testing.T) {
	p := newTestParticipant(t, map[string]int{"widget": 10})

	resp := p.Handle(context.Background(), reserveEnv("m1", "widget", 0))

	require.Equal(t, wire.KindError, resp.Type)
	assert.Equal(t, apperrors.ErrInvalidQuantity.Code, resp.Data.Reason)
}

func TestReserveFullStockLeavesZeroAvailable(t *testing.T) {
	p := newTestParticipant(t, map[string]int{"widget": 3})

	resp := p.Handle(context.Background(), reserveEnv("m1", "widget", 3))

	require.Equal(t, wire.KindSuccess, resp.Type)
	assert.Equal(t, 0, p.AvailableStock("widget"))
}

func TestConfirmCompletesReservationExactlyOnce(t *testing.T) {
	p := newTestParticipant(t, map[string]int{"widget": 10})

	reserveResp := p.Handle(context.Background(), reserveEnv("m1", "widget", 4))
	reservationID := reserveResp.Data.ReservationID

	confirmEnv := wire.NewEnvelope("coordinator", wire.KindConfirm)
	confirmEnv.MessageID = "m2"
	confirmEnv.Data.ReservationID = reservationID

	resp := p.Handle(context.Background(), confirmEnv)
	require.Equal(t, wire.KindSuccess, resp.Type)

	confirmEnv.MessageID = "m3"
	resp = p.Handle(context.Background(), confirmEnv)
	require.Equal(t, wire.KindError, resp.Type)
	assert.Equal(t, apperrors.ErrAlreadyConfirmed.Code, resp.Data.Reason)
}

func TestConfirmRejectsUnknownReservation(t *testing.T) {
	p := newTestParticipant(t, map[string]int{"widget": 10})

	confirmEnv := wire.NewEnvelope("coordinator", wire.KindConfirm)
	confirmEnv.MessageID = "m1"
	confirmEnv.Data.ReservationID = "nonexistent"

	resp := p.Handle(context.Background(), confirmEnv)
	require.Equal(t, wire.KindError, resp.Type)
	assert.Equal(t, apperrors.ErrUnknownReservation.Code, resp.Data.Reason)
}

func TestConfirmRejectsExpiredReservation(t *testing.T) {
	p := newTestParticipant(t, map[string]int{"widget": 10})

	reserveResp := p.Handle(context.Background(), reserveEnv("m1", "widget", 4))
	reservationID := reserveResp.Data.ReservationID

	time.Sleep(75 * time.Millisecond)

	confirmEnv := wire.NewEnvelope("coordinator", wire.KindConfirm)
	confirmEnv.MessageID = "m2"
	confirmEnv.Data.ReservationID = reservationID

	resp := p.Handle(context.Background(), confirmEnv)
	require.Equal(t, wire.KindError, resp.Type)
	assert.Equal(t, apperrors.ErrReservationExpired.Code, resp.Data.Reason)
}

func TestCancelRestoresStockAndIsIdempotent(t *testing.T) {
	p := newTestParticipant(t, map[string]int{"widget": 10})

	reserveResp := p.Handle(context.Background(), reserveEnv("m1", "widget", 4))
	reservationID := reserveResp.Data.ReservationID
	require.Equal(t, 6, p.AvailableStock("widget"))

	cancelEnv := wire.NewEnvelope("coordinator", wire.KindCancel)
	cancelEnv.MessageID = "m2"
	cancelEnv.Data.ReservationID = reservationID

	resp := p.Handle(context.Background(), cancelEnv)
	require.Equal(t, wire.KindSuccess, resp.Type)
	assert.Equal(t, 10, p.AvailableStock("widget"))

	cancelEnv.MessageID = "m3"
	resp = p.Handle(context.Background(), cancelEnv)
	require.Equal(t, wire.KindSuccess, resp.Type, "cancelling an already-cancelled reservation must be a no-op success")
	assert.Equal(t, 10, p.AvailableStock("widget"))
}

func TestCancelRejectsConfirmedReservation(t *testing.T) {
	p := newTestParticipant(t, map[string]int{"widget": 10})

	reserveResp := p.Handle(context.Background(), reserveEnv("m1", "widget", 4))
	reservationID := reserveResp.Data.ReservationID

	confirmEnv := wire.NewEnvelope("coordinator", wire.KindConfirm)
	confirmEnv.MessageID = "m2"
	confirmEnv.Data.ReservationID = reservationID
	require.Equal(t, wire.KindSuccess, p.Handle(context.Background(), confirmEnv).Type)

	cancelEnv := wire.NewEnvelope("coordinator", wire.KindCancel)
	cancelEnv.MessageID = "m3"
	cancelEnv.Data.ReservationID = reservationID

	resp := p.Handle(context.Background(), cancelEnv)
	require.Equal(t, wire.KindError, resp.Type)
	assert.Equal(t, apperrors.ErrAlreadyConfirmed.Code, resp.Data.Reason)
}

func TestHandleReplaysCachedResponseForDuplicateMessageID(t *testing.T) {
	p := newTestParticipant(t, map[string]int{"widget": 10})

	env := reserveEnv("m1", "widget", 4)
	first := p.Handle(context.Background(), env)

	env.CorrelationID = "different-correlation"
	second := p.Handle(context.Background(), env)

	assert.Equal(t, first.Data.ReservationID, second.Data.ReservationID)
	assert.Equal(t, 6, p.AvailableStock("widget"), "a replayed RESERVE must not decrement stock twice")
}

func TestSweepExpiredReclaimsOnlyExpiredUnconfirmedReservations(t *testing.T) {
	p := newTestParticipant(t, map[string]int{"widget": 10})

	expiring := p.Handle(context.Background(), reserveEnv("m1", "widget", 3))
	keep := p.Handle(context.Background(), reserveEnv("m2", "widget", 2))

	confirmEnv := wire.NewEnvelope("coordinator", wire.KindConfirm)
	confirmEnv.MessageID = "m3"
	confirmEnv.Data.ReservationID = keep.Data.ReservationID
	require.Equal(t, wire.KindSuccess, p.Handle(context.Background(), confirmEnv).Type)

	time.Sleep(75 * time.Millisecond)

	n := p.SweepExpired()
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(1), p.ExpiredCount())
	assert.Equal(t, 10-2, p.AvailableStock("widget"), "confirmed reservation's stock stays deducted")

	_ = expiring
}

func TestDispatchRejectsUnsupportedMessageType(t *testing.T) {
	p := newTestParticipant(t, map[string]int{"widget": 10})

	env := wire.NewEnvelope("coordinator", wire.KindSuccess)
	env.MessageID = "m1"

	resp := p.Handle(context.Background(), env)
	require.Equal(t, wire.KindError, resp.Type)
}
