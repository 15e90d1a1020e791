package transport

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiebiao/fulfillment/internal/platform/logx"
	"github.com/xiebiao/fulfillment/pkg/wire"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func testLogger() *logx.Logger {
	return logx.New("test", &bytes.Buffer{})
}

func TestRouterClientRoundTrip(t *testing.T) {
	addr := freeAddr(t)
	router := NewRouter("coordinator", testLogger())
	go router.Listen(addr)
	t.Cleanup(func() { router.Close() })

	time.Sleep(20 * time.Millisecond)

	handler := func(ctx context.Context, env wire.Envelope) wire.Envelope {
		resp := wire.NewEnvelope("seller-1", wire.KindSuccess)
		resp.CorrelationID = env.CorrelationID
		resp.MessageID = env.MessageID
		resp.Data.ReservationID = "res-123"
		return resp
	}
	client := NewClient("seller-1", addr, 50*time.Millisecond, handler, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go client.Run(ctx)

	require.Eventually(t, func() bool {
		return router.PeerConnected("seller-1")
	}, time.Second, 10*time.Millisecond)

	req := wire.NewEnvelope("coordinator", wire.KindReserve)
	req.CorrelationID = "corr-1"
	req.MessageID = "msg-1"
	req.Data.ProductID = "P1"
	req.Data.Quantity = 2

	resp, err := router.SendRequest(context.Background(), "seller-1", req, time.Second)
	require.NoError(t, err)
	assert.Equal(t, wire.KindSuccess, resp.Type)
	assert.Equal(t, "res-123", resp.Data.ReservationID)
}

func TestRouterSendRequestTimesOutWhenPeerUnresponsive(t *testing.T) {
	addr := freeAddr(t)
	router := NewRouter("coordinator", testLogger())
	go router.Listen(addr)
	t.Cleanup(func() { router.Close() })

	time.Sleep(20 * time.Millisecond)

	handler := func(ctx context.Context, env wire.Envelope) wire.Envelope {
		time.Sleep(200 * time.Millisecond)
		resp := wire.NewEnvelope("seller-1", wire.KindSuccess)
		resp.CorrelationID = env.CorrelationID
		return resp
	}
	client := NewClient("seller-1", addr, 50*time.Millisecond, handler, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go client.Run(ctx)

	require.Eventually(t, func() bool {
		return router.PeerConnected("seller-1")
	}, time.Second, 10*time.Millisecond)

	req := wire.NewEnvelope("coordinator", wire.KindReserve)
	req.CorrelationID = "corr-timeout"
	req.MessageID = "msg-timeout"

	_, err := router.SendRequest(context.Background(), "seller-1", req, 20*time.Millisecond)
	require.Error(t, err)
}

func TestRouterSendRequestFailsForUnknownPeer(t *testing.T) {
	router := NewRouter("coordinator", testLogger())
	_, err := router.SendRequest(context.Background(), "ghost", wire.NewEnvelope("coordinator", wire.KindReserve), time.Second)
	require.Error(t, err)
}
