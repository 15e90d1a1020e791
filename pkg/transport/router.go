// Package transport implements an identity-routed, duplex TCP protocol:
// the coordinator accepts one long-lived connection per seller, sends
// RESERVE/CONFIRM/CANCEL requests and matches replies back by
// correlation ID, while sellers push periodic heartbeats and may be
// dialed concurrently for many in-flight sagas over the same connection.
// Framing is pkg/wire's three-part length-prefixed
// identity/delimiter/payload scheme.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	apperrors "github.com/xiebiao/fulfillment/pkg/errors"
	"github.com/xiebiao/fulfillment/pkg/metrics"
	"github.com/xiebiao/fulfillment/pkg/wire"

	"github.com/xiebiao/fulfillment/internal/platform/logx"
)

func init() {
	// Guard against double-registration panics if a test constructs a
	// Router before anything else touched the default Prometheus registry.
	metrics.InitMetrics()
}

// Handler processes an inbound request envelope and returns the response
// envelope to send back. Client uses it for RESERVE/CONFIRM/CANCEL
// dispatch; Router takes no Handler and logs and ignores any
// unsolicited non-response frame from a peer.
type Handler func(ctx context.Context, env wire.Envelope) wire.Envelope

type pendingRequest struct {
	resultCh chan wire.Envelope
}

type peerConn struct {
	identity string
	conn     net.Conn
	writeMu  sync.Mutex
	lastSeen time.Time
}

func (p *peerConn) send(env wire.Envelope) error {
	payload, err := wire.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return wire.WriteMessage(p.conn, env.SenderID, payload)
}

// Router is the coordinator side of the transport: it listens for seller
// connections, keeps a peer table keyed by seller identity, and routes
// requests to a specific seller while matching responses back to the
// caller awaiting them by CorrelationID.
type Router struct {
	selfID string
	log    *logx.Logger

	mu      sync.Mutex
	peers   map[string]*peerConn
	pending map[string]*pendingRequest

	ln net.Listener

	closed   chan struct{}
	closeMu  sync.Mutex
	isClosed bool
}

func NewRouter(selfID string, log *logx.Logger) *Router {
	return &Router{
		selfID:  selfID,
		log:     log,
		peers:   make(map[string]*peerConn),
		pending: make(map[string]*pendingRequest),
		closed:  make(chan struct{}),
	}
}

// Listen starts accepting seller connections on addr. It blocks until the
// listener is closed via Close, spawning one goroutine per accepted
// connection.
func (r *Router) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.ln = ln
	r.log.Success("router listening on %s", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-r.closed:
				return nil
			default:
			}
			r.log.Warn("accept failed: %v", err)
			continue
		}
		go r.serveConn(conn)
	}
}

// Close stops accepting new connections and closes all peer connections.
func (r *Router) Close() error {
	r.closeMu.Lock()
	if r.isClosed {
		r.closeMu.Unlock()
		return nil
	}
	r.isClosed = true
	close(r.closed)
	r.closeMu.Unlock()

	if r.ln != nil {
		_ = r.ln.Close()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.peers {
		_ = p.conn.Close()
	}
	return nil
}

func (r *Router) serveConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)

	identity, payload, err := wire.ReadMessage(reader)
	if err != nil {
		r.log.Warn("dropping connection: failed to read identity frame: %v", err)
		return
	}
	_ = payload // the announce frame carries no meaningful payload

	peer := &peerConn{identity: identity, conn: conn, lastSeen: time.Now()}
	r.mu.Lock()
	r.peers[identity] = peer
	connected := len(r.peers)
	r.mu.Unlock()
	metrics.SetGauge(metrics.TransportConnectedPeers, float64(connected))
	r.log.Success("seller %q connected", identity)

	defer func() {
		r.mu.Lock()
		if r.peers[identity] == peer {
			delete(r.peers, identity)
		}
		connected := len(r.peers)
		r.mu.Unlock()
		metrics.SetGauge(metrics.TransportConnectedPeers, float64(connected))
		r.log.Warn("seller %q disconnected", identity)
	}()

	for {
		_, payload, err := wire.ReadMessage(reader)
		if err != nil {
			return
		}
		env, err := wire.Unmarshal(payload)
		if err != nil {
			r.log.Warn("malformed envelope from %q: %v", identity, err)
			continue
		}
		r.dispatch(peer, env)
	}
}

func (r *Router) dispatch(peer *peerConn, env wire.Envelope) {
	peer.lastSeen = time.Now()

	if env.Type == wire.KindHeartbeat {
		return
	}

	if !wire.IsTerminalResponse(env.Type) {
		r.log.Warn("router received non-response frame %q from %q; ignoring", env.Type, peer.identity)
		return
	}

	r.mu.Lock()
	pending, ok := r.pending[env.CorrelationID]
	if ok {
		delete(r.pending, env.CorrelationID)
	}
	r.mu.Unlock()

	if !ok {
		r.log.Warn("no pending request for correlation id %q (late or duplicate reply)", env.CorrelationID)
		return
	}

	select {
	case pending.resultCh <- env:
	default:
	}
}

// SendRequest delivers env to the seller identified by peerID and blocks
// until a terminal response with a matching CorrelationID arrives, ctx is
// done, or timeout elapses, whichever comes first. This is the single
// request/response primitive the retry engine and circuit breaker wrap;
// SendRequest itself makes no retry decisions.
func (r *Router) SendRequest(ctx context.Context, peerID string, env wire.Envelope, timeout time.Duration) (wire.Envelope, error) {
	r.mu.Lock()
	peer, ok := r.peers[peerID]
	if !ok {
		r.mu.Unlock()
		return wire.Envelope{}, apperrors.Wrap(apperrors.CategoryTransport, "PEER_UNREACHABLE", fmt.Errorf("no connection to peer %q", peerID))
	}
	resultCh := make(chan wire.Envelope, 1)
	r.pending[env.CorrelationID] = &pendingRequest{resultCh: resultCh}
	pending := len(r.pending)
	r.mu.Unlock()
	metrics.SetGauge(metrics.TransportPendingRequests, float64(pending))

	defer func() {
		r.mu.Lock()
		delete(r.pending, env.CorrelationID)
		pending := len(r.pending)
		r.mu.Unlock()
		metrics.SetGauge(metrics.TransportPendingRequests, float64(pending))
	}()

	if err := peer.send(env); err != nil {
		return wire.Envelope{}, apperrors.Wrap(apperrors.CategoryTransport, "SEND_FAILED", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-resultCh:
		return resp, nil
	case <-timer.C:
		return wire.Envelope{}, apperrors.ErrTimeout
	case <-ctx.Done():
		return wire.Envelope{}, apperrors.Wrap(apperrors.CategoryTransport, "REQUEST_CANCELLED", ctx.Err())
	case <-r.closed:
		return wire.Envelope{}, apperrors.ErrBrokerShutdown
	}
}

// PeerConnected reports whether peerID currently has a live connection.
func (r *Router) PeerConnected(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.peers[peerID]
	return ok
}

// PendingCount reports the number of requests awaiting a reply, exposed
// for metrics.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
