package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/xiebiao/fulfillment/pkg/wire"

	"github.com/xiebiao/fulfillment/internal/platform/logx"
)

// Client is the seller side of the transport: it dials the coordinator's
// single front-end address once, announces its identity, serves inbound
// RESERVE/CONFIRM/CANCEL requests through handler, and emits periodic
// heartbeats so the coordinator's peer table (and any future liveness
// checks) can tell a quiet-but-alive seller from a dead one.
type Client struct {
	selfID            string
	addr              string
	handler           Handler
	heartbeatInterval time.Duration
	log               *logx.Logger

	mu      sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex

	stop chan struct{}
	done chan struct{}
}

func NewClient(selfID, addr string, heartbeatInterval time.Duration, handler Handler, log *logx.Logger) *Client {
	return &Client{
		selfID:            selfID,
		addr:              addr,
		handler:           handler,
		heartbeatInterval: heartbeatInterval,
		log:               log,
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
}

// Run dials the coordinator, announces identity, and serves inbound
// requests until ctx is cancelled or Close is called. It blocks.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.done)

	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer conn.Close()

	if err := wire.WriteMessage(conn, c.selfID, nil); err != nil {
		return fmt.Errorf("send identity frame: %w", err)
	}
	c.log.Success("connected to coordinator at %s as %q", c.addr, c.selfID)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.heartbeatLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.readLoop(ctx, conn)
	}()

	select {
	case <-ctx.Done():
	case <-c.stop:
	}
	_ = conn.Close()
	wg.Wait()
	return nil
}

// Close stops the client's background loops without waiting for Run to
// observe context cancellation; used alongside an owning context in tests.
func (c *Client) Close() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			env := wire.NewEnvelope(c.selfID, wire.KindHeartbeat)
			if err := c.send(env); err != nil {
				c.log.Warn("heartbeat send failed: %v", err)
			}
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		_, payload, err := wire.ReadMessage(reader)
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				c.log.Warn("connection to coordinator lost: %v", err)
			}
			return
		}
		env, err := wire.Unmarshal(payload)
		if err != nil {
			c.log.Warn("malformed envelope from coordinator: %v", err)
			continue
		}
		if env.Type == wire.KindHeartbeat {
			continue
		}
		go c.handleRequest(ctx, env)
	}
}

func (c *Client) handleRequest(ctx context.Context, env wire.Envelope) {
	resp := c.handler(ctx, env)
	if err := c.send(resp); err != nil {
		c.log.Warn("failed to send response for correlation id %q: %v", env.CorrelationID, err)
	}
}

func (c *Client) send(env wire.Envelope) error {
	payload, err := wire.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("client not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteMessage(conn, env.SenderID, payload)
}
