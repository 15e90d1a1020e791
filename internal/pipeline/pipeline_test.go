package pipeline

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiebiao/fulfillment/internal/domain/order"
	"github.com/xiebiao/fulfillment/internal/platform/logx"
)

func testLogger() *logx.Logger {
	return logx.New("test", &bytes.Buffer{})
}

// fakeRunner is a Runner whose Run blocks until release is closed (or ctx
// is cancelled), letting tests observe how many orders are in flight at
// once.
type fakeRunner struct {
	inFlight  int32
	maxSeen   int32
	release   chan struct{}
	runCalled func(orderID string)
}

func (r *fakeRunner) Run(ctx context.Context, ord *order.Order) (order.Status, error) {
	n := atomic.AddInt32(&r.inFlight, 1)
	for {
		cur := atomic.LoadInt32(&r.maxSeen)
		if n <= cur || atomic.CompareAndSwapInt32(&r.maxSeen, cur, n) {
			break
		}
	}
	if r.runCalled != nil {
		r.runCalled(ord.ID)
	}
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	atomic.AddInt32(&r.inFlight, -1)
	return order.StatusCompleted, nil
}

func testOrder(id string) *order.Order {
	return order.New(id, "cust-1", "market-1", []order.Item{{ProductID: "p1", SellerID: "s1", Quantity: 1}})
}

func TestProcessBoundsConcurrency(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	pl := New(runner, 2, 0, nil, testLogger())

	src := make(chan *order.Order)
	out := make(chan Outcome)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go pl.Process(ctx, src, out)

	for i := 0; i < 5; i++ {
		src <- testOrder(string(rune('a' + i)))
	}

	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&runner.maxSeen), int32(2))

	close(runner.release)
	close(src)

	seen := 0
	for range out {
		seen++
	}
	assert.Equal(t, 5, seen)
}

func TestProcessReportsOutcomePerOrder(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	close(runner.release)
	pl := New(runner, 4, 0, nil, testLogger())

	src := make(chan *order.Order, 1)
	out := make(chan Outcome, 1)

	src <- testOrder("order-1")
	close(src)

	pl.Process(context.Background(), src, out)

	var outcomes []Outcome
	for o := range out {
		outcomes = append(outcomes, o)
	}

	require.Len(t, outcomes, 1)
	assert.Equal(t, "order-1", outcomes[0].OrderID)
	assert.Equal(t, order.StatusCompleted, outcomes[0].Status)
	assert.NoError(t, outcomes[0].Err)
}

func TestShutdownWaitsForInFlightOrdersWithinGrace(t *testing.T) {
	release := make(chan struct{})
	runner := &fakeRunner{release: release}
	pl := New(runner, 4, 0, nil, testLogger())

	src := make(chan *order.Order)
	out := make(chan Outcome)

	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pl.Process(ctx, src, out)
	}()

	src <- testOrder("order-1")
	go func() {
		for range out {
		}
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	close(src)

	done := make(chan struct{})
	go func() {
		pl.Shutdown(time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return after in-flight order finished")
	}

	wg.Wait()
}
