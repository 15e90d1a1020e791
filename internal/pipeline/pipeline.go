// Package pipeline implements the order pipeline: it accepts a stream of
// orders from an external supplier, submits each to the saga
// orchestrator through a bounded worker pool, and reports terminal
// outcomes back.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/xiebiao/fulfillment/internal/domain/order"
	"github.com/xiebiao/fulfillment/internal/platform/logx"
	apperrors "github.com/xiebiao/fulfillment/pkg/errors"
	"github.com/xiebiao/fulfillment/pkg/mq"
)

// Runner is the saga-driving surface the pipeline submits orders to.
// internal/orchestrator.Orchestrator satisfies this.
type Runner interface {
	Run(ctx context.Context, ord *order.Order) (order.Status, error)
}

// Outcome is what the pipeline reports back to the supplier for one order.
type Outcome struct {
	OrderID string
	Status  order.Status
	Err     error
}

// Pipeline bounds concurrent saga execution to a fixed worker count and
// drains in-flight work cooperatively on shutdown.
type Pipeline struct {
	runner      Runner
	submitDelay time.Duration
	log         *logx.Logger
	publisher   *mq.Publisher // optional; nil disables the best-effort fan-out

	sem       chan struct{}
	wg        sync.WaitGroup
	closing   chan struct{}
	closeOnce sync.Once
}

// New builds a Pipeline with workers concurrent slots and submitDelay
// between successive order submissions (a pacing knob, not a correctness
// requirement).
func New(runner Runner, workers int, submitDelay time.Duration, publisher *mq.Publisher, log *logx.Logger) *Pipeline {
	if workers <= 0 {
		workers = 10
	}
	return &Pipeline{
		runner:      runner,
		submitDelay: submitDelay,
		log:         log,
		publisher:   publisher,
		sem:         make(chan struct{}, workers),
		closing:     make(chan struct{}),
	}
}

// Process consumes orders from src, submitting each to the bounded worker
// pool, and writes one Outcome to out per order as it reaches a terminal
// saga state. It returns once src is closed and every in-flight order has
// been reported (or ctx is cancelled), and it closes out before returning.
func (p *Pipeline) Process(ctx context.Context, src <-chan *order.Order, out chan<- Outcome) {
	defer close(out)

	for {
		select {
		case ord, ok := <-src:
			if !ok {
				p.wg.Wait()
				return
			}
			p.submit(ctx, ord, out)
			if p.submitDelay > 0 {
				select {
				case <-time.After(p.submitDelay):
				case <-ctx.Done():
				}
			}
		case <-ctx.Done():
			p.wg.Wait()
			return
		}
	}
}

func (p *Pipeline) submit(ctx context.Context, ord *order.Order, out chan<- Outcome) {
	select {
	case <-p.closing:
		out <- Outcome{OrderID: ord.ID, Status: order.StatusFailed, Err: apperrors.ErrShuttingDown}
		return
	default:
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}

	p.wg.Add(1)
	go p.runOne(ctx, ord, out)
}

func (p *Pipeline) runOne(ctx context.Context, ord *order.Order, out chan<- Outcome) {
	defer p.wg.Done()
	defer func() { <-p.sem }()

	status, err := p.runner.Run(ctx, ord)
	if err != nil {
		p.log.Error("order %q: saga run returned an error: %v", ord.ID, err)
	}

	if p.publisher != nil {
		event := mq.OrderOutcomeEvent{
			OrderID:   ord.ID,
			Outcome:   status.String(),
			ItemCount: len(ord.Items),
			Timestamp: time.Now(),
		}
		if err != nil {
			event.Reason = err.Error()
		}
		if perr := p.publisher.Publish(ctx, event); perr != nil {
			p.log.Warn("order %q: outcome publish failed: %v", ord.ID, perr)
		}
	}

	out <- Outcome{OrderID: ord.ID, Status: status, Err: err}
}

// Shutdown stops accepting new orders and waits up to grace for
// in-flight orders to finish. Orders still running past grace are left
// to the caller's ctx (already threaded through Process) or their own
// saga timeout to cancel.
func (p *Pipeline) Shutdown(grace time.Duration) {
	p.closeOnce.Do(func() { close(p.closing) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		p.log.Warn("shutdown grace period elapsed with orders still in flight")
	}
}
