// Package orchestrator implements the saga orchestrator: the two-phase
// reserve/confirm protocol over the transport, the persisted state
// machine, and reverse-order compensation on any failure.
//
// The reserve and confirm phases are each one barrier group run through
// pkg/saga.Saga, which walks committed actions in reverse on
// compensation, logging failures but never aborting the sweep. This
// package supplies the Do/OnCommit/Compensate closures and interleaves
// its own persisted state-machine transitions between the two RunGroup
// calls, since pkg/saga, being domain-agnostic, doesn't model the state
// machine itself. Every reservation observed to succeed is persisted
// immediately from the reserve action's OnCommit
// (internal/domain/saga.Instance.RecordReservation) before the reserve
// phase proceeds, so a crash mid-phase leaves a compensation record for
// exactly the reservations whose success was observed. A saga recovered
// from disk after a crash has no live Action closures to unwind and
// instead replays inst.Compensations directly via compensateRecovered.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiebiao/fulfillment/internal/domain/order"
	"github.com/xiebiao/fulfillment/internal/domain/saga"
	"github.com/xiebiao/fulfillment/internal/platform/logx"
	"github.com/xiebiao/fulfillment/pkg/circuitbreaker"
	apperrors "github.com/xiebiao/fulfillment/pkg/errors"
	"github.com/xiebiao/fulfillment/pkg/ledger"
	"github.com/xiebiao/fulfillment/pkg/metrics"
	"github.com/xiebiao/fulfillment/pkg/retry"
	pkgsaga "github.com/xiebiao/fulfillment/pkg/saga"
	"github.com/xiebiao/fulfillment/pkg/sagastore"
	"github.com/xiebiao/fulfillment/pkg/wire"
)

// Sender is the transport surface the orchestrator needs: a single
// request/response round trip to a named peer. pkg/transport.Router
// satisfies this; tests supply a fake.
type Sender interface {
	SendRequest(ctx context.Context, peerID string, env wire.Envelope, timeout time.Duration) (wire.Envelope, error)
}

// Config holds the timeout hierarchy, which must be strictly ascending
// (RequestTimeout < PhaseTimeout < SagaTimeout) so a saga timeout never
// fires before a request could have timed out, plus the retry and
// breaker parameters applied to every seller call.
type Config struct {
	SelfID         string
	RequestTimeout time.Duration
	PhaseTimeout   time.Duration
	SagaTimeout    time.Duration
	Retry          retry.Config
	Breaker        circuitbreaker.Config
}

// DefaultConfig is the production timeout/retry/breaker parameter set.
func DefaultConfig(selfID string) Config {
	return Config{
		SelfID:         selfID,
		RequestTimeout: 5 * time.Second,
		PhaseTimeout:   10 * time.Second,
		SagaTimeout:    60 * time.Second,
		Retry:          retry.DefaultConfig(),
		Breaker:        circuitbreaker.DefaultConfig(),
	}
}

// Orchestrator drives orders through the reserve/confirm saga protocol.
type Orchestrator struct {
	cfg    Config
	sender Sender
	store  *sagastore.Store
	log    *logx.Logger

	breakers *breakerRegistry
	ledger   *ledger.Ledger // optional; nil disables the audit trail
}

// New constructs an Orchestrator. ledgerStore may be nil if the
// supplemental outcome ledger is disabled.
func New(cfg Config, sender Sender, store *sagastore.Store, ledgerStore *ledger.Ledger, log *logx.Logger) *Orchestrator {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = 10 * time.Second
	}
	if cfg.SagaTimeout <= 0 {
		cfg.SagaTimeout = 60 * time.Second
	}

	o := &Orchestrator{cfg: cfg, sender: sender, store: store, log: log, ledger: ledgerStore}
	o.breakers = newBreakerRegistry(cfg.Breaker, func(peer string, from, to circuitbreaker.State) {
		log.Warn("breaker for %q moved %s -> %s", peer, from, to)
		metrics.SetGaugeVec(metrics.CircuitBreakerState, map[string]string{"peer": peer}, breakerStateValue(to))
	})
	return o
}

// Run drives ord through a full saga: reserve every item, confirm every
// reservation, or compensate whatever was reserved so far. It returns the
// order's final terminal status; the only error it returns is a
// structural one (validation) that never reaches the saga machinery.
func (o *Orchestrator) Run(ctx context.Context, ord *order.Order) (order.Status, error) {
	if err := ord.Validate(); err != nil {
		return order.StatusFailed, err
	}

	sagaID := uuid.NewString()
	inst := saga.New(sagaID, ord.ID)
	o.store.Save(inst)
	metrics.SetGauge(metrics.SagasInProgress, float64(o.store.Len()))

	sagaCtx, cancel := context.WithTimeout(ctx, o.cfg.SagaTimeout)
	defer cancel()

	start := time.Now()
	result := o.drive(sagaCtx, inst, ord)
	o.finalize(inst, ord, result, time.Since(start))
	return result, nil
}

// Recover scans the saga store for non-terminal sagas left behind by a
// crash and drives every one of them to a terminal state via
// compensation. Compensation is always safe: the coordinator cannot tell
// a crashed reserve phase from a crashed confirm phase without
// re-querying seller state, and cancelling is idempotent on both.
func (o *Orchestrator) Recover(ctx context.Context) error {
	pending, err := o.store.Recover()
	if err != nil {
		return fmt.Errorf("recover saga store: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	o.log.Warn("recovering %d non-terminal saga(s) from disk", len(pending))

	var wg sync.WaitGroup
	wg.Add(len(pending))
	for _, inst := range pending {
		inst := inst
		go func() {
			defer wg.Done()
			o.recoverOne(ctx, inst)
		}()
	}
	wg.Wait()
	return nil
}

func (o *Orchestrator) recoverOne(ctx context.Context, inst *saga.Instance) {
	o.log.Warn("recovering saga %q (order %q) from state %s", inst.SagaID, inst.OrderID, inst.State)

	if inst.State == saga.StateStarted {
		// Nothing was ever reserved; there is nothing to compensate.
		_ = inst.Transition(saga.StateFailed)
		o.store.Delete(inst.SagaID)
		return
	}

	if inst.State != saga.StateCompensating {
		if err := inst.Transition(saga.StateCompensating); err != nil {
			o.log.Error("saga %q: cannot move to COMPENSATING during recovery: %v", inst.SagaID, err)
		}
	}
	o.store.Save(inst)

	o.compensateRecovered(ctx, inst)

	_ = inst.Transition(saga.StateCompensationCompleted)
	o.store.Delete(inst.SagaID)
	metrics.SetGauge(metrics.SagasInProgress, float64(o.store.Len()))
}

// drive runs the reserve phase, the confirm phase, and compensation as
// needed, returning the order's final status. It never returns an error:
// every failure path resolves into a terminal order.Status.
func (o *Orchestrator) drive(ctx context.Context, inst *saga.Instance, ord *order.Order) order.Status {
	runner := pkgsaga.New(func(action pkgsaga.Action, err error) {
		o.log.Warn("saga %q: compensation failed for %q: %v", inst.SagaID, action.Name, err)
	})

	if !o.transition(inst, ord, saga.StateReserving, order.StatusReserving) {
		// Nothing was ever reserved; drop the record rather than leave a
		// never-started saga for the next recovery scan to find.
		o.store.Delete(inst.SagaID)
		return order.StatusFailed
	}

	reserveErr := o.runPhase(ctx, func(phaseCtx context.Context) error {
		return o.reservePhase(phaseCtx, runner, inst, ord)
	})
	if ctx.Err() != nil {
		return o.compensateTo(inst, ord, runner, order.StatusFailed)
	}
	if reserveErr != nil {
		o.log.Warn("saga %q: reserve phase failed: %v", inst.SagaID, reserveErr)
		return o.compensateTo(inst, ord, runner, order.StatusCancelled)
	}

	if !o.transition(inst, ord, saga.StateProductsReserved, order.StatusAllReserved) {
		return o.compensateTo(inst, ord, runner, order.StatusFailed)
	}
	if !o.transition(inst, ord, saga.StateConfirming, order.StatusConfirming) {
		return o.compensateTo(inst, ord, runner, order.StatusFailed)
	}

	confirmErr := o.runPhase(ctx, func(phaseCtx context.Context) error {
		return o.confirmPhase(phaseCtx, runner, inst)
	})
	if ctx.Err() != nil {
		return o.compensateTo(inst, ord, runner, order.StatusFailed)
	}
	if confirmErr != nil {
		o.log.Warn("saga %q: confirm phase failed: %v", inst.SagaID, confirmErr)
		return o.compensateTo(inst, ord, runner, order.StatusCancelled)
	}

	if !o.transition(inst, ord, saga.StateCompleted, order.StatusCompleted) {
		return o.compensateTo(inst, ord, runner, order.StatusFailed)
	}
	o.store.Delete(inst.SagaID)
	return order.StatusCompleted
}

// runPhase bounds a reserve/confirm phase by the per-phase wait-all
// timeout, independent of (and shorter than) the overall saga timeout.
func (o *Orchestrator) runPhase(ctx context.Context, fn func(context.Context) error) error {
	phaseCtx, cancel := context.WithTimeout(ctx, o.cfg.PhaseTimeout)
	defer cancel()
	return fn(phaseCtx)
}

// transition moves both the saga and order state machines forward
// together, persisting the saga snapshot on success. A rejected
// transition is a protocol bug; it's logged and reported to the caller
// so it can fall back to compensation.
func (o *Orchestrator) transition(inst *saga.Instance, ord *order.Order, sagaTarget saga.State, orderTarget order.Status) bool {
	if err := inst.Transition(sagaTarget); err != nil {
		o.log.Error("saga %q: rejected transition to %s: %v", inst.SagaID, sagaTarget, err)
		return false
	}
	o.store.Save(inst)
	if err := ord.Transition(orderTarget); err != nil {
		o.log.Error("order %q: rejected transition to %s: %v", ord.ID, orderTarget, err)
	}
	return true
}

// compensateTo drives inst through COMPENSATING -> COMPENSATION_COMPLETED
// and sets the order's final status to finalStatus (CANCELLED for a
// clean compensation, FAILED when the overall saga timeout forced it).
// It unwinds runner, the live pkgsaga.Saga that accumulated every
// reservation committed so far during this process's run, rather than
// inst.Compensations, which exists purely as the durable record a
// restarted coordinator replays through compensateRecovered.
func (o *Orchestrator) compensateTo(inst *saga.Instance, ord *order.Order, runner *pkgsaga.Saga, finalStatus order.Status) order.Status {
	if inst.State != saga.StateCompensating {
		if err := inst.Transition(saga.StateCompensating); err != nil {
			o.log.Error("saga %q: cannot move to COMPENSATING: %v", inst.SagaID, err)
		}
	}
	o.store.Save(inst)
	_ = ord.Transition(order.StatusCompensating)

	// Always run against a background context: a saga being compensated
	// because its own context expired must not have its cancellation also
	// abort the cancels that undo it.
	runner.Compensate(context.Background())

	_ = inst.Transition(saga.StateCompensationCompleted)
	o.store.Delete(inst.SagaID)
	_ = ord.Transition(finalStatus)
	return finalStatus
}

// reservePhase builds one pkgsaga.Action per line item (Do issues the
// RESERVE, OnCommit persists the reservation mapping and compensation
// record before the group considers that item done, Compensate issues
// the matching CANCEL) and runs them as a single concurrent barrier
// group via runner.
func (o *Orchestrator) reservePhase(ctx context.Context, runner *pkgsaga.Saga, inst *saga.Instance, ord *order.Order) error {
	actions := make([]pkgsaga.Action, len(ord.Items))

	for idx, item := range ord.Items {
		idx, item := idx, item
		messageID := fmt.Sprintf("%s:reserve:%d", inst.SagaID, idx)
		data := wire.Data{ProductID: item.ProductID, Quantity: item.Quantity, OrderID: ord.ID}

		var reservationID string
		actions[idx] = pkgsaga.Action{
			Name: fmt.Sprintf("reserve seller=%s product=%s", item.SellerID, item.ProductID),
			Do: func(ctx context.Context) error {
				resp, err := o.sendResilient(ctx, item.SellerID, wire.KindReserve, data, messageID, "reserve")
				if err != nil {
					return err
				}
				reservationID = resp.Data.ReservationID
				return nil
			},
			OnCommit: func(ctx context.Context) {
				inst.RecordReservation(saga.Reservation{
					ItemIndex:     idx,
					SellerID:      item.SellerID,
					ProductID:     item.ProductID,
					Quantity:      item.Quantity,
					ReservationID: reservationID,
				})
				o.store.Save(inst)
			},
			Compensate: func(ctx context.Context) error {
				defer metrics.IncCounter(metrics.SagaCompensationsTotal)
				cancelMessageID := fmt.Sprintf("%s:cancel:%d", inst.SagaID, idx)
				cancelData := wire.Data{ReservationID: reservationID, ProductID: item.ProductID}
				_, err := o.sendResilient(ctx, item.SellerID, wire.KindCancel, cancelData, cancelMessageID, "cancel")
				return err
			},
		}
	}

	return runner.RunGroup(ctx, actions...)
}

// confirmPhase builds one pkgsaga.Action per recorded reservation. Do
// issues the CONFIRM; there is no Compensate, since a confirmed
// reservation is terminal. Any single failure here (including a
// rejected, expired reservation) triggers full compensation of the
// reserve group already committed to runner; there is no partial-confirm
// success path.
func (o *Orchestrator) confirmPhase(ctx context.Context, runner *pkgsaga.Saga, inst *saga.Instance) error {
	reservations := inst.Reservations // single-writer by this point; no lock needed

	actions := make([]pkgsaga.Action, len(reservations))
	for i, r := range reservations {
		r := r
		messageID := fmt.Sprintf("%s:confirm:%d", inst.SagaID, r.ItemIndex)
		data := wire.Data{ReservationID: r.ReservationID, ProductID: r.ProductID}

		actions[i] = pkgsaga.Action{
			Name: fmt.Sprintf("confirm seller=%s reservation=%s", r.SellerID, r.ReservationID),
			Do: func(ctx context.Context) error {
				_, err := o.sendResilient(ctx, r.SellerID, wire.KindConfirm, data, messageID, "confirm")
				return err
			},
		}
	}

	return runner.RunGroup(ctx, actions...)
}

// compensateRecovered walks every recorded compensation action in
// reverse insertion order, attempting every one regardless of earlier
// failures in the sweep, as a single match over CompensationKind. Unlike
// compensateTo's live pkgsaga.Saga sweep, this reads inst.Compensations
// directly: a saga recovered from disk after a crash has no live Action
// closures to unwind, only the durable record.
func (o *Orchestrator) compensateRecovered(ctx context.Context, inst *saga.Instance) {
	for i := len(inst.Compensations) - 1; i >= 0; i-- {
		action := inst.Compensations[i]
		switch action.Kind {
		case saga.CompensationCancelReservation:
			messageID := fmt.Sprintf("%s:cancel:%d", inst.SagaID, action.ItemIndex)
			data := wire.Data{ReservationID: action.ReservationID, ProductID: action.ProductID}
			if _, err := o.sendResilient(ctx, action.SellerID, wire.KindCancel, data, messageID, "cancel"); err != nil {
				o.log.Warn("saga %q: compensation CANCEL failed for seller %q reservation %q: %v",
					inst.SagaID, action.SellerID, action.ReservationID, err)
			}
		default:
			o.log.Error("saga %q: unknown compensation kind %d; skipping", inst.SagaID, action.Kind)
		}
		metrics.IncCounter(metrics.SagaCompensationsTotal)
	}
}

// sendResilient wraps one logical request (stable messageID, fresh
// correlation ID per attempt) with the peer's circuit breaker and the
// retry engine. Breaker counters only see transport-level failures: a
// peer-terminal ERROR response means the peer is healthy and responded,
// so it must not trip the breaker, while the retry engine still sees
// and classifies that peer error for its own retryable/terminal decision.
func (o *Orchestrator) sendResilient(ctx context.Context, sellerID string, kind wire.Kind, data wire.Data, messageID, op string) (wire.Envelope, error) {
	cb := o.breakers.get(sellerID)
	var resp wire.Envelope
	attempt := 0

	err := retry.Do(ctx, o.cfg.Retry, func(attemptCtx context.Context) error {
		if attempt > 0 {
			metrics.IncCounterVec(metrics.RetryAttemptsTotal, map[string]string{"operation": op})
		}
		attempt++

		env := wire.NewEnvelope(o.cfg.SelfID, kind)
		env.MessageID = messageID
		env.CorrelationID = uuid.NewString()
		env.Data = data

		var transportErr error
		breakerErr := cb.Execute(func() error {
			start := time.Now()
			r, sendErr := o.sender.SendRequest(attemptCtx, sellerID, env, o.cfg.RequestTimeout)
			metrics.ObserveHistogramVec(metrics.TransportRequestDuration, map[string]string{"peer": sellerID, "kind": string(kind)}, time.Since(start).Seconds())
			if sendErr != nil {
				transportErr = sendErr
				return sendErr
			}
			resp = r
			return nil
		})

		if breakerErr != nil {
			if transportErr != nil {
				metrics.IncCounterVec(metrics.CircuitBreakerRequestsTotal, map[string]string{"peer": sellerID, "result": "failure"})
				metrics.IncCounterVec(metrics.TransportRequestsTotal, map[string]string{"peer": sellerID, "kind": string(kind), "result": "error"})
				return transportErr
			}
			metrics.IncCounterVec(metrics.CircuitBreakerRequestsTotal, map[string]string{"peer": sellerID, "result": "rejected"})
			return breakerErr
		}
		metrics.IncCounterVec(metrics.CircuitBreakerRequestsTotal, map[string]string{"peer": sellerID, "result": "success"})

		if resp.Type == wire.KindError {
			metrics.IncCounterVec(metrics.TransportRequestsTotal, map[string]string{"peer": sellerID, "kind": string(kind), "result": "peer_error"})
			return peerError(resp)
		}
		metrics.IncCounterVec(metrics.TransportRequestsTotal, map[string]string{"peer": sellerID, "kind": string(kind), "result": "success"})
		return nil
	})

	if err != nil && apperrors.Classify(err) {
		// retry.Do only returns a still-retryable-classified error once its
		// attempt budget is exhausted; anything else is a non-retryable
		// error surfaced on the attempt that produced it, or a context error.
		metrics.IncCounterVec(metrics.RetryExhaustedTotal, map[string]string{"operation": op})
	}
	return resp, err
}

// peerError classifies a seller's ERROR response: a "retry_later" reason
// is retryable; every other explicit rejection (out of stock, unknown
// reservation, expired, already confirmed) is terminal.
func peerError(resp wire.Envelope) error {
	reason := resp.Data.Reason
	if reason == wire.ReasonRetryLater {
		return apperrors.New(apperrors.CategoryTransport, "PEER_RETRY_LATER", "peer requested retry")
	}
	return apperrors.New(apperrors.CategoryPeerTerminal, "PEER_ERROR", reason)
}

// finalize records metrics and the supplemental outcome ledger entry for
// a saga that just reached a terminal state.
func (o *Orchestrator) finalize(inst *saga.Instance, ord *order.Order, result order.Status, duration time.Duration) {
	metrics.IncCounterVec(metrics.SagaExecutionsTotal, map[string]string{"result": strings.ToLower(result.String())})
	metrics.ObserveHistogram(metrics.SagaExecutionDuration, duration.Seconds())
	metrics.SetGauge(metrics.SagasInProgress, float64(o.store.Len()))

	if o.ledger == nil {
		return
	}
	o.ledger.Record(context.Background(), ledger.Outcome{
		SagaID:            inst.SagaID,
		OrderID:           ord.ID,
		Result:            result.String(),
		ItemCount:         len(ord.Items),
		CompensationCount: len(inst.Compensations),
		StartedAt:         inst.CreatedAt,
	})
}
