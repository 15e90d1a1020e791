// Package seller implements the reference seller participant: a
// per-product stock ledger with reservation semantics, timeout-based
// reservation expiry, and idempotent RESERVE/CONFIRM/CANCEL handling
// over the transport's Handler contract. A reservation is either
// confirmed (terminal) or cancelled/expired (quantity restored exactly
// once); the invariant available + Σ unconfirmed + Σ confirmed =
// initial holds for every product.
package seller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/xiebiao/fulfillment/internal/platform/logx"
	apperrors "github.com/xiebiao/fulfillment/pkg/errors"
	"github.com/xiebiao/fulfillment/pkg/idempotency"
	"github.com/xiebiao/fulfillment/pkg/metrics"
	"github.com/xiebiao/fulfillment/pkg/wire"
)

func init() {
	// Guard against double-registration panics if a test constructs a
	// Participant before anything else touched the default Prometheus
	// registry.
	metrics.InitMetrics()
}

type stockEntry struct {
	available int
	initial   int
}

type reservationEntry struct {
	id        string
	productID string
	quantity  int
	confirmed bool
	expiresAt time.Time
}

// Participant is one seller's local inventory and reservation bookkeeping.
type Participant struct {
	id                 string
	log                *logx.Logger
	idem               idempotency.Store
	idemRetention      time.Duration
	reservationTimeout time.Duration

	mu            sync.RWMutex
	stocks        map[string]*stockEntry
	reservations  map[string]*reservationEntry
	reservationNo uint64
	expiredCount  uint64
}

// New builds a Participant seeded with initialStock (productID ->
// starting quantity).
func New(id string, initialStock map[string]int, reservationTimeout time.Duration, idem idempotency.Store, idemRetention time.Duration, log *logx.Logger) *Participant {
	stocks := make(map[string]*stockEntry, len(initialStock))
	for product, qty := range initialStock {
		stocks[product] = &stockEntry{available: qty, initial: qty}
	}
	return &Participant{
		id:                 id,
		log:                log,
		idem:               idem,
		idemRetention:      idemRetention,
		reservationTimeout: reservationTimeout,
		stocks:             stocks,
		reservations:       make(map[string]*reservationEntry),
	}
}

// Handle is the transport.Handler this participant serves. The
// idempotency cache is consulted strictly before any side-effecting
// dispatch; on a hit the handler is bypassed and the cached response
// replayed, with only the correlation ID rewritten so it routes back to
// the retry's waiter.
func (p *Participant) Handle(ctx context.Context, env wire.Envelope) wire.Envelope {
	if env.MessageID == "" {
		return p.dispatch(env)
	}

	if rec, claimed, err := p.idem.Claim(ctx, env.MessageID, p.idemRetention); err != nil {
		p.log.Warn("idempotency claim failed for message %q: %v", env.MessageID, err)
	} else if !claimed {
		if rec.Status != idempotency.StatusProcessing {
			var cached wire.Envelope
			if err := json.Unmarshal(rec.Response, &cached); err == nil {
				cached.CorrelationID = env.CorrelationID
				return cached
			}
		} else {
			// A concurrent duplicate of a request still in flight: ask the
			// caller to retry, by which time the first outcome is cached.
			return p.errorResp(env, wire.ReasonRetryLater)
		}
	}

	resp := p.dispatch(env)

	status := idempotency.StatusSucceeded
	if resp.Type == wire.KindError {
		status = idempotency.StatusFailed
	}
	if payload, err := json.Marshal(resp); err == nil {
		if err := p.idem.Complete(ctx, env.MessageID, status, payload, p.idemRetention); err != nil {
			p.log.Warn("idempotency complete failed for message %q: %v", env.MessageID, err)
		}
	}
	return resp
}

func (p *Participant) dispatch(env wire.Envelope) wire.Envelope {
	switch env.Type {
	case wire.KindReserve:
		return p.reserve(env)
	case wire.KindConfirm:
		return p.confirm(env)
	case wire.KindCancel:
		return p.cancel(env)
	default:
		return p.errorResp(env, fmt.Sprintf("unsupported message type %q", env.Type))
	}
}

// reserve handles RESERVE: under mutual exclusion over the product's
// stock, decrement available by qty and insert a fresh reservation, or
// reject with out-of-stock / invalid-quantity.
func (p *Participant) reserve(env wire.Envelope) wire.Envelope {
	qty := env.Data.Quantity
	productID := env.Data.ProductID

	if qty <= 0 {
		return p.appErrorResp(env, apperrors.ErrInvalidQuantity)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.stocks[productID]
	if !ok || st.available < qty {
		return p.appErrorResp(env, apperrors.ErrOutOfStock)
	}

	st.available -= qty
	p.reservationNo++
	id := fmt.Sprintf("%s-R%d", p.id, p.reservationNo)
	p.reservations[id] = &reservationEntry{
		id:        id,
		productID: productID,
		quantity:  qty,
		expiresAt: time.Now().Add(p.reservationTimeout),
	}

	resp := p.successResp(env)
	resp.Data.ProductID = productID
	resp.Data.Quantity = qty
	resp.Data.ReservationID = id
	return resp
}

// confirm handles CONFIRM: a reservation confirms exactly once, becoming
// terminal; an expired, already-confirmed, or unknown reservation is
// rejected.
func (p *Participant) confirm(env wire.Envelope) wire.Envelope {
	id := env.Data.ReservationID

	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.reservations[id]
	if !ok {
		return p.appErrorResp(env, apperrors.ErrUnknownReservation)
	}
	if time.Now().After(r.expiresAt) {
		return p.appErrorResp(env, apperrors.ErrReservationExpired)
	}
	if r.confirmed {
		return p.appErrorResp(env, apperrors.ErrAlreadyConfirmed)
	}

	r.confirmed = true
	resp := p.successResp(env)
	resp.Data.ReservationID = id
	resp.Data.ProductID = r.productID
	resp.Data.Quantity = r.quantity
	return resp
}

// cancel handles CANCEL: restoring quantity exactly once for a
// non-confirmed reservation; an absent reservation (already expired or
// never existed) is a no-op success, making CANCEL idempotent.
func (p *Participant) cancel(env wire.Envelope) wire.Envelope {
	id := env.Data.ReservationID

	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.reservations[id]
	if !ok {
		return p.successResp(env)
	}
	if r.confirmed {
		return p.appErrorResp(env, apperrors.ErrAlreadyConfirmed)
	}

	delete(p.reservations, id)
	if st, ok := p.stocks[r.productID]; ok {
		st.available += r.quantity
	}
	return p.successResp(env)
}

// SweepExpired removes every non-confirmed, expired reservation and
// restores its quantity, returning the count reclaimed.
func (p *Participant) SweepExpired() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	n := 0
	for id, r := range p.reservations {
		if r.confirmed || !now.After(r.expiresAt) {
			continue
		}
		delete(p.reservations, id)
		if st, ok := p.stocks[r.productID]; ok {
			st.available += r.quantity
		}
		n++
	}
	p.expiredCount += uint64(n)
	metrics.SetGauge(metrics.SellerReservationsExpiredTotal, float64(p.expiredCount))
	return n
}

// RunExpirySweeper blocks, sweeping expired reservations every interval
// until ctx is done.
func (p *Participant) RunExpirySweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := p.SweepExpired(); n > 0 {
				p.log.Info("reclaimed %d expired reservation(s)", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// AvailableStock reports the current available quantity for productID,
// used by tests and operator status queries.
func (p *Participant) AvailableStock(productID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if st, ok := p.stocks[productID]; ok {
		return st.available
	}
	return 0
}

// ExpiredCount reports the cumulative number of reservations reclaimed by
// the expiry sweeper, exposed for metrics.
func (p *Participant) ExpiredCount() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.expiredCount
}

func (p *Participant) successResp(env wire.Envelope) wire.Envelope {
	resp := wire.NewEnvelope(p.id, wire.KindSuccess)
	resp.CorrelationID = env.CorrelationID
	resp.MessageID = env.MessageID
	return resp
}

func (p *Participant) errorResp(env wire.Envelope, reason string) wire.Envelope {
	resp := wire.NewEnvelope(p.id, wire.KindError)
	resp.CorrelationID = env.CorrelationID
	resp.MessageID = env.MessageID
	resp.Data.Reason = reason
	return resp
}

func (p *Participant) appErrorResp(env wire.Envelope, err *apperrors.AppError) wire.Envelope {
	return p.errorResp(env, err.Code)
}
