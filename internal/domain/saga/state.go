// Package saga holds the durable saga aggregate the orchestrator drives:
// its state machine, its recorded compensation actions, and the
// seller/reservation bookkeeping needed to issue CONFIRM and CANCEL
// against exactly the reservations that were actually observed to
// succeed.
package saga

import "time"

// State is one of the saga state machine's eight states.
type State int

const (
	StateStarted State = iota
	StateReserving
	StateProductsReserved
	StateConfirming
	StateCompensating
	StateCompleted
	StateFailed
	StateCompensationCompleted
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "STARTED"
	case StateReserving:
		return "RESERVING"
	case StateProductsReserved:
		return "PRODUCTS_RESERVED"
	case StateConfirming:
		return "CONFIRMING"
	case StateCompensating:
		return "COMPENSATING"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	case StateCompensationCompleted:
		return "COMPENSATION_COMPLETED"
	default:
		return "UNKNOWN"
	}
}

var transitions = map[State][]State{
	StateStarted:               {StateReserving, StateFailed},
	StateReserving:             {StateProductsReserved, StateCompensating, StateFailed},
	StateProductsReserved:      {StateConfirming, StateCompensating},
	StateConfirming:            {StateCompleted, StateCompensating},
	StateCompensating:          {StateCompensationCompleted, StateFailed},
	StateCompleted:             {},
	StateFailed:                {},
	StateCompensationCompleted: {},
}

func (s State) CanTransitionTo(target State) bool {
	for _, allowed := range transitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCompensationCompleted:
		return true
	default:
		return false
	}
}

// CompensationKind distinguishes the compensation actions a saga can
// record. Reservations are the only kind this system currently produces,
// but the type stays a tagged variant rather than a bare struct so a
// second compensation kind (e.g. a payment refund) has somewhere to go
// without reshaping every caller.
type CompensationKind int

const (
	CompensationCancelReservation CompensationKind = iota
)

// CompensationAction is one recorded, reversible side effect: a
// reservation obtained during the reserve phase, which CANCEL undoes.
type CompensationAction struct {
	Kind          CompensationKind
	ItemIndex     int
	SellerID      string
	ProductID     string
	ReservationID string
}

// Reservation records the outcome of one line item's reserve phase,
// kept so the confirm phase knows exactly which reservation IDs to
// confirm.
type Reservation struct {
	ItemIndex     int
	SellerID      string
	ProductID     string
	Quantity      int
	ReservationID string
}

// Instance is the durable record the orchestrator transitions and
// pkg/sagastore persists. It is self-contained: replaying it requires no
// other in-memory state, since a crash can occur between any two fields
// being written.
type Instance struct {
	SagaID        string
	OrderID       string
	State         State
	Reservations  []Reservation
	Compensations []CompensationAction
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func New(sagaID, orderID string) *Instance {
	now := time.Now()
	return &Instance{
		SagaID:    sagaID,
		OrderID:   orderID,
		State:     StateStarted,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition applies a CAS-style move: it only succeeds if target is
// reachable from the current state, and it stamps UpdatedAt so the store
// can tell a fresh write from a stale one.
func (i *Instance) Transition(target State) error {
	if !i.State.CanTransitionTo(target) {
		return ErrInvalidTransition
	}
	i.State = target
	i.UpdatedAt = time.Now()
	return nil
}

// RecordReservation appends both the seller/reservation mapping and its
// paired CancelReservation compensation action. This must happen exactly
// once per observed success, before the reservation is considered
// durable.
func (i *Instance) RecordReservation(r Reservation) {
	i.Reservations = append(i.Reservations, r)
	i.Compensations = append(i.Compensations, CompensationAction{
		Kind:          CompensationCancelReservation,
		ItemIndex:     r.ItemIndex,
		SellerID:      r.SellerID,
		ProductID:     r.ProductID,
		ReservationID: r.ReservationID,
	})
	i.UpdatedAt = time.Now()
}

// IsExpired reports whether this snapshot's last update is older than
// timeout, so an operator can spot abandoned records.
func (i *Instance) IsExpired(timeout time.Duration) bool {
	return time.Since(i.UpdatedAt) > timeout
}
