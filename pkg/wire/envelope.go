// Package wire implements the transport's message envelope and its
// three-frame encoding: peer identity, an empty delimiter, and a JSON
// payload.
package wire

import (
	"encoding/json"
	"time"
)

// Kind is the envelope's message type.
type Kind string

const (
	KindReserve   Kind = "RESERVE"
	KindConfirm   Kind = "CONFIRM"
	KindCancel    Kind = "CANCEL"
	KindHeartbeat Kind = "HEARTBEAT"
	KindSuccess   Kind = "SUCCESS"
	KindError     Kind = "ERROR"
)

// Data carries the type-dependent payload fields. Not every field is set
// for every Kind: RESERVE carries ProductID/Quantity, CONFIRM/CANCEL carry
// ReservationID, SUCCESS to a RESERVE or CONFIRM carries the
// reservation's ProductID/Quantity/ReservationID, SUCCESS to a CANCEL
// carries no data, ERROR carries Reason.
type Data struct {
	ProductID     string `json:"productId,omitempty"`
	Quantity      int    `json:"quantity,omitempty"`
	ReservationID string `json:"reservationId,omitempty"`
	OrderID       string `json:"orderId,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Envelope is the unit exchanged over the transport in both directions.
// MessageID is the idempotency key: stable across retries of the same
// logical request. CorrelationID matches a response back to its request
// and is fresh on every send, including retries.
type Envelope struct {
	MessageID     string `json:"messageId"`
	CorrelationID string `json:"correlationId"`
	Type          Kind   `json:"type"`
	SenderID      string `json:"senderId"`
	TimestampMS   int64  `json:"timestamp"`
	Data          Data   `json:"data"`
}

// NewEnvelope stamps the current time; callers fill in MessageID,
// CorrelationID, Type, SenderID and Data.
func NewEnvelope(senderID string, kind Kind) Envelope {
	return Envelope{
		Type:        kind,
		SenderID:    senderID,
		TimestampMS: time.Now().UnixMilli(),
	}
}

// Marshal and Unmarshal round-trip an Envelope bit-for-bit through JSON.
func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func Unmarshal(b []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(b, &e)
	return e, err
}

// IsTerminalResponse reports whether kind is one a pending request future
// can be completed or failed with.
func IsTerminalResponse(kind Kind) bool {
	return kind == KindSuccess || kind == KindError
}

// ReasonRetryLater is the Data.Reason value a peer sends on an ERROR
// response to signal a transient condition the caller should retry,
// rather than a terminal rejection like out-of-stock.
const ReasonRetryLater = "retry_later"
