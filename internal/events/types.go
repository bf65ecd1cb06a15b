// Package events defines the session event envelope, the pluggable sink
// the engine emits through, and an in-process bus for operator streams.
package events

import "time"

// Kind enumerates session lifecycle and trading events.
type Kind string

const (
	KindTradeOpened    Kind = "trade_opened"
	KindTradeClosed    Kind = "trade_closed"
	KindStatusUpdate   Kind = "status_update"
	KindStatusChanged  Kind = "status_changed"
	KindErrorOccurred  Kind = "error_occurred"
	KindBalanceWarning Kind = "balance_warning"
	KindGlobalLimitHit Kind = "global_limit_hit"
)

// Envelope is the wire shape delivered to the platform webhook and the
// operator stream. Data always carries userId and userBotId.
type Envelope struct {
	Event     Kind           `json:"event"`
	Timestamp string         `json:"timestamp"` // ISO-8601 UTC
	Data      map[string]any `json:"data"`
}

// NewEnvelope stamps an envelope with the current UTC time and the
// session identity.
func NewEnvelope(kind Kind, userID, userBotID string, data map[string]any) Envelope {
	if data == nil {
		data = map[string]any{}
	}
	data["userId"] = userID
	data["userBotId"] = userBotID
	return Envelope{
		Event:     kind,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}
}

// Sink consumes session events. The engine never blocks on a sink; slow
// or failing delivery is the sink's problem.
type Sink interface {
	Emit(env Envelope)
}

// NopSink discards everything. Useful in tests.
type NopSink struct{}

func (NopSink) Emit(Envelope) {}

// Multi fans an event out to several sinks in order.
type Multi []Sink

func (m Multi) Emit(env Envelope) {
	for _, s := range m {
		s.Emit(env)
	}
}
