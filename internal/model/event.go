package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind discriminates lifecycle events.
type EventKind string

const (
	EventExecution    EventKind = "Execution"
	EventConfirmation EventKind = "Confirmation"
	EventAmendment    EventKind = "Amendment"
	EventTermination  EventKind = "Termination"
)

// EventPayload is the kind-specific body of a lifecycle event.
type EventPayload interface {
	eventKind() EventKind
}

type ExecutionPayload struct {
	Venue    string          `json:"venue"`
	Price    decimal.Decimal `json:"price"`
	Notional decimal.Decimal `json:"notional"`
	Currency Currency        `json:"currency"`
}

type ConfirmationPayload struct {
	ConfirmationID string `json:"confirmation_id"`
	Method         string `json:"method"`
}

type AmendmentPayload struct {
	Field    string `json:"field"`
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value"`
}

type TerminationPayload struct {
	Reason  string          `json:"reason"`
	Payment decimal.Decimal `json:"payment"`
}

func (ExecutionPayload) eventKind() EventKind    { return EventExecution }
func (ConfirmationPayload) eventKind() EventKind { return EventConfirmation }
func (AmendmentPayload) eventKind() EventKind    { return EventAmendment }
func (TerminationPayload) eventKind() EventKind  { return EventTermination }

// LifecycleEvent is an append-only record in a trade's event log.
type LifecycleEvent struct {
	ID        string       `json:"id"`
	TradeID   string       `json:"trade_id"`
	Kind      EventKind    `json:"kind"`
	Timestamp time.Time    `json:"timestamp"`
	Payload   EventPayload `json:"payload"`
}

// NewEvent builds an event whose kind is derived from its payload.
func NewEvent(id, tradeID string, at time.Time, payload EventPayload) LifecycleEvent {
	return LifecycleEvent{
		ID:        id,
		TradeID:   tradeID,
		Kind:      payload.eventKind(),
		Timestamp: at,
		Payload:   payload,
	}
}
