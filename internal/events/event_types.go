package events

import (
	"time"

	"github.com/spec-kit/ticketbot/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventTicketOpened   EventType = "ticket.opened"
	EventTicketClosed   EventType = "ticket.closed"
	EventCloseScheduled EventType = "close.scheduled"
	EventCloseCancelled EventType = "close.cancelled"
	EventTicketDropped  EventType = "ticket.dropped"
	EventMemberAdded    EventType = "member.added"
	EventMemberRemoved  EventType = "member.removed"
	EventError          EventType = "error"
)

// AllEventTypes lists every type a subscriber may want to audit.
var AllEventTypes = []EventType{
	EventTicketOpened,
	EventTicketClosed,
	EventCloseScheduled,
	EventCloseCancelled,
	EventTicketDropped,
	EventMemberAdded,
	EventMemberRemoved,
	EventError,
}

// Event represents a lifecycle event emitted by services.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	TicketID  string          `json:"ticket_id"`
	Ticket    string          `json:"ticket"`
	ActorID   string          `json:"actor_id,omitempty"`
	Category  domain.Category `json:"category"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   interface{}     `json:"payload,omitempty"`
}

// TicketClosedPayload payload.
type TicketClosedPayload struct {
	Mode       domain.CloseMode   `json:"mode"`
	From       domain.TicketState `json:"from"`
	State      domain.TicketState `json:"state"`
	Reason     string             `json:"reason,omitempty"`
	Transcript string             `json:"transcript_digest,omitempty"`
	Lines      int                `json:"lines"`
}

// CloseScheduledPayload payload.
type CloseScheduledPayload struct {
	Delay  time.Duration `json:"delay"`
	Reason string        `json:"reason,omitempty"`
}

// MemberPayload payload for member.added and member.removed.
type MemberPayload struct {
	MemberID string `json:"member_id"`
}

// ErrorPayload payload.
type ErrorPayload struct {
	Operation     string `json:"operation"`
	Code          string `json:"code"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Message       string `json:"message"`
}
