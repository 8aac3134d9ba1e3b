package dto

import (
	"time"

	"github.com/spec-kit/ticketbot/internal/domain"
)

// CreateTicketRequest payload.
type CreateTicketRequest struct {
	MemberID string `json:"member_id"`
	Category string `json:"category"`
}

// CloseTicketRequest payload. Mode is "immediate" (default) or "deferred".
type CloseTicketRequest struct {
	Mode   string `json:"mode"`
	Reason string `json:"reason"`
}

// MemberRequest payload.
type MemberRequest struct {
	MemberID string `json:"member_id"`
}

// TicketResponse represents a tracked ticket.
type TicketResponse struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	CreatorID      string             `json:"creator_id"`
	Category       domain.Category    `json:"category"`
	State          domain.TicketState `json:"state"`
	Renewals       int                `json:"renewals"`
	CreatedAt      time.Time          `json:"created_at"`
	LastActivityAt time.Time          `json:"last_activity_at"`
}

// CloseTicketResponse reports a close outcome.
type CloseTicketResponse struct {
	TicketID string `json:"ticket_id"`
	Outcome  string `json:"outcome"`
}

// TranscriptResponse is an archived transcript.
type TranscriptResponse struct {
	TicketID  string    `json:"ticket_id"`
	Ticket    string    `json:"ticket"`
	Digest    string    `json:"digest"`
	Partial   bool      `json:"partial"`
	LineCount int       `json:"line_count"`
	Lines     []string  `json:"lines"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEventResponse is one audit trail entry.
type AuditEventResponse struct {
	ID        string           `json:"id"`
	Kind      domain.AuditKind `json:"kind"`
	TicketID  string           `json:"ticket_id,omitempty"`
	Ticket    string           `json:"ticket,omitempty"`
	ActorID   string           `json:"actor_id,omitempty"`
	Category  string           `json:"category,omitempty"`
	Detail    string           `json:"detail,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// NewTicketResponse maps a ticket.
func NewTicketResponse(t domain.Ticket) TicketResponse {
	return TicketResponse{
		ID:             t.ID,
		Name:           t.Name,
		CreatorID:      t.CreatorID,
		Category:       t.Category,
		State:          t.State,
		Renewals:       t.Renewals,
		CreatedAt:      t.CreatedAt,
		LastActivityAt: t.LastActivityAt,
	}
}

// NewTranscriptResponse maps a transcript.
func NewTranscriptResponse(t *domain.Transcript) TranscriptResponse {
	lines := t.Lines
	if lines == nil {
		lines = []string{}
	}
	return TranscriptResponse{
		TicketID:  t.TicketID,
		Ticket:    t.Ticket,
		Digest:    t.Digest,
		Partial:   t.Partial,
		LineCount: len(t.Lines),
		Lines:     lines,
		CreatedAt: t.CreatedAt,
	}
}

// NewAuditEventResponse maps an audit entry.
func NewAuditEventResponse(e domain.AuditEvent) AuditEventResponse {
	return AuditEventResponse{
		ID:        e.ID,
		Kind:      e.Kind,
		TicketID:  e.TicketID,
		Ticket:    e.Ticket,
		ActorID:   e.ActorID,
		Category:  e.Category,
		Detail:    e.Detail,
		CreatedAt: e.CreatedAt,
	}
}
