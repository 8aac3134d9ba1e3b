package domain

import "time"

// AuditKind captures what an audit entry records.
type AuditKind string

const (
	AuditTicketOpened   AuditKind = "TICKET_OPENED"
	AuditTicketClosed   AuditKind = "TICKET_CLOSED"
	AuditCloseScheduled AuditKind = "CLOSE_SCHEDULED"
	AuditCloseCancelled AuditKind = "CLOSE_CANCELLED"
	AuditTicketDropped  AuditKind = "TICKET_DROPPED"
	AuditMemberAdded    AuditKind = "MEMBER_ADDED"
	AuditMemberRemoved  AuditKind = "MEMBER_REMOVED"
	AuditError          AuditKind = "ERROR"
)

// AuditEvent is an immutable audit trail entry.
type AuditEvent struct {
	ID        string
	Kind      AuditKind
	TicketID  string
	Ticket    string
	ActorID   string
	Category  string
	Detail    string
	CreatedAt time.Time
}
