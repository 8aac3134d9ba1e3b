// Package platform declares the chat-platform collaborators the lifecycle
// core consumes. Implementations report failures as errorutil domain errors:
// NotFound for vanished resources or users, PermissionDenied for calls the
// platform refused.
package platform

import (
	"context"

	"github.com/spec-kit/ticketbot/internal/domain"
)

// ChannelProvisioner creates and tears down ticket resources.
type ChannelProvisioner interface {
	Create(ctx context.Context, name string, acl domain.AccessSpec) (string, error)
	Delete(ctx context.Context, id, reason string) error
	SetMetadata(ctx context.Context, id, topic string) error
	Exists(ctx context.Context, id string) (bool, error)
	Grant(ctx context.Context, id, userID string) error
	Revoke(ctx context.Context, id, userID string) error
}

// MessagingGateway posts to and reads from ticket resources.
type MessagingGateway interface {
	Send(ctx context.Context, id, content string) error
	FetchHistory(ctx context.Context, id string, limit int, order domain.HistoryOrder) ([]domain.Message, error)
	SendDirect(ctx context.Context, userID, content string) error
}

// CapabilityResolver answers whether a user holds any of caps.
type CapabilityResolver interface {
	HasCapability(ctx context.Context, userID string, caps ...domain.Capability) (bool, error)
}

// AuditSink records lifecycle audit entries.
type AuditSink interface {
	Record(ctx context.Context, event domain.AuditEvent) error
}

// TranscriptSink receives archived transcripts.
type TranscriptSink interface {
	StoreTranscript(ctx context.Context, transcript domain.Transcript) error
}
