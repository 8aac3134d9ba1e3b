package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/spec-kit/ticketbot/internal/domain"
	"github.com/spec-kit/ticketbot/internal/events"
	"github.com/spec-kit/ticketbot/internal/observability"
	"github.com/spec-kit/ticketbot/internal/platform"
)

// AuditService turns lifecycle events into audit entries and counters.
type AuditService struct {
	dispatcher events.Dispatcher
	sinks      []platform.AuditSink
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewAuditService creates the service.
func NewAuditService(dispatcher events.Dispatcher, metrics *observability.Metrics, logger *zap.Logger, sinks ...platform.AuditSink) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditService{
		dispatcher: dispatcher,
		sinks:      sinks,
		metrics:    metrics,
		logger:     logger,
	}
}

// RegisterHandlers subscribes to every lifecycle event.
func (a *AuditService) RegisterHandlers() {
	if a.dispatcher == nil {
		return
	}
	for _, eventType := range events.AllEventTypes {
		a.dispatcher.Subscribe(eventType, a.handle)
	}
}

func (a *AuditService) handle(ctx context.Context, event events.Event) error {
	a.count(event)
	entry := AuditEntry(event)
	for _, sink := range a.sinks {
		if err := sink.Record(ctx, entry); err != nil {
			a.logger.Warn("audit sink failed",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)),
				zap.Error(err))
		}
	}
	return nil
}

func (a *AuditService) count(event events.Event) {
	switch event.Type {
	case events.EventTicketOpened:
		a.metrics.RecordOpened(event.Category.Key())
	case events.EventTicketClosed:
		if payload, ok := event.Payload.(events.TicketClosedPayload); ok {
			a.metrics.RecordClosed(payload.Mode.Label())
		}
	case events.EventTicketDropped:
		a.metrics.RecordDropped()
	case events.EventError:
		if payload, ok := event.Payload.(events.ErrorPayload); ok {
			a.metrics.RecordError("lifecycle", payload.Operation, payload.Code)
		}
	}
}

// AuditEntry projects a lifecycle event onto an audit entry.
func AuditEntry(event events.Event) domain.AuditEvent {
	entry := domain.AuditEvent{
		ID:        event.ID,
		TicketID:  event.TicketID,
		Ticket:    event.Ticket,
		ActorID:   event.ActorID,
		CreatedAt: event.Timestamp,
	}
	if event.Category.Valid() {
		entry.Category = event.Category.Key()
	}

	switch event.Type {
	case events.EventTicketOpened:
		entry.Kind = domain.AuditTicketOpened
	case events.EventTicketClosed:
		entry.Kind = domain.AuditTicketClosed
	case events.EventCloseScheduled:
		entry.Kind = domain.AuditCloseScheduled
	case events.EventCloseCancelled:
		entry.Kind = domain.AuditCloseCancelled
	case events.EventTicketDropped:
		entry.Kind = domain.AuditTicketDropped
	case events.EventMemberAdded:
		entry.Kind = domain.AuditMemberAdded
	case events.EventMemberRemoved:
		entry.Kind = domain.AuditMemberRemoved
	default:
		entry.Kind = domain.AuditError
	}

	var parts []string
	switch payload := event.Payload.(type) {
	case events.TicketClosedPayload:
		parts = append(parts, "mode="+payload.Mode.Label(), fmt.Sprintf("lines=%d", payload.Lines))
		if payload.Transcript != "" {
			parts = append(parts, "transcript="+payload.Transcript)
		}
		if payload.Reason != "" {
			parts = append(parts, "reason="+payload.Reason)
		}
	case events.CloseScheduledPayload:
		parts = append(parts, "delay="+payload.Delay.String())
		if payload.Reason != "" {
			parts = append(parts, "reason="+payload.Reason)
		}
	case events.MemberPayload:
		parts = append(parts, "member="+payload.MemberID)
	case events.ErrorPayload:
		parts = append(parts, "operation="+payload.Operation, "code="+payload.Code)
		if payload.CorrelationID != "" {
			parts = append(parts, "correlation_id="+payload.CorrelationID)
		}
		if payload.Message != "" {
			parts = append(parts, payload.Message)
		}
	case string:
		parts = append(parts, payload)
	}
	entry.Detail = strings.Join(parts, " ")
	return entry
}
