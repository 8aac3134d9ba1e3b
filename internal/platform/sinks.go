package platform

import (
	"context"

	"go.uber.org/zap"

	"github.com/spec-kit/ticketbot/internal/domain"
	"github.com/spec-kit/ticketbot/internal/repository"
)

type repositoryAuditSink struct {
	repo repository.AuditRepository
}

// NewRepositoryAuditSink writes audit entries to the ticket_audit table.
func NewRepositoryAuditSink(repo repository.AuditRepository) AuditSink {
	return &repositoryAuditSink{repo: repo}
}

func (s *repositoryAuditSink) Record(ctx context.Context, event domain.AuditEvent) error {
	return s.repo.Create(ctx, &event)
}

type repositoryTranscriptSink struct {
	repo repository.TranscriptRepository
}

// NewRepositoryTranscriptSink archives transcripts in ticket_transcripts.
func NewRepositoryTranscriptSink(repo repository.TranscriptRepository) TranscriptSink {
	return &repositoryTranscriptSink{repo: repo}
}

func (s *repositoryTranscriptSink) StoreTranscript(ctx context.Context, transcript domain.Transcript) error {
	return s.repo.Create(ctx, &transcript)
}

// LogSink writes audit entries and transcript summaries to the structured
// log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink builds a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(ctx context.Context, event domain.AuditEvent) error {
	s.logger.Info("audit",
		zap.String("event_id", event.ID),
		zap.String("kind", string(event.Kind)),
		zap.String("ticket_id", event.TicketID),
		zap.String("ticket", event.Ticket),
		zap.String("actor_id", event.ActorID),
		zap.String("category", event.Category),
		zap.String("detail", event.Detail),
		zap.Time("at", event.CreatedAt),
	)
	return nil
}

func (s *LogSink) StoreTranscript(ctx context.Context, transcript domain.Transcript) error {
	s.logger.Info("transcript archived",
		zap.String("ticket_id", transcript.TicketID),
		zap.String("ticket", transcript.Ticket),
		zap.Int("lines", len(transcript.Lines)),
		zap.Int("bytes", len(transcript.Body)),
		zap.String("digest", transcript.Digest),
		zap.Bool("partial", transcript.Partial),
	)
	return nil
}
