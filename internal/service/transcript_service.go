package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/spec-kit/ticketbot/internal/clock"
	"github.com/spec-kit/ticketbot/internal/domain"
	"github.com/spec-kit/ticketbot/internal/platform"
	apperrors "github.com/spec-kit/ticketbot/pkg/errorutil"
)

const transcriptTimeLayout = "2006-01-02 15:04:05 MST"

// TranscriptService exports a ticket's history before teardown.
type TranscriptService struct {
	messages platform.MessagingGateway
	sinks    []platform.TranscriptSink
	clock    clock.Clock
	logger   *zap.Logger
}

// NewTranscriptService creates the service.
func NewTranscriptService(messages platform.MessagingGateway, clk clock.Clock, logger *zap.Logger, sinks ...platform.TranscriptSink) *TranscriptService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TranscriptService{
		messages: messages,
		sinks:    sinks,
		clock:    clk,
		logger:   logger,
	}
}

// Export reads the full history oldest first, renders one line per message
// and delivers the artifact to every sink. A history read failure yields a
// partial artifact that is still delivered; only failures other than a
// refused or vanished resource are returned, alongside the artifact.
func (s *TranscriptService) Export(ctx context.Context, ticket domain.Ticket) (domain.Transcript, error) {
	var readErr error
	history, err := s.messages.FetchHistory(ctx, ticket.ID, 0, domain.OldestFirst)
	partial := err != nil
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrPermissionDenied), errors.Is(err, apperrors.ErrNotFound):
		s.logger.Warn("transcript history unavailable; archiving partial transcript",
			zap.String("ticket_id", ticket.ID), zap.Error(err))
		history = nil
	default:
		s.logger.Error("transcript history read failed; archiving partial transcript",
			zap.String("ticket_id", ticket.ID), zap.Error(err))
		history = nil
		readErr = fmt.Errorf("read history of ticket %s: %w", ticket.ID, err)
	}

	transcript := Render(ticket, history)
	transcript.Partial = partial
	transcript.CreatedAt = s.clock.Now()

	for _, sink := range s.sinks {
		if err := sink.StoreTranscript(ctx, transcript); err != nil {
			s.logger.Warn("transcript sink failed", zap.String("ticket_id", ticket.ID), zap.Error(err))
		}
	}
	return transcript, readErr
}

// Render builds the transcript of history. Messages are stably ordered by
// timestamp so lines never go back in time; their count equals len(history).
func Render(ticket domain.Ticket, history []domain.Message) domain.Transcript {
	ordered := append([]domain.Message(nil), history...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	lines := make([]string, 0, len(ordered))
	for _, msg := range ordered {
		lines = append(lines, renderLine(msg))
	}
	body := domain.JoinLines(lines)
	digest := blake3.Sum256(body)
	return domain.Transcript{
		TicketID: ticket.ID,
		Ticket:   ticket.Name,
		Lines:    lines,
		Body:     body,
		Digest:   hex.EncodeToString(digest[:]),
	}
}

func renderLine(msg domain.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] ", msg.CreatedAt.UTC().Format(transcriptTimeLayout))

	author := msg.AuthorName
	if author == "" {
		author = msg.AuthorID
	}
	if msg.FromBot {
		author += " (bot)"
	}
	b.WriteString(author)
	b.WriteString(": ")
	b.WriteString(flatten(msg.Content))

	for _, a := range msg.Attachments {
		fmt.Fprintf(&b, " [attachment: %s", flatten(a.FileName))
		if a.URL != "" {
			fmt.Fprintf(&b, " %s", a.URL)
		}
		b.WriteString("]")
	}
	for _, e := range msg.Embeds {
		fmt.Fprintf(&b, " [embed: %s", flatten(e.Title))
		if e.Description != "" {
			fmt.Fprintf(&b, " - %s", flatten(e.Description))
		}
		b.WriteString("]")
	}
	return b.String()
}

// flatten keeps one message on one line.
func flatten(s string) string {
	return strings.NewReplacer("\r\n", `\n`, "\n", `\n`, "\r", `\n`).Replace(s)
}
