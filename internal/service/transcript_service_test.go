package service

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zeebo/blake3"

	"github.com/spec-kit/ticketbot/internal/clock"
	"github.com/spec-kit/ticketbot/internal/domain"
	"github.com/spec-kit/ticketbot/internal/platform/memory"
	apperrors "github.com/spec-kit/ticketbot/pkg/errorutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTranscriptFixture(t *testing.T) (*TranscriptService, *memory.Platform, domain.Ticket) {
	t.Helper()
	p := memory.New(clock.Fake(epoch))
	id, err := p.Create(context.Background(), "claims-42", domain.AccessSpec{Members: []string{"42"}})
	if err != nil {
		t.Fatal(err)
	}
	ticket := domain.Ticket{ID: id, Name: "claims-42", CreatorID: "42", Category: domain.CategoryClaims}
	return NewTranscriptService(p, clock.Fake(epoch), nil, p), p, ticket
}

func TestExportEmptyHistory(t *testing.T) {
	svc, p, ticket := newTranscriptFixture(t)

	transcript, err := svc.Export(context.Background(), ticket)
	if err != nil {
		t.Fatal(err)
	}
	if len(transcript.Lines) != 0 || len(transcript.Body) != 0 {
		t.Fatalf("transcript = %+v, want empty", transcript)
	}
	if transcript.Partial {
		t.Error("empty history marked partial")
	}
	if got := p.Transcripts(); len(got) != 1 || got[0].TicketID != ticket.ID {
		t.Fatalf("stored transcripts = %+v", got)
	}
}

func TestExportOrdersLinesByTime(t *testing.T) {
	svc, p, ticket := newTranscriptFixture(t)

	posts := []domain.Message{
		{AuthorID: "42", AuthorName: "alice", Content: "second", CreatedAt: epoch.Add(2 * time.Minute)},
		{AuthorID: "bot", AuthorName: "bot", FromBot: true, Content: "first", CreatedAt: epoch.Add(time.Minute)},
		{AuthorID: "7", AuthorName: "staff", Content: "multi\nline", CreatedAt: epoch.Add(3 * time.Minute),
			Attachments: []domain.Attachment{{FileName: "log.txt", URL: "https://files/log.txt"}}},
	}
	for _, msg := range posts {
		if err := p.PostMessage(ticket.ID, msg); err != nil {
			t.Fatal(err)
		}
	}

	transcript, err := svc.Export(context.Background(), ticket)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"[2026-03-01 12:01:00 UTC] bot (bot): first",
		"[2026-03-01 12:02:00 UTC] alice: second",
		"[2026-03-01 12:03:00 UTC] staff: multi\\nline [attachment: log.txt https://files/log.txt]",
	}
	if len(transcript.Lines) != len(want) {
		t.Fatalf("lines = %q", transcript.Lines)
	}
	for i := range want {
		if transcript.Lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, transcript.Lines[i], want[i])
		}
	}
	if strings.Count(string(transcript.Body), "\n") != len(posts) {
		t.Errorf("body has %d newlines, want %d", strings.Count(string(transcript.Body), "\n"), len(posts))
	}

	sum := blake3.Sum256(transcript.Body)
	if transcript.Digest != hex.EncodeToString(sum[:]) {
		t.Errorf("digest = %s", transcript.Digest)
	}
}

func TestExportRefusedHistoryIsPartial(t *testing.T) {
	svc, p, ticket := newTranscriptFixture(t)
	p.HistoryErr = apperrors.NewPermissionDenied("history hidden", nil)

	transcript, err := svc.Export(context.Background(), ticket)
	if err != nil {
		t.Fatalf("Export() error = %v, want nil", err)
	}
	if !transcript.Partial || len(transcript.Lines) != 0 {
		t.Fatalf("transcript = %+v, want empty partial", transcript)
	}
	if len(p.Transcripts()) != 1 {
		t.Error("partial transcript not delivered")
	}
}

func TestExportTransientFailureReturnsError(t *testing.T) {
	svc, p, ticket := newTranscriptFixture(t)
	boom := errors.New("connection reset")
	p.HistoryErr = boom

	transcript, err := svc.Export(context.Background(), ticket)
	if !errors.Is(err, boom) {
		t.Fatalf("Export() error = %v, want %v", err, boom)
	}
	if !transcript.Partial {
		t.Error("transcript not marked partial")
	}
	if len(p.Transcripts()) != 1 {
		t.Error("partial transcript not delivered")
	}
}

func TestRenderIsStableForEqualTimestamps(t *testing.T) {
	history := []domain.Message{
		{AuthorID: "1", Content: "a", CreatedAt: epoch},
		{AuthorID: "2", Content: "b", CreatedAt: epoch},
		{AuthorID: "3", Content: "c", CreatedAt: epoch},
	}
	got := Render(domain.Ticket{ID: "1"}, history)
	for i, suffix := range []string{"1: a", "2: b", "3: c"} {
		if !strings.HasSuffix(got.Lines[i], suffix) {
			t.Errorf("line %d = %q, want suffix %q", i, got.Lines[i], suffix)
		}
	}
}
