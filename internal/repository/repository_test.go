package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spec-kit/ticketbot/internal/domain"
	apperrors "github.com/spec-kit/ticketbot/pkg/errorutil"
)

func TestTranscriptCompressionRoundTrip(t *testing.T) {
	body := []byte(strings.Repeat("[2026-03-01T12:00:00Z] 42: my claim is missing\n", 200))

	compressed := CompressTranscript(body)
	if len(compressed) >= len(body) {
		t.Errorf("compressed size = %d, body size = %d", len(compressed), len(body))
	}
	got, err := DecompressTranscript(compressed, len(body))
	if err != nil {
		t.Fatalf("DecompressTranscript() error = %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatal("round trip changed the body")
	}

	empty, err := DecompressTranscript(CompressTranscript(nil), 0)
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty body = %q, %v", empty, err)
	}
}

func TestDecompressTranscriptRejectsSizeMismatch(t *testing.T) {
	body := []byte("one line\n")
	if _, err := DecompressTranscript(CompressTranscript(body), len(body)+1); err == nil {
		t.Fatal("size mismatch accepted")
	}
	if _, err := DecompressTranscript([]byte("not zstd"), 8); err == nil {
		t.Fatal("garbage input accepted")
	}
}

func TestDecodeRecordsOrdersByCreation(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	encode := func(r domain.TicketRecord) string {
		raw, err := json.Marshal(r)
		if err != nil {
			t.Fatal(err)
		}
		return string(raw)
	}
	values := map[string]string{
		"1002": encode(domain.TicketRecord{ID: "1002", CreatorID: "42", Category: "claims", CreatedAt: base.Add(time.Minute)}),
		"1001": encode(domain.TicketRecord{ID: "1001", CreatorID: "43", Category: "boosts", CreatedAt: base}),
		"1003": encode(domain.TicketRecord{CreatorID: "44", Category: "premium", CreatedAt: base}),
	}

	records, err := decodeRecords(OpenTicketsKey, values)
	if err != nil {
		t.Fatalf("decodeRecords() error = %v", err)
	}
	var ids []string
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	if got := strings.Join(ids, ","); got != "1001,1003,1002" {
		t.Fatalf("order = %s, want 1001,1003,1002", got)
	}
}

func TestDecodeRecordsReportsCorruption(t *testing.T) {
	_, err := decodeRecords(OpenTicketsKey, map[string]string{"1001": "{not json"})
	if !errors.Is(err, apperrors.ErrPersistenceCorrupt) {
		t.Fatalf("decodeRecords() error = %v, want PersistenceCorrupt", err)
	}
}

// lrange applies Redis LRANGE index rules to values.
func lrange(values []string, start, stop int64) []string {
	n := int64(len(values))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return nil
	}
	return values[start : stop+1]
}

func TestMessageLogWindow(t *testing.T) {
	var log []string
	for _, content := range []string{"a", "b", "c", "d", "e"} {
		raw, err := json.Marshal(domain.Message{ID: content, Content: content})
		if err != nil {
			t.Fatal(err)
		}
		log = append(log, string(raw))
	}

	cases := []struct {
		name  string
		limit int
		order domain.HistoryOrder
		want  string
	}{
		{"all oldest first", 0, domain.OldestFirst, "abcde"},
		{"all newest first", 0, domain.NewestFirst, "edcba"},
		{"head", 2, domain.OldestFirst, "ab"},
		{"tail", 2, domain.NewestFirst, "ed"},
		{"limit past length", 9, domain.NewestFirst, "edcba"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			start, stop := listWindow(tc.limit, tc.order)
			msgs, err := decodeMessages("1001", lrange(log, start, stop), tc.order)
			if err != nil {
				t.Fatal(err)
			}
			var got strings.Builder
			for _, m := range msgs {
				got.WriteString(m.Content)
			}
			if got.String() != tc.want {
				t.Fatalf("messages = %s, want %s", got.String(), tc.want)
			}
		})
	}
}

func TestDecodeMessagesRejectsGarbage(t *testing.T) {
	if _, err := decodeMessages("1001", []string{"{"}, domain.OldestFirst); err == nil {
		t.Fatal("garbage message accepted")
	}
}

func TestMemoryRegistry(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryTicketRegistry()
	for _, id := range []string{"2", "1"} {
		if err := r.Put(ctx, domain.TicketRecord{ID: id, CreatorID: "42", Category: "claims"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Delete(ctx, "2"); err != nil {
		t.Fatal(err)
	}
	if err := r.Delete(ctx, "missing"); err != nil {
		t.Fatalf("Delete() unknown id: %v", err)
	}
	records, err := r.LoadAll(ctx)
	if err != nil || len(records) != 1 || records[0].ID != "1" {
		t.Fatalf("LoadAll() = %+v, %v", records, err)
	}
	if err := r.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	if records, _ := r.LoadAll(ctx); len(records) != 0 {
		t.Fatalf("records after Reset = %+v", records)
	}
}
