package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"

	"github.com/spec-kit/ticketbot/internal/domain"
	apperrors "github.com/spec-kit/ticketbot/pkg/errorutil"
)

// Encoder and decoder are safe for concurrent use and reused across calls.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("repository: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("repository: zstd decoder initialization failed: " + err.Error())
	}
}

// TranscriptRepository archives rendered transcripts.
type TranscriptRepository interface {
	Create(ctx context.Context, transcript *domain.Transcript) error
	Latest(ctx context.Context, ticketID string) (*domain.Transcript, error)
}

type transcriptRepository struct {
	pool *pgxpool.Pool
}

// NewTranscriptRepository stores transcript bodies zstd-compressed in
// ticket_transcripts.
func NewTranscriptRepository(pool *pgxpool.Pool) TranscriptRepository {
	return &transcriptRepository{pool: pool}
}

func (r *transcriptRepository) Create(ctx context.Context, transcript *domain.Transcript) error {
	const query = `
        INSERT INTO ticket_transcripts (ticket_id, ticket_name, line_count, body_size, body_zstd, digest, partial, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := r.pool.Exec(ctx, query,
		transcript.TicketID,
		transcript.Ticket,
		len(transcript.Lines),
		len(transcript.Body),
		CompressTranscript(transcript.Body),
		transcript.Digest,
		transcript.Partial,
		transcript.CreatedAt,
	)
	return err
}

func (r *transcriptRepository) Latest(ctx context.Context, ticketID string) (*domain.Transcript, error) {
	const query = `
        SELECT ticket_id, ticket_name, body_size, body_zstd, digest, partial, created_at
        FROM ticket_transcripts WHERE ticket_id=$1 ORDER BY created_at DESC LIMIT 1`
	var (
		transcript domain.Transcript
		size       int
		compressed []byte
	)
	err := r.pool.QueryRow(ctx, query, ticketID).Scan(
		&transcript.TicketID,
		&transcript.Ticket,
		&size,
		&compressed,
		&transcript.Digest,
		&transcript.Partial,
		&transcript.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFound("transcript", map[string]any{"ticket_id": ticketID})
	}
	if err != nil {
		return nil, err
	}
	body, err := DecompressTranscript(compressed, size)
	if err != nil {
		return nil, err
	}
	transcript.Body = body
	transcript.Lines = domain.SplitLines(body)
	return &transcript, nil
}

// CompressTranscript zstd-encodes a transcript body.
func CompressTranscript(body []byte) []byte {
	return zstdEncoder.EncodeAll(body, nil)
}

// DecompressTranscript reverses CompressTranscript.
func DecompressTranscript(compressed []byte, size int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
	}
	return result, nil
}
