package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/ticketbot/internal/domain"
	apperrors "github.com/spec-kit/ticketbot/pkg/errorutil"
)

type postgresTicketRegistry struct {
	pool *pgxpool.Pool
}

// NewPostgresTicketRegistry stores the registry in the open_tickets table.
func NewPostgresTicketRegistry(pool *pgxpool.Pool) TicketRegistry {
	return &postgresTicketRegistry{pool: pool}
}

func (r *postgresTicketRegistry) LoadAll(ctx context.Context) ([]domain.TicketRecord, error) {
	const query = `
        SELECT id, name, creator_id, category, created_at
        FROM open_tickets ORDER BY created_at ASC, id ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.TicketRecord
	for rows.Next() {
		var record domain.TicketRecord
		if err := rows.Scan(
			&record.ID,
			&record.Name,
			&record.CreatorID,
			&record.Category,
			&record.CreatedAt,
		); err != nil {
			return nil, apperrors.NewPersistenceCorrupt(fmt.Errorf("scan open_tickets row: %w", err))
		}
		result = append(result, record)
	}
	return result, rows.Err()
}

func (r *postgresTicketRegistry) Put(ctx context.Context, record domain.TicketRecord) error {
	const query = `
        INSERT INTO open_tickets (id, name, creator_id, category, created_at)
        VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, creator_id=EXCLUDED.creator_id,
            category=EXCLUDED.category, created_at=EXCLUDED.created_at`
	_, err := r.pool.Exec(ctx, query,
		record.ID,
		record.Name,
		record.CreatorID,
		record.Category,
		record.CreatedAt,
	)
	return err
}

func (r *postgresTicketRegistry) Delete(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM open_tickets WHERE id=$1`, id)
	return err
}

func (r *postgresTicketRegistry) Reset(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM open_tickets`)
	return err
}
