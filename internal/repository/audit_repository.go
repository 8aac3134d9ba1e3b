package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/ticketbot/internal/domain"
)

// AuditRepository stores lifecycle audit entries.
type AuditRepository interface {
	Create(ctx context.Context, event *domain.AuditEvent) error
	ListByTicket(ctx context.Context, ticketID string) ([]domain.AuditEvent, error)
	ListRecent(ctx context.Context, limit int) ([]domain.AuditEvent, error)
}

type auditRepository struct {
	pool *pgxpool.Pool
}

// NewAuditRepository builds repository.
func NewAuditRepository(pool *pgxpool.Pool) AuditRepository {
	return &auditRepository{pool: pool}
}

func (r *auditRepository) Create(ctx context.Context, event *domain.AuditEvent) error {
	const query = `
        INSERT INTO ticket_audit (id, kind, ticket_id, ticket_name, actor_id, category, detail, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (id) DO NOTHING`
	_, err := r.pool.Exec(ctx, query,
		event.ID,
		event.Kind,
		event.TicketID,
		event.Ticket,
		event.ActorID,
		event.Category,
		event.Detail,
		event.CreatedAt,
	)
	return err
}

func (r *auditRepository) ListByTicket(ctx context.Context, ticketID string) ([]domain.AuditEvent, error) {
	const query = `
        SELECT id, kind, ticket_id, ticket_name, actor_id, category, detail, created_at
        FROM ticket_audit WHERE ticket_id=$1 ORDER BY created_at ASC`
	return r.list(ctx, query, ticketID)
}

func (r *auditRepository) ListRecent(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
        SELECT id, kind, ticket_id, ticket_name, actor_id, category, detail, created_at
        FROM ticket_audit ORDER BY created_at DESC LIMIT $1`
	return r.list(ctx, query, limit)
}

func (r *auditRepository) list(ctx context.Context, query string, arg any) ([]domain.AuditEvent, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.AuditEvent
	for rows.Next() {
		var event domain.AuditEvent
		if err := rows.Scan(
			&event.ID,
			&event.Kind,
			&event.TicketID,
			&event.Ticket,
			&event.ActorID,
			&event.Category,
			&event.Detail,
			&event.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, event)
	}
	return result, rows.Err()
}
