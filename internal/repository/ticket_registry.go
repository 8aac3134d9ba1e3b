package repository

import (
	"context"

	"github.com/spec-kit/ticketbot/internal/domain"
)

// TicketRegistry is the durable mirror of open tickets keyed by ticket id.
// LoadAll wraps errorutil.ErrPersistenceCorrupt when stored data cannot be
// decoded.
type TicketRegistry interface {
	LoadAll(ctx context.Context) ([]domain.TicketRecord, error)
	Put(ctx context.Context, record domain.TicketRecord) error
	Delete(ctx context.Context, id string) error
	Reset(ctx context.Context) error
}
