package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/spec-kit/ticketbot/internal/domain"
)

type memoryTicketRegistry struct {
	mu      sync.Mutex
	records map[string]domain.TicketRecord
}

// NewMemoryTicketRegistry returns a process-local registry used in local
// mode, where nothing survives a restart.
func NewMemoryTicketRegistry() TicketRegistry {
	return &memoryTicketRegistry{records: make(map[string]domain.TicketRecord)}
}

func (r *memoryTicketRegistry) LoadAll(ctx context.Context) ([]domain.TicketRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]domain.TicketRecord, 0, len(r.records))
	for _, record := range r.records {
		result = append(result, record)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *memoryTicketRegistry) Put(ctx context.Context, record domain.TicketRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[record.ID] = record
	return nil
}

func (r *memoryTicketRegistry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
	return nil
}

func (r *memoryTicketRegistry) Reset(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[string]domain.TicketRecord)
	return nil
}
