// Package store holds the in-memory registry of tickets and keeps it
// mirrored to a durable TicketRegistry.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spec-kit/ticketbot/internal/domain"
	"github.com/spec-kit/ticketbot/internal/repository"
	apperrors "github.com/spec-kit/ticketbot/pkg/errorutil"
)

// ExistenceChecker reports whether a ticket's external resource still exists.
type ExistenceChecker interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// LoadResult summarises a startup reload.
type LoadResult struct {
	Loaded  []domain.Ticket
	Dropped []string
	Corrupt bool
}

// Store is the registry of tickets. Open tickets are unique per
// (creator, category); the uniqueness check and the in-memory insert
// happen under one lock with no I/O in between.
type Store struct {
	registry repository.TicketRegistry
	logger   *zap.Logger

	mu       sync.RWMutex
	tickets  map[string]*domain.Ticket
	open     map[domain.TicketKey]string
	reserved map[domain.TicketKey]*Reservation
}

// New creates an empty store backed by registry.
func New(registry repository.TicketRegistry, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		registry: registry,
		logger:   logger,
		tickets:  make(map[string]*domain.Ticket),
		open:     make(map[domain.TicketKey]string),
		reserved: make(map[domain.TicketKey]*Reservation),
	}
}

// Reservation holds a uniqueness key while its resource is provisioned.
type Reservation struct {
	store      *Store
	key        domain.TicketKey
	done       bool
	committing bool
}

// Reserve claims the (creator, category) key ahead of provisioning.
func (s *Store) Reserve(creatorID string, category domain.Category) (*Reservation, error) {
	key := domain.TicketKey{CreatorID: creatorID, Category: category}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkKeyLocked(key); err != nil {
		return nil, err
	}
	r := &Reservation{store: s, key: key}
	s.reserved[key] = r
	return r, nil
}

// Commit persists ticket and then makes it visible under the reserved key.
// The key stays reserved and the ticket untracked until the registry write
// succeeds; on failure the reservation is still held and the caller must
// Release it.
func (r *Reservation) Commit(ctx context.Context, ticket *domain.Ticket) error {
	if ticket.Key() != r.key {
		return apperrors.NewValidationError("ticket does not match reservation", nil)
	}
	s := r.store
	s.mu.Lock()
	if r.done || r.committing || s.reserved[r.key] != r {
		s.mu.Unlock()
		return apperrors.NewValidationError("reservation no longer held", nil)
	}
	stored, err := s.prepareLocked(ticket)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	r.committing = true
	s.mu.Unlock()

	if err := s.registry.Put(ctx, stored.Record()); err != nil {
		s.mu.Lock()
		r.committing = false
		s.mu.Unlock()
		return fmt.Errorf("persist ticket %s: %w", stored.ID, err)
	}

	s.mu.Lock()
	r.committing = false
	if r.done || s.reserved[r.key] != r {
		s.mu.Unlock()
		s.dropPersisted(ctx, stored.ID)
		return apperrors.NewValidationError("reservation released while persisting", nil)
	}
	r.done = true
	delete(s.reserved, r.key)
	s.trackLocked(stored)
	s.mu.Unlock()
	return nil
}

// Release gives the key back without inserting anything.
func (r *Reservation) Release() {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	if s.reserved[r.key] == r {
		delete(s.reserved, r.key)
	}
}

// Insert records an open ticket and persists it synchronously. It fails
// with DuplicateTicket if an open ticket or a pending reservation already
// holds the ticket's key.
func (s *Store) Insert(ctx context.Context, ticket *domain.Ticket) error {
	r, err := s.Reserve(ticket.CreatorID, ticket.Category)
	if err != nil {
		return err
	}
	if err := r.Commit(ctx, ticket); err != nil {
		r.Release()
		return err
	}
	return nil
}

// Remove deletes a ticket from memory and the registry. Removing an
// unknown id is a no-op.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	ticket, ok := s.tickets[id]
	if ok {
		delete(s.tickets, id)
		if s.open[ticket.Key()] == id {
			delete(s.open, ticket.Key())
		}
	}
	s.mu.Unlock()

	if err := s.registry.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete ticket %s from registry: %w", id, err)
	}
	return nil
}

// Lookup returns a copy of the ticket with id.
func (s *Store) Lookup(id string) (domain.Ticket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ticket, ok := s.tickets[id]
	if !ok {
		return domain.Ticket{}, false
	}
	return *ticket, true
}

// FindByCreatorAndCategory returns the open ticket for the key, if any.
func (s *Store) FindByCreatorAndCategory(creatorID string, category domain.Category) (domain.Ticket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.open[domain.TicketKey{CreatorID: creatorID, Category: category}]
	if !ok {
		return domain.Ticket{}, false
	}
	return *s.tickets[id], true
}

// SetState updates the lifecycle state of a ticket. Leaving Open frees
// the ticket's uniqueness key.
func (s *Store) SetState(id string, state domain.TicketState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[id]
	if !ok {
		return false
	}
	ticket.State = state
	if state != domain.TicketStateOpen && s.open[ticket.Key()] == id {
		delete(s.open, ticket.Key())
	}
	return true
}

// Touch records activity on a ticket.
func (s *Store) Touch(id string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[id]
	if !ok {
		return false
	}
	if at.After(ticket.LastActivityAt) {
		ticket.LastActivityAt = at
	}
	return true
}

// SetRenewals records how many inactivity renewals a ticket consumed.
func (s *Store) SetRenewals(id string, renewals int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ticket, ok := s.tickets[id]; ok {
		ticket.Renewals = renewals
	}
}

// List returns every tracked ticket ordered by creation time.
func (s *Store) List() []domain.Ticket {
	s.mu.RLock()
	result := make([]domain.Ticket, 0, len(s.tickets))
	for _, ticket := range s.tickets {
		result = append(result, *ticket)
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Count returns how many tickets are tracked, closing ones included.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tickets)
}

// CountOpenByCategory returns the number of open tickets per category.
func (s *Store) CountOpenByCategory() map[domain.Category]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[domain.Category]int, len(domain.Categories))
	for key := range s.open {
		counts[key.Category]++
	}
	return counts
}

// LoadAll reloads the registry at startup. Every entry is checked against
// its resource; entries whose resource vanished are dropped and deleted
// from the registry. A corrupt registry is reset to empty. Probes run
// with at most concurrency in flight.
func (s *Store) LoadAll(ctx context.Context, checker ExistenceChecker, concurrency int) (LoadResult, error) {
	var result LoadResult

	records, err := s.registry.LoadAll(ctx)
	if err != nil {
		if !errors.Is(err, apperrors.ErrPersistenceCorrupt) {
			return result, fmt.Errorf("load ticket registry: %w", err)
		}
		s.logger.Error("ticket registry is corrupt; starting with an empty registry", zap.Error(err))
		if resetErr := s.registry.Reset(ctx); resetErr != nil {
			s.logger.Error("failed to reset corrupt ticket registry", zap.Error(resetErr))
		}
		result.Corrupt = true
		return result, nil
	}

	candidates := make([]*domain.Ticket, 0, len(records))
	for _, record := range records {
		ticket, err := record.Ticket()
		if err != nil {
			s.logger.Warn("dropping malformed registry entry", zap.String("ticket_id", record.ID), zap.Error(err))
			s.dropPersisted(ctx, record.ID)
			result.Dropped = append(result.Dropped, record.ID)
			continue
		}
		candidates = append(candidates, ticket)
	}

	alive, err := probe(ctx, checker, candidates, concurrency, s.logger)
	if err != nil {
		return result, err
	}

	s.mu.Lock()
	var duplicates []*domain.Ticket
	for i, ticket := range candidates {
		if !alive[i] {
			continue
		}
		if _, taken := s.open[ticket.Key()]; taken {
			duplicates = append(duplicates, ticket)
			continue
		}
		stored, err := s.insertLocked(ticket)
		if err != nil {
			duplicates = append(duplicates, ticket)
			continue
		}
		result.Loaded = append(result.Loaded, *stored)
	}
	s.mu.Unlock()

	for i, ticket := range candidates {
		if alive[i] {
			continue
		}
		s.logger.Warn("dropping ticket whose resource no longer exists", zap.String("ticket_id", ticket.ID))
		s.dropPersisted(ctx, ticket.ID)
		result.Dropped = append(result.Dropped, ticket.ID)
	}
	for _, ticket := range duplicates {
		s.logger.Warn("dropping duplicate registry entry",
			zap.String("ticket_id", ticket.ID),
			zap.String("creator_id", ticket.CreatorID),
			zap.String("category", ticket.Category.Key()))
		s.dropPersisted(ctx, ticket.ID)
		result.Dropped = append(result.Dropped, ticket.ID)
	}
	return result, nil
}

func probe(ctx context.Context, checker ExistenceChecker, tickets []*domain.Ticket, concurrency int, logger *zap.Logger) ([]bool, error) {
	alive := make([]bool, len(tickets))
	if checker == nil {
		for i := range alive {
			alive[i] = true
		}
		return alive, nil
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, ticket := range tickets {
		i, ticket := i, ticket
		g.Go(func() error {
			exists, err := checker.Exists(gctx, ticket.ID)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				// Existence unknown: keep the ticket rather than drop a live one.
				logger.Warn("could not verify ticket resource; keeping entry",
					zap.String("ticket_id", ticket.ID), zap.Error(err))
				alive[i] = true
				return nil
			}
			alive[i] = exists
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("verify ticket resources: %w", err)
	}
	return alive, nil
}

func (s *Store) dropPersisted(ctx context.Context, id string) {
	if err := s.registry.Delete(ctx, id); err != nil {
		s.logger.Warn("failed to delete registry entry", zap.String("ticket_id", id), zap.Error(err))
	}
}

func (s *Store) checkKeyLocked(key domain.TicketKey) error {
	if id, ok := s.open[key]; ok {
		return apperrors.NewDuplicateTicket(id)
	}
	if _, ok := s.reserved[key]; ok {
		return apperrors.NewDuplicateTicket("")
	}
	return nil
}

func (s *Store) insertLocked(ticket *domain.Ticket) (*domain.Ticket, error) {
	stored, err := s.prepareLocked(ticket)
	if err != nil {
		return nil, err
	}
	s.trackLocked(stored)
	return stored, nil
}

func (s *Store) prepareLocked(ticket *domain.Ticket) (*domain.Ticket, error) {
	if ticket.ID == "" {
		return nil, apperrors.NewValidationError("ticket id required", nil)
	}
	if _, exists := s.tickets[ticket.ID]; exists {
		return nil, apperrors.NewValidationError("ticket id already tracked", map[string]any{"ticket_id": ticket.ID})
	}
	stored := *ticket
	if stored.State == "" {
		stored.State = domain.TicketStateOpen
	}
	return &stored, nil
}

func (s *Store) trackLocked(stored *domain.Ticket) {
	s.tickets[stored.ID] = stored
	if stored.State == domain.TicketStateOpen {
		s.open[stored.Key()] = stored.ID
	}
}
