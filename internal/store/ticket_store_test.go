package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spec-kit/ticketbot/internal/domain"
	"github.com/spec-kit/ticketbot/internal/repository"
	apperrors "github.com/spec-kit/ticketbot/pkg/errorutil"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTicket(id, creator string, category domain.Category) *domain.Ticket {
	return &domain.Ticket{
		ID:             id,
		Name:           category.Key() + "-" + creator,
		CreatorID:      creator,
		Category:       category,
		State:          domain.TicketStateOpen,
		CreatedAt:      epoch,
		LastActivityAt: epoch,
	}
}

type failingRegistry struct {
	repository.TicketRegistry
	putErr  error
	loadErr error
	resets  int
}

func (r *failingRegistry) Put(ctx context.Context, record domain.TicketRecord) error {
	if r.putErr != nil {
		return r.putErr
	}
	return r.TicketRegistry.Put(ctx, record)
}

func (r *failingRegistry) LoadAll(ctx context.Context) ([]domain.TicketRecord, error) {
	if r.loadErr != nil {
		return nil, r.loadErr
	}
	return r.TicketRegistry.LoadAll(ctx)
}

func (r *failingRegistry) Reset(ctx context.Context) error {
	r.resets++
	return r.TicketRegistry.Reset(ctx)
}

type existenceSet map[string]bool

func (s existenceSet) Exists(ctx context.Context, id string) (bool, error) {
	exists, known := s[id]
	if !known {
		return false, fmt.Errorf("existence check failed for %s", id)
	}
	return exists, nil
}

func TestInsertRejectsDuplicateKey(t *testing.T) {
	ctx := context.Background()
	registry := repository.NewMemoryTicketRegistry()
	s := New(registry, nil)

	if err := s.Insert(ctx, newTicket("100", "42", domain.CategoryClaims)); err != nil {
		t.Fatal(err)
	}
	err := s.Insert(ctx, newTicket("101", "42", domain.CategoryClaims))
	if !errors.Is(err, apperrors.ErrDuplicateTicket) {
		t.Fatalf("Insert() error = %v, want DuplicateTicket", err)
	}
	if got := apperrors.ToDomainError(err).Details["ticket_id"]; got != "100" {
		t.Errorf("duplicate points at %v, want 100", got)
	}
	if got := len(s.List()); got != 1 {
		t.Errorf("store holds %d tickets, want 1", got)
	}
	records, _ := registry.LoadAll(ctx)
	if len(records) != 1 {
		t.Errorf("registry holds %d records, want 1", len(records))
	}

	if err := s.Insert(ctx, newTicket("102", "42", domain.CategoryBoosts)); err != nil {
		t.Fatalf("other category rejected: %v", err)
	}
}

func TestInsertRollsBackOnPersistFailure(t *testing.T) {
	registry := &failingRegistry{TicketRegistry: repository.NewMemoryTicketRegistry(), putErr: errors.New("disk full")}
	s := New(registry, nil)

	if err := s.Insert(context.Background(), newTicket("100", "42", domain.CategoryClaims)); err == nil {
		t.Fatal("Insert() succeeded with failing registry")
	}
	if _, ok := s.Lookup("100"); ok {
		t.Fatal("ticket kept after persist failure")
	}
	if _, ok := s.FindByCreatorAndCategory("42", domain.CategoryClaims); ok {
		t.Fatal("key still held after persist failure")
	}
}

func TestReservationBlocksKeyUntilReleased(t *testing.T) {
	ctx := context.Background()
	s := New(repository.NewMemoryTicketRegistry(), nil)

	r, err := s.Reserve("42", domain.CategoryClaims)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Reserve("42", domain.CategoryClaims); !errors.Is(err, apperrors.ErrDuplicateTicket) {
		t.Fatalf("second Reserve() error = %v, want DuplicateTicket", err)
	}
	if err := s.Insert(ctx, newTicket("9", "42", domain.CategoryClaims)); !errors.Is(err, apperrors.ErrDuplicateTicket) {
		t.Fatalf("Insert() over reservation error = %v, want DuplicateTicket", err)
	}

	r.Release()
	r.Release()
	again, err := s.Reserve("42", domain.CategoryClaims)
	if err != nil {
		t.Fatalf("Reserve() after release: %v", err)
	}
	if err := again.Commit(ctx, newTicket("100", "42", domain.CategoryClaims)); err != nil {
		t.Fatal(err)
	}
	if err := again.Commit(ctx, newTicket("101", "42", domain.CategoryClaims)); err == nil {
		t.Fatal("second Commit() succeeded")
	}
	if got, ok := s.FindByCreatorAndCategory("42", domain.CategoryClaims); !ok || got.ID != "100" {
		t.Fatalf("FindByCreatorAndCategory() = %+v, %v", got, ok)
	}
}

func TestConcurrentReserveSingleWinner(t *testing.T) {
	s := New(repository.NewMemoryTicketRegistry(), nil)

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Reserve("42", domain.CategoryClaims); err == nil {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := winners.Load(); got != 1 {
		t.Fatalf("winners = %d, want 1", got)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New(repository.NewMemoryTicketRegistry(), nil)
	if err := s.Insert(ctx, newTicket("100", "42", domain.CategoryClaims)); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := s.Remove(ctx, "100"); err != nil {
			t.Fatalf("Remove() #%d: %v", i+1, err)
		}
	}
	if err := s.Remove(ctx, "never-existed"); err != nil {
		t.Fatalf("Remove() unknown id: %v", err)
	}
	if err := s.Insert(ctx, newTicket("101", "42", domain.CategoryClaims)); err != nil {
		t.Fatalf("key not freed by Remove: %v", err)
	}
}

func TestSetStateFreesKey(t *testing.T) {
	ctx := context.Background()
	s := New(repository.NewMemoryTicketRegistry(), nil)
	if err := s.Insert(ctx, newTicket("100", "42", domain.CategoryClaims)); err != nil {
		t.Fatal(err)
	}
	if !s.SetState("100", domain.TicketStateClosingDeferred) {
		t.Fatal("SetState() = false")
	}
	if _, ok := s.FindByCreatorAndCategory("42", domain.CategoryClaims); ok {
		t.Fatal("closing ticket still reported as open")
	}
	got, ok := s.Lookup("100")
	if !ok || got.State != domain.TicketStateClosingDeferred {
		t.Fatalf("Lookup() = %+v, %v", got, ok)
	}
	if counts := s.CountOpenByCategory(); counts[domain.CategoryClaims] != 0 {
		t.Errorf("open claims = %d, want 0", counts[domain.CategoryClaims])
	}
}

func TestLoadAllRestoresLiveTickets(t *testing.T) {
	ctx := context.Background()
	registry := repository.NewMemoryTicketRegistry()
	before := New(registry, nil)
	for i, category := range domain.Categories {
		id := fmt.Sprintf("%d", 100+i)
		if err := before.Insert(ctx, newTicket(id, "42", category)); err != nil {
			t.Fatal(err)
		}
	}

	after := New(registry, nil)
	result, err := after.LoadAll(ctx, existenceSet{"100": true, "101": false, "102": true, "103": true}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Loaded) != 3 {
		t.Fatalf("loaded %d tickets, want 3", len(result.Loaded))
	}
	if len(result.Dropped) != 1 || result.Dropped[0] != "101" {
		t.Fatalf("dropped = %v, want [101]", result.Dropped)
	}
	for _, ticket := range after.List() {
		want, _ := before.Lookup(ticket.ID)
		if ticket.CreatorID != want.CreatorID || ticket.Category != want.Category || ticket.State != domain.TicketStateOpen {
			t.Errorf("restored %+v, want %+v", ticket, want)
		}
	}
	records, _ := registry.LoadAll(ctx)
	if len(records) != 3 {
		t.Errorf("registry holds %d records after reload, want 3", len(records))
	}
	if _, err := after.Reserve("42", domain.CategoryClaims); !errors.Is(err, apperrors.ErrDuplicateTicket) {
		t.Errorf("uniqueness not restored: %v", err)
	}
}

func TestLoadAllKeepsEntryWhenProbeFails(t *testing.T) {
	ctx := context.Background()
	registry := repository.NewMemoryTicketRegistry()
	if err := registry.Put(ctx, newTicket("100", "42", domain.CategoryClaims).Record()); err != nil {
		t.Fatal(err)
	}

	s := New(registry, nil)
	result, err := s.LoadAll(ctx, existenceSet{}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Loaded) != 1 {
		t.Fatalf("loaded %d, want 1", len(result.Loaded))
	}
}

func TestLoadAllDropsMalformedRecord(t *testing.T) {
	ctx := context.Background()
	registry := repository.NewMemoryTicketRegistry()
	if err := registry.Put(ctx, domain.TicketRecord{ID: "100", CreatorID: "42", Category: "refunds"}); err != nil {
		t.Fatal(err)
	}

	s := New(registry, nil)
	result, err := s.LoadAll(ctx, nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Loaded) != 0 || len(result.Dropped) != 1 {
		t.Fatalf("result = %+v", result)
	}
	records, _ := registry.LoadAll(ctx)
	if len(records) != 0 {
		t.Errorf("malformed record left in registry")
	}
}

func TestLoadAllResetsCorruptRegistry(t *testing.T) {
	registry := &failingRegistry{
		TicketRegistry: repository.NewMemoryTicketRegistry(),
		loadErr:        fmt.Errorf("decode: %w", apperrors.NewPersistenceCorrupt(errors.New("bad json"))),
	}
	s := New(registry, nil)

	result, err := s.LoadAll(context.Background(), nil, 1)
	if err != nil {
		t.Fatalf("LoadAll() error = %v, want degraded success", err)
	}
	if !result.Corrupt {
		t.Error("Corrupt = false")
	}
	if registry.resets != 1 {
		t.Errorf("resets = %d, want 1", registry.resets)
	}
	if len(s.List()) != 0 {
		t.Error("store not empty after corrupt reload")
	}
}

func TestLoadAllPropagatesBackendFailure(t *testing.T) {
	registry := &failingRegistry{TicketRegistry: repository.NewMemoryTicketRegistry(), loadErr: errors.New("connection refused")}
	s := New(registry, nil)
	if _, err := s.LoadAll(context.Background(), nil, 1); err == nil {
		t.Fatal("LoadAll() succeeded with unreachable backend")
	}
}

type heldRegistry struct {
	repository.TicketRegistry
	entered chan struct{}
	release chan struct{}
}

func newHeldRegistry() *heldRegistry {
	return &heldRegistry{
		TicketRegistry: repository.NewMemoryTicketRegistry(),
		entered:        make(chan struct{}),
		release:        make(chan struct{}),
	}
}

func (r *heldRegistry) Put(ctx context.Context, record domain.TicketRecord) error {
	r.entered <- struct{}{}
	<-r.release
	return r.TicketRegistry.Put(ctx, record)
}

func TestCommitHidesTicketUntilPersisted(t *testing.T) {
	ctx := context.Background()
	registry := newHeldRegistry()
	s := New(registry, nil)

	r, err := s.Reserve("42", domain.CategoryClaims)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- r.Commit(ctx, newTicket("100", "42", domain.CategoryClaims)) }()
	<-registry.entered

	if _, ok := s.Lookup("100"); ok {
		t.Fatal("ticket visible before the registry write finished")
	}
	if _, err := s.Reserve("42", domain.CategoryClaims); !errors.Is(err, apperrors.ErrDuplicateTicket) {
		t.Fatalf("Reserve() during commit error = %v, want DuplicateTicket", err)
	}
	if err := s.Remove(ctx, "100"); err != nil {
		t.Fatalf("Remove() during commit: %v", err)
	}

	close(registry.release)
	if err := <-done; err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if _, ok := s.Lookup("100"); !ok {
		t.Fatal("ticket not tracked after commit")
	}
	records, err := registry.LoadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].ID != "100" {
		t.Fatalf("registry = %+v, want one record for 100", records)
	}
}

func TestCommitDropsRecordWhenReleasedDuringPersist(t *testing.T) {
	ctx := context.Background()
	registry := newHeldRegistry()
	s := New(registry, nil)

	r, err := s.Reserve("42", domain.CategoryClaims)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- r.Commit(ctx, newTicket("100", "42", domain.CategoryClaims)) }()
	<-registry.entered

	r.Release()
	close(registry.release)
	if err := <-done; err == nil {
		t.Fatal("Commit() succeeded after the reservation was released")
	}
	if _, ok := s.Lookup("100"); ok {
		t.Fatal("released ticket tracked")
	}
	records, err := registry.LoadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Fatalf("registry = %+v, want empty", records)
	}
}

func TestCommitKeepsReservationOnPersistFailure(t *testing.T) {
	registry := &failingRegistry{TicketRegistry: repository.NewMemoryTicketRegistry(), putErr: errors.New("disk full")}
	s := New(registry, nil)

	r, err := s.Reserve("42", domain.CategoryClaims)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Commit(context.Background(), newTicket("100", "42", domain.CategoryClaims)); err == nil {
		t.Fatal("Commit() succeeded with failing registry")
	}
	if _, err := s.Reserve("42", domain.CategoryClaims); !errors.Is(err, apperrors.ErrDuplicateTicket) {
		t.Fatalf("Reserve() before release error = %v, want DuplicateTicket", err)
	}
	r.Release()
	if _, err := s.Reserve("42", domain.CategoryClaims); err != nil {
		t.Fatalf("Reserve() after release: %v", err)
	}
}
