package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/ticketbot/internal/clock"
	"github.com/spec-kit/ticketbot/internal/config"
	"github.com/spec-kit/ticketbot/internal/confirm"
	"github.com/spec-kit/ticketbot/internal/domain"
	"github.com/spec-kit/ticketbot/internal/events"
	"github.com/spec-kit/ticketbot/internal/observability"
	"github.com/spec-kit/ticketbot/internal/platform"
	"github.com/spec-kit/ticketbot/internal/store"
	"github.com/spec-kit/ticketbot/internal/timer"
	apperrors "github.com/spec-kit/ticketbot/pkg/errorutil"
)

// backgroundTimeout bounds collaborator calls made from timer callbacks,
// which have no request context.
const backgroundTimeout = 30 * time.Second

// CloseOutcome reports what a close request did.
type CloseOutcome string

const (
	CloseOutcomeClosed         CloseOutcome = "CLOSED"
	CloseOutcomeScheduled      CloseOutcome = "SCHEDULED"
	CloseOutcomeAlreadyClosing CloseOutcome = "ALREADY_CLOSING"
	CloseOutcomeAlreadyClosed  CloseOutcome = "ALREADY_CLOSED"
)

// LifecycleDependencies bundles collaborators for the lifecycle service.
type LifecycleDependencies struct {
	Store        *store.Store
	Timers       *timer.Manager
	Confirm      *confirm.Flow
	Transcripts  *TranscriptService
	Provisioner  platform.ChannelProvisioner
	Messages     platform.MessagingGateway
	Capabilities platform.CapabilityResolver
	Dispatcher   events.Dispatcher
	Metrics      *observability.Metrics
	Clock        clock.Clock
	Logger       *zap.Logger
	Config       config.TicketConfig
}

// Stats summarises the open tickets and the close counters.
type Stats struct {
	Open     map[string]int   `json:"open"`
	Tracked  int              `json:"tracked"`
	Opened   map[string]int64 `json:"opened"`
	Closed   map[string]int64 `json:"closed"`
	Renewals int64            `json:"renewals"`
	Dropped  int64            `json:"dropped"`
}

type pendingClose struct {
	ticketID string
	reason   string
}

// LifecycleService orchestrates ticket creation and closure.
type LifecycleService struct {
	store        *store.Store
	timers       *timer.Manager
	confirm      *confirm.Flow
	transcripts  *TranscriptService
	provisioner  platform.ChannelProvisioner
	messages     platform.MessagingGateway
	capabilities platform.CapabilityResolver
	dispatcher   events.Dispatcher
	metrics      *observability.Metrics
	clock        clock.Clock
	logger       *zap.Logger
	cfg          config.TicketConfig

	mu      sync.Mutex
	prompts map[string]pendingClose
}

// NewLifecycleService constructs the service.
func NewLifecycleService(deps LifecycleDependencies) *LifecycleService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &LifecycleService{
		store:        deps.Store,
		timers:       deps.Timers,
		confirm:      deps.Confirm,
		transcripts:  deps.Transcripts,
		provisioner:  deps.Provisioner,
		messages:     deps.Messages,
		capabilities: deps.Capabilities,
		dispatcher:   deps.Dispatcher,
		metrics:      deps.Metrics,
		clock:        clk,
		logger:       logger,
		cfg:          deps.Config,
		prompts:      make(map[string]pendingClose),
	}
}

// CreateTicket opens a ticket for creatorID under category.
func (s *LifecycleService) CreateTicket(ctx context.Context, creatorID string, category domain.Category) (*domain.Ticket, error) {
	return s.create(ctx, creatorID, creatorID, category)
}

// CreateTicketFor opens a ticket on behalf of memberID. Staff only.
func (s *LifecycleService) CreateTicketFor(ctx context.Context, actorID, memberID string, category domain.Category) (*domain.Ticket, error) {
	if err := s.requireStaff(ctx, actorID); err != nil {
		return nil, err
	}
	return s.create(ctx, actorID, memberID, category)
}

func (s *LifecycleService) create(ctx context.Context, actorID, creatorID string, category domain.Category) (*domain.Ticket, error) {
	if !category.Valid() {
		return nil, apperrors.NewValidationError("unrecognized category", map[string]any{"category": category.Key()})
	}
	if strings.TrimSpace(creatorID) == "" {
		return nil, apperrors.NewValidationError("creator required", nil)
	}

	reservation, err := s.store.Reserve(creatorID, category)
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("%s-%s", category.Key(), creatorID)
	acl := domain.AccessSpec{
		Members:      []string{creatorID},
		Capabilities: []domain.Capability{domain.CapabilityStaff, domain.CapabilityOwner},
		DenyPublic:   true,
	}
	id, err := s.provisioner.Create(ctx, name, acl)
	if err != nil {
		reservation.Release()
		return nil, err
	}

	now := s.clock.Now()
	ticket := &domain.Ticket{
		ID:             id,
		Name:           name,
		CreatorID:      creatorID,
		Category:       category,
		State:          domain.TicketStateOpen,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := reservation.Commit(ctx, ticket); err != nil {
		reservation.Release()
		if delErr := s.provisioner.Delete(ctx, id, "ticket could not be recorded"); delErr != nil && !errors.Is(delErr, apperrors.ErrNotFound) {
			s.logger.Error("failed to delete unrecorded ticket resource", zap.String("ticket_id", id), zap.Error(delErr))
		}
		return nil, err
	}

	topic := fmt.Sprintf("%s ticket opened by %s", s.cfg.Label(category), creatorID)
	if err := s.provisioner.SetMetadata(ctx, id, topic); err != nil {
		s.logger.Warn("failed to set ticket metadata", zap.String("ticket_id", id), zap.Error(err))
	}
	if guidance := s.cfg.Guidance(category); guidance != "" {
		if err := s.messages.Send(ctx, id, guidance); err != nil {
			s.logger.Warn("failed to post ticket guidance", zap.String("ticket_id", id), zap.Error(err))
		}
	}

	s.publish(ctx, events.Event{
		Type:     events.EventTicketOpened,
		TicketID: id,
		Ticket:   name,
		ActorID:  actorID,
		Category: category,
	})
	s.arm(*ticket)

	s.logger.Info("ticket opened",
		zap.String("ticket_id", id),
		zap.String("creator_id", creatorID),
		zap.String("category", category.Key()))
	created := *ticket
	return &created, nil
}

// CloseTicket closes ticket id on behalf of closerID. Exactly one closer
// wins per ticket; a loser gets CloseOutcomeAlreadyClosing and no error.
func (s *LifecycleService) CloseTicket(ctx context.Context, id, closerID string, mode domain.CloseMode, reason string) (CloseOutcome, error) {
	switch mode {
	case domain.CloseModeImmediate, domain.CloseModeConfirmed, domain.CloseModeDeferredAuto:
	default:
		return "", apperrors.NewValidationError("unsupported close mode", map[string]any{"mode": string(mode)})
	}

	// A closing ticket stays in the store until teardown removes it.
	ticket, ok := s.store.Lookup(id)
	if !ok {
		return CloseOutcomeAlreadyClosed, nil
	}
	if err := s.authorize(ctx, ticket, closerID); err != nil {
		return "", err
	}
	if !s.timers.Claim(id) {
		return CloseOutcomeAlreadyClosing, nil
	}
	s.store.SetState(id, mode.ClosingState())

	if mode == domain.CloseModeDeferredAuto {
		delay := s.cfg.DeferredCloseDelay()
		err := s.timers.Defer(id, delay, func() {
			ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
			defer cancel()
			s.teardown(ctx, ticket, mode, closerID, reason)
		})
		if err != nil {
			// The claim is ours; finish the close now rather than strand it.
			s.logger.Warn("deferred close could not be scheduled; closing now", zap.String("ticket_id", id), zap.Error(err))
			s.teardown(ctx, ticket, mode, closerID, reason)
			return CloseOutcomeClosed, nil
		}
		s.publish(ctx, events.Event{
			Type:     events.EventCloseScheduled,
			TicketID: id,
			Ticket:   ticket.Name,
			ActorID:  closerID,
			Category: ticket.Category,
			Payload:  events.CloseScheduledPayload{Delay: delay, Reason: reason},
		})
		return CloseOutcomeScheduled, nil
	}

	s.teardown(ctx, ticket, mode, closerID, reason)
	return CloseOutcomeClosed, nil
}

// RequestClose authorizes requesterID and opens a confirmation prompt for
// ticket id. The prompt is answered through ResolvePrompt; if nobody
// answers it times out and the ticket stays open.
func (s *LifecycleService) RequestClose(ctx context.Context, id, requesterID, reason string) (*confirm.Prompt, error) {
	ticket, ok := s.store.Lookup(id)
	if !ok {
		return nil, apperrors.NewNotFound("ticket", map[string]any{"ticket_id": id})
	}
	if err := s.authorize(ctx, ticket, requesterID); err != nil {
		return nil, err
	}
	if ticket.State.IsClosing() {
		return nil, apperrors.NewValidationError("ticket is already closing", map[string]any{"ticket_id": id})
	}

	var prompt *confirm.Prompt
	prompt, err := s.confirm.Begin(id, requesterID, func(outcome confirm.Outcome) {
		if outcome != confirm.OutcomeTimedOut {
			return
		}
		s.forgetPrompt(prompt.ID)
		s.publish(context.Background(), events.Event{
			Type:     events.EventCloseCancelled,
			TicketID: ticket.ID,
			Ticket:   ticket.Name,
			ActorID:  requesterID,
			Category: ticket.Category,
			Payload:  "prompt timed out",
		})
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.prompts[prompt.ID] = pendingClose{ticketID: id, reason: reason}
	s.mu.Unlock()
	return prompt, nil
}

// ResolvePrompt applies actorID's choice to a close prompt and carries the
// outcome out. Cancel leaves the ticket open.
func (s *LifecycleService) ResolvePrompt(ctx context.Context, promptID, actorID string, choice confirm.Choice) (confirm.Outcome, CloseOutcome, error) {
	s.mu.Lock()
	pending, known := s.prompts[promptID]
	s.mu.Unlock()

	outcome, err := s.confirm.Resolve(promptID, actorID, choice)
	if err != nil {
		return "", "", err
	}
	s.forgetPrompt(promptID)
	if !known {
		return outcome, "", apperrors.NewStalePrompt(promptID)
	}

	switch outcome {
	case confirm.OutcomeConfirm:
		result, err := s.CloseTicket(ctx, pending.ticketID, actorID, domain.CloseModeConfirmed, pending.reason)
		return outcome, result, err
	case confirm.OutcomeDeferredAuto:
		result, err := s.CloseTicket(ctx, pending.ticketID, actorID, domain.CloseModeDeferredAuto, pending.reason)
		return outcome, result, err
	default:
		if ticket, ok := s.store.Lookup(pending.ticketID); ok {
			s.publish(ctx, events.Event{
				Type:     events.EventCloseCancelled,
				TicketID: ticket.ID,
				Ticket:   ticket.Name,
				ActorID:  actorID,
				Category: ticket.Category,
			})
		}
		return outcome, "", nil
	}
}

// AddMember grants memberID access to ticket id.
func (s *LifecycleService) AddMember(ctx context.Context, id, actorID, memberID string) error {
	ticket, err := s.openTicket(id)
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, ticket, actorID); err != nil {
		return err
	}
	if err := s.provisioner.Grant(ctx, id, memberID); err != nil {
		return err
	}
	s.publish(ctx, events.Event{
		Type:     events.EventMemberAdded,
		TicketID: id,
		Ticket:   ticket.Name,
		ActorID:  actorID,
		Category: ticket.Category,
		Payload:  events.MemberPayload{MemberID: memberID},
	})
	return nil
}

// RemoveMember revokes memberID's access to ticket id. The creator cannot
// be removed.
func (s *LifecycleService) RemoveMember(ctx context.Context, id, actorID, memberID string) error {
	ticket, err := s.openTicket(id)
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, ticket, actorID); err != nil {
		return err
	}
	if memberID == ticket.CreatorID {
		return apperrors.NewValidationError("the ticket creator cannot be removed", map[string]any{"member_id": memberID})
	}
	if err := s.provisioner.Revoke(ctx, id, memberID); err != nil {
		return err
	}
	s.publish(ctx, events.Event{
		Type:     events.EventMemberRemoved,
		TicketID: id,
		Ticket:   ticket.Name,
		ActorID:  actorID,
		Category: ticket.Category,
		Payload:  events.MemberPayload{MemberID: memberID},
	})
	return nil
}

// PingCreator sends content to the creator of ticket id. Staff only.
func (s *LifecycleService) PingCreator(ctx context.Context, id, actorID, content string) error {
	ticket, ok := s.store.Lookup(id)
	if !ok {
		return apperrors.NewNotFound("ticket", map[string]any{"ticket_id": id})
	}
	if err := s.requireStaff(ctx, actorID); err != nil {
		return err
	}
	return s.messages.SendDirect(ctx, ticket.CreatorID, content)
}

// RecordActivity notes activity on ticket id at the current clock time.
func (s *LifecycleService) RecordActivity(id string) bool {
	return s.store.Touch(id, s.clock.Now())
}

// Ticket returns the tracked ticket with id.
func (s *LifecycleService) Ticket(id string) (domain.Ticket, bool) {
	return s.store.Lookup(id)
}

// List returns every tracked ticket.
func (s *LifecycleService) List() []domain.Ticket {
	return s.store.List()
}

// OpenTicketsOf returns the open tickets created by userID, newest first.
func (s *LifecycleService) OpenTicketsOf(userID string) []domain.Ticket {
	all := s.store.List()
	result := make([]domain.Ticket, 0, 1)
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].CreatorID == userID && all[i].State == domain.TicketStateOpen {
			result = append(result, all[i])
		}
	}
	return result
}

// IsStaff reports whether userID holds the staff or owner capability.
func (s *LifecycleService) IsStaff(ctx context.Context, userID string) (bool, error) {
	return s.capabilities.HasCapability(ctx, userID, domain.CapabilityStaff, domain.CapabilityOwner)
}

// Stats reports open tickets per category and the close counters.
func (s *LifecycleService) Stats() Stats {
	open := make(map[string]int, len(domain.Categories))
	counts := s.store.CountOpenByCategory()
	for _, c := range domain.Categories {
		open[c.Key()] = counts[c]
	}
	snap := s.metrics.Snapshot()
	return Stats{
		Open:     open,
		Tracked:  s.store.Count(),
		Opened:   snap.Opened,
		Closed:   snap.Closed,
		Renewals: snap.Renewals,
		Dropped:  snap.Dropped,
	}
}

// Restore reloads the registry, drops tickets whose resource vanished and
// re-arms the inactivity timer of every surviving ticket.
func (s *LifecycleService) Restore(ctx context.Context) (store.LoadResult, error) {
	result, err := s.store.LoadAll(ctx, s.provisioner, s.cfg.ReconcileConcurrency)
	if err != nil {
		return result, err
	}
	if result.Corrupt {
		s.publish(ctx, events.Event{
			Type: events.EventError,
			Payload: events.ErrorPayload{
				Operation: "restore",
				Code:      apperrors.CodePersistenceCorrupt,
				Message:   "ticket registry was corrupt and has been reset",
			},
		})
	}
	for _, id := range result.Dropped {
		s.timers.Cancel(id)
		s.publish(ctx, events.Event{Type: events.EventTicketDropped, TicketID: id, Payload: "resource no longer exists"})
	}
	for _, ticket := range result.Loaded {
		s.arm(ticket)
	}
	s.logger.Info("ticket registry restored",
		zap.Int("loaded", len(result.Loaded)),
		zap.Int("dropped", len(result.Dropped)),
		zap.Bool("corrupt", result.Corrupt))
	return result, nil
}

// ReportError records an unhandled failure under a fresh correlation id and
// returns the id for the requester.
func (s *LifecycleService) ReportError(ctx context.Context, operation, actorID, ticketID string, err error) string {
	correlationID := uuid.NewString()
	s.logger.Error("unhandled error",
		zap.String("correlation_id", correlationID),
		zap.String("operation", operation),
		zap.String("actor_id", actorID),
		zap.String("ticket_id", ticketID),
		zap.Error(err))
	s.publish(ctx, events.Event{
		Type:     events.EventError,
		TicketID: ticketID,
		ActorID:  actorID,
		Payload: events.ErrorPayload{
			Operation:     operation,
			Code:          apperrors.CodeOf(err),
			CorrelationID: correlationID,
		},
	})
	return correlationID
}

// Shutdown times out pending prompts and stops every timer.
func (s *LifecycleService) Shutdown() {
	s.confirm.Close()
	if ids := s.timers.FlushDeferred(); len(ids) > 0 {
		s.logger.Info("deferred closes completed at shutdown", zap.Strings("ticket_ids", ids))
	}
	s.timers.Stop()
}

func (s *LifecycleService) arm(ticket domain.Ticket) {
	id := ticket.ID
	task := timer.Task{
		Duration:    s.cfg.Inactivity(),
		MaxRenewals: s.cfg.MaxRenewals,
		Renew: func(armedAt time.Time) bool {
			return s.activeSince(id, armedAt)
		},
		OnRenew: func(renewals int) {
			s.store.SetRenewals(id, renewals)
			s.metrics.RecordRenewal()
			s.logger.Info("inactivity timer renewed", zap.String("ticket_id", id), zap.Int("renewals", renewals))
		},
		OnExpire: func() {
			s.expire(id)
		},
	}
	if _, err := s.timers.Schedule(id, task); err != nil {
		s.logger.Warn("inactivity timer not armed", zap.String("ticket_id", id), zap.Error(err))
	}
}

// activeSince reports whether anyone but the bot wrote in the ticket after
// armedAt. A failed probe counts as activity; the renewal bound still ends
// the ticket eventually.
func (s *LifecycleService) activeSince(id string, armedAt time.Time) bool {
	if ticket, ok := s.store.Lookup(id); ok && ticket.LastActivityAt.After(armedAt) {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()
	history, err := s.messages.FetchHistory(ctx, id, s.cfg.HistoryProbeLimit, domain.NewestFirst)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return false
		}
		s.logger.Warn("activity probe failed; renewing", zap.String("ticket_id", id), zap.Error(err))
		return true
	}
	for _, msg := range history {
		if !msg.FromBot && msg.CreatedAt.After(armedAt) {
			return true
		}
	}
	return false
}

// expire runs after the inactivity timer won the claim.
func (s *LifecycleService) expire(id string) {
	ticket, ok := s.store.Lookup(id)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()

	exists, err := s.provisioner.Exists(ctx, id)
	if err == nil && !exists {
		if err := s.store.Remove(ctx, id); err != nil {
			s.logger.Warn("failed to remove vanished ticket", zap.String("ticket_id", id), zap.Error(err))
		}
		s.publish(ctx, events.Event{
			Type:     events.EventTicketDropped,
			TicketID: id,
			Ticket:   ticket.Name,
			Category: ticket.Category,
			Payload:  "resource no longer exists",
		})
		return
	}

	s.store.SetState(id, domain.TicketStateAutoClosing)
	s.teardown(ctx, ticket, domain.CloseModeInactivity, "", "inactivity")
}

// teardown archives, forgets and deletes a ticket. Callers hold the claim,
// so it runs at most once per ticket.
func (s *LifecycleService) teardown(ctx context.Context, ticket domain.Ticket, mode domain.CloseMode, actorID, reason string) {
	transcript, err := s.transcripts.Export(ctx, ticket)
	if err != nil {
		s.logger.Warn("transcript incomplete", zap.String("ticket_id", ticket.ID), zap.Error(err))
	}

	if err := s.store.Remove(ctx, ticket.ID); err != nil {
		s.logger.Error("failed to remove ticket from registry", zap.String("ticket_id", ticket.ID), zap.Error(err))
	}
	from := mode.ClosingState()
	ticket.State = domain.TicketStateClosed

	if reason == "" {
		reason = "ticket closed (" + mode.Label() + ")"
	}
	if err := s.provisioner.Delete(ctx, ticket.ID, reason); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		s.ReportError(ctx, "delete_resource", actorID, ticket.ID, err)
	}

	s.publish(ctx, events.Event{
		Type:     events.EventTicketClosed,
		TicketID: ticket.ID,
		Ticket:   ticket.Name,
		ActorID:  actorID,
		Category: ticket.Category,
		Payload: events.TicketClosedPayload{
			Mode:       mode,
			From:       from,
			State:      ticket.State,
			Reason:     reason,
			Transcript: transcript.Digest,
			Lines:      len(transcript.Lines),
		},
	})
	s.logger.Info("ticket closed",
		zap.String("ticket_id", ticket.ID),
		zap.String("mode", mode.Label()),
		zap.String("actor_id", actorID))
}

func (s *LifecycleService) openTicket(id string) (domain.Ticket, error) {
	ticket, ok := s.store.Lookup(id)
	if !ok || ticket.State != domain.TicketStateOpen {
		return domain.Ticket{}, apperrors.NewNotFound("ticket", map[string]any{"ticket_id": id})
	}
	return ticket, nil
}

func (s *LifecycleService) authorize(ctx context.Context, ticket domain.Ticket, actorID string) error {
	if actorID != "" && actorID == ticket.CreatorID {
		return nil
	}
	return s.requireStaff(ctx, actorID)
}

func (s *LifecycleService) requireStaff(ctx context.Context, actorID string) error {
	ok, err := s.IsStaff(ctx, actorID)
	if err != nil {
		return fmt.Errorf("resolve capabilities of %s: %w", actorID, err)
	}
	if !ok {
		return apperrors.NewUnauthorized("only the ticket creator or staff can do that")
	}
	return nil
}

func (s *LifecycleService) forgetPrompt(id string) {
	s.mu.Lock()
	delete(s.prompts, id)
	s.mu.Unlock()
}

func (s *LifecycleService) publish(ctx context.Context, event events.Event) {
	if s.dispatcher == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.clock.Now()
	}
	if err := s.dispatcher.Publish(ctx, event); err != nil {
		s.logger.Warn("event handler failed", zap.String("event_type", string(event.Type)), zap.Error(err))
	}
}
