// Package confirm runs bounded yes/no/defer prompts that resolve exactly once.
package confirm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/ticketbot/internal/clock"
	apperrors "github.com/spec-kit/ticketbot/pkg/errorutil"
)

// ErrClosed is returned by Begin after Close.
var ErrClosed = errors.New("confirm: flow closed")

// Choice is an input an initiator may give to a prompt.
type Choice string

const (
	ChoiceConfirm      Choice = "confirm"
	ChoiceCancel       Choice = "cancel"
	ChoiceDeferredAuto Choice = "deferred_auto"
)

// ParseChoice maps button data to a Choice.
func ParseChoice(s string) (Choice, error) {
	switch Choice(s) {
	case ChoiceConfirm, ChoiceCancel, ChoiceDeferredAuto:
		return Choice(s), nil
	default:
		return "", apperrors.NewValidationError("unrecognized choice", map[string]any{"choice": s})
	}
}

// Outcome is the terminal result of a prompt.
type Outcome string

const (
	OutcomeConfirm      Outcome = "CONFIRM"
	OutcomeCancel       Outcome = "CANCEL"
	OutcomeDeferredAuto Outcome = "DEFERRED_AUTO"
	// OutcomeTimedOut is delivered when nobody chose in time. Callers treat
	// it as Cancel.
	OutcomeTimedOut Outcome = "TIMED_OUT"
)

func (c Choice) outcome() Outcome {
	switch c {
	case ChoiceConfirm:
		return OutcomeConfirm
	case ChoiceDeferredAuto:
		return OutcomeDeferredAuto
	default:
		return OutcomeCancel
	}
}

// Prompt is one pending decision.
type Prompt struct {
	ID          string
	TicketID    string
	InitiatorID string
	CreatedAt   time.Time
	ExpiresAt   time.Time

	onResolve func(Outcome)
	timer     *clock.Timer
	done      chan struct{}
	outcome   Outcome
}

// Wait blocks until the prompt resolves or ctx ends.
func (p *Prompt) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-p.done:
		return p.outcome, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Outcome returns the outcome if the prompt has resolved.
func (p *Prompt) Outcome() (Outcome, bool) {
	select {
	case <-p.done:
		return p.outcome, true
	default:
		return "", false
	}
}

// Flow owns every pending prompt.
type Flow struct {
	clock   clock.Clock
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	closed  bool
	prompts map[string]*Prompt
}

// New builds a flow whose prompts time out after timeout.
func New(clk clock.Clock, timeout time.Duration, logger *zap.Logger) *Flow {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Flow{
		clock:   clk,
		timeout: timeout,
		logger:  logger,
		prompts: make(map[string]*Prompt),
	}
}

// Begin opens a prompt for ticketID that only initiatorID may resolve.
// onResolve, if set, runs exactly once with the outcome, on the goroutine
// that resolved the prompt.
func (f *Flow) Begin(ticketID, initiatorID string, onResolve func(Outcome)) (*Prompt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}

	now := f.clock.Now()
	p := &Prompt{
		ID:          uuid.NewString(),
		TicketID:    ticketID,
		InitiatorID: initiatorID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(f.timeout),
		onResolve:   onResolve,
		done:        make(chan struct{}),
	}
	f.prompts[p.ID] = p
	p.timer = f.clock.AfterFunc(f.timeout, func() {
		if f.settle(p.ID, OutcomeTimedOut) != nil {
			f.logger.Debug("close prompt timed out", zap.String("prompt_id", p.ID), zap.String("ticket_id", ticketID))
		}
	})
	return p, nil
}

// Resolve applies actorID's choice to the prompt. Input from anyone but the
// initiator is Unauthorized and leaves the prompt pending; input on a
// resolved or unknown prompt is StalePrompt.
func (f *Flow) Resolve(promptID, actorID string, choice Choice) (Outcome, error) {
	f.mu.Lock()
	p, ok := f.prompts[promptID]
	if !ok {
		f.mu.Unlock()
		return "", apperrors.NewStalePrompt(promptID)
	}
	if p.InitiatorID != actorID {
		f.mu.Unlock()
		return "", apperrors.NewUnauthorized("only the requester can answer this prompt")
	}
	f.mu.Unlock()

	outcome := choice.outcome()
	if f.settle(promptID, outcome) == nil {
		return "", apperrors.NewStalePrompt(promptID)
	}
	return outcome, nil
}

// Pending returns the number of unresolved prompts.
func (f *Flow) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

// Close resolves every pending prompt as timed out and rejects new ones.
func (f *Flow) Close() {
	f.mu.Lock()
	f.closed = true
	ids := make([]string, 0, len(f.prompts))
	for id := range f.prompts {
		ids = append(ids, id)
	}
	f.mu.Unlock()

	for _, id := range ids {
		f.settle(id, OutcomeTimedOut)
	}
}

// settle removes the prompt and delivers outcome. It returns nil if the
// prompt was already settled.
func (f *Flow) settle(promptID string, outcome Outcome) *Prompt {
	f.mu.Lock()
	p, ok := f.prompts[promptID]
	if !ok {
		f.mu.Unlock()
		return nil
	}
	delete(f.prompts, promptID)
	f.mu.Unlock()

	p.timer.Stop()
	p.outcome = outcome
	close(p.done)
	if p.onResolve != nil {
		p.onResolve(outcome)
	}
	return p
}
