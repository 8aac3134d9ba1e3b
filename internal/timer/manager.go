// Package timer keeps one cancellable inactivity timer per ticket and the
// claim registry that decides which closer tears a ticket down.
package timer

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/ticketbot/internal/clock"
)

var (
	// ErrClaimed is returned when scheduling a ticket whose claim is taken.
	ErrClaimed = errors.New("timer: ticket already claimed")
	// ErrNotClaimed is returned by Defer when the caller does not hold the claim.
	ErrNotClaimed = errors.New("timer: claim not held")
	// ErrInvalidDuration is returned for non-positive durations.
	ErrInvalidDuration = errors.New("timer: duration must be positive")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("timer: manager stopped")
)

// Task describes what happens when a ticket's timer fires.
type Task struct {
	Duration time.Duration
	// MaxRenewals bounds how many times Renew may re-arm the timer.
	MaxRenewals int
	// Renew reports whether activity happened since armedAt. It runs
	// outside the manager lock and may block on I/O.
	Renew func(armedAt time.Time) bool
	// OnRenew is called after the timer was re-armed.
	OnRenew func(renewals int)
	// OnExpire runs once, after the expiry won the claim.
	OnExpire func()
}

// Handle refers to one armed schedule.
type Handle struct {
	manager *Manager
	id      string
	entry   *entry
}

// ID returns the ticket id of the schedule.
func (h *Handle) ID() string { return h.id }

// Cancel takes the claim for the ticket if this schedule is still the
// active one. It returns whether the claim was won.
func (h *Handle) Cancel() bool {
	h.manager.mu.Lock()
	current := h.manager.entries[h.id] == h.entry
	h.manager.mu.Unlock()
	if !current {
		return false
	}
	return h.manager.Cancel(h.id)
}

type entry struct {
	task     Task
	timer    *clock.Timer
	armedAt  time.Time
	renewals int
}

// Manager schedules per-ticket deferred actions.
type Manager struct {
	clock     clock.Clock
	logger    *zap.Logger
	retention time.Duration

	mu       sync.Mutex
	stopped  bool
	entries  map[string]*entry
	deferred map[string]*deferredAction
	claims   map[string]*atomic.Bool
}

type deferredAction struct {
	timer *clock.Timer
	fn    func()
}

// NewManager builds a manager. Claim flags are kept for retention after
// they are taken; a non-positive retention keeps them for the process life.
func NewManager(clk clock.Clock, logger *zap.Logger, retention time.Duration) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		clock:     clk,
		logger:    logger,
		retention: retention,
		entries:   make(map[string]*entry),
		deferred:  make(map[string]*deferredAction),
		claims:    make(map[string]*atomic.Bool),
	}
}

// Schedule arms task for id, replacing any prior schedule for id.
func (m *Manager) Schedule(id string, task Task) (*Handle, error) {
	if task.Duration <= 0 {
		return nil, ErrInvalidDuration
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, ErrStopped
	}
	if flag := m.claims[id]; flag != nil && flag.Load() {
		return nil, ErrClaimed
	}
	if prev := m.entries[id]; prev != nil {
		prev.timer.Stop()
	}
	e := &entry{task: task, armedAt: m.clock.Now()}
	m.entries[id] = e
	e.timer = m.clock.AfterFunc(task.Duration, func() { m.fire(id, e) })

	m.logger.Debug("timer armed", zap.String("ticket_id", id), zap.Duration("duration", task.Duration))
	return &Handle{manager: m, id: id, entry: e}, nil
}

// Cancel takes the claim for id and disarms its timer. Exactly one caller
// (Cancel or timer expiry) ever wins the claim for an id; the loser gets
// false and must not tear anything down.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.flagLocked(id).CompareAndSwap(false, true) {
		return false
	}
	if e := m.entries[id]; e != nil {
		e.timer.Stop()
		delete(m.entries, id)
	}
	m.retainLocked(id)
	return true
}

// Claim is Cancel under the name the close path uses.
func (m *Manager) Claim(id string) bool {
	return m.Cancel(id)
}

// Defer runs fn after delay. The caller must already hold the claim for id.
func (m *Manager) Defer(id string, delay time.Duration, fn func()) error {
	if delay <= 0 {
		return ErrInvalidDuration
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrStopped
	}
	if flag := m.claims[id]; flag == nil || !flag.Load() {
		return ErrNotClaimed
	}
	d := &deferredAction{fn: fn}
	d.timer = m.clock.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.deferred[id] != d {
			m.mu.Unlock()
			return
		}
		delete(m.deferred, id)
		m.mu.Unlock()
		fn()
	})
	m.deferred[id] = d
	return nil
}

// FlushDeferred runs every pending deferred action now, in no particular
// order, and returns their ids. Used at shutdown so an accepted close is
// not lost with the process.
func (m *Manager) FlushDeferred() []string {
	m.mu.Lock()
	pending := make(map[string]*deferredAction, len(m.deferred))
	for id, d := range m.deferred {
		d.timer.Stop()
		pending[id] = d
		delete(m.deferred, id)
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(pending))
	for id, d := range pending {
		ids = append(ids, id)
		d.fn()
	}
	return ids
}

// Claimed reports whether the claim for id has been taken.
func (m *Manager) Claimed(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	flag := m.claims[id]
	return flag != nil && flag.Load()
}

// Armed reports whether an inactivity timer is pending for id.
func (m *Manager) Armed(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[id]
	return ok
}

// Renewals returns how many times the timer for id was re-armed.
func (m *Manager) Renewals(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.entries[id]; e != nil {
		return e.renewals
	}
	return 0
}

// Stop disarms every pending timer without taking any claim. Deferred
// actions still pending are dropped; call FlushDeferred first to run them.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopped = true
	for id, e := range m.entries {
		e.timer.Stop()
		delete(m.entries, id)
	}
	for id, d := range m.deferred {
		m.logger.Warn("deferred action discarded at stop", zap.String("ticket_id", id))
		d.timer.Stop()
		delete(m.deferred, id)
	}
}

func (m *Manager) fire(id string, e *entry) {
	m.mu.Lock()
	if m.entries[id] != e || m.claimedLocked(id) {
		m.mu.Unlock()
		return
	}
	canRenew := e.task.Renew != nil && e.renewals < e.task.MaxRenewals
	armedAt := e.armedAt
	m.mu.Unlock()

	renew := canRenew && e.task.Renew(armedAt)

	m.mu.Lock()
	if m.entries[id] != e {
		m.mu.Unlock()
		return
	}
	if renew {
		e.renewals++
		e.armedAt = m.clock.Now()
		e.timer = m.clock.AfterFunc(e.task.Duration, func() { m.fire(id, e) })
		renewals := e.renewals
		m.mu.Unlock()

		m.logger.Debug("timer renewed", zap.String("ticket_id", id), zap.Int("renewals", renewals))
		if e.task.OnRenew != nil {
			e.task.OnRenew(renewals)
		}
		return
	}
	if !m.flagLocked(id).CompareAndSwap(false, true) {
		m.mu.Unlock()
		return
	}
	delete(m.entries, id)
	m.retainLocked(id)
	m.mu.Unlock()

	m.logger.Debug("timer expired", zap.String("ticket_id", id))
	if e.task.OnExpire != nil {
		e.task.OnExpire()
	}
}

func (m *Manager) flagLocked(id string) *atomic.Bool {
	flag := m.claims[id]
	if flag == nil {
		flag = new(atomic.Bool)
		m.claims[id] = flag
	}
	return flag
}

func (m *Manager) claimedLocked(id string) bool {
	flag := m.claims[id]
	return flag != nil && flag.Load()
}

func (m *Manager) retainLocked(id string) {
	if m.retention <= 0 {
		return
	}
	m.clock.AfterFunc(m.retention, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, pending := m.deferred[id]; pending && !m.stopped {
			m.retainLocked(id)
			return
		}
		delete(m.claims, id)
	})
}
