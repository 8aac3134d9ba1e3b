package timer

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spec-kit/ticketbot/internal/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestManager() (*Manager, *clock.FakeClock) {
	fake := clock.Fake(epoch)
	return NewManager(fake, nil, time.Hour), fake
}

func TestScheduleExpiresOnce(t *testing.T) {
	m, fake := newTestManager()
	expired := 0
	if _, err := m.Schedule("t1", Task{Duration: 30 * time.Minute, OnExpire: func() { expired++ }}); err != nil {
		t.Fatal(err)
	}
	if !m.Armed("t1") {
		t.Fatal("Armed() = false after Schedule")
	}

	fake.Advance(29 * time.Minute)
	if expired != 0 {
		t.Fatalf("expired = %d before deadline", expired)
	}
	fake.Advance(time.Minute)
	if expired != 1 {
		t.Fatalf("expired = %d, want 1", expired)
	}
	if !m.Claimed("t1") {
		t.Error("Claimed() = false after expiry")
	}
	if m.Cancel("t1") {
		t.Error("Cancel() after expiry won the claim")
	}
}

func TestCancelBeforeExpiryWinsClaim(t *testing.T) {
	m, fake := newTestManager()
	expired := false
	if _, err := m.Schedule("t1", Task{Duration: time.Minute, OnExpire: func() { expired = true }}); err != nil {
		t.Fatal(err)
	}

	if !m.Cancel("t1") {
		t.Fatal("first Cancel() = false")
	}
	if m.Cancel("t1") {
		t.Fatal("second Cancel() = true")
	}
	fake.Advance(time.Hour)
	if expired {
		t.Fatal("cancelled timer expired")
	}
	if m.Armed("t1") {
		t.Error("Armed() = true after Cancel")
	}
}

func TestScheduleReplacesPriorSchedule(t *testing.T) {
	m, fake := newTestManager()
	var first, second int
	if _, err := m.Schedule("t1", Task{Duration: time.Minute, OnExpire: func() { first++ }}); err != nil {
		t.Fatal(err)
	}
	fake.Advance(30 * time.Second)
	if _, err := m.Schedule("t1", Task{Duration: time.Minute, OnExpire: func() { second++ }}); err != nil {
		t.Fatal(err)
	}

	fake.Advance(30 * time.Second)
	if first != 0 {
		t.Fatalf("replaced schedule fired %d times", first)
	}
	fake.Advance(30 * time.Second)
	if second != 1 {
		t.Fatalf("replacement fired %d times, want 1", second)
	}
}

func TestScheduleAfterClaimFails(t *testing.T) {
	m, _ := newTestManager()
	m.Claim("t1")
	_, err := m.Schedule("t1", Task{Duration: time.Minute, OnExpire: func() {}})
	if !errors.Is(err, ErrClaimed) {
		t.Fatalf("Schedule() error = %v, want ErrClaimed", err)
	}
}

func TestRenewalIsBounded(t *testing.T) {
	m, fake := newTestManager()
	var renewals []int
	expired := 0
	task := Task{
		Duration:    10 * time.Minute,
		MaxRenewals: 2,
		Renew:       func(time.Time) bool { return true },
		OnRenew:     func(n int) { renewals = append(renewals, n) },
		OnExpire:    func() { expired++ },
	}
	if _, err := m.Schedule("t1", task); err != nil {
		t.Fatal(err)
	}

	fake.Advance(10 * time.Minute)
	fake.Advance(10 * time.Minute)
	if expired != 0 {
		t.Fatalf("expired after %d renewals", len(renewals))
	}
	if got := m.Renewals("t1"); got != 2 {
		t.Fatalf("Renewals() = %d, want 2", got)
	}
	fake.Advance(10 * time.Minute)
	if expired != 1 {
		t.Fatalf("expired = %d after renewal budget spent, want 1", expired)
	}
	if len(renewals) != 2 || renewals[0] != 1 || renewals[1] != 2 {
		t.Errorf("renewals = %v, want [1 2]", renewals)
	}
}

func TestRenewProbeSeesArmedTime(t *testing.T) {
	m, fake := newTestManager()
	var seen []time.Time
	task := Task{
		Duration:    time.Minute,
		MaxRenewals: 5,
		Renew: func(armedAt time.Time) bool {
			seen = append(seen, armedAt)
			return len(seen) == 1
		},
		OnExpire: func() {},
	}
	if _, err := m.Schedule("t1", task); err != nil {
		t.Fatal(err)
	}
	fake.Advance(time.Minute)
	fake.Advance(time.Minute)

	if len(seen) != 2 {
		t.Fatalf("Renew called %d times, want 2", len(seen))
	}
	if !seen[0].Equal(epoch) || !seen[1].Equal(epoch.Add(time.Minute)) {
		t.Errorf("armed times = %v", seen)
	}
	if !m.Claimed("t1") {
		t.Error("timer did not expire after inactive window")
	}
}

func TestCancelDuringRenewProbeWins(t *testing.T) {
	m, fake := newTestManager()
	expired := false
	task := Task{
		Duration:    time.Minute,
		MaxRenewals: 1,
		Renew: func(time.Time) bool {
			if !m.Cancel("t1") {
				t.Error("Cancel() inside the activity check lost the claim")
			}
			return false
		},
		OnExpire: func() { expired = true },
	}
	if _, err := m.Schedule("t1", task); err != nil {
		t.Fatal(err)
	}
	fake.Advance(time.Minute)
	if expired {
		t.Fatal("expiry ran after a concurrent cancel took the claim")
	}
}

func TestDeferRequiresClaim(t *testing.T) {
	m, fake := newTestManager()
	if err := m.Defer("t1", time.Second, func() {}); !errors.Is(err, ErrNotClaimed) {
		t.Fatalf("Defer() error = %v, want ErrNotClaimed", err)
	}

	m.Claim("t1")
	ran := 0
	if err := m.Defer("t1", 30*time.Second, func() { ran++ }); err != nil {
		t.Fatal(err)
	}
	fake.Advance(29 * time.Second)
	if ran != 0 {
		t.Fatal("deferred action ran early")
	}
	fake.Advance(time.Second)
	if ran != 1 {
		t.Fatalf("deferred action ran %d times, want 1", ran)
	}
}

func TestClaimForgottenAfterRetention(t *testing.T) {
	m, fake := newTestManager()
	m.Claim("t1")
	fake.Advance(59 * time.Minute)
	if !m.Claimed("t1") {
		t.Fatal("claim dropped before retention elapsed")
	}
	fake.Advance(time.Minute)
	if m.Claimed("t1") {
		t.Fatal("claim kept after retention elapsed")
	}
}

func TestClaimRetainedWhileDeferredPending(t *testing.T) {
	fake := clock.Fake(epoch)
	m := NewManager(fake, nil, 10*time.Second)
	m.Claim("t1")
	ran := 0
	if err := m.Defer("t1", 30*time.Second, func() { ran++ }); err != nil {
		t.Fatal(err)
	}
	fake.Advance(15 * time.Second)
	if !m.Claimed("t1") {
		t.Fatal("claim dropped while deferred action pending")
	}
	fake.Advance(time.Minute)
	if ran != 1 {
		t.Fatalf("deferred action ran %d times, want 1", ran)
	}
	if m.Claimed("t1") {
		t.Error("claim kept after deferred action and retention elapsed")
	}
}

func TestFlushDeferredRunsPendingOnce(t *testing.T) {
	m, fake := newTestManager()
	m.Claim("t1")
	ran := 0
	if err := m.Defer("t1", 30*time.Second, func() { ran++ }); err != nil {
		t.Fatal(err)
	}
	ids := m.FlushDeferred()
	if len(ids) != 1 || ids[0] != "t1" {
		t.Fatalf("FlushDeferred() = %v, want [t1]", ids)
	}
	if ran != 1 {
		t.Fatalf("deferred action ran %d times after flush, want 1", ran)
	}
	fake.Advance(time.Minute)
	if ran != 1 {
		t.Errorf("deferred action ran %d times, want 1", ran)
	}
	if ids := m.FlushDeferred(); len(ids) != 0 {
		t.Errorf("second FlushDeferred() = %v, want none", ids)
	}
}

func TestStopDisarmsWithoutClaiming(t *testing.T) {
	m, fake := newTestManager()
	expired := false
	if _, err := m.Schedule("t1", Task{Duration: time.Minute, OnExpire: func() { expired = true }}); err != nil {
		t.Fatal(err)
	}
	m.Stop()
	fake.Advance(time.Hour)
	if expired {
		t.Fatal("timer fired after Stop")
	}
	if m.Claimed("t1") {
		t.Error("Stop took a claim")
	}
	if _, err := m.Schedule("t2", Task{Duration: time.Minute}); !errors.Is(err, ErrStopped) {
		t.Errorf("Schedule() after Stop error = %v, want ErrStopped", err)
	}
}

func TestHandleCancelIgnoresReplacedSchedule(t *testing.T) {
	m, _ := newTestManager()
	old, err := m.Schedule("t1", Task{Duration: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Schedule("t1", Task{Duration: time.Minute}); err != nil {
		t.Fatal(err)
	}
	if old.Cancel() {
		t.Fatal("stale handle cancelled the replacement")
	}
	if !m.Armed("t1") {
		t.Fatal("replacement disarmed by stale handle")
	}
}

func TestConcurrentCancelSingleWinner(t *testing.T) {
	m := NewManager(clock.Real(), nil, 0)
	if _, err := m.Schedule("t1", Task{Duration: time.Hour}); err != nil {
		t.Fatal(err)
	}

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Cancel("t1") {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := winners.Load(); got != 1 {
		t.Fatalf("winners = %d, want 1", got)
	}
}
