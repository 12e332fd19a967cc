package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/GoAlgoDesk/algodesk/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets the test drive the daemon through virtual time. Every
// After call is announced on registered so the test can advance only
// once the daemon is actually parked on a timer.
type fakeClock struct {
	mu         sync.Mutex
	now        time.Time
	waiters    []waiter
	registered chan time.Time
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now, registered: make(chan time.Time, 64)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	at := c.now.Add(d)
	if d <= 0 {
		ch <- c.now
	} else {
		c.waiters = append(c.waiters, waiter{at: at, ch: ch})
	}
	c.mu.Unlock()
	c.registered <- at
	return ch
}

// advanceTo moves virtual time and fires every due timer.
func (c *fakeClock) advanceTo(t time.Time) {
	c.mu.Lock()
	c.now = t
	var remaining []waiter
	for _, w := range c.waiters {
		if !w.at.After(t) {
			w.ch <- t
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	c.mu.Unlock()
}

// awaitTimer blocks until the daemon registers its next timer.
func (c *fakeClock) awaitTimer(t *testing.T) time.Time {
	t.Helper()
	select {
	case at := <-c.registered:
		return at
	case <-time.After(5 * time.Second):
		t.Fatal("daemon never registered a timer")
		return time.Time{}
	}
}

type recordedEvent struct {
	name    string
	payload any
}

type eventRecorder struct {
	ch chan recordedEvent
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan recordedEvent, 64)}
}

func (r *eventRecorder) Emit(event string, payload any) {
	r.ch <- recordedEvent{name: event, payload: payload}
}

func (r *eventRecorder) next(t *testing.T) recordedEvent {
	t.Helper()
	select {
	case e := <-r.ch:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("no event emitted")
		return recordedEvent{}
	}
}

type fakeRevoker struct {
	mu      sync.Mutex
	broker  string
	token   string
	revoked int
}

func (f *fakeRevoker) Revoke(ctx context.Context) (string, string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	broker, token := f.broker, f.token
	had := broker != ""
	f.broker, f.token = "", ""
	f.revoked++
	return broker, token, had, nil
}

func ist(t *testing.T) *time.Location {
	t.Helper()
	zone, err := time.LoadLocation(RegulatoryZone)
	require.NoError(t, err)
	return zone
}

func TestWarningLadderAndFire(t *testing.T) {
	zone := ist(t)
	// Virtual clock at 02:28 IST.
	start := time.Date(2025, 6, 10, 2, 28, 0, 0, zone)
	clock := newFakeClock(start)
	events := newEventRecorder()
	revoker := &fakeRevoker{broker: "fyers", token: "TOKEN_A"}

	var upstreamCalls []string
	var upstreamMu sync.Mutex

	cfg := func(ctx context.Context) (store.AutoLogoutConfig, error) {
		return store.AutoLogoutConfig{Enabled: true, Hour: 3, Minute: 0, Warnings: []int{30, 15, 5, 1}}, nil
	}
	upstream := func(ctx context.Context, brokerID, authToken string) error {
		upstreamMu.Lock()
		upstreamCalls = append(upstreamCalls, brokerID+":"+authToken)
		upstreamMu.Unlock()
		return nil
	}

	daemon, err := NewWithClock(clock, cfg, events, revoker, upstream, time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		daemon.Run(ctx)
		close(done)
	}()

	// Warnings land at 02:30, 02:45, 02:55, 02:59; the fire at 03:00.
	expected := []struct {
		at      time.Time
		minutes int
	}{
		{time.Date(2025, 6, 10, 2, 30, 0, 0, zone), 30},
		{time.Date(2025, 6, 10, 2, 45, 0, 0, zone), 15},
		{time.Date(2025, 6, 10, 2, 55, 0, 0, zone), 5},
		{time.Date(2025, 6, 10, 2, 59, 0, 0, zone), 1},
	}

	for _, step := range expected {
		at := clock.awaitTimer(t)
		assert.True(t, at.Equal(step.at), "expected timer at %v, got %v", step.at, at)
		clock.advanceTo(step.at)

		e := events.next(t)
		require.Equal(t, "auto_logout_warning", e.name)
		warning := e.payload.(WarningPayload)
		assert.Equal(t, step.minutes, warning.MinutesRemaining)
	}

	// Terminal fire at 03:00.
	at := clock.awaitTimer(t)
	fireAt := time.Date(2025, 6, 10, 3, 0, 0, 0, zone)
	assert.True(t, at.Equal(fireAt))
	clock.advanceTo(fireAt)

	e := events.next(t)
	require.Equal(t, "auto_logout", e.name)
	logout := e.payload.(LogoutPayload)
	assert.Equal(t, "scheduled", logout.Reason)

	// Event emission precedes revocation; by the time the daemon parks
	// on its next timer both have happened.
	next := clock.awaitTimer(t)
	revoker.mu.Lock()
	assert.Equal(t, 1, revoker.revoked)
	revoker.mu.Unlock()
	upstreamMu.Lock()
	assert.Equal(t, []string{"fyers:TOKEN_A"}, upstreamCalls)
	upstreamMu.Unlock()

	// The next target is tomorrow's 02:30 warning, not a double fire
	// for today.
	assert.True(t, next.After(fireAt.Add(23*time.Hour)), "next timer %v too early", next)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop on cancel")
	}
}

func TestNeverFiresTwiceForOneDate(t *testing.T) {
	zone := ist(t)
	start := time.Date(2025, 6, 10, 2, 59, 30, 0, zone)
	clock := newFakeClock(start)
	events := newEventRecorder()
	revoker := &fakeRevoker{}

	cfg := func(ctx context.Context) (store.AutoLogoutConfig, error) {
		return store.AutoLogoutConfig{Enabled: true, Hour: 3, Minute: 0, Warnings: nil}, nil
	}
	daemon, err := NewWithClock(clock, cfg, events, revoker, nil, time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go daemon.Run(ctx)

	fireAt := time.Date(2025, 6, 10, 3, 0, 0, 0, zone)
	clock.awaitTimer(t)
	clock.advanceTo(fireAt)

	e := events.next(t)
	require.Equal(t, "auto_logout", e.name)

	// Wait for the daemon to park on the next timer, then jump the
	// clock backwards to 02:30 of the same date. The recomputed target
	// must skip to the following day.
	clock.awaitTimer(t)
	clock.advanceTo(time.Date(2025, 6, 10, 2, 30, 0, 0, zone))
	daemon.Reschedule()

	next := clock.awaitTimer(t)
	assert.Equal(t, time.Date(2025, 6, 11, 3, 0, 0, 0, zone).Format(time.RFC3339),
		next.Format(time.RFC3339))
}

func TestDisabledSchedulerParks(t *testing.T) {
	zone := ist(t)
	clock := newFakeClock(time.Date(2025, 6, 10, 2, 0, 0, 0, zone))
	events := newEventRecorder()

	cfg := func(ctx context.Context) (store.AutoLogoutConfig, error) {
		return store.AutoLogoutConfig{Enabled: false}, nil
	}
	daemon, err := NewWithClock(clock, cfg, events, &fakeRevoker{}, nil, time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go daemon.Run(ctx)

	// A disabled daemon polls for configuration, one minute at a time.
	at := clock.awaitTimer(t)
	assert.Equal(t, clock.Now().Add(time.Minute), at)
	assert.Empty(t, events.ch)
}

func TestRescheduleWakesDaemon(t *testing.T) {
	zone := ist(t)
	clock := newFakeClock(time.Date(2025, 6, 10, 10, 0, 0, 0, zone))
	events := newEventRecorder()

	var mu sync.Mutex
	hour := 3
	cfg := func(ctx context.Context) (store.AutoLogoutConfig, error) {
		mu.Lock()
		defer mu.Unlock()
		return store.AutoLogoutConfig{Enabled: true, Hour: hour, Minute: 0}, nil
	}
	daemon, err := NewWithClock(clock, cfg, events, &fakeRevoker{}, nil, time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go daemon.Run(ctx)

	// Parked on tomorrow 03:00.
	first := clock.awaitTimer(t)
	assert.Equal(t, 3, first.In(zone).Hour())

	// Operator moves the logout to 23:00 today.
	mu.Lock()
	hour = 23
	mu.Unlock()
	daemon.Reschedule()

	next := clock.awaitTimer(t)
	assert.Equal(t, 23, next.In(zone).Hour())
	assert.Equal(t, 10, next.In(zone).Day())
}
