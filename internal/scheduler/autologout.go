// Package scheduler hosts the wall-clock auto-logout daemon. Indian
// broker tokens expire daily; revoking at a fixed instant well outside
// market hours guarantees a trading session never straddles the daily
// boundary, and the warning ladder gives an operator holding open
// positions time to react.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/GoAlgoDesk/algodesk/internal/pkg/logger"
	"github.com/GoAlgoDesk/algodesk/internal/pkg/metrics"
	"github.com/GoAlgoDesk/algodesk/internal/store"
)

// RegulatoryZone is fixed regardless of system locale.
const RegulatoryZone = "Asia/Kolkata"

// Clock abstracts wall time so tests can drive the daemon virtually.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Emitter pushes events to the IPC surface.
type Emitter interface {
	Emit(event string, payload any)
}

// Revoker is the custodian slice the scheduler drives. Revoke reports
// the session that was live so the token can still be invalidated
// upstream after the local row is gone.
type Revoker interface {
	Revoke(ctx context.Context) (brokerID, authToken string, hadSession bool, err error)
}

// ConfigSource reads the current auto-logout configuration. Changes are
// observed on the next iteration.
type ConfigSource func(ctx context.Context) (store.AutoLogoutConfig, error)

// UpstreamLogout invalidates the token at the broker, best-effort.
type UpstreamLogout func(ctx context.Context, brokerID, authToken string) error

// WarningPayload is the auto_logout_warning event body.
type WarningPayload struct {
	MinutesRemaining int    `json:"minutes_remaining"`
	Message          string `json:"message"`
}

// LogoutPayload is the terminal auto_logout event body.
type LogoutPayload struct {
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}

// AutoLogout is the scheduler daemon.
type AutoLogout struct {
	clock      Clock
	zone       *time.Location
	config     ConfigSource
	emitter    Emitter
	custodian  Revoker
	upstream   UpstreamLogout
	revokeWait time.Duration

	reschedule chan struct{}
	lastFired  string // date in the regulatory zone, guards double fire
}

// New builds the daemon with the real clock.
func New(config ConfigSource, emitter Emitter, custodian Revoker, upstream UpstreamLogout, revokeWait time.Duration) (*AutoLogout, error) {
	return newWithClock(realClock{}, config, emitter, custodian, upstream, revokeWait)
}

// NewWithClock is the test constructor.
func NewWithClock(clock Clock, config ConfigSource, emitter Emitter, custodian Revoker, upstream UpstreamLogout, revokeWait time.Duration) (*AutoLogout, error) {
	return newWithClock(clock, config, emitter, custodian, upstream, revokeWait)
}

func newWithClock(clock Clock, config ConfigSource, emitter Emitter, custodian Revoker, upstream UpstreamLogout, revokeWait time.Duration) (*AutoLogout, error) {
	zone, err := time.LoadLocation(RegulatoryZone)
	if err != nil {
		return nil, fmt.Errorf("failed to load regulatory time zone: %w", err)
	}
	if revokeWait <= 0 {
		revokeWait = 5 * time.Second
	}
	return &AutoLogout{
		clock:      clock,
		zone:       zone,
		config:     config,
		emitter:    emitter,
		custodian:  custodian,
		upstream:   upstream,
		revokeWait: revokeWait,
		reschedule: make(chan struct{}, 1),
	}, nil
}

// Reschedule forces the daemon to recompute its next target now instead
// of at the next iteration.
func (a *AutoLogout) Reschedule() {
	select {
	case a.reschedule <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled. Cancellation is cooperative: the
// daemon only parks in selects.
func (a *AutoLogout) Run(ctx context.Context) {
	logger.Info("Auto-logout scheduler started", "zone", RegulatoryZone)
	for {
		if done := a.iterate(ctx); done {
			logger.Info("Auto-logout scheduler stopped")
			return
		}
	}
}

// iterate runs one schedule cycle. Returns true when ctx is done.
func (a *AutoLogout) iterate(ctx context.Context) bool {
	cfg, err := a.config(ctx)
	if err != nil {
		logger.Error("Failed to read auto-logout config", "error", err)
		cfg = store.AutoLogoutConfig{Enabled: false}
	}

	if !cfg.Enabled {
		// Parked; poll for re-enable, wake early on Reschedule.
		select {
		case <-ctx.Done():
			return true
		case <-a.reschedule:
			return false
		case <-a.clock.After(time.Minute):
			return false
		}
	}

	now := a.clock.Now().In(a.zone)
	target := time.Date(now.Year(), now.Month(), now.Day(), cfg.Hour, cfg.Minute, 0, 0, a.zone)
	if !target.After(now) {
		target = target.AddDate(0, 0, 1)
	}
	// Guard against a backwards clock jump re-offering a date that
	// already fired.
	if target.Format("2006-01-02") == a.lastFired {
		target = target.AddDate(0, 0, 1)
	}

	logger.Info("Next auto-logout scheduled", "target", target.Format(time.RFC3339))

	// Warning instants, earliest first.
	leads := append([]int(nil), cfg.Warnings...)
	sort.Sort(sort.Reverse(sort.IntSlice(leads)))
	type step struct {
		at      time.Time
		warning int // 0 means the terminal fire
	}
	var steps []step
	for _, lead := range leads {
		at := target.Add(-time.Duration(lead) * time.Minute)
		if at.After(now) {
			steps = append(steps, step{at: at, warning: lead})
		}
	}
	steps = append(steps, step{at: target})

	for _, st := range steps {
		delay := st.at.Sub(a.clock.Now())
		if delay < 0 {
			delay = 0
		}
		select {
		case <-ctx.Done():
			return true
		case <-a.reschedule:
			logger.Info("Auto-logout rescheduled")
			return false
		case <-a.clock.After(delay):
		}

		if st.warning > 0 {
			remaining := int(target.Sub(a.clock.Now()).Round(time.Minute) / time.Minute)
			if remaining < 1 {
				remaining = st.warning
			}
			a.emitter.Emit("auto_logout_warning", WarningPayload{
				MinutesRemaining: remaining,
				Message:          fmt.Sprintf("Auto-logout in %d minutes", remaining),
			})
		}
	}

	a.fire(ctx, target)
	return false
}

// fire emits the terminal event, revokes locally and asks the broker to
// invalidate the token upstream. Event emission precedes revocation:
// clients observing auto_logout may assume session commands now fail.
func (a *AutoLogout) fire(ctx context.Context, target time.Time) {
	logger.Info("Executing auto-logout", "at", target.Format(time.RFC3339))
	a.lastFired = target.Format("2006-01-02")

	a.emitter.Emit("auto_logout", LogoutPayload{
		Reason:    "scheduled",
		Timestamp: a.clock.Now().In(a.zone).Format(time.RFC3339),
	})

	brokerID, authToken, hadSession, err := a.custodian.Revoke(ctx)
	if err != nil {
		logger.Error("Auto-logout revoke failed", "error", err)
	}

	if hadSession && a.upstream != nil {
		// Bounded, no retry: a dead broker endpoint must not stall the
		// daemon past its window.
		upCtx, cancel := context.WithTimeout(ctx, a.revokeWait)
		if err := a.upstream(upCtx, brokerID, authToken); err != nil {
			logger.Warn("Upstream logout failed", "broker", brokerID, "error", err)
		}
		cancel()
	}

	metrics.AutoLogoutsTotal.Inc()
}
