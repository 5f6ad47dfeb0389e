// scheduler.go — the Adaptive Scheduler: advisory polling cadences for
// the pull-transport fallback (spec.md §4.9). Cadence growth pattern
// grounded on malbeclabs-doublezero's EventQueue backoff-on-idle style
// scheduling (controlplane/monitor/internal/worker), generalized from a
// fixed backoff table to linear growth between configured bounds.
package scheduler

import (
	"sync"
	"time"
)

// Options configures the cadence bounds and growth behavior.
type Options struct {
	CommandInterval    time.Duration
	HealthInterval     time.Duration
	HeartbeatInterval  time.Duration
	MaxCommandInterval time.Duration
	IdleThreshold      time.Duration
	GrowthStep         time.Duration
}

func (o Options) withDefaults() Options {
	if o.CommandInterval <= 0 {
		o.CommandInterval = time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 10 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.MaxCommandInterval <= 0 {
		o.MaxCommandInterval = 60 * time.Second
	}
	if o.IdleThreshold <= 0 {
		o.IdleThreshold = 30 * time.Second
	}
	if o.GrowthStep <= 0 {
		o.GrowthStep = time.Second
	}
	return o
}

// Scheduler computes advisory polling intervals for a pull-transport
// peer. It holds no goroutines of its own: callers read CommandInterval
// before each poll and call NoteActivity whenever a command or milestone
// arrives. Nothing here is authoritative — the relay behaves correctly
// regardless of which interval a peer actually observes.
type Scheduler struct {
	mu             sync.Mutex
	opts           Options
	baseInterval   time.Duration
	lastActivity   time.Time
	currentBackoff time.Duration
}

// New constructs a Scheduler with the given options.
func New(opts Options) *Scheduler {
	opts = opts.withDefaults()
	return &Scheduler{
		opts:         opts,
		baseInterval: opts.CommandInterval,
		lastActivity: time.Now(),
	}
}

// NoteActivity resets the cadence to its base command interval. Call
// this whenever the peer submits a command or reports a milestone.
func (s *Scheduler) NoteActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	s.currentBackoff = 0
}

// CommandInterval returns the current advisory interval for polling
// commands, growing linearly from the base interval once idle for
// longer than IdleThreshold, capped at MaxCommandInterval.
func (s *Scheduler) CommandInterval(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	idleFor := now.Sub(s.lastActivity)
	if idleFor < s.opts.IdleThreshold {
		return s.baseInterval
	}

	overIdle := idleFor - s.opts.IdleThreshold
	steps := int64(overIdle / s.opts.IdleThreshold)
	if steps < 1 {
		steps = 1
	}
	grown := s.baseInterval + time.Duration(steps)*s.opts.GrowthStep
	if grown > s.opts.MaxCommandInterval {
		grown = s.opts.MaxCommandInterval
	}
	s.currentBackoff = grown - s.baseInterval
	return grown
}

// HealthInterval returns the fixed (non-adaptive) health-poll cadence.
func (s *Scheduler) HealthInterval() time.Duration {
	return s.opts.HealthInterval
}

// HeartbeatInterval returns the fixed heartbeat cadence.
func (s *Scheduler) HeartbeatInterval() time.Duration {
	return s.opts.HeartbeatInterval
}
