// tabcoord.go — the Tab Coordinator: per-tab FIFO serialization, conflict
// locks, debugger-session tracking, and ordered resource cleanup.
// Writer-preferred admission is a small explicit waiting-writers gate
// (grounded on spec.md §4.6's explicit writer-preferred requirement)
// layered over golang.org/x/sync/semaphore.Weighted for the underlying
// shared-slot accounting among concurrent readonly operations.
package tabcoord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/relaybridge/chatbridge-relay/internal/mcperr"
)

// ConflictGroup mirrors operation.ConflictGroup without importing the
// operation package, keeping the Tab Coordinator a leaf dependency.
type ConflictGroup string

const (
	ConflictWrite    ConflictGroup = "write"
	ConflictReadonly ConflictGroup = "readonly"
)

// DebuggerOwner records who owns a tab's attached debugger session.
type DebuggerOwner string

const (
	DebuggerOwnerNone     DebuggerOwner = "none"
	DebuggerOwnerSelf     DebuggerOwner = "self"
	DebuggerOwnerExternal DebuggerOwner = "external"
)

// maxReaders bounds how many concurrent readonly operations a single tab
// admits. Large enough that it never itself becomes the bottleneck; the
// FIFO/writer-preferred discipline is what matters, not the count.
const maxReaders = 1 << 16

// navigationGraceWindow is how long after observer injection a navigation
// event is treated as non-clearing (spec.md §9).
const navigationGraceWindow = 5 * time.Second

// tabGate implements writer-preferred reader/writer admission for one tab.
type tabGate struct {
	mu             sync.Mutex
	waitingWriters int
	sem            *semaphore.Weighted
}

func newTabGate() *tabGate {
	return &tabGate{sem: semaphore.NewWeighted(maxReaders)}
}

func (g *tabGate) acquire(ctx context.Context, group ConflictGroup) error {
	if group == ConflictWrite {
		g.mu.Lock()
		g.waitingWriters++
		g.mu.Unlock()
		defer func() {
			g.mu.Lock()
			g.waitingWriters--
			g.mu.Unlock()
		}()
		return g.sem.Acquire(ctx, maxReaders)
	}

	// Readonly: writer-preferred means a new reader must not jump ahead
	// of a writer that is already waiting for the tab.
	for {
		g.mu.Lock()
		blocked := g.waitingWriters > 0
		g.mu.Unlock()
		if !blocked {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return g.sem.Acquire(ctx, 1)
}

func (g *tabGate) release(group ConflictGroup) {
	if group == ConflictWrite {
		g.sem.Release(maxReaders)
		return
	}
	g.sem.Release(1)
}

// State is the per-tab coordination record (spec.md §3, Tab Coordination State).
type State struct {
	TabID            string
	DebuggerAttached bool
	DebuggerOwner    DebuggerOwner
	InjectedObserver bool
	InjectedAt       time.Time
	NetworkMonitored bool
	ActiveGroup      ConflictGroup
	QueueDepth       int
}

type tabRecord struct {
	gate             *tabGate
	debuggerAttached bool
	debuggerOwner    DebuggerOwner
	injectedObserver bool
	injectedAt       time.Time
	networkMonitored bool
	activeCount      int
	queueDepth       int
}

// Coordinator is the process-wide singleton owning all per-tab state.
type Coordinator struct {
	mu   sync.Mutex
	tabs map[string]*tabRecord

	onLog func(step string, tabID string, err error)
}

// New constructs an empty Coordinator. onLog, if non-nil, is called for
// every cleanup step so callers can surface step-level outcomes.
func New(onLog func(step, tabID string, err error)) *Coordinator {
	return &Coordinator{tabs: make(map[string]*tabRecord), onLog: onLog}
}

func (c *Coordinator) record(tabID string) *tabRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.tabs[tabID]
	if !ok {
		r = &tabRecord{gate: newTabGate(), debuggerOwner: DebuggerOwnerNone}
		c.tabs[tabID] = r
	}
	return r
}

// Release is returned by Acquire; the caller must call it exactly once
// when the operation releases the tab.
type Release func()

// Acquire blocks until the tab is free for the given conflict group or
// timeoutMs elapses. On timeout, the submission fails with LockTimeout
// and the tab's active state is unchanged.
func (c *Coordinator) Acquire(tabID string, group ConflictGroup, timeout time.Duration) (Release, error) {
	r := c.record(tabID)

	c.mu.Lock()
	r.queueDepth++
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := r.gate.acquire(ctx, group)

	c.mu.Lock()
	r.queueDepth--
	c.mu.Unlock()

	if err != nil {
		return nil, mcperr.New(mcperr.ErrLockTimeout, fmt.Sprintf("tab %s busy", tabID), "retry shortly")
	}

	c.mu.Lock()
	r.activeCount++
	c.mu.Unlock()

	released := false
	return func() {
		if released {
			return
		}
		released = true
		c.mu.Lock()
		r.activeCount--
		c.mu.Unlock()
		r.gate.release(group)
	}, nil
}

// ============================================
// Debugger-session discipline
// ============================================

// AttachDebugger is idempotent: if a debugger is already attached (self or
// adopted external), it returns alreadyAttached=true without error. probe,
// if non-nil, is consulted when this coordinator has no attachment record
// to discover and adopt an externally-attached session rather than
// failing outright.
func (c *Coordinator) AttachDebugger(tabID string, probe func() (bool, error)) (alreadyAttached bool, owner DebuggerOwner, err error) {
	r := c.record(tabID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if r.debuggerAttached {
		return true, r.debuggerOwner, nil
	}

	if probe != nil {
		attached, probeErr := probe()
		if probeErr != nil {
			return false, DebuggerOwnerNone, probeErr
		}
		if attached {
			r.debuggerAttached = true
			r.debuggerOwner = DebuggerOwnerExternal
			return true, DebuggerOwnerExternal, nil
		}
	}

	r.debuggerAttached = true
	r.debuggerOwner = DebuggerOwnerSelf
	return false, DebuggerOwnerSelf, nil
}

// DetachDebugger detaches only a self-owned session; detaching an
// external or absent session is a no-op.
func (c *Coordinator) DetachDebugger(tabID string) (detached bool) {
	r := c.record(tabID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !r.debuggerAttached || r.debuggerOwner != DebuggerOwnerSelf {
		return false
	}
	r.debuggerAttached = false
	r.debuggerOwner = DebuggerOwnerNone
	return true
}

// ============================================
// Observer injection
// ============================================

// MarkObserverInjected records that the in-page observer was injected now.
func (c *Coordinator) MarkObserverInjected(tabID string) {
	r := c.record(tabID)
	c.mu.Lock()
	defer c.mu.Unlock()
	r.injectedObserver = true
	r.injectedAt = time.Now()
}

// ShouldSuppressReinjection reports whether a navigation event observed
// now falls within the grace window after injection, in which case the
// caller should treat the existing observer as still valid rather than
// re-injecting (spec.md §9).
func (c *Coordinator) ShouldSuppressReinjection(tabID string, navigatedAt time.Time) bool {
	r := c.record(tabID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !r.injectedObserver {
		return false
	}
	return navigatedAt.Sub(r.injectedAt) < navigationGraceWindow
}

// SetNetworkMonitoring toggles network-event capture tracking for a tab.
func (c *Coordinator) SetNetworkMonitoring(tabID string, enabled bool) {
	r := c.record(tabID)
	c.mu.Lock()
	defer c.mu.Unlock()
	r.networkMonitored = enabled
}

// Snapshot returns the coordination state for a tab.
func (c *Coordinator) Snapshot(tabID string) State {
	r := c.record(tabID)
	c.mu.Lock()
	defer c.mu.Unlock()

	group := ConflictGroup("")
	if r.activeCount > 0 {
		group = ConflictWrite // best-effort hint; readers and writers both bump activeCount
	}

	return State{
		TabID:            tabID,
		DebuggerAttached: r.debuggerAttached,
		DebuggerOwner:    r.debuggerOwner,
		InjectedObserver: r.injectedObserver,
		InjectedAt:       r.injectedAt,
		NetworkMonitored: r.networkMonitored,
		ActiveGroup:      group,
		QueueDepth:       r.queueDepth,
	}
}

// InjectedObserverTabs, DebuggerSessionTabs, and NetworkMonitoredTabs list
// tab ids currently in each state, for the health snapshot (spec.md §4.8).
func (c *Coordinator) InjectedObserverTabs() []string {
	return c.tabIDsWhere(func(r *tabRecord) bool { return r.injectedObserver })
}

func (c *Coordinator) DebuggerSessionTabs() []string {
	return c.tabIDsWhere(func(r *tabRecord) bool { return r.debuggerAttached })
}

// DebuggerOwners returns the debugger-session ownership (spec.md §4.8:
// "debugger sessions with ownership") for every tab with an attached
// debugger, keyed by tab id.
func (c *Coordinator) DebuggerOwners() map[string]DebuggerOwner {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]DebuggerOwner)
	for tabID, r := range c.tabs {
		if r.debuggerAttached {
			out[tabID] = r.debuggerOwner
		}
	}
	return out
}

func (c *Coordinator) NetworkMonitoredTabs() []string {
	return c.tabIDsWhere(func(r *tabRecord) bool { return r.networkMonitored })
}

func (c *Coordinator) tabIDsWhere(match func(*tabRecord) bool) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for tabID, r := range c.tabs {
		if match(r) {
			out = append(out, tabID)
		}
	}
	return out
}

// ============================================
// Ordered resource cleanup
// ============================================

// CleanupHooks are the externally-supplied side effects for each cleanup
// step. A nil hook is treated as already-satisfied (no-op, no error).
type CleanupHooks struct {
	StopNetworkMonitoring func(tabID string) error
	DrainActiveOperations func(tabID string, timeout time.Duration) error
	CloseTab              func(tabID string) error
}

// Cleanup runs the spec.md §4.6 six-step teardown for a tab: (1) stop
// network monitoring, (2) drain or timeout active operations, (3) detach
// self-owned debugger, (4) release locks, (5) remove injected-observer
// tracking, (6) close tab if requested. Each step's outcome is logged;
// step failures are non-fatal to subsequent steps.
func (c *Coordinator) Cleanup(tabID string, closeTab bool, hooks CleanupHooks) {
	c.step("stop_network_monitoring", tabID, func() error {
		c.SetNetworkMonitoring(tabID, false)
		if hooks.StopNetworkMonitoring != nil {
			return hooks.StopNetworkMonitoring(tabID)
		}
		return nil
	})

	c.step("drain_active_operations", tabID, func() error {
		if hooks.DrainActiveOperations != nil {
			return hooks.DrainActiveOperations(tabID, 5*time.Second)
		}
		return nil
	})

	c.step("detach_debugger", tabID, func() error {
		c.DetachDebugger(tabID)
		return nil
	})

	c.step("release_locks", tabID, func() error {
		// The per-tab gate has no persistent "held" state to force-clear:
		// outstanding Acquire holders release themselves. This step exists
		// to make the ordering explicit and to clear queue-depth bookkeeping.
		r := c.record(tabID)
		c.mu.Lock()
		r.queueDepth = 0
		c.mu.Unlock()
		return nil
	})

	c.step("remove_observer_tracking", tabID, func() error {
		r := c.record(tabID)
		c.mu.Lock()
		r.injectedObserver = false
		c.mu.Unlock()
		return nil
	})

	if closeTab {
		c.step("close_tab", tabID, func() error {
			if hooks.CloseTab != nil {
				return hooks.CloseTab(tabID)
			}
			return nil
		})
	}
}

func (c *Coordinator) step(name, tabID string, fn func() error) {
	err := fn()
	if c.onLog != nil {
		c.onLog(name, tabID, err)
	}
}
