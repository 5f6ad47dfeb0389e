// operation.go — the Operation Manager: a durable, event-driven tracker of
// long-running browser operations with milestone streaming, cancellation,
// timeout, and crash recovery. Persistence follows the teacher's
// state-directory and atomic-write conventions (internal/state); waiter
// timeouts are grounded on jellydator/ttlcache's per-item TTL/eviction
// idiom instead of a hand-rolled timer per subscriber.
package operation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/relaybridge/chatbridge-relay/internal/mcperr"
	"github.com/relaybridge/chatbridge-relay/internal/util"
)

// State is an Operation's lifecycle state.
type State string

const (
	StateRegistered       State = "registered"
	StateInFlight         State = "in-flight"
	StateAwaitingMilestone State = "awaiting-milestone"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
	StateCancelled        State = "cancelled"
	StateTimedOut         State = "timed-out"
)

// IsTerminal reports whether s is a sticky terminal state.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimedOut:
		return true
	default:
		return false
	}
}

// ConflictGroup controls mutual exclusion on a tab.
type ConflictGroup string

const (
	ConflictWrite    ConflictGroup = "write"
	ConflictReadonly ConflictGroup = "readonly"
)

// Well-known milestone names for send/response operations.
const (
	MilestoneMessageSent       = "message_sent"
	MilestoneResponseStarted   = "response_started"
	MilestoneResponseCompleted = "response_completed"
)

// Milestone is a named, time-ordered, append-only event recorded against
// an operation.
type Milestone struct {
	Name string          `json:"name"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Operation is a tracked, potentially long-running automation action.
type Operation struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	Params        json.RawMessage `json:"params,omitempty"`
	State         State           `json:"state"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	Deadline      time.Time       `json:"deadline"`
	Milestones    []Milestone     `json:"milestones"`
	Result        json.RawMessage `json:"result,omitempty"`
	Err           *mcperr.StructuredError `json:"error,omitempty"`
	OwningPeerID  string          `json:"owningPeerId"`
	TabID         string          `json:"tabId,omitempty"`
	ConflictGroup ConflictGroup   `json:"conflictGroup"`
}

func (o *Operation) clone() *Operation {
	c := *o
	c.Milestones = append([]Milestone(nil), o.Milestones...)
	return &c
}

// Update is delivered to progress subscribers on every state change.
type Update struct {
	Operation *Operation
	TimedOut  bool
}

// Store file content shape, matching spec.md §6: `{operations, savedAt}`.
type storeDocument struct {
	Operations map[string]*Operation `json:"operations"`
	SavedAt    time.Time             `json:"savedAt"`
}

// Manager is the process-wide singleton tracking all operations. Per
// spec.md §9, it is a singleton with explicit init/shutdown, not ambient
// global state.
type Manager struct {
	mu          sync.Mutex
	ops         map[string]*Operation
	subscribers map[string][]chan Update

	storePath      string
	defaultTimeout map[string]time.Duration

	waiters *ttlcache.Cache[string, chan Update]

	onProgress    func(*Operation)
	onCancelAsk   func(operationID, tabID string)
	terminalRing  []string
	terminalLimit int

	stopSweep chan struct{}
}

// Options configures a Manager.
type Options struct {
	StorePath      string
	DefaultTimeout map[string]time.Duration
	OnProgress     func(*Operation)
	OnCancelAsk    func(operationID, tabID string)
	TerminalRingSize int
}

// defaultOperationTimeout is used for any kind without an explicit entry
// in Options.DefaultTimeout.
const defaultOperationTimeout = 60 * time.Second

// New constructs a Manager. It does not load the store; call Load
// explicitly during startup so callers control rehydration timing.
func New(opts Options) *Manager {
	if opts.TerminalRingSize <= 0 {
		opts.TerminalRingSize = 200
	}

	waiters := ttlcache.New[string, chan Update]()

	m := &Manager{
		ops:            make(map[string]*Operation),
		subscribers:    make(map[string][]chan Update),
		storePath:      opts.StorePath,
		defaultTimeout: opts.DefaultTimeout,
		waiters:        waiters,
		onProgress:     opts.OnProgress,
		onCancelAsk:    opts.OnCancelAsk,
		terminalLimit:  opts.TerminalRingSize,
		stopSweep:      make(chan struct{}),
	}

	waiters.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, chan Update]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		select {
		case item.Value() <- Update{TimedOut: true}:
		default:
		}
	})
	util.SafeGo(waiters.Start)

	return m
}

// Shutdown stops the manager's background goroutines.
func (m *Manager) Shutdown() {
	m.waiters.Stop()
	close(m.stopSweep)
}

func (m *Manager) timeoutFor(kind string) time.Duration {
	if d, ok := m.defaultTimeout[kind]; ok {
		return d
	}
	return defaultOperationTimeout
}

// Begin allocates or accepts an operation id and registers a new
// operation. If requestedID is non-empty and already known, Begin is a
// no-op that returns the existing operation (idempotent registration,
// spec.md §8).
func (m *Manager) Begin(kind string, params json.RawMessage, owningPeerID, tabID string, conflictGroup ConflictGroup, requestedID string) *Operation {
	m.mu.Lock()
	defer m.mu.Unlock()

	if requestedID != "" {
		if existing, ok := m.ops[requestedID]; ok {
			return existing.clone()
		}
	}

	id := requestedID
	if id == "" {
		id = uuid.NewString()
	}
	if conflictGroup == "" {
		conflictGroup = ConflictWrite
	}

	now := time.Now()
	op := &Operation{
		ID:            id,
		Kind:          kind,
		Params:        params,
		State:         StateRegistered,
		CreatedAt:     now,
		UpdatedAt:     now,
		Deadline:      now.Add(m.timeoutFor(kind)),
		OwningPeerID:  owningPeerID,
		TabID:         tabID,
		ConflictGroup: conflictGroup,
	}
	m.ops[id] = op
	m.notifyLocked(op, false)
	m.persistLocked()
	return op.clone()
}

// Get returns a copy of the operation, or ok=false if unknown.
func (m *Manager) Get(operationID string) (*Operation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[operationID]
	if !ok {
		return nil, false
	}
	return op.clone(), true
}

// RecordMilestone appends a milestone if the operation is non-terminal.
// If the operation is terminal, the milestone is dropped with a warning
// return value (not an error: arrival of a late milestone is expected
// under network reordering, per spec.md §4.4).
func (m *Manager) RecordMilestone(operationID, name string, data json.RawMessage) (warning string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[operationID]
	if !ok {
		return "", fmt.Errorf("%s", mcperr.ErrOperationNotFound)
	}
	if op.State.IsTerminal() {
		return fmt.Sprintf("milestone %q dropped: operation %s is already terminal", name, operationID), nil
	}

	op.Milestones = append(op.Milestones, Milestone{Name: name, At: time.Now(), Data: data})
	op.UpdatedAt = time.Now()

	switch name {
	case MilestoneMessageSent:
		if op.State == StateRegistered {
			op.State = StateInFlight
		}
	case MilestoneResponseStarted:
		op.State = StateAwaitingMilestone
	case MilestoneResponseCompleted:
		op.State = StateCompleted
		op.Result = data
	}

	m.notifyLocked(op, false)
	m.persistLocked()
	return "", nil
}

// Complete marks an operation completed with the given result. Idempotent
// once terminal.
func (m *Manager) Complete(operationID string, result json.RawMessage) error {
	return m.terminate(operationID, StateCompleted, func(op *Operation) { op.Result = result })
}

// Fail marks an operation failed with the given structured error.
// Idempotent once terminal.
func (m *Manager) Fail(operationID string, opErr *mcperr.StructuredError) error {
	return m.terminate(operationID, StateFailed, func(op *Operation) { op.Err = opErr })
}

// Cancel marks an operation cancelled and, best-effort, asks the owning
// extension peer's tab to abort the underlying browser action. No
// guarantee that side effects are undone (spec.md §4.4).
func (m *Manager) Cancel(operationID string) error {
	return m.terminate(operationID, StateCancelled, func(op *Operation) {
		if m.onCancelAsk != nil {
			m.onCancelAsk(op.ID, op.TabID)
		}
	})
}

// TimeoutOp marks an operation timed-out. Used by the background sweeper.
func (m *Manager) TimeoutOp(operationID string) error {
	return m.terminate(operationID, StateTimedOut, func(op *Operation) {
		op.Err = mcperr.New(mcperr.ErrTimeout, "operation deadline reached", "check operation state before retrying")
	})
}

func (m *Manager) terminate(operationID string, state State, apply func(*Operation)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[operationID]
	if !ok {
		return fmt.Errorf("%s", mcperr.ErrOperationNotFound)
	}
	if op.State.IsTerminal() {
		return nil // idempotent no-op
	}

	apply(op)
	op.State = state
	op.UpdatedAt = time.Now()

	m.notifyLocked(op, false)
	m.recordTerminalLocked(op.ID)
	m.persistLocked()
	return nil
}

func (m *Manager) recordTerminalLocked(id string) {
	m.terminalRing = append(m.terminalRing, id)
	if len(m.terminalRing) > m.terminalLimit {
		overflow := len(m.terminalRing) - m.terminalLimit
		for _, evictID := range m.terminalRing[:overflow] {
			delete(m.ops, evictID)
		}
		m.terminalRing = m.terminalRing[overflow:]
	}
}

// Wait blocks until the operation reaches a terminal state or the given
// timeout elapses, whichever comes first. If the operation is already
// terminal, Wait returns immediately.
func (m *Manager) Wait(operationID string, timeout time.Duration) (*Operation, bool, error) {
	m.mu.Lock()
	op, ok := m.ops[operationID]
	if !ok {
		m.mu.Unlock()
		return nil, false, fmt.Errorf("%s", mcperr.ErrOperationNotFound)
	}
	if op.State.IsTerminal() {
		result := op.clone()
		m.mu.Unlock()
		return result, false, nil
	}

	ch := make(chan Update, 1)
	subID := uuid.NewString()
	m.subscribers[operationID] = append(m.subscribers[operationID], ch)
	m.mu.Unlock()

	m.waiters.Set(subID, ch, timeout)
	defer m.waiters.Delete(subID)
	defer m.removeSubscriber(operationID, ch)

	update := <-ch
	if update.TimedOut {
		return nil, true, nil
	}
	return update.Operation, false, nil
}

func (m *Manager) removeSubscriber(operationID string, ch chan Update) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[operationID]
	for i, s := range subs {
		if s == ch {
			m.subscribers[operationID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

func (m *Manager) notifyLocked(op *Operation, timedOut bool) {
	snapshot := op.clone()
	if m.onProgress != nil {
		m.onProgress(snapshot)
	}
	if !op.State.IsTerminal() {
		return
	}
	for _, ch := range m.subscribers[op.ID] {
		select {
		case ch <- Update{Operation: snapshot}:
		default:
		}
	}
}

// ============================================
// Persistence
// ============================================

// persistLocked snapshots the non-terminal set plus the bounded terminal
// ring to disk. Writes are atomic: write-tmp-then-rename.
func (m *Manager) persistLocked() {
	if m.storePath == "" {
		return
	}
	doc := storeDocument{Operations: make(map[string]*Operation, len(m.ops)), SavedAt: time.Now()}
	for id, op := range m.ops {
		doc.Operations[id] = op
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return
	}

	dir := filepath.Dir(m.storePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	tmp := m.storePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return
	}
	_ = os.Rename(tmp, m.storePath)
}

// Load reads the operation store from disk. A missing file is not an
// error (empty store). A malformed file is renamed aside and replaced
// with an empty store; the caller should log the returned warning.
//
// Per spec.md §4.4, every operation that was non-terminal before the
// restart is transitioned to failed(ProcessRestarted) unless rehydrate is
// true, in which case the raw recovered state is kept as-is for the
// caller (e.g. Reconnection/Recovery) to reconcile against a
// re-registering extension within its grace window.
func (m *Manager) Load(rehydrate bool) (warning string, err error) {
	if m.storePath == "" {
		return "", nil
	}

	data, readErr := os.ReadFile(m.storePath)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return "", nil
		}
		return "", readErr
	}

	var doc storeDocument
	if unmarshalErr := json.Unmarshal(data, &doc); unmarshalErr != nil {
		corrupt := m.storePath + ".corrupt-" + time.Now().UTC().Format("20060102T150405Z")
		_ = os.Rename(m.storePath, corrupt)
		return fmt.Sprintf("operation store was malformed, renamed aside to %s", corrupt), nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, op := range doc.Operations {
		if !rehydrate && !op.State.IsTerminal() {
			op.State = StateFailed
			op.Err = mcperr.New(mcperr.ErrProcessRestarted, "relay process restarted mid-operation", "begin a new operation")
			op.UpdatedAt = time.Now()
		}
		m.ops[id] = op
	}
	return "", nil
}

// SweepTimeouts fails every non-terminal operation whose deadline has
// passed. Intended to be run periodically by a background goroutine
// (cmd/relayd wires this with util.SafeGo).
func (m *Manager) SweepTimeouts(now time.Time) []string {
	m.mu.Lock()
	var overdue []string
	for id, op := range m.ops {
		if !op.State.IsTerminal() && now.After(op.Deadline) {
			overdue = append(overdue, id)
		}
	}
	m.mu.Unlock()

	for _, id := range overdue {
		_ = m.TimeoutOp(id)
	}
	return overdue
}

// CountByState tallies current operations by lifecycle state, for the
// health snapshot (spec.md §4.8).
func (m *Manager) CountByState() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int)
	for _, op := range m.ops {
		counts[string(op.State)]++
	}
	return counts
}

// FailAllForPeer marks every non-terminal operation owned by peerID as
// failed(PeerDisconnected). Used by Reconnection/Recovery after the grace
// window for a disconnected extension peer elapses without a rebind.
func (m *Manager) FailAllForPeer(peerID string) []string {
	m.mu.Lock()
	var affected []string
	for id, op := range m.ops {
		if op.OwningPeerID == peerID && !op.State.IsTerminal() {
			affected = append(affected, id)
		}
	}
	m.mu.Unlock()

	for _, id := range affected {
		_ = m.Fail(id, mcperr.New(mcperr.ErrPeerDisconnected, "owning peer disconnected", "reissue the request once the peer reconnects"))
	}
	return affected
}
