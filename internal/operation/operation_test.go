package operation

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestManager(t *testing.T, storePath string) *Manager {
	t.Helper()
	m := New(Options{StorePath: storePath})
	t.Cleanup(m.Shutdown)
	return m
}

func TestBeginRegistersOperation(t *testing.T) {
	m := newTestManager(t, "")

	op := m.Begin("send_message", nil, "peer-1", "tab-1", ConflictWrite, "")

	if op.ID == "" {
		t.Fatal("Begin() returned empty operation id")
	}
	if op.State != StateRegistered {
		t.Fatalf("State = %q, want registered", op.State)
	}
}

func TestBeginWithRequestedIDIsIdempotent(t *testing.T) {
	m := newTestManager(t, "")

	first := m.Begin("send_message", nil, "peer-1", "tab-1", ConflictWrite, "client-op-1")
	second := m.Begin("send_message", nil, "peer-1", "tab-1", ConflictWrite, "client-op-1")

	if first.ID != second.ID {
		t.Fatalf("Begin() with same requestedID returned different ids: %q vs %q", first.ID, second.ID)
	}
	if second.ID != "client-op-1" {
		t.Fatalf("ID = %q, want client-op-1", second.ID)
	}
}

func TestRecordMilestoneDrivesStateMachine(t *testing.T) {
	m := newTestManager(t, "")
	op := m.Begin("send_message", nil, "peer-1", "tab-1", ConflictWrite, "")

	if _, err := m.RecordMilestone(op.ID, MilestoneMessageSent, nil); err != nil {
		t.Fatalf("RecordMilestone(message_sent): %v", err)
	}
	mid, _ := m.Get(op.ID)
	if mid.State != StateInFlight {
		t.Fatalf("State after message_sent = %q, want in-flight", mid.State)
	}

	if _, err := m.RecordMilestone(op.ID, MilestoneResponseStarted, nil); err != nil {
		t.Fatalf("RecordMilestone(response_started): %v", err)
	}
	awaiting, _ := m.Get(op.ID)
	if awaiting.State != StateAwaitingMilestone {
		t.Fatalf("State after response_started = %q, want awaiting-milestone", awaiting.State)
	}

	result := json.RawMessage(`{"text":"hi"}`)
	if _, err := m.RecordMilestone(op.ID, MilestoneResponseCompleted, result); err != nil {
		t.Fatalf("RecordMilestone(response_completed): %v", err)
	}
	final, _ := m.Get(op.ID)
	if final.State != StateCompleted {
		t.Fatalf("State after response_completed = %q, want completed", final.State)
	}
	if string(final.Result) != string(result) {
		t.Fatalf("Result = %s, want %s", final.Result, result)
	}
	if len(final.Milestones) != 3 {
		t.Fatalf("len(Milestones) = %d, want 3", len(final.Milestones))
	}
}

func TestRecordMilestoneOnTerminalOperationIsDroppedNotErrored(t *testing.T) {
	m := newTestManager(t, "")
	op := m.Begin("send_message", nil, "peer-1", "tab-1", ConflictWrite, "")
	if err := m.Complete(op.ID, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	warning, err := m.RecordMilestone(op.ID, MilestoneMessageSent, nil)
	if err != nil {
		t.Fatalf("RecordMilestone on terminal op returned error: %v", err)
	}
	if warning == "" {
		t.Fatal("RecordMilestone on terminal op should return a warning")
	}
}

func TestRecordMilestoneSameNameTwiceIsIdempotentInEffect(t *testing.T) {
	m := newTestManager(t, "")
	op := m.Begin("send_message", nil, "peer-1", "tab-1", ConflictWrite, "")

	m.RecordMilestone(op.ID, MilestoneResponseCompleted, json.RawMessage(`{"a":1}`))
	m.RecordMilestone(op.ID, MilestoneResponseCompleted, json.RawMessage(`{"a":2}`))

	final, _ := m.Get(op.ID)
	if final.State != StateCompleted {
		t.Fatalf("State = %q, want completed", final.State)
	}
	// Transition to terminal only happens once logically: the second call
	// is a no-op against state (already terminal) even though the
	// milestone warning path records it as dropped.
}

func TestCompleteIsIdempotentOnceTerminal(t *testing.T) {
	m := newTestManager(t, "")
	op := m.Begin("send_message", nil, "peer-1", "tab-1", ConflictWrite, "")

	if err := m.Complete(op.ID, json.RawMessage(`{"a":1}`)); err != nil {
		t.Fatalf("first Complete: %v", err)
	}
	if err := m.Complete(op.ID, json.RawMessage(`{"a":2}`)); err != nil {
		t.Fatalf("second Complete: %v", err)
	}

	final, _ := m.Get(op.ID)
	if string(final.Result) != `{"a":1}` {
		t.Fatalf("Result = %s, want first completion's result preserved", final.Result)
	}
}

func TestCancelTerminalOperationIsNoop(t *testing.T) {
	m := newTestManager(t, "")
	op := m.Begin("send_message", nil, "peer-1", "tab-1", ConflictWrite, "")
	m.Complete(op.ID, json.RawMessage(`{}`))

	if err := m.Cancel(op.ID); err != nil {
		t.Fatalf("Cancel on terminal op: %v", err)
	}
	final, _ := m.Get(op.ID)
	if final.State != StateCompleted {
		t.Fatalf("State = %q, want completed (cancel on terminal is a no-op)", final.State)
	}
}

func TestWaitReturnsImmediatelyForTerminalOperation(t *testing.T) {
	m := newTestManager(t, "")
	op := m.Begin("send_message", nil, "peer-1", "tab-1", ConflictWrite, "")
	m.Complete(op.ID, json.RawMessage(`{"ok":true}`))

	result, timedOut, err := m.Wait(op.ID, time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if timedOut {
		t.Fatal("Wait should not time out for an already-terminal operation")
	}
	if result.State != StateCompleted {
		t.Fatalf("State = %q, want completed", result.State)
	}
}

func TestWaitUnblocksOnCompletion(t *testing.T) {
	m := newTestManager(t, "")
	op := m.Begin("send_message", nil, "peer-1", "tab-1", ConflictWrite, "")

	done := make(chan struct{})
	var gotState State
	go func() {
		result, timedOut, err := m.Wait(op.ID, 2*time.Second)
		if err == nil && !timedOut {
			gotState = result.State
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	m.Complete(op.ID, json.RawMessage(`{}`))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not unblock after Complete")
	}
	if gotState != StateCompleted {
		t.Fatalf("gotState = %q, want completed", gotState)
	}
}

func TestWaitTimesOut(t *testing.T) {
	m := newTestManager(t, "")
	op := m.Begin("send_message", nil, "peer-1", "tab-1", ConflictWrite, "")

	_, timedOut, err := m.Wait(op.ID, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !timedOut {
		t.Fatal("Wait should report timedOut = true")
	}
}

func TestSweepTimeoutsFailsOverdueOperations(t *testing.T) {
	m := newTestManager(t, "")
	op := m.Begin("send_message", nil, "peer-1", "tab-1", ConflictWrite, "")

	overdue := m.SweepTimeouts(time.Now().Add(24 * time.Hour))
	if len(overdue) != 1 || overdue[0] != op.ID {
		t.Fatalf("SweepTimeouts() = %v, want [%s]", overdue, op.ID)
	}

	final, _ := m.Get(op.ID)
	if final.State != StateTimedOut {
		t.Fatalf("State = %q, want timed-out", final.State)
	}
}

func TestFailAllForPeerOnlyAffectsNonTerminal(t *testing.T) {
	m := newTestManager(t, "")
	op1 := m.Begin("send_message", nil, "peer-1", "tab-1", ConflictWrite, "")
	op2 := m.Begin("send_message", nil, "peer-1", "tab-2", ConflictWrite, "")
	m.Complete(op2.ID, json.RawMessage(`{}`))

	affected := m.FailAllForPeer("peer-1")
	if len(affected) != 1 || affected[0] != op1.ID {
		t.Fatalf("FailAllForPeer() = %v, want [%s]", affected, op1.ID)
	}
}

func TestCountByStateTalliesCurrentOperations(t *testing.T) {
	m := newTestManager(t, "")
	m.Begin("send_message", nil, "peer-1", "tab-1", ConflictWrite, "")
	op2 := m.Begin("send_message", nil, "peer-1", "tab-2", ConflictWrite, "")
	m.Begin("send_message", nil, "peer-1", "tab-3", ConflictWrite, "")
	m.Complete(op2.ID, json.RawMessage(`{}`))

	counts := m.CountByState()
	if counts[string(StateRegistered)] != 2 {
		t.Fatalf("CountByState()[registered] = %d, want 2", counts[string(StateRegistered)])
	}
	if counts[string(StateCompleted)] != 1 {
		t.Fatalf("CountByState()[completed] = %d, want 1", counts[string(StateCompleted)])
	}
}

func TestPersistAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "operations.json")

	m1 := newTestManager(t, storePath)
	op := m1.Begin("send_message", nil, "peer-1", "tab-1", ConflictWrite, "")

	m2 := newTestManager(t, storePath)
	if _, err := m2.Load(false); err != nil {
		t.Fatalf("Load: %v", err)
	}

	restored, ok := m2.Get(op.ID)
	if !ok {
		t.Fatal("Load() did not recover the persisted operation")
	}
	if restored.State != StateFailed {
		t.Fatalf("State after restart = %q, want failed (ProcessRestarted)", restored.State)
	}
}

func TestLoadMissingStoreIsEmptyNotError(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, filepath.Join(dir, "missing.json"))

	if _, err := m.Load(false); err != nil {
		t.Fatalf("Load() on missing file returned error: %v", err)
	}
}

func TestLoadMalformedStoreIsRenamedAside(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "operations.json")
	if err := os.WriteFile(storePath, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write malformed store: %v", err)
	}

	m := newTestManager(t, storePath)
	warning, err := m.Load(false)
	if err != nil {
		t.Fatalf("Load() on malformed store returned error: %v", err)
	}
	if warning == "" {
		t.Fatal("Load() on malformed store should return a warning")
	}
}
