package transport

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/relaybridge/chatbridge-relay/internal/frame"
)

func TestPollCommandsDrainsQueuedFrames(t *testing.T) {
	s := NewPullServer(PullCallbacks{}, 0)
	pp := s.RegisterPeer("peer-1")
	if err := pp.Send("greet", map[string]string{"hi": "there"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/poll-commands?peerId=peer-1", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Commands []json.RawMessage `json:"commands"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(body.Commands) != 1 {
		t.Fatalf("commands = %d, want 1", len(body.Commands))
	}

	// A second poll with nothing queued should come back empty, not error.
	req2 := httptest.NewRequest(http.MethodGet, "/poll-commands?peerId=peer-1", nil)
	w2 := httptest.NewRecorder()
	s.Router().ServeHTTP(w2, req2)
	var body2 struct {
		Commands []json.RawMessage `json:"commands"`
	}
	_ = json.Unmarshal(w2.Body.Bytes(), &body2)
	if len(body2.Commands) != 0 {
		t.Fatalf("second poll commands = %d, want 0", len(body2.Commands))
	}
}

func TestPollCommandsMissingPeerIDIsBadRequest(t *testing.T) {
	s := NewPullServer(PullCallbacks{}, 0)

	req := httptest.NewRequest(http.MethodGet, "/poll-commands", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestPollCommandsTriggersOnActivityEvenWithNoCommands(t *testing.T) {
	var notified string
	s := NewPullServer(PullCallbacks{
		OnActivity: func(peerID string) { notified = peerID },
	}, 0)

	req := httptest.NewRequest(http.MethodGet, "/poll-commands?peerId=new-peer", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if notified != "new-peer" {
		t.Fatalf("OnActivity peerID = %q, want %q (must fire even on an empty poll so a never-seen peer can register)", notified, "new-peer")
	}
}

func TestPollCommandsSurfacesNextPollMsFromInterval(t *testing.T) {
	s := NewPullServer(PullCallbacks{
		Interval: func() time.Duration { return 750 * time.Millisecond },
	}, 0)

	req := httptest.NewRequest(http.MethodGet, "/poll-commands?peerId=peer-1", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var body struct {
		NextPollMs int64 `json:"nextPollMs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if body.NextPollMs != 750 {
		t.Fatalf("nextPollMs = %d, want 750", body.NextPollMs)
	}
}

func TestHeartbeatAndCommandResponseTriggerCallbacks(t *testing.T) {
	var activityPeer string
	var gotMessage frame.Frame
	s := NewPullServer(PullCallbacks{
		OnActivity: func(peerID string) { activityPeer = peerID },
		OnMessage:  func(peerID string, f frame.Frame) { gotMessage = f },
	}, 0)

	hbBody, _ := json.Marshal(map[string]string{"peerId": "peer-1"})
	req := httptest.NewRequest(http.MethodPost, "/heartbeat", bytes.NewReader(hbBody))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("heartbeat status = %d, want 200", w.Code)
	}
	if activityPeer != "peer-1" {
		t.Fatalf("heartbeat OnActivity peerID = %q, want peer-1", activityPeer)
	}

	crBody, _ := json.Marshal(map[string]any{
		"peerId": "peer-1",
		"frame":  frame.Frame{Type: "tool_result", ID: "op-1"},
	})
	req2 := httptest.NewRequest(http.MethodPost, "/command-response", bytes.NewReader(crBody))
	w2 := httptest.NewRecorder()
	s.Router().ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("command-response status = %d, want 200", w2.Code)
	}
	if gotMessage.Type != "tool_result" {
		t.Fatalf("OnMessage frame type = %q, want tool_result", gotMessage.Type)
	}
}

func TestEvictStaleRemovesOldPeersOnly(t *testing.T) {
	s := NewPullServer(PullCallbacks{}, 0)
	stale := s.RegisterPeer("stale-peer")
	stale.lastPolledAt = time.Now().Add(-time.Hour)
	s.RegisterPeer("fresh-peer")

	evicted := s.EvictStale(time.Minute)

	if len(evicted) != 1 || evicted[0] != "stale-peer" {
		t.Fatalf("EvictStale() = %v, want [stale-peer]", evicted)
	}
	s.mu.Lock()
	_, stillThere := s.peers["fresh-peer"]
	s.mu.Unlock()
	if !stillThere {
		t.Fatal("EvictStale() should not remove a recently-polled peer")
	}
}
