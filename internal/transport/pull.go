// pull.go — the pull-transport fallback: chi routes for peers that
// cannot hold a persistent outbound socket (spec.md §4.1, §6). The relay
// queues outbound frames per peer and drains them on each poll; the
// Adaptive Scheduler governs how often a peer calls poll. Route layout
// grounded on malbeclabs-doublezero/lake/api's chi.NewRouter +
// middleware.Logger/Recoverer convention, generalized from a lake-data
// REST API to the relay's four pull endpoints.
package transport

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/relaybridge/chatbridge-relay/internal/frame"
	"github.com/relaybridge/chatbridge-relay/internal/health"
	"github.com/relaybridge/chatbridge-relay/internal/mcperr"
	"github.com/relaybridge/chatbridge-relay/internal/util"
)

// PullPeer is the Sender handle the Peer Registry holds for a
// pull-transport peer: Send enqueues a frame to be drained on the peer's
// next poll instead of writing to a live socket.
type PullPeer struct {
	id             string
	mu             sync.Mutex
	queue          [][]byte
	frameSizeLimit int64
	lastPolledAt   time.Time
	closed         bool
}

func newPullPeer(id string, frameSizeLimit int64) *PullPeer {
	return &PullPeer{id: id, frameSizeLimit: frameSizeLimit, lastPolledAt: time.Now()}
}

// Send enqueues payload under frameType for delivery on the peer's next
// poll-commands call.
func (p *PullPeer) Send(frameType string, payload any) error {
	raw, err := frame.Envelope(frameType, payload)
	if err != nil {
		return mcperr.New(mcperr.ErrInternal, err.Error(), "report this as a bug")
	}
	if p.frameSizeLimit > 0 && int64(len(raw)) > p.frameSizeLimit {
		health.RecordFrameDropped("frame_too_large")
		return mcperr.New(mcperr.ErrFrameTooLarge, "outbound frame exceeds frame_size_limit", "reduce the payload size")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		health.RecordFrameDropped("peer_unreachable")
		return mcperr.New(mcperr.ErrPeerUnreachable, "pull peer is not registered", "re-register before sending")
	}
	p.queue = append(p.queue, raw)
	health.RecordFrameSent()
	return nil
}

// Close marks the peer dead; subsequent Send calls fail.
func (p *PullPeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *PullPeer) drain() []json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastPolledAt = time.Now()
	if len(p.queue) == 0 {
		return nil
	}
	out := make([]json.RawMessage, len(p.queue))
	for i, raw := range p.queue {
		out[i] = raw
	}
	p.queue = nil
	return out
}

// PullCallbacks mirrors Callbacks for the pull-transport's on-poll/post
// events.
type PullCallbacks struct {
	OnRegister func(peerID string, role, capabilities string) *PullPeer
	OnMessage  func(peerID string, f frame.Frame)
	OnActivity func(peerID string)
	// Interval, if set, supplies the Adaptive Scheduler's advisory
	// poll cadence, returned alongside drained commands so a
	// pull-transport peer can pace itself (spec.md §4.9).
	Interval func() time.Duration
}

// PullServer exposes the pull-transport REST fallback on an optional
// secondary loopback listener (spec.md §6).
type PullServer struct {
	callbacks      PullCallbacks
	frameSizeLimit int64

	mu    sync.Mutex
	peers map[string]*PullPeer
}

// NewPullServer constructs a PullServer.
func NewPullServer(callbacks PullCallbacks, frameSizeLimit int64) *PullServer {
	return &PullServer{
		callbacks:      callbacks,
		frameSizeLimit: frameSizeLimit,
		peers:          make(map[string]*PullPeer),
	}
}

// Router builds the chi router exposing the pull-transport endpoints.
func (s *PullServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/health", s.handleHealth)
	r.Get("/poll-commands", s.handlePoll)
	r.Post("/heartbeat", s.handleHeartbeat)
	r.Post("/command-response", s.handleCommandResponse)
	return r
}

func (s *PullServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	util.JSONResponse(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *PullServer) handlePoll(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peerId")
	if peerID == "" {
		util.JSONResponse(w, http.StatusBadRequest, map[string]any{"error": mcperr.ErrMissingParam})
		return
	}

	s.mu.Lock()
	p, ok := s.peers[peerID]
	if !ok {
		p = newPullPeer(peerID, s.frameSizeLimit)
		s.peers[peerID] = p
	}
	s.mu.Unlock()

	commands := p.drain()
	if s.callbacks.OnActivity != nil {
		s.callbacks.OnActivity(peerID)
	}
	resp := map[string]any{"commands": commands}
	if s.callbacks.Interval != nil {
		resp["nextPollMs"] = s.callbacks.Interval().Milliseconds()
	}
	util.JSONResponse(w, http.StatusOK, resp)
}

func (s *PullServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PeerID string `json:"peerId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PeerID == "" {
		util.JSONResponse(w, http.StatusBadRequest, map[string]any{"error": mcperr.ErrMissingParam})
		return
	}
	health.RecordFrameReceived()
	if s.callbacks.OnActivity != nil {
		s.callbacks.OnActivity(body.PeerID)
	}
	util.JSONResponse(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *PullServer) handleCommandResponse(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PeerID string      `json:"peerId"`
		Frame  frame.Frame `json:"frame"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PeerID == "" {
		util.JSONResponse(w, http.StatusBadRequest, map[string]any{"error": mcperr.ErrMissingParam})
		return
	}
	health.RecordFrameReceived()
	if s.callbacks.OnMessage != nil {
		s.callbacks.OnMessage(body.PeerID, body.Frame)
	}
	if s.callbacks.OnActivity != nil {
		s.callbacks.OnActivity(body.PeerID)
	}
	util.JSONResponse(w, http.StatusOK, map[string]any{"ok": true})
}

// TotalQueueLength sums the outbound queue depth across every registered
// pull peer, for the health snapshot's transport queue length (spec.md
// §4.8).
func (s *PullServer) TotalQueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, p := range s.peers {
		p.mu.Lock()
		total += len(p.queue)
		p.mu.Unlock()
	}
	return total
}

// RegisterPeer assigns a PullPeer record for peerID. cmd/relayd calls this
// from the Peer Registry's onChange/register path so the pull transport
// has a queue before the peer's first poll.
func (s *PullServer) RegisterPeer(peerID string) *PullPeer {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[peerID]
	if !ok {
		p = newPullPeer(peerID, s.frameSizeLimit)
		s.peers[peerID] = p
	}
	return p
}

// EvictStale closes and drops peers that have not polled within maxAge,
// used by Reconnection/Recovery's dead-peer eviction (spec.md §4.10).
func (s *PullServer) EvictStale(maxAge time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []string
	now := time.Now()
	for id, p := range s.peers {
		p.mu.Lock()
		stale := now.Sub(p.lastPolledAt) > maxAge
		p.mu.Unlock()
		if stale {
			p.Close()
			delete(s.peers, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}
