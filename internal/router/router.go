// router.go — the Router: stamps provenance on every inbound frame and
// decides where it goes next. Grounded on the teacher's dispatch-table
// convention (internal/mcp's verb-to-handler map) generalized from
// JSON-RPC method names to relay frame types, and on internal/peer's
// registry for destination resolution.
package router

import (
	"sync"

	"github.com/relaybridge/chatbridge-relay/internal/frame"
	"github.com/relaybridge/chatbridge-relay/internal/mcperr"
	"github.com/relaybridge/chatbridge-relay/internal/peer"
)

// LocalHandler answers a control verb (health, peer-list) without
// forwarding the frame anywhere.
type LocalHandler func(origin string, f frame.Frame) (frame.Frame, bool)

// Router dispatches frames by destination policy (spec.md §4.3):
// unicast via `_to`, fan-out via `_broadcast`, control verbs handled
// locally, otherwise implicit routing to the sole extension peer.
type Router struct {
	mu       sync.Mutex
	registry *peer.Registry
	local    map[string]LocalHandler

	// seq preserves FIFO ordering per origin for callers that want to
	// assert it in tests; the registry/sender path is itself ordered by
	// the single send goroutine per peer, this is a lightweight sanity
	// counter on top of that.
	seq map[string]uint64
}

// New constructs a Router bound to a peer registry.
func New(registry *peer.Registry) *Router {
	return &Router{
		registry: registry,
		local:    make(map[string]LocalHandler),
		seq:      make(map[string]uint64),
	}
}

// RegisterLocal wires a control verb (e.g. "health", "peer-list") to a
// handler answered without leaving the relay process.
func (r *Router) RegisterLocal(frameType string, handler LocalHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local[frameType] = handler
}

// Route stamps `_from` and dispatches f per spec.md §4.3's policy. It
// returns a reply frame when the frame was answered locally.
func (r *Router) Route(originPeerID string, f frame.Frame) (reply frame.Frame, answered bool, err error) {
	r.mu.Lock()
	r.seq[originPeerID]++
	r.mu.Unlock()

	stamped := f.WithFrom(originPeerID)

	if frame.IsControlVerb(stamped.Type) {
		r.mu.Lock()
		handler, ok := r.local[stamped.Type]
		r.mu.Unlock()
		if ok {
			reply, answered = handler(originPeerID, stamped)
			return reply, answered, nil
		}
	}

	if stamped.Broadcast {
		return frame.Frame{}, false, r.broadcast(originPeerID, stamped)
	}

	if stamped.To != "" {
		return frame.Frame{}, false, r.unicast(stamped.To, stamped)
	}

	return frame.Frame{}, false, r.routeToExtension(stamped)
}

func (r *Router) unicast(peerID string, f frame.Frame) error {
	sender, _, ok := r.registry.Get(peerID)
	if !ok {
		return mcperr.New(mcperr.ErrUnknownTarget, "unknown target peer", "check the peer id against the current peer-list")
	}
	return sender.Send(f.Type, frame.StripReserved(f))
}

func (r *Router) broadcast(originPeerID string, f frame.Frame) error {
	var firstErr error
	for _, info := range r.registry.Snapshot() {
		if info.ID == originPeerID {
			continue
		}
		sender, _, ok := r.registry.Get(info.ID)
		if !ok {
			continue
		}
		if err := sender.Send(f.Type, frame.StripReserved(f)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Router) routeToExtension(f frame.Frame) error {
	info, ok := r.registry.FindByRole(peer.RoleExtension)
	if !ok {
		return mcperr.New(mcperr.ErrExtensionUnavailable, "no extension peer is connected", "ensure the browser extension is installed and connected")
	}
	sender, _, ok := r.registry.Get(info.ID)
	if !ok {
		return mcperr.New(mcperr.ErrExtensionUnavailable, "no extension peer is connected", "ensure the browser extension is installed and connected")
	}
	return sender.Send(f.Type, frame.StripReserved(f))
}
