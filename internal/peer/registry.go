// registry.go — the Peer Registry: the authoritative, process-wide set of
// connected peers. Grounded on the teacher's session-tracking shape
// (internal/audit.PeerSession) generalized to transport-level peer
// bookkeeping, and on its singleton-with-explicit-init convention (spec.md
// §9, "Global state").
package peer

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies what kind of peer a connection belongs to.
type Role string

const (
	RoleMCPClient Role = "mcp-client"
	RoleExtension Role = "extension"
)

// Info is the public, immutable-per-snapshot view of a registered peer.
type Info struct {
	ID             string    `json:"id"`
	Role           Role      `json:"role"`
	Capabilities   []string  `json:"capabilities"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Sender is the minimal send handle the registry keeps for a peer — the
// Transport implements this. The registry never holds more than a weak
// back-reference to the peer's connection, per spec.md §3's ownership note.
type Sender interface {
	Send(frameType string, payload any) error
	Close() error
}

type entry struct {
	info   Info
	sender Sender
}

// Registry is the process-wide singleton tracking connected peers. It is
// safe for concurrent use; all mutation happens under a single mutex so it
// can stand in for the "single logical event loop" serialization spec.md
// §5 requires for shared state.
type Registry struct {
	mu      sync.RWMutex
	peers   map[string]*entry
	onChange func(snapshot []Info)
}

// New constructs an empty Registry. onChange, if non-nil, is invoked
// synchronously after every mutation with the current snapshot — the
// Router uses this to broadcast `_client_list_update`.
func New(onChange func(snapshot []Info)) *Registry {
	return &Registry{
		peers:    make(map[string]*entry),
		onChange: onChange,
	}
}

// Register adds a peer connection and returns its assigned id. Exactly one
// peer in RoleExtension is valid at any time: registering a second one
// replaces the prior extension peer's record (its sender is NOT closed
// here — callers that want the old connection severed must close it
// explicitly before or after calling Register).
func (r *Registry) Register(role Role, capabilities []string, metadata map[string]string, sender Sender) string {
	return r.register(uuid.NewString(), role, capabilities, metadata, sender)
}

// RegisterWithID is Register for transports (the pull-transport poll
// protocol) whose peer already carries a caller-chosen id; registering
// twice under the same id simply replaces the sender handle, so a
// lazily-registering transport can call this from every request handler
// without tracking whether registration already happened.
func (r *Registry) RegisterWithID(id string, role Role, capabilities []string, metadata map[string]string, sender Sender) string {
	return r.register(id, role, capabilities, metadata, sender)
}

func (r *Registry) register(id string, role Role, capabilities []string, metadata map[string]string, sender Sender) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if role == RoleExtension {
		for existingID, e := range r.peers {
			if e.info.Role == RoleExtension {
				delete(r.peers, existingID)
			}
		}
	}

	e := &entry{
		info: Info{
			ID:             id,
			Role:           role,
			Capabilities:   capabilities,
			ConnectedAt:    now,
			LastActivityAt: now,
			Metadata:       metadata,
		},
		sender: sender,
	}
	r.peers[id] = e

	r.publishLocked()
	return id
}

// Unregister removes a peer by id. A no-op if the id is unknown.
func (r *Registry) Unregister(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[peerID]; !ok {
		return
	}
	delete(r.peers, peerID)
	r.publishLocked()
}

// Touch refreshes a peer's last-activity timestamp.
func (r *Registry) Touch(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.peers[peerID]; ok {
		e.info.LastActivityAt = time.Now()
	}
}

// Get returns the sender and info for a peer id, or ok=false if absent.
func (r *Registry) Get(peerID string) (Sender, Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.peers[peerID]
	if !ok {
		return nil, Info{}, false
	}
	return e.sender, e.info, true
}

// Snapshot returns the current authoritative peer list. Per spec.md §4.2,
// consumers must not cache peer existence across frames — always re-read
// via Snapshot/Get.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []Info {
	out := make([]Info, 0, len(r.peers))
	for _, e := range r.peers {
		out = append(out, e.info)
	}
	return out
}

// FindByRole returns the first peer with the given role, or ok=false.
// Since only one extension peer is ever valid, this is unambiguous for
// RoleExtension.
func (r *Registry) FindByRole(role Role) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.peers {
		if e.info.Role == role {
			return e.info, true
		}
	}
	return Info{}, false
}

func (r *Registry) publishLocked() {
	if r.onChange == nil {
		return
	}
	r.onChange(r.snapshotLocked())
}

// Count returns the number of currently registered peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
