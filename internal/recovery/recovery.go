// recovery.go — Reconnection/Recovery (spec.md §4.10): peer-disconnect
// handling with a grace-window rebind for the extension peer, and
// exponential backoff for transports that initiate their own outbound
// reconnect. Backoff envelope grounded on
// malbeclabs-doublezero/client/doublezerod/internal/probing's
// ExponentialBackOff convention, generalized from ICMP-listener retry to
// peer reconnect retry; the grace-window cache is grounded on the same
// jellydator/ttlcache idiom internal/operation uses for waiter timeouts.
package recovery

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jellydator/ttlcache/v3"

	"github.com/relaybridge/chatbridge-relay/internal/health"
	"github.com/relaybridge/chatbridge-relay/internal/util"
)

// graceWindow is how long a disconnected extension peer's operations
// wait for a re-registering extension before they are failed
// (spec.md §4.10).
const graceWindow = 10 * time.Second

// Backoff envelope for outbound reconnect attempts (spec.md §4.10: 500ms
// -> 5s, exponential with jitter).
func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxInterval(5*time.Second),
		backoff.WithMultiplier(2.0),
		backoff.WithMaxElapsedTime(0), // retry indefinitely; caller's context bounds the attempt
	)
	return b
}

// Reconnector drives an outbound reconnect loop with exponential backoff
// and jitter, used by peers/transports that initiate their own
// connection (e.g. a pull-transport peer's underlying poll retries).
type Reconnector struct {
	connect func(ctx context.Context) error
}

// NewReconnector wraps connect with the spec's backoff envelope.
func NewReconnector(connect func(ctx context.Context) error) *Reconnector {
	return &Reconnector{connect: connect}
}

// Run retries connect until it succeeds or ctx is cancelled. Every retry
// past the first attempt is a reconnect and is counted toward the health
// snapshot's transport reconnect count (spec.md §4.8).
func (r *Reconnector) Run(ctx context.Context) error {
	bo := backoff.WithContext(newBackoff(), ctx)
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			health.RecordReconnect()
		}
		return r.connect(ctx)
	}, bo)
}

// GraceWindow manages the extension-peer disconnect/rebind grace window.
// On disconnect, a pending entry is set with a TTL; if the extension
// re-registers before the TTL expires, the pending record is found and
// removed without penalty (operations stay alive). If it expires first,
// the eviction callback fires and the caller fails every operation owned
// by that peer with PeerDisconnected.
type GraceWindow struct {
	cache    *ttlcache.Cache[string, string] // peerID -> "" (presence-only)
	onExpire func(peerID string)
}

// NewGraceWindow constructs a GraceWindow. onExpire is called (from the
// cache's own goroutine) when a peer's grace window lapses without a
// rebind.
func NewGraceWindow(onExpire func(peerID string)) *GraceWindow {
	cache := ttlcache.New[string, string]()
	gw := &GraceWindow{cache: cache, onExpire: onExpire}

	cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, string]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		if gw.onExpire != nil {
			gw.onExpire(item.Key())
		}
	})
	util.SafeGo(cache.Start)
	return gw
}

// Stop halts the cache's background eviction goroutine.
func (g *GraceWindow) Stop() { g.cache.Stop() }

// BeginGrace starts the grace window for a disconnected peer.
func (g *GraceWindow) BeginGrace(peerID string) {
	g.cache.Set(peerID, "", graceWindow)
}

// Rebind cancels a pending grace window because the peer re-registered
// in time. Returns true if a grace window was actually pending (i.e. this
// is a genuine rebind, not a fresh connection).
func (g *GraceWindow) Rebind(peerID string) bool {
	item := g.cache.Get(peerID)
	if item == nil {
		return false
	}
	g.cache.Delete(peerID)
	return true
}
