// push.go — the push Transport: one persistent bidirectional websocket
// connection per peer (spec.md §4.1). Grounded on the gorilla/websocket
// upgrade-and-pump convention surveyed across the retrieval pack (e.g.
// nmxmxh-master-ovasabi's media-streaming Peer/Room pump goroutines),
// generalized from a WebRTC signaling peer to a relay Frame peer: a
// dedicated single writer goroutine draining a bounded outbound channel,
// since gorilla connections are not safe for concurrent writes.
package transport

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaybridge/chatbridge-relay/internal/frame"
	"github.com/relaybridge/chatbridge-relay/internal/health"
	"github.com/relaybridge/chatbridge-relay/internal/mcperr"
)

// outboundQueueSize bounds the per-peer backpressure buffer. A full queue
// on Send signals PeerUnreachable rather than blocking the event loop
// (spec.md §4.1).
const outboundQueueSize = 256

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMissedPongs = 3
)

// Callbacks are the onOpen/onMessage/onClose/onError notifications
// spec.md §4.1 requires the transport to deliver.
type Callbacks struct {
	OnOpen    func(p *PushPeer)
	OnMessage func(p *PushPeer, f frame.Frame)
	OnClose   func(p *PushPeer, err error)
}

// PushPeer is one peer's websocket connection, the Sender the Peer
// Registry keeps a handle to.
type PushPeer struct {
	conn          *websocket.Conn
	out           chan []byte
	frameSizeLimit int64
	closeOnce     sync.Once
	done          chan struct{}

	missedPongs int
	mu          sync.Mutex
}

// Send marshals payload under frameType and enqueues it for delivery.
// Non-blocking: a full outbound queue fails immediately with
// PeerUnreachable rather than blocking the caller's event loop.
func (p *PushPeer) Send(frameType string, payload any) error {
	raw, err := frame.Envelope(frameType, payload)
	if err != nil {
		return mcperr.New(mcperr.ErrInternal, err.Error(), "report this as a bug")
	}
	if p.frameSizeLimit > 0 && int64(len(raw)) > p.frameSizeLimit {
		health.RecordFrameDropped("frame_too_large")
		return mcperr.New(mcperr.ErrFrameTooLarge, "outbound frame exceeds frame_size_limit", "reduce the payload size")
	}

	select {
	case p.out <- raw:
		health.RecordFrameSent()
		return nil
	default:
		health.RecordFrameDropped("peer_unreachable")
		return mcperr.New(mcperr.ErrPeerUnreachable, "peer outbound queue is full", "wait for the peer to drain or reconnect")
	}
}

// QueueLength returns the number of frames currently buffered in this
// peer's outbound channel, for the health snapshot's transport queue
// length (spec.md §4.8).
func (p *PushPeer) QueueLength() int {
	return len(p.out)
}

// Close shuts the peer's connection down. Idempotent.
func (p *PushPeer) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return p.conn.Close()
}

// Server accepts websocket upgrades on a single loopback listener and
// pumps frames through Callbacks. One Server instance serves the whole
// relay process (spec.md §6: one loopback bidirectional port per peer
// type, default 54321).
type Server struct {
	upgrader       websocket.Upgrader
	callbacks      Callbacks
	frameSizeLimit int64
	heartbeat      time.Duration
}

// NewServer constructs a Server. frameSizeLimit is spec.md §6's
// `frame_size_limit`; heartbeat is the ping cadence (`heartbeat_ms`).
func NewServer(callbacks Callbacks, frameSizeLimit int64, heartbeat time.Duration) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			// The relay binds to loopback only and trusts connected
			// peers (spec.md §1 Non-goals: no authentication); origin
			// checking would add nothing on a loopback-only listener.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		callbacks:      callbacks,
		frameSizeLimit: frameSizeLimit,
		heartbeat:      heartbeat,
	}
}

// ServeHTTP upgrades the connection and starts the peer's read/write
// pumps. Registered at the relay's websocket route (e.g. "/ws").
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	peer := &PushPeer{
		conn:           conn,
		out:            make(chan []byte, outboundQueueSize),
		frameSizeLimit: s.frameSizeLimit,
		done:           make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		peer.mu.Lock()
		peer.missedPongs = 0
		peer.mu.Unlock()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if s.callbacks.OnOpen != nil {
		s.callbacks.OnOpen(peer)
	}

	go s.writePump(peer)
	s.readPump(peer)
}

func (s *Server) readPump(p *PushPeer) {
	var closeErr error
	defer func() {
		p.Close()
		if s.callbacks.OnClose != nil {
			s.callbacks.OnClose(p, closeErr)
		}
	}()

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			closeErr = err
			return
		}
		if p.frameSizeLimit > 0 && int64(len(data)) > p.frameSizeLimit {
			health.RecordFrameDropped("frame_too_large")
			se := mcperr.New(mcperr.ErrFrameTooLarge, "inbound frame exceeds frame_size_limit", "reduce the payload size")
			_ = p.Send("error", se)
			continue
		}

		var f frame.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if f.Type == frame.TypePong {
			continue
		}
		health.RecordFrameReceived()
		if s.callbacks.OnMessage != nil {
			s.callbacks.OnMessage(p, f)
		}
	}
}

func (s *Server) writePump(p *PushPeer) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case data, ok := <-p.out:
			if !ok {
				return
			}
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			p.mu.Lock()
			p.missedPongs++
			missed := p.missedPongs
			p.mu.Unlock()
			if missed > maxMissedPongs {
				return
			}
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
