package router

import (
	"testing"

	"github.com/relaybridge/chatbridge-relay/internal/frame"
	"github.com/relaybridge/chatbridge-relay/internal/peer"
)

type fakeSender struct {
	sent []frame.Frame
}

func (f *fakeSender) Send(frameType string, payload any) error {
	p, _ := payload.(frame.Frame)
	p.Type = frameType
	f.sent = append(f.sent, p)
	return nil
}

func (f *fakeSender) Close() error { return nil }

func TestRouteUnicastDeliversToNamedPeer(t *testing.T) {
	reg := peer.New(nil)
	sender := &fakeSender{}
	id := reg.Register(peer.RoleMCPClient, nil, nil, sender)

	r := New(reg)
	_, answered, err := r.Route("origin", frame.Frame{Type: "custom", To: id})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if answered {
		t.Fatal("unicast should not be answered locally")
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(sender.sent))
	}
}

func TestRouteUnicastUnknownTargetErrors(t *testing.T) {
	reg := peer.New(nil)
	r := New(reg)

	_, _, err := r.Route("origin", frame.Frame{Type: "custom", To: "does-not-exist"})
	if err == nil {
		t.Fatal("expected an UnknownTarget error")
	}
}

func TestRouteBroadcastSkipsOrigin(t *testing.T) {
	reg := peer.New(nil)
	originSender := &fakeSender{}
	otherSender := &fakeSender{}
	originID := reg.Register(peer.RoleMCPClient, nil, nil, originSender)
	reg.Register(peer.RoleMCPClient, nil, nil, otherSender)

	r := New(reg)
	_, _, err := r.Route(originID, frame.Frame{Type: "custom", Broadcast: true})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(originSender.sent) != 0 {
		t.Fatal("broadcast should not echo back to the origin peer")
	}
	if len(otherSender.sent) != 1 {
		t.Fatalf("sent %d frames to the other peer, want 1", len(otherSender.sent))
	}
}

func TestRouteControlVerbHandledLocally(t *testing.T) {
	reg := peer.New(nil)
	r := New(reg)

	called := false
	r.RegisterLocal("health", func(origin string, f frame.Frame) (frame.Frame, bool) {
		called = true
		return frame.Frame{Type: "health", Result: []byte(`{"ok":true}`)}, true
	})

	reply, answered, err := r.Route("origin", frame.Frame{Type: "health"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !called || !answered {
		t.Fatal("health should be answered locally without forwarding")
	}
	if reply.Type != "health" {
		t.Fatalf("reply.Type = %q, want health", reply.Type)
	}
}

func TestRouteImplicitToExtensionWhenNoTarget(t *testing.T) {
	reg := peer.New(nil)
	extSender := &fakeSender{}
	reg.Register(peer.RoleExtension, nil, nil, extSender)

	r := New(reg)
	_, _, err := r.Route("origin", frame.Frame{Type: "execute_script"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(extSender.sent) != 1 {
		t.Fatalf("sent %d frames to the extension, want 1", len(extSender.sent))
	}
}

func TestRouteImplicitToExtensionUnavailable(t *testing.T) {
	reg := peer.New(nil)
	r := New(reg)

	_, _, err := r.Route("origin", frame.Frame{Type: "execute_script"})
	if err == nil {
		t.Fatal("expected ExtensionUnavailable when no extension peer is connected")
	}
}
