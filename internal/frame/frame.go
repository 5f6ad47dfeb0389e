// frame.go — the wire message exchanged between the relay and its peers.
// One Frame is one JSON message on a transport (websocket or pull-poll
// response body). Underscore-prefixed fields are stamped by the Router and
// are never set by a peer-authored payload.
package frame

import "encoding/json"

// Frame is the JSON-encoded unit of exchange between the relay and a peer.
type Frame struct {
	ID     string          `json:"id,omitempty"`
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`

	// Reserved for the Router; never peer-authored.
	From      string `json:"_from,omitempty"`
	To        string `json:"_to,omitempty"`
	Broadcast bool   `json:"_broadcast,omitempty"`

	Timestamp int64 `json:"timestamp,omitempty"`
}

// Control verb and well-known frame type constants.
const (
	TypeClientListUpdate = "_client_list_update"
	TypeProgress         = "progress"
	TypePing             = "ping"
	TypePong             = "pong"
	TypeHealth           = "health"
	TypePeerList         = "peer-list"

	TypeRegisterOperation  = "register_operation"
	TypeOperationMilestone = "operation_milestone"
	TypeOperationCompleted = "operation_completed"
)

// StripReserved clears router-owned fields from a peer-authored frame
// before it is processed, so a malicious or buggy peer cannot forge its
// own origin or target.
func StripReserved(f Frame) Frame {
	f.From = ""
	f.To = ""
	f.Broadcast = false
	return f
}

// WithFrom returns a copy of f stamped with the originating peer id. Only
// the Router calls this.
func (f Frame) WithFrom(peerID string) Frame {
	f.From = peerID
	return f
}

// Envelope marshals payload and guarantees the resulting JSON carries a
// top-level "type" field equal to frameType, per spec.md §6's frame
// schema (every frame requires `type`). Object-shaped payloads (the
// common case: a Frame, a map, a struct) have "type" merged in directly;
// a non-object payload is wrapped under "result" so the envelope is
// always a JSON object. Transport Send implementations call this instead
// of marshaling payload on its own.
func Envelope(frameType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var obj map[string]json.RawMessage
	if len(raw) > 0 && raw[0] == '{' {
		if unmarshalErr := json.Unmarshal(raw, &obj); unmarshalErr != nil {
			obj = nil
		}
	}
	if obj == nil {
		obj = make(map[string]json.RawMessage, 2)
		obj["result"] = raw
	}

	typeRaw, err := json.Marshal(frameType)
	if err != nil {
		return nil, err
	}
	obj["type"] = typeRaw

	return json.Marshal(obj)
}

// IsControlVerb reports whether f.Type names a relay-local control verb
// handled without forwarding to any peer.
func IsControlVerb(t string) bool {
	switch t {
	case TypeHealth, TypePeerList:
		return true
	default:
		return false
	}
}
