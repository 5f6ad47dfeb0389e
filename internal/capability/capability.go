// capability.go — the browser-automation capability surface the Command
// Dispatch and Tab Coordinator invoke. Concrete DOM selectors and script
// injection bodies are out of scope (spec.md §1); this package is the
// seam spec.md §9 calls out under "Dynamic dispatch of tool handlers":
// polymorphism over {attach, execute_script, query_dom, network_monitor,
// tab_create/close/list, runtime_reload} modeled as an interface rather
// than a concrete driver, grounded on the teacher's handler-record
// mapping convention (internal/mcp tool registration) generalized from
// MCP tool names to browser primitives.
package capability

import (
	"context"
	"time"
)

// DebugSessionStatus reports whether a tab's debugger is attached and who
// owns the session.
type DebugSessionStatus struct {
	Attached       bool   `json:"attached"`
	Owner          string `json:"owner"` // self | external | none
	AlreadyAttached bool  `json:"alreadyAttached,omitempty"`
}

// NetworkEvent is one captured request/response pair from a monitored tab.
type NetworkEvent struct {
	At       time.Time `json:"at"`
	Method   string    `json:"method"`
	URL      string    `json:"url"`
	Status   int       `json:"status,omitempty"`
	MimeType string    `json:"mimeType,omitempty"`
}

// TabInfo describes one open browser tab.
type TabInfo struct {
	ID    string `json:"id"`
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// DOMElement is a single queried element, shaped generically since
// concrete selector semantics are the extension's business, not the
// core's (spec.md §1).
type DOMElement struct {
	Selector string            `json:"selector"`
	Text     string            `json:"text,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`
}

// Browser is the capability surface the extension-side implementation
// provides. Every method is a round trip to the real browser (or, in
// tests, a fake) and may block; callers invoke it from within a tab lock
// acquired via the Tab Coordinator, except for TabList/TabCreate which
// are not tab-scoped.
type Browser interface {
	// AttachDebugger idempotently attaches a debugger session to tabID.
	// If a debugger is already functional on the tab, it is adopted as
	// an external session instead of failing (spec.md §4.6).
	AttachDebugger(ctx context.Context, tabID string) (DebugSessionStatus, error)
	// DetachDebugger detaches a self-owned debugger session. Detaching a
	// non-self-owned session is a programming error the Tab Coordinator
	// must never attempt.
	DetachDebugger(ctx context.Context, tabID string) error
	DebugStatus(ctx context.Context, tabID string) (DebugSessionStatus, error)

	// ExecuteScript evaluates an opaque script body in tabID's page
	// context and returns its JSON-serializable result.
	ExecuteScript(ctx context.Context, tabID string, script string) (any, error)
	// QueryDOM returns elements matching an opaque selector string.
	QueryDOM(ctx context.Context, tabID string, selector string) ([]DOMElement, error)

	// InjectObserver injects the in-page milestone-reporting script
	// (Milestone Observer Protocol, spec.md §4.5). Idempotent.
	InjectObserver(ctx context.Context, tabID string) error

	// StartNetworkMonitoring/StopNetworkMonitoring toggle capture of
	// network events for a tab.
	StartNetworkMonitoring(ctx context.Context, tabID string) error
	StopNetworkMonitoring(ctx context.Context, tabID string) error
	NetworkRequests(ctx context.Context, tabID string) ([]NetworkEvent, error)

	// TabCreate/TabList/TabClose manage browser tabs.
	TabCreate(ctx context.Context, url string) (TabInfo, error)
	TabList(ctx context.Context) ([]TabInfo, error)
	TabClose(ctx context.Context, tabID string) error

	// SendChatMessage types and submits message into the chat UI hosted
	// in tabID. This is the send-message operation's terminal action;
	// completion is detected asynchronously via the Milestone Observer
	// Protocol, not this call's return.
	SendChatMessage(ctx context.Context, tabID string, message string) error

	// LatestResponse returns the most recent completed chat response
	// text captured on tabID, or ok=false if none is available yet.
	LatestResponse(ctx context.Context, tabID string) (text string, ok bool, err error)

	// ExtractElements mirrors QueryDOM for the extract_elements tool,
	// kept distinct because it addresses a richer result shape
	// (conversation export vs ad hoc selector query) in spec.md §4.7.
	ExtractElements(ctx context.Context, tabID string, selector string) ([]DOMElement, error)

	// ExportConversation returns an opaque export payload (e.g. markdown
	// or JSON transcript) for tabID's conversation.
	ExportConversation(ctx context.Context, tabID string, format string) (string, error)

	// ReloadExtension requests the extension reload itself.
	ReloadExtension(ctx context.Context) error

	// OrgID scrapes the organization id from browser cookies for
	// conversation-API calls. Per spec.md §9's open question, the core
	// surfaces OrgIdUnavailable rather than guessing when extraction
	// fails; implementations must not hardcode a fallback.
	OrgID(ctx context.Context) (string, error)

	// Conversations lists/searches/fetches metadata for chat
	// conversations via the web app's own API, authenticated by the
	// browser's session cookies.
	ListConversations(ctx context.Context, orgID string) ([]ConversationInfo, error)
	SearchConversations(ctx context.Context, orgID, query string) ([]ConversationInfo, error)
	ConversationMetadata(ctx context.Context, orgID, conversationID string) (ConversationInfo, error)
	ConversationURL(ctx context.Context, orgID, conversationID string) (string, error)
	DeleteConversation(ctx context.Context, orgID, conversationID string) error
}

// ConversationInfo is the metadata shape for the Conversation API family
// (spec.md §4.7's fourth handler family).
type ConversationInfo struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
	URL       string    `json:"url,omitempty"`
}
