package capability

import (
	"context"

	"github.com/relaybridge/chatbridge-relay/internal/mcperr"
)

// Unavailable is the default Browser implementation cmd/relayd wires in
// when no extension-side driver is attached to this process. Concrete
// browser automation is explicitly out of scope for the coordination
// core (spec.md §1) — every call fails with CapabilityError rather than
// panicking on a nil interface, so Command Dispatch's handlers behave
// identically whether or not a real driver is present.
type Unavailable struct{}

func unavailable() error {
	return mcperr.New(mcperr.ErrCapabilityError, "no browser capability is attached to this relay process", "attach an extension-side driver implementing capability.Browser")
}

func (Unavailable) AttachDebugger(ctx context.Context, tabID string) (DebugSessionStatus, error) {
	return DebugSessionStatus{}, unavailable()
}
func (Unavailable) DetachDebugger(ctx context.Context, tabID string) error { return unavailable() }
func (Unavailable) DebugStatus(ctx context.Context, tabID string) (DebugSessionStatus, error) {
	return DebugSessionStatus{}, unavailable()
}
func (Unavailable) ExecuteScript(ctx context.Context, tabID string, script string) (any, error) {
	return nil, unavailable()
}
func (Unavailable) QueryDOM(ctx context.Context, tabID string, selector string) ([]DOMElement, error) {
	return nil, unavailable()
}
func (Unavailable) InjectObserver(ctx context.Context, tabID string) error { return unavailable() }
func (Unavailable) StartNetworkMonitoring(ctx context.Context, tabID string) error {
	return unavailable()
}
func (Unavailable) StopNetworkMonitoring(ctx context.Context, tabID string) error {
	return unavailable()
}
func (Unavailable) NetworkRequests(ctx context.Context, tabID string) ([]NetworkEvent, error) {
	return nil, unavailable()
}
func (Unavailable) TabCreate(ctx context.Context, url string) (TabInfo, error) {
	return TabInfo{}, unavailable()
}
func (Unavailable) TabList(ctx context.Context) ([]TabInfo, error) { return nil, unavailable() }
func (Unavailable) TabClose(ctx context.Context, tabID string) error { return unavailable() }
func (Unavailable) SendChatMessage(ctx context.Context, tabID string, message string) error {
	return unavailable()
}
func (Unavailable) LatestResponse(ctx context.Context, tabID string) (string, bool, error) {
	return "", false, unavailable()
}
func (Unavailable) ExtractElements(ctx context.Context, tabID string, selector string) ([]DOMElement, error) {
	return nil, unavailable()
}
func (Unavailable) ExportConversation(ctx context.Context, tabID string, format string) (string, error) {
	return "", unavailable()
}
func (Unavailable) ReloadExtension(ctx context.Context) error { return unavailable() }
func (Unavailable) OrgID(ctx context.Context) (string, error) { return "", unavailable() }
func (Unavailable) ListConversations(ctx context.Context, orgID string) ([]ConversationInfo, error) {
	return nil, unavailable()
}
func (Unavailable) SearchConversations(ctx context.Context, orgID, query string) ([]ConversationInfo, error) {
	return nil, unavailable()
}
func (Unavailable) ConversationMetadata(ctx context.Context, orgID, conversationID string) (ConversationInfo, error) {
	return ConversationInfo{}, unavailable()
}
func (Unavailable) ConversationURL(ctx context.Context, orgID, conversationID string) (string, error) {
	return "", unavailable()
}
func (Unavailable) DeleteConversation(ctx context.Context, orgID, conversationID string) error {
	return unavailable()
}

var _ Browser = Unavailable{}
