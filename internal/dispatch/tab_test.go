package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/relaybridge/chatbridge-relay/internal/capability"
	"github.com/relaybridge/chatbridge-relay/internal/mcperr"
)

// chatBrowser extends capability.Unavailable with the chat-automation
// surface exercised by send_message/get_response/forward_response, so
// these tests can drive the scenarios spec.md §8 names end-to-end
// without a real browser extension attached.
type chatBrowser struct {
	capability.Unavailable

	mu        sync.Mutex
	responses map[string]string
	sendErr   error
	injectErr error
}

func newChatBrowser() *chatBrowser {
	return &chatBrowser{responses: make(map[string]string)}
}

func (c *chatBrowser) InjectObserver(ctx context.Context, tabID string) error {
	return c.injectErr
}

func (c *chatBrowser) SendChatMessage(ctx context.Context, tabID, message string) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.mu.Lock()
	c.responses[tabID] = "echo: " + message
	c.mu.Unlock()
	return nil
}

func (c *chatBrowser) LatestResponse(ctx context.Context, tabID string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	text, ok := c.responses[tabID]
	return text, ok, nil
}

// TestSendMessageWaitForCompletionReachesTerminalState exercises spec.md
// §8 scenario 1: a synchronous send/wait completes once the tab-side
// observer reports response_completed. The operationId is client-supplied
// here so the test can record milestones against it directly, the same
// unified-identity path a real MCP client exercises (spec.md §9).
func TestSendMessageWaitForCompletionReachesTerminalState(t *testing.T) {
	browser := newChatBrowser()
	d := newTestDispatcher(t, browser)

	params, _ := json.Marshal(map[string]any{"tabId": "tab-1", "message": "hello", "waitForCompletion": true, "timeoutMs": 2000})

	resultCh := make(chan Result, 1)
	go func() {
		resultCh <- d.Dispatch(context.Background(), Request{Tool: "tab.send_message", Params: params, OperationID: "op-1"})
	}()

	if !waitForMilestone(d, "op-1", "message_sent", time.Second) {
		t.Fatal("message_sent milestone never landed")
	}

	d.ops.RecordMilestone("op-1", "response_started", nil)
	d.ops.RecordMilestone("op-1", "response_completed", json.RawMessage(`{"text":"echo: hello"}`))

	select {
	case res := <-resultCh:
		if !res.Success {
			t.Fatalf("Dispatch(tab.send_message) = %+v, want success", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait_operation path never returned")
	}
}

func waitForMilestone(d *Dispatcher, operationID, name string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		op, ok := d.ops.Get(operationID)
		if ok {
			for _, m := range op.Milestones {
				if m.Name == name {
					return true
				}
			}
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func TestSendMessageAsyncReturnsOperationIDImmediately(t *testing.T) {
	browser := newChatBrowser()
	d := newTestDispatcher(t, browser)

	params, _ := json.Marshal(map[string]any{"tabId": "tab-1", "message": "hello", "waitForCompletion": false})
	res := d.Dispatch(context.Background(), Request{Tool: "tab.send_message", Params: params})
	if !res.Success {
		t.Fatalf("Dispatch(tab.send_message async) = %+v, want success", res)
	}

	var body struct {
		OperationID string `json:"operationId"`
	}
	if err := json.Unmarshal(res.Data, &body); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if body.OperationID == "" {
		t.Fatal("async send_message must return an operationId immediately")
	}
}

func TestSendMessageMissingMessageFailsValidation(t *testing.T) {
	d := newTestDispatcher(t, newChatBrowser())

	params, _ := json.Marshal(map[string]any{"tabId": "tab-1"})
	res := d.Dispatch(context.Background(), Request{Tool: "tab.send_message", Params: params})
	if res.Success {
		t.Fatal("send_message without message should fail validation")
	}
	if res.Error != mcperr.ErrInvalidParams {
		t.Fatalf("Error = %q, want %q", res.Error, mcperr.ErrInvalidParams)
	}
}

// TestConcurrentSendMessageSameTabSerializes exercises spec.md §8
// scenario 4: two concurrent send_message calls against the same tab
// never run their capability calls interleaved.
func TestConcurrentSendMessageSameTabSerializes(t *testing.T) {
	browser := &trackingBrowser{chatBrowser: newChatBrowser()}
	d := newTestDispatcher(t, browser)

	var mu sync.Mutex
	var concurrent, maxConcurrent int
	browser.onEnter = func() {
		mu.Lock()
		concurrent++
		if concurrent > maxConcurrent {
			maxConcurrent = concurrent
		}
		mu.Unlock()
	}
	browser.onExit = func() {
		mu.Lock()
		concurrent--
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			params, _ := json.Marshal(map[string]any{"tabId": "tab-shared", "message": "m", "waitForCompletion": true, "timeoutMs": 50})
			d.Dispatch(context.Background(), Request{Tool: "tab.send_message", Params: params})
		}()
	}
	wg.Wait()

	if maxConcurrent > 1 {
		t.Fatalf("maxConcurrent SendChatMessage calls on the same tab = %d, want 1 (serialized by the write lock)", maxConcurrent)
	}
}

type trackingBrowser struct {
	*chatBrowser
	onEnter func()
	onExit  func()
}

func (t *trackingBrowser) SendChatMessage(ctx context.Context, tabID, message string) error {
	t.onEnter()
	defer t.onExit()
	time.Sleep(5 * time.Millisecond)
	return t.chatBrowser.SendChatMessage(ctx, tabID, message)
}
