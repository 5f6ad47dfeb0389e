// forward.go — tab.forward_response: reads the latest completed response
// from a source tab and dispatches it (optionally transformed) as a new
// send_message on a target tab. Each of the five steps spec.md §4.7 names
// has its own error class, so failures are attributable to a specific
// step rather than a generic CapabilityError.
package dispatch

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/relaybridge/chatbridge-relay/internal/mcperr"
)

func (d *Dispatcher) registerForward() {
	d.handlers["tab.forward_response"] = Handler{
		Validate: func(params json.RawMessage) error {
			var p struct {
				SourceTabID string `json:"sourceTabId"`
				TargetTabID string `json:"targetTabId"`
			}
			_ = json.Unmarshal(params, &p)
			if p.SourceTabID == "" {
				return missingParam("sourceTabId")
			}
			if p.TargetTabID == "" {
				return missingParam("targetTabId")
			}
			if p.SourceTabID == p.TargetTabID {
				return invalidParam("targetTabId", "forwarding a response to its own source tab is not allowed")
			}
			return nil
		},
		Execute: d.forwardResponse,
	}
}

func (d *Dispatcher) forwardResponse(ctx context.Context, req Request) Result {
	var p struct {
		SourceTabID       string `json:"sourceTabId"`
		TargetTabID       string `json:"targetTabId"`
		TransformTemplate string `json:"transformTemplate"`
		WaitForCompletion bool   `json:"waitForCompletion"`
	}
	_ = json.Unmarshal(req.Params, &p)

	// Step 1: refuse self-forwarding (validated above; re-checked here in
	// case a caller bypasses Validate, e.g. a direct unit test).
	if p.SourceTabID == p.TargetTabID {
		return fail(mcperr.New(mcperr.ErrInvalidParams, "sourceTabId and targetTabId must differ", "pick distinct tabs", mcperr.WithParam("targetTabId")))
	}

	// Step 2: ensure the target tab has the observer injected.
	if err := d.browser.InjectObserver(ctx, p.TargetTabID); err != nil {
		return fail(mcperr.New(mcperr.ErrContentScriptMissing, err.Error(), "ensure the target tab hosts a supported chat page"))
	}
	d.tabs.MarkObserverInjected(p.TargetTabID)

	// Step 3: read the latest completed response from the source tab.
	text, has, err := d.browser.LatestResponse(ctx, p.SourceTabID)
	if err != nil {
		return fail(mcperr.New(mcperr.ErrCapabilityError, err.Error(), "check the source tab's state"))
	}
	if !has {
		return fail(mcperr.New(mcperr.ErrOperationNotFound, "no completed response is available on the source tab", "wait for a response to complete before forwarding"))
	}

	// Step 4: optionally substitute it into a template string.
	message := text
	if p.TransformTemplate != "" {
		message = strings.ReplaceAll(p.TransformTemplate, "{response}", text)
	}

	// Step 5: dispatch an async send_message to the target tab.
	sendParams, _ := json.Marshal(map[string]any{
		"tabId":             p.TargetTabID,
		"message":           message,
		"waitForCompletion": p.WaitForCompletion,
	})
	return d.sendMessage(ctx, Request{Tool: "tab.send_message", Params: sendParams, OriginPeer: req.OriginPeer})
}
