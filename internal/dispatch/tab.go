// tab.go — Tab tool family: create, list, close, send_message,
// get_response, get_response_status, forward_response, extract_elements,
// export_conversation, debug_page, batch_operations (spec.md §4.7).
// forward_response and batch_operations get their own files since each
// has a multi-step error taxonomy spec.md calls out explicitly.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relaybridge/chatbridge-relay/internal/mcperr"
	"github.com/relaybridge/chatbridge-relay/internal/operation"
	"github.com/relaybridge/chatbridge-relay/internal/tabcoord"
)

func (d *Dispatcher) registerTab() {
	d.handlers["tab.create"] = Handler{
		Execute: func(ctx context.Context, req Request) Result {
			var p struct {
				URL string `json:"url"`
			}
			_ = json.Unmarshal(req.Params, &p)
			info, err := d.browser.TabCreate(ctx, p.URL)
			if err != nil {
				return fail(mcperr.New(mcperr.ErrCapabilityError, err.Error(), "retry once the browser is responsive"))
			}
			return ok(info)
		},
	}

	d.handlers["tab.list"] = Handler{
		Execute: func(ctx context.Context, req Request) Result {
			tabs, err := d.browser.TabList(ctx)
			if err != nil {
				return fail(mcperr.New(mcperr.ErrCapabilityError, err.Error(), "retry once the browser is responsive"))
			}
			return ok(map[string]any{"tabs": tabs})
		},
	}

	d.handlers["tab.close"] = Handler{
		Validate: func(params json.RawMessage) error { _, err := requireTabID(params); return err },
		Execute: func(ctx context.Context, req Request) Result {
			var p struct {
				TabID string `json:"tabId"`
			}
			_ = json.Unmarshal(req.Params, &p)
			d.tabs.Cleanup(p.TabID, true, tabcoord.CleanupHooks{
				StopNetworkMonitoring: func(tabID string) error { return d.browser.StopNetworkMonitoring(ctx, tabID) },
				DrainActiveOperations: func(tabID string, timeout time.Duration) error { return nil },
				CloseTab:              func(tabID string) error { return d.browser.TabClose(ctx, tabID) },
			})
			return ok(map[string]any{"closed": true})
		},
	}

	d.handlers["tab.send_message"] = Handler{
		Validate: func(params json.RawMessage) error {
			if _, err := requireTabID(params); err != nil {
				return err
			}
			var p struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(params, &p)
			if p.Message == "" {
				return missingParam("message")
			}
			return nil
		},
		Execute: func(ctx context.Context, req Request) Result {
			return d.sendMessage(ctx, req)
		},
	}

	d.handlers["tab.get_response"] = Handler{
		Validate: func(params json.RawMessage) error { _, err := requireTabID(params); return err },
		Execute: func(ctx context.Context, req Request) Result {
			var p struct {
				TabID string `json:"tabId"`
			}
			_ = json.Unmarshal(req.Params, &p)
			text, has, err := d.browser.LatestResponse(ctx, p.TabID)
			if err != nil {
				return fail(mcperr.New(mcperr.ErrCapabilityError, err.Error(), "check content-script injection status"))
			}
			if !has {
				return ok(map[string]any{"available": false})
			}
			return ok(map[string]any{"available": true, "response": text})
		},
	}

	d.handlers["tab.get_response_status"] = Handler{
		Validate: func(params json.RawMessage) error {
			var p struct {
				OperationID string `json:"operationId"`
			}
			_ = json.Unmarshal(params, &p)
			if p.OperationID == "" {
				return missingParam("operationId")
			}
			return nil
		},
		Execute: func(ctx context.Context, req Request) Result {
			var p struct {
				OperationID string `json:"operationId"`
			}
			_ = json.Unmarshal(req.Params, &p)
			op, found := d.ops.Get(p.OperationID)
			if !found {
				return fail(mcperr.New(mcperr.ErrOperationNotFound, fmt.Sprintf("no operation %s", p.OperationID), "check the operation id"))
			}
			return ok(op)
		},
	}

	d.handlers["tab.extract_elements"] = Handler{
		Validate: func(params json.RawMessage) error {
			if _, err := requireTabID(params); err != nil {
				return err
			}
			var p struct {
				Selector string `json:"selector"`
			}
			_ = json.Unmarshal(params, &p)
			if p.Selector == "" {
				return missingParam("selector")
			}
			return nil
		},
		Execute: func(ctx context.Context, req Request) Result {
			var p struct {
				TabID    string `json:"tabId"`
				Selector string `json:"selector"`
			}
			_ = json.Unmarshal(req.Params, &p)
			return d.withTabLock(p.TabID, tabcoord.ConflictReadonly, defaultLockTimeout, func() Result {
				elems, err := d.browser.ExtractElements(ctx, p.TabID, p.Selector)
				if err != nil {
					return fail(mcperr.New(mcperr.ErrContentScriptMissing, err.Error(), "ensure the observer is injected before extracting"))
				}
				return ok(map[string]any{"elements": elems})
			})
		},
	}

	d.handlers["tab.export_conversation"] = Handler{
		Validate: func(params json.RawMessage) error { _, err := requireTabID(params); return err },
		Execute: func(ctx context.Context, req Request) Result {
			var p struct {
				TabID  string `json:"tabId"`
				Format string `json:"format"`
			}
			_ = json.Unmarshal(req.Params, &p)
			if p.Format == "" {
				p.Format = "markdown"
			}
			return d.withTabLock(p.TabID, tabcoord.ConflictReadonly, defaultLockTimeout, func() Result {
				text, err := d.browser.ExportConversation(ctx, p.TabID, p.Format)
				if err != nil {
					return fail(mcperr.New(mcperr.ErrCapabilityError, err.Error(), "check tab state before retrying"))
				}
				return ok(map[string]any{"export": text, "format": p.Format})
			})
		},
	}

	d.handlers["tab.debug_page"] = Handler{
		Validate: func(params json.RawMessage) error { _, err := requireTabID(params); return err },
		Execute: func(ctx context.Context, req Request) Result {
			var p struct {
				TabID string `json:"tabId"`
			}
			_ = json.Unmarshal(req.Params, &p)
			snapshot := d.tabs.Snapshot(p.TabID)
			status, err := d.browser.DebugStatus(ctx, p.TabID)
			if err != nil {
				return fail(mcperr.New(mcperr.ErrCapabilityError, err.Error(), "check that the tab is still open"))
			}
			return ok(map[string]any{"coordinatorState": snapshot, "debugStatus": status})
		},
	}
}

// sendMessage dispatches a send_message operation: begins tracking,
// acquires the tab's write lock, invokes the browser capability, records
// the message_sent milestone, and either waits for completion or returns
// the operationId immediately per `waitForCompletion` (spec.md §4.7,
// scenarios 1-2 in §8).
func (d *Dispatcher) sendMessage(ctx context.Context, req Request) Result {
	var p struct {
		TabID             string `json:"tabId"`
		Message           string `json:"message"`
		WaitForCompletion bool   `json:"waitForCompletion"`
		TimeoutMs         int64  `json:"timeoutMs"`
	}
	_ = json.Unmarshal(req.Params, &p)

	op := d.ops.Begin("send_message", req.Params, req.OriginPeer, p.TabID, operation.ConflictWrite, req.OperationID)

	release, err := d.tabs.Acquire(p.TabID, tabcoord.ConflictWrite, defaultLockTimeout)
	if err != nil {
		_ = d.ops.Fail(op.ID, mcperr.New(mcperr.ErrLockTimeout, err.Error(), "retry shortly"))
		return fail(mcperr.New(mcperr.ErrLockTimeout, err.Error(), "retry shortly"))
	}

	go func() {
		defer release()
		if injErr := d.browser.InjectObserver(ctx, p.TabID); injErr != nil {
			_ = d.ops.Fail(op.ID, mcperr.New(mcperr.ErrContentScriptMissing, injErr.Error(), "ensure the tab hosts a supported chat page"))
			return
		}
		d.tabs.MarkObserverInjected(p.TabID)

		if sendErr := d.browser.SendChatMessage(ctx, p.TabID, p.Message); sendErr != nil {
			_ = d.ops.Fail(op.ID, mcperr.New(mcperr.ErrCapabilityError, sendErr.Error(), "inspect the chat page for a blocking dialog"))
			return
		}
		_, _ = d.ops.RecordMilestone(op.ID, operation.MilestoneMessageSent, nil)
		// Remaining milestones (response_started, response_completed)
		// arrive asynchronously from the tab-side observer via the
		// Milestone Observer Protocol (spec.md §4.5), not from this
		// goroutine.
	}()

	if !p.WaitForCompletion {
		return ok(map[string]any{"operationId": op.ID})
	}

	timeout := time.Duration(p.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	final, timedOut, waitErr := d.ops.Wait(op.ID, timeout)
	if waitErr != nil {
		return fail(mcperr.New(mcperr.ErrOperationNotFound, waitErr.Error(), "check the operation id"))
	}
	if timedOut {
		return fail(mcperr.New(mcperr.ErrTimeout, "send_message timed out waiting for completion", "call tab.get_response_status to check progress"))
	}
	if final.State == operationStateFailed {
		return fail(final.Err)
	}
	return ok(map[string]any{"operationId": final.ID, "result": final.Result, "milestones": final.Milestones})
}

const operationStateFailed = "failed"
