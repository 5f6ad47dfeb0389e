// batch.go — tab.batch_operations: a sub-op list of {send_messages,
// get_responses, send_and_get}, an optional `sequential` flag, and an
// inter-op delay; parallel execution uses independent per-tab locks
// (spec.md §4.7).
package dispatch

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/relaybridge/chatbridge-relay/internal/mcperr"
)

// batchOp is one sub-operation in a batch_operations request.
type batchOp struct {
	Kind    string          `json:"kind"` // send_messages | get_responses | send_and_get
	TabID   string          `json:"tabId"`
	Message string          `json:"message,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type batchResult struct {
	TabID  string `json:"tabId"`
	Kind   string `json:"kind"`
	Result Result `json:"result"`
}

func (d *Dispatcher) registerBatch() {
	d.handlers["tab.batch_operations"] = Handler{
		Validate: func(params json.RawMessage) error {
			var p struct {
				Operations []batchOp `json:"operations"`
			}
			_ = json.Unmarshal(params, &p)
			if len(p.Operations) == 0 {
				return missingParam("operations")
			}
			for i, op := range p.Operations {
				if op.TabID == "" {
					return invalidParam("operations", "every operation must set tabId")
				}
				switch op.Kind {
				case "send_messages", "get_responses", "send_and_get":
				default:
					return invalidParam("operations", "operations["+strconv.Itoa(i)+"].kind must be one of send_messages|get_responses|send_and_get")
				}
			}
			return nil
		},
		Execute: func(ctx context.Context, req Request) Result {
			var p struct {
				Operations   []batchOp `json:"operations"`
				Sequential   bool      `json:"sequential"`
				InterOpDelay int64     `json:"interOpDelayMs"`
			}
			_ = json.Unmarshal(req.Params, &p)

			delay := time.Duration(p.InterOpDelay) * time.Millisecond

			if p.Sequential {
				return ok(map[string]any{"results": d.runSequential(ctx, req, p.Operations, delay)})
			}
			return ok(map[string]any{"results": d.runParallel(ctx, req, p.Operations)})
		},
	}
}

func (d *Dispatcher) runSequential(ctx context.Context, req Request, ops []batchOp, delay time.Duration) []batchResult {
	out := make([]batchResult, 0, len(ops))
	for i, op := range ops {
		out = append(out, d.runOne(ctx, req, op))
		if delay > 0 && i < len(ops)-1 {
			time.Sleep(delay)
		}
	}
	return out
}

func (d *Dispatcher) runParallel(ctx context.Context, req Request, ops []batchOp) []batchResult {
	out := make([]batchResult, len(ops))
	done := make(chan struct{}, len(ops))
	for i, op := range ops {
		i, op := i, op
		go func() {
			defer func() { done <- struct{}{} }()
			out[i] = d.runOne(ctx, req, op)
		}()
	}
	for range ops {
		<-done
	}
	return out
}

func (d *Dispatcher) runOne(ctx context.Context, req Request, op batchOp) batchResult {
	var res Result
	switch op.Kind {
	case "send_messages":
		sendParams, _ := json.Marshal(map[string]any{"tabId": op.TabID, "message": op.Message, "waitForCompletion": false})
		res = d.sendMessage(ctx, Request{Params: sendParams, OriginPeer: req.OriginPeer})
	case "get_responses":
		text, has, err := d.browser.LatestResponse(ctx, op.TabID)
		if err != nil {
			res = fail(mcperr.New(mcperr.ErrCapabilityError, err.Error(), "check the tab's state"))
		} else {
			res = ok(map[string]any{"available": has, "response": text})
		}
	case "send_and_get":
		sendParams, _ := json.Marshal(map[string]any{"tabId": op.TabID, "message": op.Message, "waitForCompletion": true})
		res = d.sendMessage(ctx, Request{Params: sendParams, OriginPeer: req.OriginPeer})
	default:
		res = fail(mcperr.New(mcperr.ErrInvalidParams, "unknown batch op kind", "use send_messages|get_responses|send_and_get"))
	}
	return batchResult{TabID: op.TabID, Kind: op.Kind, Result: res}
}
