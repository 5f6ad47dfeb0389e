// dispatch.go — Command Dispatch: maps routed tool requests to capability
// handlers, enforces parameter validation and the error taxonomy
// (spec.md §4.7). Grounded on the teacher's handler-record mapping
// (internal/mcp tool registration: name -> {validate, execute}) per
// spec.md §9's "Dynamic dispatch of tool handlers" note, wrapped with the
// audit/redaction supplement from SPEC_FULL.md §2.3.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relaybridge/chatbridge-relay/internal/audit"
	"github.com/relaybridge/chatbridge-relay/internal/capability"
	"github.com/relaybridge/chatbridge-relay/internal/mcperr"
	"github.com/relaybridge/chatbridge-relay/internal/operation"
	"github.com/relaybridge/chatbridge-relay/internal/tabcoord"
)

// Result is the uniform shape every handler returns across the router
// boundary: `{success: bool, ...}` (spec.md §4.7). Handlers never panic
// or return a Go error across this boundary — Dispatch converts any
// internal failure into Result{Success:false}.
type Result struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorType string          `json:"errorType,omitempty"`
}

func ok(data any) Result {
	raw, err := json.Marshal(data)
	if err != nil {
		return Result{Success: false, Error: mcperr.ErrInternal, ErrorType: mcperr.ErrInternal}
	}
	return Result{Success: true, Data: raw}
}

func fail(se *mcperr.StructuredError) Result {
	return Result{Success: false, Error: se.Code, ErrorType: se.ErrorType}
}

// Request is one routed tool-request frame's payload.
type Request struct {
	Tool        string
	Params      json.RawMessage
	OriginPeer  string
	OperationID string // set by the caller when a client-supplied id is present (unified identity, spec.md §9)
}

// Handler validates params and executes a tool call. Handlers are never
// tab-scoped at this layer; tab-scoped handlers acquire their own lock
// via Dispatcher.withTabLock.
type Handler struct {
	Validate func(params json.RawMessage) error
	Execute  func(ctx context.Context, req Request) Result
}

// Dispatcher owns the tool-name -> Handler map and the cross-cutting
// concerns (audit, locking, retries) every handler gets for free.
type Dispatcher struct {
	handlers map[string]Handler

	browser capability.Browser
	tabs    *tabcoord.Coordinator
	ops     *operation.Manager
	audit   *audit.AuditTrail

	now func() time.Time
}

// Deps bundles the collaborators a Dispatcher routes through.
type Deps struct {
	Browser capability.Browser
	Tabs    *tabcoord.Coordinator
	Ops     *operation.Manager
	Audit   *audit.AuditTrail
}

// New builds a Dispatcher with every tool family registered (System,
// Browser control, Tab, Conversation API — spec.md §4.7).
func New(deps Deps) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]Handler),
		browser:  deps.Browser,
		tabs:     deps.Tabs,
		ops:      deps.Ops,
		audit:    deps.Audit,
		now:      time.Now,
	}
	d.registerBrowserControl()
	d.registerTab()
	d.registerForward()
	d.registerBatch()
	d.registerConversation()
	return d
}

// Register adds or overwrites a handler. Exposed so cmd/relayd can wire
// system handlers (health, get_logs) that need collaborators living
// outside this package (the logger, the health collector).
func (d *Dispatcher) Register(tool string, h Handler) {
	d.handlers[tool] = h
}

// Names returns the registered tool names, for diagnostics and tests.
func (d *Dispatcher) Names() []string {
	out := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		out = append(out, name)
	}
	return out
}

// Dispatch looks up req.Tool and executes it, recording an audit entry
// for every call regardless of outcome. Unknown tools return InvalidParams
// rather than a routing error, since tool-name validity is this layer's
// business (spec.md §4.7's closed tool-name set).
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Result {
	start := d.now()
	h, known := d.handlers[req.Tool]
	if !known {
		se := mcperr.New(mcperr.ErrInvalidParams, fmt.Sprintf("unknown tool %q", req.Tool), "check the tool name against the supported set")
		res := fail(se)
		d.recordAudit(req, start, res)
		return res
	}

	if h.Validate != nil {
		if err := h.Validate(req.Params); err != nil {
			se := mcperr.New(mcperr.ErrInvalidParams, err.Error(), "fix the request parameters and retry", mcperr.WithParam(paramNameOf(err)))
			res := fail(se)
			d.recordAudit(req, start, res)
			return res
		}
	}

	res := d.executeWithRecovery(ctx, h, req)
	d.recordAudit(req, start, res)
	return res
}

// executeWithRecovery converts a panicking handler into a structured
// CapabilityError result, since handlers must never escape across the
// router boundary (spec.md §4.7: "Handlers never throw across the router
// boundary").
func (d *Dispatcher) executeWithRecovery(ctx context.Context, h Handler, req Request) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			se := mcperr.New(mcperr.ErrCapabilityError, fmt.Sprintf("handler panicked: %v", r), "report this as a bug")
			res = fail(se)
		}
	}()
	return h.Execute(ctx, req)
}

func (d *Dispatcher) recordAudit(req Request, start time.Time, res Result) {
	if d.audit == nil {
		return
	}
	d.audit.Record(audit.AuditEntry{
		PeerID:       req.OriginPeer,
		OperationID:  req.OperationID,
		ToolName:     req.Tool,
		Parameters:   string(req.Params),
		ResponseSize: len(res.Data),
		Duration:     d.now().Sub(start).Milliseconds(),
		Success:      res.Success,
		ErrorMessage: res.Error,
	})
}

func paramNameOf(err error) string {
	if pe, ok := err.(*paramError); ok {
		return pe.Param
	}
	return ""
}

// paramError names the offending parameter for InvalidParams responses.
type paramError struct {
	Param string
	Msg   string
}

func (e *paramError) Error() string { return e.Msg }

func missingParam(name string) error {
	return &paramError{Param: name, Msg: fmt.Sprintf("missing required parameter %q", name)}
}

func invalidParam(name, reason string) error {
	return &paramError{Param: name, Msg: fmt.Sprintf("parameter %q is invalid: %s", name, reason)}
}

// withTabLock acquires a tab lock for the given conflict group, runs fn,
// and always releases. Tab locks touching multiple tabs (forwarding) must
// be acquired in tab-id order by the caller to forbid deadlock (spec.md
// §5); this helper only ever takes one lock at a time.
func (d *Dispatcher) withTabLock(tabID string, group tabcoord.ConflictGroup, timeout time.Duration, fn func() Result) Result {
	release, err := d.tabs.Acquire(tabID, group, timeout)
	if err != nil {
		if se, ok := err.(*mcperr.StructuredError); ok {
			return fail(se)
		}
		return fail(mcperr.New(mcperr.ErrLockTimeout, err.Error(), "retry shortly"))
	}
	defer release()
	return fn()
}

const defaultLockTimeout = 10 * time.Second
