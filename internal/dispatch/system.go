// system.go — System tool family: health, wait_operation, get_logs,
// set_log_level, enable_debug_mode, disable_debug_mode (spec.md §4.7).
// The logger and health collector are injected by cmd/relayd rather than
// constructed here, since they are process-wide singletons shared with
// other subsystems.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/relaybridge/chatbridge-relay/internal/logging"
	"github.com/relaybridge/chatbridge-relay/internal/mcperr"
	"github.com/relaybridge/chatbridge-relay/internal/pagination"
)

// SystemDeps wires the system-family handlers to their singletons.
// cmd/relayd calls AttachSystem after New to complete registration, since
// logging/health/audit live outside Deps to avoid an import cycle
// (dispatch already depends on audit; audit does not depend on logging).
type SystemDeps struct {
	Logger      *logging.Logger
	HealthSnap  func() any
	SetDebug    func(enabled bool)
	AuditQuery  func(json.RawMessage) (any, error)
}

// AttachSystem registers the system-family handlers using deps not
// available at construction time.
func (d *Dispatcher) AttachSystem(deps SystemDeps) {
	d.handlers["health"] = Handler{
		Execute: func(ctx context.Context, req Request) Result {
			if deps.HealthSnap == nil {
				return ok(map[string]any{})
			}
			return ok(deps.HealthSnap())
		},
	}

	d.handlers["wait_operation"] = Handler{
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
				TimeoutMs   int64  `json:"timeoutMs"`
			}
			_ = json.Unmarshal(req.Params, &p)
			timeout := time.Duration(p.TimeoutMs) * time.Millisecond
			if timeout <= 0 {
				timeout = 60 * time.Second
			}
			op, timedOut, err := d.ops.Wait(p.OperationID, timeout)
			if err != nil {
				return fail(mcperr.New(mcperr.ErrOperationNotFound, err.Error(), "check the operation id"))
			}
			if timedOut {
				return fail(mcperr.New(mcperr.ErrTimeout, "wait_operation timed out before the operation reached a terminal state", "call wait_operation again or check health"))
			}
			return ok(op)
		},
	}

	d.handlers["get_logs"] = Handler{
		Execute: func(ctx context.Context, req Request) Result {
			if deps.Logger == nil {
				return ok(map[string]any{"entries": []any{}})
			}
			var p struct {
				Level        string `json:"level"`
				Component    string `json:"component"`
				AfterCursor  string `json:"afterCursor"`
				BeforeCursor string `json:"beforeCursor"`
				SinceCursor  string `json:"sinceCursor"`
				Limit        int    `json:"limit"`
			}
			_ = json.Unmarshal(req.Params, &p)

			snapshot := deps.Logger.Snapshot()
			raw := make([]pagination.LogEntry, 0, len(snapshot))
			for _, e := range snapshot {
				if p.Level != "" && e.Level != p.Level {
					continue
				}
				if p.Component != "" && e.Component != p.Component {
					continue
				}
				raw = append(raw, pagination.LogEntry{
					"timestamp": e.Timestamp.Format(time.RFC3339Nano),
					"level":     e.Level,
					"component": e.Component,
					"message":   e.Message,
					"data":      e.Data,
				})
			}

			limit := p.Limit
			if limit <= 0 || limit > 500 {
				limit = 200
			}
			enriched := pagination.EnrichLogEntries(raw, int64(len(raw)))
			page, meta, err := pagination.ApplyLogCursorPagination(enriched, p.AfterCursor, p.BeforeCursor, p.SinceCursor, limit, true)
			if err != nil {
				return fail(mcperr.New(mcperr.ErrInvalidParam, err.Error(), "use a cursor returned by a previous get_logs call", mcperr.WithParam("afterCursor")))
			}

			out := make([]map[string]any, 0, len(page))
			for _, e := range page {
				out = append(out, pagination.SerializeLogEntryWithSequence(e))
			}
			return ok(map[string]any{"entries": out, "metadata": meta})
		},
	}

	d.handlers["set_log_level"] = Handler{
		Validate: func(params json.RawMessage) error {
			var p struct {
				Level string `json:"level"`
			}
			_ = json.Unmarshal(params, &p)
			if p.Level == "" {
				return missingParam("level")
			}
			return nil
		},
		Execute: func(ctx context.Context, req Request) Result {
			var p struct {
				Level string `json:"level"`
			}
			_ = json.Unmarshal(req.Params, &p)
			if deps.Logger == nil {
				return ok(map[string]any{"level": p.Level})
			}
			if err := deps.Logger.SetLevel(p.Level); err != nil {
				return fail(mcperr.New(mcperr.ErrInvalidParam, err.Error(), "use one of trace|debug|info|warn|error", mcperr.WithParam("level")))
			}
			return ok(map[string]any{"level": p.Level})
		},
	}

	d.handlers["enable_debug_mode"] = Handler{
		Execute: func(ctx context.Context, req Request) Result {
			if deps.Logger != nil {
				deps.Logger.SetDebugMode(true)
			}
			if deps.SetDebug != nil {
				deps.SetDebug(true)
			}
			return ok(map[string]any{"debugMode": true})
		},
	}

	d.handlers["disable_debug_mode"] = Handler{
		Execute: func(ctx context.Context, req Request) Result {
			if deps.Logger != nil {
				deps.Logger.SetDebugMode(false)
			}
			if deps.SetDebug != nil {
				deps.SetDebug(false)
			}
			return ok(map[string]any{"debugMode": false})
		},
	}

	d.handlers["get_audit_log"] = Handler{
		Execute: func(ctx context.Context, req Request) Result {
			if deps.AuditQuery == nil {
				return ok(map[string]any{"entries": []any{}})
			}
			res, err := deps.AuditQuery(req.Params)
			if err != nil {
				return fail(mcperr.New(mcperr.ErrInvalidParams, err.Error(), "check the filter parameters"))
			}
			return ok(res)
		},
	}
}
