// browser.go — Browser control tool family: reload_extension,
// debug_attach|detach|status, execute_script, get_dom_elements,
// start|stop_network_monitoring, get_network_requests (spec.md §4.7).
package dispatch

import (
	"context"
	"encoding/json"

	"github.com/relaybridge/chatbridge-relay/internal/mcperr"
	"github.com/relaybridge/chatbridge-relay/internal/tabcoord"
)

func requireTabID(params json.RawMessage) (string, error) {
	var p struct {
		TabID string `json:"tabId"`
	}
	_ = json.Unmarshal(params, &p)
	if p.TabID == "" {
		return "", missingParam("tabId")
	}
	return p.TabID, nil
}

func (d *Dispatcher) registerBrowserControl() {
	d.handlers["reload_extension"] = Handler{
		Execute: func(ctx context.Context, req Request) Result {
			if err := d.browser.ReloadExtension(ctx); err != nil {
				return fail(mcperr.New(mcperr.ErrCapabilityError, err.Error(), "retry once the extension reconnects"))
			}
			return ok(map[string]any{})
		},
	}

	d.handlers["debug_attach"] = Handler{
		Validate: func(params json.RawMessage) error { _, err := requireTabID(params); return err },
		Execute: func(ctx context.Context, req Request) Result {
			var p struct {
				TabID string `json:"tabId"`
			}
			_ = json.Unmarshal(req.Params, &p)
			return d.withTabLock(p.TabID, tabcoord.ConflictReadonly, defaultLockTimeout, func() Result {
				status, err := d.browser.AttachDebugger(ctx, p.TabID)
				if err != nil {
					return fail(mcperr.New(mcperr.ErrCapabilityError, err.Error(), "check that the tab is still open"))
				}
				_, owner, cerr := d.tabs.AttachDebugger(p.TabID, nil)
				if cerr != nil {
					return fail(mcperr.New(mcperr.ErrCapabilityError, cerr.Error(), "check that the tab is still open"))
				}
				status.Owner = string(owner)
				return ok(status)
			})
		},
	}

	d.handlers["debug_detach"] = Handler{
		Validate: func(params json.RawMessage) error { _, err := requireTabID(params); return err },
		Execute: func(ctx context.Context, req Request) Result {
			var p struct {
				TabID string `json:"tabId"`
			}
			_ = json.Unmarshal(req.Params, &p)
			return d.withTabLock(p.TabID, tabcoord.ConflictReadonly, defaultLockTimeout, func() Result {
				if !d.tabs.DetachDebugger(p.TabID) {
					return ok(map[string]any{"detached": false})
				}
				if err := d.browser.DetachDebugger(ctx, p.TabID); err != nil {
					return fail(mcperr.New(mcperr.ErrCapabilityError, err.Error(), "check tab state before retrying"))
				}
				return ok(map[string]any{"detached": true})
			})
		},
	}

	d.handlers["debug_status"] = Handler{
		Validate: func(params json.RawMessage) error { _, err := requireTabID(params); return err },
		Execute: func(ctx context.Context, req Request) Result {
			var p struct {
				TabID string `json:"tabId"`
			}
			_ = json.Unmarshal(req.Params, &p)
			status, err := d.browser.DebugStatus(ctx, p.TabID)
			if err != nil {
				return fail(mcperr.New(mcperr.ErrCapabilityError, err.Error(), "check that the tab is still open"))
			}
			return ok(status)
		},
	}

	d.handlers["execute_script"] = Handler{
		Validate: func(params json.RawMessage) error {
			if _, err := requireTabID(params); err != nil {
				return err
			}
			var p struct {
				Script string `json:"script"`
			}
			_ = json.Unmarshal(params, &p)
			if p.Script == "" {
				return missingParam("script")
			}
			return nil
		},
		Execute: func(ctx context.Context, req Request) Result {
			var p struct {
				TabID  string `json:"tabId"`
				Script string `json:"script"`
			}
			_ = json.Unmarshal(req.Params, &p)
			return d.withTabLock(p.TabID, tabcoord.ConflictWrite, defaultLockTimeout, func() Result {
				result, err := d.browser.ExecuteScript(ctx, p.TabID, p.Script)
				if err != nil {
					return fail(mcperr.New(mcperr.ErrCapabilityError, err.Error(), "inspect the script for runtime errors"))
				}
				return ok(map[string]any{"result": result})
			})
		},
	}

	d.handlers["get_dom_elements"] = Handler{
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
				elems, err := d.browser.QueryDOM(ctx, p.TabID, p.Selector)
				if err != nil {
					return fail(mcperr.New(mcperr.ErrContentScriptMissing, err.Error(), "ensure the observer is injected before querying"))
				}
				return ok(map[string]any{"elements": elems})
			})
		},
	}

	d.handlers["start_network_monitoring"] = Handler{
		Validate: func(params json.RawMessage) error { _, err := requireTabID(params); return err },
		Execute: func(ctx context.Context, req Request) Result {
			var p struct {
				TabID string `json:"tabId"`
			}
			_ = json.Unmarshal(req.Params, &p)
			if err := d.browser.StartNetworkMonitoring(ctx, p.TabID); err != nil {
				return fail(mcperr.New(mcperr.ErrCapabilityError, err.Error(), "check tab state before retrying"))
			}
			d.tabs.SetNetworkMonitoring(p.TabID, true)
			return ok(map[string]any{"monitoring": true})
		},
	}

	d.handlers["stop_network_monitoring"] = Handler{
		Validate: func(params json.RawMessage) error { _, err := requireTabID(params); return err },
		Execute: func(ctx context.Context, req Request) Result {
			var p struct {
				TabID string `json:"tabId"`
			}
			_ = json.Unmarshal(req.Params, &p)
			if err := d.browser.StopNetworkMonitoring(ctx, p.TabID); err != nil {
				return fail(mcperr.New(mcperr.ErrCapabilityError, err.Error(), "check tab state before retrying"))
			}
			d.tabs.SetNetworkMonitoring(p.TabID, false)
			return ok(map[string]any{"monitoring": false})
		},
	}

	d.handlers["get_network_requests"] = Handler{
		Validate: func(params json.RawMessage) error { _, err := requireTabID(params); return err },
		Execute: func(ctx context.Context, req Request) Result {
			var p struct {
				TabID string `json:"tabId"`
			}
			_ = json.Unmarshal(req.Params, &p)
			events, err := d.browser.NetworkRequests(ctx, p.TabID)
			if err != nil {
				return fail(mcperr.New(mcperr.ErrCapabilityError, err.Error(), "start network monitoring before querying"))
			}
			return ok(map[string]any{"requests": events})
		},
	}
}
