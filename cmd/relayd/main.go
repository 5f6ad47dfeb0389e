// main.go — relayd: the coordination-core daemon. Wires the Transport,
// Peer Registry, Router, Operation Manager, Tab Coordinator, Command
// Dispatch, Health collector, Adaptive Scheduler, and
// Reconnection/Recovery into one running process (spec.md §2, §9 "Global
// state": singletons with explicit init/shutdown, no ambient
// initialization). CLI front-ends/packaging are a stated Non-goal
// (spec.md §1); this binary is the bare daemon entry point, flag-parsed
// in the teacher's style (cmd/gasoline-cmd/main.go).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaybridge/chatbridge-relay/internal/audit"
	"github.com/relaybridge/chatbridge-relay/internal/capability"
	"github.com/relaybridge/chatbridge-relay/internal/config"
	"github.com/relaybridge/chatbridge-relay/internal/dispatch"
	"github.com/relaybridge/chatbridge-relay/internal/frame"
	"github.com/relaybridge/chatbridge-relay/internal/health"
	"github.com/relaybridge/chatbridge-relay/internal/logging"
	"github.com/relaybridge/chatbridge-relay/internal/mcperr"
	"github.com/relaybridge/chatbridge-relay/internal/operation"
	"github.com/relaybridge/chatbridge-relay/internal/peer"
	"github.com/relaybridge/chatbridge-relay/internal/recovery"
	"github.com/relaybridge/chatbridge-relay/internal/router"
	"github.com/relaybridge/chatbridge-relay/internal/scheduler"
	"github.com/relaybridge/chatbridge-relay/internal/state"
	"github.com/relaybridge/chatbridge-relay/internal/tabcoord"
	"github.com/relaybridge/chatbridge-relay/internal/transport"
	"github.com/relaybridge/chatbridge-relay/internal/util"
)

var version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to an optional config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[chatbridge] config error: %v\n", err)
		os.Exit(1)
	}

	logFile, _ := state.DefaultLogFile()
	logWriter, logErr := openLogWriter(logFile)
	if logErr != nil {
		logWriter = os.Stderr
	}
	logger := logging.New(logging.Options{Writer: logWriter, Level: cfg.LogLevel})
	logger.Log("info", "relayd", fmt.Sprintf("starting chatbridge-relay %s", version), nil)

	storePath := cfg.OperationStorePath
	if storePath == "" {
		storePath, _ = state.OperationStoreFile()
	}

	startedAt := time.Now()
	collector := health.New(startedAt)

	p := newProcess(cfg, storePath, logger, collector)

	if warning, loadErr := p.ops.Load(false); loadErr != nil {
		logger.Log("error", "operation", "failed to load operation store", map[string]any{"error": loadErr.Error()})
	} else if warning != "" {
		logger.Log("warn", "operation", warning, nil)
	}

	util.SafeGo(func() { sweepLoop(p.ops) })

	pushServer := transport.NewServer(transport.Callbacks{
		OnMessage: func(peerConn *transport.PushPeer, f frame.Frame) { p.handlePushFrame(peerConn, f) },
		OnClose:   func(peerConn *transport.PushPeer, closeErr error) { p.handlePushClose(peerConn) },
	}, int64(cfg.FrameSizeLimit), time.Duration(cfg.HeartbeatMs)*time.Millisecond)

	mux := http.NewServeMux()
	mux.Handle("/ws", pushServer)

	if cfg.PullPort > 0 {
		pullServer := p.wirePull(cfg)
		go func() {
			addr := fmt.Sprintf("127.0.0.1:%d", cfg.PullPort)
			logger.Log("info", "relayd", "pull-transport listening", map[string]any{"addr": addr})
			if lErr := http.ListenAndServe(addr, pullServer.Router()); lErr != nil {
				logger.Log("error", "relayd", "pull-transport server exited", map[string]any{"error": lErr.Error()})
			}
		}()
	}

	if cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		go func() {
			logger.Log("info", "relayd", "metrics listening", map[string]any{"addr": cfg.MetricsAddr})
			_ = http.ListenAndServe(cfg.MetricsAddr, metricsMux)
		}()
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.RelayPort)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Log("info", "relayd", "relay listening", map[string]any{"addr": addr})
		if lErr := srv.ListenAndServe(); lErr != nil && lErr != http.ErrServerClosed {
			// A failed transport bind is the relay's only fatal exit path
			// (spec.md §6).
			fmt.Fprintf(os.Stderr, "[chatbridge] fatal: relay transport bind failed: %v\n", lErr)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Log("info", "relayd", "shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	p.ops.Shutdown()
	p.grace.Stop()
}

func openLogWriter(path string) (*os.File, error) {
	if path == "" {
		return nil, fmt.Errorf("no log path configured")
	}
	if dir := filepathDir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

func filepathDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return ""
}

// process bundles every process-wide singleton and the bookkeeping
// needed to resolve an inbound transport connection to its registered
// peer id, since neither PushPeer nor the Peer Registry keep that
// back-reference themselves.
type process struct {
	registry *peer.Registry
	router   *router.Router
	dispatch *dispatch.Dispatcher
	ops      *operation.Manager
	tabs     *tabcoord.Coordinator
	audit    *audit.AuditTrail
	grace    *recovery.GraceWindow
	sched    *scheduler.Scheduler
	logger   *logging.Logger

	mu        sync.Mutex
	pushPeers map[*transport.PushPeer]string

	registeredPull sync.Map // peerID string -> struct{}, a pull peer registers exactly once
	pullServer     *transport.PullServer
}

func newProcess(cfg *config.Config, storePath string, logger *logging.Logger, collector *health.Collector) *process {
	p := &process{pushPeers: make(map[*transport.PushPeer]string), logger: logger}

	p.registry = peer.New(func(snapshot []peer.Info) {
		p.broadcastClientList(snapshot)
	})

	p.router = router.New(p.registry)

	p.tabs = tabcoord.New(func(step, tabID string, err error) {
		data := map[string]any{"step": step, "tabId": tabID}
		if err != nil {
			data["error"] = err.Error()
			logger.Log("warn", "tabcoord", "cleanup step failed", data)
		} else {
			logger.Log("debug", "tabcoord", "cleanup step ok", data)
		}
	})

	defaultTimeouts := map[string]time.Duration{
		"send_message":     120 * time.Second,
		"get_response":      60 * time.Second,
		"forward_response": 120 * time.Second,
		"compound":         180 * time.Second,
	}

	p.ops = operation.New(operation.Options{
		StorePath:      storePath,
		DefaultTimeout: defaultTimeouts,
		OnProgress: func(op *operation.Operation) {
			p.sendTo(op.OwningPeerID, frame.TypeProgress, progressPayload{
				OperationID: op.ID,
				State:       op.State,
				Milestones:  op.Milestones,
				Result:      op.Result,
				Error:       op.Err,
			})
		},
		OnCancelAsk: func(operationID, tabID string) {
			if tabID == "" {
				return
			}
			info, ok := p.registry.FindByRole(peer.RoleExtension)
			if !ok {
				return
			}
			sender, _, ok2 := p.registry.Get(info.ID)
			if !ok2 {
				return
			}
			_ = sender.Send("cancel_operation", map[string]any{"operationId": operationID, "tabId": tabID})
		},
	})

	p.audit = audit.NewAuditTrail(audit.AuditConfig{RedactionRules: cfg.RedactionRulesPath})

	p.grace = recovery.NewGraceWindow(func(peerID string) {
		affected := p.ops.FailAllForPeer(peerID)
		if len(affected) > 0 {
			logger.Log("warn", "recovery", "grace window expired, operations failed", map[string]any{"peerId": peerID, "count": len(affected)})
		}
	})

	p.sched = scheduler.New(scheduler.Options{
		HeartbeatInterval:  time.Duration(cfg.HeartbeatMs) * time.Millisecond,
		IdleThreshold:      time.Duration(cfg.IdleThresholdMs) * time.Millisecond,
		MaxCommandInterval: time.Duration(cfg.MaxCommandInterval) * time.Millisecond,
	})

	collector.Peers = p.registry.Count
	collector.LogBufferSize = logger.Size
	collector.OperationsByState = p.ops.CountByState
	collector.InjectedObserverTabs = p.tabs.InjectedObserverTabs
	collector.DebuggerSessionTabs = p.tabs.DebuggerSessionTabs
	collector.NetworkMonitoredTabs = p.tabs.NetworkMonitoredTabs
	collector.DebuggerSessions = func() map[string]string {
		owners := p.tabs.DebuggerOwners()
		out := make(map[string]string, len(owners))
		for tabID, owner := range owners {
			out[tabID] = string(owner)
		}
		return out
	}
	collector.QueueLength = p.totalQueueLength

	// Concrete browser automation lives outside this process's scope
	// (spec.md §1); capability.Unavailable is the documented seam an
	// extension-side driver implementation would replace.
	p.dispatch = dispatch.New(dispatch.Deps{
		Browser: capability.Unavailable{},
		Tabs:    p.tabs,
		Ops:     p.ops,
		Audit:   p.audit,
	})
	p.dispatch.AttachSystem(dispatch.SystemDeps{
		Logger: logger,
		HealthSnap: func() any {
			return collector.Snapshot()
		},
		SetDebug: func(enabled bool) { logger.SetDebugMode(enabled) },
		AuditQuery: func(params json.RawMessage) (any, error) {
			var filter audit.AuditFilter
			if len(params) > 0 {
				_ = json.Unmarshal(params, &filter)
			}
			return p.audit.Query(filter), nil
		},
	})

	p.router.RegisterLocal(frame.TypeHealth, func(origin string, f frame.Frame) (frame.Frame, bool) {
		raw, _ := json.Marshal(collector.Snapshot())
		return frame.Frame{Type: frame.TypeHealth, Result: raw}, true
	})
	p.router.RegisterLocal(frame.TypePeerList, func(origin string, f frame.Frame) (frame.Frame, bool) {
		raw, _ := json.Marshal(p.registry.Snapshot())
		return frame.Frame{Type: frame.TypePeerList, Result: raw}, true
	})

	return p
}

// progressPayload is the wire shape of a "progress" frame (spec.md §6):
// `{type:"progress", operationId, state, milestones, result?, error?}`.
// Built from an *operation.Operation rather than sending it directly,
// since Operation's own `id` field tag is the operation's local field
// name, not the cross-peer `operationId` the spec's frame schema names.
type progressPayload struct {
	OperationID string                  `json:"operationId"`
	State       operation.State         `json:"state"`
	Milestones  []operation.Milestone   `json:"milestones"`
	Result      json.RawMessage         `json:"result,omitempty"`
	Error       *mcperr.StructuredError `json:"error,omitempty"`
}

// clientListPayload is the wire shape of a "_client_list_update" frame
// (spec.md §6): `{type:"_client_list_update", _clients:[...]}`.
type clientListPayload struct {
	Clients []peer.Info `json:"_clients"`
}

func (p *process) broadcastClientList(snapshot []peer.Info) {
	payload := clientListPayload{Clients: snapshot}
	for _, info := range snapshot {
		sender, _, ok := p.registry.Get(info.ID)
		if !ok {
			continue
		}
		_ = sender.Send(frame.TypeClientListUpdate, payload)
	}
}

func (p *process) sendTo(peerID, frameType string, payload any) {
	sender, _, ok := p.registry.Get(peerID)
	if !ok {
		return
	}
	_ = sender.Send(frameType, payload)
}

func sweepLoop(m *operation.Manager) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		m.SweepTimeouts(time.Now())
	}
}

// registerFrameParams is the payload shape of a connection's first
// frame, naming the peer's role and declared capabilities.
type registerFrameParams struct {
	Role         string            `json:"role"`
	Capabilities []string          `json:"capabilities"`
	Metadata     map[string]string `json:"metadata"`
}

const frameTypeRegister = "register"

func (p *process) handlePushFrame(sender *transport.PushPeer, f frame.Frame) {
	p.mu.Lock()
	peerID, known := p.pushPeers[sender]
	p.mu.Unlock()

	if !known {
		if f.Type != frameTypeRegister {
			_ = sender.Send("error", mcperr.New(mcperr.ErrInvalidParams, "first frame on a new connection must be a register frame", `send {"type":"register"} before any other frame`))
			return
		}
		var rp registerFrameParams
		_ = json.Unmarshal(f.Params, &rp)
		role := peer.Role(rp.Role)
		if role != peer.RoleExtension {
			role = peer.RoleMCPClient
		}
		peerID = p.registry.Register(role, rp.Capabilities, rp.Metadata, sender)
		p.mu.Lock()
		p.pushPeers[sender] = peerID
		p.mu.Unlock()
		p.grace.Rebind(peerID)
		_ = sender.Send("registered", map[string]any{"peerId": peerID})
		return
	}

	p.registry.Touch(peerID)
	p.sched.NoteActivity()
	p.routeOrDispatch(peerID, sender, f)
}

func (p *process) handlePushClose(sender *transport.PushPeer) {
	p.mu.Lock()
	peerID, known := p.pushPeers[sender]
	delete(p.pushPeers, sender)
	p.mu.Unlock()
	if !known {
		return
	}

	_, info, ok := p.registry.Get(peerID)
	p.registry.Unregister(peerID)
	if ok && info.Role == peer.RoleExtension {
		p.grace.BeginGrace(peerID)
	}
}

// routeOrDispatch mirrors the pull transport's OnMessage handling
// (wirePull): a tool-request frame addressed implicitly (no `_to`, no
// `_broadcast`) is dispatched locally by Command Dispatch rather than
// routed toward an "extension" peer, since in this process Command
// Dispatch *is* the extension-side capability host (spec.md §2's
// Command Dispatch / Tab Coordinator boundary collapses into this one
// process; capability.Unavailable is the seam a real browser-extension
// driver would attach to). Explicit unicast/broadcast and relay-local
// control verbs (health, peer-list) still go through the Router first,
// so the two paths never both claim the same frame.
func (p *process) routeOrDispatch(peerID string, sender *transport.PushPeer, f frame.Frame) {
	if handled := p.handleMilestoneFrame(peerID, f); handled {
		return
	}

	if f.To == "" && !f.Broadcast && !frame.IsControlVerb(f.Type) && isDispatchedTool(f.Type) {
		result := p.dispatch.Dispatch(context.Background(), dispatch.Request{Tool: f.Type, Params: f.Params, OriginPeer: peerID, OperationID: f.ID})
		_ = sender.Send(f.Type, result)
		return
	}

	reply, answered, routeErr := p.router.Route(peerID, f)
	if routeErr != nil {
		se, ok := routeErr.(*mcperr.StructuredError)
		if !ok {
			se = mcperr.New(mcperr.ErrInternal, routeErr.Error(), "report this as a bug")
		}
		p.logger.Log("warn", "router", "route failed", map[string]any{"type": f.Type, "error": se.Code})
		_ = sender.Send("error", se)
		return
	}
	if answered {
		_ = sender.Send(reply.Type, reply)
	}
}

// milestoneFrameParams is the payload shape for frames the extension's
// in-page observer sends to report operation progress (Milestone
// Observer Protocol, spec.md §4.5).
type milestoneFrameParams struct {
	OperationID string          `json:"operationId"`
	Kind        string          `json:"kind,omitempty"`
	Milestone   string          `json:"milestone"`
	Data        json.RawMessage `json:"data,omitempty"`
}

func (p *process) handleMilestoneFrame(peerID string, f frame.Frame) bool {
	switch f.Type {
	case frame.TypeRegisterOperation:
		var mp milestoneFrameParams
		_ = json.Unmarshal(f.Params, &mp)
		if _, known := p.ops.Get(mp.OperationID); known {
			p.logger.Log("debug", "operation", "observer adopted operation id", map[string]any{"operationId": mp.OperationID, "kind": mp.Kind})
		} else {
			p.logger.Log("warn", "operation", "register_operation for unknown operation", map[string]any{"operationId": mp.OperationID, "kind": mp.Kind})
		}
		return true
	case frame.TypeOperationMilestone:
		var mp milestoneFrameParams
		_ = json.Unmarshal(f.Params, &mp)
		if warning, err := p.ops.RecordMilestone(mp.OperationID, mp.Milestone, mp.Data); err != nil {
			p.logger.Log("warn", "operation", "milestone for unknown operation", map[string]any{"operationId": mp.OperationID})
		} else if warning != "" {
			p.logger.Log("debug", "operation", warning, nil)
		}
		return true
	case frame.TypeOperationCompleted:
		var mp milestoneFrameParams
		_ = json.Unmarshal(f.Params, &mp)
		_, _ = p.ops.RecordMilestone(mp.OperationID, operation.MilestoneResponseCompleted, mp.Data)
		return true
	default:
		return false
	}
}

func isDispatchedTool(frameType string) bool {
	switch frameType {
	case frame.TypePing, frame.TypePong, frame.TypeClientListUpdate, frame.TypeProgress,
		frame.TypeRegisterOperation, frame.TypeOperationMilestone, frame.TypeOperationCompleted,
		frameTypeRegister:
		return false
	default:
		return true
	}
}

// wirePull builds the pull-transport REST fallback. A pull peer
// registers lazily on its first call (poll or heartbeat both carry its
// peerId) rather than through a dedicated endpoint, since spec.md §4.1
// only requires symmetric framing/semantics across transports, not
// identical registration mechanics.
func (p *process) wirePull(cfg *config.Config) *transport.PullServer {
	var pullServer *transport.PullServer
	pullServer = transport.NewPullServer(transport.PullCallbacks{
		OnMessage: func(peerID string, f frame.Frame) {
			p.ensurePullPeerRegistered(peerID, pullServer)
			if handled := p.handleMilestoneFrame(peerID, f); handled {
				return
			}
			if isDispatchedTool(f.Type) {
				result := p.dispatch.Dispatch(context.Background(), dispatch.Request{Tool: f.Type, Params: f.Params, OriginPeer: peerID, OperationID: f.ID})
				pullPeer := pullServer.RegisterPeer(peerID)
				_ = pullPeer.Send(f.Type, result)
			}
		},
		OnActivity: func(peerID string) {
			p.ensurePullPeerRegistered(peerID, pullServer)
			p.registry.Touch(peerID)
			p.sched.NoteActivity()
		},
		Interval: func() time.Duration {
			return p.sched.CommandInterval(time.Now())
		},
	}, int64(cfg.FrameSizeLimit))

	p.pullServer = pullServer
	util.SafeGo(func() { p.evictStalePullPeers(pullServer) })
	return pullServer
}

// totalQueueLength sums outbound queue depth across every push and pull
// peer, for the health snapshot's transport queue length (spec.md §4.8).
func (p *process) totalQueueLength() int {
	p.mu.Lock()
	total := 0
	for peerConn := range p.pushPeers {
		total += peerConn.QueueLength()
	}
	p.mu.Unlock()

	if p.pullServer != nil {
		total += p.pullServer.TotalQueueLength()
	}
	return total
}

func (p *process) ensurePullPeerRegistered(peerID string, pullServer *transport.PullServer) {
	if _, already := p.registeredPull.LoadOrStore(peerID, struct{}{}); already {
		return
	}
	pp := pullServer.RegisterPeer(peerID)
	p.registry.RegisterWithID(peerID, peer.RoleMCPClient, nil, nil, pp)
}

func (p *process) evictStalePullPeers(pullServer *transport.PullServer) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		pullServer.EvictStale(5 * time.Minute)
	}
}
