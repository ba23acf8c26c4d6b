package router

import (
	"context"
	"errors"
	"time"

	"github.com/unified-agent/gateway/internal/adapter"
	"github.com/unified-agent/gateway/internal/eventlog"
	"github.com/unified-agent/gateway/internal/metrics"
	"github.com/unified-agent/gateway/internal/policy"
	"github.com/unified-agent/gateway/internal/session"
	"github.com/unified-agent/gateway/pkg/protocol"
)

// handleControlRequest runs one control RPC end to end: rate limit, the
// initialize short-circuit, capability check, pending registration, adapter
// dispatch, and the terminal response.
func (r *Router) handleControlRequest(ctx context.Context, sessionID string, cr *protocol.ControlRequest) []protocol.Envelope {
	if !r.limiter.Allow(sessionID) {
		r.metrics.IncPolicyDenial(r.providerOf(sessionID), "rate_limited")
		return []protocol.Envelope{protocol.NewErrorResponse(cr.RequestID, protocol.CodeRateLimited, "request quota exceeded, retry later")}
	}

	if cr.Request.Subtype == protocol.SubtypeInitialize {
		return r.handleInitialize(ctx, sessionID, cr)
	}

	st, ok := r.registry.Get(sessionID)
	if !ok {
		return []protocol.Envelope{protocol.NewErrorResponse(cr.RequestID, protocol.CodeNotInitialized, "session is not initialized")}
	}

	st.Lock()
	defer st.Unlock()

	st.Touch(time.Now())
	r.logEventLocked(st, eventlog.TypeControlRequest, cr.Request.Subtype, map[string]any{"requestId": cr.RequestID})

	if !adapter.Supports(st.Adapter, cr.Request.Subtype) {
		r.metrics.IncUnsupportedSubtype(st.Provider, cr.Request.Subtype)
		warning := protocol.NewSystemWarning(st.SessionID,
			"control subtype is not supported by provider "+st.Provider,
			map[string]any{"subtype": cr.Request.Subtype, "compatibility": "emulated-or-unsupported"})
		resp := protocol.NewErrorResponse(cr.RequestID, protocol.CodeUnknownSubtype,
			"subtype "+cr.Request.Subtype+" is not supported by provider "+st.Provider)
		st.Replay.Append(warning)
		st.Replay.Append(resp)
		r.logEventLocked(st, eventlog.TypeControlResponse, resp.Response.Code, map[string]any{"requestId": cr.RequestID})
		r.persistLocked(st)
		return []protocol.Envelope{warning, resp}
	}

	started := time.Now()
	st.AddPending(cr.RequestID, cr.Request.Subtype, started)

	payload, err := r.dispatchSubtype(ctx, st, cr)

	// A deferred subtype produces its terminal response later, from an
	// observer decision or the permission timeout.
	if errors.Is(err, errDeferred) {
		r.persistLocked(st)
		return nil
	}

	elapsed := float64(time.Since(started)) / float64(time.Millisecond)
	r.metrics.ObserveLatency(metrics.MetricControlResponseLatency, st.Provider, cr.Request.Subtype, elapsed)
	r.metrics.IncRequest(st.Provider, cr.Request.Subtype)

	// A cancel that raced the adapter call already produced the terminal
	// response for this id; a late result is discarded.
	if _, still := st.TakePending(cr.RequestID); !still {
		r.persistLocked(st)
		return nil
	}

	var resp *protocol.ControlResponse
	if err != nil {
		resp = protocol.NewErrorResponse(cr.RequestID, protocol.CodeOf(err), protocol.MessageOf(err))
	} else {
		resp = protocol.NewSuccessResponse(cr.RequestID, payload)
	}
	st.Replay.Append(resp)
	r.logEventLocked(st, eventlog.TypeControlResponse, resp.Response.Subtype, map[string]any{"requestId": cr.RequestID})
	r.persistLocked(st)
	return []protocol.Envelope{resp}
}

// handleInitialize creates or rehydrates a session and attaches its adapter.
// Re-initialization preserves the replay buffer, outbound queue and pending
// correlator so no in-flight work is lost.
func (r *Router) handleInitialize(ctx context.Context, sessionID string, cr *protocol.ControlRequest) []protocol.Envelope {
	if cr.Request.BrainURL != "" {
		if err := r.policy.ValidateBrainURL(cr.Request.BrainURL); err != nil {
			r.metrics.IncPolicyDenial(cr.Request.Provider, "brain_url")
			return []protocol.Envelope{protocol.NewErrorResponse(cr.RequestID, protocol.CodeOf(err), protocol.MessageOf(err))}
		}
	}

	a, err := r.adapters.Get(cr.Request.Provider)
	if err != nil {
		return []protocol.Envelope{protocol.NewErrorResponse(cr.RequestID, protocol.CodeInvalidArgument, err.Error())}
	}

	st, existed := r.registry.Get(sessionID)
	if !existed {
		st = session.New(sessionID, cr.Request.Provider)
		r.registry.Add(st)
	}

	st.Lock()
	defer st.Unlock()

	switched := existed && st.Provider != cr.Request.Provider
	if switched {
		st.Provider = cr.Request.Provider
		st.ProviderSessionID = ""
	}
	st.Adapter = a
	if cr.Request.Project != "" {
		st.Project = cr.Request.Project
	}
	if cr.Request.Cwd != "" {
		st.Cwd = cr.Request.Cwd
	}
	if cr.Request.BrainURL != "" {
		st.BrainURL = cr.Request.BrainURL
	}
	if cr.Request.Model != "" {
		st.Model = cr.Request.Model
	}
	for k, v := range cr.Request.Env {
		st.EnvVars[k] = v
	}
	st.Connected = true
	st.Touch(time.Now())
	r.clearRelaunch(st.SessionID)

	initRes, err := a.Initialize(ctx, st.AdapterContext())
	if err != nil {
		resp := protocol.NewErrorResponse(cr.RequestID, protocol.CodeOf(err), protocol.MessageOf(err))
		st.Replay.Append(resp)
		r.logEventLocked(st, eventlog.TypeErrorEvent, protocol.MessageOf(err), map[string]any{"code": protocol.CodeOf(err)})
		r.persistLocked(st)
		return []protocol.Envelope{resp}
	}
	if initRes.ProviderSessionID != "" {
		st.ProviderSessionID = initRes.ProviderSessionID
	}

	caps := a.SupportedSubtypes()

	switch {
	case !existed:
		r.logEventLocked(st, eventlog.TypeMetaSessionCreated, "", map[string]any{"provider": st.Provider})
	case switched:
		r.logEventLocked(st, eventlog.TypeProviderSwitched, st.Provider, map[string]any{"requestId": cr.RequestID})
	default:
		r.logEventLocked(st, eventlog.TypeMetaSessionResumed, "", map[string]any{"provider": st.Provider})
	}
	r.upsertMetaLocked(st)

	transport := protocol.NewTransportState(st.SessionID, protocol.StateCLIConnected, st.Provider, st.Model, caps)
	payload := map[string]any{
		"provider":       st.Provider,
		"model":          st.Model,
		"capabilities":   caps,
		"supportsSdkUrl": a.SupportsSDKURL(),
	}
	resp := protocol.NewSuccessResponse(cr.RequestID, payload)

	st.Replay.Append(transport)
	st.Replay.Append(resp)
	r.logEventLocked(st, eventlog.TypeControlRequest, protocol.SubtypeInitialize, map[string]any{"requestId": cr.RequestID})
	r.logEventLocked(st, eventlog.TypeControlResponse, resp.Response.Subtype, map[string]any{"requestId": cr.RequestID})
	r.metrics.IncRequest(st.Provider, protocol.SubtypeInitialize)
	r.persistLocked(st)
	return []protocol.Envelope{transport, resp}
}

// dispatchSubtype executes one non-initialize control subtype against the
// session's adapter. Caller holds the session lock.
func (r *Router) dispatchSubtype(ctx context.Context, st *session.State, cr *protocol.ControlRequest) (map[string]any, error) {
	a := st.Adapter
	ac := st.AdapterContext()
	req := cr.Request

	switch req.Subtype {
	case protocol.SubtypeSetModel:
		model := req.Model
		if model == "default" {
			model = ""
		}
		if ms, ok := a.(adapter.ModelSetter); ok {
			if err := ms.SetModel(ctx, ac, model); err != nil {
				return nil, err
			}
		}
		st.Model = model
		r.logEventLocked(st, eventlog.TypeModelSwitched, req.Model, nil)
		r.upsertMetaLocked(st)
		return map[string]any{"model": req.Model}, nil

	case protocol.SubtypeSetPermissionMode:
		if ps, ok := a.(adapter.PermissionModeSetter); ok {
			if err := ps.SetPermissionMode(ctx, ac, req.Mode); err != nil {
				return nil, err
			}
		}
		st.PermissionMode = req.Mode
		return map[string]any{"mode": req.Mode}, nil

	case protocol.SubtypeSetMaxThinkingTokens:
		if req.MaxThinkingTokens != nil && *req.MaxThinkingTokens < 0 {
			return nil, protocol.NewError(protocol.CodeInvalidArgument, "max_thinking_tokens must not be negative")
		}
		if ts, ok := a.(adapter.ThinkingLimitSetter); ok {
			if err := ts.SetMaxThinkingTokens(ctx, ac, req.MaxThinkingTokens); err != nil {
				return nil, err
			}
		}
		st.MaxThinkingTokens = req.MaxThinkingTokens
		payload := map[string]any{"maxThinkingTokens": nil}
		if req.MaxThinkingTokens != nil {
			payload["maxThinkingTokens"] = *req.MaxThinkingTokens
		}
		return payload, nil

	case protocol.SubtypeInterrupt:
		if in, ok := a.(adapter.Interrupter); ok {
			if err := in.Interrupt(ctx, ac); err != nil {
				r.logger.Warn("interrupt failed", "session_id", st.SessionID, "error", err)
			}
		}
		return map[string]any{"interrupted": true}, nil

	case protocol.SubtypeCanUseTool:
		st.AddPermission(session.PendingPermission{
			RequestID: cr.RequestID,
			CreatedAt: time.Now(),
			ToolName:  req.ToolName,
			ToolUseID: req.ToolUseID,
			Input:     req.Input,
		})
		// With a decision-maker peer attached, the permission stays
		// pending until that peer answers or the timeout applies the
		// default.
		if r.hasObserver != nil && r.hasObserver(st.SessionID) {
			r.armPermissionTimeout(st.SessionID, cr.RequestID)
			return nil, errDeferred
		}
		decision := r.defaultDecision(req.Input)
		if err := r.validateDecision(st.Provider, decision); err != nil {
			st.TakePermission(cr.RequestID)
			return nil, err
		}
		st.TakePermission(cr.RequestID)
		return decision, nil

	case protocol.SubtypeMCPStatus:
		if m, ok := a.(adapter.MCPMethods); ok {
			return m.MCPStatus(ctx, ac)
		}
		return map[string]any{"supported": false}, nil

	case protocol.SubtypeMCPMessage:
		if m, ok := a.(adapter.MCPMethods); ok {
			return m.MCPMessage(ctx, ac, req.ServerName, req.Message)
		}
		return map[string]any{"supported": false}, nil

	case protocol.SubtypeMCPSetServers:
		if m, ok := a.(adapter.MCPMethods); ok {
			return m.MCPSetServers(ctx, ac, req.Servers)
		}
		return map[string]any{"supported": false}, nil

	case protocol.SubtypeMCPReconnect:
		if m, ok := a.(adapter.MCPMethods); ok {
			return m.MCPReconnect(ctx, ac, req.ServerName)
		}
		return map[string]any{"supported": false}, nil

	case protocol.SubtypeMCPToggle:
		if m, ok := a.(adapter.MCPMethods); ok {
			enabled := req.Enabled != nil && *req.Enabled
			return m.MCPToggle(ctx, ac, req.ServerName, enabled)
		}
		return map[string]any{"supported": false}, nil

	case protocol.SubtypeRewindFiles:
		if f, ok := a.(adapter.FileRewinder); ok {
			return f.RewindFiles(ctx, ac, req.Paths)
		}
		return map[string]any{"supported": false}, nil

	case protocol.SubtypeHookCallback:
		if h, ok := a.(adapter.HookCallbacker); ok {
			return h.HookCallback(ctx, ac, req.CallbackID, req.Message)
		}
		return map[string]any{"supported": false}, nil

	default:
		return nil, protocol.NewError(protocol.CodeUnknownSubtype, "unknown control subtype: "+req.Subtype)
	}
}

// errDeferred marks a control request whose terminal response is produced
// later, by an observer decision or the permission timeout.
var errDeferred = errors.New("response deferred")

// defaultDecision builds the configured fallback tool decision.
func (r *Router) defaultDecision(input map[string]any) map[string]any {
	decision := map[string]any{"behavior": r.cfg.CanUseToolDefault}
	if r.cfg.CanUseToolDefault == "allow" && input != nil {
		decision["updatedInput"] = input
	}
	return decision
}

func (r *Router) armPermissionTimeout(sessionID, requestID string) {
	time.AfterFunc(r.cfg.PermissionTimeout, func() {
		r.finishPermission(sessionID, requestID, nil)
	})
}

// ResolvePermission applies a decision frame from an observer peer to a
// deferred can_use_tool request. Unknown or already resolved ids are
// ignored.
func (r *Router) ResolvePermission(sessionID string, resp *protocol.ControlResponse) {
	if resp.Response.RequestID == "" {
		return
	}
	r.finishPermission(sessionID, resp.Response.RequestID, resp.Response.Response)
}

// finishPermission produces the terminal response for a deferred
// can_use_tool: the observer's decision when given, the configured default
// otherwise. The pending entry is the claim token, so the first caller wins
// and later timers or decisions find nothing to do.
func (r *Router) finishPermission(sessionID, requestID string, decision map[string]any) {
	st, ok := r.registry.Get(sessionID)
	if !ok {
		return
	}
	st.Lock()
	defer st.Unlock()

	pp, ok := st.TakePermission(requestID)
	if !ok {
		return
	}
	pr, _ := st.TakePending(requestID)

	if decision == nil {
		decision = r.defaultDecision(pp.Input)
	}
	var resp *protocol.ControlResponse
	if err := r.validateDecision(st.Provider, decision); err != nil {
		resp = protocol.NewErrorResponse(requestID, protocol.CodeOf(err), protocol.MessageOf(err))
	} else {
		resp = protocol.NewSuccessResponse(requestID, decision)
	}

	if !pr.StartedAt.IsZero() {
		elapsed := float64(time.Since(pr.StartedAt)) / float64(time.Millisecond)
		r.metrics.ObserveLatency(metrics.MetricControlResponseLatency, st.Provider, protocol.SubtypeCanUseTool, elapsed)
	}
	r.metrics.IncRequest(st.Provider, protocol.SubtypeCanUseTool)

	st.Replay.Append(resp)
	r.logEventLocked(st, eventlog.TypeControlResponse, resp.Response.Subtype, map[string]any{"requestId": requestID})
	r.deliverLocked(st, requestID, resp)
	r.persistLocked(st)
}

func (r *Router) validateDecision(provider string, decision map[string]any) error {
	if err := policy.ValidateDecision(decision); err != nil {
		r.metrics.IncPolicyDenial(provider, "tool_decision")
		return err
	}
	return nil
}

// handleCancel withdraws a pending request. The ack is always a success; if
// the id named a pending can_use_tool, a permission_cancelled follows it.
func (r *Router) handleCancel(sessionID string, ccr *protocol.ControlCancelRequest) []protocol.Envelope {
	ack := protocol.NewSuccessResponse(ccr.RequestID, map[string]any{"cancelled": true})

	st, ok := r.registry.Get(sessionID)
	if !ok {
		return []protocol.Envelope{ack}
	}

	st.Lock()
	defer st.Unlock()

	st.Touch(time.Now())
	out := []protocol.Envelope{ack}
	st.TakePending(ccr.RequestID)
	if pp, was := st.TakePermission(ccr.RequestID); was {
		pc := protocol.NewPermissionCancelled(st.SessionID, pp.RequestID, "cancelled by client")
		st.Replay.Append(pc)
		r.logEventLocked(st, eventlog.TypePermissionCancel, pp.ToolName, map[string]any{"requestId": pp.RequestID})
		out = append(out, pc)
	}
	st.Replay.Append(ack)
	r.logEventLocked(st, eventlog.TypeControlResponse, "cancelled", map[string]any{"requestId": ccr.RequestID})
	r.persistLocked(st)
	return out
}

// upsertMetaLocked refreshes the indexed meta session record.
func (r *Router) upsertMetaLocked(st *session.State) {
	ms := eventlog.MetaSession{
		MetaSessionID:     st.MetaSessionID,
		Project:           st.Project,
		Cwd:               st.Cwd,
		Provider:          st.Provider,
		Model:             st.Model,
		BrainURL:          st.BrainURL,
		GatewaySessionID:  st.GatewaySessionID,
		ProviderSessionID: st.ProviderSessionID,
		UpdatedAt:         time.Now().UTC(),
	}
	if err := r.store.UpsertMetaSession(context.Background(), &ms); err != nil {
		r.logger.Warn("meta session upsert failed", "session_id", st.SessionID, "error", err)
	}
}
