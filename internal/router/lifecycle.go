package router

import (
	"time"

	"github.com/unified-agent/gateway/internal/eventlog"
	"github.com/unified-agent/gateway/pkg/protocol"
)

// RunHeartbeat ticks liveness for all sessions until the channel closes.
// Sessions quiet past the stale threshold are marked disconnected and put on
// the relaunch watchdog.
func (r *Router) RunHeartbeat(stop <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			r.sweep(now)
		}
	}
}

func (r *Router) sweep(now time.Time) {
	for _, st := range r.registry.List() {
		st.Lock()
		stale := st.Connected && now.Unix()-st.LastSeenEpoch > int64(r.cfg.StaleThreshold/time.Second)
		if stale {
			st.Connected = false
			st.Replay.Append(protocol.NewTransportState(st.SessionID, protocol.StateCLIDisconnected, st.Provider, st.Model, nil))
			r.logEventLocked(st, eventlog.TypeTransportState, protocol.StateCLIDisconnected, map[string]any{"reason": "stale"})
			r.persistLocked(st)
		}
		st.Unlock()
		if stale {
			r.scheduleRelaunch(st.SessionID)
			r.logger.Info("session went stale", "session_id", st.SessionID)
		}
	}
}

// MarkConnected records a backend attach: liveness refresh, reconnect
// metric, and withdrawal of any armed relaunch watchdog.
func (r *Router) MarkConnected(sessionID string) {
	st, ok := r.registry.Get(sessionID)
	if !ok {
		return
	}
	r.clearRelaunch(sessionID)
	st.Lock()
	defer st.Unlock()
	if !st.Connected {
		r.metrics.IncReconnect(st.Provider)
	}
	st.Connected = true
	st.Touch(time.Now())
	r.persistLocked(st)
}

// MarkDisconnected records the last backend peer detaching: pending
// permissions are cancelled into the replay buffer, the transport transition
// is recorded, and the relaunch watchdog is armed.
func (r *Router) MarkDisconnected(sessionID, reason string) {
	st, ok := r.registry.Get(sessionID)
	if !ok {
		return
	}
	st.Lock()
	st.Connected = false
	st.Replay.Append(protocol.NewTransportState(st.SessionID, protocol.StateCLIDisconnected, st.Provider, st.Model, nil))
	r.logEventLocked(st, eventlog.TypeTransportState, protocol.StateCLIDisconnected, map[string]any{"reason": reason})
	for _, pc := range st.CancelPermissions(reason) {
		st.TakePending(pc.RequestID)
		st.Replay.Append(pc)
		r.logEventLocked(st, eventlog.TypePermissionCancel, pc.Reason, map[string]any{"requestId": pc.RequestID})
		r.deliverLocked(st, pc.RequestID+"/cancelled", pc)
	}
	r.persistLocked(st)
	st.Unlock()
	r.scheduleRelaunch(sessionID)
}

// scheduleRelaunch arms the grace timer. If the session is still
// disconnected when it fires, a relaunch-required warning lands in the
// replay buffer for the next peer to observe.
func (r *Router) scheduleRelaunch(sessionID string) {
	r.relaunchMu.Lock()
	defer r.relaunchMu.Unlock()
	if t, ok := r.relaunchTimers[sessionID]; ok {
		t.Stop()
	}
	r.relaunchTimers[sessionID] = time.AfterFunc(r.cfg.RelaunchGrace, func() {
		r.relaunchFired(sessionID)
	})
}

func (r *Router) relaunchFired(sessionID string) {
	r.relaunchMu.Lock()
	delete(r.relaunchTimers, sessionID)
	r.relaunchMu.Unlock()

	st, ok := r.registry.Get(sessionID)
	if !ok {
		return
	}
	st.Lock()
	defer st.Unlock()
	if st.Connected {
		return
	}
	warning := protocol.NewSystemWarning(st.SessionID, "backend did not return within the relaunch grace period",
		map[string]any{"relaunch": "required"})
	st.Replay.Append(warning)
	r.deliverLocked(st, "relaunch/"+st.SessionID, warning)
	r.logEventLocked(st, eventlog.TypeErrorEvent, "relaunch required", map[string]any{"sessionId": st.SessionID})
	r.persistLocked(st)
	r.logger.Warn("relaunch grace expired", "session_id", sessionID)
}

func (r *Router) clearRelaunch(sessionID string) {
	r.relaunchMu.Lock()
	defer r.relaunchMu.Unlock()
	if t, ok := r.relaunchTimers[sessionID]; ok {
		t.Stop()
		delete(r.relaunchTimers, sessionID)
	}
}

// Hydrate builds the catch-up sequence for a reconnecting peer: a status
// snapshot, the replay buffer in order, then one announcement per pending
// permission still awaiting a decision.
func (r *Router) Hydrate(sessionID string) []protocol.Envelope {
	st, ok := r.registry.Get(sessionID)
	if !ok {
		return nil
	}
	st.Lock()
	defer st.Unlock()

	out := make([]protocol.Envelope, 0, st.Replay.Len()+len(st.PendingPermissions)+1)
	out = append(out, protocol.NewSystemStatus(st.SessionID, "session hydration", map[string]any{
		"provider":          st.Provider,
		"model":             st.Model,
		"permissionMode":    st.PermissionMode,
		"connected":         st.Connected,
		"gatewaySessionId":  st.GatewaySessionID,
		"providerSessionId": st.ProviderSessionID,
		"replayLength":      st.Replay.Len(),
	}))
	out = append(out, st.Replay.All()...)
	for _, pp := range st.PendingPermissions {
		out = append(out, protocol.NewSystemStatus(st.SessionID, "permission awaiting decision", map[string]any{
			"requestId": pp.RequestID,
			"toolName":  pp.ToolName,
			"toolUseId": pp.ToolUseID,
		}))
	}
	return out
}

// FlushOutbound drains the session's outbound queue through send. Delivery
// errors leave the undelivered remainder queued.
func (r *Router) FlushOutbound(sessionID string, send func(protocol.Envelope) error) error {
	st, ok := r.registry.Get(sessionID)
	if !ok {
		return nil
	}
	st.Lock()
	defer st.Unlock()
	err := st.Outbound.Flush(send)
	r.persistLocked(st)
	return err
}
