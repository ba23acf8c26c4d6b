// Package router is the gateway's central state machine. It validates
// incoming frames, dispatches control requests through the per-provider
// adapter, correlates pending requests and permissions, and keeps the replay
// buffer, canonical log and durable state in sync.
//
// All handling is serialized per session via the session's own lock;
// different sessions progress independently.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/unified-agent/gateway/internal/adapter"
	"github.com/unified-agent/gateway/internal/config"
	"github.com/unified-agent/gateway/internal/eventlog"
	"github.com/unified-agent/gateway/internal/metrics"
	"github.com/unified-agent/gateway/internal/policy"
	"github.com/unified-agent/gateway/internal/session"
	"github.com/unified-agent/gateway/internal/statestore"
	"github.com/unified-agent/gateway/pkg/protocol"
)

// Router dispatches envelopes and owns all session mutation.
type Router struct {
	cfg      *config.Config
	registry *session.Registry
	adapters *adapter.Registry
	policy   *policy.Policy
	limiter  *policy.RateLimiter
	metrics  *metrics.Metrics
	events   *eventlog.Writer
	store    eventlog.Store
	state    *statestore.Store
	logger   *slog.Logger

	relaunchMu     sync.Mutex
	relaunchTimers map[string]*time.Timer

	// snapshots caches the last persisted snapshot per session so a save
	// never has to enter another session's critical section.
	snapMu    sync.Mutex
	snapshots map[string]session.Snapshot

	// Peer hooks set by the transport layer.
	hasObserver func(sessionID string) bool
	emit        func(sessionID string, env protocol.Envelope) bool
}

// Options bundles the router's collaborators.
type Options struct {
	Config   *config.Config
	Registry *session.Registry
	Adapters *adapter.Registry
	Metrics  *metrics.Metrics
	Events   *eventlog.Writer
	Store    eventlog.Store
	State    *statestore.Store
}

// New creates a router.
func New(opts Options, logger *slog.Logger) *Router {
	return &Router{
		cfg:      opts.Config,
		registry: opts.Registry,
		adapters: opts.Adapters,
		policy: &policy.Policy{
			AllowInsecureWS:   opts.Config.AllowInsecureWS,
			BrainURLAllowList: opts.Config.BrainURLAllowList,
			PayloadCapBytes:   opts.Config.PayloadCapBytes,
		},
		limiter:        policy.NewRateLimiter(opts.Config.RequestsPerMinute, time.Minute),
		metrics:        opts.Metrics,
		events:         opts.Events,
		store:          opts.Store,
		state:          opts.State,
		logger:         logger.With("component", "router"),
		relaunchTimers: make(map[string]*time.Timer),
		snapshots:      make(map[string]session.Snapshot),
	}
}

// SetPeerHooks wires transport peer visibility into the router: hasObserver
// reports whether a decision-maker peer is attached to a session, emit
// delivers an envelope to attached peers and reports whether a backend
// received it.
func (r *Router) SetPeerHooks(hasObserver func(string) bool, emit func(string, protocol.Envelope) bool) {
	r.hasObserver = hasObserver
	r.emit = emit
}

// HandleFrame processes one raw frame for a session and returns the
// envelopes to deliver back to the caller, in order. Frames whose type is
// not recognized are dropped without a reply.
func (r *Router) HandleFrame(ctx context.Context, sessionID string, raw []byte) []protocol.Envelope {
	if err := r.policy.CheckPayloadSize(len(raw)); err != nil {
		r.metrics.IncPolicyDenial(r.providerOf(sessionID), "payload_cap")
		return []protocol.Envelope{protocol.NewErrorEnvelope(protocol.CodeOf(err), protocol.MessageOf(err))}
	}

	env, err := protocol.Parse(raw)
	if err != nil {
		if protocol.IsUnsupportedType(err) {
			return nil
		}
		return []protocol.Envelope{protocol.NewErrorEnvelope(protocol.CodeInvalidEnvelope, err.Error())}
	}

	switch e := env.(type) {
	case *protocol.ControlRequest:
		return r.handleControlRequest(ctx, sessionID, e)
	case *protocol.ControlCancelRequest:
		return r.handleCancel(sessionID, e)
	case *protocol.User:
		return r.handleUser(ctx, e)
	case *protocol.KeepAlive:
		r.touch(sessionID)
		return nil
	case *protocol.UpdateEnvVars:
		return r.handleEnvUpdate(sessionID, e)
	default:
		// control_response, assistant, system, transport_state,
		// permission_cancelled and error flow into the replay buffer.
		r.absorb(sessionID, env)
		return nil
	}
}

// handleUser delivers one user turn to the session's adapter.
func (r *Router) handleUser(ctx context.Context, env *protocol.User) []protocol.Envelope {
	st, ok := r.registry.Get(env.SessionID)
	if !ok {
		return []protocol.Envelope{protocol.NewErrorEnvelope(protocol.CodeNotInitialized, "session is not initialized")}
	}

	st.Lock()
	defer st.Unlock()

	st.Touch(time.Now())
	ac := st.AdapterContext()

	result, err := st.Adapter.AskUser(ctx, ac, env.Message.Content)
	if err != nil {
		r.logEventLocked(st, eventlog.TypeErrorEvent, protocol.MessageOf(err), map[string]any{"code": protocol.CodeOf(err)})
		r.persistLocked(st)
		return []protocol.Envelope{protocol.NewErrorEnvelope(protocol.CodeOf(err), protocol.MessageOf(err))}
	}
	if result.ProviderSessionID != "" {
		st.ProviderSessionID = result.ProviderSessionID
	}

	assistant := protocol.NewAssistantMessage(st.SessionID, result.Text)
	st.Replay.Append(env)
	st.Replay.Append(assistant)
	r.logEventLocked(st, eventlog.TypeUserMessage, env.Message.Content, nil)
	r.logEventLocked(st, eventlog.TypeAssistantMessage, result.Text, nil)
	r.persistLocked(st)
	return []protocol.Envelope{assistant}
}

// handleEnvUpdate merges variables into the session environment.
func (r *Router) handleEnvUpdate(sessionID string, env *protocol.UpdateEnvVars) []protocol.Envelope {
	st, ok := r.registry.Get(sessionID)
	if !ok {
		return []protocol.Envelope{protocol.NewErrorEnvelope(protocol.CodeNotInitialized, "session is not initialized")}
	}

	st.Lock()
	defer st.Unlock()

	for k, v := range env.Env {
		st.EnvVars[k] = v
	}
	st.Touch(time.Now())
	ack := protocol.NewSystemStatus(st.SessionID, "environment updated", map[string]any{"updated": len(env.Env)})
	st.Replay.Append(ack)
	r.persistLocked(st)
	return []protocol.Envelope{ack}
}

// ApplyEnv merges variables into the session environment outside the frame
// path, for the profile-apply API. Returns the number of variables applied.
func (r *Router) ApplyEnv(sessionID string, env map[string]string) (int, error) {
	st, ok := r.registry.Get(sessionID)
	if !ok {
		return 0, protocol.NewError(protocol.CodeNotInitialized, "session is not initialized")
	}
	st.Lock()
	defer st.Unlock()
	for k, v := range env {
		st.EnvVars[k] = v
	}
	st.Touch(time.Now())
	r.persistLocked(st)
	return len(env), nil
}

// absorb stores a passthrough envelope in the replay buffer.
func (r *Router) absorb(sessionID string, env protocol.Envelope) {
	st, ok := r.registry.Get(sessionID)
	if !ok {
		return
	}
	st.Lock()
	defer st.Unlock()
	st.Replay.Append(env)
	st.Touch(time.Now())
	r.persistLocked(st)
}

func (r *Router) touch(sessionID string) {
	st, ok := r.registry.Get(sessionID)
	if !ok {
		return
	}
	st.Lock()
	defer st.Unlock()
	st.Touch(time.Now())
	r.persistLocked(st)
}

func (r *Router) providerOf(sessionID string) string {
	if st, ok := r.registry.Get(sessionID); ok {
		return st.Provider
	}
	return "unknown"
}

// logEventLocked writes one canonical event for the session to both the
// JSONL file and the indexed store. Caller holds the session lock.
func (r *Router) logEventLocked(st *session.State, typ, text string, payload map[string]any) {
	ev := eventlog.Event{
		Timestamp:     time.Now().UTC(),
		MetaSessionID: st.MetaSessionID,
		Project:       st.Project,
		Cwd:           st.Cwd,
		Provider:      st.Provider,
		Type:          typ,
		Text:          text,
		Payload:       payload,
	}
	if err := r.events.Append(ev); err != nil {
		r.logger.Warn("canonical log append failed", "session_id", st.SessionID, "error", err)
	}
	if err := r.store.AppendEvent(context.Background(), ev); err != nil {
		r.logger.Warn("event store append failed", "session_id", st.SessionID, "error", err)
	}
}

// persistLocked refreshes the mutated session's entry in the snapshot cache
// and saves the full set. Caller holds only the mutated session's lock;
// other sessions contribute their last persisted snapshot, so no other
// session's critical section is ever entered here.
func (r *Router) persistLocked(mutated *session.State) {
	r.snapMu.Lock()
	r.snapshots[mutated.SessionID] = mutated.Snapshot()
	snaps := make([]session.Snapshot, 0, len(r.snapshots))
	for _, snap := range r.snapshots {
		snaps = append(snaps, snap)
	}
	r.snapMu.Unlock()

	if err := r.state.Save(snaps); err != nil {
		r.logger.Warn("state persist failed", "error", err)
	}
}

// SeedSnapshots primes the persistence cache with sessions restored from
// disk so the next save does not drop them.
func (r *Router) SeedSnapshots(snaps []session.Snapshot) {
	r.snapMu.Lock()
	defer r.snapMu.Unlock()
	for _, snap := range snaps {
		r.snapshots[snap.SessionID] = snap
	}
}

// deliverLocked pushes a router-originated envelope to attached peers, or
// queues it for the next attach when no backend is listening. Caller holds
// the session lock. The id deduplicates re-queued envelopes.
func (r *Router) deliverLocked(st *session.State, id string, env protocol.Envelope) {
	if r.emit != nil && r.emit(st.SessionID, env) {
		return
	}
	st.Outbound.Enqueue(id, env)
}

// RemoveSession deletes a session and evicts everything keyed by its id:
// limiter history, relaunch timer, and the persisted snapshot. Reports
// whether the session existed.
func (r *Router) RemoveSession(sessionID string) bool {
	if _, ok := r.registry.Get(sessionID); !ok {
		return false
	}
	r.clearRelaunch(sessionID)
	r.registry.Delete(sessionID)
	r.limiter.Forget(sessionID)

	r.snapMu.Lock()
	delete(r.snapshots, sessionID)
	snaps := make([]session.Snapshot, 0, len(r.snapshots))
	for _, snap := range r.snapshots {
		snaps = append(snaps, snap)
	}
	r.snapMu.Unlock()

	if err := r.state.Save(snaps); err != nil {
		r.logger.Warn("state persist failed", "error", err)
	}
	r.logger.Info("session removed", "session_id", sessionID)
	return true
}

// Registry exposes the session registry to the transport layer.
func (r *Router) Registry() *session.Registry { return r.registry }

// Adapters exposes the adapter registry to the transport layer.
func (r *Router) Adapters() *adapter.Registry { return r.adapters }
