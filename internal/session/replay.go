package session

import "github.com/unified-agent/gateway/pkg/protocol"

// DefaultReplayCap bounds the replay buffer.
const DefaultReplayCap = 1000

// ReplayBuffer is a bounded, append-only ring of recent envelopes used to
// hydrate a reconnecting client. Eviction is strictly oldest-first.
//
// Not safe for concurrent use; callers hold the owning session's lock.
type ReplayBuffer struct {
	cap  int
	envs []protocol.Envelope
}

// NewReplayBuffer creates a replay buffer with the given capacity.
// A non-positive capacity falls back to DefaultReplayCap.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = DefaultReplayCap
	}
	return &ReplayBuffer{cap: capacity}
}

// Append adds an envelope, evicting the oldest entry at the bound.
func (b *ReplayBuffer) Append(e protocol.Envelope) {
	if len(b.envs) >= b.cap {
		copy(b.envs, b.envs[1:])
		b.envs[len(b.envs)-1] = e
		return
	}
	b.envs = append(b.envs, e)
}

// All returns a copy of the buffered envelopes in append order.
func (b *ReplayBuffer) All() []protocol.Envelope {
	out := make([]protocol.Envelope, len(b.envs))
	copy(out, b.envs)
	return out
}

// Len returns the number of buffered envelopes.
func (b *ReplayBuffer) Len() int { return len(b.envs) }

// Cap returns the buffer bound.
func (b *ReplayBuffer) Cap() int { return b.cap }
