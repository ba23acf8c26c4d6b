package session

import "github.com/unified-agent/gateway/pkg/protocol"

// OutboundQueue is a per-session FIFO of envelopes pending delivery,
// deduplicated by envelope id. The queue exists because the transport may
// not currently be attached; it is distinct from the replay buffer.
//
// Not safe for concurrent use; callers hold the owning session's lock.
type OutboundQueue struct {
	entries []outboundEntry
	seen    map[string]bool
}

type outboundEntry struct {
	id  string
	env protocol.Envelope
}

// NewOutboundQueue creates an empty queue.
func NewOutboundQueue() *OutboundQueue {
	return &OutboundQueue{seen: make(map[string]bool)}
}

// Enqueue appends the envelope unless the id is already queued. Returns
// true if the envelope was accepted.
func (q *OutboundQueue) Enqueue(id string, env protocol.Envelope) bool {
	if q.seen[id] {
		return false
	}
	q.seen[id] = true
	q.entries = append(q.entries, outboundEntry{id: id, env: env})
	return true
}

// Flush drains the queue in order. Each successfully sent envelope clears
// its id from the seen set so a later re-enqueue is accepted again. On send
// failure the remaining entries stay queued.
func (q *OutboundQueue) Flush(send func(protocol.Envelope) error) error {
	for len(q.entries) > 0 {
		head := q.entries[0]
		if err := send(head.env); err != nil {
			return err
		}
		delete(q.seen, head.id)
		q.entries = q.entries[1:]
	}
	return nil
}

// Len returns the number of queued envelopes.
func (q *OutboundQueue) Len() int { return len(q.entries) }

// Entries returns the queued (id, envelope) pairs in order, for persistence.
func (q *OutboundQueue) Entries() []struct {
	ID  string
	Env protocol.Envelope
} {
	out := make([]struct {
		ID  string
		Env protocol.Envelope
	}, len(q.entries))
	for i, e := range q.entries {
		out[i].ID = e.id
		out[i].Env = e.env
	}
	return out
}
