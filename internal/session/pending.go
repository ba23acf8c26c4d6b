package session

import (
	"time"

	"github.com/unified-agent/gateway/pkg/protocol"
)

// PendingRequest tracks one outstanding control request.
type PendingRequest struct {
	RequestID string    `json:"request_id"`
	Subtype   string    `json:"subtype"`
	StartedAt time.Time `json:"started_at"`
}

// PendingPermission tracks one in-flight can_use_tool approval.
type PendingPermission struct {
	RequestID string         `json:"request_id"`
	SessionID string         `json:"session_id"`
	CreatedAt time.Time      `json:"created_at"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
}

// AddPending registers an outstanding control request. Methods below are not
// safe for concurrent use; callers hold the owning session's lock.
func (s *State) AddPending(requestID, subtype string, startedAt time.Time) {
	s.PendingRequests[requestID] = PendingRequest{
		RequestID: requestID,
		Subtype:   subtype,
		StartedAt: startedAt,
	}
}

// TakePending removes and returns the pending request with the given id.
func (s *State) TakePending(requestID string) (PendingRequest, bool) {
	pr, ok := s.PendingRequests[requestID]
	if ok {
		delete(s.PendingRequests, requestID)
	}
	return pr, ok
}

// IsPending reports whether the request id is still outstanding.
func (s *State) IsPending(requestID string) bool {
	_, ok := s.PendingRequests[requestID]
	return ok
}

// AddPermission registers an in-flight can_use_tool approval.
func (s *State) AddPermission(p PendingPermission) {
	p.SessionID = s.SessionID
	s.PendingPermissions[p.RequestID] = p
}

// TakePermission removes and returns the pending permission with the given id.
func (s *State) TakePermission(requestID string) (PendingPermission, bool) {
	pp, ok := s.PendingPermissions[requestID]
	if ok {
		delete(s.PendingPermissions, requestID)
	}
	return pp, ok
}

// CancelPermissions drains every pending permission, returning one
// permission_cancelled envelope per entry.
func (s *State) CancelPermissions(reason string) []*protocol.PermissionCancelled {
	if len(s.PendingPermissions) == 0 {
		return nil
	}
	out := make([]*protocol.PermissionCancelled, 0, len(s.PendingPermissions))
	for id := range s.PendingPermissions {
		out = append(out, protocol.NewPermissionCancelled(s.SessionID, id, reason))
		delete(s.PendingPermissions, id)
	}
	return out
}
