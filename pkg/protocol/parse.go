package protocol

import (
	"encoding/json"
	"fmt"
)

// Parse narrows one raw frame into a recognized envelope, validating the
// fields the router depends on. Unrecognized types yield UnsupportedTypeError;
// recognized types with malformed bodies yield a plain error that the router
// maps to INVALID_ENVELOPE.
func Parse(raw []byte) (Envelope, error) {
	var probe struct {
		Type any `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("envelope is not a JSON object: %w", err)
	}
	typ, ok := probe.Type.(string)
	if !ok || typ == "" {
		return nil, fmt.Errorf("envelope.type must be a non-empty string")
	}

	switch typ {
	case TypeControlRequest:
		return parseControlRequest(raw)
	case TypeControlCancelRequest:
		var e ControlCancelRequest
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("control_cancel_request: %w", err)
		}
		if e.RequestID == "" {
			return nil, fmt.Errorf("control_cancel_request.request_id is required")
		}
		return &e, nil
	case TypeUser:
		var e User
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("user: %w", err)
		}
		if e.SessionID == "" {
			return nil, fmt.Errorf("user.session_id is required")
		}
		if e.Message.Role != "user" {
			return nil, fmt.Errorf("user.message.role must be %q", "user")
		}
		return &e, nil
	case TypeControlResponse:
		var e ControlResponse
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("control_response: %w", err)
		}
		return &e, nil
	case TypeAssistant:
		var e Assistant
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("assistant: %w", err)
		}
		return &e, nil
	case TypeSystem:
		var e System
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("system: %w", err)
		}
		return &e, nil
	case TypeTransportState:
		var e TransportState
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("transport_state: %w", err)
		}
		return &e, nil
	case TypePermissionCancelled:
		var e PermissionCancelled
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("permission_cancelled: %w", err)
		}
		return &e, nil
	case TypeKeepAlive:
		var e KeepAlive
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("keep_alive: %w", err)
		}
		return &e, nil
	case TypeUpdateEnvVars:
		var e UpdateEnvVars
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("update_environment_variables: %w", err)
		}
		return &e, nil
	case TypeError:
		var e ErrorEnvelope
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("error: %w", err)
		}
		return &e, nil
	default:
		return nil, &UnsupportedTypeError{Type: typ}
	}
}

func parseControlRequest(raw []byte) (Envelope, error) {
	var e ControlRequest
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("control_request: %w", err)
	}
	if e.RequestID == "" {
		return nil, fmt.Errorf("control_request.request_id is required")
	}
	if !ControlSubtypes[e.Request.Subtype] {
		return nil, fmt.Errorf("control_request.request.subtype %q is not recognized", e.Request.Subtype)
	}

	switch e.Request.Subtype {
	case SubtypeInitialize:
		if !ValidProvider(e.Request.Provider) {
			return nil, fmt.Errorf("initialize.provider %q is not recognized", e.Request.Provider)
		}
	case SubtypeSetPermissionMode:
		if !ValidPermissionMode(e.Request.Mode) {
			return nil, fmt.Errorf("set_permission_mode.mode %q is not recognized", e.Request.Mode)
		}
	case SubtypeSetModel:
		if e.Request.Model == "" {
			return nil, fmt.Errorf("set_model.model must be a non-empty string")
		}
	}
	return &e, nil
}
