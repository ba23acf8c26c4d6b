package protocol

// Response subtypes.
const (
	ResponseSuccess = "success"
	ResponseError   = "error"
)

// NewSuccessResponse builds a control_response carrying a success payload.
func NewSuccessResponse(requestID string, payload map[string]any) *ControlResponse {
	return &ControlResponse{
		Type: TypeControlResponse,
		Response: ControlResponseBody{
			Subtype:   ResponseSuccess,
			RequestID: requestID,
			Response:  payload,
		},
	}
}

// NewErrorResponse builds a control_response carrying a taxonomy error.
func NewErrorResponse(requestID, code, message string) *ControlResponse {
	return &ControlResponse{
		Type: TypeControlResponse,
		Response: ControlResponseBody{
			Subtype:   ResponseError,
			RequestID: requestID,
			Error:     message,
			Code:      code,
		},
	}
}

// NewSystemStatus builds a system.status envelope.
func NewSystemStatus(sessionID, text string, data map[string]any) *System {
	return &System{
		Type:      TypeSystem,
		Subtype:   SystemStatus,
		SessionID: sessionID,
		Text:      text,
		Data:      data,
	}
}

// NewSystemWarning builds a system.warning envelope.
func NewSystemWarning(sessionID, text string, data map[string]any) *System {
	return &System{
		Type:      TypeSystem,
		Subtype:   SystemWarning,
		SessionID: sessionID,
		Text:      text,
		Data:      data,
	}
}

// NewTransportState builds a transport_state envelope.
func NewTransportState(sessionID, state, provider, model string, capabilities []string) *TransportState {
	return &TransportState{
		Type:         TypeTransportState,
		SessionID:    sessionID,
		State:        state,
		Provider:     provider,
		Model:        model,
		Capabilities: capabilities,
	}
}

// NewAssistantMessage builds an assistant envelope with a message event.
func NewAssistantMessage(sessionID, text string) *Assistant {
	return &Assistant{
		Type:      TypeAssistant,
		SessionID: sessionID,
		Event:     AssistantEvent{Subtype: "message", Text: text},
	}
}

// NewPermissionCancelled builds a permission_cancelled envelope.
func NewPermissionCancelled(sessionID, requestID, reason string) *PermissionCancelled {
	return &PermissionCancelled{
		Type:      TypePermissionCancelled,
		SessionID: sessionID,
		RequestID: requestID,
		Reason:    reason,
	}
}

// NewErrorEnvelope builds a top-level error envelope.
func NewErrorEnvelope(code, message string) *ErrorEnvelope {
	return &ErrorEnvelope{Type: TypeError, Code: code, Message: message}
}
