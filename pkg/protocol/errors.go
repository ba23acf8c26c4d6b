package protocol

import "errors"

// Error codes form a closed taxonomy. Every control failure maps to exactly
// one of these before it reaches the wire.
const (
	CodeInvalidEnvelope = "INVALID_ENVELOPE"
	CodeUnknownSubtype  = "UNKNOWN_SUBTYPE"
	CodePolicyDenied    = "POLICY_DENIED"
	CodeNotInitialized  = "NOT_INITIALIZED"
	CodeRequestTimeout  = "REQUEST_TIMEOUT"
	CodeRateLimited     = "RATE_LIMITED"
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeInternalError   = "INTERNAL_ERROR"
)

// Error is a taxonomized gateway error. Adapters and policy return it when
// they want a specific wire code; anything else surfaces as INTERNAL_ERROR.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// NewError builds a taxonomized error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// CodeOf extracts the taxonomy code from err, defaulting to INTERNAL_ERROR.
func CodeOf(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return CodeInternalError
}

// MessageOf extracts a single-line message from err.
func MessageOf(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Message
	}
	return err.Error()
}

// UnsupportedTypeError marks an envelope whose type discriminator is not
// recognized. The router drops these frames silently so that backend-native
// dialect frames can flow through a multiplexed attachment.
type UnsupportedTypeError struct {
	Type string
}

func (e *UnsupportedTypeError) Error() string {
	return "unsupported envelope.type: " + e.Type
}

// IsUnsupportedType reports whether err marks an unrecognized envelope type.
func IsUnsupportedType(err error) bool {
	var ute *UnsupportedTypeError
	return errors.As(err, &ute)
}
