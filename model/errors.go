package model

import "fmt"

// Standard error codes.
const (
	ErrConflict          = "CONFLICT"
	ErrNotFound          = "NOT_FOUND"
	ErrInvalidInput      = "INVALID_INPUT"
	ErrChannelError      = "CHANNEL_ERROR"
	ErrGraphInconsistent = "GRAPH_INCONSISTENT"
	ErrInternalError     = "INTERNAL_ERROR"
)

// ErrorEnvelope is the standard error shape surfaced at operation boundaries.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewInvalidInputError returns an INVALID_INPUT error.
func NewInvalidInputError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidInput, Message: msg}
}

// NewChannelError wraps a messaging-channel rejection or transport failure.
func NewChannelError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrChannelError, Message: msg}
}

// NewGraphInconsistentError reports an edge pointing at a missing node.
func NewGraphInconsistentError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrGraphInconsistent, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// ErrorCode extracts the envelope code from an error, or INTERNAL_ERROR for
// plain errors.
func ErrorCode(err error) string {
	if env, ok := err.(*ErrorEnvelope); ok {
		return env.Code
	}
	return ErrInternalError
}
