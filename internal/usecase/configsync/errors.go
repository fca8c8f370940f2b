package configsync

import (
	"relaybot/internal/domain"
)

// Request error messages. Clients match on the code, operators read these.
const (
	msgBaseHashRequired    = "config base hash required; re-run config.get and retry"
	msgBaseHashUnavailable = "config base hash unavailable; re-run config.get and retry"
	msgBaseHashStale       = "config changed since last load; re-run config.get and retry"
	msgPatchOnInvalid      = "invalid config; fix before patching"
	msgPatchNotObject      = "config.patch raw must be an object"
	msgInvalidConfig       = "invalid config"
)

// RequestError is a config protocol failure the caller can fix and retry.
type RequestError struct {
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Details map[string]any   `json:"details,omitempty"`
}

func (e *RequestError) Error() string { return e.Message }

// Unwrap lets errors.Is match domain.ErrInvalidRequest.
func (e *RequestError) Unwrap() error { return domain.ErrInvalidRequest }

func invalidRequest(msg string) *RequestError {
	return &RequestError{Code: domain.CodeInvalidRequest, Message: msg}
}

func invalidConfig(issues []domain.Issue) *RequestError {
	return &RequestError{
		Code:    domain.CodeInvalidRequest,
		Message: msgInvalidConfig,
		Details: map[string]any{"issues": issues},
	}
}
