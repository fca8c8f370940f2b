package gateway

import (
	"encoding/json"
	"errors"

	"relaybot/internal/domain"
	"relaybot/internal/usecase/configsync"
)

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	FrameTypeRequest  FrameType = "request"
	FrameTypeResponse FrameType = "response"
	FrameTypeEvent    FrameType = "event"
)

// Frame is the envelope exchanged between client and server over WebSocket.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      uint64          `json:"id,omitempty"`      // request/response correlation ID
	Method  string          `json:"method,omitempty"`  // RPC method name (request only)
	Event   string          `json:"event,omitempty"`   // event name (event only)
	Payload json.RawMessage `json:"payload,omitempty"` // request params, response result or event body
	Error   *ErrorBody      `json:"error,omitempty"`   // response only
}

// ErrorBody is the error shape returned to RPC and REST callers.
type ErrorBody struct {
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Details map[string]any   `json:"details,omitempty"`
}

func errorBody(err error) *ErrorBody {
	var re *configsync.RequestError
	if errors.As(err, &re) {
		return &ErrorBody{Code: re.Code, Message: re.Message, Details: re.Details}
	}
	return &ErrorBody{Code: domain.ErrorCodeOf(err), Message: err.Error()}
}
