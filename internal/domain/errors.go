package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrDisabled         = fmt.Errorf("disabled")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrInvalidRequest   = fmt.Errorf("invalid request")
	ErrConflict         = fmt.Errorf("conflict")
)

// Sentinel errors for the domain layer.
var (
	ErrConfigLoad     = fmt.Errorf("failed to load configuration")
	ErrConfigWrite    = fmt.Errorf("failed to write configuration")
	ErrConfigInvalid  = fmt.Errorf("configuration invalid")
	ErrDecryption     = fmt.Errorf("decryption failed")
	ErrEncryption     = fmt.Errorf("encryption operation failed")
	ErrAuditWrite     = fmt.Errorf("audit log write failed")
	ErrPluginLoad     = fmt.Errorf("plugin load failed")
	ErrPluginRegister = fmt.Errorf("plugin registration failed")
	ErrChannelUnknown = fmt.Errorf("channel not registered")
	ErrDelivery       = fmt.Errorf("delivery failed")
	ErrToolFailure    = fmt.Errorf("tool execution failed")

	// Gateway / RPC errors.
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")

	// RBAC errors.
	ErrForbidden = fmt.Errorf("forbidden: insufficient permissions")

	// Resilience errors.
	ErrRateLimit   = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid = fmt.Errorf("authentication failed")
	ErrCircuitOpen = fmt.Errorf("circuit breaker open")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Loader.Load")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "plugin", "wasm"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrCircuitOpen)
}

// ErrorCode is a machine-parseable error category returned to RPC callers.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeInvalidRequest    ErrorCode = "INVALID_REQUEST"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeConfigWrite       ErrorCode = "CONFIG_WRITE"
	CodeConfigInvalid     ErrorCode = "CONFIG_INVALID"
	CodeEncryption        ErrorCode = "ENCRYPTION"
	CodeDecryption        ErrorCode = "DECRYPTION"
	CodeAuditWrite        ErrorCode = "AUDIT_WRITE"
	CodePluginLoad        ErrorCode = "PLUGIN_LOAD"
	CodePluginRegister    ErrorCode = "PLUGIN_REGISTER"
	CodeChannelUnknown    ErrorCode = "CHANNEL_UNKNOWN"
	CodeDelivery          ErrorCode = "DELIVERY"
	CodeToolFailure       ErrorCode = "TOOL_FAILURE"
	CodeGatewayAuth       ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeForbidden         ErrorCode = "FORBIDDEN"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"
	CodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodePluginNotFound   ErrorCode = "PLUGIN_NOT_FOUND"
	CodePluginDuplicate  ErrorCode = "PLUGIN_DUPLICATE"
	CodePluginPermission ErrorCode = "PLUGIN_PERMISSION"
	CodeChannelNotFound  ErrorCode = "CHANNEL_NOT_FOUND"
	CodeAccountNotFound  ErrorCode = "ACCOUNT_NOT_FOUND"
	CodeConfigConflict   ErrorCode = "CONFIG_CONFLICT"
	CodeWASMLoad         ErrorCode = "WASM_LOAD"
	CodeWASMTimeout      ErrorCode = "WASM_TIMEOUT"
	CodeWASMCapability   ErrorCode = "WASM_CAPABILITY"
	CodeProbeTimeout     ErrorCode = "PROBE_TIMEOUT"

	// Category error codes. Fallback codes when no subsystem-specific code matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeDisabled         ErrorCode = "DISABLED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeConflict         ErrorCode = "CONFLICT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrLimitReached:     CodeLimitReached,
	ErrPermissionDenied: CodePermissionDenied,
	ErrDisabled:         CodeDisabled,
	ErrInvalidInput:     CodeInvalidInput,
	ErrInvalidRequest:   CodeInvalidRequest,
	ErrConflict:         CodeConflict,

	ErrConfigLoad:        CodeConfigLoad,
	ErrConfigWrite:       CodeConfigWrite,
	ErrConfigInvalid:     CodeConfigInvalid,
	ErrDecryption:        CodeDecryption,
	ErrEncryption:        CodeEncryption,
	ErrAuditWrite:        CodeAuditWrite,
	ErrPluginLoad:        CodePluginLoad,
	ErrPluginRegister:    CodePluginRegister,
	ErrChannelUnknown:    CodeChannelUnknown,
	ErrDelivery:          CodeDelivery,
	ErrToolFailure:       CodeToolFailure,
	ErrGatewayAuthFailed: CodeGatewayAuth,
	ErrRPCMethodNotFound: CodeRPCMethodNotFound,
	ErrRPCInvalidPayload: CodeRPCInvalidPayload,
	ErrForbidden:         CodeForbidden,
	ErrRateLimit:         CodeRateLimit,
	ErrAuthInvalid:       CodeAuthInvalid,
	ErrCircuitOpen:       CodeCircuitOpen,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"plugin":  CodePluginNotFound,
		"channel": CodeChannelNotFound,
		"account": CodeAccountNotFound,
	},
	ErrDuplicate: {
		"plugin": CodePluginDuplicate,
	},
	ErrTimeout: {
		"wasm":  CodeWASMTimeout,
		"probe": CodeProbeTimeout,
	},
	ErrPermissionDenied: {
		"plugin": CodePluginPermission,
		"wasm":   CodeWASMCapability,
	},
	ErrInvalidInput: {
		"wasm": CodeWASMLoad,
	},
	ErrConflict: {
		"config": CodeConfigConflict,
	},
}

// precedence lists sentinels in the order ErrorCodeOf tries them when walking
// a wrapped chain. Specific sentinels come before the categories they wrap.
var precedence = []error{
	ErrGatewayAuthFailed,
	ErrInvalidRequest,
	ErrConfigInvalid,
	ErrConfigLoad,
	ErrConfigWrite,
	ErrDecryption,
	ErrEncryption,
	ErrAuditWrite,
	ErrPluginLoad,
	ErrPluginRegister,
	ErrChannelUnknown,
	ErrDelivery,
	ErrToolFailure,
	ErrRPCMethodNotFound,
	ErrRPCInvalidPayload,
	ErrForbidden,
	ErrRateLimit,
	ErrAuthInvalid,
	ErrCircuitOpen,
	ErrNotFound,
	ErrDuplicate,
	ErrTimeout,
	ErrLimitReached,
	ErrPermissionDenied,
	ErrDisabled,
	ErrInvalidInput,
	ErrConflict,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for _, sentinel := range precedence {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
