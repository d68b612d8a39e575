package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Pair with NewSubSystemError for subsystem-specific codes.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrDisabled         = fmt.Errorf("disabled")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrProviderError    = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	ErrEngineFault   = fmt.Errorf("engine fault")
	ErrCycleDetected = fmt.Errorf("cycle detected")
	ErrMaxSteps      = fmt.Errorf("execution step limit exceeded")
	ErrCancelled     = fmt.Errorf("execution cancelled")
	ErrSSRFBlocked   = fmt.Errorf("request to private/reserved IP blocked")
	ErrCircuitOpen   = fmt.Errorf("circuit breaker open")
	ErrConfigLoad    = fmt.Errorf("failed to load configuration")
	ErrDecryption    = fmt.Errorf("decryption failed")
	ErrStore         = fmt.Errorf("store operation failed")
	ErrRateLimit     = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid   = fmt.Errorf("authentication failed")

	// Gateway / RPC errors.
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Engine.Execute")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "workflow", "execution"); used for ErrorCode dispatch
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
// Use this with category sentinels (ErrNotFound, ErrTimeout, etc.) so that ErrorCodeOf
// can map the combination of sentinel + subsystem to a specific ErrorCode.
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

// IsEngineFault reports whether err aborted an execution run.
func IsEngineFault(err error) bool {
	return errors.Is(err, ErrEngineFault) ||
		errors.Is(err, ErrCycleDetected) ||
		errors.Is(err, ErrMaxSteps)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeEngineFault       ErrorCode = "ENGINE_FAULT"
	CodeWorkflowCycle     ErrorCode = "WORKFLOW_CYCLE"
	CodeMaxSteps          ErrorCode = "WORKFLOW_MAX_STEPS"
	CodeCancelled         ErrorCode = "EXECUTION_CANCELLED"
	CodeSSRFBlocked       ErrorCode = "SSRF_BLOCKED"
	CodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeDecryption        ErrorCode = "DECRYPTION"
	CodeStore             ErrorCode = "STORE"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"
	CodeGatewayAuth       ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload ErrorCode = "RPC_INVALID_PAYLOAD"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeWorkflowNotFound    ErrorCode = "WORKFLOW_NOT_FOUND"
	CodeWorkflowDuplicate   ErrorCode = "WORKFLOW_DUPLICATE"
	CodeWorkflowInvalid     ErrorCode = "WORKFLOW_INVALID"
	CodeWorkflowInactive    ErrorCode = "WORKFLOW_INACTIVE"
	CodeWorkflowMaxRunning  ErrorCode = "WORKFLOW_MAX_RUNNING"
	CodeExecutionNotFound   ErrorCode = "EXECUTION_NOT_FOUND"
	CodeExecutionNotRunning ErrorCode = "EXECUTION_NOT_RUNNING"
	CodeOutboundTimeout     ErrorCode = "OUTBOUND_TIMEOUT"
	CodeOutboundInvalid     ErrorCode = "OUTBOUND_INVALID_REQUEST"
	CodeIntegrationProvider ErrorCode = "INTEGRATION_PROVIDER"

	// Category error codes, the fallback when no subsystem-specific code matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeDisabled         ErrorCode = "DISABLED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeProviderError    ErrorCode = "PROVIDER_ERROR"
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
	ErrProviderError:    CodeProviderError,

	ErrEngineFault:       CodeEngineFault,
	ErrCycleDetected:     CodeWorkflowCycle,
	ErrMaxSteps:          CodeMaxSteps,
	ErrCancelled:         CodeCancelled,
	ErrSSRFBlocked:       CodeSSRFBlocked,
	ErrCircuitOpen:       CodeCircuitOpen,
	ErrConfigLoad:        CodeConfigLoad,
	ErrDecryption:        CodeDecryption,
	ErrStore:             CodeStore,
	ErrRateLimit:         CodeRateLimit,
	ErrAuthInvalid:       CodeAuthInvalid,
	ErrGatewayAuthFailed: CodeGatewayAuth,
	ErrRPCMethodNotFound: CodeRPCMethodNotFound,
	ErrRPCInvalidPayload: CodeRPCInvalidPayload,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"workflow":  CodeWorkflowNotFound,
		"execution": CodeExecutionNotFound,
	},
	ErrDuplicate: {
		"workflow": CodeWorkflowDuplicate,
	},
	ErrTimeout: {
		"outbound": CodeOutboundTimeout,
	},
	ErrLimitReached: {
		"workflow": CodeWorkflowMaxRunning,
	},
	ErrDisabled: {
		"workflow": CodeWorkflowInactive,
	},
	ErrInvalidInput: {
		"workflow":  CodeWorkflowInvalid,
		"execution": CodeExecutionNotRunning,
		"outbound":  CodeOutboundInvalid,
	},
	ErrProviderError: {
		"integration": CodeIntegrationProvider,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// For DomainErrors with a SubSystem, it also checks the subSystemCodeMap
// to resolve category sentinels to specific codes.
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

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
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
