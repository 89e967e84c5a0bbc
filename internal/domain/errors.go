package domain

import (
	"context"
	"errors"
	"fmt"
)

// Failure classes of a turn. A tool-level application failure is not in
// this list: it travels as a ToolResult with IsError set.
var (
	ErrProviderUnreachable = fmt.Errorf("tool provider unreachable")
	ErrTransport           = fmt.Errorf("tool transport failure")
	ErrProtocol            = fmt.Errorf("tool provider protocol error")
	ErrDecision            = fmt.Errorf("decision engine failure")
)

// Sentinel errors for the domain layer.
var (
	ErrProviderNotFound  = fmt.Errorf("llm provider not found")
	ErrToolNotFound      = fmt.Errorf("tool not found")
	ErrMaxIterations     = fmt.Errorf("agent reached max iterations")
	ErrSessionNotFound   = fmt.Errorf("session not found")
	ErrTimeout           = fmt.Errorf("operation timed out")
	ErrInvalidInput      = fmt.Errorf("invalid input")
	ErrConfigLoad        = fmt.Errorf("failed to load configuration")
	ErrDecryption        = fmt.Errorf("decryption failed")
	ErrEncryption        = fmt.Errorf("encryption operation failed")
	ErrCircuitOpen       = fmt.Errorf("circuit breaker open")
	ErrEmptyResponse     = fmt.Errorf("empty response")
	ErrMalformedToolCall = fmt.Errorf("malformed tool call")

	// Gateway / RPC errors.
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")

	// LLM HTTP errors.
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrProviderFailure = fmt.Errorf("provider request failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Registry.Discover")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
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

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Classify joins a failure class with its cause so that errors.Is matches
// both, e.g. Classify(ErrDecision, ErrRateLimit).
func Classify(class, cause error) error {
	if cause == nil || errors.Is(cause, class) {
		return cause
	}
	return fmt.Errorf("%w: %w", class, cause)
}

// IsRetryableError reports whether a caller may retry the failed operation
// unchanged and expect a different outcome.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrProviderUnreachable) ||
		errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrCircuitOpen)
}

// ErrorCode is a machine-parseable error category carried on gateway frames.
type ErrorCode string

const (
	CodeUnknown             ErrorCode = "UNKNOWN"
	CodeProviderUnreachable ErrorCode = "PROVIDER_UNREACHABLE"
	CodeTransport           ErrorCode = "TRANSPORT"
	CodeProtocol            ErrorCode = "PROTOCOL"
	CodeDecision            ErrorCode = "DECISION"
	CodeProviderNotFound    ErrorCode = "PROVIDER_NOT_FOUND"
	CodeToolNotFound        ErrorCode = "TOOL_NOT_FOUND"
	CodeMaxIterations       ErrorCode = "MAX_ITERATIONS"
	CodeSessionNotFound     ErrorCode = "SESSION_NOT_FOUND"
	CodeTimeout             ErrorCode = "TIMEOUT"
	CodeInvalidInput        ErrorCode = "INVALID_INPUT"
	CodeConfigLoad          ErrorCode = "CONFIG_LOAD"
	CodeEncryption          ErrorCode = "ENCRYPTION"
	CodeDecryption          ErrorCode = "DECRYPTION"
	CodeCircuitOpen         ErrorCode = "CIRCUIT_OPEN"
	CodeGatewayAuth         ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound   ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload   ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeContextOverflow     ErrorCode = "CONTEXT_OVERFLOW"
	CodeRateLimit           ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid         ErrorCode = "AUTH_INVALID"
	CodeProviderFailure     ErrorCode = "PROVIDER_FAILURE"
	CodeCanceled            ErrorCode = "CANCELED"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrProviderUnreachable: CodeProviderUnreachable,
	ErrTransport:           CodeTransport,
	ErrProtocol:            CodeProtocol,
	ErrDecision:            CodeDecision,
	ErrProviderNotFound:    CodeProviderNotFound,
	ErrToolNotFound:        CodeToolNotFound,
	ErrMaxIterations:       CodeMaxIterations,
	ErrSessionNotFound:     CodeSessionNotFound,
	ErrTimeout:             CodeTimeout,
	ErrInvalidInput:        CodeInvalidInput,
	ErrConfigLoad:          CodeConfigLoad,
	ErrDecryption:          CodeDecryption,
	ErrEncryption:          CodeEncryption,
	ErrCircuitOpen:         CodeCircuitOpen,
	ErrGatewayAuthFailed:   CodeGatewayAuth,
	ErrRPCMethodNotFound:   CodeRPCMethodNotFound,
	ErrRPCInvalidPayload:   CodeRPCInvalidPayload,
	ErrContextOverflow:     CodeContextOverflow,
	ErrRateLimit:           CodeRateLimit,
	ErrAuthInvalid:         CodeAuthInvalid,
	ErrProviderFailure:     CodeProviderFailure,
}

// codePriority orders the chain walk: a turn-level class wins over the cause
// it wraps, so Classify(ErrDecision, ErrRateLimit) reports DECISION.
var codePriority = []error{
	ErrProviderUnreachable,
	ErrTransport,
	ErrProtocol,
	ErrDecision,
	ErrGatewayAuthFailed,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	for _, sentinel := range codePriority {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	if errors.Is(err, context.Canceled) {
		return CodeCanceled
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e)
}
