package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Provider-level failures. These are the only classes a Provider surfaces and
// every one of them is retried through the fallback chain.
var (
	ErrUnavailable   = fmt.Errorf("provider unavailable")
	ErrQuotaExceeded = fmt.Errorf("provider quota exceeded")
	ErrAuthFailure   = fmt.Errorf("provider authentication failed")
)

// Task-level failures. Surfaced to the caller, never retried automatically.
var (
	ErrAllProvidersExhausted = fmt.Errorf("all providers exhausted")
	ErrRateLimited           = fmt.Errorf("rate limited")
	ErrPathEscape            = fmt.Errorf("path escapes workspace root")
	ErrEmptyInput            = fmt.Errorf("empty input")
	ErrRoleNotFound          = fmt.Errorf("role not found")
	ErrDelegationDepth       = fmt.Errorf("delegation depth exceeded")
)

// ErrMalformedDirective is recovered silently: the response is treated as plain text.
var ErrMalformedDirective = fmt.Errorf("malformed directive")

var (
	ErrProviderNotFound  = fmt.Errorf("provider not found")
	ErrSessionNotFound   = fmt.Errorf("session not found")
	ErrTaskNotFound      = fmt.Errorf("task not found")
	ErrInvalidConfig     = fmt.Errorf("invalid configuration")
	ErrDecryption        = fmt.Errorf("decryption failed")
	ErrGatewayAuthFailed = fmt.Errorf("gateway: authentication failed")
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")
)

// FailureClass is the classification a Provider attaches to a failed execution.
type FailureClass string

const (
	FailureUnavailable   FailureClass = "unavailable"
	FailureQuotaExceeded FailureClass = "quota_exceeded"
	FailureAuth          FailureClass = "auth_failure"
)

// Sentinel returns the sentinel error for the class.
func (c FailureClass) Sentinel() error {
	switch c {
	case FailureQuotaExceeded:
		return ErrQuotaExceeded
	case FailureAuth:
		return ErrAuthFailure
	default:
		return ErrUnavailable
	}
}

// ProviderError is the error every Provider returns for a failed execution.
// It unwraps to both the class sentinel and the original cause.
type ProviderError struct {
	Provider string
	Model    string
	Class    FailureClass
	Reason   string // short machine-friendly reason, e.g. "backend-exit"
	Err      error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	if e.Model != "" {
		b.WriteString("/" + e.Model)
	}
	b.WriteString(": " + string(e.Class))
	if e.Reason != "" {
		b.WriteString(" (" + e.Reason + ")")
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Class.Sentinel()}
	}
	return []error{e.Class.Sentinel(), e.Err}
}

// NewProviderError creates a ProviderError. An empty class is treated as Unavailable.
func NewProviderError(provider, model string, class FailureClass, reason string, err error) *ProviderError {
	if class == "" {
		class = FailureUnavailable
	}
	return &ProviderError{Provider: provider, Model: model, Class: class, Reason: reason, Err: err}
}

// ClassOf returns the failure class of err, or Unavailable when err carries none.
func ClassOf(err error) FailureClass {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Class
	}
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return FailureQuotaExceeded
	case errors.Is(err, ErrAuthFailure):
		return FailureAuth
	default:
		return FailureUnavailable
	}
}

// Attempt records one (provider, model) candidate tried during a task.
type Attempt struct {
	Provider string       `json:"provider"`
	Model    string       `json:"model"`
	Rank     int          `json:"rank"`
	Class    FailureClass `json:"class"`
	Reason   string       `json:"reason,omitempty"`
}

// ExhaustedError reports that no untried candidate remains for a role.
type ExhaustedError struct {
	Role     string
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("role %s: %s: no candidates configured", e.Role, ErrAllProvidersExhausted)
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s/%s: %s", a.Provider, a.Model, a.Class)
	}
	return fmt.Sprintf("role %s: %s: [%s]", e.Role, ErrAllProvidersExhausted, strings.Join(parts, "; "))
}

func (e *ExhaustedError) Unwrap() error { return ErrAllProvidersExhausted }

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Orchestrator.Run")
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

// IsProviderFailure reports whether err is one of the three provider-level classes.
func IsProviderFailure(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrAuthFailure)
}

// ErrorCode is a machine-parseable error category for callers and monitoring.
type ErrorCode string

const (
	CodeUnknown               ErrorCode = "UNKNOWN"
	CodeUnavailable           ErrorCode = "UNAVAILABLE"
	CodeQuotaExceeded         ErrorCode = "QUOTA_EXCEEDED"
	CodeAuthFailure           ErrorCode = "AUTH_FAILURE"
	CodeAllProvidersExhausted ErrorCode = "ALL_PROVIDERS_EXHAUSTED"
	CodeRateLimited           ErrorCode = "RATE_LIMITED"
	CodePathEscape            ErrorCode = "PATH_ESCAPE"
	CodeEmptyInput            ErrorCode = "EMPTY_INPUT"
	CodeRoleNotFound          ErrorCode = "ROLE_NOT_FOUND"
	CodeDelegationDepth       ErrorCode = "DELEGATION_DEPTH"
	CodeMalformedDirective    ErrorCode = "MALFORMED_DIRECTIVE"
	CodeProviderNotFound      ErrorCode = "PROVIDER_NOT_FOUND"
	CodeSessionNotFound       ErrorCode = "SESSION_NOT_FOUND"
	CodeTaskNotFound          ErrorCode = "TASK_NOT_FOUND"
	CodeInvalidConfig         ErrorCode = "INVALID_CONFIG"
	CodeDecryption            ErrorCode = "DECRYPTION"
	CodeGatewayAuth           ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound     ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload     ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeCancelled             ErrorCode = "CANCELLED"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrAllProvidersExhausted: CodeAllProvidersExhausted,
	ErrRateLimited:           CodeRateLimited,
	ErrPathEscape:            CodePathEscape,
	ErrEmptyInput:            CodeEmptyInput,
	ErrRoleNotFound:          CodeRoleNotFound,
	ErrDelegationDepth:       CodeDelegationDepth,
	ErrMalformedDirective:    CodeMalformedDirective,
	ErrUnavailable:           CodeUnavailable,
	ErrQuotaExceeded:         CodeQuotaExceeded,
	ErrAuthFailure:           CodeAuthFailure,
	ErrProviderNotFound:      CodeProviderNotFound,
	ErrSessionNotFound:       CodeSessionNotFound,
	ErrTaskNotFound:          CodeTaskNotFound,
	ErrInvalidConfig:         CodeInvalidConfig,
	ErrDecryption:            CodeDecryption,
	ErrGatewayAuthFailed:     CodeGatewayAuth,
	ErrRPCMethodNotFound:     CodeRPCMethodNotFound,
	ErrRPCInvalidPayload:     CodeRPCInvalidPayload,
}

// errorCodeOrder is the match order for wrapped errors: task-level first.
var errorCodeOrder = []error{
	ErrAllProvidersExhausted,
	ErrRateLimited,
	ErrPathEscape,
	ErrEmptyInput,
	ErrRoleNotFound,
	ErrDelegationDepth,
	ErrMalformedDirective,
	ErrQuotaExceeded,
	ErrAuthFailure,
	ErrUnavailable,
	ErrProviderNotFound,
	ErrSessionNotFound,
	ErrTaskNotFound,
	ErrInvalidConfig,
	ErrDecryption,
	ErrGatewayAuthFailed,
	ErrRPCMethodNotFound,
	ErrRPCInvalidPayload,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancelled
	}

	for _, sentinel := range errorCodeOrder {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
