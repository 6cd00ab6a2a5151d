package mcphost

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an Error.
type Kind string

// Category groups error kinds by the layer that resolves them.
type Category string

// Reason refines a ProtocolError by the remote JSON-RPC error code.
type Reason string

// Error kinds.
const (
	KindConnection        Kind = "ConnectionError"
	KindTransport         Kind = "TransportError"
	KindTimeout           Kind = "TimeoutError"
	KindCancelled         Kind = "Cancelled"
	KindProtocol          Kind = "ProtocolError"
	KindValidation        Kind = "ValidationError"
	KindUserRejected      Kind = "UserRejected"
	KindInsufficientTrust Kind = "InsufficientTrust"
	KindDuplicateRequest  Kind = "DuplicateRequest"
	KindTeardownTimeout   Kind = "TeardownTimeout"
	KindDestroyFailed     Kind = "DestroyFailed"
	KindInitializeFailed  Kind = "InitializeFailed"
)

// Error categories.
const (
	CategoryTransport  Category = "transport"
	CategoryProtocol   Category = "protocol"
	CategoryValidation Category = "validation"
	CategoryPolicy     Category = "policy"
	CategoryLifecycle  Category = "lifecycle"
)

// Protocol error reasons, keyed by JSON-RPC error code.
const (
	ReasonTransportFraming  Reason = "transport-framing"
	ReasonMalformedRequest  Reason = "malformed-request"
	ReasonUnsupportedMethod Reason = "unsupported-method"
	ReasonInvalidArguments  Reason = "invalid-arguments"
	ReasonInternalRemote    Reason = "internal-remote-error"
	ReasonRemoteUnavailable Reason = "remote-unavailable"
	ReasonUnknown           Reason = "unknown"
)

// Sentinels usable with errors.Is. A sentinel matches any *Error of the same Kind.
var (
	ErrConnection        = &Error{Kind: KindConnection}
	ErrTransport         = &Error{Kind: KindTransport}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrCancelled         = &Error{Kind: KindCancelled}
	ErrProtocol          = &Error{Kind: KindProtocol}
	ErrValidation        = &Error{Kind: KindValidation}
	ErrUserRejected      = &Error{Kind: KindUserRejected}
	ErrInsufficientTrust = &Error{Kind: KindInsufficientTrust}
	ErrDuplicateRequest  = &Error{Kind: KindDuplicateRequest}
	ErrTeardownTimeout   = &Error{Kind: KindTeardownTimeout}
	ErrInitializeFailed  = &Error{Kind: KindInitializeFailed}
)

// Error is the error type returned and published by every component of the mediation layer.
//
// Protocol errors keep the remote numeric Code and the opaque Data payload so they can be
// forwarded to observers unchanged.
type Error struct {
	Kind          Kind
	Reason        Reason
	Code          int
	Message       string
	Data          json.RawMessage
	ServerName    string
	CorrelationID string
	Err           error
}

// Category reports the layer that resolves errors of this kind.
func (k Kind) Category() Category {
	switch k {
	case KindConnection, KindTransport, KindTimeout, KindCancelled:
		return CategoryTransport
	case KindProtocol:
		return CategoryProtocol
	case KindValidation:
		return CategoryValidation
	case KindUserRejected, KindInsufficientTrust, KindDuplicateRequest:
		return CategoryPolicy
	default:
		return CategoryLifecycle
	}
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	if e.Reason != "" {
		fmt.Fprintf(&sb, " (%s)", e.Reason)
	}
	if e.ServerName != "" {
		fmt.Fprintf(&sb, " server=%s", e.ServerName)
	}
	if e.CorrelationID != "" {
		fmt.Fprintf(&sb, " correlationId=%s", e.CorrelationID)
	}
	if e.Code != 0 {
		fmt.Fprintf(&sb, " code=%d", e.Code)
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind. A target with a Reason also
// requires the Reason to match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// Retryable reports whether a caller may retry the failed operation with backoff. Only
// timeouts and remote-unavailable protocol errors qualify.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout:
		return true
	case KindProtocol:
		return e.Reason == ReasonRemoteUnavailable
	default:
		return false
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or an empty Kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err carries a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// ReasonForCode maps a JSON-RPC error code to its Reason.
func ReasonForCode(code int) Reason {
	switch {
	case code == CodeParseError:
		return ReasonTransportFraming
	case code == CodeInvalidRequest:
		return ReasonMalformedRequest
	case code == CodeMethodNotFound:
		return ReasonUnsupportedMethod
	case code == CodeInvalidParams:
		return ReasonInvalidArguments
	case code == CodeInternalError:
		return ReasonInternalRemote
	case code <= CodeServerErrorMax && code >= CodeServerErrorMin:
		return ReasonRemoteUnavailable
	default:
		return ReasonUnknown
	}
}

func newRemoteError(rpcErr *JSONRPCError, serverName, correlationID string) *Error {
	return &Error{
		Kind:          KindProtocol,
		Reason:        ReasonForCode(rpcErr.Code),
		Code:          rpcErr.Code,
		Message:       rpcErr.Message,
		Data:          rpcErr.Data,
		ServerName:    serverName,
		CorrelationID: correlationID,
		Err:           rpcErr,
	}
}

// asError converts any error into an *Error, classifying unknown errors with fallback.
func asError(err error, fallback Kind) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: fallback, Err: err}
}
