package mcphost_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/MegaGrindStone/mcphost"
)

func TestErrorIs(t *testing.T) {
	err := fmt.Errorf("failed to call: %w", &mcphost.Error{
		Kind:   mcphost.KindProtocol,
		Reason: mcphost.ReasonInvalidArguments,
		Code:   mcphost.CodeInvalidParams,
	})

	tests := []struct {
		name   string
		target error
		want   bool
	}{
		{name: "same kind sentinel", target: mcphost.ErrProtocol, want: true},
		{name: "other kind", target: mcphost.ErrTimeout, want: false},
		{name: "matching reason", target: &mcphost.Error{Kind: mcphost.KindProtocol, Reason: mcphost.ReasonInvalidArguments}, want: true},
		{name: "other reason", target: &mcphost.Error{Kind: mcphost.KindProtocol, Reason: mcphost.ReasonInternalRemote}, want: false},
		{name: "plain error", target: errors.New("x"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(err, tt.target); got != tt.want {
				t.Errorf("errors.Is() = %v, want %v", got, tt.want)
			}
		})
	}
	if got := mcphost.KindOf(err); got != mcphost.KindProtocol {
		t.Errorf("KindOf() = %s", got)
	}
	if got := mcphost.KindOf(errors.New("x")); got != "" {
		t.Errorf("KindOf(plain) = %s", got)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("broken pipe")
	err := &mcphost.Error{Kind: mcphost.KindTransport, Err: cause}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
}

func TestErrorMessage(t *testing.T) {
	err := &mcphost.Error{
		Kind:          mcphost.KindProtocol,
		Reason:        mcphost.ReasonRemoteUnavailable,
		ServerName:    "files",
		CorrelationID: "abc",
		Code:          -32001,
		Message:       "overloaded",
		Data:          json.RawMessage(`{"retryAfter":5}`),
	}
	msg := err.Error()
	for _, part := range []string{"ProtocolError", "remote-unavailable", "server=files", "correlationId=abc", "code=-32001", "overloaded"} {
		if !strings.Contains(msg, part) {
			t.Errorf("Error() = %q, missing %q", msg, part)
		}
	}
}

func TestKindCategory(t *testing.T) {
	tests := []struct {
		kind mcphost.Kind
		want mcphost.Category
	}{
		{kind: mcphost.KindConnection, want: mcphost.CategoryTransport},
		{kind: mcphost.KindTransport, want: mcphost.CategoryTransport},
		{kind: mcphost.KindTimeout, want: mcphost.CategoryTransport},
		{kind: mcphost.KindCancelled, want: mcphost.CategoryTransport},
		{kind: mcphost.KindProtocol, want: mcphost.CategoryProtocol},
		{kind: mcphost.KindValidation, want: mcphost.CategoryValidation},
		{kind: mcphost.KindUserRejected, want: mcphost.CategoryPolicy},
		{kind: mcphost.KindInsufficientTrust, want: mcphost.CategoryPolicy},
		{kind: mcphost.KindDuplicateRequest, want: mcphost.CategoryPolicy},
		{kind: mcphost.KindTeardownTimeout, want: mcphost.CategoryLifecycle},
		{kind: mcphost.KindInitializeFailed, want: mcphost.CategoryLifecycle},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.Category(); got != tt.want {
				t.Errorf("Category() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestReasonForCode(t *testing.T) {
	tests := []struct {
		code      int
		want      mcphost.Reason
		retryable bool
	}{
		{code: -32700, want: mcphost.ReasonTransportFraming},
		{code: -32600, want: mcphost.ReasonMalformedRequest},
		{code: -32601, want: mcphost.ReasonUnsupportedMethod},
		{code: -32602, want: mcphost.ReasonInvalidArguments},
		{code: -32603, want: mcphost.ReasonInternalRemote},
		{code: -32000, want: mcphost.ReasonRemoteUnavailable, retryable: true},
		{code: -32099, want: mcphost.ReasonRemoteUnavailable, retryable: true},
		{code: -32100, want: mcphost.ReasonUnknown},
		{code: 7, want: mcphost.ReasonUnknown},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			got := mcphost.ReasonForCode(tt.code)
			if got != tt.want {
				t.Errorf("ReasonForCode(%d) = %s, want %s", tt.code, got, tt.want)
			}
			err := &mcphost.Error{Kind: mcphost.KindProtocol, Reason: got, Code: tt.code}
			if mcphost.IsRetryable(err) != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", !tt.retryable, tt.retryable)
			}
		})
	}
	if !mcphost.IsRetryable(fmt.Errorf("wrapped: %w", mcphost.ErrTimeout)) {
		t.Error("timeouts are not retryable")
	}
	if mcphost.IsRetryable(errors.New("plain")) {
		t.Error("plain errors are retryable")
	}
}
