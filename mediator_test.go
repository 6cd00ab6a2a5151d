package mcphost_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MegaGrindStone/mcphost"
	"github.com/MegaGrindStone/mcphost/mcptest"
)

// staticPolicies maps instance ids to fixed policies.
type staticPolicies map[string]mcphost.PermissionPolicy

func (p staticPolicies) Policy(instanceID string) (mcphost.PermissionPolicy, bool) {
	policy, ok := p[instanceID]
	return policy, ok
}

func mustPolicy(t *testing.T, trust mcphost.TrustLevel, allowed ...string) mcphost.PermissionPolicy {
	t.Helper()
	p, err := mcphost.NewPermissionPolicy(trust, allowed)
	if err != nil {
		t.Fatalf("NewPermissionPolicy(%s) error = %v", trust, err)
	}
	return p
}

// countingConfirmer answers every confirmation with answer and counts the prompts.
type countingConfirmer struct {
	answer   bool
	prompts  atomic.Int32
	lastSeen atomic.Pointer[mcphost.ConfirmationRequest]
}

func (c *countingConfirmer) Confirm(_ context.Context, req mcphost.ConfirmationRequest) (bool, error) {
	c.prompts.Add(1)
	c.lastSeen.Store(&req)
	return c.answer, nil
}

type mediatorHarness struct {
	server    *mcptest.Server
	dispatch  *mcphost.Dispatcher
	mediator  *mcphost.Mediator
	terminal  *recorder
	decisions *recorder
}

func newMediatorHarness(
	t *testing.T,
	policies mcphost.PolicyLookup,
	confirmer mcphost.Confirmer,
	options ...mcphost.MediatorOption,
) *mediatorHarness {
	t.Helper()
	srv := newFileServer(t)
	d, bridge, _ := newBridge(t, srv)

	m := mcphost.NewMediator(d, bridge, policies, confirmer, options...)
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.Close(ctx); err != nil {
			t.Errorf("failed to close mediator: %v", err)
		}
	})

	return &mediatorHarness{
		server:    srv,
		dispatch:  d,
		mediator:  m,
		terminal:  subscribe(t, d, "op:{result,error,result-unknown}"),
		decisions: subscribe(t, d, mcphost.ChannelDecision),
	}
}

func (h *mediatorHarness) request(id, instance, operation, args string) {
	h.dispatch.Publish(mcphost.ChannelInvokeRequested, mcphost.OperationRequest{
		CorrelationID: id,
		InstanceID:    instance,
		ServerName:    "files",
		Operation:     operation,
		Arguments:     json.RawMessage(args),
	})
}

// outcome waits for the single terminal event of a request.
func (h *mediatorHarness) outcome(t *testing.T) mcphost.Event {
	t.Helper()
	evs := h.terminal.wait(t, 1)
	return evs[0]
}

func failureKind(t *testing.T, ev mcphost.Event) mcphost.Kind {
	t.Helper()
	f, ok := ev.Payload.(mcphost.OperationFailure)
	if !ok {
		t.Fatalf("event %s carries %T, want OperationFailure", ev.Name, ev.Payload)
	}
	return f.Kind
}

func TestMediatorPolicies(t *testing.T) {
	tests := []struct {
		name        string
		trust       mcphost.TrustLevel
		allowed     []string
		instance    string
		operation   string
		args        string
		answer      bool
		wantChannel string
		wantKind    mcphost.Kind
		wantOutcome mcphost.DecisionOutcome
		wantPrompts int32
		wantCalls   int
	}{
		{
			name:        "community write approved",
			trust:       mcphost.TrustCommunity,
			instance:    "w1",
			operation:   "write_file",
			args:        `{"path":"/tmp/a","content":"x"}`,
			answer:      true,
			wantChannel: mcphost.ChannelResult,
			wantOutcome: mcphost.DecisionApproved,
			wantPrompts: 1,
			wantCalls:   1,
		},
		{
			name:        "community write rejected",
			trust:       mcphost.TrustCommunity,
			instance:    "w1",
			operation:   "write_file",
			args:        `{"path":"/tmp/a"}`,
			wantChannel: mcphost.ChannelError,
			wantKind:    mcphost.KindUserRejected,
			wantOutcome: mcphost.DecisionRejected,
			wantPrompts: 1,
		},
		{
			name:        "verified write still confirmed",
			trust:       mcphost.TrustVerified,
			instance:    "w1",
			operation:   "write_file",
			args:        `{"path":"/tmp/a"}`,
			answer:      true,
			wantChannel: mcphost.ChannelResult,
			wantOutcome: mcphost.DecisionApproved,
			wantPrompts: 1,
			wantCalls:   1,
		},
		{
			name:        "enterprise write bypasses confirmation",
			trust:       mcphost.TrustEnterprise,
			instance:    "w1",
			operation:   "write_file",
			args:        `{"path":"/tmp/a"}`,
			wantChannel: mcphost.ChannelResult,
			wantOutcome: mcphost.DecisionBypassed,
			wantCalls:   1,
		},
		{
			name:        "read-only needs no confirmation",
			trust:       mcphost.TrustUntrusted,
			instance:    "w1",
			operation:   "read_file",
			args:        `{}`,
			wantChannel: mcphost.ChannelResult,
			wantOutcome: mcphost.DecisionReadOnly,
			wantCalls:   1,
		},
		{
			name:        "operation outside allowed list",
			trust:       mcphost.TrustEnterprise,
			allowed:     []string{"read_file"},
			instance:    "w1",
			operation:   "write_file",
			args:        `{"path":"/tmp/a"}`,
			wantChannel: mcphost.ChannelError,
			wantKind:    mcphost.KindInsufficientTrust,
			wantOutcome: mcphost.DecisionDenied,
		},
		{
			name:        "unknown instance",
			trust:       mcphost.TrustEnterprise,
			instance:    "ghost",
			operation:   "read_file",
			args:        `{}`,
			wantChannel: mcphost.ChannelError,
			wantKind:    mcphost.KindInsufficientTrust,
			wantOutcome: mcphost.DecisionDenied,
		},
		{
			name:        "unknown operation",
			trust:       mcphost.TrustEnterprise,
			instance:    "w1",
			operation:   "delete_everything",
			args:        `{}`,
			wantChannel: mcphost.ChannelError,
			wantKind:    mcphost.KindValidation,
			wantOutcome: mcphost.DecisionInvalid,
		},
		{
			name:        "invalid arguments after approval",
			trust:       mcphost.TrustCommunity,
			instance:    "w1",
			operation:   "write_file",
			args:        `{"content":"no path"}`,
			answer:      true,
			wantChannel: mcphost.ChannelError,
			wantKind:    mcphost.KindValidation,
			wantOutcome: mcphost.DecisionInvalid,
			wantPrompts: 1,
		},
		{
			name:        "arguments of the wrong type",
			trust:       mcphost.TrustEnterprise,
			instance:    "w1",
			operation:   "write_file",
			args:        `{"path":42}`,
			wantChannel: mcphost.ChannelError,
			wantKind:    mcphost.KindValidation,
			wantOutcome: mcphost.DecisionInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			confirmer := &countingConfirmer{answer: tt.answer}
			policies := staticPolicies{"w1": mustPolicy(t, tt.trust, tt.allowed...)}
			h := newMediatorHarness(t, policies, confirmer)

			h.request("req-1", tt.instance, tt.operation, tt.args)

			ev := h.outcome(t)
			if ev.Name != tt.wantChannel {
				t.Fatalf("terminal event = %s, want %s", ev.Name, tt.wantChannel)
			}
			if tt.wantKind != "" {
				if got := failureKind(t, ev); got != tt.wantKind {
					t.Errorf("failure kind = %s, want %s", got, tt.wantKind)
				}
			}

			decisions := h.decisions.wait(t, 1)
			decision := decisions[0].Payload.(mcphost.OperationDecision)
			if decision.Outcome != tt.wantOutcome {
				t.Errorf("decision = %s, want %s", decision.Outcome, tt.wantOutcome)
			}
			if decision.CorrelationID != "req-1" {
				t.Errorf("decision correlation id = %s", decision.CorrelationID)
			}

			if got := confirmer.prompts.Load(); got != tt.wantPrompts {
				t.Errorf("prompts = %d, want %d", got, tt.wantPrompts)
			}
			if got := h.server.Requests(mcphost.MethodToolsCall); got != tt.wantCalls {
				t.Errorf("tools/call requests = %d, want %d", got, tt.wantCalls)
			}

			time.Sleep(20 * time.Millisecond)
			if got := len(h.terminal.snapshot()); got != 1 {
				t.Errorf("terminal events = %d, want exactly 1", got)
			}
			eventually(t, func() bool { return h.mediator.InFlight() == 0 }, "request left the in-flight table")
		})
	}
}

func TestMediatorConfirmationRequest(t *testing.T) {
	confirmer := &countingConfirmer{answer: true}
	policies := staticPolicies{"w1": mustPolicy(t, mcphost.TrustCommunity)}
	h := newMediatorHarness(t, policies, confirmer)

	h.request("req-1", "w1", "write_file", `{"path":"/etc/motd"}`)
	if ev := h.outcome(t); ev.Name != mcphost.ChannelResult {
		t.Fatalf("terminal event = %s", ev.Name)
	}

	seen := confirmer.lastSeen.Load()
	if seen == nil {
		t.Fatal("confirmer was not called")
	}
	if seen.Operation != "write_file" || seen.ServerName != "files" || seen.InstanceID != "w1" {
		t.Errorf("confirmation request = %+v", seen)
	}
	if seen.Description != "Write a file" || seen.TrustLevel != mcphost.TrustCommunity {
		t.Errorf("confirmation request = %+v", seen)
	}
	if string(seen.Arguments) != `{"path":"/etc/motd"}` {
		t.Errorf("confirmation arguments = %s", seen.Arguments)
	}
}

func TestMediatorDuplicateRequest(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	confirmer := mcphost.ConfirmerFunc(func(ctx context.Context, _ mcphost.ConfirmationRequest) (bool, error) {
		entered <- struct{}{}
		select {
		case <-release:
			return true, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	})
	policies := staticPolicies{"w1": mustPolicy(t, mcphost.TrustCommunity)}
	h := newMediatorHarness(t, policies, confirmer)

	h.request("same-id", "w1", "write_file", `{"path":"/tmp/a"}`)
	<-entered
	if st, ok := h.mediator.State("same-id"); !ok || st != mcphost.RequestConfirming {
		t.Errorf("State() = %s %v, want confirming", st, ok)
	}

	h.request("same-id", "w1", "write_file", `{"path":"/tmp/a"}`)
	first := h.terminal.wait(t, 1)[0]
	if first.Name != mcphost.ChannelError || failureKind(t, first) != mcphost.KindDuplicateRequest {
		t.Fatalf("duplicate outcome = %s %+v", first.Name, first.Payload)
	}

	close(release)
	evs := h.terminal.wait(t, 2)
	if evs[1].Name != mcphost.ChannelResult {
		t.Errorf("original outcome = %s, want %s", evs[1].Name, mcphost.ChannelResult)
	}
	if got := h.server.Requests(mcphost.MethodToolsCall); got != 1 {
		t.Errorf("tools/call requests = %d, want 1", got)
	}

	// The id may be reused once the original request finished.
	eventually(t, func() bool { return h.mediator.InFlight() == 0 }, "original request finished")
	h.request("same-id", "w1", "read_file", `{}`)
	if evs := h.terminal.wait(t, 3); evs[2].Name != mcphost.ChannelResult {
		t.Errorf("reused id outcome = %s", evs[2].Name)
	}
}

func TestMediatorConfirmTimeout(t *testing.T) {
	confirmer := mcphost.ConfirmerFunc(func(ctx context.Context, _ mcphost.ConfirmationRequest) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	})
	policies := staticPolicies{"w1": mustPolicy(t, mcphost.TrustCommunity)}
	h := newMediatorHarness(t, policies, confirmer, mcphost.WithConfirmTimeout(50*time.Millisecond))

	h.request("req-1", "w1", "write_file", `{"path":"/tmp/a"}`)
	ev := h.outcome(t)
	if ev.Name != mcphost.ChannelError || failureKind(t, ev) != mcphost.KindUserRejected {
		t.Errorf("outcome = %s %+v, want UserRejected", ev.Name, ev.Payload)
	}
	if got := h.server.Requests(mcphost.MethodToolsCall); got != 0 {
		t.Errorf("tools/call requests = %d, want 0", got)
	}
}

func TestMediatorConfirmerErrors(t *testing.T) {
	tests := []struct {
		name      string
		confirmer mcphost.Confirmer
	}{
		{name: "no confirmer", confirmer: nil},
		{
			name: "confirmer error",
			confirmer: mcphost.ConfirmerFunc(func(context.Context, mcphost.ConfirmationRequest) (bool, error) {
				return true, errors.New("terminal closed")
			}),
		},
		{
			name: "confirmer panic",
			confirmer: mcphost.ConfirmerFunc(func(context.Context, mcphost.ConfirmationRequest) (bool, error) {
				panic("boom")
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policies := staticPolicies{"w1": mustPolicy(t, mcphost.TrustCommunity)}
			h := newMediatorHarness(t, policies, tt.confirmer)

			h.request("req-1", "w1", "write_file", `{"path":"/tmp/a"}`)
			ev := h.outcome(t)
			if ev.Name != mcphost.ChannelError || failureKind(t, ev) != mcphost.KindUserRejected {
				t.Errorf("outcome = %s %+v, want UserRejected", ev.Name, ev.Payload)
			}
			if got := h.server.Requests(mcphost.MethodToolsCall); got != 0 {
				t.Errorf("tools/call requests = %d, want 0", got)
			}
		})
	}
}

func TestMediatorMissingCorrelationID(t *testing.T) {
	policies := staticPolicies{"w1": mustPolicy(t, mcphost.TrustEnterprise)}
	h := newMediatorHarness(t, policies, nil)

	h.request("", "w1", "read_file", `{}`)
	ev := h.outcome(t)
	if ev.Name != mcphost.ChannelError || failureKind(t, ev) != mcphost.KindValidation {
		t.Errorf("outcome = %s %+v, want ValidationError", ev.Name, ev.Payload)
	}
}

func TestMediatorCloseAbortsPendingConfirmation(t *testing.T) {
	entered := make(chan struct{}, 1)
	confirmer := mcphost.ConfirmerFunc(func(ctx context.Context, _ mcphost.ConfirmationRequest) (bool, error) {
		entered <- struct{}{}
		<-ctx.Done()
		return false, ctx.Err()
	})
	policies := staticPolicies{"w1": mustPolicy(t, mcphost.TrustCommunity)}
	h := newMediatorHarness(t, policies, confirmer)

	h.request("req-1", "w1", "write_file", `{"path":"/tmp/a"}`)
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.mediator.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	ev := h.outcome(t)
	if ev.Name != mcphost.ChannelError || failureKind(t, ev) != mcphost.KindUserRejected {
		t.Errorf("outcome = %s %+v, want UserRejected", ev.Name, ev.Payload)
	}
	if got := h.mediator.InFlight(); got != 0 {
		t.Errorf("InFlight() = %d after Close", got)
	}
	if err := h.mediator.Start(); err == nil {
		t.Error("Start() after Close succeeded")
	}
}

func TestMediatorCloseAnswersQueuedRequests(t *testing.T) {
	policies := staticPolicies{"w1": mustPolicy(t, mcphost.TrustEnterprise)}
	h := newMediatorHarness(t, policies, nil)
	h.request("warm", "w1", "read_file", `{}`)
	if ev := h.outcome(t); ev.Name != mcphost.ChannelResult {
		t.Fatalf("outcome = %s %+v, want %s", ev.Name, ev.Payload, mcphost.ChannelResult)
	}

	const n = 200
	for i := range n {
		h.request(fmt.Sprintf("req-%d", i), "w1", "read_file", `{}`)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.mediator.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	evs := h.terminal.wait(t, n+1)[1:]
	seen := make(map[string]bool)
	for _, ev := range evs {
		switch p := ev.Payload.(type) {
		case mcphost.OperationResult:
			seen[p.CorrelationID] = true
		case mcphost.OperationFailure:
			if p.Kind != mcphost.KindCancelled {
				t.Errorf("request %s failed with %s, want %s", p.CorrelationID, p.Kind, mcphost.KindCancelled)
			}
			seen[p.CorrelationID] = true
		default:
			t.Fatalf("event %s carries %T", ev.Name, ev.Payload)
		}
	}
	if len(seen) != n {
		t.Errorf("terminal events cover %d requests, want %d", len(seen), n)
	}

	h.request("late", "w1", "read_file", `{}`)
	time.Sleep(50 * time.Millisecond)
	if got := len(h.terminal.snapshot()); got != n+1 {
		t.Errorf("terminal events = %d after a request published past Close, want %d", got, n+1)
	}
}

func TestMediatorPayloadShapes(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		channel string
		kind    mcphost.Kind
	}{
		{
			name: "pointer",
			payload: &mcphost.OperationRequest{
				CorrelationID: "ptr-1",
				InstanceID:    "w1",
				ServerName:    "files",
				Operation:     "read_file",
			},
			channel: mcphost.ChannelResult,
		},
		{
			name: "decoded json",
			payload: map[string]any{
				"correlationId": "map-1",
				"instanceId":    "w1",
				"serverName":    "files",
				"operation":     "read_file",
			},
			channel: mcphost.ChannelResult,
		},
		{
			name:    "unrelated type",
			payload: "read_file please",
			channel: mcphost.ChannelError,
			kind:    mcphost.KindValidation,
		},
		{
			name:    "nil",
			payload: nil,
			channel: mcphost.ChannelError,
			kind:    mcphost.KindValidation,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			policies := staticPolicies{"w1": mustPolicy(t, mcphost.TrustEnterprise)}
			h := newMediatorHarness(t, policies, nil)

			h.dispatch.Publish(mcphost.ChannelInvokeRequested, tc.payload)
			ev := h.outcome(t)
			if ev.Name != tc.channel {
				t.Fatalf("outcome = %s %+v, want %s", ev.Name, ev.Payload, tc.channel)
			}
			if tc.kind != "" && failureKind(t, ev) != tc.kind {
				t.Errorf("kind = %s, want %s", failureKind(t, ev), tc.kind)
			}
		})
	}
}
