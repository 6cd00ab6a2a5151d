package mcphost

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// Channel names published by the mediation layer.
const (
	ChannelInvokeRequested     = "op:invoke-requested"
	ChannelDecision            = "op:decision"
	ChannelResult              = "op:result"
	ChannelError               = "op:error"
	ChannelResultUnknown       = "op:result-unknown"
	ChannelServerConnected     = "server:connected"
	ChannelServerDisconnected  = "server:disconnected"
	ChannelServerError         = "server:error"
	ChannelCapabilitiesChanged = "server:capabilities:changed"
	ChannelResourceUpdated     = "resource:updated"
	ChannelWidgetMounted       = "widget:mounted"
	ChannelWidgetDestroyed     = "widget:destroyed"
	ChannelWidgetLifecycleErr  = "widget:lifecycle:error"
)

// reservedDomains can only be published by the mediation layer itself.
var reservedDomains = []string{"op", "server", "resource", "widget"}

var channelNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*(:[a-z0-9][a-z0-9-]*){1,2}$`)

// Event is a single message published on the Dispatcher. Events are immutable once published.
type Event struct {
	Name      string
	Payload   any
	Timestamp time.Time
}

// ValidChannelName reports whether name follows the domain:subject or domain:subject:action
// naming scheme.
func ValidChannelName(name string) bool {
	return channelNamePattern.MatchString(name)
}

func reservedChannel(name string) bool {
	domain, _, _ := strings.Cut(name, ":")
	for _, d := range reservedDomains {
		if d == domain {
			return true
		}
	}
	return false
}

// OperationRequest is the payload of op:invoke-requested, and the input of Bridge.CallOperation.
type OperationRequest struct {
	CorrelationID string          `json:"correlationId"`
	InstanceID    string          `json:"instanceId,omitempty"`
	ServerName    string          `json:"serverName"`
	Operation     string          `json:"operation"`
	Arguments     json.RawMessage `json:"arguments,omitempty"`
}

// OperationResult is the payload of op:result.
type OperationResult struct {
	CorrelationID string         `json:"correlationId"`
	InstanceID    string         `json:"instanceId,omitempty"`
	ServerName    string         `json:"serverName"`
	Operation     string         `json:"operation"`
	Result        CallToolResult `json:"result"`
}

// OperationFailure is the payload of op:error and op:result-unknown.
type OperationFailure struct {
	CorrelationID string          `json:"correlationId"`
	InstanceID    string          `json:"instanceId,omitempty"`
	ServerName    string          `json:"serverName"`
	Operation     string          `json:"operation"`
	Kind          Kind            `json:"kind"`
	Reason        Reason          `json:"reason,omitempty"`
	Code          int             `json:"code,omitempty"`
	Message       string          `json:"message"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// DecisionOutcome is the verdict recorded on op:decision.
type DecisionOutcome string

// Decision outcomes.
const (
	DecisionReadOnly DecisionOutcome = "read-only"
	DecisionBypassed DecisionOutcome = "bypassed"
	DecisionApproved DecisionOutcome = "approved"
	DecisionRejected DecisionOutcome = "rejected"
	DecisionDenied   DecisionOutcome = "denied"
	DecisionInvalid  DecisionOutcome = "invalid"
)

// OperationDecision is the payload of op:decision.
type OperationDecision struct {
	CorrelationID string          `json:"correlationId"`
	InstanceID    string          `json:"instanceId,omitempty"`
	ServerName    string          `json:"serverName"`
	Operation     string          `json:"operation"`
	TrustLevel    TrustLevel      `json:"trustLevel,omitempty"`
	Outcome       DecisionOutcome `json:"outcome"`
	Reason        string          `json:"reason,omitempty"`
}

// ServerStatus is the payload of server:connected, server:disconnected and server:error.
type ServerStatus struct {
	ServerName   string          `json:"serverName"`
	State        ConnectionState `json:"state"`
	ServerInfo   Info            `json:"serverInfo"`
	Capabilities CapabilitySet   `json:"capabilities"`
	Error        string          `json:"error,omitempty"`
}

// CapabilitiesChanged is the payload of server:capabilities:changed.
type CapabilitiesChanged struct {
	ServerName string         `json:"serverName"`
	Kind       CapabilityKind `json:"kind"`
}

// ResourceUpdated is the payload of resource:updated, and the argument of resource handlers.
type ResourceUpdated struct {
	ServerName string `json:"serverName"`
	URI        string `json:"uri"`
}

// WidgetStatus is the payload of widget:mounted, widget:destroyed and widget:lifecycle:error.
type WidgetStatus struct {
	InstanceID string      `json:"instanceId"`
	Widget     string      `json:"widget"`
	State      WidgetState `json:"state"`
	TrustLevel TrustLevel  `json:"trustLevel"`
	Kind       Kind        `json:"kind,omitempty"`
	Message    string      `json:"message,omitempty"`
}

func failureFromError(req OperationRequest, err error) OperationFailure {
	e := asError(err, KindTransport)
	msg := e.Message
	if msg == "" {
		msg = e.Error()
	}
	return OperationFailure{
		CorrelationID: req.CorrelationID,
		InstanceID:    req.InstanceID,
		ServerName:    req.ServerName,
		Operation:     req.Operation,
		Kind:          e.Kind,
		Reason:        e.Reason,
		Code:          e.Code,
		Message:       msg,
		Data:          e.Data,
	}
}
