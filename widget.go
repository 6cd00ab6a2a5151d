package mcphost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Widget is a mounted visual component. The host invokes its hooks; the component reaches
// the rest of the system only through the WidgetContext handed to Initialize.
type Widget interface {
	Initialize(ctx context.Context, wctx *WidgetContext) error
	Destroy(ctx context.Context) error
	Refresh(ctx context.Context) error
}

// WidgetDescriptor describes a widget to mount.
type WidgetDescriptor struct {
	Name              string
	Widget            Widget
	TrustLevel        TrustLevel
	AllowedOperations []string
}

// WidgetContext is the dependency surface of one mounted instance. Every handle stops working
// once the instance is destroyed, and subscriptions made through it are released on teardown.
type WidgetContext struct {
	instance   *Instance
	dispatcher *Dispatcher
	bridge     *BridgeHandle
}

// BridgeHandle is the read-only view of the Bridge given to widgets. Write-capable operations
// must be requested with WidgetContext.RequestOperation.
type BridgeHandle struct {
	instance *Instance
	bridge   *Bridge
}

var errInstanceDestroyed = errors.New("widget instance is destroyed")

// InstanceID returns the id of the instance.
func (w *WidgetContext) InstanceID() string { return w.instance.id }

// Policy returns the policy of the instance.
func (w *WidgetContext) Policy() PermissionPolicy { return w.instance.policy }

// Bridge returns the read-only bridge handle of the instance.
func (w *WidgetContext) Bridge() *BridgeHandle { return w.bridge }

// Subscribe subscribes handler to pattern for the lifetime of the instance.
func (w *WidgetContext) Subscribe(pattern string, handler Handler) (*Subscription, error) {
	if !w.instance.alive() {
		return nil, errInstanceDestroyed
	}
	sub, err := w.dispatcher.Subscribe(pattern, handler)
	if err != nil {
		return nil, err
	}
	if !w.instance.track(sub.id, func() { w.dispatcher.Unsubscribe(sub) }) {
		// Torn down while subscribing.
		w.dispatcher.Unsubscribe(sub)
		return nil, errInstanceDestroyed
	}
	return sub, nil
}

// Unsubscribe releases a subscription made with Subscribe.
func (w *WidgetContext) Unsubscribe(sub *Subscription) bool {
	w.instance.untrack(sub.id)
	return w.dispatcher.Unsubscribe(sub)
}

// Publish publishes an event on a widget-defined channel. Channels of the op, server, widget
// and resource domains are reserved.
func (w *WidgetContext) Publish(name string, payload any) error {
	if !w.instance.alive() {
		return errInstanceDestroyed
	}
	if !ValidChannelName(name) {
		return fmt.Errorf("invalid channel name %q", name)
	}
	if reservedChannel(name) {
		return fmt.Errorf("channel %s is reserved", name)
	}
	w.dispatcher.Publish(name, payload)
	return nil
}

// RequestOperation asks the Mediator to run operation on serverName. The outcome is published
// on op:result, op:error or op:result-unknown with the returned correlation id.
func (w *WidgetContext) RequestOperation(serverName, operation string, args json.RawMessage) (string, error) {
	return w.RequestOperationWithID(uuid.New().String(), serverName, operation, args)
}

// RequestOperationWithID is RequestOperation with a caller-chosen correlation id. Requesting
// an id that is still pending yields DuplicateRequest.
func (w *WidgetContext) RequestOperationWithID(correlationID, serverName, operation string, args json.RawMessage) (string, error) {
	if !w.instance.alive() {
		return "", errInstanceDestroyed
	}
	if correlationID == "" {
		return "", errors.New("empty correlation id")
	}
	w.dispatcher.Publish(ChannelInvokeRequested, OperationRequest{
		CorrelationID: correlationID,
		InstanceID:    w.instance.id,
		ServerName:    serverName,
		Operation:     operation,
		Arguments:     args,
	})
	return correlationID, nil
}

// ListCapability lists the capabilities of kind on serverName.
func (h *BridgeHandle) ListCapability(ctx context.Context, serverName string, kind CapabilityKind) ([]Descriptor, error) {
	if !h.instance.alive() {
		return nil, errInstanceDestroyed
	}
	return h.bridge.ListCapability(ctx, serverName, kind)
}

// ReadResource reads the resource uri on serverName.
func (h *BridgeHandle) ReadResource(ctx context.Context, serverName, uri string) ([]ResourceContents, error) {
	if !h.instance.alive() {
		return nil, errInstanceDestroyed
	}
	return h.bridge.ReadResource(ctx, serverName, uri)
}

// GetPrompt renders the prompt name on serverName.
func (h *BridgeHandle) GetPrompt(ctx context.Context, serverName, name string, args map[string]string) (GetPromptResult, error) {
	if !h.instance.alive() {
		return GetPromptResult{}, errInstanceDestroyed
	}
	return h.bridge.GetPrompt(ctx, serverName, name, args)
}

// SubscribeToResource subscribes handler to updates of uri. The subscription is released with
// the instance.
func (h *BridgeHandle) SubscribeToResource(
	ctx context.Context,
	serverName, uri string,
	handler func(ResourceUpdated),
) (func(), error) {
	if !h.instance.alive() {
		return nil, errInstanceDestroyed
	}
	release, err := h.bridge.SubscribeToResource(ctx, serverName, uri, handler)
	if err != nil {
		return nil, err
	}
	key := h.instance.nextKey()
	if !h.instance.track(key, release) {
		release()
		return nil, errInstanceDestroyed
	}
	return func() {
		h.instance.untrack(key)
		release()
	}, nil
}

// CallOperation calls a read-only operation directly. Write-capable operations and
// operations outside the instance policy are refused with InsufficientTrust.
func (h *BridgeHandle) CallOperation(
	ctx context.Context,
	serverName, operation string,
	args json.RawMessage,
) (CallToolResult, error) {
	if !h.instance.alive() {
		return CallToolResult{}, errInstanceDestroyed
	}
	req := OperationRequest{
		CorrelationID: uuid.New().String(),
		InstanceID:    h.instance.id,
		ServerName:    serverName,
		Operation:     operation,
		Arguments:     args,
	}
	if !h.instance.policy.Allows(serverName, operation) {
		err := &Error{
			Kind:          KindInsufficientTrust,
			ServerName:    serverName,
			CorrelationID: req.CorrelationID,
			Message:       fmt.Sprintf("operation %s is not allowed for this widget", operation),
		}
		publishFailure(h.bridge.dispatcher, req, err)
		return CallToolResult{}, err
	}
	return h.bridge.CallOperation(ctx, req)
}

// Instance is a mounted widget instance.
type Instance struct {
	id     string
	name   string
	widget Widget
	policy PermissionPolicy

	mu        sync.Mutex
	state     WidgetState
	releasers map[uint64]func()
	keys      uint64
}

// ID returns the instance id.
func (i *Instance) ID() string { return i.id }

// Name returns the widget name of the instance.
func (i *Instance) Name() string { return i.name }

// Policy returns the policy the instance was mounted with.
func (i *Instance) Policy() PermissionPolicy { return i.policy }

// State returns the current lifecycle state.
func (i *Instance) State() WidgetState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Subscriptions returns the number of subscriptions still held by the instance.
func (i *Instance) Subscriptions() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.releasers)
}

func (i *Instance) alive() bool {
	st := i.State()
	return st == WidgetInitializing || st == WidgetActive
}

// nextKey returns a tracking key that cannot collide with subscription ids.
func (i *Instance) nextKey() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.keys++
	return 1<<63 | i.keys
}

func (i *Instance) track(key uint64, release func()) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != WidgetInitializing && i.state != WidgetActive {
		return false
	}
	i.releasers[key] = release
	return true
}

func (i *Instance) untrack(key uint64) {
	i.mu.Lock()
	delete(i.releasers, key)
	i.mu.Unlock()
}

// releaseAll runs every tracked release function. It is safe to call more than once.
func (i *Instance) releaseAll() {
	i.mu.Lock()
	releasers := i.releasers
	i.releasers = make(map[uint64]func())
	i.mu.Unlock()

	for _, release := range releasers {
		release()
	}
}

// transition moves the instance from one of from to to.
func (i *Instance) transition(to WidgetState, from ...WidgetState) (WidgetState, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	cur := i.state
	for _, f := range from {
		if cur == f {
			i.state = to
			return cur, true
		}
	}
	return cur, false
}
