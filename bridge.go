package mcphost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// BridgeOption is a function that configures a Bridge.
type BridgeOption func(*Bridge)

// ServerOptions tunes the Bridge for one remote server.
type ServerOptions struct {
	// Sequential holds further calls until the outstanding one completes, for transports or
	// servers that cannot pipeline requests.
	Sequential bool
	// CallTimeout overrides the bridge-wide call budget.
	CallTimeout time.Duration
	// ReadOnlyTools marks tools as read-only even if the server does not annotate them.
	ReadOnlyTools []string
}

// Bridge owns one logical connection per remote server and translates operations into
// correlated JSON-RPC calls.
//
// Connections are established lazily on first use. Concurrent first callers converge on one
// connection attempt, and a failed attempt is not cached so a later call can retry.
//
// Every tools/call performed by the Bridge publishes exactly one terminal event on the
// Dispatcher: op:result on success, op:result-unknown when the deadline passed without a
// response, op:error otherwise. The Bridge never retries on its own; see Retry.
//
// CallOperation only accepts read-only operations. Write-capable operations are dispatched by
// the Mediator after it has applied the requesting widget's policy.
type Bridge struct {
	dispatcher *Dispatcher
	dialer     Dialer
	logger     *slog.Logger

	clientInfo     Info
	callTimeout    time.Duration
	connectTimeout time.Duration
	writeTimeout   time.Duration
	pingInterval   time.Duration
	pingThreshold  int
	servers        map[string]ServerOptions

	mu       sync.Mutex
	conns    map[string]*connection
	closed   bool
	connects singleflight.Group

	catalog      *catalog
	catalogLoads singleflight.Group

	resMu        sync.Mutex
	resourceSubs map[string]map[string]*resourceSub
	nextSubID    atomic.Uint64
}

var (
	defaultBridgeCallTimeout    = 30 * time.Second
	defaultBridgeConnectTimeout = 30 * time.Second
	defaultBridgeWriteTimeout   = 30 * time.Second
	defaultBridgePingInterval   = 30 * time.Second

	defaultBridgePingTimeoutThreshold = 3

	maxListPages = 100
)

// WithBridgeLogger sets the logger of the bridge.
func WithBridgeLogger(logger *slog.Logger) BridgeOption {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithClientInfo sets the identity announced to remote servers during initialization.
func WithClientInfo(info Info) BridgeOption {
	return func(b *Bridge) {
		b.clientInfo = info
	}
}

// WithCallTimeout sets the default deadline of a remote call.
func WithCallTimeout(timeout time.Duration) BridgeOption {
	return func(b *Bridge) {
		b.callTimeout = timeout
	}
}

// WithConnectTimeout sets the deadline for opening a session and completing the handshake.
func WithConnectTimeout(timeout time.Duration) BridgeOption {
	return func(b *Bridge) {
		b.connectTimeout = timeout
	}
}

// WithWriteTimeout sets how long the transport may take to accept one message.
func WithWriteTimeout(timeout time.Duration) BridgeOption {
	return func(b *Bridge) {
		b.writeTimeout = timeout
	}
}

// WithPingInterval sets the keepalive interval of connections. A negative interval disables
// keepalive pings.
func WithPingInterval(interval time.Duration) BridgeOption {
	return func(b *Bridge) {
		b.pingInterval = interval
	}
}

// WithPingTimeoutThreshold sets how many consecutive ping failures tear a connection down.
func WithPingTimeoutThreshold(threshold int) BridgeOption {
	return func(b *Bridge) {
		b.pingThreshold = threshold
	}
}

// WithServerOptions tunes the bridge for the server name.
func WithServerOptions(name string, opts ServerOptions) BridgeOption {
	return func(b *Bridge) {
		b.servers[name] = opts
	}
}

// NewBridge creates a Bridge that opens sessions with dialer and publishes on dispatcher.
func NewBridge(dispatcher *Dispatcher, dialer Dialer, options ...BridgeOption) *Bridge {
	b := &Bridge{
		dispatcher:   dispatcher,
		dialer:       dialer,
		logger:       slog.Default(),
		clientInfo:   Info{Name: "mcphost", Version: "1.0.0"},
		servers:      make(map[string]ServerOptions),
		conns:        make(map[string]*connection),
		catalog:      newCatalog(),
		resourceSubs: make(map[string]map[string]*resourceSub),
	}
	for _, opt := range options {
		opt(b)
	}

	if b.callTimeout == 0 {
		b.callTimeout = defaultBridgeCallTimeout
	}
	if b.connectTimeout == 0 {
		b.connectTimeout = defaultBridgeConnectTimeout
	}
	if b.writeTimeout == 0 {
		b.writeTimeout = defaultBridgeWriteTimeout
	}
	if b.pingInterval == 0 {
		b.pingInterval = defaultBridgePingInterval
	}
	if b.pingThreshold == 0 {
		b.pingThreshold = defaultBridgePingTimeoutThreshold
	}
	b.logger = b.logger.With(slog.String("component", "bridge"))

	return b
}

// CallOperation invokes the read-only tool req.Operation on req.ServerName. A correlation id is
// generated when req carries none. Write-capable operations are refused with
// InsufficientTrust: they must be requested through the Mediator.
func (b *Bridge) CallOperation(ctx context.Context, req OperationRequest) (CallToolResult, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.New().String()
	}

	desc, err := b.Describe(ctx, req.ServerName, req.Operation)
	if err != nil {
		publishFailure(b.dispatcher, req, err)
		return CallToolResult{}, err
	}
	if !desc.ReadOnly {
		err := &Error{
			Kind:          KindInsufficientTrust,
			ServerName:    req.ServerName,
			CorrelationID: req.CorrelationID,
			Message:       fmt.Sprintf("operation %s is write-capable and must be requested through the mediator", req.Operation),
		}
		publishFailure(b.dispatcher, req, err)
		return CallToolResult{}, err
	}

	return b.dispatch(ctx, req)
}

// dispatch performs tools/call without any policy check and publishes the terminal event.
// Only CallOperation and the Mediator reach it.
func (b *Bridge) dispatch(ctx context.Context, req OperationRequest) (CallToolResult, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.New().String()
	}
	args := req.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	conn, err := b.connect(ctx, req.ServerName)
	if err != nil {
		publishFailure(b.dispatcher, req, err)
		return CallToolResult{}, err
	}

	raw, err := conn.call(ctx, req.CorrelationID, MethodToolsCall, CallToolParams{
		Name:      req.Operation,
		Arguments: args,
	}, b.timeoutFor(req.ServerName))
	if err != nil {
		b.observeRemoteError(req.ServerName, err)
		publishFailure(b.dispatcher, req, err)
		return CallToolResult{}, err
	}

	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		perr := &Error{
			Kind:          KindProtocol,
			Reason:        ReasonTransportFraming,
			ServerName:    req.ServerName,
			CorrelationID: req.CorrelationID,
			Message:       "failed to unmarshal tool result",
			Err:           err,
		}
		publishFailure(b.dispatcher, req, perr)
		return CallToolResult{}, perr
	}

	b.dispatcher.Publish(ChannelResult, OperationResult{
		CorrelationID: req.CorrelationID,
		InstanceID:    req.InstanceID,
		ServerName:    req.ServerName,
		Operation:     req.Operation,
		Result:        result,
	})
	return result, nil
}

// ListCapability lists every remote capability of kind, following pagination.
func (b *Bridge) ListCapability(ctx context.Context, serverName string, kind CapabilityKind) ([]Descriptor, error) {
	switch kind {
	case CapabilityTools:
		tools, err := b.loadTools(ctx, serverName)
		if err != nil {
			return nil, err
		}
		descs := make([]Descriptor, 0, len(tools))
		for _, t := range tools {
			descs = append(descs, Descriptor{
				Kind:        kind,
				Name:        t.Name,
				Description: t.Description,
				ReadOnly:    b.readOnly(serverName, t),
				InputSchema: t.InputSchema,
			})
		}
		return descs, nil
	case CapabilityResources:
		resources, err := listAll(ctx, b, serverName, MethodResourcesList,
			func(cursor string) any { return ListResourcesParams{Cursor: cursor} },
			func(r ListResourcesResult) ([]Resource, string) { return r.Resources, r.NextCursor })
		if err != nil {
			return nil, err
		}
		descs := make([]Descriptor, 0, len(resources))
		for _, r := range resources {
			descs = append(descs, Descriptor{
				Kind:        kind,
				Name:        r.Name,
				Description: r.Description,
				URI:         r.URI,
				MimeType:    r.MimeType,
				ReadOnly:    true,
			})
		}
		return descs, nil
	case CapabilityResourceTemplates:
		templates, err := listAll(ctx, b, serverName, MethodResourcesTemplatesList,
			func(cursor string) any { return ListResourceTemplatesParams{Cursor: cursor} },
			func(r ListResourceTemplatesResult) ([]ResourceTemplate, string) { return r.Templates, r.NextCursor })
		if err != nil {
			return nil, err
		}
		descs := make([]Descriptor, 0, len(templates))
		for _, t := range templates {
			descs = append(descs, Descriptor{
				Kind:        kind,
				Name:        t.Name,
				Description: t.Description,
				URITemplate: t.URITemplate,
				MimeType:    t.MimeType,
				ReadOnly:    true,
			})
		}
		return descs, nil
	case CapabilityPrompts:
		prompts, err := listAll(ctx, b, serverName, MethodPromptsList,
			func(cursor string) any { return ListPromptsParams{Cursor: cursor} },
			func(r ListPromptResult) ([]Prompt, string) { return r.Prompts, r.NextCursor })
		if err != nil {
			return nil, err
		}
		descs := make([]Descriptor, 0, len(prompts))
		for _, p := range prompts {
			descs = append(descs, Descriptor{
				Kind:        kind,
				Name:        p.Name,
				Description: p.Description,
				Arguments:   p.Arguments,
				ReadOnly:    true,
			})
		}
		return descs, nil
	default:
		return nil, &Error{
			Kind:       KindValidation,
			ServerName: serverName,
			Message:    fmt.Sprintf("unknown capability kind %q", kind),
		}
	}
}

// ReadResource reads the contents of the resource uri.
func (b *Bridge) ReadResource(ctx context.Context, serverName, uri string) ([]ResourceContents, error) {
	var result ReadResourceResult
	if err := b.request(ctx, serverName, MethodResourcesRead, ReadResourceParams{URI: uri}, &result); err != nil {
		return nil, err
	}
	return result.Contents, nil
}

// GetPrompt renders the prompt template name with args.
func (b *Bridge) GetPrompt(ctx context.Context, serverName, name string, args map[string]string) (GetPromptResult, error) {
	var result GetPromptResult
	err := b.request(ctx, serverName, MethodPromptsGet, GetPromptParams{Name: name, Arguments: args}, &result)
	if err != nil {
		return GetPromptResult{}, err
	}
	return result, nil
}

// SubscribeToResource registers handler for updates of the resource uri. The remote
// subscription is opened for the first local handler of a uri and closed with the last one.
// The returned function releases the handler and is safe to call more than once.
//
// Subscriptions do not survive a disconnection of the server.
func (b *Bridge) SubscribeToResource(
	ctx context.Context,
	serverName, uri string,
	handler func(ResourceUpdated),
) (func(), error) {
	if handler == nil {
		return nil, &Error{Kind: KindValidation, ServerName: serverName, Message: "nil resource handler"}
	}

	conn, err := b.connect(ctx, serverName)
	if err != nil {
		return nil, err
	}
	if !conn.supportsResourceSubscribe() {
		return nil, &Error{
			Kind:       KindProtocol,
			Reason:     ReasonUnsupportedMethod,
			ServerName: serverName,
			Message:    "server does not support resource subscriptions",
		}
	}

	id := b.nextSubID.Add(1)
	b.resMu.Lock()
	byURI, ok := b.resourceSubs[serverName]
	if !ok {
		byURI = make(map[string]*resourceSub)
		b.resourceSubs[serverName] = byURI
	}
	rs, ok := byURI[uri]
	first := !ok
	if first {
		rs = &resourceSub{
			handlers: make(map[uint64]func(ResourceUpdated)),
			ready:    make(chan struct{}),
		}
		byURI[uri] = rs
	}
	rs.handlers[id] = handler
	b.resMu.Unlock()

	if first {
		err := b.request(ctx, serverName, MethodResourcesSubscribe, SubscribeResourceParams{URI: uri}, nil)
		b.resMu.Lock()
		rs.err = err
		if err != nil && b.resourceSubs[serverName][uri] == rs {
			delete(b.resourceSubs[serverName], uri)
		}
		b.resMu.Unlock()
		close(rs.ready)
		if err != nil {
			return nil, err
		}
	} else {
		// Later handlers share the remote subscription the first one is still opening.
		select {
		case <-rs.ready:
			if rs.err != nil {
				return nil, rs.err
			}
		case <-ctx.Done():
			if b.removeResourceHandler(serverName, uri, id) {
				go b.unsubscribeRemote(serverName, uri)
			}
			return nil, &Error{
				Kind:       KindCancelled,
				ServerName: serverName,
				Message:    "gave up waiting for resource subscription",
				Err:        ctx.Err(),
			}
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if b.removeResourceHandler(serverName, uri, id) {
				go b.unsubscribeRemote(serverName, uri)
			}
		})
	}, nil
}

// Describe returns what the Bridge knows about the tool operation. The tool list is fetched
// on first use and refreshed once when the operation is missing from a cached list.
func (b *Bridge) Describe(ctx context.Context, serverName, operation string) (OperationDescriptor, error) {
	tool, found, loaded := b.catalog.lookup(serverName, operation)
	if !found {
		if loaded {
			b.catalog.invalidate(serverName)
		}
		if _, err := b.loadTools(ctx, serverName); err != nil {
			return OperationDescriptor{}, err
		}
		tool, found, _ = b.catalog.lookup(serverName, operation)
	}
	if !found {
		return OperationDescriptor{}, &Error{
			Kind:       KindValidation,
			ServerName: serverName,
			Message:    fmt.Sprintf("unknown operation %s", operation),
		}
	}

	return OperationDescriptor{
		ServerName:  serverName,
		Name:        tool.Name,
		Description: tool.Description,
		ReadOnly:    b.readOnly(serverName, tool),
		InputSchema: tool.InputSchema,
	}, nil
}

// Connect establishes the connection to serverName if it is not open yet.
func (b *Bridge) Connect(ctx context.Context, serverName string) (ConnectionInfo, error) {
	conn, err := b.connect(ctx, serverName)
	if err != nil {
		return ConnectionInfo{}, err
	}
	return conn.info(), nil
}

// Connection returns a snapshot of the connection to serverName, if one is open.
func (b *Bridge) Connection(serverName string) (ConnectionInfo, bool) {
	b.mu.Lock()
	conn, ok := b.conns[serverName]
	b.mu.Unlock()
	if !ok {
		return ConnectionInfo{}, false
	}
	return conn.info(), true
}

// Connections returns snapshots of every open connection, sorted by server name.
func (b *Bridge) Connections() []ConnectionInfo {
	b.mu.Lock()
	conns := make([]*connection, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	infos := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.info())
	}
	slices.SortFunc(infos, func(a, b ConnectionInfo) int {
		switch {
		case a.ServerName < b.ServerName:
			return -1
		case a.ServerName > b.ServerName:
			return 1
		default:
			return 0
		}
	})
	return infos
}

// Disconnect closes the connection to serverName. Calls still pending fail with a
// TransportError. Disconnecting a server without connection is a no-op.
func (b *Bridge) Disconnect(ctx context.Context, serverName string) error {
	b.mu.Lock()
	conn, ok := b.conns[serverName]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.close(ctx)
}

// Close disconnects every server and refuses new connections.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	conns := make([]*connection, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error {
			return c.close(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to close bridge: %w", err)
	}
	return nil
}

func (b *Bridge) connect(ctx context.Context, serverName string) (*connection, error) {
	if serverName == "" {
		return nil, &Error{Kind: KindConnection, Message: "empty server name"}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, &Error{Kind: KindConnection, ServerName: serverName, Message: "bridge is closed"}
	}
	if conn, ok := b.conns[serverName]; ok {
		b.mu.Unlock()
		return conn, nil
	}
	b.mu.Unlock()

	results := b.connects.DoChan(serverName, func() (any, error) {
		return b.establish(serverName)
	})

	select {
	case res := <-results:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*connection), nil
	case <-ctx.Done():
		return nil, &Error{
			Kind:       KindConnection,
			ServerName: serverName,
			Message:    "gave up waiting for connection",
			Err:        ctx.Err(),
		}
	}
}

// establish runs once per server name at a time. It is detached from the callers' contexts so
// that one caller giving up does not abort the attempt shared with the others.
func (b *Bridge) establish(serverName string) (*connection, error) {
	b.mu.Lock()
	if conn, ok := b.conns[serverName]; ok {
		b.mu.Unlock()
		return conn, nil
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), b.connectTimeout)
	defer cancel()

	fail := func(msg string, err error) (*connection, error) {
		cerr := &Error{Kind: KindConnection, ServerName: serverName, Message: msg, Err: err}
		b.logger.Error(msg, slog.String("server", serverName), "err", err)
		b.dispatcher.Publish(ChannelServerError, ServerStatus{
			ServerName: serverName,
			State:      StateError,
			Error:      cerr.Error(),
		})
		return nil, cerr
	}

	session, err := b.dialer.Dial(ctx, serverName)
	if err != nil {
		return fail("failed to open session", err)
	}

	opts := b.servers[serverName]
	pingInterval := b.pingInterval
	if pingInterval < 0 {
		pingInterval = 0
	}
	conn := newConnection(serverName, session, connectionConfig{
		clientInfo:     b.clientInfo,
		pipelined:      !opts.Sequential,
		writeTimeout:   b.writeTimeout,
		pingInterval:   pingInterval,
		pingThreshold:  b.pingThreshold,
		logger:         b.logger,
		onNotification: b.handleNotification,
		onClosed:       b.handleClosed,
	})
	if err := conn.open(ctx, b.connectTimeout); err != nil {
		return fail("failed to initialize session", err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = conn.close(ctx)
		return nil, &Error{Kind: KindConnection, ServerName: serverName, Message: "bridge is closed"}
	}
	b.conns[serverName] = conn
	b.mu.Unlock()

	if conn.closed() {
		// The stream ended right after the handshake, before registration.
		b.mu.Lock()
		if b.conns[serverName] == conn {
			delete(b.conns, serverName)
		}
		b.mu.Unlock()
		return nil, &Error{Kind: KindConnection, ServerName: serverName, Message: "connection closed during setup"}
	}

	info := conn.info()
	b.logger.Info("connected to remote server",
		slog.String("server", serverName),
		slog.String("remote", info.ServerInfo.Name),
		slog.String("version", info.ServerInfo.Version))
	b.dispatcher.Publish(ChannelServerConnected, conn.status(""))

	return conn, nil
}

func (b *Bridge) handleClosed(conn *connection, err error) {
	b.mu.Lock()
	registered := b.conns[conn.name] == conn
	if registered {
		delete(b.conns, conn.name)
	}
	b.mu.Unlock()

	if !registered {
		return
	}

	b.catalog.invalidate(conn.name)
	b.resMu.Lock()
	delete(b.resourceSubs, conn.name)
	b.resMu.Unlock()

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		b.logger.Error("connection to remote server lost", slog.String("server", conn.name), "err", err)
		b.dispatcher.Publish(ChannelServerError, conn.status(errMsg))
	} else {
		b.logger.Info("disconnected from remote server", slog.String("server", conn.name))
	}
	b.dispatcher.Publish(ChannelServerDisconnected, conn.status(errMsg))
}

func (b *Bridge) handleNotification(conn *connection, msg JSONRPCMessage) {
	switch msg.Method {
	case MethodNotificationsResourcesUpdated:
		var params notificationsResourcesUpdatedParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			b.logger.Error("failed to unmarshal resources updated params", "err", err)
			return
		}
		update := ResourceUpdated{ServerName: conn.name, URI: params.URI}
		b.dispatcher.Publish(ChannelResourceUpdated, update)

		b.resMu.Lock()
		var handlers []func(ResourceUpdated)
		if rs, ok := b.resourceSubs[conn.name][params.URI]; ok {
			handlers = make([]func(ResourceUpdated), 0, len(rs.handlers))
			for _, h := range rs.handlers {
				handlers = append(handlers, h)
			}
		}
		b.resMu.Unlock()
		for _, h := range handlers {
			go b.runResourceHandler(h, update)
		}
	case MethodNotificationsToolsListChanged:
		b.catalog.invalidate(conn.name)
		b.dispatcher.Publish(ChannelCapabilitiesChanged, CapabilitiesChanged{ServerName: conn.name, Kind: CapabilityTools})
	case MethodNotificationsResourcesListChanged:
		b.dispatcher.Publish(ChannelCapabilitiesChanged, CapabilitiesChanged{ServerName: conn.name, Kind: CapabilityResources})
	case MethodNotificationsPromptsListChanged:
		b.dispatcher.Publish(ChannelCapabilitiesChanged, CapabilitiesChanged{ServerName: conn.name, Kind: CapabilityPrompts})
	default:
		b.logger.Debug("ignoring notification", slog.String("server", conn.name), slog.String("method", msg.Method))
	}
}

// resourceSub holds the local handlers of one remote resource subscription. ready is closed
// once the subscribe request of the first handler returned, with its error in err.
type resourceSub struct {
	handlers map[uint64]func(ResourceUpdated)
	ready    chan struct{}
	err      error
}

func (b *Bridge) runResourceHandler(h func(ResourceUpdated), update ResourceUpdated) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("resource handler panicked", slog.String("uri", update.URI), slog.Any("panic", r))
		}
	}()
	h(update)
}

// removeResourceHandler reports whether the removed handler was the last one for uri.
func (b *Bridge) removeResourceHandler(serverName, uri string, id uint64) bool {
	b.resMu.Lock()
	defer b.resMu.Unlock()

	rs, ok := b.resourceSubs[serverName][uri]
	if !ok {
		return false
	}
	if _, ok := rs.handlers[id]; !ok {
		return false
	}
	delete(rs.handlers, id)
	if len(rs.handlers) > 0 {
		return false
	}
	delete(b.resourceSubs[serverName], uri)
	return true
}

func (b *Bridge) unsubscribeRemote(serverName, uri string) {
	b.mu.Lock()
	conn, ok := b.conns[serverName]
	b.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.writeTimeout)
	defer cancel()
	_, err := conn.call(ctx, uuid.New().String(), MethodResourcesUnsubscribe, SubscribeResourceParams{URI: uri}, b.timeoutFor(serverName))
	if err != nil {
		b.logger.Warn("failed to unsubscribe resource",
			slog.String("server", serverName),
			slog.String("uri", uri),
			"err", err)
	}
}

func (b *Bridge) loadTools(ctx context.Context, serverName string) ([]Tool, error) {
	// Shared by every caller waiting on the load, so it must not die with the first one.
	loadCtx := context.WithoutCancel(ctx)
	results := b.catalogLoads.DoChan(serverName, func() (any, error) {
		tools, err := listAll(loadCtx, b, serverName, MethodToolsList,
			func(cursor string) any { return ListToolsParams{Cursor: cursor} },
			func(r ListToolsResult) ([]Tool, string) { return r.Tools, r.NextCursor })
		if err != nil {
			return nil, err
		}
		b.catalog.store(serverName, tools)
		return tools, nil
	})

	select {
	case res := <-results:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]Tool), nil
	case <-ctx.Done():
		return nil, &Error{Kind: KindCancelled, ServerName: serverName, Message: "gave up waiting for tool list", Err: ctx.Err()}
	}
}

// request performs one correlated call that is not a tool invocation.
func (b *Bridge) request(ctx context.Context, serverName, method string, params, out any) error {
	conn, err := b.connect(ctx, serverName)
	if err != nil {
		return err
	}

	raw, err := conn.call(ctx, uuid.New().String(), method, params, b.timeoutFor(serverName))
	if err != nil {
		b.observeRemoteError(serverName, err)
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{
			Kind:       KindProtocol,
			Reason:     ReasonTransportFraming,
			ServerName: serverName,
			Message:    fmt.Sprintf("failed to unmarshal %s result", method),
			Err:        err,
		}
	}
	return nil
}

// observeRemoteError applies the per-code handling of remote errors.
func (b *Bridge) observeRemoteError(serverName string, err error) {
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindProtocol {
		return
	}
	switch e.Reason {
	case ReasonUnsupportedMethod:
		// The catalog is stale, the next operation re-discovers it.
		b.catalog.invalidate(serverName)
	case ReasonMalformedRequest:
		b.logger.Error("remote server rejected a request as malformed",
			slog.String("server", serverName),
			slog.String("correlationId", e.CorrelationID),
			slog.Int("code", e.Code),
			slog.String("message", e.Message))
	}
}

func (b *Bridge) readOnly(serverName string, tool Tool) bool {
	if slices.Contains(b.servers[serverName].ReadOnlyTools, tool.Name) {
		return true
	}
	return tool.Annotations != nil && tool.Annotations.ReadOnlyHint
}

func (b *Bridge) timeoutFor(serverName string) time.Duration {
	if t := b.servers[serverName].CallTimeout; t > 0 {
		return t
	}
	return b.callTimeout
}

func listAll[R, E any](
	ctx context.Context,
	b *Bridge,
	serverName, method string,
	params func(cursor string) any,
	page func(R) ([]E, string),
) ([]E, error) {
	var all []E
	cursor := ""
	for range maxListPages {
		var res R
		if err := b.request(ctx, serverName, method, params(cursor), &res); err != nil {
			return nil, err
		}
		items, next := page(res)
		all = append(all, items...)
		if next == "" {
			return all, nil
		}
		cursor = next
	}
	return nil, &Error{
		Kind:       KindProtocol,
		Reason:     ReasonUnknown,
		ServerName: serverName,
		Message:    fmt.Sprintf("%s returned more than %d pages", method, maxListPages),
	}
}

// publishFailure publishes the terminal failure event of req: op:result-unknown for timeouts,
// op:error otherwise.
func publishFailure(d *Dispatcher, req OperationRequest, err error) {
	channel := ChannelError
	if KindOf(err) == KindTimeout {
		channel = ChannelResultUnknown
	}
	d.Publish(channel, failureFromError(req, err))
}
