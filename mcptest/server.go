// Package mcptest provides a small remote MCP server. Tests of code built on mcphost script it
// directly; the fsremote command serves the filesystem tools with it.
//
// A Server is reachable through an in-process pipe (Pipe, Dialer), an HTTP+SSE endpoint
// (SSEHandler) or a WebSocket endpoint (WebSocketHandler). Tools, resources and prompts are
// registered up front; every request received is counted so tests can assert what reached
// the remote side.
package mcptest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"

	"github.com/MegaGrindStone/mcphost"
	"github.com/qri-io/jsonschema"
)

// ToolHandler executes a tool call. Returning a *mcphost.JSONRPCError sends it as the error
// response unchanged; any other error is sent as an internal error.
type ToolHandler func(ctx context.Context, args json.RawMessage) (mcphost.CallToolResult, error)

// PromptHandler renders a prompt.
type PromptHandler func(ctx context.Context, args map[string]string) (mcphost.GetPromptResult, error)

// RequestHook runs before the server handles a request. A non-nil error is sent as the
// response the same way a ToolHandler error is.
type RequestHook func(ctx context.Context, method string) error

// Option configures a Server.
type Option func(*Server)

// Server is a remote MCP server with scripted behavior.
type Server struct {
	info            mcphost.Info
	protocolVersion string
	pageSize        int
	subscribe       bool
	hook            RequestHook
	logger          *slog.Logger

	mu        sync.Mutex
	tools     []registeredTool
	resources []registeredResource
	templates []mcphost.ResourceTemplate
	prompts   []registeredPrompt
	requests  map[string]int
	cancelled []string
	subs      map[string]int
	sessions  map[*serverSession]struct{}
}

type registeredTool struct {
	tool    mcphost.Tool
	schema  *jsonschema.Schema
	handler ToolHandler
}

type registeredResource struct {
	resource mcphost.Resource
	contents []mcphost.ResourceContents
}

type registeredPrompt struct {
	prompt  mcphost.Prompt
	handler PromptHandler
}

type serverSession struct {
	sess mcphost.Session

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

type initializeResult struct {
	ProtocolVersion string                     `json:"protocolVersion"`
	Capabilities    mcphost.ServerCapabilities `json:"capabilities"`
	ServerInfo      mcphost.Info               `json:"serverInfo"`
}

type cancelledParams struct {
	RequestID mcphost.MustString `json:"requestId"`
	Reason    string             `json:"reason"`
}

// WithInfo sets the server identity announced during initialization.
func WithInfo(info mcphost.Info) Option {
	return func(s *Server) {
		s.info = info
	}
}

// WithProtocolVersion overrides the protocol version announced during initialization.
func WithProtocolVersion(version string) Option {
	return func(s *Server) {
		s.protocolVersion = version
	}
}

// WithPageSize splits list results into pages of size items.
func WithPageSize(size int) Option {
	return func(s *Server) {
		s.pageSize = size
	}
}

// WithResourceSubscriptions declares support for resources/subscribe.
func WithResourceSubscriptions() Option {
	return func(s *Server) {
		s.subscribe = true
	}
}

// WithRequestHook installs hook for every request except initialize.
func WithRequestHook(hook RequestHook) Option {
	return func(s *Server) {
		s.hook = hook
	}
}

// WithLogger sets the logger of the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates an empty Server.
func NewServer(options ...Option) *Server {
	s := &Server{
		info:            mcphost.Info{Name: "mcptest", Version: "1.0.0"},
		protocolVersion: mcphost.ProtocolVersion,
		logger:          slog.Default(),
		requests:        make(map[string]int),
		subs:            make(map[string]int),
		sessions:        make(map[*serverSession]struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// AddTool registers tool. Arguments are validated against tool.InputSchema before handler
// runs; a mismatch is answered with an invalid params error.
func (s *Server) AddTool(tool mcphost.Tool, handler ToolHandler) error {
	rt := registeredTool{tool: tool, handler: handler}
	if len(tool.InputSchema) > 0 {
		rt.schema = &jsonschema.Schema{}
		if err := json.Unmarshal(tool.InputSchema, rt.schema); err != nil {
			return fmt.Errorf("failed to parse input schema of %s: %w", tool.Name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = slices.DeleteFunc(s.tools, func(t registeredTool) bool { return t.tool.Name == tool.Name })
	s.tools = append(s.tools, rt)
	return nil
}

// RemoveTool unregisters the tool name.
func (s *Server) RemoveTool(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = slices.DeleteFunc(s.tools, func(t registeredTool) bool { return t.tool.Name == name })
}

// AddResource registers a readable resource.
func (s *Server) AddResource(resource mcphost.Resource, contents ...mcphost.ResourceContents) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources = append(s.resources, registeredResource{resource: resource, contents: contents})
}

// AddResourceTemplate registers a resource template.
func (s *Server) AddResourceTemplate(template mcphost.ResourceTemplate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates = append(s.templates, template)
}

// AddPrompt registers a prompt.
func (s *Server) AddPrompt(prompt mcphost.Prompt, handler PromptHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, registeredPrompt{prompt: prompt, handler: handler})
}

// Requests returns how many requests of method the server received.
func (s *Server) Requests(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[method]
}

// Cancelled returns the ids of requests the client cancelled.
func (s *Server) Cancelled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.cancelled)
}

// Subscribers returns how many subscriptions to uri are open.
func (s *Server) Subscribers(uri string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[uri]
}

// Sessions returns the number of sessions being served.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Notify sends a notification to every session.
func (s *Server) Notify(ctx context.Context, method string, params any) error {
	msg := mcphost.JSONRPCMessage{JSONRPC: mcphost.JSONRPCVersion, Method: method}
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = bs
	}

	s.mu.Lock()
	sessions := make([]*serverSession, 0, len(s.sessions))
	for ss := range s.sessions {
		sessions = append(sessions, ss)
	}
	s.mu.Unlock()

	var errs []error
	for _, ss := range sessions {
		if err := ss.sess.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NotifyResourceUpdated tells every session that uri changed.
func (s *Server) NotifyResourceUpdated(ctx context.Context, uri string) error {
	return s.Notify(ctx, mcphost.MethodNotificationsResourcesUpdated, map[string]string{"uri": uri})
}

// Serve answers the requests of sess until its message stream ends or ctx is done. The
// session is stopped on return.
func (s *Server) Serve(ctx context.Context, sess mcphost.Session) {
	ss := &serverSession{sess: sess, inflight: make(map[string]context.CancelFunc)}

	s.mu.Lock()
	s.sessions[ss] = struct{}{}
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		s.mu.Lock()
		delete(s.sessions, ss)
		s.mu.Unlock()
		sess.Stop()
	}()

	go func() {
		<-ctx.Done()
		sess.Stop()
	}()

	for msg := range sess.Messages() {
		if msg.Method == "" {
			// Responses to server-initiated requests are not used.
			continue
		}

		s.mu.Lock()
		s.requests[msg.Method]++
		s.mu.Unlock()

		if msg.ID == "" {
			s.handleNotification(ss, msg)
			continue
		}

		rctx, rcancel := context.WithCancel(ctx)
		ss.mu.Lock()
		ss.inflight[string(msg.ID)] = rcancel
		ss.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				ss.mu.Lock()
				delete(ss.inflight, string(msg.ID))
				ss.mu.Unlock()
				rcancel()
			}()
			s.respond(rctx, ss, msg)
		}()
	}
}

func (s *Server) handleNotification(ss *serverSession, msg mcphost.JSONRPCMessage) {
	switch msg.Method {
	case mcphost.MethodNotificationsCancelled:
		var params cancelledParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.logger.Error("failed to unmarshal cancelled params", "err", err)
			return
		}
		s.mu.Lock()
		s.cancelled = append(s.cancelled, string(params.RequestID))
		s.mu.Unlock()

		ss.mu.Lock()
		cancel, ok := ss.inflight[string(params.RequestID)]
		ss.mu.Unlock()
		if ok {
			cancel()
		}
	case mcphost.MethodNotificationsInitialized:
	default:
		s.logger.Debug("ignoring notification", slog.String("method", msg.Method))
	}
}

func (s *Server) respond(ctx context.Context, ss *serverSession, msg mcphost.JSONRPCMessage) {
	res := mcphost.JSONRPCMessage{JSONRPC: mcphost.JSONRPCVersion, ID: msg.ID}

	result, err := s.handle(ctx, msg)
	if err != nil {
		var rpcErr *mcphost.JSONRPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &mcphost.JSONRPCError{Code: mcphost.CodeInternalError, Message: err.Error()}
		}
		res.Error = rpcErr
	} else {
		bs, err := json.Marshal(result)
		if err != nil {
			res.Error = &mcphost.JSONRPCError{Code: mcphost.CodeInternalError, Message: err.Error()}
		} else {
			res.Result = bs
		}
	}

	if ctx.Err() != nil {
		// Cancelled requests get no response.
		return
	}
	if err := ss.sess.Send(ctx, res); err != nil {
		s.logger.Warn("failed to send response", slog.String("method", msg.Method), "err", err)
	}
}

func (s *Server) handle(ctx context.Context, msg mcphost.JSONRPCMessage) (any, error) {
	if s.hook != nil && msg.Method != mcphost.MethodInitialize {
		if err := s.hook(ctx, msg.Method); err != nil {
			return nil, err
		}
	}

	switch msg.Method {
	case mcphost.MethodInitialize:
		return initializeResult{
			ProtocolVersion: s.protocolVersion,
			Capabilities: mcphost.ServerCapabilities{
				Tools:     &mcphost.ToolsCapability{ListChanged: true},
				Resources: &mcphost.ResourcesCapability{Subscribe: s.subscribe, ListChanged: true},
				Prompts:   &mcphost.PromptsCapability{ListChanged: true},
			},
			ServerInfo: s.info,
		}, nil
	case mcphost.MethodPing:
		return struct{}{}, nil
	case mcphost.MethodToolsList:
		var params mcphost.ListToolsParams
		if err := unmarshalParams(msg.Params, &params); err != nil {
			return nil, err
		}
		s.mu.Lock()
		tools := make([]mcphost.Tool, 0, len(s.tools))
		for _, t := range s.tools {
			tools = append(tools, t.tool)
		}
		s.mu.Unlock()
		page, next, err := paginate(tools, params.Cursor, s.pageSize)
		if err != nil {
			return nil, err
		}
		return mcphost.ListToolsResult{Tools: page, NextCursor: next}, nil
	case mcphost.MethodToolsCall:
		return s.callTool(ctx, msg.Params)
	case mcphost.MethodResourcesList:
		var params mcphost.ListResourcesParams
		if err := unmarshalParams(msg.Params, &params); err != nil {
			return nil, err
		}
		s.mu.Lock()
		resources := make([]mcphost.Resource, 0, len(s.resources))
		for _, r := range s.resources {
			resources = append(resources, r.resource)
		}
		s.mu.Unlock()
		page, next, err := paginate(resources, params.Cursor, s.pageSize)
		if err != nil {
			return nil, err
		}
		return mcphost.ListResourcesResult{Resources: page, NextCursor: next}, nil
	case mcphost.MethodResourcesTemplatesList:
		var params mcphost.ListResourceTemplatesParams
		if err := unmarshalParams(msg.Params, &params); err != nil {
			return nil, err
		}
		s.mu.Lock()
		templates := slices.Clone(s.templates)
		s.mu.Unlock()
		page, next, err := paginate(templates, params.Cursor, s.pageSize)
		if err != nil {
			return nil, err
		}
		return mcphost.ListResourceTemplatesResult{Templates: page, NextCursor: next}, nil
	case mcphost.MethodResourcesRead:
		var params mcphost.ReadResourceParams
		if err := unmarshalParams(msg.Params, &params); err != nil {
			return nil, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, r := range s.resources {
			if r.resource.URI == params.URI {
				return mcphost.ReadResourceResult{Contents: r.contents}, nil
			}
		}
		return nil, &mcphost.JSONRPCError{Code: mcphost.CodeInvalidParams, Message: "resource not found: " + params.URI}
	case mcphost.MethodResourcesSubscribe, mcphost.MethodResourcesUnsubscribe:
		if !s.subscribe {
			return nil, &mcphost.JSONRPCError{Code: mcphost.CodeMethodNotFound, Message: "subscriptions not supported"}
		}
		var params mcphost.SubscribeResourceParams
		if err := unmarshalParams(msg.Params, &params); err != nil {
			return nil, err
		}
		s.mu.Lock()
		if msg.Method == mcphost.MethodResourcesSubscribe {
			s.subs[params.URI]++
		} else if s.subs[params.URI] > 0 {
			s.subs[params.URI]--
		}
		s.mu.Unlock()
		return struct{}{}, nil
	case mcphost.MethodPromptsList:
		var params mcphost.ListPromptsParams
		if err := unmarshalParams(msg.Params, &params); err != nil {
			return nil, err
		}
		s.mu.Lock()
		prompts := make([]mcphost.Prompt, 0, len(s.prompts))
		for _, p := range s.prompts {
			prompts = append(prompts, p.prompt)
		}
		s.mu.Unlock()
		page, next, err := paginate(prompts, params.Cursor, s.pageSize)
		if err != nil {
			return nil, err
		}
		return mcphost.ListPromptResult{Prompts: page, NextCursor: next}, nil
	case mcphost.MethodPromptsGet:
		var params mcphost.GetPromptParams
		if err := unmarshalParams(msg.Params, &params); err != nil {
			return nil, err
		}
		s.mu.Lock()
		idx := slices.IndexFunc(s.prompts, func(p registeredPrompt) bool { return p.prompt.Name == params.Name })
		var handler PromptHandler
		if idx >= 0 {
			handler = s.prompts[idx].handler
		}
		s.mu.Unlock()
		if handler == nil {
			return nil, &mcphost.JSONRPCError{Code: mcphost.CodeInvalidParams, Message: "prompt not found: " + params.Name}
		}
		return handler(ctx, params.Arguments)
	default:
		return nil, &mcphost.JSONRPCError{
			Code:    mcphost.CodeMethodNotFound,
			Message: fmt.Sprintf("method %s not found", msg.Method),
		}
	}
}

func (s *Server) callTool(ctx context.Context, raw json.RawMessage) (any, error) {
	var params mcphost.CallToolParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}

	s.mu.Lock()
	idx := slices.IndexFunc(s.tools, func(t registeredTool) bool { return t.tool.Name == params.Name })
	var rt registeredTool
	if idx >= 0 {
		rt = s.tools[idx]
	}
	s.mu.Unlock()
	if idx < 0 {
		return nil, &mcphost.JSONRPCError{
			Code:    mcphost.CodeMethodNotFound,
			Message: fmt.Sprintf("tool %s not found", params.Name),
		}
	}

	args := params.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if rt.schema != nil {
		keyErrs, err := rt.schema.ValidateBytes(ctx, args)
		if err != nil {
			return nil, &mcphost.JSONRPCError{Code: mcphost.CodeInvalidParams, Message: err.Error()}
		}
		if len(keyErrs) > 0 {
			data, _ := json.Marshal(keyErrs)
			return nil, &mcphost.JSONRPCError{
				Code:    mcphost.CodeInvalidParams,
				Message: keyErrs[0].Error(),
				Data:    data,
			}
		}
	}

	if rt.handler == nil {
		return mcphost.CallToolResult{}, nil
	}
	return rt.handler(ctx, args)
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &mcphost.JSONRPCError{Code: mcphost.CodeInvalidParams, Message: err.Error()}
	}
	return nil
}

func paginate[T any](items []T, cursor string, size int) ([]T, string, error) {
	if size <= 0 {
		return items, "", nil
	}
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 || n > len(items) {
			return nil, "", &mcphost.JSONRPCError{Code: mcphost.CodeInvalidParams, Message: "invalid cursor " + cursor}
		}
		start = n
	}
	end := min(start+size, len(items))
	next := ""
	if end < len(items) {
		next = strconv.Itoa(end)
	}
	return items[start:end], next, nil
}
