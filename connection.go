package mcphost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ConnectionState is the state of a connection to a remote server.
type ConnectionState string

// Connection states.
const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateError        ConnectionState = "error"
)

// CapabilitySet summarizes which capability families a remote server declared.
type CapabilitySet struct {
	Tools     bool `json:"tools"`
	Resources bool `json:"resources"`
	Prompts   bool `json:"prompts"`
	Sampling  bool `json:"sampling"`
}

// ConnectionInfo is a snapshot of one connection held by the Bridge.
type ConnectionInfo struct {
	ServerName   string
	State        ConnectionState
	ServerInfo   Info
	Capabilities CapabilitySet
	Pipelined    bool

	// Outstanding is the number of calls dispatched and still awaiting a response.
	Outstanding int
	// Issued is the number of calls dispatched over the lifetime of the connection.
	Issued uint64
}

// connection is the single logical connection to one remote server. One owner goroutine
// (run) serializes outbound calls and owns the pending call table; a reader goroutine
// forwards responses to it and handles server-initiated traffic.
type connection struct {
	name    string
	session Session
	logger  *slog.Logger

	clientInfo    Info
	pipelined     bool
	writeTimeout  time.Duration
	pingInterval  time.Duration
	pingThreshold int

	onNotification func(*connection, JSONRPCMessage)
	onClosed       func(*connection, error)

	calls     chan *pendingCall
	responses chan JSONRPCMessage
	expired   chan string
	abandoned chan string
	closing   chan struct{}
	readDone  chan struct{}
	done      chan struct{}
	finished  chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu           sync.RWMutex
	state        ConnectionState
	serverInfo   Info
	capabilities ServerCapabilities

	outstanding atomic.Int64
	issued      atomic.Uint64
}

type pendingCall struct {
	correlationID string
	method        string
	params        json.RawMessage
	issuedAt      time.Time
	deadline      time.Time
	result        chan callResult
}

type callResult struct {
	msg JSONRPCMessage
	err error
}

type connectionConfig struct {
	clientInfo     Info
	pipelined      bool
	writeTimeout   time.Duration
	pingInterval   time.Duration
	pingThreshold  int
	logger         *slog.Logger
	onNotification func(*connection, JSONRPCMessage)
	onClosed       func(*connection, error)
}

func newConnection(name string, session Session, cfg connectionConfig) *connection {
	return &connection{
		name:           name,
		session:        session,
		logger:         cfg.logger.With(slog.String("server", name)),
		clientInfo:     cfg.clientInfo,
		pipelined:      cfg.pipelined,
		writeTimeout:   cfg.writeTimeout,
		pingInterval:   cfg.pingInterval,
		pingThreshold:  cfg.pingThreshold,
		onNotification: cfg.onNotification,
		onClosed:       cfg.onClosed,
		calls:          make(chan *pendingCall),
		responses:      make(chan JSONRPCMessage),
		expired:        make(chan string),
		abandoned:      make(chan string),
		closing:        make(chan struct{}),
		readDone:       make(chan struct{}),
		done:           make(chan struct{}),
		finished:       make(chan struct{}),
		state:          StateConnecting,
	}
}

// open starts the connection goroutines and performs the MCP handshake.
func (c *connection) open(ctx context.Context, timeout time.Duration) error {
	go c.read()
	go c.run()

	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      c.clientInfo,
	}
	raw, err := c.call(ctx, uuid.New().String(), MethodInitialize, params, timeout)
	if err != nil {
		c.shutdown(nil)
		return fmt.Errorf("failed to initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		c.shutdown(nil)
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}
	if result.ProtocolVersion != ProtocolVersion {
		c.shutdown(nil)
		return &Error{
			Kind:       KindProtocol,
			Reason:     ReasonInvalidArguments,
			ServerName: c.name,
			Message:    fmt.Sprintf("protocol version mismatch: %s != %s", result.ProtocolVersion, ProtocolVersion),
		}
	}

	if err := c.notify(ctx, MethodNotificationsInitialized, nil); err != nil {
		c.shutdown(nil)
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.capabilities = result.Capabilities
	c.state = StateConnected
	c.mu.Unlock()

	if c.pingInterval > 0 {
		go c.keepalive()
	}

	return nil
}

// call issues method with correlation id and waits for its response, the deadline, or ctx.
func (c *connection) call(
	ctx context.Context,
	id, method string,
	params any,
	timeout time.Duration,
) (json.RawMessage, error) {
	var paramsBs json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return nil, &Error{Kind: KindValidation, ServerName: c.name, CorrelationID: id, Err: err,
				Message: "failed to marshal params"}
		}
		paramsBs = bs
	}

	call := &pendingCall{
		correlationID: id,
		method:        method,
		params:        paramsBs,
		deadline:      time.Now().Add(timeout),
		result:        make(chan callResult, 1),
	}

	// Waiting in the queue of a non-pipelined connection counts toward the deadline.
	queued := time.NewTimer(timeout)
	defer queued.Stop()

	select {
	case c.calls <- call:
	case <-ctx.Done():
		return nil, c.cancelledError(id, ctx.Err())
	case <-c.done:
		return nil, c.closedError(id)
	case <-queued.C:
		return nil, c.timeoutError(id, timeout)
	}

	select {
	case res := <-call.result:
		return c.resolve(id, res)
	case <-c.done:
		select {
		case res := <-call.result:
			return c.resolve(id, res)
		default:
			return nil, c.closedError(id)
		}
	case <-ctx.Done():
		select {
		case c.abandoned <- id:
		case <-c.done:
		}
		// Once run has taken the abandonment, a response it delivered before is in the buffer
		// and wins over the cancellation.
		select {
		case res := <-call.result:
			if res.err == nil {
				return c.resolve(id, res)
			}
		default:
		}
		return nil, c.cancelledError(id, ctx.Err())
	}
}

func (c *connection) resolve(id string, res callResult) (json.RawMessage, error) {
	if res.err != nil {
		return nil, res.err
	}
	if res.msg.Error != nil {
		return nil, newRemoteError(res.msg.Error, c.name, id)
	}
	return res.msg.Result, nil
}

func (c *connection) notify(ctx context.Context, method string, params any) error {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer sCancel()

	if err := c.session.Send(sCtx, msg); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}

func (c *connection) run() {
	pending := make(map[string]*pendingCall)
	timers := make(map[string]*time.Timer)
	// Correlation ids the remote side rejected as malformed may not be reused.
	blocked := make(map[string]struct{})

	var exitErr error

	defer func() {
		for id, call := range pending {
			if t, ok := timers[id]; ok {
				t.Stop()
			}
			err := c.closedError(id)
			if exitErr != nil {
				err.Message = "connection lost"
				err.Err = exitErr
			}
			call.result <- callResult{err: err}
		}
		c.outstanding.Store(0)

		c.mu.Lock()
		if exitErr != nil {
			c.state = StateError
		} else {
			c.state = StateDisconnected
		}
		c.mu.Unlock()

		close(c.done)
		c.session.Stop()
		<-c.readDone

		if c.onClosed != nil {
			c.onClosed(c, exitErr)
		}
		close(c.finished)
	}()

	forget := func(id string) {
		delete(pending, id)
		if t, ok := timers[id]; ok {
			t.Stop()
			delete(timers, id)
		}
		c.outstanding.Store(int64(len(pending)))
	}

	for {
		calls := c.calls
		if !c.pipelined && len(pending) > 0 {
			// Hold further calls until the outstanding one completes.
			calls = nil
		}

		select {
		case <-c.closing:
			exitErr = c.closeErr
			return
		case <-c.readDone:
			exitErr = &Error{Kind: KindTransport, ServerName: c.name, Message: "remote server closed the stream"}
			return
		case call := <-calls:
			id := call.correlationID
			if _, dup := pending[id]; dup {
				call.result <- callResult{err: &Error{
					Kind:          KindValidation,
					ServerName:    c.name,
					CorrelationID: id,
					Message:       "correlation id is already outstanding",
				}}
				continue
			}
			if _, bad := blocked[id]; bad {
				call.result <- callResult{err: &Error{
					Kind:          KindValidation,
					ServerName:    c.name,
					CorrelationID: id,
					Message:       "resubmission blocked after the remote server rejected the request as malformed",
				}}
				continue
			}

			now := time.Now()
			remaining := call.deadline.Sub(now)
			if remaining <= 0 {
				call.result <- callResult{err: c.timeoutError(id, 0)}
				continue
			}

			sendTimeout := min(c.writeTimeout, remaining)
			sCtx, sCancel := context.WithTimeout(context.Background(), sendTimeout)
			err := c.session.Send(sCtx, JSONRPCMessage{
				JSONRPC: JSONRPCVersion,
				ID:      MustString(id),
				Method:  call.method,
				Params:  call.params,
			})
			sCancel()
			if err != nil {
				exitErr = &Error{
					Kind:          KindTransport,
					ServerName:    c.name,
					CorrelationID: id,
					Message:       "failed to send request",
					Err:           err,
				}
				call.result <- callResult{err: exitErr}
				return
			}

			call.issuedAt = now
			pending[id] = call
			c.issued.Add(1)
			c.outstanding.Store(int64(len(pending)))
			timers[id] = time.AfterFunc(remaining, func() {
				select {
				case c.expired <- id:
				case <-c.done:
				}
			})
		case msg := <-c.responses:
			id := string(msg.ID)
			call, ok := pending[id]
			if !ok {
				c.logger.Warn("dropping response for unknown or expired request", slog.String("id", id))
				continue
			}
			forget(id)
			if msg.Error != nil && msg.Error.Code == CodeInvalidRequest {
				blocked[id] = struct{}{}
				c.logger.Error("remote server rejected request as malformed",
					slog.String("id", id),
					slog.String("method", call.method),
					"err", msg.Error)
			}
			call.result <- callResult{msg: msg}
		case id := <-c.expired:
			call, ok := pending[id]
			if !ok {
				continue
			}
			delete(timers, id)
			forget(id)
			call.result <- callResult{err: c.timeoutError(id, call.deadline.Sub(call.issuedAt))}
			go c.cancelRemote(id, "timeout")
		case id := <-c.abandoned:
			if _, ok := pending[id]; !ok {
				continue
			}
			forget(id)
			go c.cancelRemote(id, userCancelledReason)
		}
	}
}

func (c *connection) read() {
	defer close(c.readDone)

	for msg := range c.session.Messages() {
		if msg.JSONRPC != JSONRPCVersion {
			c.logger.Error("invalid jsonrpc version", slog.String("version", msg.JSONRPC))
			continue
		}

		switch {
		case msg.Method == "":
			select {
			case c.responses <- msg:
			case <-c.done:
				return
			}
		case msg.ID != "":
			go c.answer(msg)
		default:
			if c.onNotification != nil {
				c.onNotification(c, msg)
			}
		}
	}
}

// answer responds to requests initiated by the remote server.
func (c *connection) answer(msg JSONRPCMessage) {
	res := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
	}
	switch msg.Method {
	case MethodPing:
		res.Result = json.RawMessage(`{}`)
	default:
		c.logger.Warn("unsupported request from remote server", slog.String("method", msg.Method))
		res.Error = &JSONRPCError{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("method %s is not supported by this host", msg.Method),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	if err := c.session.Send(ctx, res); err != nil {
		c.logger.Error("failed to answer remote request", slog.String("method", msg.Method), "err", err)
	}
}

func (c *connection) keepalive() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	failedPings := 0
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		_, err := c.call(context.Background(), uuid.New().String(), MethodPing, nil, c.writeTimeout)
		if err == nil {
			failedPings = 0
			continue
		}
		if c.closed() {
			return
		}

		failedPings++
		c.logger.Warn("failed to ping remote server", slog.Int("failed", failedPings), "err", err)
		if failedPings > c.pingThreshold {
			c.shutdown(&Error{
				Kind:       KindTransport,
				ServerName: c.name,
				Message:    fmt.Sprintf("too many ping failures: %d", failedPings),
			})
			return
		}
	}
}

func (c *connection) cancelRemote(id, reason string) {
	err := c.notify(context.Background(), MethodNotificationsCancelled, notificationsCancelledParams{
		RequestID: id,
		Reason:    reason,
	})
	if err != nil && !c.closed() {
		c.logger.Warn("failed to send cancellation", slog.String("id", id), "err", err)
	}
}

// shutdown stops the connection. A nil err is an orderly close.
func (c *connection) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closing)
	})
}

// close stops the connection and waits until its teardown has been reported.
func (c *connection) close(ctx context.Context) error {
	c.shutdown(nil)
	select {
	case <-c.finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to close connection to %s: %w", c.name, ctx.Err())
	}
}

func (c *connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *connection) info() ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConnectionInfo{
		ServerName:   c.name,
		State:        c.state,
		ServerInfo:   c.serverInfo,
		Capabilities: capabilitySet(c.capabilities),
		Pipelined:    c.pipelined,
		Outstanding:  int(c.outstanding.Load()),
		Issued:       c.issued.Load(),
	}
}

func (c *connection) status(errMsg string) ServerStatus {
	info := c.info()
	return ServerStatus{
		ServerName:   c.name,
		State:        info.State,
		ServerInfo:   info.ServerInfo,
		Capabilities: info.Capabilities,
		Error:        errMsg,
	}
}

func (c *connection) supportsResourceSubscribe() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities.Resources != nil && c.capabilities.Resources.Subscribe
}

func (c *connection) timeoutError(id string, after time.Duration) *Error {
	return &Error{
		Kind:          KindTimeout,
		ServerName:    c.name,
		CorrelationID: id,
		Message:       fmt.Sprintf("no response within %s, the outcome is unknown", after),
	}
}

func (c *connection) cancelledError(id string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Kind:          KindTimeout,
			ServerName:    c.name,
			CorrelationID: id,
			Message:       "caller deadline exceeded, the outcome is unknown",
			Err:           err,
		}
	}
	return &Error{
		Kind:          KindCancelled,
		ServerName:    c.name,
		CorrelationID: id,
		Message:       "request cancelled by caller",
		Err:           err,
	}
}

func (c *connection) closedError(id string) *Error {
	return &Error{
		Kind:          KindTransport,
		ServerName:    c.name,
		CorrelationID: id,
		Message:       "connection closed",
	}
}

func capabilitySet(caps ServerCapabilities) CapabilitySet {
	return CapabilitySet{
		Tools:     caps.Tools != nil,
		Resources: caps.Resources != nil,
		Prompts:   caps.Prompts != nil,
		Sampling:  caps.Sampling != nil,
	}
}
