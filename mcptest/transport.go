package mcptest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MegaGrindStone/mcphost"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tmaxmax/go-sse"
)

// Pipe starts serving a new in-process session and returns the client end, speaking
// newline-delimited JSON-RPC over a pair of io.Pipe. Stopping the client session ends the
// server side.
func (s *Server) Pipe(ctx context.Context) mcphost.Session {
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	serverTransport := mcphost.NewStdIO(serverReader, serverWriter,
		mcphost.WithStdIOLogger(s.logger),
		mcphost.WithStdIOCloser(func() {
			_ = serverReader.Close()
			_ = serverWriter.Close()
		}))
	clientTransport := mcphost.NewStdIO(clientReader, clientWriter,
		mcphost.WithStdIOLogger(s.logger),
		mcphost.WithStdIOCloser(func() {
			_ = clientWriter.Close()
			_ = clientReader.Close()
		}))

	// StartSession of a StdIO transport never fails.
	serverSess, _ := serverTransport.StartSession(ctx)
	clientSess, _ := clientTransport.StartSession(ctx)

	go s.Serve(context.WithoutCancel(ctx), serverSess)

	return clientSess
}

// Dialer counts dials and serves each one over a new Pipe.
type Dialer struct {
	server *Server
	dials  atomic.Int64
	delay  time.Duration
	err    error
}

// NewDialer returns a Dialer for s.
func (s *Server) NewDialer() *Dialer {
	return &Dialer{server: s}
}

// WithDelay makes every dial wait for delay first, widening races between first callers.
func (d *Dialer) WithDelay(delay time.Duration) *Dialer {
	d.delay = delay
	return d
}

// WithError makes every dial fail with err.
func (d *Dialer) WithError(err error) *Dialer {
	d.err = err
	return d
}

// Dial implements mcphost.Dialer.
func (d *Dialer) Dial(ctx context.Context, _ string) (mcphost.Session, error) {
	d.dials.Add(1)
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.server.Pipe(ctx), nil
}

// Dials returns how many times Dial was called.
func (d *Dialer) Dials() int {
	return int(d.dials.Load())
}

// SSEHandler serves the HTTP+SSE transport. GET requests open an event stream announcing the
// message endpoint; POST requests to that endpoint deliver client messages.
func (s *Server) SSEHandler() http.Handler {
	h := &sseHandler{server: s, sessions: make(map[string]*sseSession)}
	return h
}

type sseHandler struct {
	server *Server

	mu       sync.Mutex
	sessions map[string]*sseSession
}

type sseSession struct {
	id     string
	sess   *sse.Session
	ctx    context.Context
	logger *slog.Logger

	sendMu   sync.Mutex
	received chan mcphost.JSONRPCMessage
	done     chan struct{}
	stopOnce sync.Once
}

func (h *sseHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleStream(w, r)
	case http.MethodPost:
		h.handleMessage(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *sseHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	logger := h.server.logger

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		nErr := fmt.Errorf("failed to upgrade session: %w", err)
		logger.Error("failed to upgrade session", "err", nErr)
		http.Error(w, nErr.Error(), http.StatusInternalServerError)
		return
	}

	ss := &sseSession{
		id:       uuid.New().String(),
		sess:     sess,
		ctx:      r.Context(),
		logger:   logger,
		received: make(chan mcphost.JSONRPCMessage),
		done:     make(chan struct{}),
	}

	// The endpoint is relative, clients resolve it against the stream URL.
	msg := &sse.Message{Type: sse.Type("endpoint")}
	msg.AppendData(fmt.Sprintf("%s?sessionID=%s", r.URL.Path, ss.id))
	if err := sess.Send(msg); err != nil {
		logger.Error("failed to write endpoint", "err", err)
		return
	}
	if err := sess.Flush(); err != nil {
		logger.Error("failed to flush endpoint", "err", err)
		return
	}

	h.mu.Lock()
	h.sessions[ss.id] = ss
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.sessions, ss.id)
		h.mu.Unlock()
	}()

	// Block until the session ends, so the stream is left open.
	h.server.Serve(r.Context(), ss)
}

func (h *sseHandler) handleMessage(w http.ResponseWriter, r *http.Request) {
	sessID := r.URL.Query().Get("sessionID")
	if sessID == "" {
		http.Error(w, "missing sessionID query parameter", http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	ss, ok := h.sessions[sessID]
	h.mu.Unlock()
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	var msg mcphost.JSONRPCMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, fmt.Sprintf("failed to decode message: %v", err), http.StatusBadRequest)
		return
	}

	select {
	case ss.received <- msg:
		w.WriteHeader(http.StatusAccepted)
	case <-ss.done:
		http.Error(w, "session closed", http.StatusGone)
	case <-r.Context().Done():
	}
}

func (s *sseSession) ID() string { return s.id }

func (s *sseSession) Send(_ context.Context, msg mcphost.JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{Type: sse.Type("message")}
	sseMsg.AppendData(string(msgBs))

	// go-sse sessions are not safe for concurrent writers.
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	select {
	case <-s.done:
		return errors.New("session is closed")
	default:
	}
	if err := s.sess.Send(sseMsg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	if err := s.sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush message: %w", err)
	}
	return nil
}

func (s *sseSession) Messages() iter.Seq[mcphost.JSONRPCMessage] {
	return func(yield func(mcphost.JSONRPCMessage) bool) {
		for {
			select {
			case msg := <-s.received:
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *sseSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

// WebSocketHandler serves the WebSocket transport, one JSON-RPC message per text frame.
func (s *Server) WebSocketHandler() http.Handler {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Error("failed to upgrade websocket", "err", err)
			return
		}
		s.Serve(r.Context(), &wsSession{
			id:     uuid.New().String(),
			conn:   conn,
			logger: s.logger,
			done:   make(chan struct{}),
		})
	})
}

type wsSession struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu  sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

func (s *wsSession) ID() string { return s.id }

func (s *wsSession) Send(_ context.Context, msg mcphost.JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return errors.New("session is closed")
	default:
	}
	return s.conn.WriteMessage(websocket.TextMessage, msgBs)
}

func (s *wsSession) Messages() iter.Seq[mcphost.JSONRPCMessage] {
	return func(yield func(mcphost.JSONRPCMessage) bool) {
		for {
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				return
			}
			var msg mcphost.JSONRPCMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				s.logger.Error("failed to unmarshal message", "err", err)
				continue
			}
			if !yield(msg) {
				return
			}
		}
	}
}

func (s *wsSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("failed to close websocket", "err", err)
		}
	})
}
