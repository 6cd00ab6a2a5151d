package mcphost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocketClient is a ClientTransport carrying one JSON-RPC message per WebSocket text frame.
type WebSocketClient struct {
	url     string
	dialer  *websocket.Dialer
	headers http.Header
	logger  *slog.Logger

	writeTimeout time.Duration
}

// WebSocketClientOption represents the options for the WebSocketClient.
type WebSocketClientOption func(*WebSocketClient)

type webSocketSession struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	writeTimeout time.Duration

	writeMu  sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

var defaultWebSocketWriteTimeout = 10 * time.Second

// WithWebSocketHeader adds a header sent with the opening handshake.
func WithWebSocketHeader(key, value string) WebSocketClientOption {
	return func(w *WebSocketClient) {
		w.headers.Add(key, value)
	}
}

// WithWebSocketDialer replaces the gorilla dialer, e.g. to configure TLS or proxies.
func WithWebSocketDialer(dialer *websocket.Dialer) WebSocketClientOption {
	return func(w *WebSocketClient) {
		w.dialer = dialer
	}
}

// WithWebSocketLogger sets the logger of the WebSocket client.
func WithWebSocketLogger(logger *slog.Logger) WebSocketClientOption {
	return func(w *WebSocketClient) {
		w.logger = logger
	}
}

// NewWebSocketClient creates a WebSocket transport for the ws:// or wss:// url.
func NewWebSocketClient(url string, options ...WebSocketClientOption) *WebSocketClient {
	w := &WebSocketClient{
		url:          url,
		dialer:       websocket.DefaultDialer,
		headers:      make(http.Header),
		logger:       slog.Default(),
		writeTimeout: defaultWebSocketWriteTimeout,
	}
	for _, opt := range options {
		opt(w)
	}
	return w
}

// StartSession implements the ClientTransport interface by dialing the WebSocket endpoint.
func (w *WebSocketClient) StartSession(ctx context.Context) (Session, error) {
	conn, resp, err := w.dialer.DialContext(ctx, w.url, w.headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial websocket, status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial websocket: %w", err)
	}

	return &webSocketSession{
		id:           uuid.New().String(),
		conn:         conn,
		logger:       w.logger,
		writeTimeout: w.writeTimeout,
		done:         make(chan struct{}),
	}, nil
}

func (s *webSocketSession) ID() string { return s.id }

func (s *webSocketSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	// gorilla connections support one concurrent writer.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.done:
		return errSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	deadline := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, msgBs); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (s *webSocketSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			msgType, data, err := s.conn.ReadMessage()
			if err != nil {
				select {
				case <-s.done:
				default:
					if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
						!errors.Is(err, net.ErrClosed) {
						s.logger.Error("failed to read websocket message", "err", err)
					}
				}
				return
			}
			if msgType != websocket.TextMessage {
				s.logger.Warn("ignoring non-text websocket frame", slog.Int("type", msgType))
				continue
			}

			var msg JSONRPCMessage
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

func (s *webSocketSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)

		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()

		if err := s.conn.Close(); err != nil {
			s.logger.Debug("failed to close websocket", "err", err)
		}
	})
}
