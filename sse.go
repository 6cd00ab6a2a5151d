package mcphost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEClient is a ClientTransport for remote servers speaking the HTTP+SSE MCP transport. The
// server pushes messages over a long-lived GET event stream, and announces the URL that
// receives the client's POSTed messages in an "endpoint" event.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	headers    http.Header
	logger     *slog.Logger

	maxPayloadSize int
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

type sseClientSession struct {
	id         string
	httpClient *http.Client
	messageURL string
	headers    http.Header
	body       io.ReadCloser
	logger     *slog.Logger

	messages chan JSONRPCMessage
	done     chan struct{}
	stopOnce sync.Once
}

// NewSSEClient creates an SSE client that connects to the specified connectURL. The optional
// httpClient parameter allows custom HTTP client configuration - if nil, the default HTTP
// client is used.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		headers:    make(http.Header),
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of the payload that can be received
// from the server. If the payload size exceeds this limit, the error will be logged and
// the session ends.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientHeader adds a header sent with both the event stream and message requests.
func WithSSEClientHeader(key, value string) SSEClientOption {
	return func(s *SSEClient) {
		s.headers.Add(key, value)
	}
}

// WithSSEClientLogger sets the logger of the SSE client.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger
	}
}

// StartSession implements the ClientTransport interface. It opens the event stream and waits
// for the endpoint event before returning the session.
func (s *SSEClient) StartSession(ctx context.Context) (Session, error) {
	// The stream lives as long as the session, not as long as ctx.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range s.headers {
		req.Header[k] = vs
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	sess := &sseClientSession{
		id:         uuid.New().String(),
		httpClient: s.httpClient,
		headers:    s.headers,
		body:       resp.Body,
		logger:     s.logger,
		messages:   make(chan JSONRPCMessage),
		done:       make(chan struct{}),
	}

	ready := make(chan error, 1)
	go func() {
		defer cancel()
		sess.listenSSEMessages(s.connectURL, s.maxPayloadSize, ready)
	}()

	select {
	case err := <-ready:
		if err != nil {
			sess.Stop()
			return nil, err
		}
	case <-ctx.Done():
		sess.Stop()
		return nil, ctx.Err()
	}

	return sess, nil
}

func (s *sseClientSession) ID() string { return s.id }

// Send transmits a JSON-encoded message to the server through an HTTP POST request.
func (s *sseClientSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range s.headers {
		req.Header[k] = vs
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

func (s *sseClientSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-s.done:
				return
			case msg, ok := <-s.messages:
				if !ok {
					return
				}
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (s *sseClientSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.body.Close()
	})
}

func (s *sseClientSession) listenSSEMessages(connectURL string, maxPayloadSize int, ready chan<- error) {
	defer close(s.messages)

	var config *sse.ReadConfig
	if maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: maxPayloadSize,
		}
	}

	endpointSeen := false
	for ev, err := range sse.Read(s.body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) && !isClosedBody(s.done) {
				s.logger.Error("failed to read SSE message", "err", err)
			}
			if !endpointSeen {
				ready <- fmt.Errorf("event stream ended before endpoint: %w", err)
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			if endpointSeen {
				s.logger.Warn("ignoring repeated endpoint event", slog.String("data", ev.Data))
				continue
			}
			endpoint, err := resolveEndpoint(connectURL, ev.Data)
			if err != nil {
				ready <- err
				return
			}
			s.messageURL = endpoint
			endpointSeen = true
			ready <- nil
		case "message", "":
			if !endpointSeen {
				s.logger.Error("received message before endpoint URL")
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", "err", err)
				continue
			}

			select {
			case s.messages <- msg:
			case <-s.done:
				return
			}
		default:
			s.logger.Warn("unhandled event type", slog.String("type", ev.Type))
		}
	}

	if !endpointSeen {
		ready <- errors.New("event stream ended before endpoint")
	}
}

// resolveEndpoint resolves the endpoint announced by the server against the stream URL, as
// servers commonly announce a path only.
func resolveEndpoint(connectURL, endpoint string) (string, error) {
	if endpoint == "" {
		return "", errors.New("empty endpoint URL")
	}
	base, err := url.Parse(connectURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse connect URL: %w", err)
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

func isClosedBody(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}
