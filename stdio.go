package mcphost

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StdIO implements a newline-delimited JSON-RPC transport over an io.Reader/io.Writer pair,
// such as the stdin/stdout of a subprocess or the two ends of an io.Pipe. It provides a single
// session per instance.
//
// StdIO can be used by either side of the conversation, which makes it convenient for
// in-process remote servers in tests.
type StdIO struct {
	sess *stdIOSession
}

// StdIOOption is a function that configures a StdIO transport.
type StdIOOption func(*stdIOSession)

type stdIOSession struct {
	id     string
	reader io.Reader
	writer io.Writer
	closer func()
	logger *slog.Logger

	writeMessages chan stdIOMessage
	done          chan struct{}
	startOnce     sync.Once
	stopOnce      sync.Once
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

// Command is a ClientTransport that launches a remote server as a subprocess and speaks
// JSON-RPC over its stdin/stdout. Each StartSession launches a new process.
type Command struct {
	name   string
	args   []string
	env    []string
	dir    string
	logger *slog.Logger

	stopTimeout time.Duration
}

// CommandOption is a function that configures a Command transport.
type CommandOption func(*Command)

var defaultCommandStopTimeout = 5 * time.Second

// WithStdIOLogger sets the logger of the stdio session.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *stdIOSession) {
		s.logger = logger
	}
}

// WithStdIOCloser sets a function called once the session is stopped, typically closing the
// underlying reader and writer.
func WithStdIOCloser(closer func()) StdIOOption {
	return func(s *stdIOSession) {
		s.closer = closer
	}
}

// NewStdIO creates a new StdIO instance configured with the provided reader and writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) StdIO {
	sess := &stdIOSession{
		id:            uuid.New().String(),
		reader:        reader,
		writer:        writer,
		logger:        slog.Default(),
		writeMessages: make(chan stdIOMessage),
		done:          make(chan struct{}),
	}
	for _, opt := range options {
		opt(sess)
	}
	return StdIO{sess: sess}
}

// StartSession implements the ClientTransport interface. The same session is returned on
// every call, as a reader/writer pair carries a single conversation.
func (s StdIO) StartSession(_ context.Context) (Session, error) {
	s.sess.startOnce.Do(func() {
		go s.sess.processWriteMessages()
	})
	return s.sess, nil
}

// WithCommandEnv appends environment variables, in KEY=VALUE form, to the host environment
// of the subprocess.
func WithCommandEnv(env ...string) CommandOption {
	return func(c *Command) {
		c.env = append(c.env, env...)
	}
}

// WithCommandDir sets the working directory of the subprocess.
func WithCommandDir(dir string) CommandOption {
	return func(c *Command) {
		c.dir = dir
	}
}

// WithCommandLogger sets the logger of the command transport.
func WithCommandLogger(logger *slog.Logger) CommandOption {
	return func(c *Command) {
		c.logger = logger
	}
}

// WithCommandStopTimeout sets how long Stop waits for the subprocess to exit after its stdin is
// closed before killing it.
func WithCommandStopTimeout(timeout time.Duration) CommandOption {
	return func(c *Command) {
		c.stopTimeout = timeout
	}
}

// NewCommand creates a Command transport for the executable name with args.
func NewCommand(name string, args []string, options ...CommandOption) *Command {
	c := &Command{
		name:   name,
		args:   args,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.stopTimeout == 0 {
		c.stopTimeout = defaultCommandStopTimeout
	}
	return c
}

// StartSession implements the ClientTransport interface by starting the subprocess.
func (c *Command) StartSession(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The process outlives ctx, it is bound to the session instead.
	cmd := exec.Command(c.name, c.args...)
	cmd.Dir = c.dir
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.name, err)
	}

	logger := c.logger.With(slog.String("command", c.name), slog.Int("pid", cmd.Process.Pid))
	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		if err != nil {
			logger.Warn("remote server process exited", "err", err)
		}
		close(exited)
	}()

	closer := func() {
		if err := stdin.Close(); err != nil {
			logger.Debug("failed to close stdin", "err", err)
		}
		select {
		case <-exited:
		case <-time.After(c.stopTimeout):
			logger.Warn("remote server did not exit, killing it")
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to kill remote server", "err", err)
			}
			<-exited
		}
	}

	return NewStdIO(stdout, stdin, WithStdIOLogger(logger), WithStdIOCloser(closer)).StartSession(ctx)
}

func (s *stdIOSession) ID() string {
	return s.id
}

func (s *stdIOSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message so writes never interleave.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errSessionClosed
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errSessionClosed
	}
}

func (s *stdIOSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		type lineWithErr struct {
			line string
			err  error
		}
		lines := make(chan lineWithErr)

		// A single reader goroutine, so we can listen to the done channel while a read is
		// blocked. It exits once the reader reports an error.
		go func() {
			// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
			reader := bufio.NewReader(s.reader)
			for {
				line, err := reader.ReadString('\n')
				select {
				case lines <- lineWithErr{line: strings.TrimSpace(line), err: err}:
				case <-s.done:
					return
				}
				if err != nil {
					return
				}
			}
		}()

		for {
			var lwe lineWithErr
			select {
			case <-s.done:
				return
			case lwe = <-lines:
			}

			if lwe.line != "" {
				var msg JSONRPCMessage
				if err := json.Unmarshal([]byte(lwe.line), &msg); err != nil {
					s.logger.Error("failed to unmarshal message", "err", err)
				} else if !yield(msg) {
					return
				}
			}

			if lwe.err != nil {
				if !errors.Is(lwe.err, io.EOF) {
					s.logger.Error("failed to read message", "err", lwe.err)
				}
				return
			}
		}
	}
}

func (s *stdIOSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.closer != nil {
			s.closer()
		}
	})
}

func (s *stdIOSession) processWriteMessages() {
	for {
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}

var errSessionClosed = errors.New("session is closed")
