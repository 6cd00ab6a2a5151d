package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MegaGrindStone/mcphost"
)

// terminal reads answers from one input stream. A single reader goroutine owns the stream, so
// a prompt abandoned on timeout does not swallow the next answer.
type terminal struct {
	out io.Writer

	mu    sync.Mutex
	lines chan string
}

func newTerminal(in io.Reader, out io.Writer) *terminal {
	t := &terminal{out: out, lines: make(chan string)}
	go func() {
		defer close(t.lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			t.lines <- scanner.Text()
		}
	}()
	return t
}

// Confirm implements mcphost.Confirmer. Prompts are asked one at a time.
func (t *terminal) Confirm(ctx context.Context, req mcphost.ConfirmationRequest) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprintf(t.out, "\nWidget %s (%s) wants to run %s on %s\n",
		req.InstanceID, req.TrustLevel, req.Operation, req.ServerName)
	if req.Description != "" {
		fmt.Fprintf(t.out, "  %s\n", req.Description)
	}
	if len(req.Arguments) > 0 {
		fmt.Fprintf(t.out, "  arguments: %s\n", req.Arguments)
	}

	for {
		fmt.Fprint(t.out, "Allow? [y/N]: ")
		select {
		case <-ctx.Done():
			fmt.Fprintln(t.out)
			return false, ctx.Err()
		case line, ok := <-t.lines:
			if !ok {
				return false, io.EOF
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "y", "yes":
				return true, nil
			case "", "n", "no":
				return false, nil
			default:
				fmt.Fprintf(t.out, "Invalid input: %s\n", line)
			}
		}
	}
}

// console is the built-in widget of widgethost serve. It prints the terminal events of every
// operation and the state changes of servers and widgets.
type console struct {
	out io.Writer
	mu  sync.Mutex
}

func (c *console) Initialize(_ context.Context, wctx *mcphost.WidgetContext) error {
	c.printf("console %s mounted (%s)\n", wctx.InstanceID(), wctx.Policy().TrustLevel())
	return nil
}

func (c *console) Destroy(context.Context) error { return nil }

func (c *console) Refresh(context.Context) error { return nil }

func (c *console) Channels() []string {
	return []string{
		mcphost.ChannelResult,
		mcphost.ChannelError,
		mcphost.ChannelResultUnknown,
		"server:*",
		"widget:*",
		mcphost.ChannelWidgetLifecycleErr,
	}
}

func (c *console) HandleEvent(ev mcphost.Event) {
	switch p := ev.Payload.(type) {
	case mcphost.OperationResult:
		c.printf("[%s] %s %s/%s: %s\n", ev.Name, p.CorrelationID, p.ServerName, p.Operation, resultText(p.Result))
	case mcphost.OperationFailure:
		c.printf("[%s] %s %s/%s: %s: %s\n", ev.Name, p.CorrelationID, p.ServerName, p.Operation, p.Kind, p.Message)
	case mcphost.ServerStatus:
		if p.Error != "" {
			c.printf("[%s] %s: %s\n", ev.Name, p.ServerName, p.Error)
			return
		}
		c.printf("[%s] %s %s\n", ev.Name, p.ServerName, p.ServerInfo.Name)
	case mcphost.WidgetStatus:
		c.printf("[%s] %s %s %s\n", ev.Name, p.Widget, p.InstanceID, p.State)
	default:
		bs, _ := json.Marshal(ev.Payload)
		c.printf("[%s] %s\n", ev.Name, bs)
	}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func resultText(r mcphost.CallToolResult) string {
	var parts []string
	for _, c := range r.Content {
		switch c.Type {
		case mcphost.ContentTypeText:
			parts = append(parts, c.Text)
		case mcphost.ContentTypeResource:
			if c.Resource != nil {
				parts = append(parts, c.Resource.URI)
			}
		default:
			parts = append(parts, fmt.Sprintf("<%s %s>", c.Type, c.MimeType))
		}
	}
	text := strings.Join(parts, "\n")
	if r.IsError {
		return "error: " + text
	}
	return text
}
