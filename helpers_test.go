package mcphost_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/MegaGrindStone/mcphost"
	"github.com/MegaGrindStone/mcphost/mcptest"
)

// eventually polls cond until it holds or a second has passed.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met: %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func textResult(text string) mcphost.CallToolResult {
	return mcphost.CallToolResult{Content: []mcphost.Content{{Type: mcphost.ContentTypeText, Text: text}}}
}

func resultText(r mcphost.CallToolResult) string {
	if len(r.Content) == 0 {
		return ""
	}
	return r.Content[0].Text
}

var writeSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"path": {"type": "string"}, "content": {"type": "string"}},
	"required": ["path"]
}`)

// newFileServer returns a server with a read-only "read_file" tool and a write-capable
// "write_file" tool.
func newFileServer(t *testing.T, options ...mcptest.Option) *mcptest.Server {
	t.Helper()
	srv := mcptest.NewServer(options...)
	if err := srv.AddTool(mcphost.Tool{
		Name:        "read_file",
		Description: "Read a file",
		Annotations: &mcphost.ToolAnnotations{ReadOnlyHint: true},
	}, func(context.Context, json.RawMessage) (mcphost.CallToolResult, error) {
		return textResult("contents"), nil
	}); err != nil {
		t.Fatalf("failed to add read_file: %v", err)
	}
	if err := srv.AddTool(mcphost.Tool{
		Name:        "write_file",
		Description: "Write a file",
		InputSchema: writeSchema,
	}, func(context.Context, json.RawMessage) (mcphost.CallToolResult, error) {
		return textResult("written"), nil
	}); err != nil {
		t.Fatalf("failed to add write_file: %v", err)
	}
	return srv
}

// newBridge returns a bridge whose only server, "files", is srv.
func newBridge(t *testing.T, srv *mcptest.Server, options ...mcphost.BridgeOption) (*mcphost.Dispatcher, *mcphost.Bridge, *mcptest.Dialer) {
	t.Helper()
	d := mcphost.NewDispatcher()
	dialer := srv.NewDialer()
	options = append([]mcphost.BridgeOption{mcphost.WithPingInterval(-1)}, options...)
	bridge := mcphost.NewBridge(d, dialer, options...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := bridge.Close(ctx); err != nil {
			t.Errorf("failed to close bridge: %v", err)
		}
		d.Close()
	})
	return d, bridge, dialer
}

// subscribe records every event matching pattern.
func subscribe(t *testing.T, d *mcphost.Dispatcher, pattern string) *recorder {
	t.Helper()
	rec := newRecorder()
	if _, err := d.Subscribe(pattern, rec.handle); err != nil {
		t.Fatalf("Subscribe(%q) error = %v", pattern, err)
	}
	return rec
}
