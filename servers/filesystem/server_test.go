package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/mcphost"
	"github.com/MegaGrindStone/mcphost/mcptest"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s, s.Roots()[0]
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func call(t *testing.T, fn func(context.Context, json.RawMessage) (mcphost.CallToolResult, error), args any) mcphost.CallToolResult {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("failed to marshal args: %v", err)
	}
	res, err := fn(context.Background(), raw)
	if err != nil {
		t.Fatalf("tool error = %v", err)
	}
	return res
}

func TestNew(t *testing.T) {
	if _, err := New(); err == nil {
		t.Error("New() without roots succeeded")
	}
	if _, err := New(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("New() with a missing root succeeded")
	}
	file := filepath.Join(t.TempDir(), "file.txt")
	writeTestFile(t, file, "x")
	if _, err := New(file); err == nil {
		t.Error("New() with a file root succeeded")
	}
}

func TestReadFile(t *testing.T) {
	s, root := newTestServer(t)
	writeTestFile(t, filepath.Join(root, "notes.txt"), "hello")

	tests := []struct {
		name    string
		path    string
		want    string
		isError bool
	}{
		{name: "relative", path: "notes.txt", want: "hello"},
		{name: "absolute", path: filepath.Join(root, "notes.txt"), want: "hello"},
		{name: "missing", path: "missing.txt", isError: true},
		{name: "directory", path: ".", isError: true},
		{name: "escape", path: "../outside.txt", isError: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := call(t, s.readFile, PathArgs{Path: tc.path})
			if res.IsError != tc.isError {
				t.Fatalf("IsError = %v, want %v (%s)", res.IsError, tc.isError, res.Content[0].Text)
			}
			if !tc.isError && res.Content[0].Text != tc.want {
				t.Errorf("content = %q, want %q", res.Content[0].Text, tc.want)
			}
		})
	}
}

func TestSymlinkOutsideRootIsDenied(t *testing.T) {
	s, root := newTestServer(t)
	outside := filepath.Join(t.TempDir(), "secret.txt")
	writeTestFile(t, outside, "secret")
	if err := os.Symlink(outside, filepath.Join(root, "link.txt")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	res := call(t, s.readFile, PathArgs{Path: "link.txt"})
	if !res.IsError {
		t.Fatalf("read through symlink succeeded: %q", res.Content[0].Text)
	}
}

func TestWriteFile(t *testing.T) {
	s, root := newTestServer(t)

	res := call(t, s.writeFile, WriteFileArgs{Path: "out.txt", Content: "data"})
	if res.IsError {
		t.Fatalf("write_file failed: %s", res.Content[0].Text)
	}
	bs, err := os.ReadFile(filepath.Join(root, "out.txt"))
	if err != nil {
		t.Fatalf("failed to read written file: %v", err)
	}
	if string(bs) != "data" {
		t.Errorf("file content = %q, want %q", bs, "data")
	}

	res = call(t, s.writeFile, WriteFileArgs{Path: "nested/missing/out.txt", Content: "data"})
	if !res.IsError {
		t.Error("write into a missing directory succeeded")
	}
}

func TestListDirectory(t *testing.T) {
	s, root := newTestServer(t)
	writeTestFile(t, filepath.Join(root, "a.txt"), "a")
	writeTestFile(t, filepath.Join(root, "sub", "b.txt"), "b")

	res := call(t, s.listDirectory, PathArgs{Path: "."})
	if res.IsError {
		t.Fatalf("list_directory failed: %s", res.Content[0].Text)
	}
	lines := strings.Split(strings.TrimSpace(res.Content[0].Text), "\n")
	want := []string{"[FILE] a.txt", "[DIR] sub"}
	if !slices.Equal(lines, want) {
		t.Errorf("entries = %v, want %v", lines, want)
	}
}

func TestSearchFiles(t *testing.T) {
	s, root := newTestServer(t)
	writeTestFile(t, filepath.Join(root, "main.go"), "")
	writeTestFile(t, filepath.Join(root, "pkg", "util.go"), "")
	writeTestFile(t, filepath.Join(root, "pkg", "README.md"), "")
	writeTestFile(t, filepath.Join(root, "vendor", "dep.go"), "")

	tests := []struct {
		name     string
		args     SearchFilesArgs
		want     []string
		noMatch  bool
		badInput bool
	}{
		{
			name: "name pattern",
			args: SearchFilesArgs{Path: ".", Pattern: "*.go"},
			want: []string{"main.go", "pkg/util.go", "vendor/dep.go"},
		},
		{
			name: "excluded directory",
			args: SearchFilesArgs{Path: ".", Pattern: "*.go", ExcludePatterns: []string{"vendor"}},
			want: []string{"main.go", "pkg/util.go"},
		},
		{
			name: "path pattern",
			args: SearchFilesArgs{Path: ".", Pattern: "pkg/*"},
			want: []string{"pkg/README.md", "pkg/util.go"},
		},
		{
			name:    "no match",
			args:    SearchFilesArgs{Path: ".", Pattern: "*.rs"},
			noMatch: true,
		},
		{
			name:     "invalid pattern",
			args:     SearchFilesArgs{Path: ".", Pattern: "[a"},
			badInput: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := call(t, s.searchFiles, tc.args)
			if res.IsError != tc.badInput {
				t.Fatalf("IsError = %v, want %v (%s)", res.IsError, tc.badInput, res.Content[0].Text)
			}
			if tc.badInput {
				return
			}
			if tc.noMatch {
				if res.Content[0].Text != "No matches found" {
					t.Errorf("content = %q, want no matches", res.Content[0].Text)
				}
				return
			}
			got := strings.Split(res.Content[0].Text, "\n")
			if !slices.Equal(got, tc.want) {
				t.Errorf("matches = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEditFile(t *testing.T) {
	s, root := newTestServer(t)
	path := filepath.Join(root, "code.txt")
	writeTestFile(t, path, "alpha\r\nbeta\r\ngamma\r\n")

	res := call(t, s.editFile, EditFileArgs{
		Path:   "code.txt",
		Edits:  []Edit{{OldText: "beta", NewText: "BETA"}},
		DryRun: true,
	})
	if res.IsError {
		t.Fatalf("dry run failed: %s", res.Content[0].Text)
	}
	if !strings.Contains(res.Content[0].Text, "+BETA") {
		t.Errorf("diff = %q, want an added BETA line", res.Content[0].Text)
	}
	bs, _ := os.ReadFile(path)
	if string(bs) != "alpha\r\nbeta\r\ngamma\r\n" {
		t.Errorf("dry run changed the file: %q", bs)
	}

	res = call(t, s.editFile, EditFileArgs{
		Path:  "code.txt",
		Edits: []Edit{{OldText: "beta", NewText: "BETA"}, {OldText: "BETA\ngamma", NewText: "done"}},
	})
	if res.IsError {
		t.Fatalf("edit failed: %s", res.Content[0].Text)
	}
	bs, _ = os.ReadFile(path)
	if string(bs) != "alpha\ndone\n" {
		t.Errorf("file = %q, want %q", bs, "alpha\ndone\n")
	}

	res = call(t, s.editFile, EditFileArgs{
		Path:  "code.txt",
		Edits: []Edit{{OldText: "missing", NewText: "x"}},
	})
	if !res.IsError {
		t.Error("edit of missing text succeeded")
	}
}

func TestCreateDirectoryAndFileInfo(t *testing.T) {
	s, root := newTestServer(t)

	res := call(t, s.createDirectory, PathArgs{Path: "made"})
	if res.IsError {
		t.Fatalf("create_directory failed: %s", res.Content[0].Text)
	}
	info, err := os.Stat(filepath.Join(root, "made"))
	if err != nil || !info.IsDir() {
		t.Fatalf("directory was not created: %v", err)
	}

	res = call(t, s.getFileInfo, PathArgs{Path: "made"})
	if res.IsError {
		t.Fatalf("get_file_info failed: %s", res.Content[0].Text)
	}
	if !strings.Contains(res.Content[0].Text, "type: directory") {
		t.Errorf("info = %q, want a directory", res.Content[0].Text)
	}
}

func TestRegisterThroughBridge(t *testing.T) {
	s, root := newTestServer(t)
	writeTestFile(t, filepath.Join(root, "notes.txt"), "hello")

	srv := mcptest.NewServer()
	if err := s.Register(srv); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	d := mcphost.NewDispatcher()
	bridge := mcphost.NewBridge(d, srv.NewDialer(), mcphost.WithPingInterval(-1))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = bridge.Close(ctx)
		d.Close()
	})

	ctx := context.Background()
	ops, err := bridge.ListCapability(ctx, "fs", mcphost.CapabilityTools)
	if err != nil {
		t.Fatalf("ListCapability() error = %v", err)
	}
	if len(ops) != len(s.tools()) {
		t.Errorf("operations = %d, want %d", len(ops), len(s.tools()))
	}

	res, err := bridge.CallOperation(ctx, mcphost.OperationRequest{
		CorrelationID: "read-1",
		ServerName:    "fs",
		Operation:     "read_file",
		Arguments:     json.RawMessage(`{"path":"notes.txt"}`),
	})
	if err != nil {
		t.Fatalf("CallOperation(read_file) error = %v", err)
	}
	if res.Content[0].Text != "hello" {
		t.Errorf("read_file = %q, want %q", res.Content[0].Text, "hello")
	}

	_, err = bridge.CallOperation(ctx, mcphost.OperationRequest{
		CorrelationID: "write-1",
		ServerName:    "fs",
		Operation:     "write_file",
		Arguments:     json.RawMessage(`{"path":"x.txt","content":"x"}`),
	})
	if !errors.Is(err, mcphost.ErrInsufficientTrust) {
		t.Errorf("CallOperation(write_file) error = %v, want %v", err, mcphost.ErrInsufficientTrust)
	}
}
