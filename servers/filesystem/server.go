// Package filesystem is a remote MCP server exposing a set of directories as tools. Listing
// and reading tools carry the read-only hint; tools that change files do not, so a host only
// runs them after the user confirms.
package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MegaGrindStone/mcphost"
	"github.com/MegaGrindStone/mcphost/mcptest"
)

// Server serves the files under its roots.
type Server struct {
	roots []string
}

type tool struct {
	name        string
	description string
	schema      json.RawMessage
	readOnly    bool
	call        func(ctx context.Context, args json.RawMessage) (mcphost.CallToolResult, error)
}

// New creates a Server for roots. Every root must be an existing directory.
func New(roots ...string) (*Server, error) {
	if len(roots) == 0 {
		return nil, errors.New("at least one root directory is required")
	}
	s := &Server{}
	for _, r := range roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve root %s: %w", r, err)
		}
		resolved, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve root %s: %w", r, err)
		}
		info, err := os.Stat(resolved)
		if err != nil {
			return nil, fmt.Errorf("failed to stat root %s: %w", r, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("root %s is not a directory", r)
		}
		s.roots = append(s.roots, resolved)
	}
	return s, nil
}

// Roots returns the resolved root directories.
func (s *Server) Roots() []string {
	return append([]string(nil), s.roots...)
}

// Register adds the filesystem tools to srv.
func (s *Server) Register(srv *mcptest.Server) error {
	for _, t := range s.tools() {
		def := mcphost.Tool{
			Name:        t.name,
			Description: t.description,
			InputSchema: t.schema,
		}
		if t.readOnly {
			def.Annotations = &mcphost.ToolAnnotations{ReadOnlyHint: true}
		}
		if err := srv.AddTool(def, t.call); err != nil {
			return fmt.Errorf("failed to register %s: %w", t.name, err)
		}
	}
	return nil
}

func (s *Server) tools() []tool {
	return []tool{
		{
			name:        "read_file",
			description: "Read the complete contents of a file inside the allowed directories.",
			schema:      pathSchema,
			readOnly:    true,
			call:        s.readFile,
		},
		{
			name:        "list_directory",
			description: "List a directory. Entries are prefixed with [FILE] or [DIR].",
			schema:      pathSchema,
			readOnly:    true,
			call:        s.listDirectory,
		},
		{
			name:        "search_files",
			description: "Recursively find files whose path or name matches a glob pattern.",
			schema:      searchFilesSchema,
			readOnly:    true,
			call:        s.searchFiles,
		},
		{
			name:        "get_file_info",
			description: "Retrieve size, type, permissions and modification time of a path.",
			schema:      pathSchema,
			readOnly:    true,
			call:        s.getFileInfo,
		},
		{
			name:        "write_file",
			description: "Create a file or overwrite an existing one with new content.",
			schema:      writeFileSchema,
			call:        s.writeFile,
		},
		{
			name:        "edit_file",
			description: "Replace text in a file and return a diff of the change. With dryRun the file is left untouched.",
			schema:      editFileSchema,
			call:        s.editFile,
		},
		{
			name:        "create_directory",
			description: "Create a directory and any missing parents.",
			schema:      pathSchema,
			call:        s.createDirectory,
		},
	}
}

func (s *Server) readFile(_ context.Context, raw json.RawMessage) (mcphost.CallToolResult, error) {
	var args PathArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return mcphost.CallToolResult{}, err
	}
	p, err := s.resolve(args.Path)
	if err != nil {
		return toolError(err), nil
	}
	info, err := os.Stat(p)
	if err != nil {
		return toolError(fmt.Errorf("failed to stat %s: %w", args.Path, err)), nil
	}
	if info.IsDir() {
		return toolError(fmt.Errorf("%s is a directory", args.Path)), nil
	}
	bs, err := os.ReadFile(p)
	if err != nil {
		return toolError(fmt.Errorf("failed to read %s: %w", args.Path, err)), nil
	}
	return text(string(bs)), nil
}

func (s *Server) listDirectory(_ context.Context, raw json.RawMessage) (mcphost.CallToolResult, error) {
	var args PathArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return mcphost.CallToolResult{}, err
	}
	p, err := s.resolve(args.Path)
	if err != nil {
		return toolError(err), nil
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return toolError(fmt.Errorf("failed to read directory %s: %w", args.Path, err)), nil
	}

	var b strings.Builder
	for _, e := range entries {
		prefix := "[FILE] "
		if e.IsDir() {
			prefix = "[DIR] "
		}
		b.WriteString(prefix + e.Name() + "\n")
	}
	return text(b.String()), nil
}

func (s *Server) searchFiles(_ context.Context, raw json.RawMessage) (mcphost.CallToolResult, error) {
	var args SearchFilesArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return mcphost.CallToolResult{}, err
	}
	p, err := s.resolve(args.Path)
	if err != nil {
		return toolError(err), nil
	}
	found, err := searchFiles(p, args.Pattern, args.ExcludePatterns)
	if err != nil {
		return toolError(err), nil
	}
	if len(found) == 0 {
		return text("No matches found"), nil
	}
	return text(strings.Join(found, "\n")), nil
}

func (s *Server) getFileInfo(_ context.Context, raw json.RawMessage) (mcphost.CallToolResult, error) {
	var args PathArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return mcphost.CallToolResult{}, err
	}
	p, err := s.resolve(args.Path)
	if err != nil {
		return toolError(err), nil
	}
	info, err := os.Stat(p)
	if err != nil {
		return toolError(fmt.Errorf("failed to stat %s: %w", args.Path, err)), nil
	}
	return text(statSummary(args.Path, info)), nil
}

func (s *Server) writeFile(_ context.Context, raw json.RawMessage) (mcphost.CallToolResult, error) {
	var args WriteFileArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return mcphost.CallToolResult{}, err
	}
	p, err := s.resolve(args.Path)
	if err != nil {
		return toolError(err), nil
	}
	if err := os.WriteFile(p, []byte(args.Content), 0600); err != nil {
		return toolError(fmt.Errorf("failed to write %s: %w", args.Path, err)), nil
	}
	return text(fmt.Sprintf("Wrote %d bytes to %s", len(args.Content), args.Path)), nil
}

func (s *Server) editFile(_ context.Context, raw json.RawMessage) (mcphost.CallToolResult, error) {
	var args EditFileArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return mcphost.CallToolResult{}, err
	}
	p, err := s.resolve(args.Path)
	if err != nil {
		return toolError(err), nil
	}
	original, err := os.ReadFile(p)
	if err != nil {
		return toolError(fmt.Errorf("failed to read %s: %w", args.Path, err)), nil
	}
	modified, err := applyEdits(string(original), args.Edits)
	if err != nil {
		return toolError(err), nil
	}
	diff := unifiedDiff(string(original), modified, args.Path)
	if !args.DryRun {
		if err := os.WriteFile(p, []byte(modified), 0600); err != nil {
			return toolError(fmt.Errorf("failed to write %s: %w", args.Path, err)), nil
		}
	}
	return text(diff), nil
}

func (s *Server) createDirectory(_ context.Context, raw json.RawMessage) (mcphost.CallToolResult, error) {
	var args PathArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return mcphost.CallToolResult{}, err
	}
	p, err := s.resolve(args.Path)
	if err != nil {
		return toolError(err), nil
	}
	if err := os.MkdirAll(p, 0700); err != nil {
		return toolError(fmt.Errorf("failed to create directory %s: %w", args.Path, err)), nil
	}
	return text(fmt.Sprintf("Created directory %s", args.Path)), nil
}

func text(s string) mcphost.CallToolResult {
	return mcphost.CallToolResult{
		Content: []mcphost.Content{{Type: mcphost.ContentTypeText, Text: s}},
	}
}

func toolError(err error) mcphost.CallToolResult {
	r := text(err.Error())
	r.IsError = true
	return r
}
