package filesystem

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// resolve maps a requested path to an absolute path inside one of the roots. Relative paths
// are taken relative to the first root. Symlinks are followed before the containment check,
// and paths that do not exist yet are checked through their parent directory.
func (s *Server) resolve(requested string) (string, error) {
	p := filepath.FromSlash(requested)
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.roots[0], p)
	}
	p = filepath.Clean(p)
	if !s.contains(p) {
		return "", fmt.Errorf("access denied: %s is outside the allowed directories", requested)
	}

	resolved, err := filepath.EvalSymlinks(p)
	if err == nil {
		if !s.contains(resolved) {
			return "", fmt.Errorf("access denied: %s resolves outside the allowed directories", requested)
		}
		return resolved, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	parent, err := filepath.EvalSymlinks(filepath.Dir(p))
	if err != nil {
		return "", fmt.Errorf("parent directory of %s is not accessible: %w", requested, err)
	}
	if !s.contains(parent) {
		return "", fmt.Errorf("access denied: parent of %s is outside the allowed directories", requested)
	}
	return p, nil
}

func (s *Server) contains(p string) bool {
	for _, root := range s.roots {
		if isSubpath(p, root) {
			return true
		}
	}
	return false
}

func isSubpath(path, base string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func normalizeLineEndings(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

// applyEdits applies edits in order. Each OldText must occur in the text produced by the
// edits before it.
func applyEdits(content string, edits []Edit) (string, error) {
	out := normalizeLineEndings(content)
	for _, e := range edits {
		old := normalizeLineEndings(e.OldText)
		if old == "" || !strings.Contains(out, old) {
			return "", fmt.Errorf("could not find text to replace:\n%s", e.OldText)
		}
		out = strings.Replace(out, old, normalizeLineEndings(e.NewText), 1)
	}
	return out, nil
}

func unifiedDiff(original, modified, name string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(normalizeLineEndings(original), modified, true)
	patches := dmp.PatchMake(diffs)

	var b strings.Builder
	fmt.Fprintf(&b, "--- %s (original)\n+++ %s (modified)\n", name, name)
	b.WriteString(dmp.PatchToText(patches))
	return b.String()
}

// searchFiles walks root and returns the paths, relative to root, whose slash-separated form
// matches pattern and none of excludes.
func searchFiles(root, pattern string, excludes []string) ([]string, error) {
	match, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	skip := make([]glob.Glob, 0, len(excludes))
	for _, e := range excludes {
		g, err := glob.Compile(e, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", e, err)
		}
		skip = append(skip, g)
	}

	var found []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		for _, g := range skip {
			if g.Match(rel) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		if match.Match(rel) || match.Match(d.Name()) {
			found = append(found, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func statSummary(name string, info os.FileInfo) string {
	kind := "file"
	if info.IsDir() {
		kind = "directory"
	}
	return fmt.Sprintf("path: %s\ntype: %s\nsize: %d\nmodified: %s\npermissions: %s\n",
		name, kind, info.Size(), info.ModTime().UTC().Format("2006-01-02T15:04:05Z"), info.Mode().Perm())
}
