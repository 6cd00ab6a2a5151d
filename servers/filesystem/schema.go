package filesystem

import "encoding/json"

// PathArgs is the argument struct of the tools taking a single path.
type PathArgs struct {
	Path string `json:"path"`
}

// WriteFileArgs is the argument struct of write_file.
type WriteFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// EditFileArgs is the argument struct of edit_file.
type EditFileArgs struct {
	Path   string `json:"path"`
	Edits  []Edit `json:"edits"`
	DryRun bool   `json:"dryRun,omitempty"`
}

// Edit replaces the first occurrence of OldText with NewText.
type Edit struct {
	OldText string `json:"oldText"`
	NewText string `json:"newText"`
}

// SearchFilesArgs is the argument struct of search_files.
type SearchFilesArgs struct {
	Path            string   `json:"path"`
	Pattern         string   `json:"pattern"`
	ExcludePatterns []string `json:"excludePatterns,omitempty"`
}

var pathSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": {"type": "string"}
  },
  "required": ["path"]
}`)

var writeFileSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "content": {"type": "string"}
  },
  "required": ["path", "content"]
}`)

var editFileSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "edits": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "oldText": {"type": "string"},
          "newText": {"type": "string"}
        },
        "required": ["oldText", "newText"]
      }
    },
    "dryRun": {"type": "boolean"}
  },
  "required": ["path", "edits"]
}`)

var searchFilesSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "pattern": {"type": "string"},
    "excludePatterns": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["path", "pattern"]
}`)
