package mcphost

import (
	"encoding/json"
	"sync"
)

// CapabilityKind names a family of remote capabilities.
type CapabilityKind string

// Capability kinds accepted by Bridge.ListCapability.
const (
	CapabilityTools             CapabilityKind = "tools"
	CapabilityResources         CapabilityKind = "resources"
	CapabilityResourceTemplates CapabilityKind = "resource-templates"
	CapabilityPrompts           CapabilityKind = "prompts"
)

// Descriptor describes one remote capability, whatever its kind. Fields not relevant to the
// kind are left empty.
type Descriptor struct {
	Kind        CapabilityKind   `json:"kind"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	URI         string           `json:"uri,omitempty"`
	URITemplate string           `json:"uriTemplate,omitempty"`
	MimeType    string           `json:"mimeType,omitempty"`
	ReadOnly    bool             `json:"readOnly,omitempty"`
	InputSchema json.RawMessage  `json:"inputSchema,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// OperationDescriptor is what the Mediator needs to know about an operation before gating it.
type OperationDescriptor struct {
	ServerName  string
	Name        string
	Description string
	ReadOnly    bool
	InputSchema json.RawMessage
}

// catalog caches the tool lists of remote servers. Entries are dropped when a server
// announces a list change, answers with unsupported-method, or disconnects.
type catalog struct {
	mu    sync.RWMutex
	tools map[string]map[string]Tool
}

func newCatalog() *catalog {
	return &catalog{tools: make(map[string]map[string]Tool)}
}

func (c *catalog) lookup(server, name string) (tool Tool, found bool, loaded bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tools, loaded := c.tools[server]
	if !loaded {
		return Tool{}, false, false
	}
	tool, found = tools[name]
	return tool, found, true
}

func (c *catalog) store(server string, tools []Tool) {
	byName := make(map[string]Tool, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}
	c.mu.Lock()
	c.tools[server] = byName
	c.mu.Unlock()
}

func (c *catalog) invalidate(server string) {
	c.mu.Lock()
	delete(c.tools, server)
	c.mu.Unlock()
}
