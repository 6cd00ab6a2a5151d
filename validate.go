package mcphost

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// argumentValidator checks tool arguments against the tool's declared input schema. Compiled
// schemas are cached per server and operation and recompiled when the declaration changes.
type argumentValidator struct {
	mu      sync.Mutex
	schemas map[string]compiledSchema
}

type compiledSchema struct {
	source json.RawMessage
	schema *jsonschema.Schema
}

func newArgumentValidator() *argumentValidator {
	return &argumentValidator{schemas: make(map[string]compiledSchema)}
}

// validate returns a ValidationError when args do not satisfy desc.InputSchema. Operations
// without a schema accept any JSON object.
func (v *argumentValidator) validate(desc OperationDescriptor, args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	var doc any
	if err := json.Unmarshal(args, &doc); err != nil {
		return &Error{
			Kind:       KindValidation,
			ServerName: desc.ServerName,
			Message:    "arguments are not valid JSON",
			Err:        err,
		}
	}
	if _, ok := doc.(map[string]any); !ok {
		return &Error{
			Kind:       KindValidation,
			ServerName: desc.ServerName,
			Message:    "arguments must be a JSON object",
		}
	}

	if len(bytes.TrimSpace(desc.InputSchema)) == 0 || string(bytes.TrimSpace(desc.InputSchema)) == "null" {
		return nil
	}

	schema, err := v.compile(desc)
	if err != nil {
		return &Error{
			Kind:       KindValidation,
			ServerName: desc.ServerName,
			Message:    fmt.Sprintf("invalid input schema of %s", desc.Name),
			Err:        err,
		}
	}

	if err := schema.Validate(doc); err != nil {
		msg := err.Error()
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			msg = validationMessage(verr)
		}
		return &Error{
			Kind:       KindValidation,
			ServerName: desc.ServerName,
			Message:    fmt.Sprintf("invalid arguments for %s: %s", desc.Name, msg),
			Err:        err,
		}
	}
	return nil
}

func (v *argumentValidator) compile(desc OperationDescriptor) (*jsonschema.Schema, error) {
	key := desc.ServerName + "/" + desc.Name

	v.mu.Lock()
	defer v.mu.Unlock()

	if c, ok := v.schemas[key]; ok && bytes.Equal(c.source, desc.InputSchema) {
		return c.schema, nil
	}

	schema, err := jsonschema.CompileString(key+".json", string(desc.InputSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	v.schemas[key] = compiledSchema{
		source: append(json.RawMessage(nil), desc.InputSchema...),
		schema: schema,
	}
	return schema, nil
}

// validationMessage flattens the leaf causes of a validation error into one line.
func validationMessage(verr *jsonschema.ValidationError) string {
	var msgs []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msgs = append(msgs, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	return strings.Join(msgs, "; ")
}
