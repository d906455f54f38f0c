package adapter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/schue/moqui-mcp-sub002/mcp"
)

// ToolSpec declares one externally visible tool and the backend operation
// it runs.
type ToolSpec struct {
	Name        string
	Description string
	Operation   string
	// InputSchema is a JSON Schema for the call arguments. Empty means any
	// object is accepted.
	InputSchema json.RawMessage
}

// DefaultTools is the tool table used when none is configured.
func DefaultTools() []ToolSpec {
	return []ToolSpec{
		{
			Name:        "browse_screens",
			Description: "List the screens and subscreens available under a path, with their titles and the transitions they expose.",
			Operation:   "mcp.screen.browse",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "Screen path to browse; empty for the application root"}
				},
				"additionalProperties": false
			}`),
		},
		{
			Name:        "render_screen",
			Description: "Render a screen as text or JSON, applying the given parameters.",
			Operation:   "mcp.screen.render",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "minLength": 1},
					"parameters": {"type": "object"},
					"renderMode": {"type": "string", "enum": ["text", "json"]}
				},
				"required": ["path"]
			}`),
		},
		{
			Name:        "find_entities",
			Description: "Query entity records by field conditions, returning at most limit rows.",
			Operation:   "mcp.entity.find",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"entityName": {"type": "string", "minLength": 1},
					"conditions": {"type": "object"},
					"orderBy": {"type": "array", "items": {"type": "string"}},
					"limit": {"type": "integer", "minimum": 1, "maximum": 1000}
				},
				"required": ["entityName"]
			}`),
		},
		{
			Name:        "describe_entity",
			Description: "Describe an entity's fields, primary key and relationships.",
			Operation:   "mcp.entity.describe",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"entityName": {"type": "string", "minLength": 1}
				},
				"required": ["entityName"]
			}`),
		},
	}
}

// tool is a compiled ToolSpec.
type tool struct {
	spec   ToolSpec
	schema *jsonschema.Schema
}

func compileTool(spec ToolSpec) (*tool, error) {
	if spec.Name == "" || spec.Operation == "" {
		return nil, fmt.Errorf("tool %q: name and operation are required", spec.Name)
	}
	if strings.TrimSpace(spec.Description) == "" {
		return nil, fmt.Errorf("tool %s: description is required for discovery", spec.Name)
	}
	t := &tool{spec: spec}
	if len(bytes.TrimSpace(spec.InputSchema)) == 0 {
		return t, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(spec.InputSchema))
	if err != nil {
		return nil, fmt.Errorf("tool %s: unmarshal input schema: %w", spec.Name, err)
	}
	url := spec.Name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("tool %s: add schema resource: %w", spec.Name, err)
	}
	if t.schema, err = c.Compile(url); err != nil {
		return nil, fmt.Errorf("tool %s: compile input schema: %w", spec.Name, err)
	}
	// Keep the advertised schema compact.
	var compact bytes.Buffer
	if err := json.Compact(&compact, spec.InputSchema); err == nil {
		t.spec.InputSchema = compact.Bytes()
	}
	return t, nil
}

// validate checks args against the tool's schema.
func (t *tool) validate(args map[string]any) error {
	if t.schema == nil {
		return nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	// The validator wants json.Number for numbers.
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return t.schema.Validate(inst)
}

func (t *tool) describe() mcp.Tool {
	schema := t.spec.InputSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	return mcp.Tool{
		Name:        t.spec.Name,
		Description: t.spec.Description,
		InputSchema: schema,
	}
}
