package pluginhost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"relaybot/internal/domain"
)

// validatingTool checks call parameters against the tool's JSON Schema
// before delegating.
type validatingTool struct {
	inner  domain.Tool
	schema *jsonschema.Schema
}

// withSchemaValidation wraps t. Tools without a parameter schema are
// returned as is.
func withSchemaValidation(t domain.Tool) (domain.Tool, error) {
	raw := t.Schema().Parameters
	if len(raw) == 0 || string(raw) == "null" {
		return t, nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource for %q: %w", t.Name(), err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", t.Name(), err)
	}
	return &validatingTool{inner: t, schema: compiled}, nil
}

func (v *validatingTool) Name() string              { return v.inner.Name() }
func (v *validatingTool) Description() string       { return v.inner.Description() }
func (v *validatingTool) Schema() domain.ToolSchema { return v.inner.Schema() }

func (v *validatingTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	var doc any
	if err := json.Unmarshal(params, &doc); err != nil {
		return domain.ToolError("invalid JSON: %v", err), nil
	}
	if err := v.schema.Validate(doc); err != nil {
		return domain.ToolError("schema validation failed: %v", err), nil
	}
	return v.inner.Execute(ctx, params)
}
