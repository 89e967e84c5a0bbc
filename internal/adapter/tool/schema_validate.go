package tool

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"dbagent/internal/domain"
)

// compileSchema compiles a descriptor's argument schema. Returns nil, nil
// when the descriptor has no schema to validate against.
func compileSchema(d domain.ToolDescriptor) (*jsonschema.Schema, error) {
	raw := d.Schema
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource for %q: %w", d.Name, err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", d.Name, err)
	}
	return compiled, nil
}

// validateArgs checks decoded arguments against a compiled schema and
// returns the message to put in an errored result, or "" when they pass.
func validateArgs(schema *jsonschema.Schema, args map[string]any) string {
	if schema == nil {
		return ""
	}
	if err := schema.Validate(args); err != nil {
		return fmt.Sprintf("schema validation failed: %v", err)
	}
	return ""
}
