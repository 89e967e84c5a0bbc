package tool

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"dbagent/internal/domain"
)

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// inputSchema is the subset of a JSON schema needed to list parameters.
type inputSchema struct {
	Type       any                        `json:"type"`
	Properties map[string]json.RawMessage `json:"properties"`
	Required   []string                   `json:"required"`
}

type propertySchema struct {
	Type        any    `json:"type"`
	Description string `json:"description"`
}

// newDescriptor normalizes an MCP tool into a descriptor. A malformed tool
// yields an error wrapping domain.ErrProtocol.
func newDescriptor(provider, prefix string, t mcp.Tool) (domain.ToolDescriptor, error) {
	if strings.TrimSpace(t.Name) == "" {
		return domain.ToolDescriptor{}, fmt.Errorf("%w: tool with empty name from %q", domain.ErrProtocol, provider)
	}

	raw, err := rawSchema(t)
	if err != nil {
		return domain.ToolDescriptor{}, fmt.Errorf("%w: tool %q schema: %v", domain.ErrProtocol, t.Name, err)
	}
	params, err := paramSpecs(raw)
	if err != nil {
		return domain.ToolDescriptor{}, fmt.Errorf("%w: tool %q schema: %v", domain.ErrProtocol, t.Name, err)
	}

	desc := t.Description
	if desc == "" {
		desc = fmt.Sprintf("Tool %q from %q", t.Name, provider)
	}

	return domain.ToolDescriptor{
		Name:        prefix + t.Name,
		Description: desc,
		Params:      params,
		Schema:      raw,
		Provider:    provider,
		RemoteName:  t.Name,
	}, nil
}

func rawSchema(t mcp.Tool) (json.RawMessage, error) {
	if len(t.RawInputSchema) > 0 {
		if !json.Valid(t.RawInputSchema) {
			return nil, fmt.Errorf("invalid JSON")
		}
		return t.RawInputSchema, nil
	}
	if t.InputSchema.Type == "" && t.InputSchema.Properties == nil && t.InputSchema.Required == nil {
		return emptyObjectSchema, nil
	}
	return json.Marshal(t.InputSchema)
}

// paramSpecs lists required parameters in declared order, then the
// optional ones by name.
func paramSpecs(raw json.RawMessage) ([]domain.ParamSpec, error) {
	var s inputSchema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("not a JSON object: %v", err)
	}
	if typ := typeName(s.Type); typ != "" && typ != "object" {
		return nil, fmt.Errorf("top-level type is %q, want object", typ)
	}

	params := make([]domain.ParamSpec, 0, len(s.Properties))
	required := make(map[string]bool, len(s.Required))
	for _, name := range s.Required {
		prop, ok := s.Properties[name]
		if !ok {
			return nil, fmt.Errorf("required parameter %q has no property", name)
		}
		spec, err := paramSpec(name, prop)
		if err != nil {
			return nil, err
		}
		spec.Required = true
		required[name] = true
		params = append(params, spec)
	}

	optional := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		if !required[name] {
			optional = append(optional, name)
		}
	}
	slices.Sort(optional)
	for _, name := range optional {
		spec, err := paramSpec(name, s.Properties[name])
		if err != nil {
			return nil, err
		}
		params = append(params, spec)
	}
	return params, nil
}

func paramSpec(name string, raw json.RawMessage) (domain.ParamSpec, error) {
	var p propertySchema
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.ParamSpec{}, fmt.Errorf("property %q: %v", name, err)
	}
	return domain.ParamSpec{Name: name, Type: typeName(p.Type), Description: p.Description}, nil
}

// typeName renders a JSON schema "type", which may be a string or a list.
func typeName(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "|")
	default:
		return ""
	}
}

// fragments converts MCP content into typed fragments, preserving order.
func fragments(content []mcp.Content) []domain.ContentFragment {
	out := make([]domain.ContentFragment, 0, len(content))
	for _, c := range content {
		switch v := c.(type) {
		case mcp.TextContent:
			out = append(out, domain.TextFragment(v.Text))
		case *mcp.TextContent:
			out = append(out, domain.TextFragment(v.Text))
		case mcp.ImageContent:
			out = append(out, domain.ContentFragment{Kind: domain.ContentImage, MIMEType: v.MIMEType, Data: v.Data})
		case *mcp.ImageContent:
			out = append(out, domain.ContentFragment{Kind: domain.ContentImage, MIMEType: v.MIMEType, Data: v.Data})
		case mcp.AudioContent:
			out = append(out, domain.ContentFragment{Kind: domain.ContentAudio, MIMEType: v.MIMEType, Data: v.Data})
		case *mcp.AudioContent:
			out = append(out, domain.ContentFragment{Kind: domain.ContentAudio, MIMEType: v.MIMEType, Data: v.Data})
		default:
			// Embedded resources and resource links keep their JSON form.
			if data, err := json.Marshal(v); err == nil {
				out = append(out, domain.ContentFragment{Kind: domain.ContentResource, Data: string(data)})
			}
		}
	}
	return out
}
