package domain

import (
	"bytes"
	"context"
	"encoding/json"
	"slices"
	"strings"
	"time"
)

// ToolSchema describes a tool for the LLM function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ParamSpec is one parameter of a tool's argument schema.
type ParamSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// ToolDescriptor is a normalized tool as discovered from a provider.
// Descriptors are immutable once fetched.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Params      []ParamSpec     `json:"params"`
	Schema      json.RawMessage `json:"schema"`
	Provider    string          `json:"provider"`
	RemoteName  string          `json:"remote_name"`
}

// ToolSchema returns the engine-facing schema of the descriptor.
func (d ToolDescriptor) ToolSchema() ToolSchema {
	return ToolSchema{Name: d.Name, Description: d.Description, Parameters: bytes.Clone(d.Schema)}
}

// Clone returns a copy that shares no slices with d.
func (d ToolDescriptor) Clone() ToolDescriptor {
	d.Params = slices.Clone(d.Params)
	d.Schema = bytes.Clone(d.Schema)
	return d
}

// ToolSnapshot is one discovery's worth of descriptors. A snapshot is never
// mutated; rediscovery produces a new one.
type ToolSnapshot struct {
	Version   uint64
	FetchedAt time.Time

	tools []ToolDescriptor
	index map[string]int
}

// NewToolSnapshot builds a snapshot over tools. Names must be unique; the
// registry checks that before calling.
func NewToolSnapshot(version uint64, fetchedAt time.Time, tools []ToolDescriptor) *ToolSnapshot {
	s := &ToolSnapshot{
		Version:   version,
		FetchedAt: fetchedAt,
		tools:     make([]ToolDescriptor, len(tools)),
		index:     make(map[string]int, len(tools)),
	}
	for i, t := range tools {
		s.tools[i] = t.Clone()
		s.index[t.Name] = i
	}
	return s
}

// Tools returns the descriptors in discovery order.
func (s *ToolSnapshot) Tools() []ToolDescriptor {
	if s == nil {
		return nil
	}
	out := make([]ToolDescriptor, len(s.tools))
	for i, t := range s.tools {
		out[i] = t.Clone()
	}
	return out
}

// Lookup resolves a tool by name.
func (s *ToolSnapshot) Lookup(name string) (ToolDescriptor, bool) {
	if s == nil {
		return ToolDescriptor{}, false
	}
	i, ok := s.index[name]
	if !ok {
		return ToolDescriptor{}, false
	}
	return s.tools[i].Clone(), true
}

// Schemas returns the schema list handed to the decision engine.
func (s *ToolSnapshot) Schemas() []ToolSchema {
	if s == nil {
		return nil
	}
	out := make([]ToolSchema, len(s.tools))
	for i, t := range s.tools {
		out[i] = t.ToolSchema()
	}
	return out
}

// Len returns the number of tools in the snapshot.
func (s *ToolSnapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tools)
}

// ToolCall represents an LLM's request to invoke a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ContentKind tags a content fragment.
type ContentKind string

const (
	ContentText     ContentKind = "text"
	ContentImage    ContentKind = "image"
	ContentAudio    ContentKind = "audio"
	ContentResource ContentKind = "resource"
)

// ContentFragment is one typed piece of a tool's output. Data holds base64
// payloads for media and the JSON encoding for resources.
type ContentFragment struct {
	Kind     ContentKind `json:"kind"`
	Text     string      `json:"text,omitempty"`
	MIMEType string      `json:"mime_type,omitempty"`
	Data     string      `json:"data,omitempty"`
}

// TextFragment is shorthand for a text content fragment.
func TextFragment(text string) ContentFragment {
	return ContentFragment{Kind: ContentText, Text: text}
}

// ToolResult is the outcome of invoking a tool. IsError marks an
// application-level failure reported by the provider.
type ToolResult struct {
	ToolCallID string            `json:"tool_call_id"`
	ToolName   string            `json:"tool_name"`
	Content    []ContentFragment `json:"content"`
	IsError    bool              `json:"is_error"`
}

// ErrorResult builds an errored result carrying a single text fragment.
func ErrorResult(call ToolCall, text string) *ToolResult {
	return &ToolResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    []ContentFragment{TextFragment(text)},
		IsError:    true,
	}
}

// Text joins the text-bearing fragments with newlines. Media fragments are
// rendered as a placeholder naming their MIME type.
func (r *ToolResult) Text() string {
	if r == nil {
		return ""
	}
	parts := make([]string, 0, len(r.Content))
	for _, f := range r.Content {
		switch f.Kind {
		case ContentText:
			parts = append(parts, f.Text)
		case ContentResource:
			parts = append(parts, f.Data)
		default:
			parts = append(parts, "["+string(f.Kind)+" "+f.MIMEType+"]")
		}
	}
	return strings.Join(parts, "\n")
}

// ToolProvider is one remote tool server.
type ToolProvider interface {
	Name() string
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error)
	Close() error
}

// ToolRegistry discovers and caches tool descriptors.
type ToolRegistry interface {
	// Discover fetches the tool list and replaces the cached snapshot.
	Discover(ctx context.Context) ([]ToolDescriptor, error)
	// ListCached returns the last successful discovery.
	ListCached() []ToolDescriptor
	// Snapshot returns the current snapshot, or nil before the first discovery.
	Snapshot() *ToolSnapshot
	// Stale reports whether a provider announced a tool list change.
	Stale() bool
}

// InvocationChannel sends one tool invocation to its provider.
type InvocationChannel interface {
	Invoke(ctx context.Context, call ToolCall) (*ToolResult, error)
}
