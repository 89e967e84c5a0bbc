package tool

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"dbagent/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProvider implements domain.ToolProvider and records calls.
type fakeProvider struct {
	name    string
	tools   []domain.ToolDescriptor
	listErr error
	// listFunc, when set, runs inside ListTools before it returns.
	listFunc func()

	mu       sync.Mutex
	calls    []fakeCall
	callFunc func(ctx context.Context, name string, args map[string]any) (*domain.ToolResult, error)
	closed   bool
	onChange []func()
}

type fakeCall struct {
	Name string
	Args map[string]any
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) ListTools(_ context.Context) ([]domain.ToolDescriptor, error) {
	if f.listFunc != nil {
		f.listFunc()
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools, nil
}

func (f *fakeProvider) CallTool(ctx context.Context, name string, args map[string]any) (*domain.ToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{Name: name, Args: args})
	fn := f.callFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, name, args)
	}
	return &domain.ToolResult{Content: []domain.ContentFragment{domain.TextFragment("true")}}, nil
}

func (f *fakeProvider) Close() error {
	f.closed = true
	return nil
}

func (f *fakeProvider) OnToolsChanged(fn func()) {
	f.onChange = append(f.onChange, fn)
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func descriptor(provider, name, schema string) domain.ToolDescriptor {
	return domain.ToolDescriptor{
		Name:        name,
		Description: name,
		Schema:      json.RawMessage(schema),
		Provider:    provider,
		RemoteName:  name,
	}
}

const addDataSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"age": {"type": "number"},
		"profession": {"type": "string"}
	},
	"required": ["name", "age", "profession"]
}`

// mockMCPClient implements mcpClient for testing.
type mockMCPClient struct {
	pages    []mcp.ListToolsResult
	listErr  error
	callFunc func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	cursors  []mcp.Cursor
	closed   bool
}

func (m *mockMCPClient) ListTools(_ context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.cursors = append(m.cursors, req.Params.Cursor)
	if len(m.pages) == 0 {
		return &mcp.ListToolsResult{}, nil
	}
	page := m.pages[0]
	if len(m.pages) > 1 {
		m.pages = m.pages[1:]
	}
	return &page, nil
}

func (m *mockMCPClient) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if m.callFunc != nil {
		return m.callFunc(ctx, req)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent("called " + req.Params.Name)},
	}, nil
}

func (m *mockMCPClient) Close() error {
	m.closed = true
	return nil
}
