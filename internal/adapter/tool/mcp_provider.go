package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"dbagent/internal/domain"
	"dbagent/internal/infra/config"
)

const (
	clientName    = "dbagent"
	clientVersion = "1.0.0"

	methodToolsListChanged = "notifications/tools/list_changed"
)

// mcpClient abstracts the MCP client interface for testability.
type mcpClient interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// MCPProvider is one connected MCP server. It implements domain.ToolProvider.
type MCPProvider struct {
	name   string
	prefix string
	client mcpClient
	logger *slog.Logger

	mu        sync.Mutex
	onChanged []func()
}

// Connect opens and initializes a connection to the configured server.
// Failures wrap domain.ErrProviderUnreachable.
func Connect(ctx context.Context, srv config.ToolServer, logger *slog.Logger) (*MCPProvider, error) {
	c, err := dial(ctx, srv)
	if err != nil {
		return nil, fmt.Errorf("%w: mcp server %q: %w", domain.ErrProviderUnreachable, srv.Name, err)
	}
	p, err := initialize(ctx, srv.Name, srv.Prefix, c, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("mcp server connected", "name", srv.Name, "transport", srv.Transport)
	return p, nil
}

// ConnectClient starts and initializes a client built elsewhere, such as
// an in-process client.
func ConnectClient(ctx context.Context, name string, c *mcpclient.Client, logger *slog.Logger) (*MCPProvider, error) {
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("%w: mcp server %q: start: %w", domain.ErrProviderUnreachable, name, err)
	}
	return initialize(ctx, name, "", c, logger)
}

func initialize(ctx context.Context, name, prefix string, c *mcpclient.Client, logger *slog.Logger) (*MCPProvider, error) {
	if _, err := c.Initialize(ctx, initializeRequest()); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("%w: mcp server %q: initialize: %w", domain.ErrProviderUnreachable, name, err)
	}
	p := newMCPProvider(name, prefix, c, logger)
	c.OnNotification(func(n mcp.JSONRPCNotification) {
		if n.Method == methodToolsListChanged {
			p.notifyChanged()
		}
	})
	return p, nil
}

func newMCPProvider(name, prefix string, c mcpClient, logger *slog.Logger) *MCPProvider {
	return &MCPProvider{name: name, prefix: prefix, client: c, logger: logger}
}

func dial(ctx context.Context, srv config.ToolServer) (*mcpclient.Client, error) {
	switch srv.Transport {
	case "stdio":
		// The stdio client starts the subprocess itself.
		c, err := mcpclient.NewStdioMCPClient(srv.Command, envSlice(srv.Env), srv.Args...)
		if err != nil {
			return nil, fmt.Errorf("create stdio client: %w", err)
		}
		return c, nil
	case "sse":
		c, err := mcpclient.NewSSEMCPClient(srv.URL)
		if err != nil {
			return nil, fmt.Errorf("create sse client: %w", err)
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("start sse client: %w", err)
		}
		return c, nil
	case "http":
		t, err := transport.NewStreamableHTTP(srv.URL)
		if err != nil {
			return nil, fmt.Errorf("create http transport: %w", err)
		}
		c := mcpclient.NewClient(t)
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("start http client: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", srv.Transport)
	}
}

func initializeRequest() mcp.InitializeRequest {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}
	return req
}

// Name returns the configured server name.
func (p *MCPProvider) Name() string { return p.name }

// OnToolsChanged registers fn to run when the server announces a new tool list.
func (p *MCPProvider) OnToolsChanged(fn func()) {
	p.mu.Lock()
	p.onChanged = append(p.onChanged, fn)
	p.mu.Unlock()
}

func (p *MCPProvider) notifyChanged() {
	p.mu.Lock()
	fns := append([]func(){}, p.onChanged...)
	p.mu.Unlock()

	p.logger.Info("mcp tool list changed", "server", p.name)
	for _, fn := range fns {
		fn()
	}
}

// ListTools pages through tools/list and normalizes every tool.
func (p *MCPProvider) ListTools(ctx context.Context) ([]domain.ToolDescriptor, error) {
	var out []domain.ToolDescriptor
	req := mcp.ListToolsRequest{}
	for {
		result, err := p.client.ListTools(ctx, req)
		if err != nil {
			if isTransportError(err) {
				return nil, fmt.Errorf("%w: %s: %w", domain.ErrProviderUnreachable, p.name, err)
			}
			return nil, fmt.Errorf("%w: %s: list tools: %w", domain.ErrProtocol, p.name, err)
		}
		if result == nil {
			return nil, fmt.Errorf("%w: %s: empty tools/list response", domain.ErrProtocol, p.name)
		}

		for _, t := range result.Tools {
			d, err := newDescriptor(p.name, p.prefix, t)
			if err != nil {
				return nil, err
			}
			out = append(out, d)
			p.logger.Debug("mcp tool discovered", "server", p.name, "tool", d.Name)
		}

		if result.NextCursor == "" {
			break
		}
		if result.NextCursor == req.Params.Cursor {
			return nil, fmt.Errorf("%w: %s: tools/list cursor did not advance", domain.ErrProtocol, p.name)
		}
		req.Params.Cursor = result.NextCursor
	}
	return out, nil
}

// CallTool invokes a tool by its remote name. Network failures return an
// error wrapping domain.ErrTransport. Every other failure the provider
// reports, including JSON-RPC errors such as bad arguments, comes back as
// an errored result.
func (p *MCPProvider) CallTool(ctx context.Context, name string, args map[string]any) (*domain.ToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	p.logger.Debug("mcp tool call", "server", p.name, "tool", name)

	result, err := p.client.CallTool(ctx, req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		if isTransportError(err) {
			return nil, fmt.Errorf("%w: %s/%s: %w", domain.ErrTransport, p.name, name, err)
		}
		return &domain.ToolResult{
			ToolName: name,
			Content:  []domain.ContentFragment{domain.TextFragment(err.Error())},
			IsError:  true,
		}, nil
	}

	return &domain.ToolResult{
		ToolName: name,
		Content:  fragments(result.Content),
		IsError:  result.IsError,
	}, nil
}

// Close shuts down the server connection.
func (p *MCPProvider) Close() error {
	return p.client.Close()
}

// envSlice converts a map of env vars to KEY=VALUE slices.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, k+"="+v)
	}
	return result
}
