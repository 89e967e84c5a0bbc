package peopledb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	serverName    = "sqlite-demo"
	serverVersion = "1.0.0"
)

// Transports accepted by Serve.
const (
	TransportSSE   = "sse"
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// NewServer builds an MCP server exposing the people table as four tools.
func NewServer(store *Store, logger *slog.Logger) *server.MCPServer {
	s := server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(true))
	h := &handlers{store: store, logger: logger}

	s.AddTool(mcp.NewTool("add_data",
		mcp.WithDescription("Add a person to the people table. Returns true on success."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Name of the person")),
		mcp.WithNumber("age", mcp.Required(), mcp.Description("Age of the person")),
		mcp.WithString("profession", mcp.Required(), mcp.Description("Job or profession")),
	), h.add)

	s.AddTool(mcp.NewTool("read_data",
		mcp.WithDescription("Read data from the people table using a SQL SELECT query. "+
			"Columns are id, name, age, profession. Returns one JSON array per row."),
		mcp.WithString("query", mcp.DefaultString(DefaultQuery), mcp.Description("SQL SELECT query")),
	), h.read)

	s.AddTool(mcp.NewTool("update_data",
		mcp.WithDescription("Update existing data in the people table by name. At least one of age or profession is required."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Name of the person to update")),
		mcp.WithNumber("age", mcp.Description("New age")),
		mcp.WithString("profession", mcp.Description("New profession")),
	), h.update)

	s.AddTool(mcp.NewTool("delete_data",
		mcp.WithDescription("Delete a person from the people table by name."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Name of the person to delete")),
	), h.delete)

	return s
}

type handlers struct {
	store  *Store
	logger *slog.Logger
}

func (h *handlers) add(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	profession, err := req.RequireString("profession")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, ok := req.GetArguments()["age"]
	if !ok {
		return mcp.NewToolResultError(`required argument "age" not found`), nil
	}
	age, err := wholeNumber(raw)
	if err != nil {
		return mcp.NewToolResultError("age: " + err.Error()), nil
	}

	if err := h.store.Add(ctx, name, age, profession); err != nil {
		return h.fail("add_data", err), nil
	}
	h.logger.Info("person added", "name", name)
	return mcp.NewToolResultText("true"), nil
}

func (h *handlers) read(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := req.GetString("query", DefaultQuery)

	rows, err := h.store.Query(ctx, query)
	if err != nil {
		return h.fail("read_data", err), nil
	}

	result := &mcp.CallToolResult{Content: make([]mcp.Content, 0, len(rows))}
	for _, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			return h.fail("read_data", err), nil
		}
		result.Content = append(result.Content, mcp.NewTextContent(string(data)))
	}
	h.logger.Debug("people read", "rows", len(rows))
	return result, nil
}

func (h *handlers) update(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	args := req.GetArguments()

	var age *int
	if raw, ok := args["age"]; ok && raw != nil {
		n, err := wholeNumber(raw)
		if err != nil {
			return mcp.NewToolResultError("age: " + err.Error()), nil
		}
		age = &n
	}
	var profession *string
	if raw, ok := args["profession"]; ok && raw != nil {
		p, ok := raw.(string)
		if !ok {
			return mcp.NewToolResultError("profession must be a string"), nil
		}
		profession = &p
	}

	if err := h.store.Update(ctx, name, age, profession); err != nil {
		return h.fail("update_data", err), nil
	}
	h.logger.Info("person updated", "name", name)
	return mcp.NewToolResultText("true"), nil
}

func (h *handlers) delete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := h.store.Delete(ctx, name); err != nil {
		return h.fail("delete_data", err), nil
	}
	h.logger.Info("person deleted", "name", name)
	return mcp.NewToolResultText("true"), nil
}

// fail reports a store error to the caller as an errored tool result.
func (h *handlers) fail(tool string, err error) *mcp.CallToolResult {
	level := slog.LevelWarn
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNoFields) {
		level = slog.LevelInfo
	}
	h.logger.Log(context.Background(), level, "tool failed", "tool", tool, "error", err)
	return mcp.NewToolResultError(err.Error())
}

func wholeNumber(v any) (int, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case json.Number:
		var err error
		if f, err = n.Float64(); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
	if f != math.Trunc(f) || f < 0 {
		return 0, fmt.Errorf("expected a non-negative whole number, got %v", f)
	}
	return int(f), nil
}

// Serve runs s on the given transport until ctx is done. addr is ignored
// for stdio.
func Serve(ctx context.Context, s *server.MCPServer, transport, addr string, stdin io.Reader, stdout io.Writer) error {
	switch transport {
	case TransportStdio:
		return server.NewStdioServer(s).Listen(ctx, stdin, stdout)
	case TransportSSE:
		sse := server.NewSSEServer(s)
		return serveHTTP(ctx, func() error { return sse.Start(addr) }, sse.Shutdown)
	case TransportHTTP:
		h := server.NewStreamableHTTPServer(s)
		return serveHTTP(ctx, func() error { return h.Start(addr) }, h.Shutdown)
	default:
		return fmt.Errorf("unsupported server type %q", transport)
	}
}

func serveHTTP(ctx context.Context, start func() error, shutdown func(context.Context) error) error {
	errCh := make(chan error, 1)
	go func() { errCh <- start() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(shutdownCtx)
	}
}
