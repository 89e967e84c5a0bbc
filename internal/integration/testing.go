// Package integration holds end-to-end tests that run the agent against a
// real peopledb MCP server.
package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"

	"dbagent/internal/adapter/peopledb"
	"dbagent/internal/adapter/tool"
	"dbagent/internal/domain"
	"dbagent/internal/infra/config"
	"dbagent/internal/infra/logger"
)

// Config holds integration test configuration from environment
type Config struct {
	OpenAIKey   string
	OpenAIModel string
	OllamaURL   string
	OllamaModel string
	TestTimeout time.Duration
}

// LoadConfig loads integration test configuration from environment
func LoadConfig() *Config {
	cfg := &Config{
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIModel: os.Getenv("OPENAI_MODEL"),
		OllamaURL:   os.Getenv("OLLAMA_URL"),
		OllamaModel: os.Getenv("OLLAMA_MODEL"),
		TestTimeout: 90 * time.Second,
	}
	if cfg.OpenAIModel == "" {
		cfg.OpenAIModel = "gpt-4o-mini"
	}
	if cfg.OllamaModel == "" {
		cfg.OllamaModel = "llama3.2"
	}
	return cfg
}

// SkipIfNoAPIKey skips the test if the required API key is not set
func SkipIfNoAPIKey(t *testing.T, key, name string) {
	t.Helper()
	if key == "" {
		t.Skipf("Skipping %s integration test: %s not set", name, name)
	}
}

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// PeopleStack is a peopledb server wired to a tool registry and channel
// through an in-process MCP client.
type PeopleStack struct {
	Store    *peopledb.Store
	Registry *tool.Registry
	Channel  *tool.Channel
}

// NewPeopleStack opens a fresh database and connects the tool layer to it.
// Everything is closed when the test ends.
func NewPeopleStack(t *testing.T, toolsCfg config.ToolsConfig) *PeopleStack {
	t.Helper()
	log := logger.Nop()

	store, err := peopledb.Open(filepath.Join(t.TempDir(), "people.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	c, err := mcpclient.NewInProcessClient(peopledb.NewServer(store, log))
	if err != nil {
		t.Fatalf("in-process client: %v", err)
	}
	provider, err := tool.ConnectClient(context.Background(), "people", c, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if toolsCfg.CallTimeout == 0 {
		toolsCfg.CallTimeout = 10 * time.Second
	}
	registry := tool.NewRegistry([]domain.ToolProvider{provider}, 10*time.Second, log)
	t.Cleanup(func() { registry.Close() })

	return &PeopleStack{
		Store:    store,
		Registry: registry,
		Channel:  tool.NewChannel(registry, toolsCfg, log),
	}
}
