package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"dbagent/internal/adapter/llm"
	"dbagent/internal/adapter/tool"
	"dbagent/internal/infra/config"
	"dbagent/internal/infra/logger"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run health checks on the config, model provider and tool servers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		// Some checks work without a loadable config.
		cfg, cfgErr := config.Load(cfgPath)
		checks := []Check{
			{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
			{Name: "LLM API key", Fn: checkLLMAPIKey},
			{Name: "LLM connectivity", Fn: checkLLMConnectivity},
			{Name: "Ollama model", Fn: checkOllamaModel},
			{Name: "Tool servers", Fn: checkToolServers(cmd.Context())},
			{Name: "Gateway", Fn: checkGateway},
		}
		return runDoctor(cmd.OutOrStdout(), cfg, checks)
	},
}

// runDoctor executes the checks and reports results to w.
func runDoctor(w io.Writer, cfg *config.Config, checks []Check) error {
	fmt.Fprintln(w, "dbagent doctor")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintln(w)

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

func notLoaded() CheckResult {
	return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
}

// checkConfigFile reports whether the config file exists and loads. A
// missing file is only a warning since the defaults apply.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and the values named above",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkLLMAPIKey verifies the default provider has a key, unless it is a
// local Ollama server.
func checkLLMAPIKey(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	pc, ok := findProvider(cfg)
	if !ok {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("default provider %q not found in config", cfg.LLM.DefaultProvider),
		}
	}
	if config.ProviderType(pc) == "ollama" {
		return CheckResult{Status: StatusPass, Message: "ollama needs no API key"}
	}
	if pc.APIKey == "" {
		envName := config.EnvPrefix + strings.ToUpper(strings.ReplaceAll(pc.Name, "-", "_")) + "_API_KEY"
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("no API key for provider %s", pc.Name),
			Fix:     fmt.Sprintf("Set %s or llm.providers[].api_key", envName),
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("API key configured for %s", pc.Name)}
}

// checkLLMConnectivity tests if the default LLM provider is reachable.
func checkLLMConnectivity(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	pc, ok := findProvider(cfg)
	if !ok {
		return CheckResult{Status: StatusWarn, Message: "skipped, no default provider"}
	}

	endpoint := providerEndpoint(pc)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("invalid endpoint %s: %v", endpoint, err)}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", endpoint, err),
			Fix:     "Check base_url and that the model server is running",
		}
	}
	resp.Body.Close()

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s reachable (latency: %dms)", pc.Name, time.Since(start).Milliseconds()),
	}
}

// checkOllamaModel warns when the default Ollama model has not been pulled.
func checkOllamaModel(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	pc, ok := findProvider(cfg)
	if !ok || config.ProviderType(pc) != "ollama" {
		return CheckResult{Status: StatusPass, Message: "skipped, default provider is not ollama"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pulled, err := llm.NewOllamaProvider(pc, logger.Nop()).HasModel(ctx)
	switch {
	case err != nil:
		return CheckResult{Status: StatusWarn, Message: fmt.Sprintf("cannot list models: %v", err)}
	case !pulled:
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("model %s is not pulled", pc.Model),
			Fix:     "Run: ollama pull " + pc.Model,
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("model %s available", pc.Model)}
}

// providerEndpoint returns a URL worth a GET for the given provider.
func providerEndpoint(p config.ProviderConfig) string {
	base := strings.TrimRight(p.BaseURL, "/")
	switch config.ProviderType(p) {
	case "ollama":
		if base == "" {
			base = "http://localhost:11434"
		}
		return base + "/api/tags"
	case "anthropic":
		if base == "" {
			return "https://api.anthropic.com/"
		}
		return base
	default:
		if base == "" {
			return "https://api.openai.com/v1/models"
		}
		return base
	}
}

// checkToolServers connects to each server and lists its tools.
func checkToolServers(ctx context.Context) func(*config.Config) CheckResult {
	return func(cfg *config.Config) CheckResult {
		if cfg == nil {
			return notLoaded()
		}
		if len(cfg.Tools.Servers) == 0 {
			return CheckResult{
				Status:  StatusFail,
				Message: "no tool servers configured",
				Fix:     "Add a server under tools.servers, e.g. the peopledb SSE endpoint",
			}
		}

		log := logger.Nop()
		var ok, failed []string
		for _, srv := range cfg.Tools.Servers {
			n, err := countServerTools(ctx, srv, cfg.Tools.DiscoveryTimeout, log)
			if err != nil {
				failed = append(failed, fmt.Sprintf("%s (%v)", srv.Name, err))
				continue
			}
			ok = append(ok, fmt.Sprintf("%s: %d tools", srv.Name, n))
		}
		if len(failed) > 0 {
			return CheckResult{
				Status:  StatusFail,
				Message: "unreachable: " + strings.Join(failed, "; "),
				Fix:     "Start the server (e.g. peopledb --server_type sse) or fix tools.servers[].url",
			}
		}
		return CheckResult{Status: StatusPass, Message: strings.Join(ok, ", ")}
	}
}

func countServerTools(ctx context.Context, srv config.ToolServer, timeout time.Duration, log *slog.Logger) (int, error) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p, err := tool.Connect(ctx, srv, log)
	if err != nil {
		return 0, err
	}
	defer p.Close()
	tools, err := p.ListTools(ctx)
	if err != nil {
		return 0, err
	}
	return len(tools), nil
}

// checkGateway verifies the gateway has at least one token.
func checkGateway(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if len(cfg.Gateway.Tokens) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no gateway tokens, `dbagent gateway` will refuse to start",
			Fix:     "Set gateway.tokens or DBAGENT_GATEWAY_TOKENS",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d token(s), listening on %s", len(cfg.Gateway.Tokens), cfg.Gateway.Addr),
	}
}

func findProvider(cfg *config.Config) (config.ProviderConfig, bool) {
	for _, pc := range cfg.LLM.Providers {
		if pc.Name == cfg.LLM.DefaultProvider {
			return pc, true
		}
	}
	return config.ProviderConfig{}, false
}
