// Package uxerror translates turn failures into user-facing messages with
// recovery hints for the chat REPL.
package uxerror

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"dbagent/internal/adapter/tui/theme"
	"dbagent/internal/domain"
)

// FriendlyError is a user-facing error with suggestions for recovery.
type FriendlyError struct {
	Title   string   // short heading, e.g. "Tool Server Unreachable"
	Message string   // one-liner explanation
	Hints   []string // actionable recovery suggestions
	Code    domain.ErrorCode
	Raw     string // original error text
}

// Render formats the FriendlyError for the terminal.
func (fe FriendlyError) Render() string {
	var sb strings.Builder
	sb.WriteString(fe.Title)
	if fe.Message != "" {
		sb.WriteString("\n  ")
		sb.WriteString(fe.Message)
	}
	if len(fe.Hints) > 0 {
		sb.WriteString("\n  Suggestions:")
		for _, h := range fe.Hints {
			sb.WriteString(fmt.Sprintf("\n    %s %s", theme.SymbolBullet, h))
		}
	}
	return sb.String()
}

type errorPattern struct {
	match   func(err error) bool
	produce func(err error) FriendlyError
}

// Order matters: context errors first, then the failure classes, then the
// more specific sentinels they may wrap, then plain string matches.
var patterns = []errorPattern{
	{
		match: isErr(context.Canceled),
		produce: constantError("Turn Cancelled",
			"The turn was cancelled before it finished. Nothing was added to the conversation.",
			nil),
	},
	{
		match: func(err error) bool {
			return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrTimeout)
		},
		produce: constantError("Turn Timed Out",
			"The turn did not finish within its time limit.",
			[]string{"Try a simpler request", "Raise agent.turn_timeout or agent.decision_timeout in config"}),
	},
	{
		match: isErr(domain.ErrMaxIterations),
		produce: constantError("Agent Loop Limit Reached",
			"The agent kept calling tools without producing an answer.",
			[]string{"Break the request into smaller steps", "Increase agent.max_iterations in config"}),
	},
	{
		match: isErr(domain.ErrProviderUnreachable),
		produce: constantError("Tool Server Unreachable",
			"The tool server could not be reached or its circuit breaker is open.",
			[]string{"Check that peopledb is running", "Verify tools.servers[].url in config", "Run /refresh once the server is back"}),
	},
	{
		match: isErr(domain.ErrTransport),
		produce: constantError("Tool Call Lost",
			"The connection dropped while a tool call was in flight. The call may or may not have run.",
			[]string{"Check the database before retrying a write", "Set agent.transport_errors: narrate to let the model react instead"}),
	},
	{
		match: isErr(domain.ErrProtocol),
		produce: constantError("Tool Server Protocol Error",
			"The tool server sent a reply that could not be understood.",
			[]string{"Check the tool server version", "Run with DBAGENT_LOGGER_LEVEL=debug for details"}),
	},
	{
		match: isErr(domain.ErrRateLimit),
		produce: constantError("Rate Limited",
			"Too many requests were sent to the model provider.",
			[]string{"Wait a moment before retrying", "Reduce request frequency"}),
	},
	{
		match: isErr(domain.ErrAuthInvalid),
		produce: constantError("Authentication Failed",
			"The model provider rejected the API key.",
			[]string{"Check DBAGENT_<PROVIDER>_API_KEY", "If the key is encrypted, check DBAGENT_CONFIG_KEY"}),
	},
	{
		match: isErr(domain.ErrContextOverflow),
		produce: constantError("Conversation Too Long",
			"The conversation no longer fits the model's context window.",
			[]string{"Run /reset to start over", "Lower agent.max_history in config"}),
	},
	{
		match: isErr(domain.ErrDecision),
		produce: constantError("Model Reply Unusable",
			"The model failed or asked for something that could not be run.",
			[]string{"Rephrase the request", "Run /tools to see what the model can call", "Check the model supports tool calling"}),
	},
	{
		match: containsAny("connection refused", "dial tcp", "no such host"),
		produce: constantError("Connection Failed", "Could not reach the remote service.",
			[]string{"Verify the service URL in config", "Check that the service is running"}),
	},
}

// Humanize converts a raw error into a FriendlyError with recovery hints.
func Humanize(err error) FriendlyError {
	if err == nil {
		return FriendlyError{Title: "Unknown Error", Code: domain.CodeUnknown, Raw: "nil"}
	}

	for _, p := range patterns {
		if p.match(err) {
			return p.produce(err)
		}
	}

	return FriendlyError{
		Title:   "Unexpected Error",
		Message: err.Error(),
		Hints:   []string{"Try again", "Run with DBAGENT_LOGGER_LEVEL=debug for more details"},
		Code:    domain.ErrorCodeOf(err),
		Raw:     err.Error(),
	}
}

func isErr(target error) func(error) bool {
	return func(err error) bool { return errors.Is(err, target) }
}

// containsAny matches when the error text contains any of substrs,
// ignoring case.
func containsAny(substrs ...string) func(error) bool {
	return func(err error) bool {
		lower := strings.ToLower(err.Error())
		for _, s := range substrs {
			if strings.Contains(lower, s) {
				return true
			}
		}
		return false
	}
}

func constantError(title, message string, hints []string) func(error) FriendlyError {
	return func(err error) FriendlyError {
		return FriendlyError{
			Title:   title,
			Message: message,
			Hints:   hints,
			Code:    domain.ErrorCodeOf(err),
			Raw:     err.Error(),
		}
	}
}
