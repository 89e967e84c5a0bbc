// Package chat implements the interactive terminal REPL: one session, one
// turn per input line, tool activity printed as it happens.
package chat

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/glamour"

	"dbagent/internal/adapter/tui/theme"
	"dbagent/internal/adapter/tui/uxerror"
	"dbagent/internal/domain"
	"dbagent/internal/usecase"
)

const (
	maxArgsWidth   = 120
	maxResultWidth = 200
)

// Options configures a REPL.
type Options struct {
	Agent    *usecase.Agent
	Sessions *usecase.SessionManager
	Tools    domain.ToolRegistry
	Logger   *slog.Logger

	In  io.Reader
	Out io.Writer

	// Markdown renders answers through glamour. Off for plain output.
	Markdown bool
	// SessionKey is the external key of the REPL's session.
	SessionKey string
}

// REPL reads lines from In and runs each as a turn, or as a slash command.
type REPL struct {
	opts Options
	sess *usecase.Session
	md   *glamour.TermRenderer
}

// New creates a REPL. The session is created by Run.
func New(opts Options) *REPL {
	if opts.SessionKey == "" {
		opts.SessionKey = "cli"
	}
	return &REPL{opts: opts}
}

// Session returns the REPL's current session, nil before Run.
func (r *REPL) Session() *usecase.Session { return r.sess }

// Run blocks until /quit, end of input, or ctx is cancelled.
func (r *REPL) Run(ctx context.Context) error {
	r.sess = r.opts.Sessions.Create(ctx, r.opts.SessionKey)
	defer r.opts.Sessions.Delete(context.Background(), r.sess.ID)

	r.printf("%s %s\n", theme.BotLabel.Render(theme.SymbolBot),
		theme.TextMuted.Render("ready. /help for commands, /quit to exit."))

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r.opts.In)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		r.printf("\n%s ", theme.InputPrompt.Render(">"))
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			r.printf("\n")
			return nil
		case line, ok = <-lines:
		}
		if !ok {
			r.printf("\n")
			select {
			case err := <-readErr:
				return err
			default:
				return nil
			}
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			if quit := r.command(ctx, input); quit {
				return nil
			}
			continue
		}
		r.turn(ctx, input)
	}
}

// command runs a slash command and reports whether the REPL should exit.
func (r *REPL) command(ctx context.Context, input string) bool {
	name, _, _ := strings.Cut(input, " ")
	switch strings.ToLower(name) {
	case "/quit", "/exit":
		return true
	case "/help":
		r.printf("%s\n", strings.Join([]string{
			"/reset    clear the conversation",
			"/tools    list the cached tools",
			"/refresh  rediscover tools from the servers",
			"/quit     exit",
		}, "\n"))
	case "/reset":
		if err := r.opts.Sessions.Reset(ctx, r.sess.ID); err != nil {
			r.printError(err)
			return false
		}
		r.printf("%s\n", theme.TextSuccess.Render(theme.SymbolSuccess+" conversation cleared"))
	case "/tools":
		snap := r.opts.Tools.Snapshot()
		if snap == nil {
			if _, err := r.opts.Tools.Discover(ctx); err != nil {
				r.printError(err)
				return false
			}
			snap = r.opts.Tools.Snapshot()
		}
		PrintTools(r.opts.Out, snap)
	case "/refresh":
		if _, err := r.opts.Tools.Discover(ctx); err != nil {
			r.printError(err)
			return false
		}
		PrintTools(r.opts.Out, r.opts.Tools.Snapshot())
	default:
		r.printf("%s\n", theme.TextWarning.Render(theme.SymbolWarning+" unknown command "+name+", try /help"))
	}
	return false
}

func (r *REPL) turn(ctx context.Context, text string) {
	answer, err := r.opts.Agent.SubmitTurn(ctx, r.sess, text, usecase.WithEventSink(r.printEvent))
	if err != nil {
		r.printError(err)
		return
	}
	r.printf("\n%s\n%s\n", theme.BotLabel.Render(theme.SymbolBot), r.render(answer))
}

func (r *REPL) printEvent(ev domain.TurnEvent) {
	switch ev.Kind {
	case domain.ToolCallStarted:
		r.printf("%s %s\n",
			theme.ToolLabel.Render(theme.SymbolArrowR+" "+ev.ToolName),
			theme.ToolArgs.Render(theme.Truncate(string(ev.Arguments), maxArgsWidth)))
	case domain.ToolCallCompleted:
		switch {
		case ev.Err != "":
			r.printf("%s %s\n",
				theme.ErrorLabel.Render(theme.SymbolError+" "+ev.ToolName),
				theme.TextMuted.Render(ev.Err))
		case ev.IsError:
			r.printf("%s %s\n",
				theme.TextWarning.Render(theme.SymbolWarning+" "+ev.ToolName),
				theme.TextMuted.Render(theme.Truncate(resultText(ev), maxResultWidth)))
		default:
			r.printf("%s %s\n",
				theme.TextSuccess.Render(theme.SymbolArrowL+" "+ev.ToolName),
				theme.Dim.Render(theme.Truncate(resultText(ev), maxResultWidth)))
		}
	}
}

func resultText(ev domain.TurnEvent) string {
	if ev.Result == nil {
		return ""
	}
	return strings.ReplaceAll(ev.Result.Text(), "\n", " ")
}

func (r *REPL) printError(err error) {
	fe := uxerror.Humanize(err)
	r.opts.Logger.Debug("turn failed", "error", err, "code", fe.Code)
	r.printf("%s\n", theme.ErrorLabel.Render(theme.SymbolError+" ")+fe.Render())
}

// render formats an answer as markdown, falling back to the raw text.
func (r *REPL) render(answer string) string {
	if !r.opts.Markdown {
		return answer
	}
	if r.md == nil {
		md, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(theme.MaxContentWidth),
		)
		if err != nil {
			return answer
		}
		r.md = md
	}
	out, err := r.md.Render(answer)
	if err != nil {
		return answer
	}
	return strings.TrimRight(out, "\n")
}

func (r *REPL) printf(format string, args ...any) {
	fmt.Fprintf(r.opts.Out, format, args...)
}

// PrintTools writes a snapshot's tools, one per line with their parameters.
func PrintTools(w io.Writer, snap *domain.ToolSnapshot) {
	if snap == nil || snap.Len() == 0 {
		fmt.Fprintln(w, theme.TextMuted.Render("no tools discovered"))
		return
	}
	fmt.Fprintf(w, "%s\n", theme.Bold.Render(fmt.Sprintf("%d tools (snapshot v%d)", snap.Len(), snap.Version)))
	for _, t := range snap.Tools() {
		params := make([]string, 0, len(t.Params))
		for _, p := range t.Params {
			s := p.Name + " " + p.Type
			if !p.Required {
				s += "?"
			}
			params = append(params, s)
		}
		fmt.Fprintf(w, "  %s %s(%s) %s\n",
			theme.SymbolBullet,
			theme.ToolLabel.Render(t.Name),
			strings.Join(params, ", "),
			theme.TextMuted.Render("["+t.Provider+"]"))
		if t.Description != "" {
			fmt.Fprintf(w, "      %s\n", theme.Dim.Render(t.Description))
		}
	}
}
