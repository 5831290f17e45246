package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"talkstream/pkg/ai"
	"talkstream/pkg/chat"
	"talkstream/pkg/config"
	"talkstream/pkg/pseudostream"

	"github.com/charmbracelet/x/ansi"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const sessionID = "cli"

type askOptions struct {
	historyFile string
	outFile     string
	noStream    bool
	search      bool
	thinking    string
	pace        bool
	noPace      bool
}

func newAskCmd() *cobra.Command {
	var opts askOptions

	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Send a prompt, optionally after a JSON history, and print the reply",
		Example: `  talkstream ask "what is a goroutine?"
  talkstream ask --history chat.json --out chat.json "and a channel?"
  talkstream ask -p anthropic -m claude-sonnet-4-5 --thinking high "prove it"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runAsk(cmd.Context(), cfg, opts, strings.Join(args, " "), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&opts.historyFile, "history", "", "JSON file with prior messages")
	cmd.Flags().StringVar(&opts.outFile, "out", "", "write the resulting session as JSON")
	cmd.Flags().BoolVar(&opts.noStream, "no-stream", false, "disable streaming for this request")
	cmd.Flags().BoolVar(&opts.search, "search", false, "enable vendor web search")
	cmd.Flags().StringVar(&opts.thinking, "thinking", "", "thinking setting: off, low, medium, high, adaptive or a token budget")
	cmd.Flags().BoolVar(&opts.pace, "pace", false, "always pseudo-stream non-streamed replies")
	cmd.Flags().BoolVar(&opts.noPace, "no-pace", false, "never pseudo-stream non-streamed replies")
	return cmd
}

func runAsk(ctx context.Context, cfg config.Config, opts askOptions, prompt string, stdout, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.noStream {
		cfg.Streaming = false
	}
	if opts.search {
		cfg.SearchMode = string(ai.SearchOn)
	}
	if opts.thinking != "" {
		cfg.Thinking = opts.thinking
	}

	providerCfg, err := cfg.ProviderConfig()
	if err != nil {
		return err
	}

	history, err := loadHistory(opts.historyFile)
	if err != nil {
		return err
	}
	if strings.TrimSpace(prompt) != "" {
		history = append(history, ai.NewTextMessage(ai.RoleUser, prompt))
	}
	if len(history) == 0 {
		return errors.New("nothing to send: pass a prompt or --history")
	}

	store := chat.NewMemoryStore()
	if err := store.Replace(ctx, sessionID, toSession(history)); err != nil {
		return err
	}

	pacing := shouldPace(opts, stdout)
	r := &renderer{out: stdout, errOut: stderr, pace: pacing, delay: cfg.PseudoStreamDelay()}

	engine := chat.NewEngine(
		chat.WithRetryPolicy(cfg.RetryPolicy()),
		chat.WithContextBudget(cfg.ContextBudget()),
		chat.WithMarkers(cfg.MarkerList()...),
		chat.WithLogger(slog.Default()),
		chat.WithDiagnostics(slog.Default()),
	)
	orch := chat.NewOrchestrator(engine, store,
		chat.WithSettings(chat.Settings{
			ConnectTimeout: cfg.ConnectTimeout(),
			StreamFallback: cfg.StreamFallback,
		}),
		chat.WithListener(r.listener(providerCfg.Streaming)),
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		orch.Cancel(sessionID)
	}()

	resp, err := orch.Respond(ctx, sessionID, providerCfg)
	if !providerCfg.Streaming {
		r.paceAll(ctx, resp.Messages)
	}
	if err != nil {
		return describeFailure(err)
	}

	if opts.outFile != "" {
		messages, err := store.List(context.Background(), sessionID)
		if err != nil {
			return err
		}
		if err := writeSession(opts.outFile, messages); err != nil {
			return err
		}
		fmt.Fprintln(stderr, successStyle.Render("Saved "+opts.outFile))
	}
	return nil
}

func shouldPace(opts askOptions, out io.Writer) bool {
	switch {
	case opts.noPace:
		return false
	case opts.pace:
		return true
	}
	f, ok := out.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func loadHistory(path string) ([]ai.LocalMessage, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading history: %w", err)
	}
	history, err := ai.ParseLegacyHistory(data)
	if err != nil {
		return nil, fmt.Errorf("parsing history %s: %w", path, err)
	}
	return history, nil
}

func toSession(history []ai.LocalMessage) []chat.Message {
	base := time.Now().Add(-time.Duration(len(history)) * time.Millisecond)
	messages := make([]chat.Message, 0, len(history))
	for i, msg := range history {
		messages = append(messages, chat.Message{
			ID:        uuid.NewString(),
			TurnID:    msg.TurnID,
			Role:      msg.Role,
			Parts:     msg.Parts,
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
			Meta:      msg.Meta,
		})
	}
	return messages
}

func writeSession(path string, messages []chat.Message) error {
	data, err := json.MarshalIndent(map[string]any{"messages": messages}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing session: %w", err)
	}
	return nil
}

// describeFailure adds a short hint for aborts to the full diagnostic error.
func describeFailure(err error) error {
	var abortErr *ai.AbortError
	if errors.As(err, &abortErr) {
		switch abortErr.Cause {
		case ai.AbortConnectTimeout:
			return fmt.Errorf("%w\nhint: the provider did not answer in time; raise connect_timeout_seconds or check api_url", err)
		case ai.AbortUser:
			return fmt.Errorf("cancelled: %w", err)
		}
	}
	return err
}

// renderer prints orchestrator progress. In streaming mode segments print as
// they are persisted, degraded retries included; non-streamed replies are
// paced after Respond returns.
type renderer struct {
	out    io.Writer
	errOut io.Writer
	pace   bool
	delay  time.Duration
}

func (r *renderer) listener(streaming bool) chat.Listener {
	l := chat.Listener{
		OnNotice: func(_ string, n chat.Notice) {
			r.notice(n)
		},
	}
	if streaming {
		l.OnSegment = func(_ string, msg chat.Message) {
			r.segment(msg.Text())
		}
	}
	return l
}

func (r *renderer) notice(n chat.Notice) {
	var text string
	switch n.Kind {
	case chat.NoticeRetry:
		text = fmt.Sprintf("Retrying (%d/%d) in %s: %v", n.Retry.Attempt, n.Retry.Max, n.Retry.Delay, n.Retry.Err)
	case chat.NoticeFallbackKey:
		text = "Primary API key failed, switching to backup key"
	case chat.NoticeContextTrimmed:
		text = fmt.Sprintf("Older messages were left out to fit the context window (%d messages, ~%d tokens)",
			len(n.Envelope.Messages), n.Envelope.TokenCount)
	case chat.NoticeStreamFallback:
		text = fmt.Sprintf("Streaming failed (%v), retrying without streaming", n.Err)
	default:
		return
	}
	fmt.Fprintln(r.errOut, noticeStyle.Render(text))
}

func (r *renderer) segment(text string) {
	fmt.Fprintln(r.out, bulletStyle.Render("›")+" "+ansi.Strip(text))
}

// paceAll renders segments as a pseudo-stream. An interrupted segment stays
// on screen as it was drawn.
func (r *renderer) paceAll(ctx context.Context, messages []chat.Message) {
	for _, msg := range messages {
		text := ansi.Strip(msg.Text())
		if !r.pace {
			r.segment(text)
			continue
		}

		fmt.Fprint(r.out, bulletStyle.Render("›")+" ")
		result := pseudostream.Run(ctx, text, r.delay, func(c pseudostream.Chunk) {
			fmt.Fprint(r.out, c.Text)
		})
		fmt.Fprintln(r.out)
		if result.Interrupted {
			fmt.Fprintln(r.errOut, mutedStyle.Render("(interrupted)"))
			return
		}
	}
}
