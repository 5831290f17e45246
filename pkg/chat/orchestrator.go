package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"talkstream/pkg/ai"
	"talkstream/pkg/segment"

	"github.com/google/uuid"
)

// ErrGenerationInProgress is returned when a session already has an active
// generation.
var ErrGenerationInProgress = errors.New("a generation is already in progress for this session")

// NoticeKind tags a Notice.
type NoticeKind string

const (
	NoticeRetry          NoticeKind = "retry"
	NoticeFallbackKey    NoticeKind = "fallback_key"
	NoticeContextTrimmed NoticeKind = "context_trimmed"
	NoticeStreamFallback NoticeKind = "stream_fallback"
)

// Notice is transient status the caller may render.
type Notice struct {
	Kind  NoticeKind
	Retry ai.RetryNotice
	// Envelope is set for NoticeContextTrimmed.
	Envelope ai.ContextEnvelope
	// Err is the streaming failure that triggered NoticeStreamFallback.
	Err error
}

// Listener receives progress for a session. Nil fields are skipped. Calls
// happen on the goroutine running Respond.
type Listener struct {
	OnNotice  func(sessionID string, n Notice)
	OnDelta   func(sessionID string, ev ai.StreamEvent)
	OnSegment func(sessionID string, msg Message)
}

func (l Listener) notice(sessionID string, n Notice) {
	if l.OnNotice != nil {
		l.OnNotice(sessionID, n)
	}
}

func (l Listener) delta(sessionID string, ev ai.StreamEvent) {
	if l.OnDelta != nil {
		l.OnDelta(sessionID, ev)
	}
}

func (l Listener) segment(sessionID string, msg Message) {
	if l.OnSegment != nil {
		l.OnSegment(sessionID, msg)
	}
}

// Settings are the orchestrator's per-generation policies.
type Settings struct {
	// ConnectTimeout cancels an attempt that sees no response activity in
	// time. Zero disables it.
	ConnectTimeout time.Duration
	// StreamFallback degrades a failed streaming attempt to a fresh
	// non-streaming request.
	StreamFallback bool
}

// Response is the outcome of Orchestrator.Respond.
type Response struct {
	TurnID    string
	Messages  []Message
	Reasoning string
	Trimmed   bool
	Degraded  bool
}

// Orchestrator runs assistant responses for chat sessions, persisting each
// produced segment as its own message.
type Orchestrator struct {
	engine   *Engine
	store    Store
	settings Settings
	listener Listener
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	active   map[string]context.CancelCauseFunc
	trimmed  map[string]bool
	lastTime time.Time
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithSettings sets connect timeout and stream degradation policy.
func WithSettings(s Settings) OrchestratorOption {
	return func(o *Orchestrator) { o.settings = s }
}

// WithListener sets the progress listener.
func WithListener(l Listener) OrchestratorOption {
	return func(o *Orchestrator) { o.listener = l }
}

// WithOrchestratorLogger sets the logger.
func WithOrchestratorLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates an orchestrator over engine and store.
func NewOrchestrator(engine *Engine, store Store, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		engine:  engine,
		store:   store,
		logger:  slog.Default(),
		now:     time.Now,
		active:  make(map[string]context.CancelCauseFunc),
		trimmed: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Cancel aborts the active generation of a session on behalf of the user.
// It reports whether a generation was running.
func (o *Orchestrator) Cancel(sessionID string) bool {
	o.mu.Lock()
	cancel, ok := o.active[sessionID]
	o.mu.Unlock()
	if ok {
		cancel(ai.ErrUserAbort)
	}
	return ok
}

// Busy reports whether a session has an active generation.
func (o *Orchestrator) Busy(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[sessionID]
	return ok
}

// Respond generates the assistant answer to the session's history and
// appends one message per segment. Segments completed before a failure stay
// persisted; the unmarked tail of a failed stream is discarded. Failures are
// returned as *ai.GenerationError.
func (o *Orchestrator) Respond(ctx context.Context, sessionID string, cfg ai.ProviderConfig) (Response, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	if err := o.begin(sessionID, cancel); err != nil {
		cancel(nil)
		return Response{}, err
	}
	defer o.end(sessionID, cancel)

	snapshot, err := o.store.List(ctx, sessionID)
	if err != nil {
		return Response{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	history := make([]ai.LocalMessage, 0, len(snapshot))
	for _, msg := range snapshot {
		history = append(history, msg.Local())
	}

	env, err := o.engine.BuildEnvelope(cfg, history)
	if err != nil {
		failed := &response{o: o, sessionID: sessionID, cfg: cfg, snapshot: snapshot}
		o.logger.Error("chat_respond_error", "session_id", sessionID, "error", err)
		return Response{}, failed.fail(err, cfg.Streaming)
	}
	o.noteTrimmed(sessionID, env)

	run := &response{
		o:         o,
		sessionID: sessionID,
		cfg:       cfg,
		env:       env,
		snapshot:  snapshot,
		resp:      Response{TurnID: turnID(snapshot), Trimmed: env.IsTrimmed},
	}

	o.logger.Info("chat_respond_start",
		"session_id", sessionID,
		"provider", cfg.Provider,
		"model", cfg.Model,
		"streaming", cfg.Streaming,
		"message_count", len(env.Messages),
		"token_count", env.TokenCount,
		"trimmed", env.IsTrimmed,
	)

	if cfg.Streaming {
		err = run.streaming(ctx)
	} else {
		err = run.once(ctx)
	}
	if err != nil {
		o.logger.Error("chat_respond_error", "session_id", sessionID, "error", err)
		return run.resp, err
	}

	o.logger.Info("chat_respond_done",
		"session_id", sessionID,
		"segments", len(run.resp.Messages),
		"degraded", run.resp.Degraded,
	)
	return run.resp, nil
}

func (o *Orchestrator) begin(sessionID string, cancel context.CancelCauseFunc) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.active[sessionID]; busy {
		return ErrGenerationInProgress
	}
	o.active[sessionID] = cancel
	return nil
}

func (o *Orchestrator) end(sessionID string, cancel context.CancelCauseFunc) {
	o.mu.Lock()
	delete(o.active, sessionID)
	o.mu.Unlock()
	cancel(nil)
}

// noteTrimmed fires the trimmed notice once until an untrimmed envelope is
// built for the session.
func (o *Orchestrator) noteTrimmed(sessionID string, env ai.ContextEnvelope) {
	o.mu.Lock()
	fire := env.IsTrimmed && !o.trimmed[sessionID]
	o.trimmed[sessionID] = env.IsTrimmed
	o.mu.Unlock()

	if fire {
		o.logger.Info("chat_context_trimmed",
			"session_id", sessionID,
			"message_count", len(env.Messages),
			"token_count", env.TokenCount,
			"input_budget", env.InputBudgetTokens,
		)
		o.listener.notice(sessionID, Notice{Kind: NoticeContextTrimmed, Envelope: env})
	}
}

// timestamp returns a time strictly after every earlier timestamp.
func (o *Orchestrator) timestamp() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	if !now.After(o.lastTime) {
		now = o.lastTime.Add(time.Millisecond)
	}
	o.lastTime = now
	return now
}

// turnID reuses the turn id of the latest user message, or mints a new one.
func turnID(history []Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == ai.RoleUser {
			if id := strings.TrimSpace(history[i].TurnID); id != "" {
				return id
			}
			break
		}
	}
	return uuid.NewString()
}

// response is the state of one Respond call.
type response struct {
	o         *Orchestrator
	sessionID string
	cfg       ai.ProviderConfig
	env       ai.ContextEnvelope
	snapshot  []Message
	resp      Response
}

func (r *response) hooks(timer *connectTimer) ai.Hooks {
	return ai.Hooks{
		OnRetry: func(n ai.RetryNotice) {
			r.o.listener.notice(r.sessionID, Notice{Kind: NoticeRetry, Retry: n})
		},
		OnFallbackKey: func() {
			r.o.listener.notice(r.sessionID, Notice{Kind: NoticeFallbackKey})
		},
		OnAttemptStart: timer.start,
		OnActivity:     timer.stop,
	}
}

// connectTimer cancels an attempt with ai.ErrConnectTimeout when an HTTP
// send sees no response activity within the timeout. It is re-armed for
// every send of the attempt. A nil timer is disabled.
type connectTimer struct {
	timer   *time.Timer
	timeout time.Duration
}

func (t *connectTimer) start() {
	if t != nil {
		t.timer.Reset(t.timeout)
	}
}

func (t *connectTimer) stop() {
	if t != nil {
		t.timer.Stop()
	}
}

// attemptContext derives the context of one generation attempt together
// with its connect timer.
func (r *response) attemptContext(ctx context.Context) (context.Context, *connectTimer, func()) {
	attemptCtx, cancel := context.WithCancelCause(ctx)
	timeout := r.o.settings.ConnectTimeout
	if timeout <= 0 {
		return attemptCtx, nil, func() { cancel(nil) }
	}

	timer := &connectTimer{
		timer: time.AfterFunc(timeout, func() {
			cancel(ai.ErrConnectTimeout)
		}),
		timeout: timeout,
	}
	release := func() {
		timer.stop()
		cancel(nil)
	}
	return attemptCtx, timer, release
}

func (r *response) once(ctx context.Context) error {
	attemptCtx, timer, release := r.attemptContext(ctx)
	defer release()

	result, err := r.o.engine.complete(attemptCtx, r.cfg, r.env, r.hooks(timer))
	if err != nil {
		return r.fail(err, false)
	}
	r.resp.Reasoning = result.Reasoning
	for _, seg := range result.Segments {
		if err := r.persist(ctx, seg); err != nil {
			return err
		}
	}
	return nil
}

func (r *response) streaming(ctx context.Context) error {
	splitter, err := r.o.engine.NewSplitter()
	if err != nil {
		return r.fail(&ai.ConfigError{Provider: r.cfg.Provider, Field: "markers", Message: err.Error()}, true)
	}

	streamErr := r.consume(ctx, splitter)
	if streamErr == nil {
		return nil
	}
	splitter.DiscardRemainder()

	if !r.o.settings.StreamFallback || isAbort(streamErr) || isConfigError(streamErr) {
		return r.fail(streamErr, true)
	}

	// Degrade: drop this attempt's segments and ask again without streaming.
	r.o.logger.Warn("chat_stream_fallback",
		"session_id", r.sessionID,
		"segments_dropped", len(r.resp.Messages),
		"error", streamErr,
	)
	if err := r.o.store.Replace(ctx, r.sessionID, r.snapshot); err != nil {
		return fmt.Errorf("restore session %s: %w", r.sessionID, err)
	}
	r.resp.Messages = nil
	r.resp.Reasoning = ""
	r.resp.Degraded = true
	r.o.listener.notice(r.sessionID, Notice{Kind: NoticeStreamFallback, Err: streamErr})
	return r.once(ctx)
}

// consume reads one streaming attempt into the splitter, persisting each
// completed segment as it arrives.
func (r *response) consume(ctx context.Context, splitter *segment.Splitter) error {
	attemptCtx, timer, release := r.attemptContext(ctx)
	defer release()

	var reasoning strings.Builder
	for ev, err := range r.o.engine.stream(attemptCtx, r.cfg, r.env, r.hooks(timer)) {
		if err != nil {
			return err
		}

		switch ev.Type {
		case ai.EventTextDelta:
			r.o.listener.delta(r.sessionID, ev)
			for _, seg := range splitter.Push(ev.Text) {
				if err := r.persist(ctx, seg); err != nil {
					return err
				}
			}
		case ai.EventReasoning:
			reasoning.WriteString(ev.Text)
			r.o.listener.delta(r.sessionID, ev)
		case ai.EventDone:
			if tail := splitter.Flush(); tail != "" {
				if err := r.persist(ctx, tail); err != nil {
					return err
				}
			}
		}
	}
	r.resp.Reasoning = reasoning.String()

	if len(r.resp.Messages) == 0 {
		return ai.ErrEmptyResponse
	}
	return nil
}

func (r *response) persist(ctx context.Context, text string) error {
	msg := Message{
		ID:        uuid.NewString(),
		TurnID:    r.resp.TurnID,
		Role:      ai.RoleAssistant,
		Parts:     []ai.Part{ai.TextPart(text)},
		CreatedAt: r.o.timestamp(),
	}
	if err := r.o.store.Append(ctx, r.sessionID, msg); err != nil {
		return fmt.Errorf("persist segment: %w", err)
	}
	r.resp.Messages = append(r.resp.Messages, msg)
	r.o.listener.segment(r.sessionID, msg)
	return nil
}

// fail wraps err with the diagnostics a user needs to act on it.
func (r *response) fail(err error, streaming bool) error {
	timeout := r.o.settings.ConnectTimeout
	var abortErr *ai.AbortError
	if errors.As(err, &abortErr) && abortErr.Cause == ai.AbortConnectTimeout && abortErr.Timeout == 0 {
		abortErr.Timeout = timeout
	}
	return &ai.GenerationError{
		Provider:       r.cfg.Provider,
		Model:          r.cfg.Model,
		Endpoint:       r.o.engine.endpoint(r.cfg, r.env, streaming),
		Streaming:      streaming,
		ConnectTimeout: timeout,
		Err:            err,
	}
}
