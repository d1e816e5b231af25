package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dataquill/quill-agent/internal/cache"
	"github.com/dataquill/quill-agent/internal/llm"
	"github.com/dataquill/quill-agent/internal/prompts"
	"github.com/dataquill/quill-agent/internal/quota"
	"github.com/dataquill/quill-agent/internal/session"
	"github.com/dataquill/quill-agent/internal/tools"
	"github.com/dataquill/quill-agent/internal/usage"
	"github.com/dataquill/quill-agent/internal/window"
)

// Config bounds the reasoning loop.
type Config struct {
	Model         string        // default model when the request names none
	MaxIterations int           // model/tool cycles per request
	MaxTokens     int           // generation budget passed to the provider
	CacheTTL      time.Duration // 0 disables response caching
}

// Options wires the engine's collaborators. LLM, Registry, Sessions,
// and Window are required; Quota, Cache, and Usage are optional and
// skipped when nil.
type Options struct {
	LLM      llm.Client
	Registry *tools.Registry
	Sessions *session.Store
	Window   *window.Builder
	Quota    *quota.Enforcer
	Cache    cache.Store
	Usage    *usage.Recorder
	Config   Config
	Logger   *slog.Logger
}

// Engine runs the reasoning loop. It is stateless between requests and
// safe for concurrent use.
type Engine struct {
	llm      llm.Client
	registry *tools.Registry
	sessions *session.Store
	window   *window.Builder
	quota    *quota.Enforcer
	cache    cache.Store
	usage    *usage.Recorder
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates a reasoning engine. Zero config fields get defaults.
func NewEngine(opts Options) *Engine {
	cfg := opts.Config
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 8
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		llm:      opts.LLM,
		registry: opts.Registry,
		sessions: opts.Sessions,
		window:   opts.Window,
		quota:    opts.Quota,
		cache:    opts.Cache,
		usage:    opts.Usage,
		cfg:      cfg,
		logger:   logger.With("component", "agent"),
		now:      time.Now,
	}
}

// Process runs one question through the loop to a terminal Result. It
// never panics and never returns nil; failures are carried in
// Result.Err. Context cancellation stops the loop at the next safe
// boundary without persisting partial work.
func (e *Engine) Process(ctx context.Context, req Request) *Result {
	res := &Result{RequestID: newRequestID(), Model: req.Model}
	if res.Model == "" {
		res.Model = e.cfg.Model
	}
	res.Provider = e.llm.Provider(res.Model)

	logger := e.logger.With("request", res.RequestID, "user", req.UserID)
	start := e.now()

	question := sanitizeQuestion(req.Question)
	if question == "" {
		res.Err = &Error{Type: ErrUnknown, Message: "empty question"}
		return res
	}

	// Quota gate. A storage error fails open with a warning; an
	// exhausted budget stops the request before any model call.
	if e.quota != nil {
		st, err := e.quota.Check(ctx, req.UserID)
		switch {
		case err != nil:
			logger.Warn("quota check failed, allowing request", "error", err)
		case st.OverQuota:
			logger.Info("quota exhausted", "used", st.TokensUsed, "limit", st.Limit)
			res.Err = &Error{
				Type:    ErrRateLimit,
				Message: fmt.Sprintf("token quota exhausted: %d of %d used this period", st.TokensUsed, st.Limit),
			}
			return res
		}
	}

	sess, err := e.sessions.GetOrCreateSession(ctx, req.SessionID, req.UserID)
	if err != nil {
		if errors.Is(err, session.ErrUserMismatch) {
			res.Err = &Error{Type: ErrAuthorization, Message: err.Error()}
		} else {
			res.Err = &Error{Type: ErrUnknown, Message: fmt.Sprintf("session: %v", err)}
		}
		return res
	}
	res.SessionID = sess.ID

	// The question goes into the log before assembly; the window
	// deduplicates it against the assembled context so it never
	// appears twice.
	if _, err := e.sessions.AppendMessage(ctx, sess.ID, session.Message{Role: "user", Content: question}); err != nil {
		logger.Warn("persist question failed", "error", err)
	}

	history, err := e.sessions.Messages(ctx, sess.ID)
	if err != nil {
		logger.Warn("load history failed, assembling without it", "error", err)
		history = nil
	}

	asm := e.window.Assemble(history, question)
	if asm.Summarized > 0 {
		logger.Debug("history condensed", "turns", asm.Summarized)
	}

	msgs := make([]llm.Message, 0, len(asm.Messages)+1)
	msgs = append(msgs, llm.Message{Role: "system", Content: prompts.System(e.now())})
	for _, m := range asm.Messages {
		msgs = append(msgs, llm.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			ToolName:   m.ToolName,
		})
	}

	catalog := e.registry.Describe()
	caller := tools.CallerContext{
		UserID:    req.UserID,
		SessionID: sess.ID,
		RequestID: res.RequestID,
		Scopes:    req.Permissions,
	}
	params := map[string]any{"max_tokens": e.cfg.MaxTokens}

	var inTokens, outTokens int

	for iter := 0; iter < e.cfg.MaxIterations; iter++ {
		if ctx.Err() != nil {
			res.Err = &Error{Type: ErrUnknown, Message: "deadline exceeded before completion"}
			return e.finish(ctx, req, res, inTokens, outTokens, logger, start)
		}

		key := cache.Key(promptFingerprint(msgs, catalog), res.Provider, res.Model, params)
		reply, cached := e.lookupCached(ctx, key, res.Model, res.Provider, logger)
		if reply == nil {
			reply, err = e.llm.Chat(ctx, res.Model, msgs, catalog)
			if err != nil {
				res.Err = &Error{Type: ErrModelError, Message: fmt.Sprintf("model call failed: %v", err)}
				res.Iterations = iter + 1
				return e.finish(ctx, req, res, inTokens, outTokens, logger, start)
			}
			inTokens += reply.InputTokens
			outTokens += reply.OutputTokens
		}
		res.Iterations = iter + 1

		if !reply.HasToolCalls() {
			res.Trace = append(res.Trace, TraceStep{Iteration: iter, Action: ActionFinalAnswer})
			answer := strings.TrimSpace(reply.Message.Content)

			if cached {
				res.CacheHit = true
			} else if e.cache != nil && e.cfg.CacheTTL > 0 {
				meta := map[string]string{"model": res.Model, "provider": res.Provider}
				if err := e.cache.Put(ctx, key, answer, meta, e.cfg.CacheTTL); err != nil {
					logger.Warn("cache write failed", "error", err)
				}
			}

			if _, err := e.sessions.AppendMessage(ctx, sess.ID, session.Message{Role: "assistant", Content: answer}); err != nil {
				logger.Warn("persist answer failed", "error", err)
			}

			res.Success = true
			res.Answer = answer
			return e.finish(ctx, req, res, inTokens, outTokens, logger, start)
		}

		calls := reply.Message.ToolCalls
		names := make([]string, len(calls))
		for i, tc := range calls {
			names[i] = tc.Function.Name
		}
		res.Trace = append(res.Trace, TraceStep{Iteration: iter, Action: ActionToolCalls, ToolNames: names})
		logger.Info("executing tools", "iteration", iter, "tools", names)

		msgs = append(msgs, reply.Message)

		results := e.dispatchAll(ctx, calls, caller, logger)
		if ctx.Err() != nil {
			res.Err = &Error{Type: ErrToolError, Message: "deadline exceeded during tool execution"}
			return e.finish(ctx, req, res, inTokens, outTokens, logger, start)
		}

		for _, r := range results {
			content := r.Payload
			if !r.Success {
				content = tools.ErrorPayload(r.Err)
			}
			msgs = append(msgs, llm.Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: r.CallID,
				ToolName:   r.Name,
			})
		}
	}

	res.Err = &Error{
		Type:    ErrMaxIterations,
		Message: fmt.Sprintf("no final answer after %d iterations", e.cfg.MaxIterations),
	}
	return e.finish(ctx, req, res, inTokens, outTokens, logger, start)
}

// finish stamps token totals, records usage, and logs the terminal
// outcome. Every Process return path after session resolution goes
// through here.
func (e *Engine) finish(ctx context.Context, req Request, res *Result, in, out int, logger *slog.Logger, start time.Time) *Result {
	res.TokensUsed = in + out

	if e.usage != nil && (in > 0 || out > 0) {
		rec := usage.Record{
			RequestID:    res.RequestID,
			SessionID:    res.SessionID,
			UserID:       req.UserID,
			Model:        res.Model,
			Provider:     res.Provider,
			InputTokens:  in,
			OutputTokens: out,
			Iterations:   res.Iterations,
		}
		// The record must land even when the request deadline has
		// already fired.
		if err := e.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
			logger.Warn("usage record failed", "error", err)
		}
	}

	attrs := []any{
		"success", res.Success,
		"iterations", res.Iterations,
		"tokens", res.TokensUsed,
		"cache_hit", res.CacheHit,
		"duration", e.now().Sub(start).Round(time.Millisecond).String(),
	}
	if res.Err != nil {
		attrs = append(attrs, "error_type", string(res.Err.Type))
		logger.Warn("request failed", attrs...)
	} else {
		logger.Info("request complete", attrs...)
	}
	return res
}

// lookupCached returns a synthesized final-answer reply on a cache hit,
// or (nil, false) on a miss. Lookup failures degrade to misses; hit
// bookkeeping is best-effort.
func (e *Engine) lookupCached(ctx context.Context, key, model, provider string, logger *slog.Logger) (*llm.ChatResponse, bool) {
	if e.cache == nil || e.cfg.CacheTTL <= 0 {
		return nil, false
	}

	entry, err := e.cache.Lookup(ctx, key)
	if err != nil {
		logger.Warn("cache lookup failed", "error", err)
		return nil, false
	}
	if entry == nil {
		return nil, false
	}

	if err := e.cache.BumpHit(ctx, key); err != nil {
		logger.Debug("cache hit bookkeeping failed", "error", err)
	}
	logger.Debug("cache hit", "key", key[:12])

	return &llm.ChatResponse{
		Model:     model,
		Provider:  provider,
		CreatedAt: entry.CreatedAt,
		Done:      true,
		Message:   llm.Message{Role: "assistant", Content: entry.Response},
	}, true
}

// dispatchAll runs the iteration's tool calls concurrently and returns
// results in request order. Failures, including unknown tool names,
// become failed results fed back to the model; nothing here aborts the
// loop.
func (e *Engine) dispatchAll(ctx context.Context, calls []llm.ToolCall, caller tools.CallerContext, logger *slog.Logger) []tools.CallResult {
	results := make([]tools.CallResult, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for i, tc := range calls {
		g.Go(func() error {
			creq := tools.CallRequest{
				CallID:    tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			}
			result, err := e.registry.Dispatch(gctx, creq, caller)
			if err != nil {
				result = tools.CallResult{CallID: tc.ID, Name: tc.Function.Name, Err: err}
			}
			if !result.Success {
				logger.Warn("tool call failed", "tool", result.Name, "error", result.Err)
			}
			results[i] = result
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; Wait is for completion only

	return results
}

// promptFingerprint renders the full model input as canonical JSON so
// the cache key covers the messages and tool catalog exactly. Map keys
// are emitted sorted, so equal inputs always fingerprint identically.
func promptFingerprint(msgs []llm.Message, catalog []map[string]any) string {
	payload := struct {
		Messages []llm.Message    `json:"messages"`
		Tools    []map[string]any `json:"tools,omitempty"`
	}{msgs, catalog}

	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%+v", payload)
	}
	return string(b)
}

// sanitizeQuestion strips control characters except newline and tab,
// then trims surrounding whitespace.
func sanitizeQuestion(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
