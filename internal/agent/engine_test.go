package agent

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dataquill/quill-agent/internal/cache"
	"github.com/dataquill/quill-agent/internal/llm"
	"github.com/dataquill/quill-agent/internal/quota"
	"github.com/dataquill/quill-agent/internal/session"
	"github.com/dataquill/quill-agent/internal/tools"
	"github.com/dataquill/quill-agent/internal/usage"
	"github.com/dataquill/quill-agent/internal/window"
)

// scriptedClient replays canned replies in order and records the
// messages of every call. When the script runs out, the last reply
// repeats.
type scriptedClient struct {
	mu      sync.Mutex
	replies []*llm.ChatResponse
	err     error
	calls   int
	seen    [][]llm.Message
}

func (c *scriptedClient) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seen = append(c.seen, slices.Clone(messages))
	if c.err != nil {
		return nil, c.err
	}
	i := c.calls
	c.calls++
	if i >= len(c.replies) {
		i = len(c.replies) - 1
	}
	return c.replies[i], nil
}

func (c *scriptedClient) Provider(model string) string { return "scripted" }

func (c *scriptedClient) Ping(ctx context.Context) error { return nil }

func finalReply(content string, in, out int) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Provider:     "scripted",
		Done:         true,
		Message:      llm.Message{Role: "assistant", Content: content},
		InputTokens:  in,
		OutputTokens: out,
	}
}

func toolReply(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Provider:     "scripted",
		Done:         true,
		Message:      llm.Message{Role: "assistant", ToolCalls: calls},
		InputTokens:  10,
		OutputTokens: 5,
	}
}

func call(id, name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: id, Function: llm.FunctionCall{Name: name, Arguments: args}}
}

// echoTool returns its "text" argument.
type echoTool struct{}

func (echoTool) Definition() tools.Definition {
	return tools.Definition{Name: "echo", Parameters: map[string]any{"type": "object"}}
}

func (echoTool) Invoke(ctx context.Context, args map[string]any, caller tools.CallerContext) (string, error) {
	text, _ := args["text"].(string)
	return text, nil
}

type testEnv struct {
	engine   *Engine
	sessions *session.Store
	enforcer *quota.Enforcer
}

func newTestEnv(t *testing.T, client llm.Client, mutate func(*Options)) *testEnv {
	t.Helper()
	dir := t.TempDir()

	sessions, err := session.NewStore(filepath.Join(dir, "sessions.db"))
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	t.Cleanup(func() { sessions.Close() })

	registry := tools.NewRegistry(tools.DuplicateOverwrite, nil)
	if err := registry.Register(echoTool{}); err != nil {
		t.Fatalf("register echo: %v", err)
	}

	opts := Options{
		LLM:      client,
		Registry: registry,
		Sessions: sessions,
		Window:   window.New(window.Config{}, nil),
		Config:   Config{Model: "test-model", MaxIterations: 3},
	}
	if mutate != nil {
		mutate(&opts)
	}

	env := &testEnv{engine: NewEngine(opts), sessions: sessions, enforcer: opts.Quota}
	return env
}

func TestImmediateFinalAnswer(t *testing.T) {
	client := &scriptedClient{replies: []*llm.ChatResponse{finalReply("There are 3 orders.", 10, 5)}}
	env := newTestEnv(t, client, nil)

	res := env.engine.Process(context.Background(), Request{
		Question: "how many orders?",
		UserID:   "alice",
	})

	if !res.Success {
		t.Fatalf("result not successful: %+v", res.Err)
	}
	if res.Answer != "There are 3 orders." {
		t.Errorf("Answer = %q", res.Answer)
	}
	if res.Iterations != 1 || client.calls != 1 {
		t.Errorf("iterations/calls = %d/%d, want 1/1", res.Iterations, client.calls)
	}
	if res.TokensUsed != 15 {
		t.Errorf("TokensUsed = %d, want 15", res.TokensUsed)
	}
	if len(res.Trace) != 1 || res.Trace[0].Action != ActionFinalAnswer {
		t.Errorf("Trace = %+v", res.Trace)
	}

	// Question and answer are both persisted to the session log.
	msgs, err := env.sessions.Messages(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("session log = %+v", msgs)
	}
}

func TestToolCallThenAnswer(t *testing.T) {
	client := &scriptedClient{replies: []*llm.ChatResponse{
		toolReply(call("call_0", "echo", map[string]any{"text": "3 rows"})),
		finalReply("Three.", 10, 5),
	}}
	env := newTestEnv(t, client, nil)

	res := env.engine.Process(context.Background(), Request{Question: "count?", UserID: "alice"})

	if !res.Success || res.Iterations != 2 {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Trace) != 2 ||
		res.Trace[0].Action != ActionToolCalls ||
		res.Trace[1].Action != ActionFinalAnswer {
		t.Fatalf("Trace = %+v", res.Trace)
	}
	if !slices.Equal(res.Trace[0].ToolNames, []string{"echo"}) {
		t.Errorf("ToolNames = %v", res.Trace[0].ToolNames)
	}

	// The second model call must carry the tool result, correlated by
	// call ID.
	second := client.seen[1]
	var toolMsg *llm.Message
	for i := range second {
		if second[i].Role == "tool" {
			toolMsg = &second[i]
		}
	}
	if toolMsg == nil {
		t.Fatalf("no tool message in second call: %+v", second)
	}
	if toolMsg.Content != "3 rows" || toolMsg.ToolCallID != "call_0" || toolMsg.ToolName != "echo" {
		t.Errorf("tool message = %+v", toolMsg)
	}
}

func TestParallelToolResultsKeepOrder(t *testing.T) {
	client := &scriptedClient{replies: []*llm.ChatResponse{
		toolReply(
			call("call_0", "echo", map[string]any{"text": "first"}),
			call("call_1", "echo", map[string]any{"text": "second"}),
		),
		finalReply("done", 1, 1),
	}}
	env := newTestEnv(t, client, nil)

	res := env.engine.Process(context.Background(), Request{Question: "q", UserID: "alice"})
	if !res.Success {
		t.Fatalf("result = %+v", res.Err)
	}

	var got []string
	for _, m := range client.seen[1] {
		if m.Role == "tool" {
			got = append(got, m.Content)
		}
	}
	if !slices.Equal(got, []string{"first", "second"}) {
		t.Errorf("tool results out of order: %v", got)
	}
}

func TestMaxIterationsReached(t *testing.T) {
	// The model asks for tools forever.
	client := &scriptedClient{replies: []*llm.ChatResponse{
		toolReply(call("call_0", "echo", map[string]any{"text": "again"})),
	}}
	env := newTestEnv(t, client, nil)

	res := env.engine.Process(context.Background(), Request{Question: "q", UserID: "alice"})

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Err == nil || res.Err.Type != ErrMaxIterations {
		t.Fatalf("Err = %+v, want max_iterations", res.Err)
	}
	if client.calls != 3 {
		t.Errorf("model calls = %d, want exactly MaxIterations", client.calls)
	}
	if res.Iterations != 3 || len(res.Trace) != 3 {
		t.Errorf("Iterations/Trace = %d/%d, partial trace must be preserved", res.Iterations, len(res.Trace))
	}
}

func TestUnknownToolFedBackToModel(t *testing.T) {
	client := &scriptedClient{replies: []*llm.ChatResponse{
		toolReply(call("call_0", "get_dtasets", nil)),
		finalReply("I misspelled the tool.", 1, 1),
	}}
	env := newTestEnv(t, client, nil)

	res := env.engine.Process(context.Background(), Request{Question: "q", UserID: "alice"})
	if !res.Success {
		t.Fatalf("unknown tool must not abort the loop: %+v", res.Err)
	}

	var toolMsg string
	for _, m := range client.seen[1] {
		if m.Role == "tool" {
			toolMsg = m.Content
		}
	}
	if !strings.Contains(toolMsg, "not-found") || !strings.Contains(toolMsg, "get_dtasets") {
		t.Errorf("error payload not fed back: %q", toolMsg)
	}
}

func TestFailingToolFedBackToModel(t *testing.T) {
	client := &scriptedClient{replies: []*llm.ChatResponse{
		toolReply(call("call_0", "flaky", nil)),
		finalReply("recovered", 1, 1),
	}}
	env := newTestEnv(t, client, func(o *Options) {
		o.Registry.Register(failingTool{})
	})

	res := env.engine.Process(context.Background(), Request{Question: "q", UserID: "alice"})
	if !res.Success {
		t.Fatalf("tool failure must not abort the loop: %+v", res.Err)
	}

	var toolMsg string
	for _, m := range client.seen[1] {
		if m.Role == "tool" {
			toolMsg = m.Content
		}
	}
	if !strings.Contains(toolMsg, "Error") {
		t.Errorf("failure payload not fed back: %q", toolMsg)
	}
}

type failingTool struct{}

func (failingTool) Definition() tools.Definition {
	return tools.Definition{Name: "flaky", Parameters: map[string]any{"type": "object"}}
}

func (failingTool) Invoke(context.Context, map[string]any, tools.CallerContext) (string, error) {
	return "", errors.New("backend unavailable")
}

func TestModelFailure(t *testing.T) {
	client := &scriptedClient{err: errors.New("connection refused")}
	env := newTestEnv(t, client, nil)

	res := env.engine.Process(context.Background(), Request{Question: "q", UserID: "alice"})

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Err.Type != ErrModelError {
		t.Errorf("Err.Type = %s, want model_error", res.Err.Type)
	}
}

func TestEmptyQuestionRejected(t *testing.T) {
	client := &scriptedClient{replies: []*llm.ChatResponse{finalReply("?", 1, 1)}}
	env := newTestEnv(t, client, nil)

	res := env.engine.Process(context.Background(), Request{Question: "  \x00\x1b  ", UserID: "alice"})

	if res.Success {
		t.Fatal("expected failure")
	}
	if client.calls != 0 {
		t.Error("model called for an empty question")
	}
}

func TestQuotaShortCircuit(t *testing.T) {
	client := &scriptedClient{replies: []*llm.ChatResponse{finalReply("hi", 1, 1)}}

	dir := t.TempDir()
	enforcer, err := quota.NewEnforcer(filepath.Join(dir, "quota.db"),
		quota.Config{Period: quota.PeriodDaily, DefaultLimit: 10}, nil)
	if err != nil {
		t.Fatalf("enforcer: %v", err)
	}
	t.Cleanup(func() { enforcer.Close() })
	if err := enforcer.Record(context.Background(), "alice", 20, "scripted", "test-model"); err != nil {
		t.Fatalf("seed quota: %v", err)
	}

	env := newTestEnv(t, client, func(o *Options) { o.Quota = enforcer })

	res := env.engine.Process(context.Background(), Request{Question: "q", UserID: "alice"})

	if res.Success || res.Err.Type != ErrRateLimit {
		t.Fatalf("result = %+v, want rate_limit", res)
	}
	if client.calls != 0 {
		t.Error("model called despite exhausted quota")
	}
}

func TestSessionOwnershipEnforced(t *testing.T) {
	client := &scriptedClient{replies: []*llm.ChatResponse{finalReply("hi", 1, 1)}}
	env := newTestEnv(t, client, nil)

	sess, err := env.sessions.GetOrCreateSession(context.Background(), "", "alice")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	res := env.engine.Process(context.Background(), Request{
		Question:  "q",
		SessionID: sess.ID,
		UserID:    "mallory",
	})

	if res.Success || res.Err.Type != ErrAuthorization {
		t.Fatalf("result = %+v, want authorization failure", res)
	}
	if client.calls != 0 {
		t.Error("model called for a foreign session")
	}
}

func TestRepeatQuestionServedFromCache(t *testing.T) {
	client := &scriptedClient{replies: []*llm.ChatResponse{finalReply("Three orders.", 10, 5)}}

	store, err := cache.NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("cache store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	env := newTestEnv(t, client, func(o *Options) {
		o.Cache = store
		o.Config.CacheTTL = time.Hour
	})

	first := env.engine.Process(context.Background(), Request{Question: "how many orders?", UserID: "alice"})
	if !first.Success || first.CacheHit {
		t.Fatalf("first result = %+v", first)
	}
	if client.calls != 1 {
		t.Fatalf("model calls after first request = %d", client.calls)
	}

	// Same question in a fresh session assembles the same prompt, so the
	// answer comes from the cache without a model call.
	second := env.engine.Process(context.Background(), Request{Question: "how many orders?", UserID: "alice"})
	if !second.Success {
		t.Fatalf("second result = %+v", second.Err)
	}
	if !second.CacheHit {
		t.Error("second identical request missed the cache")
	}
	if client.calls != 1 {
		t.Errorf("model calls = %d, cached request must not call the model", client.calls)
	}
	if second.Answer != first.Answer {
		t.Errorf("cached answer %q differs from original %q", second.Answer, first.Answer)
	}
	if second.TokensUsed != 0 {
		t.Errorf("cached request consumed %d tokens", second.TokensUsed)
	}
}

func TestUsageRecordedAndQuotaFed(t *testing.T) {
	client := &scriptedClient{replies: []*llm.ChatResponse{finalReply("hi", 10, 5)}}

	dir := t.TempDir()
	usageStore, err := usage.NewStore(filepath.Join(dir, "usage.db"))
	if err != nil {
		t.Fatalf("usage store: %v", err)
	}
	t.Cleanup(func() { usageStore.Close() })

	enforcer, err := quota.NewEnforcer(filepath.Join(dir, "quota.db"),
		quota.Config{Period: quota.PeriodDaily, DefaultLimit: 1000}, nil)
	if err != nil {
		t.Fatalf("enforcer: %v", err)
	}
	t.Cleanup(func() { enforcer.Close() })

	env := newTestEnv(t, client, func(o *Options) {
		o.Quota = enforcer
		o.Usage = usage.NewRecorder(usageStore, enforcer, nil, nil)
	})

	res := env.engine.Process(context.Background(), Request{Question: "q", UserID: "alice"})
	if !res.Success {
		t.Fatalf("result = %+v", res.Err)
	}

	st, err := enforcer.Check(context.Background(), "alice")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if st.TokensUsed != 15 {
		t.Errorf("quota saw %d tokens, want 15", st.TokensUsed)
	}

	sum, err := usageStore.Summary(context.Background(),
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.TotalRecords != 1 || sum.TotalInputTokens != 10 || sum.TotalOutputTokens != 5 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestSanitizeQuestion(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"trimmed", "  hello  ", "hello"},
		{"keeps newline and tab", "a\nb\tc", "a\nb\tc"},
		{"strips control bytes", "a\x00b\x1bc", "abc"},
		{"only control bytes", "\x00\x07", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeQuestion(tt.in); got != tt.want {
				t.Errorf("sanitizeQuestion(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestPromptFingerprintDeterministic(t *testing.T) {
	msgs := []llm.Message{
		{Role: "system", Content: "s"},
		{Role: "user", Content: "q"},
	}
	catalog := []map[string]any{{
		"type": "function",
		"function": map[string]any{
			"name":       "echo",
			"parameters": map[string]any{"type": "object"},
		},
	}}

	a := promptFingerprint(msgs, catalog)
	b := promptFingerprint(slices.Clone(msgs), catalog)
	if a != b {
		t.Errorf("fingerprint unstable:\n%s\n%s", a, b)
	}

	c := promptFingerprint(append(slices.Clone(msgs), llm.Message{Role: "user", Content: "more"}), catalog)
	if a == c {
		t.Error("different messages produced the same fingerprint")
	}
}

func TestErrorString(t *testing.T) {
	e := &Error{Type: ErrRateLimit, Message: "token quota exhausted"}
	if got := e.Error(); !strings.Contains(got, "rate_limit") || !strings.Contains(got, "exhausted") {
		t.Errorf("Error() = %q", got)
	}
}
