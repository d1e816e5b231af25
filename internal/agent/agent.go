// Package agent implements the reasoning loop that turns a user
// question into a final answer: assemble context, call the model,
// execute requested tools, feed results back, repeat until the model
// answers or the iteration cap is hit.
package agent

import "fmt"

// ErrType classifies terminal request failures. The API layer maps
// these onto HTTP status codes.
type ErrType string

const (
	ErrRateLimit     ErrType = "rate_limit"     // quota exhausted before any model call
	ErrAuthorization ErrType = "authorization"  // caller not allowed (session ownership)
	ErrMaxIterations ErrType = "max_iterations" // loop cap reached without a final answer
	ErrToolError     ErrType = "tool_error"     // aborted during tool execution
	ErrModelError    ErrType = "model_error"    // provider call failed
	ErrUnknown       ErrType = "unknown"        // anything else
)

// Error is a terminal request failure.
type Error struct {
	Type    ErrType `json:"type"`
	Message string  `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Trace step actions.
const (
	ActionToolCalls   = "tool_calls"
	ActionFinalAnswer = "final_answer"
)

// TraceStep records what the model did in one iteration.
type TraceStep struct {
	Iteration int      `json:"iteration"`
	Action    string   `json:"action"`
	ToolNames []string `json:"tool_names,omitempty"`
}

// Request is one question submitted to the engine.
type Request struct {
	Question    string
	SessionID   string // empty means start a new session
	UserID      string
	Permissions []string // dataset read scopes, e.g. "read:orders", "read:*"
	Model       string   // empty means the configured default
}

// Result is the terminal outcome of one request. Exactly one of Answer
// (Success true) or Err (Success false) is meaningful; Trace and token
// accounting are populated either way.
type Result struct {
	Success    bool        `json:"success"`
	Answer     string      `json:"answer,omitempty"`
	Err        *Error      `json:"error,omitempty"`
	Trace      []TraceStep `json:"trace,omitempty"`
	TokensUsed int         `json:"tokens_used"`
	Iterations int         `json:"iterations"`
	Model      string      `json:"model"`
	Provider   string      `json:"provider,omitempty"`
	RequestID  string      `json:"request_id"`
	SessionID  string      `json:"session_id,omitempty"`
	CacheHit   bool        `json:"cache_hit,omitempty"`
}
