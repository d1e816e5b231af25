// Package tools defines the tool registry and dispatch contract for the
// reasoning engine. Every tool implements the same closed contract so the
// catalog can be introspected uniformly and dispatched without reflection.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
)

// Definition describes a tool to the model: its name, what it does, and
// a JSON-schema parameter shape.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
	Category    string
}

// CallerContext carries the identity and permission scope of the request
// a tool call belongs to. It is merged into every dispatch.
type CallerContext struct {
	UserID    string
	SessionID string
	RequestID string
	Scopes    []string // dataset read scopes, e.g. "read:orders" or "read:*"
}

// Allowed reports whether the caller may read the named dataset.
// An empty scope list denies everything; "read:*" allows everything.
func (c CallerContext) Allowed(dataset string) bool {
	return slices.Contains(c.Scopes, "read:*") ||
		slices.Contains(c.Scopes, "read:"+dataset)
}

// Tool is the contract every invocable operation implements.
type Tool interface {
	// Definition returns the static catalog entry for this tool.
	Definition() Definition

	// Invoke executes the tool. The returned string is fed back to the
	// model verbatim. Errors are converted to failed results by Dispatch,
	// never propagated to the loop.
	Invoke(ctx context.Context, args map[string]any, caller CallerContext) (string, error)
}

// CallRequest is one tool invocation requested by the model.
type CallRequest struct {
	CallID    string
	Name      string
	Arguments map[string]any
}

// CallResult is the outcome of exactly one CallRequest, correlated by
// CallID.
type CallResult struct {
	CallID  string
	Name    string
	Success bool
	Payload string // tool output on success
	Err     error  // cause on failure
}

// DuplicatePolicy controls what Register does when a name collides.
type DuplicatePolicy int

const (
	// DuplicateOverwrite replaces the existing tool and logs a warning.
	// This matches the historical behavior and is the default.
	DuplicateOverwrite DuplicatePolicy = iota

	// DuplicateReject makes Register fail with ErrDuplicateTool.
	DuplicateReject
)

// Registry holds the tool catalog. Registration happens at startup;
// afterwards the catalog is read-only and safe for unsynchronized
// concurrent reads.
type Registry struct {
	policy DuplicatePolicy
	tools  map[string]Tool
	order  []string // registration order, for a deterministic catalog
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(policy DuplicatePolicy, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		policy: policy,
		tools:  make(map[string]Tool),
		logger: logger,
	}
}

// Register adds a tool to the registry. Behavior on a duplicate name
// follows the registry's DuplicatePolicy.
func (r *Registry) Register(t Tool) error {
	name := t.Definition().Name
	if name == "" {
		return fmt.Errorf("tool has empty name")
	}

	if _, exists := r.tools[name]; exists {
		if r.policy == DuplicateReject {
			return &DuplicateToolError{Name: name}
		}
		r.logger.Warn("overwriting duplicate tool registration", "tool", name)
		r.tools[name] = t
		return nil
	}

	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	return slices.Clone(r.order)
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.tools)
}

// Describe returns the full catalog in the provider-agnostic function
// shape consumed by the llm layer. Pure over current contents.
func (r *Registry) Describe() []map[string]any {
	out := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		def := r.tools[name].Definition()
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        def.Name,
				"description": def.Description,
				"parameters":  def.Parameters,
			},
		})
	}
	return out
}

// Dispatch invokes the named tool and returns exactly one CallResult.
// Handler errors and panics are captured into a failed result; the
// returned error is non-nil only for registry misuse (unknown tool).
func (r *Registry) Dispatch(ctx context.Context, req CallRequest, caller CallerContext) (CallResult, error) {
	tool, ok := r.tools[req.Name]
	if !ok {
		return CallResult{}, &ToolNotFoundError{Name: req.Name}
	}

	result := CallResult{CallID: req.CallID, Name: req.Name}

	payload, err := r.invoke(ctx, tool, req.Arguments, caller)
	if err != nil {
		result.Err = err
		return result, nil
	}

	result.Success = true
	result.Payload = payload
	return result, nil
}

// invoke runs the tool with panic recovery so a misbehaving handler can
// never take down the reasoning loop.
func (r *Registry) invoke(ctx context.Context, tool Tool, args map[string]any, caller CallerContext) (payload string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool handler panicked",
				"tool", tool.Definition().Name,
				"panic", rec,
			)
			err = fmt.Errorf("tool panicked: %v", rec)
		}
	}()
	return tool.Invoke(ctx, args, caller)
}
