// Sentinel error types and the failure taxonomy for tool execution.
// Classified categories drive the recovery suggestion appended to error
// payloads fed back to the model.
package tools

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dataquill/quill-agent/internal/warehouse"
)

// ToolNotFoundError is returned by Dispatch when a call targets a tool
// that is not in the registry. This is registry misuse, not a transient
// execution failure.
type ToolNotFoundError struct {
	Name string
}

// Error implements the error interface.
func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q is not registered", e.Name)
}

// DuplicateToolError is returned by Register under DuplicateReject when
// a tool name is already taken.
type DuplicateToolError struct {
	Name string
}

// Error implements the error interface.
func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool %q is already registered", e.Name)
}

// ErrPermissionDenied signals that the caller's scopes do not cover the
// requested dataset.
var ErrPermissionDenied = errors.New("permission denied")

// ErrInvalidArgument signals a missing or malformed tool argument.
var ErrInvalidArgument = errors.New("invalid argument")

// Category buckets tool failures for error reporting and recovery hints.
type Category string

const (
	CategoryNotFound     Category = "not-found"
	CategoryPermission   Category = "permission-denied"
	CategoryInvalidInput Category = "invalid-input"
	CategoryOther        Category = "other"
)

// Classify maps a tool failure to its category.
func Classify(err error) Category {
	var notFound *ToolNotFoundError
	switch {
	case errors.As(err, &notFound),
		errors.Is(err, warehouse.ErrDatasetNotFound):
		return CategoryNotFound
	case errors.Is(err, ErrPermissionDenied):
		return CategoryPermission
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, warehouse.ErrInvalidQuery):
		return CategoryInvalidInput
	default:
		return CategoryOther
	}
}

// Suggestion returns a short recovery hint for the model, appended to
// error payloads so it can retry differently or give up gracefully.
func Suggestion(cat Category) string {
	switch cat {
	case CategoryNotFound:
		return "Check the name for typos, or call list_datasets to discover what exists."
	case CategoryPermission:
		return "The user does not have access to this data. Answer with what is available, or say so."
	case CategoryInvalidInput:
		return "Check the argument types and required fields against the tool's schema, then retry."
	default:
		return "This may be transient. Retry once, or continue without this result."
	}
}

// ErrorPayload formats a failure for the model: category, message, and
// the category's recovery suggestion.
func ErrorPayload(err error) string {
	cat := Classify(err)
	var b strings.Builder
	fmt.Fprintf(&b, "Error (%s): %v\n", cat, err)
	b.WriteString(Suggestion(cat))
	return b.String()
}
