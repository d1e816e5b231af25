// Package warehouse provides the queryable data backend the agent's
// tools operate against. The agent core treats it as opaque: tools call
// the Backend interface and format its results for the model.
package warehouse

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors recognized by the tool error taxonomy.
var (
	// ErrDatasetNotFound is returned when a named dataset does not exist.
	ErrDatasetNotFound = errors.New("dataset not found")

	// ErrInvalidQuery is returned for statements the backend refuses to
	// run (non-SELECT, malformed identifiers, syntax errors).
	ErrInvalidQuery = errors.New("invalid query")
)

// Dataset describes one queryable table.
type Dataset struct {
	Name        string
	Description string
	RowCount    int64
}

// Column describes one column of a dataset's schema.
type Column struct {
	Name     string
	Type     string
	Nullable bool
}

// QueryResult holds a bounded, stringified result set.
type QueryResult struct {
	Columns   []string
	Rows      [][]string
	Truncated bool // true when the row cap cut off results
}

// Backend is the data-discovery and query contract tools are built on.
type Backend interface {
	// ListDatasets returns the catalog of queryable datasets.
	ListDatasets(ctx context.Context) ([]Dataset, error)

	// Schema returns the column layout of one dataset.
	// Fails with ErrDatasetNotFound for unknown names.
	Schema(ctx context.Context, dataset string) ([]Column, error)

	// Query runs a read-only SQL statement and returns a bounded result.
	// Fails with ErrInvalidQuery for anything that is not a SELECT.
	Query(ctx context.Context, query string) (*QueryResult, error)

	// Sample returns up to n rows from a dataset.
	Sample(ctx context.Context, dataset string, n int) (*QueryResult, error)
}

// NotFound wraps a dataset name in ErrDatasetNotFound.
func NotFound(dataset string) error {
	return fmt.Errorf("%w: %q", ErrDatasetNotFound, dataset)
}
