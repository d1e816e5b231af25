package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/dataquill/quill-agent/internal/warehouse"
)

// RegisterDataTools adds the data-discovery and query tools backed by
// the warehouse. maxCells caps formatted result output; 0 means the
// default of 2000.
func RegisterDataTools(r *Registry, backend warehouse.Backend, maxCells int) error {
	if maxCells <= 0 {
		maxCells = 2000
	}
	for _, t := range []Tool{
		&listDatasetsTool{backend: backend},
		&getSchemaTool{backend: backend},
		&queryDataTool{backend: backend, maxCells: maxCells},
		&sampleRowsTool{backend: backend, maxCells: maxCells},
	} {
		if err := r.Register(t); err != nil {
			return fmt.Errorf("register %s: %w", t.Definition().Name, err)
		}
	}
	return nil
}

// listDatasetsTool enumerates datasets the caller can read.
type listDatasetsTool struct {
	backend warehouse.Backend
}

func (t *listDatasetsTool) Definition() Definition {
	return Definition{
		Name:        "list_datasets",
		Description: "List the datasets available to the user. Use this first to discover what data exists before writing queries.",
		Category:    "discovery",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	}
}

func (t *listDatasetsTool) Invoke(ctx context.Context, args map[string]any, caller CallerContext) (string, error) {
	datasets, err := t.backend.ListDatasets(ctx)
	if err != nil {
		return "", err
	}

	var visible []warehouse.Dataset
	for _, ds := range datasets {
		if caller.Allowed(ds.Name) {
			visible = append(visible, ds)
		}
	}

	if len(visible) == 0 {
		return "No datasets are available to this user.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d dataset(s):\n", len(visible))
	for _, ds := range visible {
		fmt.Fprintf(&b, "- %s (%d rows)", ds.Name, ds.RowCount)
		if ds.Description != "" {
			fmt.Fprintf(&b, ": %s", ds.Description)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

// getSchemaTool describes one dataset's columns.
type getSchemaTool struct {
	backend warehouse.Backend
}

func (t *getSchemaTool) Definition() Definition {
	return Definition{
		Name:        "get_schema",
		Description: "Get the column names and types of a dataset. Use before writing a query against it.",
		Category:    "discovery",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"dataset": map[string]any{
					"type":        "string",
					"description": "The dataset name, as returned by list_datasets",
				},
			},
			"required": []string{"dataset"},
		},
	}
}

func (t *getSchemaTool) Invoke(ctx context.Context, args map[string]any, caller CallerContext) (string, error) {
	dataset, err := stringArg(args, "dataset")
	if err != nil {
		return "", err
	}
	if !caller.Allowed(dataset) {
		return "", fmt.Errorf("%w: dataset %q", ErrPermissionDenied, dataset)
	}

	cols, err := t.backend.Schema(ctx, dataset)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Schema of %s (%d columns):\n", dataset, len(cols))
	for _, c := range cols {
		null := "NOT NULL"
		if c.Nullable {
			null = "NULL"
		}
		fmt.Fprintf(&b, "- %s %s %s\n", c.Name, c.Type, null)
	}
	return b.String(), nil
}

// queryDataTool runs a read-only SQL query.
type queryDataTool struct {
	backend  warehouse.Backend
	maxCells int
}

func (t *queryDataTool) Definition() Definition {
	return Definition{
		Name:        "query_data",
		Description: "Run a read-only SQL SELECT against the warehouse and return the result rows. Results are capped; aggregate where possible.",
		Category:    "query",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sql": map[string]any{
					"type":        "string",
					"description": "A single SELECT statement",
				},
			},
			"required": []string{"sql"},
		},
	}
}

func (t *queryDataTool) Invoke(ctx context.Context, args map[string]any, caller CallerContext) (string, error) {
	query, err := stringArg(args, "sql")
	if err != nil {
		return "", err
	}

	// The caller's scopes gate every dataset the query touches. Matching
	// referenced tables by name is approximate but errs toward denial.
	datasets, err := t.backend.ListDatasets(ctx)
	if err != nil {
		return "", err
	}
	lowered := strings.ToLower(query)
	for _, ds := range datasets {
		if strings.Contains(lowered, strings.ToLower(ds.Name)) && !caller.Allowed(ds.Name) {
			return "", fmt.Errorf("%w: dataset %q", ErrPermissionDenied, ds.Name)
		}
	}

	result, err := t.backend.Query(ctx, query)
	if err != nil {
		return "", err
	}
	return formatResult(result, t.maxCells), nil
}

// sampleRowsTool returns a handful of rows from a dataset.
type sampleRowsTool struct {
	backend  warehouse.Backend
	maxCells int
}

func (t *sampleRowsTool) Definition() Definition {
	return Definition{
		Name:        "sample_rows",
		Description: "Fetch a few example rows from a dataset to see what the data looks like.",
		Category:    "discovery",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"dataset": map[string]any{
					"type":        "string",
					"description": "The dataset name",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Number of rows to fetch (default 10)",
				},
			},
			"required": []string{"dataset"},
		},
	}
}

func (t *sampleRowsTool) Invoke(ctx context.Context, args map[string]any, caller CallerContext) (string, error) {
	dataset, err := stringArg(args, "dataset")
	if err != nil {
		return "", err
	}
	if !caller.Allowed(dataset) {
		return "", fmt.Errorf("%w: dataset %q", ErrPermissionDenied, dataset)
	}

	limit := 10
	if l, ok := args["limit"].(float64); ok {
		limit = int(l)
	}

	result, err := t.backend.Sample(ctx, dataset, limit)
	if err != nil {
		return "", err
	}
	return formatResult(result, t.maxCells), nil
}

// stringArg extracts a required string argument.
func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: %q is required and must be a string", ErrInvalidArgument, key)
	}
	return v, nil
}

// formatResult renders a query result as a pipe-separated table the
// model can read back. Output is capped at maxCells total cells on top
// of the backend's own row cap.
func formatResult(result *warehouse.QueryResult, maxCells int) string {
	if len(result.Rows) == 0 {
		return "The query returned no rows."
	}

	rows := result.Rows
	truncated := result.Truncated
	if maxCells > 0 && len(result.Columns) > 0 {
		if limit := maxCells / len(result.Columns); limit > 0 && len(rows) > limit {
			rows = rows[:limit]
			truncated = true
		}
	}

	var b strings.Builder
	b.WriteString(strings.Join(result.Columns, " | "))
	b.WriteString("\n")
	for _, row := range rows {
		b.WriteString(strings.Join(row, " | "))
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "(%d rows", len(rows))
	if truncated {
		b.WriteString(", truncated")
	}
	b.WriteString(")")
	return b.String()
}
