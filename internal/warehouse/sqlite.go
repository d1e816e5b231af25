package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBackend serves datasets out of a SQLite database file. The
// connection is opened read-only so no tool call can mutate the data.
type SQLiteBackend struct {
	db      *sql.DB
	maxRows int
}

// NewSQLiteBackend opens the warehouse database in read-only mode.
// maxRows caps every result set; values <= 0 default to 200.
func NewSQLiteBackend(dbPath string, maxRows int) (*SQLiteBackend, error) {
	if maxRows <= 0 {
		maxRows = 200
	}

	db, err := sql.Open("sqlite3", "file:"+dbPath+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open warehouse database: %w", err)
	}

	return &SQLiteBackend{db: db, maxRows: maxRows}, nil
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

// ListDatasets returns user tables with their row counts.
func (b *SQLiteBackend) ListDatasets(ctx context.Context) ([]Dataset, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master
		 WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan dataset name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	datasets := make([]Dataset, 0, len(names))
	for _, name := range names {
		ds := Dataset{Name: name}
		// Row counts are advisory; a failed count never fails the listing.
		row := b.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %q", name))
		_ = row.Scan(&ds.RowCount)
		datasets = append(datasets, ds)
	}
	return datasets, nil
}

// Schema returns the column layout of one dataset.
func (b *SQLiteBackend) Schema(ctx context.Context, dataset string) ([]Column, error) {
	if !validIdentifier(dataset) {
		return nil, fmt.Errorf("%w: bad dataset name %q", ErrInvalidQuery, dataset)
	}

	rows, err := b.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", dataset))
	if err != nil {
		return nil, fmt.Errorf("table info: %w", err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		cols = append(cols, Column{Name: name, Type: typ, Nullable: notNull == 0})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(cols) == 0 {
		return nil, NotFound(dataset)
	}
	return cols, nil
}

// Query runs a read-only SELECT and returns a bounded result set.
func (b *SQLiteBackend) Query(ctx context.Context, query string) (*QueryResult, error) {
	trimmed := strings.TrimSpace(query)
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return nil, fmt.Errorf("%w: only SELECT statements are allowed", ErrInvalidQuery)
	}
	// Reject multiple statements; the driver would silently run only the
	// first, which is confusing for the model.
	if strings.Contains(strings.TrimSuffix(trimmed, ";"), ";") {
		return nil, fmt.Errorf("%w: multiple statements are not allowed", ErrInvalidQuery)
	}

	rows, err := b.db.QueryContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	defer rows.Close()

	return b.collect(rows)
}

// Sample returns up to n rows from a dataset.
func (b *SQLiteBackend) Sample(ctx context.Context, dataset string, n int) (*QueryResult, error) {
	if !validIdentifier(dataset) {
		return nil, fmt.Errorf("%w: bad dataset name %q", ErrInvalidQuery, dataset)
	}
	if n <= 0 || n > b.maxRows {
		n = 10
	}

	rows, err := b.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %q LIMIT %d", dataset, n))
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return nil, NotFound(dataset)
		}
		return nil, fmt.Errorf("sample %q: %w", dataset, err)
	}
	defer rows.Close()

	return b.collect(rows)
}

// collect drains rows into a stringified result, capped at maxRows.
func (b *SQLiteBackend) collect(rows *sql.Rows) (*QueryResult, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("result columns: %w", err)
	}

	result := &QueryResult{Columns: cols}
	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}

	for rows.Next() {
		if len(result.Rows) >= b.maxRows {
			result.Truncated = true
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make([]string, len(cols))
		for i, v := range raw {
			row[i] = stringify(v)
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// stringify renders a driver value for the model. NULL becomes an empty
// string; byte slices are assumed to be UTF-8 text.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(val)
	case string:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validIdentifier reports whether s is safe to embed as a quoted
// table name.
func validIdentifier(s string) bool {
	return identifierRe.MatchString(s)
}
