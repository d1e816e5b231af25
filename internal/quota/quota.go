// Package quota enforces per-user token budgets over rolling wall-clock
// periods. Checks happen before any model call; consumption is recorded
// with atomic increments so concurrent requests never lose updates.
package quota

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Period is the wall-clock window token consumption aggregates over.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// Status is the result of a quota check.
type Status struct {
	OverQuota  bool
	TokensUsed int64
	Limit      int64 // 0 means unlimited
	Remaining  int64 // 0 when unlimited or exhausted
}

// Config holds quota policy.
type Config struct {
	Period       Period
	DefaultLimit int64            // 0 = unlimited
	Limits       map[string]int64 // per-user overrides; 0 = unlimited
}

// Enforcer checks and records per-user token consumption. One row exists
// per (user, period); increments are atomic at the storage layer.
type Enforcer struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewEnforcer creates a quota enforcer at the given database path.
func NewEnforcer(dbPath string, cfg Config, logger *slog.Logger) (*Enforcer, error) {
	if cfg.Period == "" {
		cfg.Period = PeriodDaily
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open quota database: %w", err)
	}

	e := &Enforcer{db: db, cfg: cfg, logger: logger, now: time.Now}
	if err := e.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate quota schema: %w", err)
	}
	return e, nil
}

// Close closes the database connection.
func (e *Enforcer) Close() error {
	return e.db.Close()
}

func (e *Enforcer) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS quota_records (
		user_id         TEXT NOT NULL,
		period_start    TEXT NOT NULL,
		period_end      TEXT NOT NULL,
		tokens_consumed INTEGER NOT NULL DEFAULT 0,
		requests_count  INTEGER NOT NULL DEFAULT 0,
		last_provider   TEXT,
		last_model      TEXT,
		PRIMARY KEY (user_id, period_start)
	);
	`
	_, err := e.db.Exec(schema)
	return err
}

// limitFor resolves the configured token limit for a user. 0 = unlimited.
func (e *Enforcer) limitFor(userID string) int64 {
	if limit, ok := e.cfg.Limits[userID]; ok {
		return limit
	}
	return e.cfg.DefaultLimit
}

// Check returns the user's quota status for the current period. Callers
// must short-circuit before invoking the model when OverQuota is true.
func (e *Enforcer) Check(ctx context.Context, userID string) (Status, error) {
	limit := e.limitFor(userID)
	if limit <= 0 {
		return Status{Limit: 0}, nil
	}

	start, _ := PeriodBounds(e.now().UTC(), e.cfg.Period)

	var used int64
	err := e.db.QueryRowContext(ctx,
		`SELECT tokens_consumed FROM quota_records WHERE user_id = ? AND period_start = ?`,
		userID, start.Format(time.RFC3339),
	).Scan(&used)
	if err != nil && err != sql.ErrNoRows {
		return Status{}, fmt.Errorf("read quota record: %w", err)
	}

	st := Status{
		TokensUsed: used,
		Limit:      limit,
		OverQuota:  used >= limit,
	}
	if !st.OverQuota {
		st.Remaining = limit - used
	}
	return st, nil
}

// Record accumulates consumed tokens into the current period's record,
// creating it when absent. The increment is a single atomic SQL update,
// never read-modify-write.
func (e *Enforcer) Record(ctx context.Context, userID string, tokens int, provider, model string) error {
	if tokens < 0 {
		return fmt.Errorf("negative token count %d", tokens)
	}

	start, end := PeriodBounds(e.now().UTC(), e.cfg.Period)

	_, err := e.db.ExecContext(ctx,
		`INSERT INTO quota_records
			(user_id, period_start, period_end, tokens_consumed, requests_count, last_provider, last_model)
		 VALUES (?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT(user_id, period_start) DO UPDATE SET
			tokens_consumed = tokens_consumed + excluded.tokens_consumed,
			requests_count  = requests_count + 1,
			last_provider   = excluded.last_provider,
			last_model      = excluded.last_model`,
		userID, start.Format(time.RFC3339), end.Format(time.RFC3339),
		tokens, provider, model,
	)
	if err != nil {
		return fmt.Errorf("record quota usage: %w", err)
	}
	return nil
}

// PeriodBounds computes the [start, end) wall-clock window containing t.
func PeriodBounds(t time.Time, p Period) (time.Time, time.Time) {
	t = t.UTC()
	switch p {
	case PeriodMonthly:
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	default:
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	}
}
