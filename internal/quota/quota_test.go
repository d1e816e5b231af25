package quota

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testEnforcer(t *testing.T, cfg Config) *Enforcer {
	t.Helper()
	e, err := NewEnforcer(filepath.Join(t.TempDir(), "quota.db"), cfg, nil)
	if err != nil {
		t.Fatalf("create enforcer: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestCheckUnlimitedByDefault(t *testing.T) {
	e := testEnforcer(t, Config{Period: PeriodDaily})

	st, err := e.Check(context.Background(), "alice")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if st.OverQuota {
		t.Error("unlimited user reported over quota")
	}
	if st.Limit != 0 {
		t.Errorf("Limit = %d, want 0 (unlimited)", st.Limit)
	}
}

func TestCheckTracksConsumption(t *testing.T) {
	e := testEnforcer(t, Config{Period: PeriodDaily, DefaultLimit: 1000})
	ctx := context.Background()

	if err := e.Record(ctx, "alice", 400, "ollama", "qwen3:4b"); err != nil {
		t.Fatalf("record: %v", err)
	}

	st, err := e.Check(ctx, "alice")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if st.OverQuota {
		t.Error("under-limit user reported over quota")
	}
	if st.TokensUsed != 400 || st.Remaining != 600 {
		t.Errorf("used/remaining = %d/%d, want 400/600", st.TokensUsed, st.Remaining)
	}
}

func TestCheckOverQuota(t *testing.T) {
	e := testEnforcer(t, Config{Period: PeriodDaily, DefaultLimit: 100})
	ctx := context.Background()

	if err := e.Record(ctx, "alice", 150, "ollama", "qwen3:4b"); err != nil {
		t.Fatalf("record: %v", err)
	}

	st, err := e.Check(ctx, "alice")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !st.OverQuota {
		t.Errorf("expected over quota: %+v", st)
	}
	if st.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0 when exhausted", st.Remaining)
	}
}

func TestPerUserOverride(t *testing.T) {
	e := testEnforcer(t, Config{
		Period:       PeriodDaily,
		DefaultLimit: 100,
		Limits:       map[string]int64{"bob": 0, "carol": 10},
	})
	ctx := context.Background()

	if err := e.Record(ctx, "bob", 5000, "ollama", "qwen3:4b"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := e.Record(ctx, "carol", 20, "ollama", "qwen3:4b"); err != nil {
		t.Fatalf("record: %v", err)
	}

	if st, _ := e.Check(ctx, "bob"); st.OverQuota {
		t.Error("bob has an explicit unlimited override but is over quota")
	}
	if st, _ := e.Check(ctx, "carol"); !st.OverQuota {
		t.Error("carol exceeded her 10-token override but is not over quota")
	}
}

func TestConcurrentRecordsLoseNothing(t *testing.T) {
	e := testEnforcer(t, Config{Period: PeriodDaily, DefaultLimit: 1_000_000})
	ctx := context.Background()

	const workers = 10
	const tokens = 50

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.Record(ctx, "alice", tokens, "ollama", "qwen3:4b"); err != nil {
				t.Errorf("record: %v", err)
			}
		}()
	}
	wg.Wait()

	st, err := e.Check(ctx, "alice")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if st.TokensUsed != workers*tokens {
		t.Errorf("TokensUsed = %d, want %d", st.TokensUsed, workers*tokens)
	}
}

func TestRecordRejectsNegativeTokens(t *testing.T) {
	e := testEnforcer(t, Config{Period: PeriodDaily})
	if err := e.Record(context.Background(), "alice", -1, "ollama", "qwen3:4b"); err == nil {
		t.Error("negative token count accepted")
	}
}

func TestPeriodBounds(t *testing.T) {
	at := time.Date(2026, time.August, 15, 13, 45, 0, 0, time.UTC)

	tests := []struct {
		name      string
		period    Period
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			"daily", PeriodDaily,
			time.Date(2026, time.August, 15, 0, 0, 0, 0, time.UTC),
			time.Date(2026, time.August, 16, 0, 0, 0, 0, time.UTC),
		},
		{
			"monthly", PeriodMonthly,
			time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := PeriodBounds(at, tt.period)
			if !start.Equal(tt.wantStart) || !end.Equal(tt.wantEnd) {
				t.Errorf("PeriodBounds = [%v, %v), want [%v, %v)", start, end, tt.wantStart, tt.wantEnd)
			}
		})
	}
}

func TestQuotaResetsAcrossPeriods(t *testing.T) {
	e := testEnforcer(t, Config{Period: PeriodDaily, DefaultLimit: 100})
	ctx := context.Background()

	base := time.Date(2026, time.August, 15, 23, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return base }

	if err := e.Record(ctx, "alice", 200, "ollama", "qwen3:4b"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if st, _ := e.Check(ctx, "alice"); !st.OverQuota {
		t.Fatal("expected over quota before rollover")
	}

	// Next day: a new period row, fresh budget.
	e.now = func() time.Time { return base.Add(2 * time.Hour) }
	st, err := e.Check(ctx, "alice")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if st.OverQuota || st.TokensUsed != 0 {
		t.Errorf("quota did not reset at period boundary: %+v", st)
	}
}
