package usage

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/dataquill/quill-agent/internal/config"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndSummary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	records := []Record{
		{RequestID: "r1", UserID: "alice", Model: "qwen3:4b", Provider: "ollama", InputTokens: 100, OutputTokens: 50, CostUSD: 0},
		{RequestID: "r2", UserID: "alice", Model: "claude-sonnet-4-20250514", Provider: "anthropic", InputTokens: 200, OutputTokens: 80, CostUSD: 0.002},
		{RequestID: "r3", UserID: "bob", Model: "qwen3:4b", Provider: "ollama", InputTokens: 10, OutputTokens: 5, CostUSD: 0},
	}
	for _, rec := range records {
		if err := s.Insert(ctx, rec); err != nil {
			t.Fatalf("insert %s: %v", rec.RequestID, err)
		}
	}

	start := time.Now().Add(-time.Hour)
	end := time.Now().Add(time.Hour)

	sum, err := s.Summary(ctx, start, end)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.TotalRecords != 3 {
		t.Errorf("TotalRecords = %d, want 3", sum.TotalRecords)
	}
	if sum.TotalInputTokens != 310 || sum.TotalOutputTokens != 135 {
		t.Errorf("tokens = %d/%d, want 310/135", sum.TotalInputTokens, sum.TotalOutputTokens)
	}
}

func TestSummaryWindowExcludes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	old := Record{RequestID: "r1", UserID: "alice", Model: "m", Provider: "ollama",
		InputTokens: 100, Timestamp: time.Now().Add(-48 * time.Hour)}
	if err := s.Insert(ctx, old); err != nil {
		t.Fatalf("insert: %v", err)
	}

	sum, err := s.Summary(ctx, time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.TotalRecords != 0 {
		t.Errorf("window included an out-of-range record: %+v", sum)
	}
}

func TestSummaryByModel(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.Insert(ctx, Record{RequestID: "r1", UserID: "a", Model: "qwen3:4b", Provider: "ollama", InputTokens: 10})
	s.Insert(ctx, Record{RequestID: "r2", UserID: "a", Model: "qwen3:4b", Provider: "ollama", InputTokens: 20})
	s.Insert(ctx, Record{RequestID: "r3", UserID: "a", Model: "claude-sonnet-4-20250514", Provider: "anthropic", InputTokens: 5})

	byModel, err := s.SummaryByModel(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("by model: %v", err)
	}
	if len(byModel) != 2 {
		t.Fatalf("got %d groups, want 2", len(byModel))
	}
	if byModel["qwen3:4b"].TotalInputTokens != 30 {
		t.Errorf("qwen3:4b input tokens = %d, want 30", byModel["qwen3:4b"].TotalInputTokens)
	}
}

func TestSummaryByUser(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.Insert(ctx, Record{RequestID: "r1", UserID: "alice", Model: "m", Provider: "ollama", OutputTokens: 7})
	s.Insert(ctx, Record{RequestID: "r2", UserID: "bob", Model: "m", Provider: "ollama", OutputTokens: 9})

	byUser, err := s.SummaryByUser(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("by user: %v", err)
	}
	if byUser["alice"].TotalOutputTokens != 7 || byUser["bob"].TotalOutputTokens != 9 {
		t.Errorf("byUser = %+v", byUser)
	}
}

func TestComputeCost(t *testing.T) {
	pricing := map[string]config.PricingEntry{
		"claude-sonnet-4-20250514": {InputPerMillion: 3.0, OutputPerMillion: 15.0},
	}

	tests := []struct {
		name  string
		model string
		in    int
		out   int
		want  float64
	}{
		{"priced model", "claude-sonnet-4-20250514", 1_000_000, 1_000_000, 18.0},
		{"fractional", "claude-sonnet-4-20250514", 500_000, 100_000, 3.0},
		{"unpriced local model", "qwen3:4b", 1_000_000, 1_000_000, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeCost(tt.model, tt.in, tt.out, pricing)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("ComputeCost = %v, want %v", got, tt.want)
			}
		})
	}
}
