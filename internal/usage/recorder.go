package usage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dataquill/quill-agent/internal/config"
	"github.com/dataquill/quill-agent/internal/quota"
)

// Recorder converts model token accounting into persisted usage deltas.
// Every record also feeds the quota enforcer when one is configured, so
// the next quota check sees the consumption.
type Recorder struct {
	store   *Store
	quota   *quota.Enforcer
	pricing map[string]config.PricingEntry
	logger  *slog.Logger
}

// NewRecorder creates a usage recorder.
func NewRecorder(store *Store, enforcer *quota.Enforcer, pricing map[string]config.PricingEntry, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:   store,
		quota:   enforcer,
		pricing: pricing,
		logger:  logger.With("component", "usage"),
	}
}

// Record persists the usage record and accumulates its token total into
// the user's current quota period. Cost is computed from the pricing
// table when the record carries none.
func (r *Recorder) Record(ctx context.Context, rec Record) error {
	if rec.CostUSD == 0 {
		rec.CostUSD = ComputeCost(rec.Model, rec.InputTokens, rec.OutputTokens, r.pricing)
	}

	if err := r.store.Insert(ctx, rec); err != nil {
		return fmt.Errorf("persist usage: %w", err)
	}

	tokens := rec.InputTokens + rec.OutputTokens
	if r.quota != nil && tokens > 0 && rec.UserID != "" {
		if err := r.quota.Record(ctx, rec.UserID, tokens, rec.Provider, rec.Model); err != nil {
			return fmt.Errorf("feed quota: %w", err)
		}
	}

	r.logger.Debug("usage recorded",
		"request", rec.RequestID,
		"user", rec.UserID,
		"model", rec.Model,
		"input_tokens", rec.InputTokens,
		"output_tokens", rec.OutputTokens,
		"cost_usd", rec.CostUSD,
	)
	return nil
}
