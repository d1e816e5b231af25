// Package cache provides a content-addressed cache of model responses,
// keyed by a deterministic fingerprint of the submitted prompt, provider,
// model, and generation parameters. Expired entries read as misses;
// deletion is deferred to a background sweep.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Entry is one cached model response. Entries are immutable except for
// the hit counter and last-access timestamp.
type Entry struct {
	Key          string
	Response     string
	Metadata     map[string]string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	HitCount     int
	LastAccessed time.Time
}

// Store is the cache storage contract. Implementations must support
// concurrent upsert without lost updates.
type Store interface {
	// Lookup returns the live entry for key, or (nil, nil) on a miss.
	// Expired entries are misses; they are removed by Sweep, not here.
	Lookup(ctx context.Context, key string) (*Entry, error)

	// Put writes a response under key with the given TTL. Writes are
	// once-per-live-key: a Put against a key that is still live leaves
	// the existing entry untouched, while re-storing an expired key's
	// value resets its TTL and hit count.
	Put(ctx context.Context, key, response string, metadata map[string]string, ttl time.Duration) error

	// BumpHit increments the hit counter for key. Best-effort: callers
	// must not fail their request when this bookkeeping write fails.
	BumpHit(ctx context.Context, key string) error

	// Sweep removes expired entries and reports how many were deleted.
	Sweep(ctx context.Context) (int, error)

	// Close releases the underlying storage handle.
	Close() error
}

// Key computes the deterministic cache key for a model request. The
// parameters map is canonicalized with sorted keys, so two maps that are
// equal up to iteration order always produce the same key.
func Key(prompt, provider, model string, params map[string]any) string {
	var b strings.Builder
	b.WriteString(provider)
	b.WriteByte(0)
	b.WriteString(model)
	b.WriteByte(0)
	b.WriteString(canonicalParams(params))
	b.WriteByte(0)
	b.WriteString(prompt)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// canonicalParams renders parameters as "k=v;" pairs in sorted key
// order. Values are JSON-encoded for a stable representation across
// numeric and nested types.
func canonicalParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v, err := json.Marshal(params[k])
		if err != nil {
			v = []byte(fmt.Sprintf("%v", params[k]))
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.Write(v)
		b.WriteByte(';')
	}
	return b.String()
}
