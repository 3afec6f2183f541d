// Package cache provides the in-flight tracker and the text cache used for
// duplicate suppression, backed by otter in process or by Redis when several
// processes share one chat set.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter"
)

const (
	// DefaultCapacity bounds the in-process caches.
	DefaultCapacity = 10_000
	// DefaultClaimTTL expires in-flight claims that were never released.
	DefaultClaimTTL = 5 * time.Minute
)

// InFlight is an in-process set of claimed update keys.
type InFlight struct {
	cache otter.Cache[string, struct{}]
}

// NewInFlight creates an in-process in-flight set. Claims expire after ttl.
func NewInFlight(capacity int, ttl time.Duration) (*InFlight, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	c, err := otter.MustBuilder[string, struct{}](capacity).WithTTL(ttl).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create in-flight cache with capacity %d: %w", capacity, err)
	}
	return &InFlight{cache: c}, nil
}

// Claim marks key as being processed.
func (f *InFlight) Claim(_ context.Context, key string) error {
	if !f.cache.Set(key, struct{}{}) {
		return fmt.Errorf("in-flight cache rejected key %q", key)
	}
	return nil
}

// Claimed reports whether key is being processed.
func (f *InFlight) Claimed(_ context.Context, key string) (bool, error) {
	return f.cache.Has(key), nil
}

// Release removes the claim on key.
func (f *InFlight) Release(_ context.Context, key string) error {
	f.cache.Delete(key)
	return nil
}

// Len returns the number of live claims.
func (f *InFlight) Len() int {
	return f.cache.Size()
}

// Close stops the cache's background work.
func (f *InFlight) Close() {
	f.cache.Close()
}

// TextCache remembers the last text seen for each update key.
type TextCache struct {
	cache otter.Cache[string, string]
}

// NewTextCache creates an in-process text cache. Entries older than ttl are
// dropped, so ttl should be at least the staleness window.
func NewTextCache(capacity int, ttl time.Duration) (*TextCache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("text cache ttl must be positive, got %v", ttl)
	}
	c, err := otter.MustBuilder[string, string](capacity).WithTTL(ttl).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create text cache with capacity %d: %w", capacity, err)
	}
	return &TextCache{cache: c}, nil
}

// Last returns the last text remembered for key.
func (t *TextCache) Last(_ context.Context, key string) (string, bool, error) {
	text, ok := t.cache.Get(key)
	return text, ok, nil
}

// Remember stores text under key.
func (t *TextCache) Remember(_ context.Context, key, text string) error {
	if !t.cache.Set(key, text) {
		return fmt.Errorf("text cache rejected key %q", key)
	}
	return nil
}

// Close stops the cache's background work.
func (t *TextCache) Close() {
	t.cache.Close()
}
