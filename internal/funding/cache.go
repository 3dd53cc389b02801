// Package funding caches venue funding rates behind a TTL.
//
// Rates are single-period (one funding interval, typically 8h) keyed by
// venue and pair symbol. Consumers that need an annualised figure scale
// them with types.FundingAPY. The cache is shared: the risk aggregator
// decorates positions from it and the opportunity searcher ranks from it,
// so one refresh serves both.
package funding

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Source produces a full rate map: venue → pair symbol → per-period rate.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (map[string]map[string]float64, error)
}

// Cache holds the latest merged rate map from one or more sources.
// Reads never block on a refresh: a read past the TTL returns the old
// value and kicks off one background fetch.
type Cache struct {
	sources []Source
	ttl     time.Duration
	logger  *slog.Logger

	mu        sync.RWMutex
	rates     map[string]map[string]float64
	fetchedAt time.Time

	fetchMu    sync.Mutex  // serializes fetches, guards lastGood
	refreshing atomic.Bool // gates background refresh spawn

	lastGood map[string]sourceResult // per-source, carried while a source is down
}

// sourceResult is one source's most recent successful fetch.
type sourceResult struct {
	rates map[string]map[string]float64
	at    time.Time
}

// NewCache builds a cache over the given sources. Earlier sources win
// when two report the same venue/symbol pair.
func NewCache(sources []Source, ttl time.Duration, logger *slog.Logger) *Cache {
	return &Cache{
		sources:  sources,
		ttl:      ttl,
		rates:    make(map[string]map[string]float64),
		lastGood: make(map[string]sourceResult),
		logger:   logger.With("component", "funding_cache"),
	}
}

// Rate returns the cached per-period rate for a venue/symbol pair.
// An expired cache still answers from the old map while one background
// refresh runs.
func (c *Cache) Rate(venue, symbol string) (float64, bool) {
	c.maybeRefreshAsync()

	c.mu.RLock()
	defer c.mu.RUnlock()
	byVenue, ok := c.rates[venue]
	if !ok {
		return 0, false
	}
	rate, ok := byVenue[symbol]
	return rate, ok
}

// RatesFor returns a copy of all cached rates for one venue.
func (c *Cache) RatesFor(venue string) map[string]float64 {
	c.maybeRefreshAsync()

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]float64, len(c.rates[venue]))
	for symbol, rate := range c.rates[venue] {
		out[symbol] = rate
	}
	return out
}

// FetchedAt returns when the current map landed, zero before the first
// successful refresh.
func (c *Cache) FetchedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fetchedAt
}

// Expired reports whether the map is older than the TTL.
func (c *Cache) Expired() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expiredLocked()
}

func (c *Cache) expiredLocked() bool {
	return c.fetchedAt.IsZero() || time.Since(c.fetchedAt) > c.ttl
}

func (c *Cache) maybeRefreshAsync() {
	c.mu.RLock()
	expired := c.expiredLocked()
	c.mu.RUnlock()
	if !expired {
		return
	}
	if !c.refreshing.CompareAndSwap(false, true) {
		return // a refresh is already in flight
	}
	go func() {
		defer c.refreshing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.Refresh(ctx); err != nil {
			c.logger.Warn("background refresh failed", "error", err)
		}
	}()
}

// Refresh fetches every source now and installs the merged map. A failing
// source is logged and its last result is carried while still within the
// TTL; only when all sources fail does the old map stay in place and an
// error come back.
func (c *Cache) Refresh(ctx context.Context) error {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	if len(c.sources) == 0 {
		return fmt.Errorf("no funding sources configured")
	}

	now := time.Now()
	merged := make(map[string]map[string]float64)
	var succeeded int
	for _, src := range c.sources {
		fetched, err := src.Fetch(ctx)
		if err != nil {
			c.logger.Warn("funding source failed", "source", src.Name(), "error", err)
			prev, ok := c.lastGood[src.Name()]
			if !ok || now.Sub(prev.at) > c.ttl {
				continue
			}
			fetched = prev.rates
		} else {
			succeeded++
			c.lastGood[src.Name()] = sourceResult{rates: fetched, at: now}
		}
		for venue, bySymbol := range fetched {
			if merged[venue] == nil {
				merged[venue] = make(map[string]float64, len(bySymbol))
			}
			for symbol, rate := range bySymbol {
				if _, exists := merged[venue][symbol]; exists {
					continue // earlier source wins
				}
				merged[venue][symbol] = rate
			}
		}
	}
	if succeeded == 0 {
		return fmt.Errorf("all %d funding sources failed", len(c.sources))
	}

	c.mu.Lock()
	c.rates = merged
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	c.logger.Debug("funding rates refreshed",
		"sources_ok", succeeded,
		"venues", len(merged),
	)
	return nil
}
