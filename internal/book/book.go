// Package book maintains local order-book state fed by venue streams.
//
// Slot is a latest-value cell for one venue/symbol pair: writers publish
// whole frames and readers always see the newest one, so a slow consumer
// never backs up a feed. Stream abstracts the delivery transport — a
// gorilla/websocket feed against a live venue, or a SimStream in tests
// and dry-run mode.
package book

import (
	"sync"
	"time"

	"perp-hedger/pkg/types"
)

// Slot holds the most recent order-book frame for one symbol on one venue.
// It is concurrency-safe (RWMutex protected).
type Slot struct {
	mu     sync.RWMutex
	venue  string
	symbol string
	latest *types.OrderBook
}

// NewSlot creates an empty slot for a venue/symbol pair.
func NewSlot(venue, symbol string) *Slot {
	return &Slot{venue: venue, symbol: symbol}
}

func (s *Slot) Venue() string  { return s.venue }
func (s *Slot) Symbol() string { return s.symbol }

// Update publishes a frame. Frames not newer than the current one are
// dropped so a late retransmit cannot roll the book back. Returns whether
// the frame was accepted.
func (s *Slot) Update(b *types.OrderBook) bool {
	if b == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest != nil && !b.Timestamp.After(s.latest.Timestamp) {
		return false
	}
	s.latest = b
	return true
}

// Latest returns the newest frame. Callers must treat it as read-only.
func (s *Slot) Latest() (*types.OrderBook, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return nil, false
	}
	return s.latest, true
}

// IsStale returns true if no frame newer than maxAge has arrived,
// including the never-updated case.
func (s *Slot) IsStale(maxAge time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return true
	}
	return time.Since(s.latest.Timestamp) > maxAge
}

// LastUpdated returns the timestamp of the newest frame, zero when empty.
func (s *Slot) LastUpdated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return time.Time{}
	}
	return s.latest.Timestamp
}
