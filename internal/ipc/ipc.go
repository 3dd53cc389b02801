// Package ipc carries coordination state between the supervisor and its
// per-symbol engines.
//
// Engines never share memory with the aggregator directly: the supervisor
// publishes each fresh risk snapshot into every engine's SnapshotSlot, and
// each engine reports liveness through a Heartbeat. Both primitives are
// wait-free on the hot path so a stalled engine cannot back up the
// supervisor, and vice versa.
package ipc

import (
	"sync/atomic"
	"time"

	"perp-hedger/pkg/types"
)

// SnapshotSlot is a latest-value mailbox for risk snapshots. A publish
// overwrites any unconsumed snapshot; a poll takes the newest or reports
// none. Neither side ever blocks.
type SnapshotSlot struct {
	ch chan *types.CombinedSnapshot
}

// NewSnapshotSlot creates an empty slot.
func NewSnapshotSlot() *SnapshotSlot {
	return &SnapshotSlot{ch: make(chan *types.CombinedSnapshot, 1)}
}

// Publish places a snapshot in the slot. If a stale one is still waiting
// it is dropped first so the consumer always wakes to the newest view.
func (s *SnapshotSlot) Publish(snap *types.CombinedSnapshot) {
	select {
	case s.ch <- snap:
	default:
		select {
		case <-s.ch:
		default:
		}
		s.ch <- snap
	}
}

// Poll removes and returns the waiting snapshot, if any.
func (s *SnapshotSlot) Poll() (*types.CombinedSnapshot, bool) {
	select {
	case snap := <-s.ch:
		return snap, true
	default:
		return nil, false
	}
}

// Heartbeat is an engine's last-activity timestamp, written by the engine
// loop and read by the supervisor's health check.
type Heartbeat struct {
	ns atomic.Int64
}

// Touch records activity now.
func (h *Heartbeat) Touch() {
	h.ns.Store(time.Now().UnixNano())
}

// Last returns the most recent activity time, zero before the first Touch.
func (h *Heartbeat) Last() time.Time {
	ns := h.ns.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Idle reports whether no activity has been recorded within timeout.
// A never-touched heartbeat is idle.
func (h *Heartbeat) Idle(timeout time.Duration) bool {
	last := h.Last()
	if last.IsZero() {
		return true
	}
	return time.Since(last) > timeout
}
