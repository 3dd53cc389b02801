package ipc

import (
	"sync"
	"testing"
	"time"

	"perp-hedger/pkg/types"
)

func snapAt(ts time.Time) *types.CombinedSnapshot {
	return &types.CombinedSnapshot{UpdateTime: ts}
}

func TestSlotDeliversNewest(t *testing.T) {
	t.Parallel()

	slot := NewSnapshotSlot()
	if _, ok := slot.Poll(); ok {
		t.Fatal("empty slot returned a snapshot")
	}

	first := snapAt(time.Now().Add(-time.Minute))
	second := snapAt(time.Now())
	slot.Publish(first)
	slot.Publish(second) // overwrites the unconsumed first

	got, ok := slot.Poll()
	if !ok {
		t.Fatal("no snapshot after publish")
	}
	if got != second {
		t.Error("poll returned the stale snapshot")
	}
	if _, ok := slot.Poll(); ok {
		t.Error("slot not drained by poll")
	}
}

func TestSlotPublishNeverBlocks(t *testing.T) {
	t.Parallel()

	slot := NewSnapshotSlot()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				slot.Publish(snapAt(time.Now()))
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publishers blocked with no consumer")
	}

	if _, ok := slot.Poll(); !ok {
		t.Error("slot empty after 4000 publishes")
	}
}

func TestHeartbeat(t *testing.T) {
	t.Parallel()

	var hb Heartbeat
	if !hb.Last().IsZero() {
		t.Error("untouched heartbeat has a timestamp")
	}
	if !hb.Idle(time.Hour) {
		t.Error("untouched heartbeat must be idle")
	}

	hb.Touch()
	if hb.Last().IsZero() {
		t.Error("touch did not record")
	}
	if hb.Idle(time.Hour) {
		t.Error("fresh heartbeat reported idle")
	}
	if !hb.Idle(0) {
		t.Error("zero timeout should always be idle")
	}
}
