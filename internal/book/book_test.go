package book

import (
	"context"
	"sync"
	"testing"
	"time"

	"perp-hedger/pkg/types"
)

func frameAt(ts time.Time, bid, ask float64) *types.OrderBook {
	return &types.OrderBook{
		Symbol:    "BTCUSDT",
		Bids:      []types.PriceLevel{{Price: bid, Size: 1}},
		Asks:      []types.PriceLevel{{Price: ask, Size: 1}},
		Timestamp: ts,
	}
}

func TestSlotKeepsNewestFrame(t *testing.T) {
	t.Parallel()

	slot := NewSlot("alpha", "BTCUSDT")
	if _, ok := slot.Latest(); ok {
		t.Fatal("empty slot reported a frame")
	}

	now := time.Now()
	if !slot.Update(frameAt(now, 99, 101)) {
		t.Fatal("first frame rejected")
	}

	// A retransmit with an older or equal timestamp must not roll back.
	if slot.Update(frameAt(now.Add(-time.Second), 90, 92)) {
		t.Error("older frame accepted")
	}
	if slot.Update(frameAt(now, 90, 92)) {
		t.Error("equal-timestamp frame accepted")
	}

	latest, ok := slot.Latest()
	if !ok {
		t.Fatal("no frame after updates")
	}
	if bid, _ := latest.BestBid(); bid.Price != 99 {
		t.Errorf("best bid = %v, want 99 from the newest frame", bid.Price)
	}

	if !slot.Update(frameAt(now.Add(time.Second), 100, 102)) {
		t.Error("newer frame rejected")
	}
}

func TestSlotStaleness(t *testing.T) {
	t.Parallel()

	slot := NewSlot("alpha", "BTCUSDT")
	if !slot.IsStale(time.Hour) {
		t.Error("empty slot must be stale")
	}
	if !slot.LastUpdated().IsZero() {
		t.Error("empty slot reported an update time")
	}

	slot.Update(frameAt(time.Now().Add(-2*time.Second), 99, 101))
	if !slot.IsStale(time.Second) {
		t.Error("2s-old frame within 1s window should be stale")
	}
	if slot.IsStale(time.Minute) {
		t.Error("2s-old frame within 1m window should be fresh")
	}
}

func TestSlotNilUpdate(t *testing.T) {
	t.Parallel()

	slot := NewSlot("alpha", "BTCUSDT")
	if slot.Update(nil) {
		t.Error("nil frame accepted")
	}
}

func TestSimStreamDelivers(t *testing.T) {
	t.Parallel()

	src := frameAt(time.Time{}, 99, 101)
	stream := NewSimStream(func(symbol string) *types.OrderBook {
		if symbol != "BTCUSDT" {
			return nil
		}
		return src
	}, 5*time.Millisecond)

	var mu sync.Mutex
	var got []*types.OrderBook
	stream.Subscribe("BTCUSDT", func(b *types.OrderBook) {
		mu.Lock()
		got = append(got, b)
		mu.Unlock()
	})
	stream.Subscribe("ETHUSDT", func(b *types.OrderBook) {
		t.Errorf("unexpected frame for %s", b.Symbol)
	})

	if err := stream.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d frames before deadline", n)
		}
		time.Sleep(time.Millisecond)
	}
	stream.Stop()

	mu.Lock()
	defer mu.Unlock()
	for i, frame := range got {
		if frame.Timestamp.IsZero() {
			t.Errorf("frame %d not re-stamped", i)
		}
		if frame.Symbol != "BTCUSDT" {
			t.Errorf("frame %d symbol = %s", i, frame.Symbol)
		}
	}
	// Stop is idempotent.
	stream.Stop()
}

func TestSimStreamFeedsSlot(t *testing.T) {
	t.Parallel()

	src := frameAt(time.Time{}, 99, 101)
	stream := NewSimStream(func(string) *types.OrderBook { return src }, 5*time.Millisecond)

	slot := NewSlot("alpha", "BTCUSDT")
	stream.Subscribe("BTCUSDT", func(b *types.OrderBook) { slot.Update(b) })

	if err := stream.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stream.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for slot.IsStale(time.Minute) {
		if time.Now().After(deadline) {
			t.Fatal("slot never fed")
		}
		time.Sleep(time.Millisecond)
	}

	latest, ok := slot.Latest()
	if !ok {
		t.Fatal("no frame")
	}
	if mid, ok := latest.MidPrice(); !ok || mid != 100 {
		t.Errorf("mid = %v, want 100", mid)
	}
}
