package engine

import (
	"strings"
	"testing"
	"time"

	"perp-hedger/pkg/types"
)

func addSignal(side1 types.Side, spreadRate float64) *types.TradeSignal {
	return &types.TradeSignal{
		Side1:         side1,
		Side2:         side1.Opposite(),
		SpreadRate:    spreadRate,
		IsAddPosition: true,
		GeneratedAt:   time.Now(),
	}
}

func freshPair() pairBooks {
	return pairBooks{
		b1: twoSidedBook(101, 101.2, 50),
		b2: twoSidedBook(100, 100.1, 50),
	}
}

func TestGateRejectsWithoutSnapshot(t *testing.T) {
	t.Parallel()

	eng, _, _, _ := newTestEngine(t, testEngineConfig())
	eng.snap = nil

	res := eng.gate(addSignal(types.SELL, 0.01), freshPair())
	if res.OK || res.Key != "no-snapshot" {
		t.Errorf("gate = %+v, want no-snapshot rejection", res)
	}
}

func TestGateBlocksAddWhenVenueCannotOpen(t *testing.T) {
	t.Parallel()

	eng, _, _, _ := newTestEngine(t, testEngineConfig())
	snap := healthySnapshot("alpha", "beta")
	snap.Exchanges[1].AvailableMargin = 50 // beta under the margin floor
	eng.snap = snap

	res := eng.gate(addSignal(types.SELL, 0.01), freshPair())
	if res.OK || res.Key != "cannot-add" {
		t.Errorf("gate = %+v, want cannot-add rejection", res)
	}
	if !strings.Contains(res.Reason, "beta") {
		t.Errorf("reason %q does not name the blocked venue", res.Reason)
	}

	// The same account state must not block unwinding.
	reduce := addSignal(types.SELL, 0.01)
	reduce.IsAddPosition = false
	if res := eng.gate(reduce, freshPair()); !res.OK {
		t.Errorf("reduce rejected by %s: %s", res.Key, res.Reason)
	}
}

func TestFreshBooksRejectsStaleFeed(t *testing.T) {
	t.Parallel()

	eng, _, _, _ := newTestEngine(t, testEngineConfig())
	old := twoSidedBook(101, 101.2, 50)
	old.Timestamp = time.Now().Add(-time.Minute)
	eng.slot1.Update(old)
	eng.slot2.Update(twoSidedBook(100, 100.1, 50))

	_, res := eng.freshBooks()
	if res.OK {
		t.Fatal("stale book accepted")
	}
	if !strings.Contains(res.Reason, "order-book stale") {
		t.Errorf("reason = %q, want an order-book stale rejection", res.Reason)
	}
}

func TestGateWideBook(t *testing.T) {
	t.Parallel()

	eng, _, _, _ := newTestEngine(t, testEngineConfig())
	eng.snap = healthySnapshot("alpha", "beta")

	bk := freshPair()
	bk.b1 = twoSidedBook(100, 102, 50) // ~2% spread vs 0.5% cap

	res := eng.gate(addSignal(types.SELL, 0.01), bk)
	if res.OK || res.Key != "wide-book" {
		t.Errorf("gate = %+v, want wide-book rejection", res)
	}
}

func TestGateThinDepth(t *testing.T) {
	t.Parallel()

	eng, _, _, _ := newTestEngine(t, testEngineConfig())
	eng.snap = healthySnapshot("alpha", "beta")

	bk := freshPair()
	bk.b2 = twoSidedBook(100, 100.1, 0.001) // ~$0.20 on the taken side

	res := eng.gate(addSignal(types.SELL, 0.01), bk)
	if res.OK || res.Key != "thin-depth" {
		t.Errorf("gate = %+v, want thin-depth rejection", res)
	}
}

func TestGateSpreadRateFloor(t *testing.T) {
	t.Parallel()

	eng, _, _, _ := newTestEngine(t, testEngineConfig())
	eng.snap = healthySnapshot("alpha", "beta")

	res := eng.gate(addSignal(types.SELL, 0.0001), freshPair())
	if res.OK || res.Key != "spread-rate" {
		t.Errorf("gate = %+v, want spread-rate rejection", res)
	}

	// Reduces answer to their own, looser floor.
	reduce := addSignal(types.SELL, -0.001)
	reduce.IsAddPosition = false
	if res := eng.gate(reduce, freshPair()); !res.OK {
		t.Errorf("reduce above its floor rejected: %s", res.Reason)
	}
}

func TestGateZScoreDirection(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	cfg.Trade.DaemonMode = true
	eng, _, _, _ := newTestEngine(t, cfg)
	eng.snap = healthySnapshot("alpha", "beta")

	// Selling leg 1 needs z at or above +threshold; +0.3 is nowhere close.
	sig := addSignal(types.SELL, 0.01)
	sig.MASpread = 0.002
	sig.Spread = 0.002
	sig.ZScoreAfterFee = 0.3

	res := eng.gate(sig, freshPair())
	if res.OK || res.Key != "zscore" {
		t.Errorf("gate = %+v, want zscore rejection", res)
	}
	if !strings.Contains(res.Reason, "z-score does not support chosen side") {
		t.Errorf("reason = %q", res.Reason)
	}

	sig.ZScoreAfterFee = 2.0
	if res := eng.gate(sig, freshPair()); !res.OK {
		t.Errorf("supported side rejected: %s: %s", res.Key, res.Reason)
	}

	// Reduces trade at small z; the gate must not apply.
	sig.ZScoreAfterFee = 0.1
	sig.IsAddPosition = false
	if res := eng.gate(sig, freshPair()); !res.OK {
		t.Errorf("reduce rejected by z gate: %s", res.Reason)
	}
}

func TestGateRegimeBreak(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	cfg.Trade.DaemonMode = true
	eng, _, _, _ := newTestEngine(t, cfg)
	eng.snap = healthySnapshot("alpha", "beta")

	sig := addSignal(types.SELL, 0.01)
	sig.MASpread = 0.001
	sig.Spread = 0.01 // 10x the mean
	sig.ZScoreAfterFee = 5

	res := eng.gate(sig, freshPair())
	if res.OK || res.Key != "regime-break" {
		t.Errorf("gate = %+v, want regime-break rejection", res)
	}

	// With no history the regime check has no mean to compare against.
	sig.MASpread = 0
	sig.ZScoreAfterFee = 2
	if res := eng.gate(sig, freshPair()); !res.OK {
		t.Errorf("zero-mean signal rejected by regime gate: %s: %s", res.Key, res.Reason)
	}
}

func TestLatencyGuard(t *testing.T) {
	t.Parallel()

	eng, _, _, _ := newTestEngine(t, testEngineConfig())

	fresh := &types.TradeSignal{GeneratedAt: time.Now()}
	if !eng.latencyOK(fresh) {
		t.Error("fresh signal dropped")
	}

	old := &types.TradeSignal{GeneratedAt: time.Now().Add(-100 * time.Millisecond)}
	if eng.latencyOK(old) {
		t.Error("stale signal accepted")
	}
}
