package engine

import (
	"context"
	"math"
	"testing"
	"time"

	"perp-hedger/internal/book"
	"perp-hedger/internal/funding"
	"perp-hedger/internal/ipc"
	"perp-hedger/internal/risk"
	"perp-hedger/internal/venue"
	"perp-hedger/pkg/types"
)

// emptySource satisfies funding.Source with no rates.
type emptySource struct{}

func (emptySource) Name() string { return "empty" }
func (emptySource) Fetch(context.Context) (map[string]map[string]float64, error) {
	return map[string]map[string]float64{}, nil
}

// newBalanceEngine wires an engine whose Refresh reads live sim state
// through a real aggregator, so balance decisions see their own fills.
func newBalanceEngine(t *testing.T, cfg Config) (*Engine, *venue.Sim, *venue.Sim, *recordingNotifier) {
	t.Helper()

	alpha := venue.NewSim("alpha")
	beta := venue.NewSim("beta")
	alpha.SetBook(cfg.Pair1, twoSidedBook(99.5, 100.5, 50))
	beta.SetBook(cfg.Pair2, twoSidedBook(99.5, 100.5, 50))

	cache := funding.NewCache([]funding.Source{emptySource{}}, time.Hour, testLogger())
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("cache refresh: %v", err)
	}
	agg := risk.New([]risk.VenueEntry{
		{Adapter: alpha, Quote: "USDT"},
		{Adapter: beta, Quote: "USDT"},
	}, cache, testThresholds(), 0, 0, testLogger())

	rec := &recordingNotifier{}
	eng := New(cfg, alpha, beta,
		book.NewSimStream(alpha.Book, time.Second),
		book.NewSimStream(beta.Book, time.Second),
		Deps{
			Snapshots: ipc.NewSnapshotSlot(),
			Refresh:   agg.Snapshot,
			Notifier:  rec,
			Logger:    testLogger(),
		})
	return eng, alpha, beta, rec
}

func TestAutoBalanceGrowsShortLegOnLongExcess(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	eng, alpha, beta, _ := newBalanceEngine(t, cfg)
	alpha.SetPosition(cfg.Pair1, 1.6, 100)
	beta.SetPosition(cfg.Pair2, -1.0, 100)

	eng.autoBalance(context.Background())

	// Long excess of 0.6: sell 0.6 on the short leg's venue.
	if got := beta.PositionAmount(cfg.Pair2); math.Abs(got-(-1.6)) > 1e-9 {
		t.Errorf("beta position = %v, want -1.6", got)
	}
	if got := alpha.PositionAmount(cfg.Pair1); math.Abs(got-1.6) > 1e-9 {
		t.Errorf("alpha position = %v, want untouched 1.6", got)
	}

	reqs := beta.Requests()
	if len(reqs) != 1 {
		t.Fatalf("beta received %d orders, want 1", len(reqs))
	}
	if reqs[0].Side != types.SELL || reqs[0].ReduceOnly {
		t.Errorf("order = %+v, want a plain SELL", reqs[0])
	}
}

func TestAutoBalanceGrowsLongLegOnShortExcess(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	eng, alpha, beta, _ := newBalanceEngine(t, cfg)
	alpha.SetPosition(cfg.Pair1, 1.0, 100)
	beta.SetPosition(cfg.Pair2, -1.6, 100)

	eng.autoBalance(context.Background())

	if got := alpha.PositionAmount(cfg.Pair1); math.Abs(got-1.6) > 1e-9 {
		t.Errorf("alpha position = %v, want 1.6", got)
	}
	if got := beta.PositionAmount(cfg.Pair2); math.Abs(got-(-1.6)) > 1e-9 {
		t.Errorf("beta position = %v, want untouched -1.6", got)
	}

	reqs := alpha.Requests()
	if len(reqs) != 1 || reqs[0].Side != types.BUY {
		t.Fatalf("alpha orders = %+v, want one BUY", reqs)
	}
}

func TestAutoBalanceIgnoresSmallImbalance(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	eng, alpha, beta, _ := newBalanceEngine(t, cfg)
	alpha.SetPosition(cfg.Pair1, 0.55, 100)
	beta.SetPosition(cfg.Pair2, -0.5, 100)

	eng.autoBalance(context.Background())

	if n := len(alpha.Requests()) + len(beta.Requests()); n != 0 {
		t.Errorf("%d orders placed for a $5 imbalance inside the dead band", n)
	}
}

func TestAutoBalanceAlertsAboveLimit(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	cfg.Risk.AutoPosBalanceUSDValueLimit = 100
	eng, alpha, beta, rec := newBalanceEngine(t, cfg)
	alpha.SetPosition(cfg.Pair1, 3.0, 100)
	beta.SetPosition(cfg.Pair2, -1.0, 100)

	eng.autoBalance(context.Background())

	if n := len(alpha.Requests()) + len(beta.Requests()); n != 0 {
		t.Errorf("%d orders placed above the auto-balance limit", n)
	}
	if !rec.titled("imbalance exceeds auto-balance limit") {
		t.Error("no critical alert for an over-limit imbalance")
	}
}

func TestAutoBalanceFallsBackToReduceOnly(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	eng, alpha, beta, _ := newBalanceEngine(t, cfg)
	alpha.SetPosition(cfg.Pair1, 1.6, 100)
	beta.SetPosition(cfg.Pair2, -1.0, 100)
	beta.FailNextOrder(context.DeadlineExceeded)

	eng.autoBalance(context.Background())

	// Primary leg refused; the long leg gives back 0.6 reduce-only instead.
	if got := alpha.PositionAmount(cfg.Pair1); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("alpha position = %v, want 1.0 after reduce-only fallback", got)
	}
	if got := beta.PositionAmount(cfg.Pair2); math.Abs(got-(-1.0)) > 1e-9 {
		t.Errorf("beta position = %v, want unchanged -1.0", got)
	}

	reqs := alpha.Requests()
	if len(reqs) != 1 || reqs[0].Side != types.SELL || !reqs[0].ReduceOnly {
		t.Fatalf("alpha orders = %+v, want one reduce-only SELL", reqs)
	}
}

func TestForceReduceUnwindsInChunks(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	cfg.Trade.MaxOrderValueUSD = 0.5 // chunk = 0.005 at a 100 mark
	eng, alpha, beta, rec := newBalanceEngine(t, cfg)

	alpha.SetPosition(cfg.Pair1, 0.015, 100)
	beta.SetPosition(cfg.Pair2, -0.015, 100)
	// Margin so thin both venues scream force-reduce until flat.
	alpha.SetTotalMargin(0.01)
	beta.SetTotalMargin(0.01)

	snap, err := eng.deps.Refresh(context.Background())
	if err != nil {
		t.Fatalf("initial snapshot: %v", err)
	}
	if !snap.ShouldForceReduce() {
		t.Fatal("setup does not trigger force-reduce")
	}
	eng.snap = snap

	eng.forceReduce(context.Background())

	if got := alpha.PositionAmount(cfg.Pair1); got != 0 {
		t.Errorf("alpha position = %v, want flat", got)
	}
	if got := beta.PositionAmount(cfg.Pair2); got != 0 {
		t.Errorf("beta position = %v, want flat", got)
	}

	for venueName, reqs := range map[string][]types.OrderRequest{
		"alpha": alpha.Requests(),
		"beta":  beta.Requests(),
	} {
		if len(reqs) != 3 {
			t.Errorf("%s received %d orders, want 3 chunks: %+v", venueName, len(reqs), reqs)
			continue
		}
		for _, req := range reqs {
			if !req.ReduceOnly {
				t.Errorf("%s order not reduce-only: %+v", venueName, req)
			}
			if math.Abs(req.Amount-0.005) > 1e-9 {
				t.Errorf("%s chunk = %v, want 0.005", venueName, req.Amount)
			}
		}
	}

	if !rec.titled("force-reduce chunk executed") {
		t.Error("no warn alert per executed chunk")
	}
}
