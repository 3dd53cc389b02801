package risk

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"testing"
	"time"

	"perp-hedger/internal/funding"
	"perp-hedger/internal/venue"
	"perp-hedger/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testThresholds() types.RiskThresholds {
	return types.RiskThresholds{
		SafeLeverage:        3,
		TargetLeverage:      2,
		DangerLeverage:      8,
		ForceReduceLeverage: 10,
		SafeMMR:             0.2,
		DangerMMR:           0.5,
		ForceReduceMMR:      0.7,
		SafeMarginUsage:     0.6,
		DangerMarginUsage:   0.9,
	}
}

// mapSource feeds the funding cache fixed rates.
type mapSource struct {
	rates map[string]map[string]float64
}

func (m *mapSource) Name() string { return "map" }
func (m *mapSource) Fetch(context.Context) (map[string]map[string]float64, error) {
	return m.rates, nil
}

func testCache(t *testing.T, rates map[string]map[string]float64) *funding.Cache {
	t.Helper()
	cache := funding.NewCache([]funding.Source{&mapSource{rates: rates}}, time.Hour, testLogger())
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("cache refresh: %v", err)
	}
	return cache
}

func testBook(price float64) *types.OrderBook {
	return &types.OrderBook{
		Bids:      []types.PriceLevel{{Price: price - 0.5, Size: 10}},
		Asks:      []types.PriceLevel{{Price: price + 0.5, Size: 10}},
		Timestamp: time.Now(),
	}
}

// failingVenue wraps a sim and fails every account read.
type failingVenue struct{ *venue.Sim }

func (f *failingVenue) TotalMargin(context.Context) (float64, error) {
	return 0, errors.New("venue down")
}

func TestSnapshotMergesPositionsAcrossVenues(t *testing.T) {
	t.Parallel()

	alpha := venue.NewSim("alpha")
	beta := venue.NewSim("beta")
	alpha.SetBook("BTCUSDT", testBook(100))
	beta.SetBook("BTCUSDT", testBook(100))
	alpha.SetPosition("BTCUSDT", 0.6, 99)
	beta.SetPosition("BTCUSDT", -0.5, 101)

	cache := testCache(t, map[string]map[string]float64{
		"alpha": {"BTCUSDT": 0.0001},
		"beta":  {"BTCUSDT": 0.0002},
	})

	agg := New([]VenueEntry{
		{Adapter: alpha, Quote: "USDT"},
		{Adapter: beta, Quote: "USDT"},
	}, cache, testThresholds(), 0, 0, testLogger())

	snap, err := agg.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Exchanges) != 2 {
		t.Fatalf("got %d exchanges, want 2", len(snap.Exchanges))
	}
	if snap.TimeCost <= 0 {
		t.Error("TimeCost not recorded")
	}

	m, ok := snap.MergedFor("BTC")
	if !ok {
		t.Fatalf("no merged position for BTC: %+v", snap.Merged)
	}
	if math.Abs(m.ImbalanceAmount-0.1) > 1e-9 {
		t.Errorf("ImbalanceAmount = %v, want 0.1", m.ImbalanceAmount)
	}
	if math.Abs(m.HedgedNotional-55) > 1e-9 {
		t.Errorf("HedgedNotional = %v, want 55", m.HedgedNotional)
	}
	if m.RefPrice != 100 {
		t.Errorf("RefPrice = %v, want 100", m.RefPrice)
	}
	if len(m.Legs) != 2 || m.Legs[0].Venue != "alpha" || m.Legs[1].Venue != "beta" {
		t.Errorf("legs not sorted by venue: %+v", m.Legs)
	}
	if m.Legs[0].Side != types.LONG || m.Legs[1].Side != types.SHORT {
		t.Errorf("leg sides = %s/%s, want LONG/SHORT", m.Legs[0].Side, m.Legs[1].Side)
	}

	// Long alpha pays its rate, short beta collects its rate.
	wantCarry := types.FundingAPY(0.0002) - types.FundingAPY(0.0001)
	if math.Abs(m.FundingProfitRateAPY-wantCarry) > 1e-9 {
		t.Errorf("FundingProfitRateAPY = %v, want %v", m.FundingProfitRateAPY, wantCarry)
	}
}

func TestSnapshotOmitsFailingVenue(t *testing.T) {
	t.Parallel()

	alpha := venue.NewSim("alpha")
	alpha.SetBook("BTCUSDT", testBook(100))
	alpha.SetPosition("BTCUSDT", 0.2, 100)

	broken := &failingVenue{Sim: venue.NewSim("beta")}

	cache := testCache(t, map[string]map[string]float64{})
	agg := New([]VenueEntry{
		{Adapter: alpha, Quote: "USDT"},
		{Adapter: broken, Quote: "USDT"},
	}, cache, testThresholds(), 0, 0, testLogger())

	snap, err := agg.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Exchanges) != 1 || snap.Exchanges[0].Venue != "alpha" {
		t.Fatalf("exchanges = %+v, want only alpha", snap.Exchanges)
	}
}

func TestSnapshotFailsWhenAllVenuesDown(t *testing.T) {
	t.Parallel()

	broken1 := &failingVenue{Sim: venue.NewSim("alpha")}
	broken2 := &failingVenue{Sim: venue.NewSim("beta")}

	cache := testCache(t, map[string]map[string]float64{})
	agg := New([]VenueEntry{
		{Adapter: broken1, Quote: "USDT"},
		{Adapter: broken2, Quote: "USDT"},
	}, cache, testThresholds(), 0, 0, testLogger())

	_, err := agg.Snapshot(context.Background())
	if !errors.Is(err, ErrNoVenueData) {
		t.Fatalf("err = %v, want ErrNoVenueData", err)
	}
}

func TestSnapshotCollectsOpportunities(t *testing.T) {
	t.Parallel()

	alpha := venue.NewSim("alpha")
	beta := venue.NewSim("beta")
	alpha.SetBook("BTCUSDT", testBook(100))
	beta.SetBook("BTCUSDT", testBook(100))

	cache := testCache(t, map[string]map[string]float64{
		"alpha": {"BTCUSDT": 0.0002},
		"beta":  {"BTCUSDT": -0.0002},
	})

	agg := New([]VenueEntry{
		{Adapter: alpha, Quote: "USDT"},
		{Adapter: beta, Quote: "USDT"},
	}, cache, testThresholds(), types.DefaultMinFundingProfitAPY, 5, testLogger())

	snap, err := agg.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Opportunities) != 1 {
		t.Fatalf("got %d opportunities, want 1: %+v", len(snap.Opportunities), snap.Opportunities)
	}
	opp := snap.Opportunities[0]
	if opp.Symbol != "BTC" {
		t.Errorf("Symbol = %s, want BTC", opp.Symbol)
	}
	// Short the venue paying the higher rate.
	if opp.Side1 != types.SELL || opp.Side2 != types.BUY {
		t.Errorf("sides = %s/%s, want SELL/BUY", opp.Side1, opp.Side2)
	}
	wantProfit := (types.FundingAPY(0.0002) - types.FundingAPY(-0.0002)) / 2
	if math.Abs(opp.ProfitRateAPY-wantProfit) > 1e-9 {
		t.Errorf("ProfitRateAPY = %v, want %v", opp.ProfitRateAPY, wantProfit)
	}
}

func TestRunPublishesImmediately(t *testing.T) {
	t.Parallel()

	alpha := venue.NewSim("alpha")
	beta := venue.NewSim("beta")
	cache := testCache(t, map[string]map[string]float64{})
	agg := New([]VenueEntry{
		{Adapter: alpha, Quote: "USDT"},
		{Adapter: beta, Quote: "USDT"},
	}, cache, testThresholds(), 0, 0, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *types.CombinedSnapshot, 1)
	go agg.Run(ctx, time.Hour, func(snap *types.CombinedSnapshot) {
		select {
		case got <- snap:
		default:
		}
	})

	select {
	case snap := <-got:
		if len(snap.Exchanges) != 2 {
			t.Errorf("got %d exchanges, want 2", len(snap.Exchanges))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot published within 5s")
	}
}
