// Package risk builds the combined cross-venue account snapshot.
//
// The aggregator polls every venue for margins and positions, merges
// same-symbol positions into a hedged view, and ranks funding opportunities
// across venue pairs. The supervisor runs it on a timer and pushes each
// snapshot into every engine's slot; engines make all pre-trade decisions
// against that snapshot, never against the venues directly.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"perp-hedger/internal/funding"
	"perp-hedger/internal/scanner"
	"perp-hedger/internal/spread"
	"perp-hedger/internal/venue"
	"perp-hedger/pkg/types"
)

// ErrNoVenueData is returned when not a single venue produced an entry.
// At boot the supervisor treats it as fatal; in steady state it keeps the
// previous snapshot.
var ErrNoVenueData = errors.New("no venue produced a snapshot entry")

// guardReadRPS bounds one venue's snapshot read rate; the burst covers the
// four account calls of one fan-out without waiting.
const (
	guardReadRPS   = 10.0
	guardReadBurst = 5
)

// VenueEntry pairs an adapter with the quote suffix its pair symbols carry.
type VenueEntry struct {
	Adapter venue.Adapter
	Quote   string
}

// Aggregator produces CombinedSnapshots over a fixed venue set.
type Aggregator struct {
	venues     []VenueEntry
	guards     map[string]*venue.Guard
	cache      *funding.Cache
	thresholds types.RiskThresholds
	searchers  []*scanner.Searcher
	topN       int
	logger     *slog.Logger
}

// New builds an aggregator. When topN > 0 and at least two venues are
// configured, every venue pair gets an opportunity searcher whose results
// are attached to each snapshot. minAPY is the searcher's carry floor.
func New(venues []VenueEntry, cache *funding.Cache, thresholds types.RiskThresholds, minAPY float64, topN int, logger *slog.Logger) *Aggregator {
	a := &Aggregator{
		venues:     venues,
		guards:     make(map[string]*venue.Guard, len(venues)),
		cache:      cache,
		thresholds: thresholds,
		topN:       topN,
		logger:     logger.With("component", "risk_aggregator"),
	}
	for _, entry := range venues {
		a.guards[entry.Adapter.Name()] = venue.NewGuard(entry.Adapter.Name(), guardReadRPS, guardReadBurst, logger)
	}
	if topN > 0 {
		for i := 0; i < len(venues); i++ {
			for j := i + 1; j < len(venues); j++ {
				a.searchers = append(a.searchers, scanner.NewSearcher(
					venues[i].Adapter, venues[j].Adapter,
					venues[i].Quote, venues[j].Quote,
					cache, minAPY, logger,
				))
			}
		}
	}
	return a
}

// Snapshot polls every venue in parallel and returns the combined view.
// A failing venue is logged and omitted; only when every venue fails does
// an error come back.
func (a *Aggregator) Snapshot(ctx context.Context) (*types.CombinedSnapshot, error) {
	start := time.Now()

	infos := make([]*types.ExchangeInfo, len(a.venues))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, entry := range a.venues {
		i, entry := i, entry
		g.Go(func() error {
			info, err := a.fetchVenue(gctx, entry)
			if err != nil {
				a.logger.Warn("venue omitted from snapshot",
					"venue", entry.Adapter.Name(), "error", err)
				return nil // one venue down must not sink the snapshot
			}
			mu.Lock()
			infos[i] = info
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap := &types.CombinedSnapshot{UpdateTime: time.Now()}
	quotes := make(map[string]string, len(a.venues))
	for i, entry := range a.venues {
		if infos[i] == nil {
			continue
		}
		snap.Exchanges = append(snap.Exchanges, *infos[i])
		quotes[entry.Adapter.Name()] = entry.Quote
	}
	if len(snap.Exchanges) == 0 {
		return nil, ErrNoVenueData
	}

	snap.Merged = mergePositions(snap.Exchanges, quotes)
	snap.Opportunities = a.collectOpportunities(ctx)
	snap.TimeCost = time.Since(start)

	a.logger.Debug("snapshot produced",
		"venues", len(snap.Exchanges),
		"merged_positions", len(snap.Merged),
		"opportunities", len(snap.Opportunities),
		"time_cost", snap.TimeCost,
	)
	return snap, nil
}

func (a *Aggregator) fetchVenue(ctx context.Context, entry VenueEntry) (*types.ExchangeInfo, error) {
	name := entry.Adapter.Name()
	guard := a.guards[name]

	info := &types.ExchangeInfo{
		Venue:        name,
		TakerFeeRate: entry.Adapter.TakerFeeRate(),
		MakerFeeRate: entry.Adapter.MakerFeeRate(),
		Thresholds:   a.thresholds,
	}

	if err := guard.Call(ctx, "total_margin", func() error {
		var err error
		info.TotalMargin, err = entry.Adapter.TotalMargin(ctx)
		return err
	}); err != nil {
		return nil, fmt.Errorf("total margin: %w", err)
	}
	if err := guard.Call(ctx, "available_margin", func() error {
		var err error
		info.AvailableMargin, err = entry.Adapter.AvailableMargin(ctx)
		return err
	}); err != nil {
		return nil, fmt.Errorf("available margin: %w", err)
	}
	if err := guard.Call(ctx, "cross_margin_ratio", func() error {
		var err error
		info.MaintenanceMarginRatio, err = entry.Adapter.CrossMarginRatio(ctx)
		return err
	}); err != nil {
		return nil, fmt.Errorf("cross margin ratio: %w", err)
	}
	if err := guard.Call(ctx, "positions", func() error {
		var err error
		info.Positions, err = entry.Adapter.Positions(ctx)
		return err
	}); err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}

	for i := range info.Positions {
		if info.Positions[i].FundingRateAPY != nil {
			continue
		}
		if rate, ok := a.cache.Rate(name, info.Positions[i].Symbol); ok {
			apy := types.FundingAPY(rate)
			info.Positions[i].FundingRateAPY = &apy
		}
	}

	info.FetchedAt = time.Now()
	return info, nil
}

// mergePositions folds every venue's positions into per-symbol hedged views,
// keyed by base symbol so BTCUSDT on one venue and BTCUSDC on another land
// in the same entry.
func mergePositions(exchanges []types.ExchangeInfo, quotes map[string]string) []types.MergedPosition {
	bySymbol := make(map[string]*types.MergedPosition)

	for _, e := range exchanges {
		quote := quotes[e.Venue]
		for _, p := range e.Positions {
			base := strings.TrimSuffix(p.Symbol, quote)
			m, ok := bySymbol[base]
			if !ok {
				m = &types.MergedPosition{Symbol: base}
				bySymbol[base] = m
			}

			m.ImbalanceAmount += p.Amount
			m.HedgedNotional += math.Abs(p.Notional) / 2
			m.UnrealizedPnL += p.UnrealizedPnL
			m.FundingFee += p.FundingFee
			m.SpreadProfit -= p.EntryPrice * p.Amount
			if p.MarkPrice > 0 {
				m.RefPrice = p.MarkPrice
			}
			m.Legs = append(m.Legs, types.PositionLeg{
				Venue:  e.Venue,
				Side:   p.Side,
				Amount: p.Amount,
			})

			if p.FundingRateAPY != nil {
				// Shorts collect positive funding, longs pay it.
				if p.Side == types.SHORT {
					m.FundingProfitRateAPY += *p.FundingRateAPY
				} else {
					m.FundingProfitRateAPY -= *p.FundingRateAPY
				}
			}
		}
	}

	merged := make([]types.MergedPosition, 0, len(bySymbol))
	for _, m := range bySymbol {
		sort.Slice(m.Legs, func(i, j int) bool { return m.Legs[i].Venue < m.Legs[j].Venue })
		merged = append(merged, *m)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Symbol < merged[j].Symbol })
	return merged
}

func (a *Aggregator) collectOpportunities(ctx context.Context) []types.FundingOpportunity {
	if len(a.searchers) == 0 {
		return nil
	}

	var all []types.FundingOpportunity
	for _, s := range a.searchers {
		opps, err := s.Search(ctx, a.topN)
		if err != nil {
			a.logger.Warn("opportunity scan failed", "error", err)
			continue
		}
		all = append(all, opps...)
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].ProfitRateAPY != all[j].ProfitRateAPY {
			return all[i].ProfitRateAPY > all[j].ProfitRateAPY
		}
		if all[i].Symbol != all[j].Symbol {
			return all[i].Symbol < all[j].Symbol
		}
		return all[i].Venue1 < all[j].Venue1
	})
	if a.topN > 0 && len(all) > a.topN {
		all = all[:a.topN]
	}
	return all
}

// EnrichTop attaches spread statistics to the first topK opportunities of a
// snapshot, using a fresh analyzer per venue pair. Failures leave Stats nil.
func (a *Aggregator) EnrichTop(ctx context.Context, snap *types.CombinedSnapshot, topK int) {
	if topK <= 0 || topK > len(snap.Opportunities) {
		topK = len(snap.Opportunities)
	}
	byName := make(map[string]VenueEntry, len(a.venues))
	for _, entry := range a.venues {
		byName[entry.Adapter.Name()] = entry
	}

	for i := 0; i < topK; i++ {
		opp := &snap.Opportunities[i]
		v1, ok1 := byName[opp.Venue1]
		v2, ok2 := byName[opp.Venue2]
		if !ok1 || !ok2 {
			continue
		}
		analyzer := spread.NewAnalyzer(v1.Adapter, v2.Adapter, a.logger)
		stats, err := analyzer.Analyze(ctx, opp.Symbol+v1.Quote, opp.Symbol+v2.Quote)
		if err != nil {
			a.logger.Warn("spread enrichment skipped", "symbol", opp.Symbol, "error", err)
			continue
		}
		opp.Stats = stats
	}
}

// Run produces snapshots on a fixed interval, publishing each through the
// callback. The first snapshot is taken immediately. Failures are logged and
// the previous snapshot simply stays in force downstream.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration, publish func(*types.CombinedSnapshot)) {
	refresh := func() {
		snap, err := a.Snapshot(ctx)
		if err != nil {
			a.logger.Warn("snapshot refresh failed", "error", err)
			return
		}
		publish(snap)
	}

	refresh()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}
