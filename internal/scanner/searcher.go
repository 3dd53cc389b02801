// Package scanner discovers funding-rate opportunities across a venue pair.
//
// A hedged position earns the funding differential between its two legs:
// short the venue paying the higher rate, long the other. The searcher
// lists every symbol traded on both venues, prices the differential from
// the shared funding cache, and keeps the candidates whose expected carry
// clears the configured minimum.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"perp-hedger/internal/funding"
	"perp-hedger/internal/spread"
	"perp-hedger/internal/venue"
	"perp-hedger/pkg/types"
)

// Searcher ranks funding opportunities between two venues.
type Searcher struct {
	v1, v2         venue.Adapter
	quote1, quote2 string
	cache          *funding.Cache
	minAPY         float64
	logger         *slog.Logger
}

// NewSearcher builds a searcher over one venue pair. minAPY is the floor
// one leg's expected carry (half the differential) must clear; pass 0 for
// the default.
func NewSearcher(v1, v2 venue.Adapter, quote1, quote2 string, cache *funding.Cache, minAPY float64, logger *slog.Logger) *Searcher {
	if minAPY <= 0 {
		minAPY = types.DefaultMinFundingProfitAPY
	}
	return &Searcher{
		v1:     v1,
		v2:     v2,
		quote1: quote1,
		quote2: quote2,
		cache:  cache,
		minAPY: minAPY,
		logger: logger.With("component", "searcher"),
	}
}

// Search returns the opportunities that clear the minimum carry, best
// first. topN > 0 trims the tail. Opportunity symbols are base names
// (BTC, not BTCUSDT); Stats stays nil until Enrich.
func (s *Searcher) Search(ctx context.Context, topN int) ([]types.FundingOpportunity, error) {
	var ticks1, ticks2 []types.TickPrice

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ticks1, err = s.v1.AllTickPrices(gctx)
		if err != nil {
			return fmt.Errorf("%s tick prices: %w", s.v1.Name(), err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		ticks2, err = s.v2.AllTickPrices(gctx)
		if err != nil {
			return fmt.Errorf("%s tick prices: %w", s.v2.Name(), err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	mids2 := make(map[string]float64, len(ticks2))
	for _, t := range ticks2 {
		mids2[t.Name] = t.Mid
	}

	var out []types.FundingOpportunity
	for _, t := range ticks1 {
		mid2, listed := mids2[t.Name]
		if !listed {
			continue
		}

		pair1 := t.Name + s.quote1
		pair2 := t.Name + s.quote2
		rate1, ok1 := s.cache.Rate(s.v1.Name(), pair1)
		rate2, ok2 := s.cache.Rate(s.v2.Name(), pair2)
		if !ok1 || !ok2 {
			continue
		}

		apy1 := types.FundingAPY(rate1)
		apy2 := types.FundingAPY(rate2)
		diff := math.Abs(apy1 - apy2)

		opp := types.FundingOpportunity{
			Symbol:        t.Name,
			Venue1:        s.v1.Name(),
			Venue2:        s.v2.Name(),
			Rate1APY:      apy1,
			Rate2APY:      apy2,
			DiffAbs:       diff,
			ProfitRateAPY: diff / 2,
			Side1:         types.BUY,
			Side2:         types.SELL,
			Price1:        t.Mid,
			Price2:        mid2,
		}
		if apy1 > apy2 {
			opp.Side1, opp.Side2 = types.SELL, types.BUY
		}
		if !opp.Valid(s.minAPY) {
			continue
		}
		out = append(out, opp)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ProfitRateAPY != out[j].ProfitRateAPY {
			return out[i].ProfitRateAPY > out[j].ProfitRateAPY
		}
		return out[i].Symbol < out[j].Symbol
	})
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}

	s.logger.Debug("opportunity scan", "candidates", len(out), "min_apy", s.minAPY)
	return out, nil
}

// Enrich attaches spread statistics to the first topK opportunities.
// Analysis failures leave Stats nil and are logged, not returned: a thin
// kline history should not sink the whole scan.
func (s *Searcher) Enrich(ctx context.Context, opps []types.FundingOpportunity, analyzer *spread.Analyzer, topK int) {
	if topK <= 0 || topK > len(opps) {
		topK = len(opps)
	}
	for i := 0; i < topK; i++ {
		stats, err := analyzer.Analyze(ctx, opps[i].Symbol+s.quote1, opps[i].Symbol+s.quote2)
		if err != nil {
			s.logger.Warn("spread analysis skipped",
				"symbol", opps[i].Symbol,
				"error", err,
			)
			continue
		}
		opps[i].Stats = stats
	}
}
