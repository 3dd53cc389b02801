// Package spread computes historical spread statistics between two venues.
//
// The relative spread of one aligned candle pair is
//
//	(close1 − close2) / close2
//
// and the Analyzer's job is to turn two kline series into the sample
// distribution of that quantity. Candles are matched on open time, so
// venues with patchy history simply contribute fewer samples; below
// MinSamples the result is rejected outright rather than letting a
// thin distribution drive z-score decisions.
package spread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"perp-hedger/internal/venue"
	"perp-hedger/pkg/types"
)

// ErrTooFewSamples rejects an analysis whose aligned sample count is below
// MinSamples.
var ErrTooFewSamples = errors.New("too few aligned samples")

const (
	// MinSamples is the smallest aligned-candle count worth a distribution.
	MinSamples = 50

	defaultInterval = "1h"
	defaultLimit    = 100

	z95 = 1.96
)

// Analyzer produces spread statistics for a symbol traded on two venues.
type Analyzer struct {
	v1, v2   venue.Adapter
	interval string
	limit    int
	logger   *slog.Logger
}

// NewAnalyzer builds an analyzer over a venue pair using 100 hourly candles.
func NewAnalyzer(v1, v2 venue.Adapter, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		v1:       v1,
		v2:       v2,
		interval: defaultInterval,
		limit:    defaultLimit,
		logger:   logger.With("component", "spread_analyzer"),
	}
}

// Analyze fetches both venues' klines in parallel and returns the spread
// distribution over aligned candles. pair1 is the symbol on the first
// venue, pair2 on the second (quote suffixes may differ).
func (a *Analyzer) Analyze(ctx context.Context, pair1, pair2 string) (*types.SpreadStatistics, error) {
	var klines1, klines2 []types.Kline

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		klines1, err = a.v1.Klines(gctx, pair1, a.interval, a.limit)
		if err != nil {
			return fmt.Errorf("%s klines: %w", a.v1.Name(), err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		klines2, err = a.v2.Klines(gctx, pair2, a.interval, a.limit)
		if err != nil {
			return fmt.Errorf("%s klines: %w", a.v2.Name(), err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	spreads := alignedSpreads(klines1, klines2)
	if len(spreads) < MinSamples {
		return nil, fmt.Errorf("%w: %d aligned of %d/%d candles, need %d",
			ErrTooFewSamples, len(spreads), len(klines1), len(klines2), MinSamples)
	}

	stats := computeStats(spreads)
	a.logger.Debug("spread distribution",
		"pair1", pair1,
		"pair2", pair2,
		"samples", stats.SampleCount,
		"mean", stats.Mean,
		"std", stats.Std,
	)
	return stats, nil
}

// alignedSpreads matches candles on open time and returns the relative
// spread per match, in series-1 order. Candles with a non-positive
// second-venue close are skipped.
func alignedSpreads(klines1, klines2 []types.Kline) []float64 {
	closes2 := make(map[int64]float64, len(klines2))
	for _, k := range klines2 {
		closes2[k.OpenTime] = k.Close
	}

	spreads := make([]float64, 0, len(klines1))
	for _, k := range klines1 {
		close2, ok := closes2[k.OpenTime]
		if !ok || close2 <= 0 {
			continue
		}
		spreads = append(spreads, (k.Close-close2)/close2)
	}
	return spreads
}

// computeStats summarizes a spread sample. The caller guarantees at least
// one element.
func computeStats(spreads []float64) *types.SpreadStatistics {
	n := len(spreads)

	var sum float64
	for _, s := range spreads {
		sum += s
	}
	mean := sum / float64(n)

	var std float64
	if n > 1 {
		var sq float64
		for _, s := range spreads {
			d := s - mean
			sq += d * d
		}
		std = math.Sqrt(sq / float64(n-1))
	}

	sorted := make([]float64, n)
	copy(sorted, spreads)
	sort.Float64s(sorted)

	ciHalf := z95 * std / math.Sqrt(float64(n))

	return &types.SpreadStatistics{
		Mean:        mean,
		Std:         std,
		Min:         sorted[0],
		Max:         sorted[n-1],
		Q1:          quantile(sorted, 0.25),
		Q3:          quantile(sorted, 0.75),
		CILow:       mean - ciHalf,
		CIHigh:      mean + ciHalf,
		SampleCount: n,
	}
}

// quantile interpolates linearly between the two nearest order statistics.
// sorted must be ascending and non-empty.
func quantile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	lower := int(math.Floor(pos))
	frac := pos - float64(lower)
	if lower+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	return sorted[lower]*(1-frac) + sorted[lower+1]*frac
}
