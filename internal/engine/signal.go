// signal.go turns a pair of fresh order books into a TradeSignal.
//
// The signal's z-score measures the funding-adjusted cross-venue spread
// against its historical distribution; side selection in daemon mode and
// the z gates key off it. Spread statistics and funding rates are slow
// inputs, refreshed through a one-hour cache rather than per tick.
package engine

import (
	"context"
	"fmt"
	"time"

	"perp-hedger/pkg/types"
)

// marketStateTTL bounds how long the engine trades on one statistics fetch.
const marketStateTTL = time.Hour

// fundingPeriodsPerYear converts an APY differential back to a single
// funding period's worth of spread.
const fundingPeriodsPerYear = types.FundingPeriodsPerDay * 365

type marketState struct {
	stats     *types.SpreadStatistics // nil when history is too thin
	fr1APY    float64
	fr2APY    float64
	fetchedAt time.Time
}

// pairBooks is one tick's view of both venues.
type pairBooks struct {
	b1, b2 *types.OrderBook
}

// freshBooks returns both books iff both are younger than the configured
// age bound.
func (e *Engine) freshBooks() (pairBooks, gateResult) {
	maxAge := e.cfg.Risk.MaxOrderbookAge()

	b1, ok1 := e.slot1.Latest()
	b2, ok2 := e.slot2.Latest()
	if !ok1 || b1.IsStale(maxAge) {
		return pairBooks{}, rejectf("stale-book", "order-book stale: %s %s age=%s",
			e.v1.Name(), e.cfg.Pair1, bookAge(b1))
	}
	if !ok2 || b2.IsStale(maxAge) {
		return pairBooks{}, rejectf("stale-book", "order-book stale: %s %s age=%s",
			e.v2.Name(), e.cfg.Pair2, bookAge(b2))
	}
	return pairBooks{b1: b1, b2: b2}, pass()
}

func bookAge(b *types.OrderBook) string {
	if b == nil {
		return "never"
	}
	return b.Age().Truncate(time.Millisecond).String()
}

// refreshMarketState re-pulls spread statistics and funding rates once the
// cache expires. Failures degrade rather than stall: missing stats zero the
// z-score, missing rates zero the funding adjustment.
func (e *Engine) refreshMarketState(ctx context.Context) {
	if !e.market.fetchedAt.IsZero() && time.Since(e.market.fetchedAt) < marketStateTTL {
		return
	}

	next := marketState{fetchedAt: time.Now()}

	if e.deps.Analyzer != nil {
		stats, err := e.deps.Analyzer.Analyze(ctx, e.cfg.Pair1, e.cfg.Pair2)
		if err != nil {
			e.logger.Warn("spread analysis unavailable", "error", err)
		} else {
			next.stats = stats
		}
	}

	if fr, err := e.v1.FundingRate(ctx, e.cfg.Pair1, true); err != nil {
		e.logger.Warn("funding rate unavailable", "venue", e.v1.Name(), "error", err)
	} else {
		next.fr1APY = fr
	}
	if fr, err := e.v2.FundingRate(ctx, e.cfg.Pair2, true); err != nil {
		e.logger.Warn("funding rate unavailable", "venue", e.v2.Name(), "error", err)
	} else {
		next.fr2APY = fr
	}

	e.market = next
}

// computeSignal evaluates the current tick. The returned signal carries the
// reference prices for the intended sides, never executed prices.
func (e *Engine) computeSignal(ctx context.Context, bk pairBooks) (*types.TradeSignal, error) {
	mid1, ok1 := bk.b1.MidPrice()
	mid2, ok2 := bk.b2.MidPrice()
	if !ok1 || !ok2 || mid2 == 0 {
		return nil, fmt.Errorf("one-sided book: %s=%v %s=%v", e.v1.Name(), ok1, e.v2.Name(), ok2)
	}

	e.refreshMarketState(ctx)

	spreadNow := (mid1 - mid2) / mid2
	// One funding period's differential, folded into the spread so the
	// z-score prices in the next payment.
	frAdjust := (e.market.fr1APY - e.market.fr2APY) / fundingPeriodsPerYear
	adjusted := spreadNow + frAdjust

	var mean, std float64
	if e.market.stats != nil {
		mean = e.market.stats.Mean
		std = e.market.stats.Std
	}
	z := e.market.stats.ZScore(adjusted)

	side1 := e.decideSide(z)
	side2 := side1.Opposite()

	feeRate := e.v1.TakerFeeRate() + e.v2.TakerFeeRate()
	zAfterFee := z
	if std > 0 {
		if side1 == types.BUY {
			zAfterFee = (adjusted + feeRate - mean) / std
		} else {
			zAfterFee = (adjusted - feeRate - mean) / std
		}
	}

	price1, price2 := referencePrices(bk, side1)
	if price1 <= 0 || price2 <= 0 {
		return nil, fmt.Errorf("no reference price for side %s", side1)
	}

	var spreadRate float64
	if side1 == types.BUY {
		spreadRate = (price2 - price1) / price1
	} else {
		spreadRate = (price1 - price2) / price1
	}

	return &types.TradeSignal{
		Pair1:              e.cfg.Pair1,
		Pair2:              e.cfg.Pair2,
		Side1:              side1,
		Side2:              side2,
		Price1:             price1,
		Price2:             price2,
		Spread:             spreadNow,
		SpreadRate:         spreadRate,
		MASpread:           mean,
		StdSpread:          std,
		OptimalSpread:      mean + e.cfg.Trade.ZScoreThreshold*std - frAdjust,
		ZScore:             z,
		ZScoreAfterFee:     zAfterFee,
		FundingRateDiffAPY: e.market.fr1APY - e.market.fr2APY,
		IsAddPosition:      e.isAddPosition(side1, side2),
		GeneratedAt:        time.Now(),
	}, nil
}

// decideSide picks leg-1's direction. Fixed mode uses the configured side;
// daemon mode follows the z-score while adding is allowed and flips to the
// reduce direction once it is not.
func (e *Engine) decideSide(z float64) types.Side {
	if !e.cfg.Trade.DaemonMode {
		return types.Side(e.cfg.Trade.Side1)
	}

	canAdd := e.snap != nil &&
		e.snap.CanAddPosition(e.v1.Name()) &&
		e.snap.CanAddPosition(e.v2.Name())
	if !canAdd {
		if pos, ok := e.positionOn(e.v1.Name(), e.cfg.Pair1); ok {
			return pos.Side.ReduceSide()
		}
	}

	if z <= 0 {
		return types.BUY
	}
	return types.SELL
}

// referencePrices picks the touch the intended sides would cross: the ask
// for a buy, the bid for a sell.
func referencePrices(bk pairBooks, side1 types.Side) (float64, float64) {
	var p1, p2 float64
	if side1 == types.BUY {
		if ask, ok := bk.b1.BestAsk(); ok {
			p1 = ask.Price
		}
		if bid, ok := bk.b2.BestBid(); ok {
			p2 = bid.Price
		}
	} else {
		if bid, ok := bk.b1.BestBid(); ok {
			p1 = bid.Price
		}
		if ask, ok := bk.b2.BestAsk(); ok {
			p2 = ask.Price
		}
	}
	return p1, p2
}

// isAddPosition reports whether executing these sides grows the hedge
// (no position yet, or existing legs already point the same way).
func (e *Engine) isAddPosition(side1, side2 types.Side) bool {
	pos1, ok1 := e.positionOn(e.v1.Name(), e.cfg.Pair1)
	pos2, ok2 := e.positionOn(e.v2.Name(), e.cfg.Pair2)
	if !ok1 && !ok2 {
		return true
	}
	if ok1 && pos1.Side.OrderSide() != side1 {
		return false
	}
	if ok2 && pos2.Side.OrderSide() != side2 {
		return false
	}
	return true
}

// positionOn looks a venue's position up in the latest risk snapshot.
func (e *Engine) positionOn(venueName, pair string) (types.Position, bool) {
	if e.snap == nil {
		return types.Position{}, false
	}
	ex, ok := e.snap.Exchange(venueName)
	if !ok {
		return types.Position{}, false
	}
	return ex.PositionFor(pair)
}
