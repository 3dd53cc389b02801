// gates.go is the ordered pre-trade risk filter.
//
// Gates are Result values, not errors: a rejection is routine and the loop
// simply sleeps and re-evaluates. The first failing gate wins and its
// human-readable reason is logged (throttled per reason key).
package engine

import (
	"fmt"
	"math"
	"time"

	"perp-hedger/pkg/types"
)

const (
	// Hard cap past which a signal's prices can no longer be trusted.
	signalHardLatency = 50 * time.Millisecond
	signalWarnLatency = 10 * time.Millisecond

	// Regime guard: a live spread this many times beyond the historical
	// mean invalidates the distribution the z-score was drawn from.
	regimeBreakFactor = 3.0
)

type gateResult struct {
	OK     bool
	Key    string // stable per-reason key for log throttling
	Reason string
}

func pass() gateResult { return gateResult{OK: true} }

func rejectf(key, format string, args ...any) gateResult {
	return gateResult{Key: key, Reason: fmt.Sprintf(format, args...)}
}

// gate applies every check in order; the first failure short-circuits.
func (e *Engine) gate(sig *types.TradeSignal, bk pairBooks) gateResult {
	// Risk snapshot must exist, and both venues must accept new exposure
	// when this trade would add to the hedge.
	if e.snap == nil {
		return rejectf("no-snapshot", "no risk snapshot yet")
	}
	if sig.IsAddPosition {
		for _, name := range []string{e.v1.Name(), e.v2.Name()} {
			if !e.snap.CanAddPosition(name) {
				return rejectf("cannot-add", "risk: %s cannot add position", name)
			}
		}
	}

	// Freshness was checked before the signal; re-check so nothing between
	// there and here can widen the window.
	maxAge := e.cfg.Risk.MaxOrderbookAge()
	if bk.b1.IsStale(maxAge) || bk.b2.IsStale(maxAge) {
		return rejectf("stale-book", "order-book stale during evaluation")
	}

	if res := e.gateBookSpread(bk.b1, e.v1.Name()); !res.OK {
		return res
	}
	if res := e.gateBookSpread(bk.b2, e.v2.Name()); !res.OK {
		return res
	}

	levels := e.cfg.Risk.LiquidityDepthLevels
	minLiq := e.cfg.Risk.MinLiquidityUSD
	if liq := bk.b1.LiquidityUSD(sig.Side1, levels); liq < minLiq {
		return rejectf("thin-depth", "insufficient depth on %s %s side: $%.0f < $%.0f",
			e.v1.Name(), sig.Side1, liq, minLiq)
	}
	if liq := bk.b2.LiquidityUSD(sig.Side2, levels); liq < minLiq {
		return rejectf("thin-depth", "insufficient depth on %s %s side: $%.0f < $%.0f",
			e.v2.Name(), sig.Side2, liq, minLiq)
	}

	minRate := e.tuner.Min()
	if !sig.IsAddPosition {
		minRate = e.cfg.Risk.ReducePosMinProfitRate
	}
	if sig.SpreadRate < minRate {
		return rejectf("spread-rate", "spread rate %.6f below minimum %.6f",
			sig.SpreadRate, minRate)
	}

	if e.cfg.Trade.DaemonMode {
		if res := e.gateRegime(sig); !res.OK {
			return res
		}
		if res := e.gateZScore(sig); !res.OK {
			return res
		}
	}

	return pass()
}

func (e *Engine) gateBookSpread(b *types.OrderBook, venueName string) gateResult {
	pct, ok := b.SpreadPct()
	if !ok {
		return rejectf("one-sided-book", "one-sided book on %s", venueName)
	}
	if pct >= e.cfg.Risk.MaxSpreadPct {
		return rejectf("wide-book", "book spread %.5f on %s exceeds %.5f",
			pct, venueName, e.cfg.Risk.MaxSpreadPct)
	}
	return pass()
}

// gateRegime rejects when the live spread sits far outside the historical
// mean: the fitted distribution no longer describes the market.
func (e *Engine) gateRegime(sig *types.TradeSignal) gateResult {
	mean := sig.MASpread
	if mean == 0 {
		return pass()
	}
	if math.Abs(sig.Spread) > regimeBreakFactor*math.Abs(mean) {
		return rejectf("regime-break", "spread %.6f deviates from mean %.6f by more than %.0fx",
			sig.Spread, mean, regimeBreakFactor)
	}
	return pass()
}

// gateZScore requires the fee-adjusted z-score to back the chosen direction
// before adding exposure: deep below −threshold to buy leg 1, deep above
// +threshold to sell it. Reduces are exempt — unwinding happens when the
// spread has reverted, i.e. exactly when z is small.
func (e *Engine) gateZScore(sig *types.TradeSignal) gateResult {
	if !sig.IsAddPosition {
		return pass()
	}
	threshold := e.cfg.Trade.ZScoreThreshold
	triggered := (sig.Side1 == types.BUY && sig.ZScoreAfterFee <= -threshold) ||
		(sig.Side1 == types.SELL && sig.ZScoreAfterFee >= threshold)
	if !triggered {
		return rejectf("zscore", "z-score does not support chosen side: z=%.2f side1=%s threshold=%.2f",
			sig.ZScoreAfterFee, sig.Side1, threshold)
	}
	return pass()
}

// latencyOK drops signals whose evaluation took too long; their reference
// prices describe a market that no longer exists.
func (e *Engine) latencyOK(sig *types.TradeSignal) bool {
	delay := sig.Delay(time.Now())
	if delay > signalHardLatency {
		e.logger.Error("signal too old, dropping", "delay", delay)
		return false
	}
	if delay > signalWarnLatency {
		e.logger.Warn("signal latency high", "delay", delay)
	}
	return true
}
