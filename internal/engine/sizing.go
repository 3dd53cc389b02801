// sizing.go derives one trade's quantity from live depth and the
// configured notional window.
package engine

import (
	"math"

	"github.com/shopspring/decimal"

	"perp-hedger/pkg/types"
)

// sizingInput carries everything calcTradeAmount needs, flattened so the
// doubling/halving walk is testable without an engine.
type sizingInput struct {
	base               float64 // starting quantity before any clamp
	avgPrice           float64
	step               float64
	firstLevelQty      float64 // min top-of-book size across both taken sides
	useDynamic         bool
	maxFirstLevelRatio float64
	minOrderValueUSD   float64
	maxOrderValueUSD   float64
	maxOpenNotional    float64 // 0 = no venue-side bound
	remaining          float64 // 0 = no budget bound
}

// calcTradeAmount walks the base quantity into the allowed notional window:
// cap by a fraction of the thinner first level, double below the minimum
// order value, halve (step-aligned) above the maximum, clamp to the
// remaining budget. Returns 0 when no valid size exists.
func calcTradeAmount(in sizingInput) float64 {
	if in.base <= 0 || in.avgPrice <= 0 {
		return 0
	}

	amount := in.base
	if in.useDynamic && in.firstLevelQty > 0 {
		depthCap := in.maxFirstLevelRatio * in.firstLevelQty
		if amount > depthCap {
			amount = snapToStep(depthCap, in.step)
			if amount <= 0 {
				return 0
			}
		}
	}

	for i := 0; amount*in.avgPrice < in.minOrderValueUSD; i++ {
		if i >= 60 {
			return 0
		}
		amount *= 2
	}

	maxValue := in.maxOrderValueUSD
	if in.maxOpenNotional > 0 && in.maxOpenNotional < maxValue {
		maxValue = in.maxOpenNotional
	}
	for i := 0; amount*in.avgPrice > maxValue; i++ {
		if i >= 60 {
			return 0
		}
		amount = snapToStep(amount/2, in.step)
		if amount <= 0 {
			return 0
		}
	}

	if in.remaining > 0 && amount > in.remaining {
		amount = snapToStep(in.remaining, in.step)
	}
	return amount
}

// tradeAmount assembles the sizing input for this tick and converts the
// result through both venues' quantity precision, keeping the smaller.
func (e *Engine) tradeAmount(sig *types.TradeSignal, bk pairBooks) float64 {
	avgPrice := (sig.Price1 + sig.Price2) / 2

	in := sizingInput{
		base:               e.baseAmount(avgPrice),
		avgPrice:           avgPrice,
		step:               e.cfg.Trade.AmountStep,
		firstLevelQty:      firstLevelQty(sig, bk),
		useDynamic:         e.cfg.Trade.UseDynamicAmount,
		maxFirstLevelRatio: e.cfg.Trade.MaxFirstLevelRatio,
		minOrderValueUSD:   e.cfg.Trade.MinOrderValueUSD,
		maxOrderValueUSD:   e.cfg.Trade.MaxOrderValueUSD,
		maxOpenNotional:    e.maxOpenNotional(sig),
	}
	if !e.cfg.Trade.DaemonMode {
		in.remaining = e.remaining
	}

	amount := calcTradeAmount(in)
	if amount <= 0 {
		return 0
	}
	return math.Min(
		e.v1.ConvertSize(e.cfg.Pair1, amount),
		e.v2.ConvertSize(e.cfg.Pair2, amount),
	)
}

// baseAmount seeds the sizing walk: daemon mode derives it from price so it
// lands near the minimum order value, fixed mode samples the configured
// window so repeated orders do not telegraph a constant size.
func (e *Engine) baseAmount(avgPrice float64) float64 {
	t := e.cfg.Trade
	if t.DaemonMode {
		if avgPrice <= 0 {
			return 0
		}
		return snapUpToStep(t.MinOrderValueUSD/avgPrice, t.AmountStep)
	}
	sample := t.AmountMin + e.rng.Float64()*(t.AmountMax-t.AmountMin)
	amount := snapToStep(sample, t.AmountStep)
	if amount < t.AmountMin {
		amount = snapUpToStep(t.AmountMin, t.AmountStep)
	}
	return amount
}

// firstLevelQty is the thinner of the two top levels we would consume.
func firstLevelQty(sig *types.TradeSignal, bk pairBooks) float64 {
	q1 := topLevelSize(bk.b1, sig.Side1)
	q2 := topLevelSize(bk.b2, sig.Side2)
	if q1 <= 0 || q2 <= 0 {
		return 0
	}
	return math.Min(q1, q2)
}

func topLevelSize(b *types.OrderBook, side types.Side) float64 {
	if side == types.BUY {
		if ask, ok := b.BestAsk(); ok {
			return ask.Size
		}
		return 0
	}
	if bid, ok := b.BestBid(); ok {
		return bid.Size
	}
	return 0
}

// maxOpenNotional is the tighter of the two venues' opening headroom, used
// only when this trade adds exposure.
func (e *Engine) maxOpenNotional(sig *types.TradeSignal) float64 {
	if !sig.IsAddPosition || e.snap == nil {
		return 0
	}
	var out float64
	for _, name := range []string{e.v1.Name(), e.v2.Name()} {
		ex, ok := e.snap.Exchange(name)
		if !ok {
			continue
		}
		n := ex.MaxOpenNotional()
		if out == 0 || n < out {
			out = n
		}
	}
	return out
}

func snapToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	snapped := decimal.NewFromFloat(qty).
		Div(decimal.NewFromFloat(step)).
		Floor().
		Mul(decimal.NewFromFloat(step))
	f, _ := snapped.Float64()
	if f < 0 {
		return 0
	}
	return f
}

func snapUpToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	snapped := decimal.NewFromFloat(qty).
		Div(decimal.NewFromFloat(step)).
		Ceil().
		Mul(decimal.NewFromFloat(step))
	f, _ := snapped.Float64()
	if f < 0 {
		return 0
	}
	return f
}
