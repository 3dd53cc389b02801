// balance.go repairs cross-venue imbalance and unwinds under force-reduce.
//
// Auto-balance direction table. imbalance = Σ signed amounts across legs;
// the correcting order side is always the one that moves that sum toward
// zero, so any fill of that side shrinks |imbalance| no matter which venue
// executes it:
//
//	imbalance > 0 (long excess)  → order side SELL, qty |imbalance|
//	  primary:  the SHORT leg's venue (grows the short toward parity)
//	  fallback: the LONG leg's venue, reduce-only (shrinks the long)
//	imbalance < 0 (short excess) → order side BUY, qty |imbalance|
//	  primary:  the LONG leg's venue (grows the long toward parity)
//	  fallback: the SHORT leg's venue, reduce-only (shrinks the short)
//
// The primary grows gross exposure on one venue, which is logged; what it
// never does is grow |imbalance|. When no candidate venue exists the engine
// alerts and refuses to trade blind.
package engine

import (
	"context"
	"fmt"
	"math"

	"perp-hedger/internal/journal"
	"perp-hedger/internal/notify"
	"perp-hedger/pkg/types"
)

// balanceMinUSD is the dead band under which imbalance is left alone; a
// correction this small costs more in fees than it removes in risk.
const balanceMinUSD = 50.0

// autoBalance measures the symbol's cross-venue imbalance against a fresh
// snapshot and, when it is both material and under the auto-trade limit,
// places one correcting market order.
func (e *Engine) autoBalance(ctx context.Context) {
	snap := e.refreshSnapshot(ctx)
	if snap == nil {
		e.logger.Warn("auto-balance skipped: no risk snapshot")
		return
	}
	merged, ok := snap.MergedFor(e.cfg.Symbol)
	if !ok {
		return // flat everywhere
	}

	imbalance := merged.ImbalanceAmount
	imbalanceUSD := merged.ImbalanceUSD()
	if math.Abs(imbalanceUSD) <= balanceMinUSD {
		return
	}
	if limit := e.cfg.Risk.AutoPosBalanceUSDValueLimit; math.Abs(imbalanceUSD) > limit {
		e.notify(ctx, notify.Critical, "imbalance exceeds auto-balance limit",
			fmt.Sprintf("symbol=%s imbalance=%.6f usd=%.2f limit=%.2f — manual intervention required",
				e.cfg.Symbol, imbalance, imbalanceUSD, limit))
		return
	}

	side := types.SELL
	if imbalance < 0 {
		side = types.BUY
	}
	qty := math.Abs(imbalance)

	primary, fallback := e.balanceTargets(merged, side)
	if primary == nil && fallback == nil {
		e.notify(ctx, notify.Critical, "auto-balance has no target leg",
			fmt.Sprintf("symbol=%s imbalance=%.6f usd=%.2f legs=%+v",
				e.cfg.Symbol, imbalance, imbalanceUSD, merged.Legs))
		return
	}

	e.logger.Warn("auto-balancing position",
		"imbalance", imbalance, "usd", imbalanceUSD, "side", side, "qty", qty)

	if primary != nil {
		// Growing this leg's gross exposure is the accepted cost of
		// restoring the hedge without touching the healthy leg.
		if e.placeBalanceOrder(ctx, primary, side, qty, false) {
			return
		}
		e.logger.Warn("primary balance leg failed, falling back to reduce-only",
			"primary", primary.venue)
	}
	if fallback != nil {
		capQty := math.Min(qty, math.Abs(fallback.amount))
		if capQty <= 0 {
			return
		}
		if !e.placeBalanceOrder(ctx, fallback, side, capQty, true) {
			e.notify(ctx, notify.Critical, "auto-balance failed on both legs",
				fmt.Sprintf("symbol=%s imbalance=%.6f usd=%.2f", e.cfg.Symbol, imbalance, imbalanceUSD))
		}
	}
}

// balanceLeg is one venue's stake in the merged position, resolved back to
// the adapter that trades it.
type balanceLeg struct {
	venue  string
	pair   string
	amount float64 // signed
}

// balanceTargets splits our two venues' legs into the primary (position
// side matches the correcting order, so the order grows it toward parity)
// and the fallback (opposite side, true reduce-only).
func (e *Engine) balanceTargets(merged *types.MergedPosition, side types.Side) (primary, fallback *balanceLeg) {
	for _, leg := range merged.Legs {
		var pair string
		switch leg.Venue {
		case e.v1.Name():
			pair = e.cfg.Pair1
		case e.v2.Name():
			pair = e.cfg.Pair2
		default:
			continue // another engine's venue
		}
		resolved := &balanceLeg{venue: leg.Venue, pair: pair, amount: leg.Amount}
		if leg.Side.OrderSide() == side {
			primary = resolved
		} else {
			fallback = resolved
		}
	}
	return primary, fallback
}

func (e *Engine) placeBalanceOrder(ctx context.Context, leg *balanceLeg, side types.Side, qty float64, reduceOnly bool) bool {
	adapter := e.v1
	if leg.venue == e.v2.Name() {
		adapter = e.v2
	}

	qty = adapter.ConvertSize(leg.pair, qty)
	if qty <= 0 {
		return false
	}

	id, err := adapter.PlaceOrder(ctx, types.OrderRequest{
		Symbol:     leg.pair,
		Side:       side,
		Type:       types.MarketOrder,
		Amount:     qty,
		ReduceOnly: reduceOnly,
	})
	if err != nil {
		e.logger.Error("balance order failed",
			"venue", leg.venue, "side", side, "qty", qty, "reduce_only", reduceOnly, "error", err)
		return false
	}

	fill, err := e.awaitFill(ctx, adapter, leg.pair, id)
	if err != nil {
		e.logger.Error("balance order reconcile failed", "venue", leg.venue, "error", err)
		return false
	}

	e.logger.Info("balance order filled",
		"venue", leg.venue, "side", side, "qty", fill.qty, "avg_price", fill.avgPrice)
	e.journalRecord(journal.TradeRecord{
		Kind:       journal.KindBalance,
		Symbol:     e.cfg.Symbol,
		Venue1:     leg.venue,
		Side1:      side,
		Amount:     fill.qty,
		AvgPrice1:  fill.avgPrice,
		ReduceOnly: reduceOnly,
	})

	e.refreshSnapshot(ctx)
	return true
}

// forceReduce unwinds the hedge in capped chunks while the snapshot keeps
// demanding it. Each pass reduces every leg we hold by at most one chunk's
// notional, re-reads the snapshot, and stops as soon as the flag clears or
// nothing is left to reduce.
func (e *Engine) forceReduce(ctx context.Context) {
	e.logger.Warn("force-reduce engaged")

	for ctx.Err() == nil {
		snap := e.snap
		if snap == nil || !snap.ShouldForceReduce() {
			e.logger.Info("force-reduce cleared")
			return
		}

		merged, ok := snap.MergedFor(e.cfg.Symbol)
		if !ok || len(merged.Legs) == 0 {
			e.logger.Info("force-reduce: flat, nothing to unwind")
			return
		}

		price := merged.RefPrice
		if price <= 0 {
			if b, ok := e.slot1.Latest(); ok {
				price, _ = b.MidPrice()
			}
		}
		if price <= 0 {
			e.logger.Error("force-reduce: no reference price, retrying")
			ctxSleep(ctx, reconcileWait)
			continue
		}

		chunk := snapToStep(e.cfg.Trade.MaxOrderValueUSD/price, e.cfg.Trade.AmountStep)
		if chunk <= 0 {
			chunk = e.cfg.Trade.AmountStep
		}

		if !e.reduceChunk(ctx, merged, chunk) {
			return
		}
		e.refreshSnapshot(ctx)
	}
}

// reduceChunk fires one reduce-only market order per held leg, in parallel,
// each capped at chunk. Returns false when no order could be placed (flat
// or all placements failed), which terminates the force-reduce loop.
func (e *Engine) reduceChunk(ctx context.Context, merged *types.MergedPosition, chunk float64) bool {
	type reduction struct {
		leg  balanceLeg
		side types.Side
		qty  float64
	}

	var reductions []reduction
	for _, leg := range merged.Legs {
		var pair string
		switch leg.Venue {
		case e.v1.Name():
			pair = e.cfg.Pair1
		case e.v2.Name():
			pair = e.cfg.Pair2
		default:
			continue
		}
		qty := math.Min(chunk, math.Abs(leg.Amount))
		if qty <= 0 {
			continue
		}
		reductions = append(reductions, reduction{
			leg:  balanceLeg{venue: leg.Venue, pair: pair, amount: leg.Amount},
			side: leg.Side.ReduceSide(),
			qty:  qty,
		})
	}
	if len(reductions) == 0 {
		return false
	}

	fills := make([]*legFill, len(reductions))
	done := make(chan int, len(reductions))
	for i, r := range reductions {
		go func(i int, r reduction) {
			defer func() { done <- i }()
			adapter := e.v1
			if r.leg.venue == e.v2.Name() {
				adapter = e.v2
			}
			qty := adapter.ConvertSize(r.leg.pair, r.qty)
			if qty <= 0 {
				return
			}
			id, err := adapter.PlaceOrder(ctx, types.OrderRequest{
				Symbol:     r.leg.pair,
				Side:       r.side,
				Type:       types.MarketOrder,
				Amount:     qty,
				ReduceOnly: true,
			})
			if err != nil {
				e.logger.Error("force-reduce leg failed",
					"venue", r.leg.venue, "side", r.side, "qty", qty, "error", err)
				return
			}
			fill, err := e.awaitFill(ctx, adapter, r.leg.pair, id)
			if err != nil {
				e.logger.Error("force-reduce reconcile failed", "venue", r.leg.venue, "error", err)
				return
			}
			fill.side = r.side
			fills[i] = fill
		}(i, r)
	}
	for range reductions {
		<-done
	}

	var placed bool
	var profit, qty float64
	var sellAvg, buyAvg float64
	for _, fill := range fills {
		if fill == nil {
			continue
		}
		placed = true
		qty = fill.qty
		if fill.side == types.SELL {
			sellAvg = fill.avgPrice
		} else {
			buyAvg = fill.avgPrice
		}
		e.journalRecord(journal.TradeRecord{
			Kind:       journal.KindForceReduce,
			Symbol:     e.cfg.Symbol,
			Venue1:     fill.venue,
			Side1:      fill.side,
			Amount:     fill.qty,
			AvgPrice1:  fill.avgPrice,
			ReduceOnly: true,
		})
	}
	if !placed {
		return false
	}

	if sellAvg > 0 && buyAvg > 0 {
		profit = (sellAvg - buyAvg) * qty
	}
	e.notify(ctx, notify.Warn, "force-reduce chunk executed",
		fmt.Sprintf("symbol=%s chunk=%.6f spread_profit=%.4f", e.cfg.Symbol, qty, profit))
	return true
}
