// execute.go places the two legs and reconciles their fills.
//
// Both market orders launch concurrently — a sequential pair would hold
// one-sided exposure for a full round trip. The engine never retries a
// placement (duplicate-fill risk) and never cancels a filled leg when the
// other fails; the one-leg path alerts and hands repair to auto-balance.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"perp-hedger/internal/journal"
	"perp-hedger/internal/notify"
	"perp-hedger/internal/venue"
	"perp-hedger/pkg/types"
)

// ErrOneLegFailed marks a trade where exactly one venue accepted its order.
var ErrOneLegFailed = errors.New("one leg failed to place")

const (
	reconcileRetries = 30
	reconcileWait    = 100 * time.Millisecond
)

type legFill struct {
	venue    string
	pair     string
	side     types.Side
	orderID  string
	avgPrice float64
	qty      float64
}

type tradeResult struct {
	leg1, leg2 legFill
}

// executeTrade fires both legs and waits for both fills.
func (e *Engine) executeTrade(ctx context.Context, sig *types.TradeSignal, amount float64) (*tradeResult, error) {
	reduceOnly := !sig.IsAddPosition

	req1 := types.OrderRequest{
		Symbol: e.cfg.Pair1, Side: sig.Side1, Type: types.MarketOrder,
		Amount: amount, ReduceOnly: reduceOnly, ClientID: uuid.NewString(),
	}
	req2 := types.OrderRequest{
		Symbol: e.cfg.Pair2, Side: sig.Side2, Type: types.MarketOrder,
		Amount: amount, ReduceOnly: reduceOnly, ClientID: uuid.NewString(),
	}

	var (
		id1, id2   string
		err1, err2 error
		wg         sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		id1, err1 = e.v1.PlaceOrder(ctx, req1)
	}()
	go func() {
		defer wg.Done()
		id2, err2 = e.v2.PlaceOrder(ctx, req2)
	}()
	wg.Wait()

	switch {
	case err1 != nil && err2 != nil:
		return nil, fmt.Errorf("both legs failed: %s: %v; %s: %v",
			e.v1.Name(), err1, e.v2.Name(), err2)
	case err1 != nil:
		e.oneLegFailure(ctx, e.v1.Name(), sig.Side1, amount, err1)
		return nil, fmt.Errorf("%w: %s: %v", ErrOneLegFailed, e.v1.Name(), err1)
	case err2 != nil:
		e.oneLegFailure(ctx, e.v2.Name(), sig.Side2, amount, err2)
		return nil, fmt.Errorf("%w: %s: %v", ErrOneLegFailed, e.v2.Name(), err2)
	}

	fill1, ferr1 := e.awaitFill(ctx, e.v1, e.cfg.Pair1, id1)
	fill2, ferr2 := e.awaitFill(ctx, e.v2, e.cfg.Pair2, id2)
	if ferr1 != nil {
		return nil, fmt.Errorf("reconcile %s: %w", e.v1.Name(), ferr1)
	}
	if ferr2 != nil {
		return nil, fmt.Errorf("reconcile %s: %w", e.v2.Name(), ferr2)
	}
	fill1.side, fill2.side = sig.Side1, sig.Side2
	return &tradeResult{leg1: *fill1, leg2: *fill2}, nil
}

// oneLegFailure is the hedge's worst routine case: one venue filled, the
// other refused. Alert loudly, refresh the risk view, and let auto-balance
// close the gap.
func (e *Engine) oneLegFailure(ctx context.Context, venueName string, side types.Side, amount float64, cause error) {
	e.logger.Error("one leg failed, hedge is lopsided",
		"venue", venueName, "side", side, "amount", amount, "error", cause)
	e.notify(ctx, notify.Critical, "one-leg order failure",
		fmt.Sprintf("symbol=%s venue=%s side=%s amount=%v error=%v",
			e.cfg.Symbol, venueName, side, amount, cause))
	e.refreshSnapshot(ctx)
	e.autoBalance(ctx)
}

// awaitFill polls the venue until the order reports a terminal status.
// Venues that fill inline simply answer on the first poll.
func (e *Engine) awaitFill(ctx context.Context, v venue.Adapter, pair, orderID string) (*legFill, error) {
	var lastErr error
	for attempt := 0; attempt < reconcileRetries; attempt++ {
		if attempt > 0 {
			ctxSleep(ctx, reconcileWait)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}

		order, err := v.RecentOrder(ctx, pair, orderID)
		if err != nil {
			lastErr = err
			continue
		}
		if order.Status == types.OrderFilled {
			return &legFill{
				venue:    v.Name(),
				pair:     pair,
				orderID:  order.ID,
				avgPrice: order.AvgPrice,
				qty:      order.ExecutedQty,
			}, nil
		}
		if order.Status.Terminal() {
			return nil, fmt.Errorf("order %s terminal without fill: %s", order.ID, order.Status)
		}
	}
	return nil, fmt.Errorf("order %s not filled after %d polls: %v", orderID, reconcileRetries, lastErr)
}

// settle books the completed trade: realised accounting, journal, adaptive
// threshold update, post-trade balance check, and the profit back-off.
func (e *Engine) settle(ctx context.Context, sig *types.TradeSignal, amount float64, tr *tradeResult) {
	realizedSpread := tr.leg1.avgPrice - tr.leg2.avgPrice
	profit := realizedSpread * amount
	if sig.Side1 == types.BUY {
		// Bought leg 1, sold leg 2: we earn when leg 2 printed higher.
		profit = -profit
	}

	var rate float64
	if notional := tr.leg1.avgPrice * amount; notional > 0 {
		rate = profit / notional
	}

	e.lastTrade = time.Now()
	if !e.cfg.Trade.DaemonMode {
		e.remaining -= amount
	}

	e.mu.Lock()
	e.stats.TradeCount++
	e.stats.CumVolumeUSD += amount * tr.leg1.avgPrice
	e.stats.CumProfitUSD += profit
	e.stats.LastTradeAt = e.lastTrade
	e.mu.Unlock()

	e.logger.Info("trade executed",
		"side1", sig.Side1,
		"amount", amount,
		"avg1", tr.leg1.avgPrice,
		"avg2", tr.leg2.avgPrice,
		"spread_profit", profit,
		"realized_rate", rate,
		"z", sig.ZScoreAfterFee,
		"reduce_only", !sig.IsAddPosition,
	)

	e.journalRecord(journal.TradeRecord{
		Kind:           journal.KindTrade,
		Symbol:         e.cfg.Symbol,
		Venue1:         tr.leg1.venue,
		Venue2:         tr.leg2.venue,
		Side1:          sig.Side1,
		Side2:          sig.Side2,
		Amount:         amount,
		AvgPrice1:      tr.leg1.avgPrice,
		AvgPrice2:      tr.leg2.avgPrice,
		RealizedSpread: realizedSpread,
		SpreadProfit:   profit,
		RealizedRate:   rate,
		ReduceOnly:     !sig.IsAddPosition,
	})

	if sig.IsAddPosition {
		e.tuner.Record(rate)
	}

	e.autoBalance(ctx)

	minRate := e.tuner.Min()
	if rate < minRate && minRate != 0 {
		backoff := time.Duration((minRate - rate) / math.Abs(minRate) * float64(time.Minute))
		if backoff > maxPauseBackoff {
			backoff = maxPauseBackoff
		}
		if backoff > 0 {
			e.logger.Info("realized rate under minimum, backing off",
				"rate", rate, "min", minRate, "backoff", backoff)
			e.setState(StatePaused)
			ctxSleep(ctx, backoff)
			e.setState(StateRunning)
		}
	}
}
