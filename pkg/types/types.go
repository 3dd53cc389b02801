// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the hedger: order and position
// types, order book snapshots, risk snapshots, and funding opportunities.
// It has no dependencies on internal packages, so it can be imported by any
// layer.
package types

import (
	"math"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the mirror side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// PositionSide classifies a futures position by the sign of its amount.
type PositionSide string

const (
	LONG  PositionSide = "LONG"
	SHORT PositionSide = "SHORT"
	FLAT  PositionSide = "FLAT"
)

// PositionSideOf derives the position side from a signed amount.
func PositionSideOf(amount float64) PositionSide {
	switch {
	case amount > 0:
		return LONG
	case amount < 0:
		return SHORT
	default:
		return FLAT
	}
}

// ReduceSide returns the order side that shrinks a position of this side.
func (p PositionSide) ReduceSide() Side {
	if p == LONG {
		return SELL
	}
	return BUY
}

// OrderSide returns the order side that opened (or grows) this position.
func (p PositionSide) OrderSide() Side {
	if p == SHORT {
		return SELL
	}
	return BUY
}

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	MarketOrder OrderType = "MARKET"
	LimitOrder  OrderType = "LIMIT"
)

// OrderStatus is the venue-reported lifecycle state of an order.
type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderExpired         OrderStatus = "EXPIRED"
	OrderRejected        OrderStatus = "REJECTED"
)

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderExpired, OrderRejected:
		return true
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level in an order book.
type PriceLevel struct {
	Price float64
	Size  float64
}

// OrderBook is a point-in-time L2 depth snapshot for one symbol.
// Bids are sorted descending by price, asks ascending. Timestamp is the
// local wall clock at receipt, not the venue's matching-engine time, so
// staleness checks measure our own pipeline lag.
type OrderBook struct {
	Symbol    string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// BestBid returns the top bid level.
func (b *OrderBook) BestBid() (PriceLevel, bool) {
	if b == nil || len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask level.
func (b *OrderBook) BestAsk() (PriceLevel, bool) {
	if b == nil || len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// MidPrice returns (bestBid+bestAsk)/2. ok is false when either side is empty.
func (b *OrderBook) MidPrice() (float64, bool) {
	bid, ok1 := b.BestBid()
	ask, ok2 := b.BestAsk()
	if !ok1 || !ok2 {
		return 0, false
	}
	return (bid.Price + ask.Price) / 2, true
}

// SpreadPct returns (bestAsk−bestBid)/mid. ok is false when the book is one-sided.
func (b *OrderBook) SpreadPct() (float64, bool) {
	bid, ok1 := b.BestBid()
	ask, ok2 := b.BestAsk()
	if !ok1 || !ok2 {
		return 0, false
	}
	mid := (bid.Price + ask.Price) / 2
	if mid <= 0 {
		return 0, false
	}
	return (ask.Price - bid.Price) / mid, true
}

// LiquidityUSD sums price·size over the first levels of one side.
// Side BUY means the ask side (what a buyer consumes), SELL the bid side.
func (b *OrderBook) LiquidityUSD(side Side, levels int) float64 {
	if b == nil {
		return 0
	}
	lvls := b.Bids
	if side == BUY {
		lvls = b.Asks
	}
	if levels > len(lvls) {
		levels = len(lvls)
	}
	var total float64
	for _, l := range lvls[:levels] {
		total += l.Price * l.Size
	}
	return total
}

// Age returns the time elapsed since the snapshot was received.
func (b *OrderBook) Age() time.Duration {
	return time.Since(b.Timestamp)
}

// IsStale reports whether the snapshot is missing or older than maxAge.
func (b *OrderBook) IsStale(maxAge time.Duration) bool {
	return b == nil || time.Since(b.Timestamp) > maxAge
}

// Kline is one OHLC candle. OpenTime is venue epoch milliseconds, which is
// what kline alignment across venues keys on.
type Kline struct {
	OpenTime int64
	Open     float64
	High     float64
	Low      float64
	Close    float64
}

// TickPrice is one symbol's mid price in a venue-wide price listing.
// Name is the base symbol with the quote suffix stripped (BTC, not BTCUSDT).
type TickPrice struct {
	Name string
	Mid  float64
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is the venue-agnostic order the engine submits to an adapter.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Type       OrderType
	Amount     float64
	Price      float64 // limit price; ignored for MARKET
	ReduceOnly bool
	ClientID   string
}

// Order is a venue's view of one of our orders, as returned by order lookup.
type Order struct {
	ID          string
	Symbol      string
	Side        Side
	Type        OrderType
	Status      OrderStatus
	Price       float64
	AvgPrice    float64
	ExecutedQty float64
	OrigQty     float64
	ReduceOnly  bool
	UpdatedAt   time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Positions and risk
// ————————————————————————————————————————————————————————————————————————

// Position is one signed futures position on one venue.
// Amount and Notional carry the same sign: positive long, negative short.
type Position struct {
	Symbol           string
	Amount           float64
	EntryPrice       float64
	Notional         float64
	UnrealizedPnL    float64
	FundingFee       float64
	MarkPrice        float64
	ADLRank          int
	LiquidationPrice float64
	Side             PositionSide
	FundingRateAPY   *float64 // nil when the rate is unknown
}

// RiskThresholds are the per-venue limits the risk predicates evaluate
// against.
type RiskThresholds struct {
	SafeLeverage        float64
	TargetLeverage      float64
	DangerLeverage      float64
	ForceReduceLeverage float64

	SafeMMR        float64
	DangerMMR      float64
	ForceReduceMMR float64

	SafeMarginUsage   float64
	DangerMarginUsage float64
}

// Margin floors below which opening is never allowed, in USD.
const (
	MinTotalMarginUSD     = 100.0
	MinAvailableMarginUSD = 200.0
	MinOpenNotionalUSD    = 200.0
)

// ExchangeInfo is one venue's account snapshot inside a CombinedSnapshot.
type ExchangeInfo struct {
	Venue                  string
	TotalMargin            float64
	AvailableMargin        float64
	MaintenanceMarginRatio float64
	Positions              []Position
	TakerFeeRate           float64
	MakerFeeRate           float64
	Thresholds             RiskThresholds
	FetchedAt              time.Time
}

// TotalNotional sums the absolute notional across all positions.
func (e *ExchangeInfo) TotalNotional() float64 {
	var total float64
	for _, p := range e.Positions {
		total += math.Abs(p.Notional)
	}
	return total
}

// Leverage is total notional over total margin. Positions held against zero
// margin read as infinite leverage so the force-reduce predicate fires.
func (e *ExchangeInfo) Leverage() float64 {
	notional := e.TotalNotional()
	if e.TotalMargin <= 0 {
		if notional > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return notional / e.TotalMargin
}

// CrossMarginUsage is 1 − available/total, clamped to [0, 1].
func (e *ExchangeInfo) CrossMarginUsage() float64 {
	if e.TotalMargin <= 0 {
		return 1
	}
	u := 1 - e.AvailableMargin/e.TotalMargin
	if u < 0 {
		return 0
	}
	if u > 1 {
		return 1
	}
	return u
}

// MaxOpenNotional is the largest additional notional this venue may take on.
func (e *ExchangeInfo) MaxOpenNotional() float64 {
	return e.AvailableMargin * e.Thresholds.SafeLeverage
}

// CanAddPosition reports whether the venue is safe to open more exposure on.
func (e *ExchangeInfo) CanAddPosition() bool {
	return e.Leverage() < e.Thresholds.SafeLeverage &&
		e.MaintenanceMarginRatio < e.Thresholds.SafeMMR &&
		e.CrossMarginUsage() < e.Thresholds.SafeMarginUsage &&
		e.TotalMargin > MinTotalMarginUSD &&
		e.AvailableMargin > MinAvailableMarginUSD &&
		e.MaxOpenNotional() > MinOpenNotionalUSD
}

// ShouldNotifyRisk reports whether the venue has crossed a danger threshold.
func (e *ExchangeInfo) ShouldNotifyRisk() bool {
	return e.Leverage() >= e.Thresholds.DangerLeverage ||
		e.MaintenanceMarginRatio >= e.Thresholds.DangerMMR ||
		e.CrossMarginUsage() >= e.Thresholds.DangerMarginUsage
}

// ShouldForceReduce reports whether the venue requires immediate unwinding.
func (e *ExchangeInfo) ShouldForceReduce() bool {
	return e.Leverage() >= e.Thresholds.ForceReduceLeverage ||
		e.MaintenanceMarginRatio >= e.Thresholds.ForceReduceMMR
}

// PositionFor returns the venue's position in a symbol, if any.
func (e *ExchangeInfo) PositionFor(symbol string) (Position, bool) {
	for _, p := range e.Positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return Position{}, false
}

// ————————————————————————————————————————————————————————————————————————
// Combined snapshot
// ————————————————————————————————————————————————————————————————————————

// PositionLeg is one venue's contribution to a merged cross-venue position.
type PositionLeg struct {
	Venue  string
	Side   PositionSide
	Amount float64
}

// MergedPosition is the cross-venue hedged view of one symbol.
// ImbalanceAmount is the sum of signed amounts across venues; for a perfect
// hedge it is zero.
type MergedPosition struct {
	Symbol               string
	ImbalanceAmount      float64
	HedgedNotional       float64 // Σ|notional|/2, one hedged leg's worth
	UnrealizedPnL        float64
	FundingFee           float64
	RefPrice             float64 // latest mark price seen across legs
	Legs                 []PositionLeg
	SpreadProfit         float64 // −Σ entry·amount
	FundingProfitRateAPY float64 // Σ over legs: SELL +rate, BUY −rate
}

// ImbalanceUSD is the signed USD value of the cross-venue imbalance.
func (m *MergedPosition) ImbalanceUSD() float64 {
	return m.ImbalanceAmount * m.RefPrice
}

// ImbalanceNotifyUSD is the combined-level alert threshold for one symbol's
// cross-venue imbalance.
const ImbalanceNotifyUSD = 200.0

// CombinedSnapshot is the aggregator's periodic view of every venue.
// It is created once per refresh, published by pointer, and read-only to
// consumers.
type CombinedSnapshot struct {
	Exchanges     []ExchangeInfo
	Merged        []MergedPosition
	Opportunities []FundingOpportunity
	UpdateTime    time.Time
	TimeCost      time.Duration
}

// Age returns the time elapsed since the snapshot was produced.
func (s *CombinedSnapshot) Age() time.Duration {
	return time.Since(s.UpdateTime)
}

// Stale reports whether the snapshot is missing or older than maxAge.
func (s *CombinedSnapshot) Stale(maxAge time.Duration) bool {
	return s == nil || time.Since(s.UpdateTime) > maxAge
}

// Exchange returns the member venue's info, if present.
func (s *CombinedSnapshot) Exchange(venue string) (*ExchangeInfo, bool) {
	for i := range s.Exchanges {
		if s.Exchanges[i].Venue == venue {
			return &s.Exchanges[i], true
		}
	}
	return nil, false
}

// MergedFor returns the merged position for a symbol, if present.
func (s *CombinedSnapshot) MergedFor(symbol string) (*MergedPosition, bool) {
	for i := range s.Merged {
		if s.Merged[i].Symbol == symbol {
			return &s.Merged[i], true
		}
	}
	return nil, false
}

// CanAddPosition reports whether the named venue permits opening.
// A venue missing from the snapshot reads as not permitted.
func (s *CombinedSnapshot) CanAddPosition(venue string) bool {
	e, ok := s.Exchange(venue)
	return ok && e.CanAddPosition()
}

// ShouldForceReduce is true when any member venue requests force-reduce.
func (s *CombinedSnapshot) ShouldForceReduce() bool {
	for i := range s.Exchanges {
		if s.Exchanges[i].ShouldForceReduce() {
			return true
		}
	}
	return false
}

// ShouldNotifyRisk is true when any member venue is in a danger state or any
// merged position's imbalance exceeds the notify threshold.
func (s *CombinedSnapshot) ShouldNotifyRisk() bool {
	for i := range s.Exchanges {
		if s.Exchanges[i].ShouldNotifyRisk() {
			return true
		}
	}
	for i := range s.Merged {
		if math.Abs(s.Merged[i].ImbalanceUSD()) > ImbalanceNotifyUSD {
			return true
		}
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Funding opportunities and spread statistics
// ————————————————————————————————————————————————————————————————————————

// FundingPeriodsPerDay is the assumed venue funding schedule (8h periods).
// Venues on another schedule scale rates in their adapter before they reach
// shared code.
const FundingPeriodsPerDay = 3

// FundingAPY annualises a single-period funding rate.
func FundingAPY(perPeriod float64) float64 {
	return perPeriod * FundingPeriodsPerDay * 365
}

// DefaultMinFundingProfitAPY is the floor a funding differential must clear
// for an opportunity to be worth holding a hedge over.
const DefaultMinFundingProfitAPY = 0.08

// FundingOpportunity is one candidate (symbol, venue pair) whose funding
// differential covers the carry of a hedged position. Side1/Side2 are the
// legs that harvest the differential: short the higher-funding venue.
type FundingOpportunity struct {
	Symbol        string
	Venue1        string
	Venue2        string
	Rate1APY      float64
	Rate2APY      float64
	DiffAbs       float64
	ProfitRateAPY float64 // DiffAbs/2, one leg's expected carry
	Side1         Side
	Side2         Side
	Price1        float64
	Price2        float64
	Stats         *SpreadStatistics // nil until an analyzer pass attaches it
}

// Valid reports whether the opportunity clears the minimum profit rate.
func (o *FundingOpportunity) Valid(minAPY float64) bool {
	return o.ProfitRateAPY >= minAPY
}

// SpreadStatistics summarizes the historical relative spread between the
// same symbol's price on two venues.
type SpreadStatistics struct {
	Mean        float64
	Std         float64 // sample standard deviation (n−1)
	Min         float64
	Max         float64
	Q1          float64
	Q3          float64
	CILow       float64 // 95% confidence interval bounds
	CIHigh      float64
	SampleCount int
}

// ZScore places a spread observation relative to the sample distribution.
// A degenerate sample (zero std) scores everything 0 rather than ±Inf, so
// downstream threshold checks simply never fire.
func (s *SpreadStatistics) ZScore(spread float64) float64 {
	if s == nil || s.Std == 0 {
		return 0
	}
	return (spread - s.Mean) / s.Std
}

// ————————————————————————————————————————————————————————————————————————
// Trade signal
// ————————————————————————————————————————————————————————————————————————

// TradeSignal is the transient evaluation an engine produces on each book
// tick. It is created, gated, and either executed or discarded; it never
// outlives one loop iteration.
type TradeSignal struct {
	Pair1              string
	Pair2              string
	Side1              Side
	Side2              Side
	Price1             float64
	Price2             float64
	Spread             float64 // (mid1−mid2)/mid2
	SpreadRate         float64 // executable spread from reference prices
	MASpread           float64
	StdSpread          float64
	OptimalSpread      float64
	ZScore             float64
	ZScoreAfterFee     float64
	FundingRateDiffAPY float64
	IsAddPosition      bool
	GeneratedAt        time.Time
}

// Delay is the signal's age relative to now. Signals past the hard latency
// cap trade at stale prices and must be dropped.
func (s *TradeSignal) Delay(now time.Time) time.Duration {
	return now.Sub(s.GeneratedAt)
}
