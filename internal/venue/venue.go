// Package venue defines the uniform surface every derivatives venue adapter
// must expose, plus the guarded-call wrapper and the built-in simulated
// venue.
//
// Real venue clients (REST signing, pagination, websocket auth) live outside
// this repository; the hedger only consumes this contract. Every operation
// takes a context and returns an explicit error so a synchronous SDK can be
// wrapped without the engine ever blocking uncontrolled.
package venue

import (
	"context"

	"perp-hedger/pkg/types"
)

// Adapter is the capability set the aggregator, searcher and engines consume.
//
// Symbol arguments are venue pair names (BTCUSDT); listing calls return base
// names with the quote stripped (BTC). FundingRate with apy=true must scale
// the venue's single-period rate by that venue's own funding schedule; the
// three-periods-per-day convention is not universal and only the adapter
// knows its venue's cadence.
type Adapter interface {
	Name() string

	// Market data.
	AllTickPrices(ctx context.Context) ([]types.TickPrice, error)
	TickPrice(ctx context.Context, symbol string) (float64, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]types.Kline, error)
	FundingRate(ctx context.Context, symbol string, apy bool) (float64, error)

	// Account.
	Positions(ctx context.Context) ([]types.Position, error)
	TotalMargin(ctx context.Context) (float64, error)
	AvailableMargin(ctx context.Context) (float64, error)
	CrossMarginRatio(ctx context.Context) (float64, error)

	// Trading.
	PlaceOrder(ctx context.Context, req types.OrderRequest) (string, error)
	CancelAllOrders(ctx context.Context, symbol string) error
	RecentOrder(ctx context.Context, symbol, orderID string) (*types.Order, error)

	// Venue metadata.
	ConvertSize(symbol string, qty float64) float64
	TakerFeeRate() float64
	MakerFeeRate() float64
}
