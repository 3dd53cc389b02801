// sim.go implements Adapter against in-memory state.
//
// The sim venue backs dry-run mode and every integration test: it fills
// market orders against its configured book, enforces reduce-only semantics
// the way real venues do, and can delay fill reports to exercise the
// reconcile polling path.
package venue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"perp-hedger/pkg/types"
)

// ErrReduceOnlyRejected is returned when a reduce-only order would open or
// grow a position instead of shrinking one.
var ErrReduceOnlyRejected = errors.New("reduce-only order would increase position")

const (
	simInitialMarginRate     = 0.1 // 10x
	simMaintenanceMarginRate = 0.005
)

type simPosition struct {
	amount float64 // signed
	entry  float64
}

// Sim is an in-memory venue. All mutating and reading methods are safe for
// concurrent use.
type Sim struct {
	name  string
	quote string
	taker float64
	maker float64

	mu          sync.Mutex
	defaultStep float64
	steps       map[string]float64
	books       map[string]*types.OrderBook
	klines      map[string][]types.Kline
	funding     map[string]float64 // single-period rate per pair symbol
	positions   map[string]*simPosition
	totalMargin float64
	orders      map[string]*types.Order
	lastOrder   map[string]string
	requests    []types.OrderRequest

	pollsUntilFill int
	pollsLeft      map[string]int
	failNext       []error
}

// NewSim builds a sim venue with sane margins and fees.
func NewSim(name string) *Sim {
	return &Sim{
		name:        name,
		quote:       "USDT",
		taker:       0.0005,
		maker:       0.0002,
		defaultStep: 0.001,
		steps:       make(map[string]float64),
		books:       make(map[string]*types.OrderBook),
		klines:      make(map[string][]types.Kline),
		funding:     make(map[string]float64),
		positions:   make(map[string]*simPosition),
		totalMargin: 10000,
		orders:      make(map[string]*types.Order),
		lastOrder:   make(map[string]string),
		pollsLeft:   make(map[string]int),
	}
}

func (s *Sim) Name() string { return s.name }

// ————————————————————————————————————————————————————————————————————————
// Test and wiring hooks
// ————————————————————————————————————————————————————————————————————————

// SetBook installs the book market orders fill against.
func (s *Sim) SetBook(symbol string, book *types.OrderBook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[symbol] = book
}

// Book returns the current book for a symbol, nil when unset.
func (s *Sim) Book(symbol string) *types.OrderBook {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.books[symbol]
}

// SetKlines installs the candle history Klines serves.
func (s *Sim) SetKlines(symbol string, ks []types.Kline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.klines[symbol] = ks
}

// SetFundingRate sets the single-period funding rate for a pair symbol.
func (s *Sim) SetFundingRate(symbol string, perPeriod float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funding[symbol] = perPeriod
}

// SetPosition force-sets a signed position, bypassing order flow.
func (s *Sim) SetPosition(symbol string, amount, entry float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if amount == 0 {
		delete(s.positions, symbol)
		return
	}
	s.positions[symbol] = &simPosition{amount: amount, entry: entry}
}

// PositionAmount returns the signed position for a symbol (0 when flat).
func (s *Sim) PositionAmount(symbol string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.positions[symbol]; ok {
		return p.amount
	}
	return 0
}

// SetTotalMargin sets the account's total margin in USD.
func (s *Sim) SetTotalMargin(usd float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalMargin = usd
}

// SetSizeStep overrides the quantity step for one symbol.
func (s *Sim) SetSizeStep(symbol string, step float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[symbol] = step
}

// SetFees overrides the taker/maker fee rates.
func (s *Sim) SetFees(taker, maker float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taker = taker
	s.maker = maker
}

// SetPollsUntilFill makes RecentOrder report NEW this many times per order
// before reporting the fill, exercising reconcile polling.
func (s *Sim) SetPollsUntilFill(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollsUntilFill = n
}

// FailNextOrder queues an error for the next PlaceOrder call.
func (s *Sim) FailNextOrder(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = append(s.failNext, err)
}

// Requests returns a copy of every order request received, in order.
func (s *Sim) Requests() []types.OrderRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.OrderRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Adapter implementation
// ————————————————————————————————————————————————————————————————————————

func (s *Sim) AllTickPrices(ctx context.Context) ([]types.TickPrice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.TickPrice
	for symbol, book := range s.books {
		mid, ok := book.MidPrice()
		if !ok {
			continue
		}
		out = append(out, types.TickPrice{Name: strings.TrimSuffix(symbol, s.quote), Mid: mid})
	}
	return out, nil
}

func (s *Sim) TickPrice(ctx context.Context, symbol string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	book, ok := s.books[symbol]
	if !ok {
		return 0, fmt.Errorf("sim %s: no book for %s", s.name, symbol)
	}
	mid, ok := book.MidPrice()
	if !ok {
		return 0, fmt.Errorf("sim %s: one-sided book for %s", s.name, symbol)
	}
	return mid, nil
}

func (s *Sim) Klines(ctx context.Context, symbol, interval string, limit int) ([]types.Kline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.klines[symbol]
	if !ok {
		return nil, fmt.Errorf("sim %s: no klines for %s", s.name, symbol)
	}
	if limit > 0 && len(ks) > limit {
		ks = ks[len(ks)-limit:]
	}
	out := make([]types.Kline, len(ks))
	copy(out, ks)
	return out, nil
}

func (s *Sim) FundingRate(ctx context.Context, symbol string, apy bool) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rate, ok := s.funding[symbol]
	if !ok {
		return 0, fmt.Errorf("sim %s: no funding rate for %s", s.name, symbol)
	}
	if apy {
		return types.FundingAPY(rate), nil
	}
	return rate, nil
}

func (s *Sim) Positions(ctx context.Context) ([]types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Position
	for symbol, p := range s.positions {
		if p.amount == 0 {
			continue
		}
		out = append(out, s.positionLocked(symbol, p))
	}
	return out, nil
}

func (s *Sim) positionLocked(symbol string, p *simPosition) types.Position {
	mark := p.entry
	if book, ok := s.books[symbol]; ok {
		if mid, ok := book.MidPrice(); ok {
			mark = mid
		}
	}
	rate, hasRate := s.funding[symbol]
	pos := types.Position{
		Symbol:        symbol,
		Amount:        p.amount,
		EntryPrice:    p.entry,
		Notional:      p.amount * mark,
		UnrealizedPnL: (mark - p.entry) * p.amount,
		MarkPrice:     mark,
		Side:          types.PositionSideOf(p.amount),
	}
	if hasRate {
		apy := types.FundingAPY(rate)
		pos.FundingRateAPY = &apy
	}
	return pos
}

func (s *Sim) TotalMargin(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalMargin, nil
}

func (s *Sim) AvailableMargin(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.availableMarginLocked(), nil
}

func (s *Sim) availableMarginLocked() float64 {
	used := s.totalNotionalLocked() * simInitialMarginRate
	avail := s.totalMargin - used
	if avail < 0 {
		return 0
	}
	return avail
}

func (s *Sim) totalNotionalLocked() float64 {
	var total float64
	for symbol, p := range s.positions {
		mark := p.entry
		if book, ok := s.books[symbol]; ok {
			if mid, ok := book.MidPrice(); ok {
				mark = mid
			}
		}
		total += math.Abs(p.amount) * mark
	}
	return total
}

func (s *Sim) CrossMarginRatio(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.totalMargin <= 0 {
		return 1, nil
	}
	ratio := s.totalNotionalLocked() * simMaintenanceMarginRate / s.totalMargin
	if ratio > 1 {
		ratio = 1
	}
	return ratio, nil
}

func (s *Sim) PlaceOrder(ctx context.Context, req types.OrderRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)

	if len(s.failNext) > 0 {
		err := s.failNext[0]
		s.failNext = s.failNext[1:]
		return "", err
	}

	book, ok := s.books[req.Symbol]
	if !ok {
		return "", fmt.Errorf("sim %s: no book for %s", s.name, req.Symbol)
	}
	var fillPrice float64
	if req.Side == types.BUY {
		ask, ok := book.BestAsk()
		if !ok {
			return "", fmt.Errorf("sim %s: no asks for %s", s.name, req.Symbol)
		}
		fillPrice = ask.Price
	} else {
		bid, ok := book.BestBid()
		if !ok {
			return "", fmt.Errorf("sim %s: no bids for %s", s.name, req.Symbol)
		}
		fillPrice = bid.Price
	}
	if req.Type == types.LimitOrder && req.Price > 0 {
		fillPrice = req.Price
	}

	qty := s.convertSizeLocked(req.Symbol, req.Amount)
	if qty <= 0 {
		return "", fmt.Errorf("sim %s: amount %v below size step", s.name, req.Amount)
	}

	pos := s.positions[req.Symbol]
	if req.ReduceOnly {
		if pos == nil || pos.amount == 0 ||
			types.PositionSideOf(pos.amount).ReduceSide() != req.Side {
			return "", fmt.Errorf("sim %s %s: %w", s.name, req.Symbol, ErrReduceOnlyRejected)
		}
		if qty > math.Abs(pos.amount) {
			qty = math.Abs(pos.amount)
		}
	}

	s.applyFillLocked(req.Symbol, req.Side, qty, fillPrice)

	id := uuid.NewString()
	s.orders[id] = &types.Order{
		ID:          id,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Status:      types.OrderFilled,
		AvgPrice:    fillPrice,
		ExecutedQty: qty,
		OrigQty:     qty,
		ReduceOnly:  req.ReduceOnly,
		UpdatedAt:   time.Now(),
	}
	s.lastOrder[req.Symbol] = id
	if s.pollsUntilFill > 0 {
		s.pollsLeft[id] = s.pollsUntilFill
	}
	return id, nil
}

func (s *Sim) applyFillLocked(symbol string, side types.Side, qty, price float64) {
	delta := qty
	if side == types.SELL {
		delta = -qty
	}
	pos := s.positions[symbol]
	if pos == nil || pos.amount == 0 {
		s.positions[symbol] = &simPosition{amount: delta, entry: price}
		return
	}

	newAmount := pos.amount + delta
	switch {
	case newAmount == 0:
		delete(s.positions, symbol)
	case pos.amount > 0 == (newAmount > 0) && math.Abs(newAmount) > math.Abs(pos.amount):
		// Growing the same side: blend the entry.
		pos.entry = (pos.entry*math.Abs(pos.amount) + price*qty) / math.Abs(newAmount)
		pos.amount = newAmount
	case pos.amount > 0 == (newAmount > 0):
		// Reducing: entry unchanged.
		pos.amount = newAmount
	default:
		// Flipped through zero: the remainder opens at the fill price.
		pos.amount = newAmount
		pos.entry = price
	}
}

func (s *Sim) CancelAllOrders(ctx context.Context, symbol string) error {
	return nil // market orders fill immediately; nothing rests
}

func (s *Sim) RecentOrder(ctx context.Context, symbol, orderID string) (*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := orderID
	if id == "" {
		id = s.lastOrder[symbol]
	}
	order, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("sim %s: no recent order for %s", s.name, symbol)
	}

	if left := s.pollsLeft[id]; left > 0 {
		s.pollsLeft[id] = left - 1
		pending := *order
		pending.Status = types.OrderNew
		pending.AvgPrice = 0
		pending.ExecutedQty = 0
		return &pending, nil
	}

	copied := *order
	return &copied, nil
}

func (s *Sim) ConvertSize(symbol string, qty float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convertSizeLocked(symbol, qty)
}

func (s *Sim) convertSizeLocked(symbol string, qty float64) float64 {
	step := s.steps[symbol]
	if step == 0 {
		step = s.defaultStep
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

func (s *Sim) TakerFeeRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taker
}

func (s *Sim) MakerFeeRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maker
}
