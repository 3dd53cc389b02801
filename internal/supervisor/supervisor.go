// Package supervisor owns the fleet of per-symbol hedge engines.
//
// One supervisor runs per process. At startup it takes a synchronous risk
// snapshot, decides which symbols to trade (configured whitelist plus
// anything already held), picks the best venue pair per symbol, and spawns
// one engine goroutine per symbol. In steady state it refreshes the risk
// snapshot, fans it out to every child through its snapshot slot, restarts
// crashed or silent children with exponential backoff, and emits periodic
// activity digests. Children are goroutines, not processes: cancellation is
// cooperative and a hung child can only be abandoned, never killed.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sort"
	"sync"
	"time"

	"perp-hedger/internal/book"
	"perp-hedger/internal/config"
	"perp-hedger/internal/engine"
	"perp-hedger/internal/funding"
	"perp-hedger/internal/ipc"
	"perp-hedger/internal/journal"
	"perp-hedger/internal/notify"
	"perp-hedger/internal/risk"
	"perp-hedger/internal/spread"
	"perp-hedger/internal/venue"
	"perp-hedger/pkg/types"
)

// ErrNoVenues is returned when fewer than two venues are configured; a
// hedge needs both legs.
var ErrNoVenues = errors.New("at least two venues are required")

// ErrNoSymbols is returned when neither the whitelist nor the opening
// snapshot yields anything to trade.
var ErrNoSymbols = errors.New("no symbols to trade")

const childJoinTimeout = 3 * time.Second

// VenueHandle pairs a live adapter with its static configuration, which
// carries the scoring priors.
type VenueHandle struct {
	Adapter venue.Adapter
	Cfg     config.VenueConfig
}

// StreamFactory builds the order-book stream an engine reads for one pair
// on one venue. Sim venues poll their own books; live venues dial a feed.
type StreamFactory func(v VenueHandle, pair string) book.Stream

// Supervisor spawns and tends one engine per traded symbol.
type Supervisor struct {
	cfg      *config.Config
	venues   []VenueHandle
	streams  StreamFactory
	agg      *risk.Aggregator
	cache    *funding.Cache
	journal  *journal.Journal
	notifier notify.Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	children map[string]*child
	lastSnap *types.CombinedSnapshot

	lastMemAlert time.Time
	stopOnce     sync.Once
}

// child is one symbol's engine and its lifecycle bookkeeping.
type child struct {
	symbol    string
	venueA    VenueHandle
	venueB    VenueHandle
	cfg       engine.Config
	eng       *engine.Engine
	slot      *ipc.SnapshotSlot
	heartbeat *ipc.Heartbeat
	cancel    context.CancelFunc
	done      chan struct{}
	restarts  int
	restartAt time.Time // zero while running; respawn-eligible time when down
	spawnedAt time.Time
	removed   bool
}

// New wires a supervisor. The journal may be nil (dry runs without disk).
func New(
	cfg *config.Config,
	venues []VenueHandle,
	streams StreamFactory,
	agg *risk.Aggregator,
	cache *funding.Cache,
	jnl *journal.Journal,
	notifier notify.Notifier,
	logger *slog.Logger,
) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:      cfg,
		venues:   venues,
		streams:  streams,
		agg:      agg,
		cache:    cache,
		journal:  jnl,
		notifier: notifier,
		logger:   logger.With("component", "supervisor"),
		children: make(map[string]*child),
	}
}

// Run blocks until ctx is cancelled. Startup errors (too few venues, no
// reachable venue, nothing to trade) are fatal and returned; everything
// after a successful start is handled by the restart policy.
func (s *Supervisor) Run(ctx context.Context) error {
	if len(s.venues) < 2 {
		return fmt.Errorf("%w: got %d", ErrNoVenues, len(s.venues))
	}

	snap, err := s.agg.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("initial risk snapshot: %w", err)
	}
	s.mu.Lock()
	s.lastSnap = snap
	s.mu.Unlock()

	symbols := s.engineSet(snap)
	if len(symbols) == 0 {
		return ErrNoSymbols
	}
	s.logger.Info("starting engines", "symbols", symbols)

	for i, symbol := range symbols {
		if i > 0 {
			ctxSleep(ctx, s.cfg.Supervisor.EngineStartupDelay())
			if ctx.Err() != nil {
				break
			}
		}
		c := s.buildChild(symbol)
		s.mu.Lock()
		s.children[symbol] = c
		s.mu.Unlock()
		s.spawn(ctx, c)
		c.slot.Publish(snap)
	}

	refresh := time.NewTicker(s.cfg.Supervisor.RiskUpdateInterval())
	defer refresh.Stop()
	digest := time.NewTicker(s.cfg.Supervisor.NotifyInterval())
	defer digest.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-refresh.C:
			s.refreshAndPublish(ctx)
			s.healthCheck(ctx)
		case <-digest.C:
			s.notify(ctx, notify.Info, "hedger activity", s.digest())
		}
	}
}

// engineSet is the configured whitelist plus every symbol the snapshot says
// we already hold, deduplicated and sorted.
func (s *Supervisor) engineSet(snap *types.CombinedSnapshot) []string {
	set := make(map[string]bool)
	for _, sym := range s.cfg.Supervisor.Symbols {
		set[sym] = true
	}
	for _, m := range snap.Merged {
		set[m.Symbol] = true
	}
	out := make([]string, 0, len(set))
	for sym := range set {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// buildChild picks the best venue pair for a symbol and assembles the
// engine configuration.
func (s *Supervisor) buildChild(symbol string) *child {
	var cands []candidate
	for i := 0; i < len(s.venues); i++ {
		for j := i + 1; j < len(s.venues); j++ {
			a, b := s.venues[i], s.venues[j]
			if b.Cfg.Name < a.Cfg.Name {
				a, b = b, a
			}
			cands = append(cands, candidate{
				A:           a,
				B:           b,
				FundingDiff: s.fundingDiff(symbol, a, b),
			})
		}
	}
	best := rankPairs(cands)[0]

	s.logger.Info("venue pair selected",
		"symbol", symbol,
		"venue1", best.A.Cfg.Name,
		"venue2", best.B.Cfg.Name,
		"score", best.Score,
	)

	return &child{
		symbol: symbol,
		venueA: best.A,
		venueB: best.B,
		cfg: engine.Config{
			Symbol: symbol,
			Pair1:  symbol + best.A.Cfg.Quote,
			Pair2:  symbol + best.B.Cfg.Quote,
			Trade:  s.cfg.Default,
			Risk:   s.cfg.Risk,
		},
		slot:      ipc.NewSnapshotSlot(),
		heartbeat: &ipc.Heartbeat{},
	}
}

func (s *Supervisor) fundingDiff(symbol string, a, b VenueHandle) float64 {
	ra, okA := s.cache.Rate(a.Cfg.Name, symbol+a.Cfg.Quote)
	rb, okB := s.cache.Rate(b.Cfg.Name, symbol+b.Cfg.Quote)
	if !okA || !okB {
		return 0
	}
	return math.Abs(types.FundingAPY(ra) - types.FundingAPY(rb))
}

// spawn starts (or restarts) a child's engine goroutine. The slot and
// heartbeat survive restarts; streams and the engine itself do not.
func (s *Supervisor) spawn(ctx context.Context, c *child) {
	childCtx, cancel := context.WithCancel(ctx)

	eng := engine.New(c.cfg, c.venueA.Adapter, c.venueB.Adapter,
		s.streams(c.venueA, c.cfg.Pair1),
		s.streams(c.venueB, c.cfg.Pair2),
		engine.Deps{
			Snapshots: c.slot,
			Heartbeat: c.heartbeat,
			Analyzer:  spread.NewAnalyzer(c.venueA.Adapter, c.venueB.Adapter, s.logger),
			Refresh:   s.agg.Snapshot,
			Notifier:  s.notifier,
			Journal:   s.journal,
			Logger:    s.logger,
		})

	done := make(chan struct{})

	s.mu.Lock()
	c.eng = eng
	c.cancel = cancel
	c.done = done
	c.spawnedAt = time.Now()
	c.restartAt = time.Time{}
	s.mu.Unlock()

	c.heartbeat.Touch()
	logger := s.logger.With("symbol", c.symbol)
	go func() {
		defer close(done)
		if err := eng.Run(childCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("engine exited with error", "error", err)
		}
	}()
}

// refreshAndPublish takes a fresh snapshot and fans it out. A refresh
// failure keeps the previous snapshot; engines notice staleness themselves.
func (s *Supervisor) refreshAndPublish(ctx context.Context) {
	snap, err := s.agg.Snapshot(ctx)
	if err != nil {
		s.logger.Warn("risk snapshot refresh failed, keeping previous", "error", err)
		return
	}

	s.mu.Lock()
	s.lastSnap = snap
	children := s.childList()
	s.mu.Unlock()

	for _, c := range children {
		c.slot.Publish(snap)
	}

	if snap.ShouldNotifyRisk() {
		s.notify(ctx, notify.Warn, "risk threshold crossed", riskSummary(snap))
	}
}

// healthCheck enforces the restart policy and watches process memory.
func (s *Supervisor) healthCheck(ctx context.Context) {
	s.mu.Lock()
	children := s.childList()
	s.mu.Unlock()

	now := time.Now()
	for _, c := range children {
		if c.removed {
			continue
		}

		select {
		case <-c.done:
			s.handleDown(ctx, c, now)
		default:
			if c.heartbeat.Idle(s.cfg.Supervisor.ActivityTimeout()) {
				s.logger.Error("child heartbeat silent, cancelling",
					"symbol", c.symbol, "last", c.heartbeat.Last())
				c.cancel()
			}
		}
	}

	s.checkMemory(ctx, now)
}

// handleDown schedules, performs, or gives up on a restart of a child
// whose engine goroutine has exited.
func (s *Supervisor) handleDown(ctx context.Context, c *child, now time.Time) {
	if c.restartAt.IsZero() {
		c.restarts++
		if c.restarts > s.cfg.Supervisor.MaxRestartAttempts {
			c.removed = true
			s.logger.Error("child exceeded restart budget, removing", "symbol", c.symbol)
			s.notify(ctx, notify.Critical, "engine permanently stopped",
				fmt.Sprintf("symbol=%s restarts=%d", c.symbol, c.restarts-1))
			return
		}
		backoff := time.Duration(
			math.Pow(s.cfg.Supervisor.RestartBackoffFactor, float64(c.restarts)) * float64(time.Minute))
		c.restartAt = now.Add(backoff)
		s.logger.Warn("child down, restart scheduled",
			"symbol", c.symbol, "restart", c.restarts, "at", c.restartAt)
		return
	}
	if now.After(c.restartAt) {
		s.logger.Info("restarting child", "symbol", c.symbol, "attempt", c.restarts)
		s.spawn(ctx, c)
	}
}

func (s *Supervisor) checkMemory(ctx context.Context, now time.Time) {
	limitMB := s.cfg.Supervisor.MemoryLimitMB
	if limitMB <= 0 {
		return
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	allocMB := int(ms.Alloc / (1 << 20))
	if allocMB <= limitMB {
		return
	}
	// Children share one heap, so this can only be flagged process-wide.
	if now.Sub(s.lastMemAlert) > s.cfg.Supervisor.NotifyInterval() {
		s.lastMemAlert = now
		s.notify(ctx, notify.Warn, "memory limit exceeded",
			fmt.Sprintf("alloc=%dMB limit=%dMB", allocMB, limitMB))
	}
}

// digest renders the periodic activity table.
func (s *Supervisor) digest() string {
	s.mu.Lock()
	children := s.childList()
	s.mu.Unlock()

	rows := make([][]string, 0, len(children))
	for _, c := range children {
		state := "REMOVED"
		var stats engine.Stats
		if !c.removed && c.eng != nil {
			stats = c.eng.Stats()
			state = string(stats.State)
		}
		last := "never"
		if !stats.LastTradeAt.IsZero() {
			last = stats.LastTradeAt.Format("15:04:05")
		}
		rows = append(rows, []string{
			c.symbol,
			state,
			fmt.Sprintf("%d", stats.TradeCount),
			fmt.Sprintf("%.2f", stats.CumVolumeUSD),
			fmt.Sprintf("%.4f", stats.CumProfitUSD),
			fmt.Sprintf("%d", c.restarts),
			last,
		})
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return notify.RenderTable(
		[]string{"SYMBOL", "STATE", "TRADES", "VOLUME USD", "PROFIT USD", "RESTARTS", "LAST TRADE"},
		rows,
	) + fmt.Sprintf("memory: %dMB", ms.Alloc/(1<<20))
}

// riskSummary renders the per-venue account table for risk alerts.
func riskSummary(snap *types.CombinedSnapshot) string {
	rows := make([][]string, 0, len(snap.Exchanges))
	for i := range snap.Exchanges {
		ex := &snap.Exchanges[i]
		rows = append(rows, []string{
			ex.Venue,
			fmt.Sprintf("%.2f", ex.Leverage()),
			fmt.Sprintf("%.4f", ex.MaintenanceMarginRatio),
			fmt.Sprintf("%.2f", ex.CrossMarginUsage()),
			fmt.Sprintf("%.2f", ex.TotalMargin),
		})
	}
	return notify.RenderTable(
		[]string{"VENUE", "LEVERAGE", "MMR", "MARGIN USAGE", "TOTAL MARGIN"},
		rows,
	)
}

// shutdown cancels every child, joins each with a hard cap, and emits the
// final report. Safe to invoke more than once.
func (s *Supervisor) shutdown() {
	s.stopOnce.Do(func() {
		s.logger.Info("shutting down")

		s.mu.Lock()
		children := s.childList()
		s.mu.Unlock()

		for _, c := range children {
			if c.cancel != nil {
				c.cancel()
			}
		}
		for _, c := range children {
			if c.done == nil {
				continue
			}
			select {
			case <-c.done:
			case <-time.After(childJoinTimeout):
				s.logger.Error("child did not stop in time, abandoning", "symbol", c.symbol)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if snap, err := s.agg.Snapshot(ctx); err == nil {
			s.mu.Lock()
			s.lastSnap = snap
			s.mu.Unlock()
		}
		s.notify(ctx, notify.Info, "hedger stopped", s.digest())
		s.logger.Info("shutdown complete")
	})
}

// childList snapshots the children map in stable symbol order.
// Callers must hold s.mu.
func (s *Supervisor) childList() []*child {
	out := make([]*child, 0, len(s.children))
	for _, c := range s.children {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].symbol < out[j].symbol })
	return out
}

func (s *Supervisor) notify(ctx context.Context, level notify.Level, title, body string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, level, title, body); err != nil {
		s.logger.Warn("notify failed", "title", title, "error", err)
	}
}

func ctxSleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
