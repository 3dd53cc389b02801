// Package engine runs the per-symbol hedging loop.
//
// One Engine trades one symbol across one venue pair. It consumes both
// venues' live order books, evaluates a spread/funding signal on every tick,
// pushes it through a layered risk gate, sizes against live depth, and fires
// both market legs concurrently. Fills are reconciled before the next
// iteration; the loop is strictly single-writer — exactly one goroutine
// drives it, and order placement is the only fan-out.
//
// Lifecycle: Init → WaitingBooks → Running ⇄ (Gated | Paused | ForceReducing)
// → Stopping → Stopped. The supervisor owns the context; cancellation is the
// only external control besides the snapshot slot.
package engine

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"perp-hedger/internal/book"
	"perp-hedger/internal/config"
	"perp-hedger/internal/ipc"
	"perp-hedger/internal/journal"
	"perp-hedger/internal/notify"
	"perp-hedger/internal/spread"
	"perp-hedger/internal/venue"
	"perp-hedger/pkg/types"
)

// State is the engine's lifecycle phase, readable by the supervisor.
type State string

const (
	StateInit          State = "INIT"
	StateWaitingBooks  State = "WAITING_BOOKS"
	StateRunning       State = "RUNNING"
	StateGated         State = "GATED"
	StatePaused        State = "PAUSED"
	StateForceReducing State = "FORCE_REDUCING"
	StateStopping      State = "STOPPING"
	StateStopped       State = "STOPPED"
)

const (
	snapshotStaleAfter = 31 * time.Minute
	gatedSleep         = 50 * time.Millisecond
	gateLogEvery       = 10 * time.Second
	maxPauseBackoff    = 3 * time.Minute
	booksWaitPoll      = 100 * time.Millisecond
	booksWaitLogEvery  = 5 * time.Second
	streamStopTimeout  = 5 * time.Second
	maxNoTradeReduces  = 5
)

// Config pins one engine to a symbol and venue pair.
type Config struct {
	Symbol string // base symbol (BTC)
	Pair1  string // pair symbol on venue 1 (BTCUSDT)
	Pair2  string // pair symbol on venue 2
	Trade  config.EngineDefaults
	Risk   config.RiskConfig
}

// Deps are the engine's collaborators. Heartbeat, Analyzer, Notifier and
// Journal may be nil; Refresh may be nil when no on-demand snapshot source
// exists (auto-balance then reuses the slot's latest).
type Deps struct {
	Snapshots *ipc.SnapshotSlot
	Heartbeat *ipc.Heartbeat
	Analyzer  *spread.Analyzer
	Refresh   func(context.Context) (*types.CombinedSnapshot, error)
	Notifier  notify.Notifier
	Journal   *journal.Journal
	Logger    *slog.Logger
}

// Stats is a point-in-time view of the engine for health reporting.
type Stats struct {
	State         State
	TradeCount    int
	CumVolumeUSD  float64
	CumProfitUSD  float64
	LastTradeAt   time.Time
	MinProfitRate float64
}

// Engine is the single-writer hedging loop for one symbol.
type Engine struct {
	cfg    Config
	v1, v2 venue.Adapter

	stream1, stream2 book.Stream
	slot1, slot2     *book.Slot

	deps   Deps
	logger *slog.Logger
	rng    *rand.Rand

	// Everything below is owned by the Run goroutine.
	snap           *types.CombinedSnapshot
	market         marketState
	tuner          *profitRateTuner
	remaining      float64
	lastTrade      time.Time
	lastDownshift  time.Time
	gateLogAt      map[string]time.Time
	wake           chan struct{}

	mu    sync.Mutex // guards state + stats, read by the supervisor
	state State
	stats Stats
}

// New builds an engine over two venues and their depth streams.
func New(cfg Config, v1, v2 venue.Adapter, s1, s2 book.Stream, deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		v1:        v1,
		v2:        v2,
		stream1:   s1,
		stream2:   s2,
		slot1:     book.NewSlot(v1.Name(), cfg.Pair1),
		slot2:     book.NewSlot(v2.Name(), cfg.Pair2),
		deps:      deps,
		logger: logger.With(
			"component", "engine",
			"symbol", cfg.Symbol,
			"venues", v1.Name()+"/"+v2.Name(),
		),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		tuner:     newProfitRateTuner(cfg.Risk, logger),
		remaining: cfg.Trade.TotalAmount,
		gateLogAt: make(map[string]time.Time),
		wake:      make(chan struct{}, 1),
		state:     StateInit,
	}
}

// State returns the current lifecycle phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Snapshot of trading statistics for digests.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.State = e.state
	s.MinProfitRate = e.tuner.Min()
	return s
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Run drives the loop until ctx is cancelled or a terminal condition hits
// (budget spent, idle timeout). It always stops both streams and runs one
// final balance pass on the way out.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting",
		"pair1", e.cfg.Pair1,
		"pair2", e.cfg.Pair2,
		"daemon", e.cfg.Trade.DaemonMode,
	)

	e.stream1.Subscribe(e.cfg.Pair1, func(b *types.OrderBook) {
		if e.slot1.Update(b) {
			e.notifyWake()
		}
	})
	e.stream2.Subscribe(e.cfg.Pair2, func(b *types.OrderBook) {
		if e.slot2.Update(b) {
			e.notifyWake()
		}
	})

	if err := e.stream1.Start(ctx); err != nil {
		e.setState(StateStopped)
		return err
	}
	if err := e.stream2.Start(ctx); err != nil {
		e.stream1.Stop()
		e.setState(StateStopped)
		return err
	}
	defer e.stopStreams()

	e.setState(StateWaitingBooks)
	if err := e.waitForBooks(ctx); err != nil {
		e.setState(StateStopped)
		return err
	}

	e.setState(StateRunning)
	e.lastTrade = time.Now()

	ticker := time.NewTicker(e.cfg.Trade.TradeInterval())
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-e.wake:
		case <-ticker.C:
		}

		e.touch()
		e.pollSnapshot()

		if e.snap != nil && e.snap.ShouldForceReduce() {
			e.setState(StateForceReducing)
			e.forceReduce(ctx)
			if ctx.Err() != nil {
				break loop
			}
			e.setState(StateRunning)
			continue
		}

		e.maybeNoTradeDownshift()

		if reason, done := e.shouldExit(); done {
			e.logger.Info("engine finished", "reason", reason)
			break loop
		}

		e.step(ctx)
		if ctx.Err() != nil {
			break loop
		}
	}

	e.setState(StateStopping)
	e.finalPass()
	e.setState(StateStopped)
	e.logger.Info("engine stopped")
	return nil
}

// step is one full tick: freshness → signal → gates → sizing → latency →
// execute → settle.
func (e *Engine) step(ctx context.Context) {
	bk, res := e.freshBooks()
	if !res.OK {
		e.gated(ctx, res)
		return
	}

	sig, err := e.computeSignal(ctx, bk)
	if err != nil {
		e.logger.Warn("signal computation failed", "error", err)
		return
	}

	if res := e.gate(sig, bk); !res.OK {
		e.gated(ctx, res)
		return
	}

	amount := e.tradeAmount(sig, bk)
	if amount <= 0 {
		e.gated(ctx, rejectf("size-zero", "sized to zero against current depth"))
		return
	}

	if !e.latencyOK(sig) {
		return
	}

	trade, err := e.executeTrade(ctx, sig, amount)
	if err != nil {
		e.logger.Error("trade execution failed", "error", err)
		return
	}

	e.settle(ctx, sig, amount, trade)
}

// gated records a rejected tick: throttled log, short sleep, back to Running.
func (e *Engine) gated(ctx context.Context, res gateResult) {
	e.setState(StateGated)
	if last, ok := e.gateLogAt[res.Key]; !ok || time.Since(last) > gateLogEvery {
		e.gateLogAt[res.Key] = time.Now()
		e.logger.Info("trade gated", "reason", res.Reason)
	}
	ctxSleep(ctx, gatedSleep)
	e.setState(StateRunning)
}

func (e *Engine) pollSnapshot() {
	if snap, ok := e.deps.Snapshots.Poll(); ok {
		e.snap = snap
	}
	if e.snap != nil && e.snap.Age() > snapshotStaleAfter {
		key := "snapshot-stale"
		if last, ok := e.gateLogAt[key]; !ok || time.Since(last) > gateLogEvery {
			e.gateLogAt[key] = time.Now()
			e.logger.Warn("risk snapshot stale, risk unknown", "age", e.snap.Age())
		}
	}
}

// shouldExit checks the non-cancellation termination conditions.
func (e *Engine) shouldExit() (string, bool) {
	if !e.cfg.Trade.DaemonMode && e.remaining <= 0 {
		return "total amount traded", true
	}
	if t := e.cfg.Trade.NoTradeTimeoutSec; t > 0 &&
		time.Since(e.lastTrade) > time.Duration(t)*time.Second {
		return "no trade within timeout", true
	}
	return "", false
}

// maybeNoTradeDownshift lowers the adaptive minimum profit rate after a
// long dry spell, so a threshold ratcheted up in a rich regime cannot lock
// the engine out forever.
func (e *Engine) maybeNoTradeDownshift() {
	t := e.cfg.Risk.NoTradeReduceTimeoutSec
	if t == 0 {
		return
	}
	since := e.lastTrade
	if e.lastDownshift.After(since) {
		since = e.lastDownshift
	}
	if time.Since(since) < time.Duration(t)*time.Second {
		return
	}
	if e.tuner.Downshift(e.cfg.Risk.NoTradeReduceStepMultiplier) {
		e.lastDownshift = time.Now()
		e.logger.Info("no-trade downshift applied", "min_profit_rate", e.tuner.Min())
	}
}

// finalPass runs once on the way out: one last balance check against a
// fresh snapshot so a crash-looped engine does not leave a lopsided hedge.
func (e *Engine) finalPass() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	e.autoBalance(ctx)
}

func (e *Engine) waitForBooks(ctx context.Context) error {
	maxAge := e.cfg.Risk.MaxOrderbookAge()
	var lastLog time.Time
	for {
		if !e.slot1.IsStale(maxAge) && !e.slot2.IsStale(maxAge) {
			return nil
		}
		if time.Since(lastLog) > booksWaitLogEvery {
			lastLog = time.Now()
			e.logger.Info("waiting for order books",
				"book1_at", e.slot1.LastUpdated(),
				"book2_at", e.slot2.LastUpdated(),
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(booksWaitPoll):
		}
	}
}

// stopStreams stops both feeds in parallel with a hard cap, so a hung
// transport cannot stall shutdown.
func (e *Engine) stopStreams() {
	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, s := range []book.Stream{e.stream1, e.stream2} {
			wg.Add(1)
			go func(s book.Stream) {
				defer wg.Done()
				s.Stop()
			}(s)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(streamStopTimeout):
		e.logger.Error("stream stop timed out", "timeout", streamStopTimeout)
	}
}

func (e *Engine) notifyWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) touch() {
	if e.deps.Heartbeat != nil {
		e.deps.Heartbeat.Touch()
	}
}

func (e *Engine) notify(ctx context.Context, level notify.Level, title, body string) {
	if e.deps.Notifier == nil {
		return
	}
	if err := e.deps.Notifier.Notify(ctx, level, title, body); err != nil {
		e.logger.Warn("notify failed", "title", title, "error", err)
	}
}

func (e *Engine) journalRecord(rec journal.TradeRecord) {
	if e.deps.Journal == nil {
		return
	}
	if err := e.deps.Journal.Append(rec); err != nil {
		e.logger.Warn("journal append failed", "error", err)
	}
}

// refreshSnapshot pulls a fresh combined snapshot when an on-demand source
// is wired, falling back to the latest slot value.
func (e *Engine) refreshSnapshot(ctx context.Context) *types.CombinedSnapshot {
	if e.deps.Refresh != nil {
		snap, err := e.deps.Refresh(ctx)
		if err != nil {
			e.logger.Warn("snapshot refresh failed", "error", err)
		} else {
			e.snap = snap
		}
	} else {
		e.pollSnapshot()
	}
	return e.snap
}

func ctxSleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
