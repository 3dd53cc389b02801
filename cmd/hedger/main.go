// perp-hedger — a cross-exchange funding-rate hedging engine for perpetual
// futures.
//
// Architecture:
//
//	main.go                 — entry point: config, logging, wiring, supervisor, signals
//	supervisor/             — spawns one engine per symbol, health checks, restarts
//	engine/                 — per-symbol loop: signal → gates → sizing → dual-leg execution
//	risk/                   — aggregates margin/positions across venues into one snapshot
//	venue/                  — exchange adapters behind one interface (sim built in)
//	book/                   — local order-book slots fed by venue streams
//	spread/                 — historical spread statistics from klines
//	scanner/                — cross-venue funding-opportunity search
//	funding/                — shared funding-rate cache
//	journal/                — append-only trade journal (JSONL)
//
// How it makes money:
//
//	The hedger holds offsetting perpetual positions on two venues: short the
//	venue paying the higher funding rate, long the cheaper one. Price risk
//	nets out; the funding differential is collected every period. Entries and
//	exits are timed by the Z-score of the cross-venue spread so each leg pair
//	is opened at a favourable basis and unwound after reversion.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"perp-hedger/internal/book"
	"perp-hedger/internal/config"
	"perp-hedger/internal/funding"
	"perp-hedger/internal/journal"
	"perp-hedger/internal/notify"
	"perp-hedger/internal/risk"
	"perp-hedger/internal/supervisor"
	"perp-hedger/internal/venue"
)

const simStreamInterval = 200 * time.Millisecond

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	handles, err := buildVenues(cfg)
	if err != nil {
		logger.Error("failed to build venues", "error", err)
		os.Exit(1)
	}

	adapters := make([]venue.Adapter, 0, len(handles))
	entries := make([]risk.VenueEntry, 0, len(handles))
	for _, h := range handles {
		adapters = append(adapters, h.Adapter)
		entries = append(entries, risk.VenueEntry{Adapter: h.Adapter, Quote: h.Cfg.Quote})
	}

	cache := funding.NewCache(fundingSources(cfg, handles, adapters), cfg.Funding.TTL(), logger)
	agg := risk.New(entries, cache, cfg.Risk.Thresholds(), cfg.Risk.MinFundingProfitAPY, 5, logger)

	jnl, err := journal.Open(cfg.Journal.Dir)
	if err != nil {
		logger.Error("failed to open trade journal", "dir", cfg.Journal.Dir, "error", err)
		os.Exit(1)
	}
	defer jnl.Close()

	var notifier notify.Notifier
	if cfg.Notify.WebhookURL != "" && cfg.Notify.Token != "" {
		notifier = notify.NewWebhook(cfg.Notify.WebhookURL, cfg.Notify.Token)
	} else {
		notifier = notify.NewConsole()
	}

	sup := supervisor.New(cfg, handles, streamFactory, agg, cache, jnl, notifier, logger)

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — all venues are simulated, no real orders")
	}
	logger.Info("perp hedger starting",
		"venues", len(handles),
		"symbols", cfg.Supervisor.Symbols,
		"daemon", cfg.Default.DaemonMode,
		"dry_run", cfg.DryRun,
	)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	if err := sup.Run(ctx); err != nil {
		logger.Error("supervisor failed", "error", err)
		os.Exit(1)
	}
}

// buildVenues instantiates one adapter per configured venue. The sim kind is
// built in; live adapters register under their own kind names.
func buildVenues(cfg *config.Config) ([]supervisor.VenueHandle, error) {
	handles := make([]supervisor.VenueHandle, 0, len(cfg.Venues))
	for _, vc := range cfg.Venues {
		kind := vc.Kind
		if cfg.DryRun {
			kind = "sim"
		}
		switch kind {
		case "sim":
			sim := venue.NewSim(vc.Name)
			if vc.TakerFeeRate > 0 || vc.MakerFeeRate > 0 {
				sim.SetFees(vc.TakerFeeRate, vc.MakerFeeRate)
			}
			handles = append(handles, supervisor.VenueHandle{Adapter: sim, Cfg: vc})
		default:
			return nil, fmt.Errorf("venue %s: unknown kind %q", vc.Name, vc.Kind)
		}
	}
	return handles, nil
}

// fundingSources prefers configured aggregator endpoints; without any it
// falls back to polling the venue adapters for the whitelisted pairs.
func fundingSources(cfg *config.Config, handles []supervisor.VenueHandle, adapters []venue.Adapter) []funding.Source {
	urls := cfg.Funding.SourceURLs()
	if len(urls) > 0 {
		sources := make([]funding.Source, 0, len(urls))
		for i, url := range urls {
			sources = append(sources, funding.NewRESTSource(fmt.Sprintf("rest-%d", i+1), url))
		}
		return sources
	}

	symbols := func() []string {
		seen := make(map[string]bool)
		var pairs []string
		for _, sym := range cfg.Supervisor.Symbols {
			for _, h := range handles {
				pair := sym + h.Cfg.Quote
				if !seen[pair] {
					seen[pair] = true
					pairs = append(pairs, pair)
				}
			}
		}
		return pairs
	}
	return []funding.Source{funding.NewVenueSource(adapters, symbols)}
}

// streamFactory wires the order-book feed for one venue/pair. Sim venues
// poll their own books; anything else would bring its own WSStream codec.
func streamFactory(v supervisor.VenueHandle, _ string) book.Stream {
	if sim, ok := v.Adapter.(*venue.Sim); ok {
		return book.NewSimStream(sim.Book, simStreamInterval)
	}
	// Unreachable while sim is the only built-in kind; buildVenues rejects
	// everything else.
	panic(fmt.Sprintf("no stream implementation for venue %s", v.Cfg.Name))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
