package book

import (
	"context"
	"sync"
	"time"

	"perp-hedger/pkg/types"
)

// SimStream is a Stream that polls a local source at a fixed interval.
// It backs dry-run mode (polling a sim venue's books) and engine tests.
type SimStream struct {
	source   func(symbol string) *types.OrderBook
	interval time.Duration

	handlersMu sync.RWMutex
	handlers   map[string]func(*types.OrderBook)

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSimStream builds a stream over a book source, usually (*venue.Sim).Book.
func NewSimStream(source func(symbol string) *types.OrderBook, interval time.Duration) *SimStream {
	return &SimStream{
		source:   source,
		interval: interval,
		handlers: make(map[string]func(*types.OrderBook)),
		done:     make(chan struct{}),
	}
}

func (s *SimStream) Subscribe(symbol string, fn func(*types.OrderBook)) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[symbol] = fn
}

func (s *SimStream) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(runCtx)
	return nil
}

func (s *SimStream) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		<-s.done
	})
}

func (s *SimStream) run(ctx context.Context) {
	defer close(s.done)

	s.deliverAll() // first frame without waiting a full tick

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.deliverAll()
		}
	}
}

func (s *SimStream) deliverAll() {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()

	now := time.Now()
	for symbol, fn := range s.handlers {
		src := s.source(symbol)
		if src == nil {
			continue
		}
		// Re-stamp so a static source still reads as a live feed.
		frame := *src
		frame.Symbol = symbol
		frame.Timestamp = now
		fn(&frame)
	}
}
