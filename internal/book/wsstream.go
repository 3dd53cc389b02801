// wsstream.go implements Stream over a venue WebSocket feed.
//
// The frame wire format differs per venue, so WSStream delegates to a
// FrameCodec: the codec builds the subscribe message and turns raw frames
// into order books, the stream owns everything transport-shaped —
// reconnection with exponential backoff (1s → 30s max), keepalive pings,
// and a read deadline so silent server failures are detected within
// ~2 missed pings.
package book

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"perp-hedger/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

// FrameCodec adapts one venue's order-book wire format.
type FrameCodec interface {
	// SubscribeMsg builds the message that subscribes to book updates
	// for the given symbols. It is re-sent after every reconnect.
	SubscribeMsg(symbols []string) (interface{}, error)

	// Decode turns a raw frame into an order book. Returning (nil, nil)
	// skips frames that carry no book data (acks, heartbeats).
	Decode(data []byte) (*types.OrderBook, error)
}

// WSStream is a Stream backed by a single WebSocket connection.
type WSStream struct {
	url   string
	codec FrameCodec

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	handlersMu sync.RWMutex
	handlers   map[string]func(*types.OrderBook)

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}

	logger *slog.Logger
}

// NewWSStream creates a stream for one venue's book feed.
func NewWSStream(venue, wsURL string, codec FrameCodec, logger *slog.Logger) *WSStream {
	return &WSStream{
		url:      wsURL,
		codec:    codec,
		handlers: make(map[string]func(*types.OrderBook)),
		done:     make(chan struct{}),
		logger:   logger.With("component", "book_stream", "venue", venue),
	}
}

// Subscribe registers a handler for one symbol.
func (w *WSStream) Subscribe(symbol string, fn func(*types.OrderBook)) {
	w.handlersMu.Lock()
	defer w.handlersMu.Unlock()
	w.handlers[symbol] = fn
}

// Start connects in the background and keeps the feed alive until Stop
// or ctx cancellation.
func (w *WSStream) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.run(runCtx)
	return nil
}

// Stop tears the connection down and waits for the delivery goroutine.
func (w *WSStream) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.connMu.Lock()
		if w.conn != nil {
			w.conn.Close() // unblocks ReadMessage
		}
		w.connMu.Unlock()
		<-w.done
	})
}

func (w *WSStream) run(ctx context.Context) {
	defer close(w.done)

	backoff := time.Second
	for {
		err := w.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}

		w.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (w *WSStream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	w.connMu.Lock()
	w.conn = conn
	w.connMu.Unlock()

	defer func() {
		w.connMu.Lock()
		conn.Close()
		w.conn = nil
		w.connMu.Unlock()
	}()

	if err := w.sendSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	w.logger.Info("websocket connected", "symbols", len(w.symbols()))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go w.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if the server goes silent.
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		w.dispatchFrame(msg)
	}
}

func (w *WSStream) symbols() []string {
	w.handlersMu.RLock()
	defer w.handlersMu.RUnlock()
	out := make([]string, 0, len(w.handlers))
	for symbol := range w.handlers {
		out = append(out, symbol)
	}
	return out
}

func (w *WSStream) sendSubscription() error {
	msg, err := w.codec.SubscribeMsg(w.symbols())
	if err != nil {
		return err
	}
	return w.writeJSON(msg)
}

func (w *WSStream) dispatchFrame(data []byte) {
	b, err := w.codec.Decode(data)
	if err != nil {
		w.logger.Error("decode book frame", "error", err)
		return
	}
	if b == nil {
		return
	}
	if b.Timestamp.IsZero() {
		// Venues that omit a frame timestamp get our receipt time.
		b.Timestamp = time.Now()
	}

	w.handlersMu.RLock()
	fn := w.handlers[b.Symbol]
	w.handlersMu.RUnlock()
	if fn == nil {
		w.logger.Debug("frame for unsubscribed symbol", "symbol", b.Symbol)
		return
	}
	fn(b)
}

func (w *WSStream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.writeMessage(websocket.PingMessage, nil); err != nil {
				w.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (w *WSStream) writeJSON(v interface{}) error {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteJSON(v)
}

func (w *WSStream) writeMessage(msgType int, data []byte) error {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteMessage(msgType, data)
}
