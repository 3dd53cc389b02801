// guard.go wraps venue read calls with a rate limiter, bounded retries and a
// circuit breaker.
//
// The aggregator polls every venue on a timer; a venue that starts timing out
// would otherwise stretch each snapshot by the full timeout, every cycle. The
// breaker trips after consecutive failures so a dead venue costs one failed
// call per probe window instead. Order placement is never routed through
// here: retrying a market order risks a duplicate fill.
package venue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	defaultRetries   = 3
	retryBaseWait    = 100 * time.Millisecond
	breakerTripAfter = 3
	breakerCooldown  = 60 * time.Second
)

// Guard serializes fault handling for one venue's read path.
type Guard struct {
	venue   string
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	retries int
	logger  *slog.Logger
}

// NewGuard builds a guard for one venue. requestsPerSec bounds the combined
// read rate; burst allows short snapshot fan-outs through without waiting.
func NewGuard(venueName string, requestsPerSec float64, burst int, logger *slog.Logger) *Guard {
	settings := gobreaker.Settings{Name: venueName}
	settings.Timeout = breakerCooldown
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= breakerTripAfter
	}

	return &Guard{
		venue:   venueName,
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Limit(requestsPerSec), burst),
		retries: defaultRetries,
		logger:  logger.With("component", "venue-guard", "venue", venueName),
	}
}

// Call runs fn with rate limiting, retry and breaker accounting. It returns
// the last error once retries are exhausted, and returns immediately when the
// breaker is open or the context is done.
func (g *Guard) Call(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= g.retries; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}

		_, err := g.breaker.Execute(func() (interface{}, error) {
			return nil, fn()
		})
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%s %s: circuit open: %w", g.venue, op, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		g.logger.Warn("venue call failed", "op", op, "attempt", attempt+1, "error", err)

		wait := retryBaseWait * time.Duration(attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("%s %s: %w", g.venue, op, lastErr)
}

// State exposes the breaker state for health reporting.
func (g *Guard) State() gobreaker.State {
	return g.breaker.State()
}
