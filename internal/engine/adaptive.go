package engine

import (
	"log/slog"
	"sync"

	"perp-hedger/internal/config"
)

// profitRateTuner owns the minimum acceptable spread profit rate. When
// dynamic adjustment is on it ratchets the threshold up while realized rates
// run rich and eases it back toward the floor when they thin out; a
// prolonged dry spell can push it down as well (Downshift), bounded so the
// threshold never falls below both the configured start and the user floor.
//
// The engine loop writes (Record, Downshift) while the supervisor's digest
// reads Min through Engine.Stats, so every accessor takes the tuner's own
// lock.
type profitRateTuner struct {
	mu         sync.Mutex
	current    float64
	initial    float64
	userFloor  float64
	step       float64
	windowSize int
	window     []float64
	downshifts int
	enabled    bool
	logger     *slog.Logger
}

func newProfitRateTuner(risk config.RiskConfig, logger *slog.Logger) *profitRateTuner {
	return &profitRateTuner{
		current:    risk.MinProfitRate,
		initial:    risk.MinProfitRate,
		userFloor:  risk.UserMinProfitRate,
		step:       risk.ProfitRateAdjustStep,
		windowSize: risk.ProfitRateAdjustThreshold,
		enabled:    risk.EnableDynamicProfitRate,
		logger:     logger.With("component", "profit-rate-tuner"),
	}
}

// Min is the threshold trades that add exposure must clear.
func (t *profitRateTuner) Min() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *profitRateTuner) floor() float64 {
	f := t.initial
	if t.userFloor > f {
		f = t.userFloor
	}
	return f
}

// Record feeds one realized rate into the window. Every windowSize trades
// the mean is evaluated: well above the threshold raises it one step, just
// above it (and above the floor) lowers it one step. Either decision clears
// the window. Only trades that add exposure are recorded; reduce trades
// clear the separate ReducePosMinProfitRate floor and stay out of the
// window.
func (t *profitRateTuner) Record(rate float64) {
	if !t.enabled || t.windowSize <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.window = append(t.window, rate)
	if len(t.window) < t.windowSize {
		return
	}

	var sum float64
	for _, r := range t.window {
		sum += r
	}
	mean := sum / float64(len(t.window))
	t.window = t.window[:0]

	switch {
	case mean > 1.5*t.current:
		t.current += t.step
		t.logger.Info("min profit rate raised",
			"mean_realized", mean, "min_profit_rate", t.current)
	case mean > 1.05*t.current && mean < 1.1*t.current && t.current-t.step >= t.floor():
		t.current -= t.step
		t.logger.Info("min profit rate lowered",
			"mean_realized", mean, "min_profit_rate", t.current)
	}
}

// Downshift cuts the threshold by step*multiplier after a no-trade timeout.
// It reports whether a cut was applied; after maxNoTradeReduces cuts, or at
// the floor, it refuses.
func (t *profitRateTuner) Downshift(multiplier float64) bool {
	if !t.enabled {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.downshifts >= maxNoTradeReduces {
		return false
	}
	if multiplier <= 0 {
		multiplier = 1
	}
	next := t.current - t.step*multiplier
	if next < t.floor() {
		next = t.floor()
	}
	if next >= t.current {
		return false
	}
	t.current = next
	t.downshifts++
	return true
}
