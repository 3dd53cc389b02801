package funding

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeSource struct {
	name  string
	rates map[string]map[string]float64
	err   error

	mu    sync.Mutex
	calls int
	gate  chan struct{} // when set, Fetch blocks until closed
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(ctx context.Context) (map[string]map[string]float64, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	err := f.err
	rates := f.rates
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return rates, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCacheMergePrefersEarlierSource(t *testing.T) {
	t.Parallel()

	primary := &fakeSource{name: "primary", rates: map[string]map[string]float64{
		"alpha": {"BTCUSDT": 0.0001, "ETHUSDT": 0.0002},
	}}
	secondary := &fakeSource{name: "secondary", rates: map[string]map[string]float64{
		"alpha": {"BTCUSDT": 0.0009, "XRPUSDT": 0.0003},
		"beta":  {"BTCUSDT": -0.0001},
	}}

	c := NewCache([]Source{primary, secondary}, 30*time.Minute, testLogger())
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if rate, ok := c.Rate("alpha", "BTCUSDT"); !ok || rate != 0.0001 {
		t.Errorf("alpha BTCUSDT = %v/%v, want primary's 0.0001", rate, ok)
	}
	if rate, ok := c.Rate("alpha", "XRPUSDT"); !ok || rate != 0.0003 {
		t.Errorf("alpha XRPUSDT = %v/%v, want secondary fill-in 0.0003", rate, ok)
	}
	if rate, ok := c.Rate("beta", "BTCUSDT"); !ok || rate != -0.0001 {
		t.Errorf("beta BTCUSDT = %v/%v, want -0.0001", rate, ok)
	}
	if _, ok := c.Rate("gamma", "BTCUSDT"); ok {
		t.Error("unknown venue reported a rate")
	}
	if c.Expired() {
		t.Error("fresh cache reported expired")
	}
}

func TestCacheSourceFailureIsolation(t *testing.T) {
	t.Parallel()

	healthy := &fakeSource{name: "healthy", rates: map[string]map[string]float64{
		"alpha": {"BTCUSDT": 0.0001},
	}}
	broken := &fakeSource{name: "broken", err: errors.New("http 503")}

	c := NewCache([]Source{broken, healthy}, 30*time.Minute, testLogger())
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh with one healthy source: %v", err)
	}
	if rate, ok := c.Rate("alpha", "BTCUSDT"); !ok || rate != 0.0001 {
		t.Errorf("rate = %v/%v, want healthy source's value", rate, ok)
	}
}

func TestCacheFailedSourceCarriesRecentRates(t *testing.T) {
	t.Parallel()

	steady := &fakeSource{name: "steady", rates: map[string]map[string]float64{
		"alpha": {"BTCUSDT": 0.0001},
	}}
	flaky := &fakeSource{name: "flaky", rates: map[string]map[string]float64{
		"beta": {"BTCUSDT": -0.0002},
	}}
	c := NewCache([]Source{steady, flaky}, 30*time.Minute, testLogger())
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	flaky.mu.Lock()
	flaky.err = errors.New("http 503")
	flaky.mu.Unlock()

	// The flaky source's last result is still within the TTL: carried.
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh with one healthy source: %v", err)
	}
	if rate, ok := c.Rate("beta", "BTCUSDT"); !ok || rate != -0.0002 {
		t.Errorf("beta BTCUSDT = %v/%v, want the carried -0.0002", rate, ok)
	}

	// Age the carried result past the TTL: dropped on the next refresh.
	c.fetchMu.Lock()
	c.lastGood["flaky"] = sourceResult{
		rates: c.lastGood["flaky"].rates,
		at:    time.Now().Add(-time.Hour),
	}
	c.fetchMu.Unlock()

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, ok := c.Rate("beta", "BTCUSDT"); ok {
		t.Error("expired carry-over still served")
	}
	if rate, ok := c.Rate("alpha", "BTCUSDT"); !ok || rate != 0.0001 {
		t.Errorf("alpha BTCUSDT = %v/%v, want the healthy source kept", rate, ok)
	}
}

func TestCacheAllSourcesFailKeepsOldRates(t *testing.T) {
	t.Parallel()

	src := &fakeSource{name: "flaky", rates: map[string]map[string]float64{
		"alpha": {"BTCUSDT": 0.0001},
	}}
	c := NewCache([]Source{src}, 30*time.Minute, testLogger())
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	fetched := c.FetchedAt()

	src.mu.Lock()
	src.err = errors.New("down")
	src.mu.Unlock()

	if err := c.Refresh(context.Background()); err == nil {
		t.Fatal("refresh with all sources down should error")
	}
	if rate, ok := c.Rate("alpha", "BTCUSDT"); !ok || rate != 0.0001 {
		t.Errorf("old rate lost after failed refresh: %v/%v", rate, ok)
	}
	if !c.FetchedAt().Equal(fetched) {
		t.Error("failed refresh advanced fetchedAt")
	}
}

func TestCacheSingleBackgroundRefresh(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	src := &fakeSource{
		name:  "slow",
		rates: map[string]map[string]float64{"alpha": {"BTCUSDT": 0.0001}},
		gate:  gate,
	}
	c := NewCache([]Source{src}, time.Nanosecond, testLogger())

	// Every read sees an expired cache; only one fetch may be in flight.
	for i := 0; i < 50; i++ {
		if _, ok := c.Rate("alpha", "BTCUSDT"); ok {
			t.Fatal("empty cache returned a rate")
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for src.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("background refresh never started")
		}
		time.Sleep(time.Millisecond)
	}
	if got := src.callCount(); got != 1 {
		t.Fatalf("concurrent reads spawned %d fetches, want 1", got)
	}

	close(gate)
	deadline = time.Now().Add(2 * time.Second)
	for c.FetchedAt().IsZero() {
		if time.Now().After(deadline) {
			t.Fatal("refresh never landed")
		}
		time.Sleep(time.Millisecond)
	}
	if rate, ok := c.Rate("alpha", "BTCUSDT"); !ok || rate != 0.0001 {
		t.Errorf("rate after refresh = %v/%v", rate, ok)
	}
}

func TestCacheRatesForCopies(t *testing.T) {
	t.Parallel()

	src := &fakeSource{name: "s", rates: map[string]map[string]float64{
		"alpha": {"BTCUSDT": 0.0001},
	}}
	c := NewCache([]Source{src}, 30*time.Minute, testLogger())
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := c.RatesFor("alpha")
	got["BTCUSDT"] = 42 // mutating the copy must not touch the cache

	if rate, _ := c.Rate("alpha", "BTCUSDT"); rate != 0.0001 {
		t.Errorf("cache mutated through RatesFor copy: %v", rate)
	}
}
