package engine

import (
	"math"
	"testing"
)

func TestCalcTradeAmount(t *testing.T) {
	t.Parallel()

	base := sizingInput{
		avgPrice:         100,
		step:             0.001,
		minOrderValueUSD: 20,
		maxOrderValueUSD: 60,
	}

	tests := []struct {
		name string
		mod  func(*sizingInput)
		want float64
	}{
		{
			name: "doubles up to the minimum order value",
			mod:  func(in *sizingInput) { in.base = 0.05 }, // $5
			want: 0.2,                                      // $20
		},
		{
			name: "halves down to the maximum order value",
			mod:  func(in *sizingInput) { in.base = 1 }, // $100
			want: 0.5,                                   // $50
		},
		{
			name: "already inside the window",
			mod:  func(in *sizingInput) { in.base = 0.3 },
			want: 0.3,
		},
		{
			name: "depth cap limits against the thin first level",
			mod: func(in *sizingInput) {
				in.base = 0.5
				in.useDynamic = true
				in.firstLevelQty = 0.8
				in.maxFirstLevelRatio = 0.5
			},
			want: 0.4, // 0.5 · 0.8, then doubling not needed at $40
		},
		{
			name: "venue headroom tightens the maximum",
			mod: func(in *sizingInput) {
				in.base = 1
				in.maxOpenNotional = 40
			},
			want: 0.25, // $100 → $50 → $25
		},
		{
			name: "remaining budget clamps",
			mod: func(in *sizingInput) {
				in.base = 0.3
				in.remaining = 0.2516
			},
			want: 0.251,
		},
		{
			name: "zero base yields nothing",
			mod:  func(in *sizingInput) { in.base = 0 },
			want: 0,
		},
		{
			name: "zero price yields nothing",
			mod: func(in *sizingInput) {
				in.base = 0.3
				in.avgPrice = 0
			},
			want: 0,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := base
			tt.mod(&in)
			got := calcTradeAmount(in)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("calcTradeAmount = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCalcTradeAmountStaysInsideWindow(t *testing.T) {
	t.Parallel()

	in := sizingInput{
		avgPrice:         250,
		step:             0.01,
		minOrderValueUSD: 50,
		maxOrderValueUSD: 400,
	}
	for _, b := range []float64{0.01, 0.05, 0.2, 0.77, 3, 12.5} {
		in.base = b
		got := calcTradeAmount(in)
		if got == 0 {
			t.Errorf("base %v sized to zero", b)
			continue
		}
		value := got * in.avgPrice
		if value < in.minOrderValueUSD || value > in.maxOrderValueUSD {
			t.Errorf("base %v → $%v outside [%v, %v]", b, value, in.minOrderValueUSD, in.maxOrderValueUSD)
		}
	}
}

func TestSnapToStep(t *testing.T) {
	t.Parallel()

	if got := snapToStep(0.0159, 0.001); got != 0.015 {
		t.Errorf("snapToStep = %v, want 0.015", got)
	}
	if got := snapUpToStep(0.0151, 0.001); got != 0.016 {
		t.Errorf("snapUpToStep = %v, want 0.016", got)
	}
	if got := snapToStep(0.0159, 0); got != 0.0159 {
		t.Errorf("zero step must pass through, got %v", got)
	}
	if got := snapToStep(-0.2, 0.001); got != 0 {
		t.Errorf("negative quantity must snap to 0, got %v", got)
	}
}

func TestBaseAmountDaemonTracksMinValue(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	cfg.Trade.DaemonMode = true
	cfg.Trade.MinOrderValueUSD = 10
	eng, _, _, _ := newTestEngine(t, cfg)

	got := eng.baseAmount(100)
	if got < 0.1 || got >= 0.1+cfg.Trade.AmountStep {
		t.Errorf("baseAmount = %v, want one step up from 0.1", got)
	}
}

func TestBaseAmountFixedSamplesWindow(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	eng, _, _, _ := newTestEngine(t, cfg)

	for i := 0; i < 100; i++ {
		got := eng.baseAmount(100)
		if got < cfg.Trade.AmountMin || got > cfg.Trade.AmountMax {
			t.Fatalf("baseAmount = %v outside [%v, %v]", got, cfg.Trade.AmountMin, cfg.Trade.AmountMax)
		}
	}
}
