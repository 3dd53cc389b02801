package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"perp-hedger/pkg/types"
)

func TestAppendAndReadBack(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	j, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	recs := []TradeRecord{
		{Kind: KindTrade, Symbol: "BTC", Venue1: "alpha", Venue2: "beta",
			Side1: types.BUY, Side2: types.SELL, Amount: 0.2,
			AvgPrice1: 100.1, AvgPrice2: 100.6, RealizedSpread: -0.5,
			SpreadProfit: 0.1, RealizedRate: 0.00499},
		{Kind: KindBalance, Symbol: "BTC", Venue1: "beta",
			Side1: types.SELL, Amount: 0.1, AvgPrice1: 100.0, ReduceOnly: true},
	}
	for _, rec := range recs {
		if err := j.Append(rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "trades_BTC.jsonl"))
	if err != nil {
		t.Fatalf("open journal file: %v", err)
	}
	defer f.Close()

	var got []TradeRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec TradeRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("unmarshal line: %v", err)
		}
		got = append(got, rec)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if len(got) != len(recs) {
		t.Fatalf("read %d records, want %d", len(got), len(recs))
	}
	for i, rec := range got {
		if rec.ID == "" {
			t.Errorf("record %d: missing generated ID", i)
		}
		if rec.Time.IsZero() {
			t.Errorf("record %d: missing generated time", i)
		}
		if rec.Kind != recs[i].Kind || rec.Amount != recs[i].Amount {
			t.Errorf("record %d = %+v, want kind=%s amount=%v", i, rec, recs[i].Kind, recs[i].Amount)
		}
	}
}

func TestAppendAfterCloseReopens(t *testing.T) {
	t.Parallel()

	j, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := j.Append(TradeRecord{Kind: KindTrade, Symbol: "ETH", Amount: 1}); err != nil {
		t.Fatalf("first Append: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := j.Append(TradeRecord{Kind: KindTrade, Symbol: "ETH", Amount: 2}); err != nil {
		t.Fatalf("Append after Close: %v", err)
	}
}
