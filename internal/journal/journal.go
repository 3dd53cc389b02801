// Package journal provides an append-only record of executed trades.
//
// Each symbol gets one JSONL file: trades_<symbol>.jsonl, one record per
// line. Append-only keeps writes crash-safe without atomic-rename games —
// a torn final line is detectable and every earlier record is intact. The
// engine appends after every reconcile; nothing in the hot path ever reads
// the file back.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"perp-hedger/pkg/types"
)

// Kind classifies what produced a record.
type Kind string

const (
	KindTrade       Kind = "trade"
	KindBalance     Kind = "balance"
	KindForceReduce Kind = "force_reduce"
)

// TradeRecord is one executed (or attempted) dual-leg trade.
type TradeRecord struct {
	ID             string     `json:"id"`
	Time           time.Time  `json:"time"`
	Kind           Kind       `json:"kind"`
	Symbol         string     `json:"symbol"`
	Venue1         string     `json:"venue1"`
	Venue2         string     `json:"venue2,omitempty"`
	Side1          types.Side `json:"side1"`
	Side2          types.Side `json:"side2,omitempty"`
	Amount         float64    `json:"amount"`
	AvgPrice1      float64    `json:"avg_price1"`
	AvgPrice2      float64    `json:"avg_price2,omitempty"`
	RealizedSpread float64    `json:"realized_spread"`
	SpreadProfit   float64    `json:"spread_profit"`
	RealizedRate   float64    `json:"realized_rate"`
	ReduceOnly     bool       `json:"reduce_only"`
}

// Journal appends records to per-symbol files under one directory.
// Safe for concurrent use; each engine journals its own symbol but the
// supervisor shares one Journal across all of them.
type Journal struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

// Open creates the journal directory if needed.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	return &Journal{dir: dir, files: make(map[string]*os.File)}, nil
}

// Append writes one record. A zero ID or Time is filled in.
func (j *Journal) Append(rec TradeRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal trade record: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := j.fileLocked(rec.Symbol)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append trade record: %w", err)
	}
	return nil
}

func (j *Journal) fileLocked(symbol string) (*os.File, error) {
	if f, ok := j.files[symbol]; ok {
		return f, nil
	}
	path := filepath.Join(j.dir, "trades_"+symbol+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}
	j.files[symbol] = f
	return f, nil
}

// Close closes every open file. Append after Close reopens as needed.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var firstErr error
	for symbol, f := range j.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close journal %s: %w", symbol, err)
		}
		delete(j.files, symbol)
	}
	return firstErr
}
