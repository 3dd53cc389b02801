// sources.go implements the two Source flavours the cache is fed from:
// aggregator REST endpoints in production and the venue adapters themselves
// when no aggregator is configured (sim and dry-run setups).
package funding

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"perp-hedger/internal/venue"
)

// restSource fetches a full rate map from one aggregator endpoint.
//
// Expected response body:
//
//	{"data": [{"venue": "alpha", "symbol": "BTCUSDT", "rate": 0.0001}, ...]}
//
// Venue names in the feed must match the configured venue names; rates are
// single-period.
type restSource struct {
	name    string
	url     string
	http    *resty.Client
	limiter *rate.Limiter
}

// NewRESTSource builds a Source over one aggregator URL.
func NewRESTSource(name, url string) Source {
	httpClient := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &restSource{
		name:    name,
		url:     url,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(1), 2),
	}
}

func (s *restSource) Name() string { return s.name }

func (s *restSource) Fetch(ctx context.Context) (map[string]map[string]float64, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var result struct {
		Data []struct {
			Venue  string  `json:"venue"`
			Symbol string  `json:"symbol"`
			Rate   float64 `json:"rate"`
		} `json:"data"`
	}
	resp, err := s.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get(s.url)
	if err != nil {
		return nil, fmt.Errorf("get funding rates: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get funding rates: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make(map[string]map[string]float64)
	for _, row := range result.Data {
		if out[row.Venue] == nil {
			out[row.Venue] = make(map[string]float64)
		}
		out[row.Venue][row.Symbol] = row.Rate
	}
	return out, nil
}

// venueSource asks the venue adapters directly for the symbols we care
// about. Slower than an aggregator (one request per venue per symbol) but
// self-contained.
type venueSource struct {
	venues  []venue.Adapter
	symbols func() []string
}

// NewVenueSource builds a Source over the venue adapters. symbols returns
// the pair symbols to query on each fetch, typically the configured
// whitelist plus currently held symbols.
func NewVenueSource(venues []venue.Adapter, symbols func() []string) Source {
	return &venueSource{venues: venues, symbols: symbols}
}

func (s *venueSource) Name() string { return "venues" }

func (s *venueSource) Fetch(ctx context.Context) (map[string]map[string]float64, error) {
	symbols := s.symbols()
	out := make(map[string]map[string]float64, len(s.venues))
	var lastErr error
	for _, v := range s.venues {
		bySymbol := make(map[string]float64, len(symbols))
		for _, symbol := range symbols {
			rate, err := v.FundingRate(ctx, symbol, false)
			if err != nil {
				lastErr = err
				continue
			}
			bySymbol[symbol] = rate
		}
		if len(bySymbol) > 0 {
			out[v.Name()] = bySymbol
		}
	}
	if len(out) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("no venue returned funding rates: %w", lastErr)
		}
		return nil, fmt.Errorf("no venue returned funding rates")
	}
	return out, nil
}
