// scoring.go ranks venue pairs for a symbol.
//
// The score blends the live funding differential with static per-venue
// priors from config. Components are normalised against the best candidate
// so the weights stay meaningful whatever the absolute magnitudes are:
//
//	score = 0.4·funding + 0.2·fee + 0.25·reliability + 0.15·liquidity
//
// Ranking is fully deterministic: equal scores fall back to lexicographic
// venue order, so a restart with unchanged inputs picks the same pairs.
package supervisor

import (
	"math"
	"sort"
)

const (
	weightFunding     = 0.4
	weightFee         = 0.2
	weightReliability = 0.25
	weightLiquidity   = 0.15
)

// candidate is one unordered venue pair under consideration for a symbol.
type candidate struct {
	A, B        VenueHandle
	FundingDiff float64 // |APY(a) − APY(b)|
	Score       float64
}

// rankPairs scores and orders the candidates, best first.
func rankPairs(cands []candidate) []candidate {
	if len(cands) == 0 {
		return nil
	}

	var maxDiff, maxFee, maxLiq float64
	for _, c := range cands {
		maxDiff = math.Max(maxDiff, c.FundingDiff)
		maxFee = math.Max(maxFee, feeSum(c))
		maxLiq = math.Max(maxLiq, liqSum(c))
	}

	out := make([]candidate, len(cands))
	copy(out, cands)
	for i := range out {
		out[i].Score = score(out[i], maxDiff, maxFee, maxLiq)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].A.Cfg.Name != out[j].A.Cfg.Name {
			return out[i].A.Cfg.Name < out[j].A.Cfg.Name
		}
		return out[i].B.Cfg.Name < out[j].B.Cfg.Name
	})
	return out
}

func score(c candidate, maxDiff, maxFee, maxLiq float64) float64 {
	var funding float64
	if maxDiff > 0 {
		funding = c.FundingDiff / maxDiff
	}

	fee := 1.0
	if maxFee > 0 {
		fee = 1 - feeSum(c)/maxFee
	}

	reliability := (c.A.Cfg.Reliability + c.B.Cfg.Reliability) / 2

	var liquidity float64
	if maxLiq > 0 {
		liquidity = liqSum(c) / maxLiq
	}

	return weightFunding*funding +
		weightFee*fee +
		weightReliability*reliability +
		weightLiquidity*liquidity
}

func feeSum(c candidate) float64 {
	return c.A.Cfg.TakerFeeRate + c.B.Cfg.TakerFeeRate
}

func liqSum(c candidate) float64 {
	return c.A.Cfg.LiquidityPrior + c.B.Cfg.LiquidityPrior
}
