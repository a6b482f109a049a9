package stages

import (
	"context"
	"sort"

	"github.com/mbd888/wardex/internal/evalctx"
	"github.com/mbd888/wardex/internal/pipeline"
)

// RiskAggregator is stage 8 of 9: computes the weighted composite score
// and resolves the matching tier. Grounded on internal/policy/evaluator.go's
// sort-by-priority-then-createdAt pattern, rebound to spec.md §4.2.8's tier
// precedence (address trigger, then function-signature trigger, then value
// band by descending min).
type RiskAggregator struct{}

func NewRiskAggregator() *RiskAggregator { return &RiskAggregator{} }

func (s *RiskAggregator) Name() string { return "risk_aggregator" }

func (s *RiskAggregator) Run(ctx context.Context, ec *evalctx.Context, next pipeline.Next) error {
	composite := round(0.40*float64(ec.Scores.Context) + 0.35*float64(ec.Scores.Transaction) + 0.25*float64(ec.Scores.Behavioral))
	if composite < 0 {
		composite = 0
	}
	if composite > 100 {
		composite = 100
	}
	if ec.Scores.Context >= 90 || ec.Scores.Transaction >= 90 || ec.Scores.Behavioral >= 90 {
		if composite < 80 {
			composite = 80
		}
	}
	ec.Scores.Composite = composite

	if ec.Policy != nil {
		ec.MatchedTier = resolveTier(ec.Policy.Tiers, ec)
	}

	return next(ctx, ec)
}

func round(f float64) int {
	if f < 0 {
		return int(f - 0.5)
	}
	return int(f + 0.5)
}

// resolveTier implements spec.md §4.2.8's precedence: address trigger
// overrides value, then function-signature trigger, then value band
// evaluated by descending min (an exact min-boundary match favors the
// higher tier because it sorts first), defaulting to the lowest-priority
// tier configured.
func resolveTier(tiers []evalctx.SecurityTierConfig, ec *evalctx.Context) *evalctx.SecurityTierConfig {
	if len(tiers) == 0 {
		return nil
	}

	to := toLowerASCII(ec.Transaction.To)
	var selector string
	if ec.Decoded != nil {
		selector = ec.Decoded.Selector
	}
	usd := 0.0
	if ec.Decoded != nil {
		usd = ec.Decoded.EstimatedValueUSD
	}

	for i := range tiers {
		for _, addr := range tiers[i].Triggers.TargetAddresses {
			if toLowerASCII(addr) == to {
				return &tiers[i]
			}
		}
	}

	for i := range tiers {
		for _, sig := range tiers[i].Triggers.FunctionSigs {
			if sig == selector {
				return &tiers[i]
			}
		}
	}

	byMin := append([]evalctx.SecurityTierConfig(nil), tiers...)
	sort.SliceStable(byMin, func(i, j int) bool {
		return byMin[i].Triggers.MinValueAtRiskUSD > byMin[j].Triggers.MinValueAtRiskUSD
	})
	for i := range byMin {
		t := &byMin[i]
		// A zero max means the tier's value band is unbounded above (the
		// top tier, e.g. fortress), so only the min bound gates it.
		unbounded := t.Triggers.MaxValueAtRiskUSD == 0
		if usd >= t.Triggers.MinValueAtRiskUSD && (unbounded || usd < t.Triggers.MaxValueAtRiskUSD) {
			for j := range tiers {
				if tiers[j].ID == t.ID {
					return &tiers[j]
				}
			}
		}
	}

	lowest := &tiers[0]
	for i := range tiers {
		if tiers[i].Triggers.MinValueAtRiskUSD < lowest.Triggers.MinValueAtRiskUSD {
			lowest = &tiers[i]
		}
	}
	return lowest
}
