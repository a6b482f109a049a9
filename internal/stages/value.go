package stages

import (
	"context"
	"math/big"
	"sync"

	"github.com/mbd888/wardex/internal/evalctx"
	"github.com/mbd888/wardex/internal/pipeline"
)

// ValueAssessorConfig tunes native/token value conversion. The 100000
// clamp is deliberately configurable — spec.md §9's open question flags
// it as a heuristic operators must be able to raise.
type ValueAssessorConfig struct {
	// NativePriceUSD is the price of the chain's native asset (wei basis).
	NativePriceUSD float64
	// TokenPricesUSD maps lowercased token contract address to its USD
	// price, for approvals/transfers against a known ERC-20.
	TokenPricesUSD map[string]float64
	// InfiniteApprovalClampUSD is the minimum estimated USD an infinite
	// approval is assumed to be worth, forcing conservative tier
	// escalation. Defaults to 100000, per spec.md §4.3/§9.
	InfiniteApprovalClampUSD float64
}

// DefaultValueAssessorConfig mirrors the teacher's gas.DefaultConfig
// fallback-price idiom: a reasonable default that operators override.
func DefaultValueAssessorConfig() ValueAssessorConfig {
	return ValueAssessorConfig{
		NativePriceUSD:           3000,
		TokenPricesUSD:           map[string]float64{},
		InfiniteApprovalClampUSD: 100000,
	}
}

// ValueAssessor is stage 2 of 9.
type ValueAssessor struct {
	mu  sync.RWMutex
	cfg ValueAssessorConfig
}

func NewValueAssessor(cfg ValueAssessorConfig) *ValueAssessor {
	return &ValueAssessor{cfg: cfg}
}

// UpdateConfig swaps the price configuration atomically, the way the
// teacher's gas.PriceOracle rotates its cached price under a lock.
func (s *ValueAssessor) UpdateConfig(cfg ValueAssessorConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

func (s *ValueAssessor) Name() string { return "value_assessor" }

func (s *ValueAssessor) Run(ctx context.Context, ec *evalctx.Context, next pipeline.Next) error {
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	if ec.Decoded == nil {
		ec.Decoded = &evalctx.DecodedTransaction{}
	}

	usd := weiToUSD(ec.Transaction.Value, cfg.NativePriceUSD)

	if ec.Decoded.IsApproval {
		if amt, ok := paramBigInt(ec.Decoded.Params, "amount"); ok && amt.Cmp(infiniteApprovalThreshold) > 0 {
			if usd < cfg.InfiniteApprovalClampUSD {
				usd = cfg.InfiniteApprovalClampUSD
			}
		} else if price, ok := tokenPrice(cfg, ec.Transaction.To); ok && amt != nil {
			usd += tokenAmountToUSD(amt, price)
		}
	} else if ec.Decoded.IsTransfer {
		if amt, ok := paramBigInt(ec.Decoded.Params, "amount"); ok {
			if price, ok := tokenPrice(cfg, ec.Transaction.To); ok {
				usd += tokenAmountToUSD(amt, price)
			}
		}
	}

	ec.Decoded.EstimatedValueUSD = usd
	return next(ctx, ec)
}

func weiToUSD(wei *big.Int, priceUSD float64) float64 {
	if wei == nil || wei.Sign() == 0 {
		return 0
	}
	eth := weiToEther(wei)
	return eth * priceUSD
}

// weiToEther converts wei to a float64 ether amount, grounded on
// internal/gas's weiToETH helper (division by 1e18 via big.Float for
// precision across the full uint256 range).
func weiToEther(wei *big.Int) float64 {
	f := new(big.Float).SetInt(wei)
	divisor := new(big.Float).SetFloat64(1e18)
	result, _ := new(big.Float).Quo(f, divisor).Float64()
	return result
}

func tokenAmountToUSD(amount *big.Int, priceUSD float64) float64 {
	// Assume 18-decimal token for estimation purposes when no per-token
	// decimals metadata is available; this is a conservative estimator
	// feeding risk tiering, not a settlement amount.
	return weiToEther(amount) * priceUSD
}

func tokenPrice(cfg ValueAssessorConfig, contract string) (float64, bool) {
	p, ok := cfg.TokenPricesUSD[normalizeAddr(contract)]
	return p, ok
}

func paramBigInt(params map[string]any, key string) (*big.Int, bool) {
	if params == nil {
		return nil, false
	}
	v, ok := params[key].(*big.Int)
	return v, ok
}

func normalizeAddr(addr string) string {
	return toLowerASCII(addr)
}

func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
