package stages

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/mbd888/wardex/internal/evalctx"
	"github.com/mbd888/wardex/internal/pipeline"
)

// sensitivity multipliers over baseline standard deviation, per spec.md
// §4.2.6.
var sensitivityMultiplier = map[string]float64{
	"low":    4.0,
	"medium": 2.5,
	"high":   1.5,
}

// baseline tracks the running behavior profile for one policy, directly
// adapted from internal/risk/engine.go's Engine/keyWindow shape:
// value mean/stddev, active-hours histogram, known-contract set, and a
// rolling frequency window, all guarded by one mutex per baseline
// instead of per-key sync.Map since a shield has exactly one active
// policy at a time.
type baseline struct {
	mu sync.Mutex

	count       int
	mean        float64
	m2          float64 // Welford running variance accumulator
	hourHist    [24]int
	knownAddrs  map[string]bool
	learningEnd time.Time
	windowStart []time.Time
}

func newBaseline(learningWindow time.Duration) *baseline {
	return &baseline{
		knownAddrs:  make(map[string]bool),
		learningEnd: time.Now().Add(learningWindow),
	}
}

// observe folds an approved transaction into the baseline. Per spec.md
// §4.2.6 the baseline updates only after the learning window has elapsed
// and only on approved transactions, to prevent poisoning by an attacker
// steering the baseline toward malicious norms during evaluation.
func (b *baseline) observe(usd float64, to string, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if time.Now().Before(b.learningEnd) {
		return
	}

	b.count++
	delta := usd - b.mean
	b.mean += delta / float64(b.count)
	delta2 := usd - b.mean
	b.m2 += delta * delta2

	b.hourHist[at.Hour()]++
	b.knownAddrs[to] = true
	b.windowStart = append(b.windowStart, at)
	b.pruneFrequency()
}

func (b *baseline) pruneFrequency() {
	cutoff := time.Now().Add(-24 * time.Hour)
	start := 0
	for start < len(b.windowStart) && b.windowStart[start].Before(cutoff) {
		start++
	}
	b.windowStart = b.windowStart[start:]
}

func (b *baseline) stddev() float64 {
	if b.count < 2 {
		return 0
	}
	return math.Sqrt(b.m2 / float64(b.count-1))
}

func (b *baseline) snapshot() (mean, stddev float64, count int, hist [24]int, knownCount, freq int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mean, b.stddev(), b.count, b.hourHist, len(b.knownAddrs), len(b.windowStart)
}

func (b *baseline) knows(addr string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.knownAddrs[addr]
}

// BehavioralComparator is stage 6 of 9.
type BehavioralComparator struct {
	mu        sync.Mutex
	baselines map[string]*baseline
	cfg       evalctx.BehavioralConfig
}

func NewBehavioralComparator(cfg evalctx.BehavioralConfig) *BehavioralComparator {
	return &BehavioralComparator{
		baselines: make(map[string]*baseline),
		cfg:       cfg,
	}
}

func (s *BehavioralComparator) Name() string { return "behavioral_comparator" }

func (s *BehavioralComparator) baselineFor(policyID string) *baseline {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.baselines[policyID]
	if !ok {
		days := s.cfg.LearningWindowDay
		if days <= 0 {
			days = 7
		}
		b = newBaseline(time.Duration(days) * 24 * time.Hour)
		s.baselines[policyID] = b
	}
	return b
}

func (s *BehavioralComparator) Run(ctx context.Context, ec *evalctx.Context, next pipeline.Next) error {
	if ec.Policy == nil || !s.cfg.Enabled {
		return next(ctx, ec)
	}

	usd := 0.0
	if ec.Decoded != nil {
		usd = ec.Decoded.EstimatedValueUSD
	}
	to := toLowerASCII(ec.Transaction.To)
	now := time.Now()

	b := s.baselineFor("default")
	mean, stddev, count, hist, knownCount, freq := b.snapshot()

	multiplier := sensitivityMultiplier[s.cfg.Sensitivity]
	if multiplier == 0 {
		multiplier = sensitivityMultiplier["medium"]
	}

	score := 0
	if count >= 10 && stddev > 0 {
		z := (usd - mean) / stddev
		if z > multiplier {
			ec.AddReason(evalctx.SecurityReason{
				Code:     "BEHAVIORAL_VALUE_ANOMALY",
				Message:  "estimated value is far outside the learned baseline",
				Severity: evalctx.SeverityHigh,
				Source:   evalctx.SourceBehavioral,
			})
			score += 40
		}
	}

	if knownCount > 0 && !b.knows(to) {
		ec.AddReason(evalctx.SecurityReason{
			Code:     "BEHAVIORAL_NEW_CONTRACT",
			Message:  "target has not been seen in the learned baseline",
			Severity: evalctx.SeverityMedium,
			Source:   evalctx.SourceBehavioral,
		})
		score += 20
	}

	if count >= 20 {
		total := 0
		for _, c := range hist {
			total += c
		}
		if total > 0 {
			fraction := float64(hist[now.Hour()]) / float64(total)
			if fraction < 0.02 {
				ec.AddReason(evalctx.SecurityReason{
					Code:     "BEHAVIORAL_TIMING_ANOMALY",
					Message:  "transaction occurs at an unusual hour relative to the baseline",
					Severity: evalctx.SeverityLow,
					Source:   evalctx.SourceBehavioral,
				})
				score += 10
			}
		}
	}

	if freq > 0 && count >= 10 {
		avgPerHour := float64(count) / (24.0 * float64(s.learningDays()))
		if avgPerHour > 0 && float64(freq)/24.0 > avgPerHour*multiplier {
			ec.AddReason(evalctx.SecurityReason{
				Code:     "BEHAVIORAL_FREQUENCY_ANOMALY",
				Message:  "transaction frequency far exceeds the learned baseline",
				Severity: evalctx.SeverityMedium,
				Source:   evalctx.SourceBehavioral,
			})
			score += 20
		}
	}

	if score > 100 {
		score = 100
	}
	ec.Scores.Behavioral = score

	// Record for future baselines only if this evaluation ultimately
	// approves; the aggregator/policy stages run after this one, so
	// shield.Shield performs the actual observe() call post-verdict.
	ec.Meta["behavioral_baseline_key"] = "default"
	ec.Meta["behavioral_baseline_usd"] = usd
	ec.Meta["behavioral_baseline_to"] = to

	return next(ctx, ec)
}

func (s *BehavioralComparator) learningDays() float64 {
	if s.cfg.LearningWindowDay <= 0 {
		return 7
	}
	return float64(s.cfg.LearningWindowDay)
}

// RecordApproved feeds an approved transaction back into the baseline.
// Called by the shield after a verdict resolves to approve, per spec.md
// §4.2.6's poisoning-resistance rule.
func (s *BehavioralComparator) RecordApproved(usd float64, to string) {
	b := s.baselineFor("default")
	b.observe(usd, toLowerASCII(to), time.Now())
}
