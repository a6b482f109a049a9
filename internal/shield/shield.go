// Package shield implements the orchestrator that owns the active policy,
// freeze state, and audit trail around one evaluation pipeline. Grounded
// on internal/server/server.go's struct-of-services composition (one type
// holding every collaborator a request needs) and
// internal/circuitbreaker.Breaker's state-machine/OnTransition callback
// idiom, generalized from per-key breaker state to one global frozen flag.
package shield

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/wardex/internal/evalctx"
	"github.com/mbd888/wardex/internal/metrics"
	"github.com/mbd888/wardex/internal/pipeline"
	"github.com/mbd888/wardex/internal/stages"
)

// ErrNoTiers and ErrNoEnforcedTier are the guardrail failures updatePolicy
// enforces per spec.md §4.3.
var (
	ErrNoTiers        = errors.New("shield: policy must define at least one tier")
	ErrNoEnforcedTier = errors.New("shield: policy must define at least one guardian or fortress tier")
)

// Config tunes the shield's ring buffer and auto-freeze sensitivity.
type Config struct {
	AuditCapacity       int
	AutoFreezeWindow    int
	AutoFreezeThreshold int
}

func DefaultConfig() Config {
	return Config{
		AuditCapacity:       defaultAuditCapacity,
		AutoFreezeWindow:    10,
		AutoFreezeThreshold: 5,
	}
}

// FreezeCallback fires when the shield transitions into a frozen state.
type FreezeCallback func(reason string)

// ThreatCallback fires for every audited evaluation, letting operators
// wire in alerting without polling the audit log.
type ThreatCallback func(entry evalctx.AuditEntry)

// Shield is the orchestrator around one evaluation pipeline.
type Shield struct {
	mu           sync.RWMutex
	policy       *evalctx.SecurityPolicy
	frozen       bool
	freezeReason string

	evaluations int64
	blocks      int64
	advisories  int64

	dailyVolumeWei *big.Int
	dailyVolumeDay string

	signerHealthy         bool
	intelligenceFreshness time.Time

	cfg        Config
	pipeline   *pipeline.Pipeline
	behavioral *stages.BehavioralComparator
	log        *auditLog

	cbMu     sync.Mutex
	onFreeze FreezeCallback
	onThreat ThreatCallback
}

// New builds a shield around a starting policy and pipeline. behavioral
// may be nil if the pipeline has no BehavioralComparator wired in. store
// may be nil to run with the in-memory ring buffer only.
func New(policy *evalctx.SecurityPolicy, p *pipeline.Pipeline, behavioral *stages.BehavioralComparator, store AuditStore, cfg Config) *Shield {
	return &Shield{
		policy:         policy,
		dailyVolumeWei: new(big.Int),
		dailyVolumeDay: time.Now().UTC().Format("2006-01-02"),
		signerHealthy:  true,
		cfg:            cfg,
		pipeline:       p,
		behavioral:     behavioral,
		log:            newAuditLog(cfg.AuditCapacity).withStore(store),
	}
}

func (s *Shield) OnFreeze(fn FreezeCallback) {
	s.cbMu.Lock()
	s.onFreeze = fn
	s.cbMu.Unlock()
}

func (s *Shield) OnThreat(fn ThreatCallback) {
	s.cbMu.Lock()
	s.onThreat = fn
	s.cbMu.Unlock()
}

// Evaluate runs one transaction through the pipeline, or short-circuits
// with a synthetic freeze verdict when the shield is frozen, per
// spec.md §4.3.
func (s *Shield) Evaluate(ctx context.Context, tx evalctx.TransactionRequest, conv *evalctx.ConversationContext) (*evalctx.SecurityVerdict, error) {
	s.mu.RLock()
	frozen := s.frozen
	freezeReason := s.freezeReason
	policy := s.policy
	s.mu.RUnlock()

	if frozen {
		verdict := &evalctx.SecurityVerdict{
			Decision:       evalctx.DecisionFreeze,
			RequiredAction: evalctx.ActionHumanApproval,
			Timestamp:      time.Now().UTC(),
			EvaluationID:   uuid.NewString(),
			Reasons: []evalctx.SecurityReason{{
				Code:     "SHIELD_FROZEN",
				Message:  "shield is frozen: " + freezeReason,
				Severity: evalctx.SeverityCritical,
				Source:   evalctx.SourcePolicy,
			}},
		}
		s.audit(ctx, tx, conv, verdict)
		return verdict, nil
	}

	ec := evalctx.NewContext(tx, conv, policy)
	if err := s.pipeline.Run(ctx, ec); err != nil {
		return nil, fmt.Errorf("shield: pipeline: %w", err)
	}
	verdict := ec.Verdict()
	if verdict == nil {
		return nil, evalctx.ErrNoVerdict
	}

	s.applyDailyVolume(tx, verdict)
	s.updateCounters(verdict.Decision)
	if verdict.TierID != "" {
		metrics.RiskTierTotal.WithLabelValues(verdict.TierID).Inc()
	}

	if verdict.Decision == evalctx.DecisionApprove && s.behavioral != nil {
		usd := 0.0
		if ec.Decoded != nil {
			usd = ec.Decoded.EstimatedValueUSD
		}
		s.behavioral.RecordApproved(usd, tx.To)
	}

	s.audit(ctx, tx, conv, verdict)
	s.maybeAutoFreeze()
	return verdict, nil
}

// applyDailyVolume adds an approved transaction's value to the running
// daily total, rolling over on a UTC day boundary the way the teacher's
// sessionkeys.SessionKeyUsage resets SpentToday on LastResetDay mismatch.
// If the running total then exceeds the configured limit, the verdict is
// retroactively promoted to block with DAILY_VOLUME_EXCEEDED.
func (s *Shield) applyDailyVolume(tx evalctx.TransactionRequest, verdict *evalctx.SecurityVerdict) {
	if verdict.Decision != evalctx.DecisionApprove || tx.Value == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	today := time.Now().UTC().Format("2006-01-02")
	if s.dailyVolumeDay != today {
		s.dailyVolumeDay = today
		s.dailyVolumeWei = new(big.Int)
	}
	s.dailyVolumeWei.Add(s.dailyVolumeWei, tx.Value)

	if s.policy == nil || s.policy.Limits.MaxDailyVolumeWei == nil {
		return
	}
	if s.dailyVolumeWei.Cmp(s.policy.Limits.MaxDailyVolumeWei) > 0 {
		verdict.Decision = evalctx.DecisionBlock
		if verdict.RequiredAction == evalctx.ActionNone {
			verdict.RequiredAction = evalctx.ActionHumanApproval
		}
		verdict.Reasons = append(verdict.Reasons, evalctx.SecurityReason{
			Code:     "DAILY_VOLUME_EXCEEDED",
			Message:  "cumulative approved volume for today exceeds the policy limit",
			Severity: evalctx.SeverityCritical,
			Source:   evalctx.SourcePolicy,
		})
	}
}

func (s *Shield) updateCounters(decision evalctx.Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluations++
	switch decision {
	case evalctx.DecisionBlock, evalctx.DecisionFreeze:
		s.blocks++
	case evalctx.DecisionAdvise:
		s.advisories++
	}
	metrics.EvaluationsTotal.WithLabelValues(string(decision)).Inc()
}

// audit appends an entry and fires the threat callback; it never retains
// message content, only a ContextSummary.
func (s *Shield) audit(_ context.Context, tx evalctx.TransactionRequest, conv *evalctx.ConversationContext, verdict *evalctx.SecurityVerdict) evalctx.AuditEntry {
	summary := evalctx.ContextSummary{}
	if conv != nil {
		summary.MessageCount = len(conv.Messages)
		summary.SourceID = conv.Source.Identifier
	}
	entry := evalctx.AuditEntry{
		EvaluationID:   verdict.EvaluationID,
		Timestamp:      verdict.Timestamp,
		Transaction:    tx,
		Verdict:        *verdict,
		ContextSummary: summary,
		Executed:       verdict.Decision == evalctx.DecisionApprove,
	}
	s.log.append(entry)
	s.cbMu.Lock()
	cb := s.onThreat
	s.cbMu.Unlock()
	if cb != nil {
		go cb(entry)
	}
	return entry
}

// maybeAutoFreeze transitions the shield to frozen when at least
// AutoFreezeThreshold of the last AutoFreezeWindow audit entries are
// block or freeze decisions, per spec.md §4.3.
func (s *Shield) maybeAutoFreeze() {
	decisions := s.log.recentDecisions(s.cfg.AutoFreezeWindow)
	if len(decisions) < s.cfg.AutoFreezeWindow {
		return
	}
	bad := 0
	for _, d := range decisions {
		if d == evalctx.DecisionBlock || d == evalctx.DecisionFreeze {
			bad++
		}
	}
	if bad < s.cfg.AutoFreezeThreshold {
		return
	}
	reason := fmt.Sprintf("auto-freeze: %d of last %d evaluations were block/freeze", bad, len(decisions))
	metrics.AutoFreezeTotal.Inc()
	s.Freeze(reason)
}

// Freeze transitions the shield to frozen with the given reason.
func (s *Shield) Freeze(reason string) {
	s.mu.Lock()
	already := s.frozen
	s.frozen = true
	s.freezeReason = reason
	s.mu.Unlock()

	if already {
		return
	}
	s.cbMu.Lock()
	cb := s.onFreeze
	s.cbMu.Unlock()
	if cb != nil {
		go cb(reason)
	}
}

// Unfreeze manually clears the frozen state.
func (s *Shield) Unfreeze() {
	s.mu.Lock()
	s.frozen = false
	s.freezeReason = ""
	s.mu.Unlock()
}

// UpdatePolicy validates guardrails before atomically replacing the
// active policy. On failure the previous policy is left intact.
func (s *Shield) UpdatePolicy(p *evalctx.SecurityPolicy) error {
	if p == nil || len(p.Tiers) == 0 {
		return ErrNoTiers
	}
	enforced := false
	for _, t := range p.Tiers {
		if t.Mode == evalctx.ModeGuardian || t.Mode == evalctx.ModeFortress {
			enforced = true
			break
		}
	}
	if !enforced {
		return ErrNoEnforcedTier
	}

	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
	return nil
}

// GetAuditLog returns a defensive copy of the last limit entries, or all
// entries when limit <= 0.
func (s *Shield) GetAuditLog(limit int) []evalctx.AuditEntry {
	return s.log.tail(limit)
}

// SetSignerHealthy records whether the isolated signer is reachable.
func (s *Shield) SetSignerHealthy(healthy bool) {
	s.mu.Lock()
	s.signerHealthy = healthy
	s.mu.Unlock()
}

// TouchIntelligenceFreshness stamps the last time reputation/contract
// intelligence was confirmed reachable.
func (s *Shield) TouchIntelligenceFreshness() {
	s.mu.Lock()
	s.intelligenceFreshness = time.Now().UTC()
	s.mu.Unlock()
}

// Snapshot is a read-only view of the shield's operational counters.
type Snapshot struct {
	Frozen                bool
	FreezeReason          string
	Evaluations           int64
	Blocks                int64
	Advisories            int64
	DailyVolumeWei        *big.Int
	SignerHealthy         bool
	IntelligenceFreshness time.Time
}

func (s *Shield) Status() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Frozen:                s.frozen,
		FreezeReason:          s.freezeReason,
		Evaluations:           s.evaluations,
		Blocks:                s.blocks,
		Advisories:            s.advisories,
		DailyVolumeWei:        new(big.Int).Set(s.dailyVolumeWei),
		SignerHealthy:         s.signerHealthy,
		IntelligenceFreshness: s.intelligenceFreshness,
	}
}
