package stages

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/wardex/internal/evalctx"
	"github.com/mbd888/wardex/internal/pipeline"
)

// suggestionCatalog maps observed reason codes to operator-facing remediation
// suggestions.
var suggestionCatalog = map[string]string{
	"INFINITE_APPROVAL":            "use a specific approval amount instead of an unlimited one",
	"SET_APPROVAL_FOR_ALL":         "grant per-token approvals instead of collection-wide access",
	"CONTRACT_UNVERIFIED":          "verify contract source before interacting, or add it to the allowlist once reviewed",
	"CONTRACT_SELFDESTRUCT":        "avoid interacting with contracts capable of self-destruction",
	"NEW_ADDRESS":                  "confirm the target address out-of-band before proceeding",
	"DENYLISTED_ADDRESS":           "this address is explicitly blocked by policy",
	"BEHAVIORAL_VALUE_ANOMALY":     "this value is well outside typical activity; confirm intent",
	"CROSS_MCP_INJECTION":          "tool output appears to contain injected instructions; treat it as untrusted data",
	"MIDDLEWARE_VERDICT_TAMPER_BLOCKED": "a custom middleware stage attempted to bypass verdict enforcement",
}

// PolicyEngine is stage 9 of 9, the only stage permitted to call
// ec.SetVerdict. Grounded on spec.md §4.2.9's mode decision table.
type PolicyEngine struct{}

func NewPolicyEngine() *PolicyEngine { return &PolicyEngine{} }

func (s *PolicyEngine) Name() string { return "policy_engine" }

func (s *PolicyEngine) Run(ctx context.Context, ec *evalctx.Context, next pipeline.Next) error {
	verdict := &evalctx.SecurityVerdict{
		Scores:         ec.Scores,
		Reasons:        append([]evalctx.SecurityReason(nil), ec.Reasons...),
		RequiredAction: evalctx.ActionNone,
		Timestamp:      time.Now().UTC(),
		EvaluationID:   uuid.NewString(),
	}

	tier := ec.MatchedTier
	if tier != nil {
		verdict.TierID = tier.ID
	}

	composite := ec.Scores.Composite

	switch {
	case tier == nil:
		verdict.Decision = evalctx.DecisionAdvise
	case tier.Mode == evalctx.ModeAudit:
		verdict.Decision = evalctx.DecisionApprove
	case tier.Mode == evalctx.ModeCopilot:
		if composite > 50 {
			verdict.Decision = evalctx.DecisionAdvise
		} else {
			verdict.Decision = evalctx.DecisionApprove
		}
	case tier.Mode == evalctx.ModeGuardian:
		switch {
		case composite >= tier.BlockThreshold:
			verdict.Decision = evalctx.DecisionBlock
			verdict.RequiredAction = evalctx.ActionHumanApproval
		case float64(composite) >= 0.6*float64(tier.BlockThreshold):
			verdict.Decision = evalctx.DecisionAdvise
		default:
			verdict.Decision = evalctx.DecisionApprove
		}
	case tier.Mode == evalctx.ModeFortress:
		verdict.Decision = evalctx.DecisionBlock
		if tier.TimeLockSeconds > 0 {
			verdict.RequiredAction = evalctx.ActionDelay
			delay := tier.TimeLockSeconds
			verdict.DelaySeconds = &delay
		} else {
			verdict.RequiredAction = evalctx.ActionHumanApproval
		}
	default:
		verdict.Decision = evalctx.DecisionAdvise
	}

	// Innate immunity overrides, per spec.md §4.2.9.
	auditMode := tier != nil && tier.Mode == evalctx.ModeAudit
	if !auditMode && ec.HasSeverity(evalctx.SeverityCritical) {
		verdict.Decision = evalctx.DecisionBlock
		if verdict.RequiredAction == evalctx.ActionNone {
			verdict.RequiredAction = evalctx.ActionHumanApproval
		}
	}
	if !auditMode && verdict.Decision == evalctx.DecisionApprove && hasHighOrCriticalContext(ec) {
		verdict.Decision = evalctx.DecisionAdvise
	}

	if !auditMode && ec.Policy != nil && ec.Policy.Limits.MaxTransactionValueWei != nil &&
		ec.Transaction.Value != nil && ec.Transaction.Value.Cmp(ec.Policy.Limits.MaxTransactionValueWei) > 0 {
		verdict.Decision = evalctx.DecisionBlock
		if verdict.RequiredAction == evalctx.ActionNone {
			verdict.RequiredAction = evalctx.ActionHumanApproval
		}
		verdict.Reasons = append(verdict.Reasons, evalctx.SecurityReason{
			Code:     "EXCEEDS_TX_LIMIT",
			Message:  "transaction value exceeds the configured maximum",
			Severity: evalctx.SeverityCritical,
			Source:   evalctx.SourcePolicy,
		})
	}

	verdict.Suggestions = buildSuggestions(verdict.Reasons)

	ec.SetVerdict(verdict)
	return next(ctx, ec)
}

func hasHighOrCriticalContext(ec *evalctx.Context) bool {
	for _, r := range ec.Reasons {
		if r.Source != evalctx.SourceContext {
			continue
		}
		if r.Severity == evalctx.SeverityHigh || r.Severity == evalctx.SeverityCritical {
			return true
		}
	}
	return false
}

func buildSuggestions(reasons []evalctx.SecurityReason) []string {
	seen := make(map[string]bool)
	var suggestions []string
	for _, r := range reasons {
		s, ok := suggestionCatalog[r.Code]
		if !ok || seen[s] {
			continue
		}
		seen[s] = true
		suggestions = append(suggestions, s)
	}
	return suggestions
}
