package stages

import (
	"context"
	"math/big"

	"github.com/mbd888/wardex/internal/evalctx"
	"github.com/mbd888/wardex/internal/pipeline"
)

// CustomMiddleware is stage 7 of 9: a registered ordered list of
// operator-supplied stages, sandboxed per spec.md §4's custom middleware
// requirement. The policy is swapped for a deep-frozen clone for the
// duration so a misbehaving custom stage can't mutate the shared policy,
// and the verdict slot is watched so a custom stage setting it early —
// a privilege reserved for the policy engine stage — is caught and
// punished rather than silently accepted. Grounded on
// internal/policy/evaluator.go's cached, lock-guarded evaluation loop,
// generalized from a fixed rule-type switch to an arbitrary stage list.
type CustomMiddleware struct {
	stages []pipeline.Stage
}

func NewCustomMiddleware(stages ...pipeline.Stage) *CustomMiddleware {
	return &CustomMiddleware{stages: stages}
}

func (s *CustomMiddleware) Name() string { return "custom_middleware" }

func (s *CustomMiddleware) Run(ctx context.Context, ec *evalctx.Context, next pipeline.Next) error {
	if len(s.stages) == 0 {
		return next(ctx, ec)
	}

	originalPolicy := ec.Policy
	if originalPolicy != nil {
		ec.Policy = clonePolicy(originalPolicy)
	}
	verdictBefore := ec.Meta[evalctx.MetaVerdictKey]

	err := runSandboxed(ctx, ec, s.stages)

	ec.Policy = originalPolicy

	if ec.Meta[evalctx.MetaVerdictKey] != verdictBefore {
		delete(ec.Meta, evalctx.MetaVerdictKey)
		ec.AddReason(evalctx.SecurityReason{
			Code:     "MIDDLEWARE_VERDICT_TAMPER_BLOCKED",
			Message:  "custom middleware attempted to set the verdict directly",
			Severity: evalctx.SeverityCritical,
			Source:   evalctx.SourcePolicy,
		})
	}

	if err != nil {
		return err
	}
	return next(ctx, ec)
}

// runSandboxed chains custom stages the same way the pipeline dispatcher
// does — including double-next detection — but without the pipeline's
// end-of-run verdict requirement, since custom middleware is never
// expected to produce a verdict itself.
func runSandboxed(ctx context.Context, ec *evalctx.Context, stages []pipeline.Stage) error {
	highWater := -1
	var dispatch func(index int) error
	dispatch = func(index int) error {
		if index <= highWater {
			return evalctx.ErrDoubleNext
		}
		highWater = index
		if index >= len(stages) {
			return nil
		}
		stage := stages[index]
		return stage.Run(ctx, ec, func(ctx context.Context, ec *evalctx.Context) error {
			return dispatch(index + 1)
		})
	}
	return dispatch(0)
}

func clonePolicy(p *evalctx.SecurityPolicy) *evalctx.SecurityPolicy {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Tiers = append([]evalctx.SecurityTierConfig(nil), p.Tiers...)
	for i := range clone.Tiers {
		clone.Tiers[i].Triggers.TargetAddresses = append([]string(nil), p.Tiers[i].Triggers.TargetAddresses...)
		clone.Tiers[i].Triggers.FunctionSigs = append([]string(nil), p.Tiers[i].Triggers.FunctionSigs...)
	}
	clone.AllowlistAddrs = append([]string(nil), p.AllowlistAddrs...)
	clone.AllowlistContracts = append([]string(nil), p.AllowlistContracts...)
	clone.AllowlistProtocols = append([]string(nil), p.AllowlistProtocols...)
	clone.DenylistAddrs = append([]string(nil), p.DenylistAddrs...)
	clone.DenylistPatterns = append([]string(nil), p.DenylistPatterns...)
	clone.Limits = cloneLimits(p.Limits)
	clone.ContextAnalysis.CustomSuspiciousRegexp = append([]string(nil), p.ContextAnalysis.CustomSuspiciousRegexp...)
	return &clone
}

func cloneLimits(l evalctx.GlobalLimits) evalctx.GlobalLimits {
	clone := l
	if l.MaxTransactionValueWei != nil {
		clone.MaxTransactionValueWei = new(big.Int).Set(l.MaxTransactionValueWei)
	}
	if l.MaxDailyVolumeWei != nil {
		clone.MaxDailyVolumeWei = new(big.Int).Set(l.MaxDailyVolumeWei)
	}
	if l.MaxApprovalWei != nil {
		clone.MaxApprovalWei = new(big.Int).Set(l.MaxApprovalWei)
	}
	if l.MaxGasPriceGwei != nil {
		clone.MaxGasPriceGwei = new(big.Int).Set(l.MaxGasPriceGwei)
	}
	return clone
}
