package stages

import (
	"context"
	"time"

	"github.com/mbd888/wardex/internal/evalctx"
	"github.com/mbd888/wardex/internal/pipeline"
)

const (
	newAddressAgeDays        = 7
	lowActivityTxCount       = 5
	providerCallTimeout      = 5 * time.Second
)

// AddressChecker is stage 4 of 9. It normalizes the target, checks the
// policy's own allow/deny lists, and — when configured — queries an
// AddressReputationProvider. Provider failures degrade to an
// informational reason and never block, mirroring the teacher's
// SSRF-safe-provider-call idiom in internal/security/endpoint.go, which
// treats endpoint validation as a hard precondition but transport
// failures downstream as recoverable.
type AddressChecker struct {
	provider evalctx.AddressReputationProvider
}

func NewAddressChecker(provider evalctx.AddressReputationProvider) *AddressChecker {
	return &AddressChecker{provider: provider}
}

func (s *AddressChecker) Name() string { return "address_checker" }

func (s *AddressChecker) Run(ctx context.Context, ec *evalctx.Context, next pipeline.Next) error {
	to := toLowerASCII(ec.Transaction.To)

	if ec.Policy != nil {
		for _, denied := range ec.Policy.DenylistAddrs {
			if toLowerASCII(denied) == to {
				ec.AddReason(evalctx.SecurityReason{
					Code:     "DENYLISTED_ADDRESS",
					Message:  "target address is on the operator denylist",
					Severity: evalctx.SeverityCritical,
					Source:   evalctx.SourceAddress,
				})
				ec.Scores.Transaction = 100
				return next(ctx, ec)
			}
		}
		for _, allowed := range ec.Policy.AllowlistAddrs {
			if toLowerASCII(allowed) == to {
				return next(ctx, ec)
			}
		}
	}

	if s.provider != nil {
		callCtx, cancel := context.WithTimeout(ctx, providerCallTimeout)
		rep, err := s.provider.GetReputation(callCtx, ec.Transaction.ChainID, to)
		cancel()
		if err != nil || rep == nil {
			ec.AddReason(evalctx.SecurityReason{
				Code:     "INTELLIGENCE_UNAVAILABLE",
				Message:  "address reputation provider did not return a result",
				Severity: evalctx.SeverityInfo,
				Source:   evalctx.SourceAddress,
			})
			return next(ctx, ec)
		}

		ec.AddressRep = rep

		if rep.AgeInDays < newAddressAgeDays {
			ec.AddReason(evalctx.SecurityReason{
				Code:     "NEW_ADDRESS",
				Message:  "target address is less than 7 days old",
				Severity: evalctx.SeverityMedium,
				Source:   evalctx.SourceAddress,
			})
		}
		if rep.TxCount < lowActivityTxCount {
			ec.AddReason(evalctx.SecurityReason{
				Code:     "LOW_ACTIVITY_ADDRESS",
				Message:  "target address has fewer than 5 recorded transactions",
				Severity: evalctx.SeverityLow,
				Source:   evalctx.SourceAddress,
			})
		}
		for _, factor := range rep.RiskFactors {
			ec.AddReason(evalctx.SecurityReason{
				Code:     "ADDRESS_RISK_FACTOR",
				Message:  "provider reported risk factor: " + factor,
				Severity: evalctx.SeverityHigh,
				Source:   evalctx.SourceAddress,
			})
		}
	}

	return next(ctx, ec)
}
