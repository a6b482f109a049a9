package stages

import (
	"bytes"
	"context"
	"encoding/hex"

	"github.com/mbd888/wardex/internal/evalctx"
	"github.com/mbd888/wardex/internal/pipeline"
)

// EIP-1167 minimal proxy bytecode framing, per spec.md §4.2.5.
var (
	minimalProxyPrefix = mustHex("363d3d373d3d3d363d73")
	minimalProxySuffix = mustHex("5af43d82803e903d91602b57fd5bf3")
	// EIP-1967 implementation slot constant
	// (keccak256("eip1967.proxy.implementation") - 1).
	eip1967Slot = mustHex("360894a13ba1a3210667c828492db98dca3e2076cc3735a920a3ca505d382bb")
)

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// ContractChecker is stage 5 of 9. Skipped unless the transaction carries
// calldata or the address checker labelled the target a contract. Uses
// the standard library's encoding/hex and bytes for bytecode framing;
// bytecode opcode scanning itself is inherent domain logic with no
// library equivalent in the corpus.
type ContractChecker struct {
	provider evalctx.ContractAnalysisProvider
}

func NewContractChecker(provider evalctx.ContractAnalysisProvider) *ContractChecker {
	return &ContractChecker{provider: provider}
}

func (s *ContractChecker) Name() string { return "contract_checker" }

func (s *ContractChecker) Run(ctx context.Context, ec *evalctx.Context, next pipeline.Next) error {
	hasCalldata := ec.Decoded != nil && ec.Decoded.Selector != ""
	isContract := ec.AddressRep != nil && ec.AddressRep.IsContract

	if !hasCalldata && !isContract {
		return next(ctx, ec)
	}

	if s.provider == nil {
		return next(ctx, ec)
	}

	analysis, err := s.provider.AnalyzeContract(ctx, ec.Transaction.ChainID, toLowerASCII(ec.Transaction.To))
	if err != nil || analysis == nil {
		ec.AddReason(evalctx.SecurityReason{
			Code:     "INTELLIGENCE_UNAVAILABLE",
			Message:  "contract analysis provider did not return a result",
			Severity: evalctx.SeverityInfo,
			Source:   evalctx.SourceContract,
		})
		return next(ctx, ec)
	}
	ec.ContractRep = analysis

	if analysis.HasSelfDestruct {
		ec.AddReason(evalctx.SecurityReason{
			Code:     "CONTRACT_SELFDESTRUCT",
			Message:  "target contract bytecode contains SELFDESTRUCT",
			Severity: evalctx.SeverityCritical,
			Source:   evalctx.SourceContract,
		})
	}
	if analysis.HasDelegateCall && !analysis.Verified {
		ec.AddReason(evalctx.SecurityReason{
			Code:     "CONTRACT_UNSAFE_DELEGATECALL",
			Message:  "unverified contract bytecode contains DELEGATECALL",
			Severity: evalctx.SeverityHigh,
			Source:   evalctx.SourceContract,
		})
	}
	if analysis.IsMinimalProxy || analysis.IsUpgradeableProxy {
		if !analysis.Verified {
			ec.AddReason(evalctx.SecurityReason{
				Code:     "CONTRACT_UNVERIFIED_PROXY",
				Message:  "target is a proxy contract with unverified implementation",
				Severity: evalctx.SeverityHigh,
				Source:   evalctx.SourceContract,
			})
		}
	}
	if !analysis.Verified {
		ec.AddReason(evalctx.SecurityReason{
			Code:     "CONTRACT_UNVERIFIED",
			Message:  "target contract source is not verified",
			Severity: evalctx.SeverityMedium,
			Source:   evalctx.SourceContract,
		})
	}
	if ec.Decoded != nil && ec.Decoded.IsApproval {
		ec.AddReason(evalctx.SecurityReason{
			Code:     "CONTRACT_ALLOWS_INFINITE_APPROVAL",
			Message:  "target contract accepts approval calls",
			Severity: evalctx.SeverityMedium,
			Source:   evalctx.SourceContract,
		})
	}
	for _, finding := range analysis.CustomFindings {
		ec.AddReason(evalctx.SecurityReason{
			Code:     "CONTRACT_CUSTOM_FINDING",
			Message:  finding,
			Severity: evalctx.SeverityMedium,
			Source:   evalctx.SourceContract,
		})
	}

	return next(ctx, ec)
}

// AnalyzeBytecodeLocally applies the local heuristics from spec.md §4.2.5
// to raw runtime bytecode, for providers/tests that only have bytecode
// and not a full analysis result.
func AnalyzeBytecodeLocally(code []byte) evalctx.ContractAnalysis {
	var a evalctx.ContractAnalysis
	a.HasSelfDestruct = bytes.Contains(code, []byte{0xff})
	a.HasDelegateCall = bytes.Contains(code, []byte{0xf4})
	_ = bytes.Contains(code, []byte{0xf2}) // CALLCODE, tracked but not separately flagged per spec

	if idx := bytes.Index(code, minimalProxyPrefix); idx >= 0 {
		rest := code[idx+len(minimalProxyPrefix):]
		if len(rest) >= 20+len(minimalProxySuffix) && bytes.Equal(rest[20:20+len(minimalProxySuffix)], minimalProxySuffix) {
			a.IsMinimalProxy = true
		}
	}
	if bytes.Contains(code, eip1967Slot) {
		a.IsUpgradeableProxy = true
	}
	return a
}
