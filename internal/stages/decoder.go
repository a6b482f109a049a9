package stages

import (
	"context"
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/mbd888/wardex/internal/evalctx"
	"github.com/mbd888/wardex/internal/pipeline"
)

// selectorEntry describes one recognized 4-byte function selector, per
// spec.md §4.2's fixed table of ~15 known selectors. Grounded on
// internal/wallet/wallet.go's erc20ABI constant and its use of
// go-ethereum/accounts/abi for parameter packing — here we only need the
// inverse operation, unpacking, against a small known-selector table, so
// we keep the raw 4-byte hex keys rather than loading a full ABI JSON.
type selectorEntry struct {
	Selector     string
	FunctionName string
	IsApproval   bool
	IsTransfer   bool
}

var selectorTable = map[string]selectorEntry{
	"0xa9059cbb": {"0xa9059cbb", "transfer(address,uint256)", false, true},
	"0x23b872dd": {"0x23b872dd", "transferFrom(address,address,uint256)", false, true},
	"0x095ea7b3": {"0x095ea7b3", "approve(address,uint256)", true, false},
	"0x42842e0e": {"0x42842e0e", "safeTransferFrom(address,address,uint256)", false, true},
	"0xb88d4fde": {"0xb88d4fde", "safeTransferFrom(address,address,uint256,bytes)", false, true},
	"0xa22cb465": {"0xa22cb465", "setApprovalForAll(address,bool)", true, false},
	"0x7ff36ab5": {"0x7ff36ab5", "swapExactETHForTokens(uint256,address[],address,uint256)", false, false},
	"0x38ed1739": {"0x38ed1739", "swapExactTokensForTokens(uint256,uint256,address[],address,uint256)", false, false},
	"0x8803dbee": {"0x8803dbee", "swapTokensForExactTokens(uint256,uint256,address[],address,uint256)", false, false},
	"0x18cbafe5": {"0x18cbafe5", "swapExactTokensForETH(uint256,uint256,address[],address,uint256)", false, false},
	"0x5c11d795": {"0x5c11d795", "swapExactTokensForTokensSupportingFeeOnTransferTokens", false, false},
	"0xac9650d8": {"0xac9650d8", "multicall(bytes[])", false, false},
	"0x1fad948c": {"0x1fad948c", "handleOps((address,uint256,bytes,bytes,uint256,uint256,uint256,uint256,uint256,bytes,bytes)[],address)", false, false},
	"0x47e7ef24": {"0x47e7ef24", "deposit(address,uint256)", false, false},
	"0x2e1a7d4d": {"0x2e1a7d4d", "withdraw(uint256)", false, false},
}

// infiniteApprovalThreshold is 2^128, per spec.md §4.2.
var infiniteApprovalThreshold = new(big.Int).Lsh(big.NewInt(1), 128)

// Decoder is stage 1 of 9: parses the 4-byte selector and extracts ABI
// parameters.
type Decoder struct{}

func NewDecoder() *Decoder { return &Decoder{} }

func (s *Decoder) Name() string { return "decoder" }

func (s *Decoder) Run(ctx context.Context, ec *evalctx.Context, next pipeline.Next) error {
	decoded := &evalctx.DecodedTransaction{
		InvolvesEth: ec.Transaction.Value != nil && ec.Transaction.Value.Sign() > 0,
	}

	data := strings.TrimPrefix(ec.Transaction.Data, "0x")
	raw, err := hex.DecodeString(data)
	if err != nil {
		ec.AddReason(evalctx.SecurityReason{
			Code:     "MALFORMED_CALLDATA",
			Message:  "transaction calldata is not valid hex",
			Severity: evalctx.SeverityHigh,
			Source:   evalctx.SourceTransact,
		})
		ec.Decoded = decoded
		return next(ctx, ec)
	}

	if len(raw) >= 4 {
		selector := "0x" + hex.EncodeToString(raw[:4])
		decoded.Selector = selector

		if entry, ok := selectorTable[selector]; ok {
			decoded.FunctionName = entry.FunctionName
			decoded.IsApproval = entry.IsApproval
			decoded.IsTransfer = entry.IsTransfer

			params := decodeParams(raw[4:])
			decoded.Params = params

			if entry.IsApproval && entry.FunctionName == "approve(address,uint256)" {
				if amt, ok := params["amount"].(*big.Int); ok && amt.Cmp(infiniteApprovalThreshold) > 0 {
					ec.AddReason(evalctx.SecurityReason{
						Code:     "INFINITE_APPROVAL",
						Message:  "approval amount exceeds 2^128",
						Severity: evalctx.SeverityCritical,
						Source:   evalctx.SourceTransact,
					})
				}
			}
			if entry.FunctionName == "setApprovalForAll(address,bool)" {
				if approved, ok := params["approved"].(bool); ok && approved {
					ec.AddReason(evalctx.SecurityReason{
						Code:     "SET_APPROVAL_FOR_ALL",
						Message:  "setApprovalForAll(true) grants unlimited per-collection access",
						Severity: evalctx.SeverityHigh,
						Source:   evalctx.SourceTransact,
					})
				}
			}
			if strings.HasPrefix(entry.FunctionName, "multicall") {
				ec.AddReason(evalctx.SecurityReason{
					Code:     "MULTICALL_DETECTED",
					Message:  "transaction batches multiple calls via multicall",
					Severity: evalctx.SeverityMedium,
					Source:   evalctx.SourceTransact,
				})
			}
		}

		if decoded.InvolvesEth && len(raw) > 0 {
			ec.AddReason(evalctx.SecurityReason{
				Code:     "ETH_WITH_CALLDATA",
				Message:  "transaction carries native value alongside calldata",
				Severity: evalctx.SeverityLow,
				Source:   evalctx.SourceTransact,
			})
		}
	}

	ec.Decoded = decoded
	return next(ctx, ec)
}

// decodeParams extracts 32-byte ABI words positionally. This is a
// best-effort extraction for the fixed selector table above, not a
// general ABI decoder — the teacher's accounts/abi usage in wallet.go
// packs known calls rather than decoding arbitrary ones, so unpacking
// here follows the same "small known shape" philosophy rather than
// pulling in a full ABI JSON for a handful of fixed signatures.
func decodeParams(body []byte) map[string]any {
	params := make(map[string]any)
	word := func(i int) []byte {
		start := i * 32
		if start+32 > len(body) {
			return nil
		}
		return body[start : start+32]
	}

	if w0 := word(0); w0 != nil {
		params["spender"] = "0x" + hex.EncodeToString(w0[12:])
		params["to"] = params["spender"]
		params["from"] = params["spender"]
	}
	if w1 := word(1); w1 != nil {
		params["amount"] = new(big.Int).SetBytes(w1)
		params["approved"] = w1[len(w1)-1] != 0
	}
	return params
}
