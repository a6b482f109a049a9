package sessionkeys

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Caveat is one ABI-encoded enforcer term ready to attach to an on-chain
// delegation, per spec.md §4.6's session-field-to-enforcer table.
type Caveat struct {
	Enforcer string `json:"enforcer"`
	Terms    []byte `json:"terms"` // ABI-encoded
}

// safeSelectors are the 4-byte function selectors the AllowedMethods
// caveat whitelists when a session forbids infinite approvals — transfer,
// transferFrom, common swap entry points, and multicall, but never
// approve or setApprovalForAll.
var safeSelectors = [][4]byte{
	selectorBytes(selectorTransfer),
	selectorBytes(selectorTransferFrom),
	selectorBytes(selectorSwapExactTokensForTokens),
	selectorBytes(selectorSwapExactETHForTokens),
	selectorBytes(selectorMulticall),
}

const (
	selectorTransfer                 = "0xa9059cbb"
	selectorTransferFrom              = "0x23b872dd"
	selectorSwapExactTokensForTokens  = "0x38ed1739"
	selectorSwapExactETHForTokens     = "0x7ff36ab5"
	selectorMulticall                 = "0xac9650d8"
)

func selectorBytes(hexSel string) [4]byte {
	var out [4]byte
	b := common.FromHex(hexSel)
	copy(out[:], b)
	return out
}

var (
	addressArrayType, _ = abi.NewType("address[]", "", nil)
	uint256Type, _       = abi.NewType("uint256", "", nil)
	bytes4ArrayType, _   = abi.NewType("bytes4[]", "", nil)
)

// ToCaveats maps a session key's constraints into the set of ABI-encoded
// delegation caveats an on-chain enforcer would accept, per spec.md §4.6.
func (sk *SessionKey) ToCaveats(now time.Time) ([]Caveat, error) {
	var caveats []Caveat

	targets := make([]common.Address, 0, len(sk.AllowedContracts))
	for _, addr := range sk.AllowedContracts {
		targets = append(targets, common.HexToAddress(strings.ToLower(addr)))
	}
	targetsArgs := abi.Arguments{{Type: addressArrayType}}
	targetsTerms, err := targetsArgs.Pack(targets)
	if err != nil {
		return nil, err
	}
	caveats = append(caveats, Caveat{Enforcer: "AllowedTargets", Terms: targetsTerms})

	if sk.MaxValuePerTx != nil {
		valueArgs := abi.Arguments{{Type: uint256Type}}
		valueTerms, err := valueArgs.Pack(sk.MaxValuePerTx)
		if err != nil {
			return nil, err
		}
		caveats = append(caveats, Caveat{Enforcer: "ValueLte", Terms: valueTerms})
	}

	if sk.MaxDailyVolume != nil {
		periodArgs := abi.Arguments{{Type: uint256Type}, {Type: uint256Type}}
		periodTerms, err := periodArgs.Pack(sk.MaxDailyVolume, big.NewInt(int64((24 * time.Hour).Seconds())))
		if err != nil {
			return nil, err
		}
		caveats = append(caveats, Caveat{Enforcer: "NativeTokenPeriod", Terms: periodTerms})
	}

	timestampArgs := abi.Arguments{{Type: uint256Type}, {Type: uint256Type}}
	beforeTs := now.Add(sk.Duration).Unix()
	timestampTerms, err := timestampArgs.Pack(big.NewInt(0), big.NewInt(beforeTs))
	if err != nil {
		return nil, err
	}
	caveats = append(caveats, Caveat{Enforcer: "Timestamp", Terms: timestampTerms})

	if sk.ForbidInfiniteApprovals {
		selectors := make([][4]byte, len(safeSelectors))
		copy(selectors, safeSelectors)
		methodsArgs := abi.Arguments{{Type: bytes4ArrayType}}
		methodsTerms, err := methodsArgs.Pack(selectors)
		if err != nil {
			return nil, err
		}
		caveats = append(caveats, Caveat{Enforcer: "AllowedMethods", Terms: methodsTerms})
	}

	return caveats, nil
}
