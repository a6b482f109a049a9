package config

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/mbd888/wardex/internal/evalctx"
)

// LoadPolicy reads a SecurityPolicy from path if set, falling back to a
// conservative built-in default tuned for a new deployment: copilot for
// everyday activity, guardian once risk or value crosses $1000, fortress
// above $25000.
func LoadPolicy(path string) (*evalctx.SecurityPolicy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read policy file: %w", err)
	}

	var policy evalctx.SecurityPolicy
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("config: parse policy file: %w", err)
	}
	return &policy, nil
}

// DefaultPolicy is the starting policy for a fresh deployment: three
// tiers escalating from copilot to fortress by estimated USD at risk,
// plus a small global ceiling as a last line of defense.
func DefaultPolicy() *evalctx.SecurityPolicy {
	oneEth, _ := new(big.Int).SetString("1000000000000000000", 10)
	tenEth, _ := new(big.Int).SetString("10000000000000000000", 10)
	fiftyEth, _ := new(big.Int).SetString("50000000000000000000", 10)

	return &evalctx.SecurityPolicy{
		Tiers: []evalctx.SecurityTierConfig{
			{
				ID:   "copilot",
				Name: "Copilot",
				Triggers: evalctx.TierTriggers{
					MinValueAtRiskUSD: 0,
					MaxValueAtRiskUSD: 1000,
				},
				Mode:           evalctx.ModeCopilot,
				BlockThreshold: 80,
			},
			{
				ID:   "guardian",
				Name: "Guardian",
				Triggers: evalctx.TierTriggers{
					MinValueAtRiskUSD: 1000,
					MaxValueAtRiskUSD: 25000,
				},
				Mode:                  evalctx.ModeGuardian,
				BlockThreshold:        60,
				HumanApprovalRequired: true,
				OperatorNotification:  true,
			},
			{
				ID:   "fortress",
				Name: "Fortress",
				Triggers: evalctx.TierTriggers{
					MinValueAtRiskUSD: 25000,
					MaxValueAtRiskUSD: 0, // unbounded
				},
				Mode:                  evalctx.ModeFortress,
				BlockThreshold:        40,
				HumanApprovalRequired: true,
				OperatorNotification:  true,
				TimeLockSeconds:       900,
				OnChainProofRequired:  true,
			},
		},
		Limits: evalctx.GlobalLimits{
			MaxTransactionValueWei: fiftyEth,
			MaxDailyVolumeWei:      tenEth,
			MaxApprovalWei:         oneEth,
			MaxGasPriceGwei:        big.NewInt(500),
		},
		Behavioral: evalctx.BehavioralConfig{
			Enabled:           true,
			LearningWindowDay: 14,
			Sensitivity:       "medium",
		},
		ContextAnalysis: evalctx.ContextAnalysisConfig{
			Enabled: true,
		},
	}
}
