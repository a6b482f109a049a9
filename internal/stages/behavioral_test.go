package stages

import (
	"context"
	"testing"

	"github.com/mbd888/wardex/internal/evalctx"
)

func TestBehavioralComparatorDisabledIsANoOp(t *testing.T) {
	s := NewBehavioralComparator(evalctx.BehavioralConfig{Enabled: false})
	ec := evalctx.NewContext(evalctx.TransactionRequest{}, nil, &evalctx.SecurityPolicy{})
	ec.Decoded = &evalctx.DecodedTransaction{EstimatedValueUSD: 1_000_000}

	if err := s.Run(context.Background(), ec, func(context.Context, *evalctx.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ec.Scores.Behavioral != 0 {
		t.Fatalf("expected a zero behavioral score when disabled, got %d", ec.Scores.Behavioral)
	}
}

func TestBehavioralComparatorFreshBaselineScoresZero(t *testing.T) {
	// A newly constructed baseline is still inside its learning window, so
	// it must never flag anomalies regardless of the observed value — this
	// is the poisoning-resistance guarantee from spec.md §4.2.6.
	s := NewBehavioralComparator(evalctx.BehavioralConfig{Enabled: true, Sensitivity: "medium", LearningWindowDay: 7})
	ec := evalctx.NewContext(evalctx.TransactionRequest{To: "0x1111111111111111111111111111111111111111"}, nil, &evalctx.SecurityPolicy{})
	ec.Decoded = &evalctx.DecodedTransaction{EstimatedValueUSD: 9_999_999}

	if err := s.Run(context.Background(), ec, func(context.Context, *evalctx.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ec.Scores.Behavioral != 0 {
		t.Fatalf("expected a zero behavioral score during the learning window, got %d", ec.Scores.Behavioral)
	}
	if len(ec.Reasons) != 0 {
		t.Fatalf("expected no behavioral reasons during the learning window, got %v", ec.Reasons)
	}
}

func TestBehavioralComparatorRecordApprovedDuringLearningWindowIsIgnored(t *testing.T) {
	s := NewBehavioralComparator(evalctx.BehavioralConfig{Enabled: true, LearningWindowDay: 7})

	// RecordApproved during the learning window must not move the baseline
	// forward — it is a no-op guarded by baseline.observe's learningEnd
	// check, not by the comparator itself.
	s.RecordApproved(100, "0x1111111111111111111111111111111111111111")

	ec := evalctx.NewContext(evalctx.TransactionRequest{To: "0x1111111111111111111111111111111111111111"}, nil, &evalctx.SecurityPolicy{})
	ec.Decoded = &evalctx.DecodedTransaction{EstimatedValueUSD: 100}

	if err := s.Run(context.Background(), ec, func(context.Context, *evalctx.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ec.Scores.Behavioral != 0 {
		t.Fatalf("expected the recorded observation to still be withheld during the learning window, got %d", ec.Scores.Behavioral)
	}
}

func TestBehavioralComparatorStampsMetaForShieldRecording(t *testing.T) {
	s := NewBehavioralComparator(evalctx.BehavioralConfig{Enabled: true, LearningWindowDay: 7})
	ec := evalctx.NewContext(evalctx.TransactionRequest{To: "0x1111111111111111111111111111111111111111"}, nil, &evalctx.SecurityPolicy{})
	ec.Decoded = &evalctx.DecodedTransaction{EstimatedValueUSD: 50}

	if err := s.Run(context.Background(), ec, func(context.Context, *evalctx.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ec.Meta["behavioral_baseline_usd"] != 50.0 {
		t.Fatalf("expected the usd value to be stashed in Meta for the shield's post-verdict recording, got %v", ec.Meta["behavioral_baseline_usd"])
	}
	if ec.Meta["behavioral_baseline_to"] != "0x1111111111111111111111111111111111111111" {
		t.Fatalf("expected the normalized target to be stashed in Meta, got %v", ec.Meta["behavioral_baseline_to"])
	}
}
