package stages

import (
	"context"
	"errors"
	"testing"

	"github.com/mbd888/wardex/internal/evalctx"
)

type fakeReputationProvider struct {
	rep *evalctx.AddressReputation
	err error
}

func (f *fakeReputationProvider) GetReputation(ctx context.Context, chainID int64, addr string) (*evalctx.AddressReputation, error) {
	return f.rep, f.err
}

func (f *fakeReputationProvider) BatchReputation(ctx context.Context, chainID int64, addresses []string) (map[string]*evalctx.AddressReputation, error) {
	return nil, nil
}

func runAddressChecker(t *testing.T, s *AddressChecker, ec *evalctx.Context) {
	t.Helper()
	if err := s.Run(context.Background(), ec, func(context.Context, *evalctx.Context) error { return nil }); err != nil {
		t.Fatalf("address checker run: %v", err)
	}
}

func TestAddressCheckerFlagsDenylistedAddress(t *testing.T) {
	policy := &evalctx.SecurityPolicy{DenylistAddrs: []string{"0xBAD000000000000000000000000000000000BAD0"}}
	ec := evalctx.NewContext(evalctx.TransactionRequest{To: "0xbad000000000000000000000000000000000bad0"}, nil, policy)

	runAddressChecker(t, NewAddressChecker(nil), ec)

	assertReasonCode(t, ec, "DENYLISTED_ADDRESS", evalctx.SeverityCritical)
	if ec.Scores.Transaction != 100 {
		t.Fatalf("expected a denylist hit to force the transaction score to 100, got %d", ec.Scores.Transaction)
	}
}

func TestAddressCheckerAllowlistSkipsProviderLookup(t *testing.T) {
	policy := &evalctx.SecurityPolicy{AllowlistAddrs: []string{"0xGOOD00000000000000000000000000000000GOOD"}}
	ec := evalctx.NewContext(evalctx.TransactionRequest{To: "0xgood00000000000000000000000000000000good"}, nil, policy)

	provider := &fakeReputationProvider{err: errors.New("should not be called")}
	runAddressChecker(t, NewAddressChecker(provider), ec)

	if len(ec.Reasons) != 0 {
		t.Fatalf("expected no reasons for an allowlisted address, got %v", ec.Reasons)
	}
}

func TestAddressCheckerFlagsNewAndLowActivityAddress(t *testing.T) {
	provider := &fakeReputationProvider{rep: &evalctx.AddressReputation{AgeInDays: 1, TxCount: 2}}
	ec := evalctx.NewContext(evalctx.TransactionRequest{To: "0x1111111111111111111111111111111111111111"}, nil, nil)

	runAddressChecker(t, NewAddressChecker(provider), ec)

	assertReasonCode(t, ec, "NEW_ADDRESS", evalctx.SeverityMedium)
	assertReasonCode(t, ec, "LOW_ACTIVITY_ADDRESS", evalctx.SeverityLow)
}

func TestAddressCheckerProviderFailureDegradesToInfoReason(t *testing.T) {
	provider := &fakeReputationProvider{err: errors.New("timeout")}
	ec := evalctx.NewContext(evalctx.TransactionRequest{To: "0x1111111111111111111111111111111111111111"}, nil, nil)

	runAddressChecker(t, NewAddressChecker(provider), ec)

	assertReasonCode(t, ec, "INTELLIGENCE_UNAVAILABLE", evalctx.SeverityInfo)
}

func TestAddressCheckerPropagatesProviderRiskFactors(t *testing.T) {
	provider := &fakeReputationProvider{rep: &evalctx.AddressReputation{AgeInDays: 365, TxCount: 100, RiskFactors: []string{"sanctioned"}}}
	ec := evalctx.NewContext(evalctx.TransactionRequest{To: "0x1111111111111111111111111111111111111111"}, nil, nil)

	runAddressChecker(t, NewAddressChecker(provider), ec)

	assertReasonCode(t, ec, "ADDRESS_RISK_FACTOR", evalctx.SeverityHigh)
}
