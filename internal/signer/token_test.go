package signer

import (
	"testing"
	"time"
)

func TestApprovalTokenRoundTrip(t *testing.T) {
	secret := []byte("shield-signer-shared-secret")
	txHash := "0xabc123"
	issued := time.Now()

	token := GenerateApprovalToken(txHash, secret, issued)
	if len(token) != tokenLength {
		t.Fatalf("expected %d-char token, got %d", tokenLength, len(token))
	}

	if !VerifyApprovalToken(token, txHash, secret, issued.Add(1*time.Second)) {
		t.Fatal("expected fresh token to verify")
	}
}

func TestApprovalTokenExpires(t *testing.T) {
	secret := []byte("shared-secret")
	txHash := "0xdeadbeef"
	issued := time.Now()
	token := GenerateApprovalToken(txHash, secret, issued)

	if VerifyApprovalToken(token, txHash, secret, issued.Add(ApprovalTokenTTL+time.Millisecond)) {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestApprovalTokenRejectsFutureTimestamp(t *testing.T) {
	secret := []byte("shared-secret")
	txHash := "0xdeadbeef"
	future := time.Now().Add(time.Hour)
	token := GenerateApprovalToken(txHash, secret, future)

	if VerifyApprovalToken(token, txHash, secret, time.Now()) {
		t.Fatal("expected future-timestamped token to be rejected")
	}
}

func TestApprovalTokenBoundToTransactionHash(t *testing.T) {
	secret := []byte("shared-secret")
	issued := time.Now()
	token := GenerateApprovalToken("0xaaa", secret, issued)

	if VerifyApprovalToken(token, "0xbbb", secret, issued) {
		t.Fatal("expected token bound to a different hash to be rejected")
	}
}

func TestApprovalTokenRejectsMalformedWithoutPanicking(t *testing.T) {
	cases := []string{
		"",
		"too-short",
		string(make([]byte, 1000)),
	}
	for _, c := range cases {
		if VerifyApprovalToken(c, "0xaaa", []byte("secret"), time.Now()) {
			t.Fatalf("expected malformed token %q to be rejected", c)
		}
	}
}
