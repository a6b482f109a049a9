package signer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

func startTestServer(t *testing.T) (*Server, string, []byte) {
	t.Helper()

	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	raw := crypto.FromECDSA(priv)

	keyFile, err := EncryptKey(raw, "test-passphrase")
	if err != nil {
		t.Fatalf("encrypt key: %v", err)
	}

	approvalKey := []byte("shield-signer-shared-secret")
	srv, err := NewServer(keyFile, "test-passphrase", approvalKey)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	sockPath := filepath.Join(t.TempDir(), "wardex-signer.sock")
	if err := srv.Listen(sockPath); err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	return srv, sockPath, approvalKey
}

func TestServerSocketHasRestrictivePermissions(t *testing.T) {
	_, sockPath, _ := startTestServer(t)

	info, err := os.Stat(sockPath)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected socket mode 0600, got %o", perm)
	}
}

func TestClientHealthCheckAndGetAddress(t *testing.T) {
	_, sockPath, _ := startTestServer(t)
	client := NewClient(sockPath)
	ctx := context.Background()

	if err := client.HealthCheck(ctx); err != nil {
		t.Fatalf("health check: %v", err)
	}

	addr, err := client.GetAddress(ctx)
	if err != nil {
		t.Fatalf("get address: %v", err)
	}
	if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
		t.Fatalf("unexpected address shape: %q", addr)
	}
}

func TestSignTransactionRequiresValidApprovalToken(t *testing.T) {
	_, sockPath, approvalKey := startTestServer(t)
	client := NewClient(sockPath)
	ctx := context.Background()

	txHash := repeatHex("aa")
	token := GenerateApprovalToken(txHash, approvalKey, time.Now())

	sig, err := client.SignTransaction(ctx, txHash, "0xdeadbeef", token)
	if err != nil {
		t.Fatalf("sign with valid token: %v", err)
	}
	if !strings.HasPrefix(sig, "0x") {
		t.Fatalf("unexpected signature shape: %q", sig)
	}

	_, err = client.SignTransaction(ctx, txHash, "0xdeadbeef", "not-a-real-token")
	if err == nil {
		t.Fatal("expected sign_transaction with bad token to fail")
	}
}

func TestSignTransactionRejectsExpiredToken(t *testing.T) {
	_, sockPath, approvalKey := startTestServer(t)
	client := NewClient(sockPath)
	ctx := context.Background()

	txHash := repeatHex("bb")
	stale := GenerateApprovalToken(txHash, approvalKey, time.Now().Add(-time.Hour))

	_, err := client.SignTransaction(ctx, txHash, "0xdeadbeef", stale)
	if err == nil {
		t.Fatal("expected sign_transaction with expired token to fail")
	}
}

func TestShutdownZeroesKeyMaterial(t *testing.T) {
	srv, sockPath, approvalKey := startTestServer(t)
	client := NewClient(sockPath)
	ctx := context.Background()

	txHash := repeatHex("cc")
	token := GenerateApprovalToken(txHash, approvalKey, time.Now())

	if err := srv.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	for _, b := range srv.keyBytes {
		if b != 0 {
			t.Fatal("expected key buffer to be zeroed after shutdown")
		}
	}

	if _, err := client.SignTransaction(ctx, txHash, "0xdeadbeef", token); err == nil {
		t.Fatal("expected signing to fail after shutdown")
	}
}

func repeatHex(pair string) string {
	var b strings.Builder
	for i := 0; i < 32; i++ {
		b.WriteString(pair)
	}
	return b.String()
}
