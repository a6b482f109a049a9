package server

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mbd888/wardex/internal/config"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Port:                 "0",
		Env:                  "development",
		LogLevel:             "error",
		SignerSocketPath:     "/tmp/wardex-test-signer.sock",
		ApprovalTokenSecret:  "test-secret",
	}
	srv, err := New(cfg, config.DefaultPolicy())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv
}

func TestHealthzReportsHealthyOnceStarted(t *testing.T) {
	srv := testServer(t)
	srv.healthy.Store(true)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestReadyzBeforeReadyReturns503(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", w.Code)
	}
}

func TestEvaluateRequiresAuth(t *testing.T) {
	srv := testServer(t)

	body, _ := json.Marshal(map[string]any{
		"transaction": map[string]any{
			"to":    "0x2222222222222222222222222222222222222222",
			"value": 1000,
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without API key, got %d: %s", w.Code, w.Body.String())
	}
}

func TestEvaluateWithValidKeyReturnsVerdict(t *testing.T) {
	srv := testServer(t)

	rawKey, _, err := srv.authMgr.GenerateKey(context.Background(), "agent-1", "test key")
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	body, _ := json.Marshal(map[string]any{
		"transaction": map[string]any{
			"to":    "0x2222222222222222222222222222222222222222",
			"value": 1000,
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var verdict struct {
		Decision string `json:"decision"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &verdict); err != nil {
		t.Fatalf("decode verdict: %v", err)
	}
	if verdict.Decision == "" {
		t.Fatal("expected a non-empty decision")
	}
}

func TestEvaluateRejectsMalformedAddress(t *testing.T) {
	srv := testServer(t)
	rawKey, _, _ := srv.authMgr.GenerateKey(context.Background(), "agent-1", "test key")

	body, _ := json.Marshal(map[string]any{
		"transaction": map[string]any{
			"to":    "not-an-address",
			"value": 1000,
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed address, got %d", w.Code)
	}
}

func TestSessionKeyCreateAndGet(t *testing.T) {
	srv := testServer(t)
	rawKey, _, _ := srv.authMgr.GenerateKey(context.Background(), "agent-1", "test key")

	body, _ := json.Marshal(map[string]any{
		"ownerAddr":               "0x1111111111111111111111111111111111111111",
		"publicKey":               "0x2222222222222222222222222222222222222222",
		"allowedContracts":        []string{"0x3333333333333333333333333333333333333333"},
		"maxValuePerTxWei":        big.NewInt(1_000_000).String(),
		"maxDailyVolumeWei":       big.NewInt(10_000_000).String(),
		"durationSeconds":         3600,
		"forbidInfiniteApprovals": true,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/session-keys", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created key: %v", err)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/v1/session-keys/"+created.ID, nil)
	getReq.Header.Set("Authorization", "Bearer "+rawKey)
	getW := httptest.NewRecorder()
	srv.router.ServeHTTP(getW, getReq)

	if getW.Code != http.StatusOK {
		t.Fatalf("expected 200 fetching created key, got %d", getW.Code)
	}
}

func TestFreezeAndUnfreezeRoundtrip(t *testing.T) {
	srv := testServer(t)
	rawKey, _, _ := srv.authMgr.GenerateKey(context.Background(), "agent-1", "test key")

	freezeReq := httptest.NewRequest(http.MethodPost, "/v1/policy/freeze", bytes.NewReader([]byte(`{"reason":"test"}`)))
	freezeReq.Header.Set("Authorization", "Bearer "+rawKey)
	freezeW := httptest.NewRecorder()
	srv.router.ServeHTTP(freezeW, freezeReq)
	if freezeW.Code != http.StatusOK {
		t.Fatalf("freeze: expected 200, got %d", freezeW.Code)
	}

	if !srv.shield.Status().Frozen {
		t.Fatal("expected shield to be frozen")
	}

	unfreezeReq := httptest.NewRequest(http.MethodPost, "/v1/policy/unfreeze", nil)
	unfreezeReq.Header.Set("Authorization", "Bearer "+rawKey)
	unfreezeW := httptest.NewRecorder()
	srv.router.ServeHTTP(unfreezeW, unfreezeReq)
	if unfreezeW.Code != http.StatusOK {
		t.Fatalf("unfreeze: expected 200, got %d", unfreezeW.Code)
	}
	if srv.shield.Status().Frozen {
		t.Fatal("expected shield to be unfrozen")
	}
}
