package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestHealthEndpoint(t *testing.T) {
	svc := newTestService(t, newFakeStore(), nil)
	server := NewHTTPServer(svc, "*", zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Errorf("expected generated request id")
	}
}

func TestReadyEndpoint_Success(t *testing.T) {
	svc := newTestService(t, newFakeStore(), nil)
	server := NewHTTPServer(svc, "*", zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response["status"] != "ready" {
		t.Errorf("expected status=ready, got %v", response["status"])
	}
}

func TestReadyEndpoint_StoreDown(t *testing.T) {
	fs := newFakeStore()
	fs.pingErr = errors.New("connection refused")
	svc := newTestService(t, fs, nil)
	server := NewHTTPServer(svc, "*", zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	var response struct {
		OK     bool `json:"ok"`
		Checks map[string]struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		} `json:"checks"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response.OK {
		t.Errorf("expected ok=false")
	}
	if check := response.Checks["store"]; check.Status != "error" || check.Error == "" {
		t.Errorf("expected store error check, got %+v", check)
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	svc := newTestService(t, newFakeStore(), nil)
	server := NewHTTPServer(svc, "https://example.test", zerolog.Nop())

	req := httptest.NewRequest(http.MethodOptions, "/api/nodes", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected preflight 204, got %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") != "req-123" {
		t.Errorf("expected echoed request id, got %q", rr.Header().Get("X-Request-ID"))
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "https://example.test" {
		t.Errorf("unexpected CORS origin %q", rr.Header().Get("Access-Control-Allow-Origin"))
	}
}
