package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mintjamsinc/cms0-sub002/internal/privilege"
	"github.com/mintjamsinc/cms0-sub002/internal/search"
)

func serve(server *HTTPServer, method, target, token string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func httpLogin(t *testing.T, server *HTTPServer, name, password string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"workspace": "default", "name": name, "password": password})
	rr := serve(server, http.MethodPost, "/api/session/login", "", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse login response: %v", err)
	}
	if payload.Token == "" {
		t.Fatalf("expected token")
	}
	return payload.Token
}

func TestSessionLoginAndLookup(t *testing.T) {
	fs := newFakeStore()
	fs.addUser(t, "avery", "correct horse", "editors")
	server := NewHTTPServer(newTestService(t, fs, nil), "*", zerolog.Nop())

	token := httpLogin(t, server, "avery", "correct horse")

	rr := serve(server, http.MethodGet, "/api/session", token, nil)
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse session response: %v", err)
	}
	if payload["authenticated"] != true || payload["userId"] != "avery" || payload["workspace"] != "default" {
		t.Fatalf("unexpected session payload %v", payload)
	}

	rr = serve(server, http.MethodGet, "/api/session", "", nil)
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse session response: %v", err)
	}
	if payload["authenticated"] != false {
		t.Fatalf("expected unauthenticated without token, got %v", payload)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	fs := newFakeStore()
	fs.addUser(t, "avery", "correct horse")
	server := NewHTTPServer(newTestService(t, fs, nil), "*", zerolog.Nop())

	body := []byte(`{"name":"avery","password":"nope nope"}`)
	rr := serve(server, http.MethodPost, "/api/session/login", "", body)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &payload)
	if payload["code"] != "INVALID_CREDENTIALS" {
		t.Fatalf("expected INVALID_CREDENTIALS, got %v", payload["code"])
	}
}

func TestLoginRejectsMalformedBody(t *testing.T) {
	server := NewHTTPServer(newTestService(t, newFakeStore(), nil), "*", zerolog.Nop())
	rr := serve(server, http.MethodPost, "/api/session/login", "", []byte(`{"name":`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	server := NewHTTPServer(newTestService(t, newFakeStore(), nil), "*", zerolog.Nop())

	for _, target := range []string{"/api/nodes?path=/", "/api/query?q=x", "/api/locks/tokens"} {
		rr := serve(server, http.MethodGet, target, "", nil)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", target, rr.Code)
		}
	}
	rr := serve(server, http.MethodGet, "/api/nodes?path=/", "not-a-token", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rr.Code)
	}
}

func TestGetNodeOverHTTP(t *testing.T) {
	fs := newFakeStore()
	fs.addUser(t, "avery", "correct horse")
	fs.addUser(t, "blake", "battery staple")
	fs.addNode("/docs", "nt:folder")
	fs.allow("/docs", "avery", false, privilege.Read)
	server := NewHTTPServer(newTestService(t, fs, nil), "*", zerolog.Nop())

	token := httpLogin(t, server, "avery", "correct horse")
	rr := serve(server, http.MethodGet, "/api/nodes?path=/docs", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload struct {
		Node NodeView `json:"node"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse node: %v", err)
	}
	if payload.Node.Path != "/docs" || payload.Node.PrimaryType != "nt:folder" {
		t.Fatalf("unexpected node %+v", payload.Node)
	}

	rr = serve(server, http.MethodGet, "/api/nodes?path=/missing", token, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unreadable path, got %d", rr.Code)
	}

	other := httpLogin(t, server, "blake", "battery staple")
	rr = serve(server, http.MethodGet, "/api/nodes?path=/docs", other, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestQueryOverHTTP(t *testing.T) {
	fs := newFakeStore()
	fs.addUser(t, "avery", "correct horse")
	fs.addNode("/a.txt", "nt:file")
	idx := &fakeIndex{
		queryFn: func(req search.Request) (search.Page, error) {
			if req.Offset > 0 {
				return search.Page{Total: 1}, nil
			}
			return search.Page{Hits: []search.Hit{{ID: "id:/a.txt", Path: "/a.txt", Score: 1}}, Total: 1}, nil
		},
	}
	server := NewHTTPServer(newTestService(t, fs, idx), "*", zerolog.Nop())
	token := httpLogin(t, server, "avery", "correct horse")

	rr := serve(server, http.MethodGet, "/api/query?q=hello&limit=5", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var result QueryResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("parse query result: %v", err)
	}
	if len(result.Rows) != 1 || result.Rows[0].Node.Path != "/a.txt" || result.HasMore {
		t.Fatalf("unexpected query result %+v", result)
	}

	rr = serve(server, http.MethodGet, "/api/query?q=hello&limit=-1", token, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative limit, got %d", rr.Code)
	}
}

func TestLogoutInvalidatesToken(t *testing.T) {
	fs := newFakeStore()
	fs.addUser(t, "avery", "correct horse")
	server := NewHTTPServer(newTestService(t, fs, nil), "*", zerolog.Nop())
	token := httpLogin(t, server, "avery", "correct horse")

	rr := serve(server, http.MethodPost, "/api/session/logout", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	rr = serve(server, http.MethodGet, "/api/locks/tokens", token, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rr.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	fs := newFakeStore()
	fs.addUser(t, "avery", "correct horse")
	server := NewHTTPServer(newTestService(t, fs, nil), "*", zerolog.Nop())
	token := httpLogin(t, server, "avery", "correct horse")

	rr := serve(server, http.MethodGet, "/api/unknown", token, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
