package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func echoClient(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(GetClientID(r.Context())))
}

func TestAPIKeyAuth(t *testing.T) {
	h := APIKeyAuth(map[string]string{"k1": "mobile"})(http.HandlerFunc(echoClient))

	tests := []struct {
		name   string
		header string
		value  string
		status int
		client string
	}{
		{"header key", "X-API-Key", "k1", http.StatusOK, "mobile"},
		{"bearer", "Authorization", "Bearer k1", http.StatusOK, "mobile"},
		{"missing", "", "", http.StatusUnauthorized, ""},
		{"invalid", "X-API-Key", "nope", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.status == http.StatusOK && rec.Body.String() != tt.client {
				t.Errorf("client = %q, want %q", rec.Body.String(), tt.client)
			}
		})
	}
}

func TestAPIKeyAuthWithoutKeys(t *testing.T) {
	h := APIKeyAuth(nil)(http.HandlerFunc(echoClient))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != AnonymousClient {
		t.Errorf("status %d client %q", rec.Code, rec.Body.String())
	}
}

func TestRequestIDPropagates(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "req-7" || rec.Header().Get("X-Request-ID") != "req-7" {
		t.Errorf("request id = %q, header %q", seen, rec.Header().Get("X-Request-ID"))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || seen == "req-7" {
		t.Errorf("expected a generated id, got %q", seen)
	}
}

func TestRecover(t *testing.T) {
	h := Recover(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	called := false
	h := CORS(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/v1/regimens/", nil))
	if rec.Code != http.StatusNoContent || called {
		t.Errorf("status %d, handler called %v", rec.Code, called)
	}
	if rec.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("missing allow methods")
	}
}
