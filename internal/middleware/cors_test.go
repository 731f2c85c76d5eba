package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

const testOrigin = "http://localhost:3000"

func corsRequest(method, path, origin string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	return req
}

func TestCORSMiddleware_AllowedOriginOnAPI(t *testing.T) {
	handler := NewCORSMiddleware(testOrigin)(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, corsRequest(http.MethodGet, "/api/session", testOrigin))

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	tests := []struct {
		header string
		want   string
	}{
		{"Access-Control-Allow-Origin", testOrigin},
		{"Access-Control-Allow-Credentials", "true"},
		{"Vary", "Origin"},
		// プリフライト以外ではメソッド等を返さない
		{"Access-Control-Allow-Methods", ""},
	}
	for _, tt := range tests {
		if got := resp.Header.Get(tt.header); got != tt.want {
			t.Errorf("%s = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestCORSMiddleware_Preflight_Returns204(t *testing.T) {
	handlerCalled := false
	handler := NewCORSMiddleware(testOrigin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
	}))

	req := corsRequest(http.MethodOptions, "/api/sync", testOrigin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "x-csrf-token")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if handlerCalled {
		t.Error("next handler should not be called for OPTIONS preflight")
	}

	tests := []struct {
		header string
		want   string
	}{
		{"Access-Control-Allow-Origin", testOrigin},
		{"Access-Control-Allow-Methods", "GET, POST"},
		{"Access-Control-Allow-Headers", "Content-Type, X-CSRF-Token"},
		{"Access-Control-Max-Age", "600"},
	}
	for _, tt := range tests {
		if got := resp.Header.Get(tt.header); got != tt.want {
			t.Errorf("%s = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestCORSMiddleware_OtherOriginGetsNoHeaders(t *testing.T) {
	handlerCalled := false
	handler := NewCORSMiddleware(testOrigin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		w.WriteHeader(http.StatusAccepted)
	}))

	req := corsRequest(http.MethodOptions, "/api/sync", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	resp := w.Result()
	if !handlerCalled {
		t.Error("next handler should decide the response for other origins")
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q, want empty", got)
	}
	if got := resp.Header.Get("Vary"); got != "Origin" {
		t.Errorf("Vary = %q, want Origin", got)
	}
}

func TestCORSMiddleware_NonAPIPathsUntouched(t *testing.T) {
	handler := NewCORSMiddleware(testOrigin)(okHandler())

	for _, path := range []string{"/sync", "/login/canvas", "/auth/google/callback", "/health"} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, corsRequest(http.MethodGet, path, testOrigin))

		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("%s: Access-Control-Allow-Origin = %q, want empty", path, got)
		}
	}
}

func TestCORSMiddleware_EmptyOriginDisables(t *testing.T) {
	handler := NewCORSMiddleware("")(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, corsRequest(http.MethodGet, "/api/session", testOrigin))

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q, want empty", got)
	}
}
