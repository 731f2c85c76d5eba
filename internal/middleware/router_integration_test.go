package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/duesync/internal/model"
)

// TestRouterIntegration_CSRFTokenEndpoint はCSRFトークン取得エンドポイントが
// chi.Routerで正しく動作することを検証する。
func TestRouterIntegration_CSRFTokenEndpoint(t *testing.T) {
	r := chi.NewRouter()

	csrfConfig := CSRFConfig{CookieSecure: false}
	r.Get("/api/csrf-token", NewCSRFTokenHandler(csrfConfig).ServeHTTP)

	req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Token == "" {
		t.Error("expected non-empty token")
	}
}

// TestRouterIntegration_SessionRoute_WithMiddlewareChain は
// Session -> CSRF のミドルウェアチェーンがchi.Routerで正しく動作することを検証する。
func TestRouterIntegration_SessionRoute_WithMiddlewareChain(t *testing.T) {
	store := &mockSessionStore{
		getFn: func(id string) (*model.Session, error) {
			if id == "router-test-session" {
				return &model.Session{ID: id}, nil
			}
			return nil, errNotFoundForTest
		},
	}

	r := chi.NewRouter()

	csrfConfig := CSRFConfig{CookieSecure: false}

	r.Get("/api/csrf-token", NewCSRFTokenHandler(csrfConfig).ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(NewSessionMiddleware(store, testSessionConfig))
		r.Use(NewCSRFMiddleware(csrfConfig))

		r.Get("/api/session", func(w http.ResponseWriter, r *http.Request) {
			id, _ := SessionIDFromContext(r.Context())
			json.NewEncoder(w).Encode(map[string]string{"session_id": id})
		})

		r.Post("/api/sync", func(w http.ResponseWriter, r *http.Request) {
			id, _ := SessionIDFromContext(r.Context())
			json.NewEncoder(w).Encode(map[string]string{"session_id": id, "action": "done"})
		})
	})

	sessionCookie := &http.Cookie{Name: SessionCookieName, Value: signSessionID("router-test-session", testSessionConfig.Secret)}

	t.Run("GET_with_session", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
		req.AddCookie(sessionCookie)
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
		}
	})

	// セッションがない場合は新規作成して通す
	t.Run("GET_without_session_creates_one", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
		}
		var body map[string]string
		json.NewDecoder(w.Result().Body).Decode(&body)
		if body["session_id"] != "new-session" {
			t.Errorf("session_id = %q, want %q", body["session_id"], "new-session")
		}
		if findCookie(w.Result(), SessionCookieName) == nil {
			t.Error("expected session cookie to be issued")
		}
	})

	t.Run("POST_with_session_and_csrf", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/sync", nil)
		req.AddCookie(sessionCookie)
		req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "test-csrf-token"})
		req.Header.Set(csrfHeaderName, "test-csrf-token")
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
		}

		var body map[string]string
		json.NewDecoder(w.Result().Body).Decode(&body)
		if body["session_id"] != "router-test-session" {
			t.Errorf("session_id = %q, want %q", body["session_id"], "router-test-session")
		}
	})

	t.Run("POST_without_csrf", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/sync", nil)
		req.AddCookie(sessionCookie)
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		if w.Result().StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusForbidden)
		}
	})
}
