package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/duesync/internal/middleware"
	"github.com/hitoshi/duesync/internal/model"
)

// --- モック定義 ---

type mockAuthService struct {
	beginFn    func(provider model.Provider, callbackURL, state string) (string, error)
	completeFn func(ctx context.Context, sessionID string, provider model.Provider, callbackURL string, params url.Values) error
}

func (m *mockAuthService) BeginAuthorization(provider model.Provider, callbackURL, state string) (string, error) {
	if m.beginFn != nil {
		return m.beginFn(provider, callbackURL, state)
	}
	return "https://provider.example.com/authorize?state=" + state, nil
}

func (m *mockAuthService) CompleteAuthorization(ctx context.Context, sessionID string, provider model.Provider, callbackURL string, params url.Values) error {
	if m.completeFn != nil {
		return m.completeFn(ctx, sessionID, provider, callbackURL, params)
	}
	return nil
}

type mockSessionStore struct {
	sessions map[string]*model.Session
	deleted  []string
	created  int
}

func newMockSessionStore(sessions ...*model.Session) *mockSessionStore {
	m := &mockSessionStore{sessions: make(map[string]*model.Session)}
	for _, s := range sessions {
		m.sessions[s.ID] = s
	}
	return m
}

func (m *mockSessionStore) Create() (*model.Session, error) {
	m.created++
	s := &model.Session{ID: "created-session"}
	m.sessions[s.ID] = s
	return s, nil
}

func (m *mockSessionStore) Get(id string) (*model.Session, error) {
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	return nil, errors.New("session not found")
}

func (m *mockSessionStore) Delete(id string) {
	m.deleted = append(m.deleted, id)
	delete(m.sessions, id)
}

// --- ヘルパー ---

// withProvider はchiのURLパラメータとセッションIDを設定したリクエストを返す。
func withProvider(req *http.Request, provider, sessionID string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("provider", provider)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, rctx)
	if sessionID != "" {
		ctx = middleware.ContextWithSessionID(ctx, sessionID)
	}
	return req.WithContext(ctx)
}

func tokenFor(access string) *model.OAuthToken {
	return &model.OAuthToken{AccessToken: access, TokenType: "Bearer"}
}

func cookieByName(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

var testAuthConfig = AuthHandlerConfig{
	BaseURL: "https://duesync.example.com",
	Session: middleware.SessionConfig{Secret: "secret", MaxAge: 3600},
}

// --- Login ---

func TestAuthHandler_Login_RedirectsWithStateCookie(t *testing.T) {
	var gotProvider model.Provider
	var gotCallback, gotState string
	svc := &mockAuthService{
		beginFn: func(provider model.Provider, callbackURL, state string) (string, error) {
			gotProvider, gotCallback, gotState = provider, callbackURL, state
			return "https://canvas.example.edu/login/oauth2/auth?state=" + state, nil
		},
	}
	h := NewAuthHandler(svc, newMockSessionStore(), testAuthConfig)

	req := withProvider(httptest.NewRequest(http.MethodGet, "/login/canvas", nil), "canvas", "s1")
	w := httptest.NewRecorder()

	h.Login(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}
	if loc := resp.Header.Get("Location"); !strings.HasPrefix(loc, "https://canvas.example.edu/login/oauth2/auth") {
		t.Errorf("Location = %q", loc)
	}
	if gotProvider != model.ProviderCanvas {
		t.Errorf("provider = %q, want canvas", gotProvider)
	}
	if gotCallback != "https://duesync.example.com/auth/canvas/callback" {
		t.Errorf("callback URL = %q", gotCallback)
	}

	c := cookieByName(resp, oauthStateCookiePrefix+"canvas")
	if c == nil {
		t.Fatal("expected state cookie")
	}
	if c.Value != gotState || gotState == "" {
		t.Errorf("state cookie = %q, state = %q", c.Value, gotState)
	}
	if !c.HttpOnly {
		t.Error("state cookie should be HttpOnly")
	}
}

func TestAuthHandler_Login_UnknownProvider_Returns404(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{
		beginFn: func(model.Provider, string, string) (string, error) {
			t.Fatal("BeginAuthorization should not be called")
			return "", nil
		},
	}, newMockSessionStore(), testAuthConfig)

	w := httptest.NewRecorder()
	h.Login(w, withProvider(httptest.NewRequest(http.MethodGet, "/login/github", nil), "github", "s1"))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	var body middleware.ErrorResponseBody
	json.NewDecoder(w.Body).Decode(&body)
	if body.Code != model.ErrCodeUnknownProvider {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeUnknownProvider)
	}
}

// --- Callback ---

func TestAuthHandler_Callback_Success_RedirectsToSync(t *testing.T) {
	var gotSession, gotCallback string
	var gotParams url.Values
	svc := &mockAuthService{
		completeFn: func(ctx context.Context, sessionID string, provider model.Provider, callbackURL string, params url.Values) error {
			gotSession, gotCallback, gotParams = sessionID, callbackURL, params
			return nil
		},
	}
	h := NewAuthHandler(svc, newMockSessionStore(), testAuthConfig)

	req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?code=abc&state=st", nil)
	req.AddCookie(&http.Cookie{Name: oauthStateCookiePrefix + "google", Value: "st"})
	w := httptest.NewRecorder()

	h.Callback(w, withProvider(req, "google", "session-1"))

	resp := w.Result()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusFound)
	}
	nonceCookie := cookieByName(resp, syncNonceCookie)
	if nonceCookie == nil || nonceCookie.Value == "" {
		t.Fatal("sync nonce cookie should be set")
	}
	if nonceCookie.Path != "/sync" || !nonceCookie.HttpOnly || nonceCookie.MaxAge != syncNonceMaxAge {
		t.Errorf("nonce cookie attributes = %+v", nonceCookie)
	}
	if loc := resp.Header.Get("Location"); loc != "/sync?nonce="+nonceCookie.Value {
		t.Errorf("Location = %q, want /sync?nonce=%s", loc, nonceCookie.Value)
	}
	if gotSession != "session-1" {
		t.Errorf("session = %q, want session-1", gotSession)
	}
	if gotCallback != "https://duesync.example.com/auth/google/callback" {
		t.Errorf("callback URL = %q", gotCallback)
	}
	if gotParams.Get("code") != "abc" {
		t.Errorf("code = %q, want abc", gotParams.Get("code"))
	}

	// stateクッキーは削除される
	if c := cookieByName(resp, oauthStateCookiePrefix+"google"); c == nil || c.MaxAge >= 0 {
		t.Errorf("state cookie should be cleared, got %v", c)
	}
}

func TestAuthHandler_Callback_StateMismatch_Returns400(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		cookie *http.Cookie
	}{
		{name: "stateが異なる", query: "code=abc&state=wrong", cookie: &http.Cookie{Name: oauthStateCookiePrefix + "canvas", Value: "right"}},
		{name: "Cookieなし", query: "code=abc&state=right"},
		{name: "クエリのstateなし", query: "code=abc", cookie: &http.Cookie{Name: oauthStateCookiePrefix + "canvas", Value: "right"}},
		{name: "別プロバイダーのstate", query: "code=abc&state=right", cookie: &http.Cookie{Name: oauthStateCookiePrefix + "google", Value: "right"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAuthService{
				completeFn: func(context.Context, string, model.Provider, string, url.Values) error {
					t.Fatal("CompleteAuthorization should not be called")
					return nil
				},
			}
			h := NewAuthHandler(svc, newMockSessionStore(), testAuthConfig)

			req := httptest.NewRequest(http.MethodGet, "/auth/canvas/callback?"+tt.query, nil)
			if tt.cookie != nil {
				req.AddCookie(tt.cookie)
			}
			w := httptest.NewRecorder()

			h.Callback(w, withProvider(req, "canvas", "session-1"))

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			var body middleware.ErrorResponseBody
			json.NewDecoder(w.Body).Decode(&body)
			if body.Code != model.ErrCodeInvalidState {
				t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInvalidState)
			}
		})
	}
}

func TestAuthHandler_Callback_AuthError_RedirectsWithNotice(t *testing.T) {
	svc := &mockAuthService{
		completeFn: func(ctx context.Context, sessionID string, provider model.Provider, callbackURL string, params url.Values) error {
			return &model.AuthError{Provider: provider, Cause: errors.New("access_denied")}
		},
	}
	h := NewAuthHandler(svc, newMockSessionStore(), testAuthConfig)

	req := httptest.NewRequest(http.MethodGet, "/auth/canvas/callback?error=access_denied&state=st", nil)
	req.AddCookie(&http.Cookie{Name: oauthStateCookiePrefix + "canvas", Value: "st"})
	w := httptest.NewRecorder()

	h.Callback(w, withProvider(req, "canvas", "session-1"))

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusFound)
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("invalid Location: %v", err)
	}
	if loc.Path != "/" || loc.Query().Get("notice") != "auth_failed" || loc.Query().Get("provider") != "canvas" {
		t.Errorf("Location = %q", loc)
	}
}

func TestAuthHandler_Callback_StoreError_Returns500(t *testing.T) {
	svc := &mockAuthService{
		completeFn: func(context.Context, string, model.Provider, string, url.Values) error {
			return errors.New("failed to store canvas token: session not found")
		},
	}
	h := NewAuthHandler(svc, newMockSessionStore(), testAuthConfig)

	req := httptest.NewRequest(http.MethodGet, "/auth/canvas/callback?code=abc&state=st", nil)
	req.AddCookie(&http.Cookie{Name: oauthStateCookiePrefix + "canvas", Value: "st"})
	w := httptest.NewRecorder()

	h.Callback(w, withProvider(req, "canvas", "session-1"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

// --- Logout ---

func TestAuthHandler_Logout_DeletesSessionAndClearsCookie(t *testing.T) {
	store := newMockSessionStore(&model.Session{ID: "session-1"})
	h := NewAuthHandler(&mockAuthService{}, store, testAuthConfig)

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req = req.WithContext(middleware.ContextWithSessionID(req.Context(), "session-1"))
	w := httptest.NewRecorder()

	h.Logout(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusSeeOther {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusSeeOther)
	}
	if len(store.deleted) != 1 || store.deleted[0] != "session-1" {
		t.Errorf("deleted = %v, want [session-1]", store.deleted)
	}
	if c := cookieByName(resp, middleware.SessionCookieName); c == nil || c.MaxAge >= 0 {
		t.Errorf("session cookie should be cleared, got %v", c)
	}
}

// --- SessionStatus ---

func TestAuthHandler_SessionStatus(t *testing.T) {
	tests := []struct {
		name        string
		session     *model.Session
		wantMissing []model.Provider
		wantReady   bool
	}{
		{
			name:        "未接続",
			session:     &model.Session{ID: "s"},
			wantMissing: []model.Provider{model.ProviderCanvas, model.ProviderGoogle},
		},
		{
			name:        "Canvasのみ接続",
			session:     &model.Session{ID: "s", LearningToken: tokenFor("c")},
			wantMissing: []model.Provider{model.ProviderGoogle},
		},
		{
			name:        "両方接続",
			session:     &model.Session{ID: "s", LearningToken: tokenFor("c"), CalendarToken: tokenFor("g")},
			wantMissing: []model.Provider{},
			wantReady:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewAuthHandler(&mockAuthService{}, newMockSessionStore(tt.session), testAuthConfig)

			req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
			req = req.WithContext(middleware.ContextWithSessionID(req.Context(), "s"))
			w := httptest.NewRecorder()

			h.SessionStatus(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
			}
			var body sessionStatusResponse
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode: %v", err)
			}
			if len(body.Missing) != len(tt.wantMissing) {
				t.Fatalf("missing = %v, want %v", body.Missing, tt.wantMissing)
			}
			for i := range tt.wantMissing {
				if body.Missing[i] != tt.wantMissing[i] {
					t.Errorf("missing[%d] = %q, want %q", i, body.Missing[i], tt.wantMissing[i])
				}
			}
			if body.Ready != tt.wantReady {
				t.Errorf("ready = %v, want %v", body.Ready, tt.wantReady)
			}
			if body.Connected[model.ProviderCanvas] != (tt.session.LearningToken != nil) {
				t.Errorf("connected[canvas] = %v", body.Connected[model.ProviderCanvas])
			}
		})
	}
}

// --- callbackURL ---

func TestPublicOrigin(t *testing.T) {
	tests := []struct {
		name      string
		baseURL   string
		host      string
		forwarded string
		want      string
	}{
		{name: "絶対URLのBaseURL", baseURL: "https://duesync.example.com/", host: "internal:8080", want: "https://duesync.example.com"},
		{name: "パス付きBaseURL", baseURL: "https://example.com/duesync/", host: "internal:8080", want: "https://example.com/duesync"},
		{name: "相対BaseURL", baseURL: "/", host: "localhost:8080", want: "http://localhost:8080"},
		{name: "X-Forwarded-Proto", baseURL: "/", host: "duesync.example.com", forwarded: "https", want: "https://duesync.example.com"},
		{name: "不正なX-Forwarded-Proto", baseURL: "", host: "localhost:8080", forwarded: "gopher", want: "http://localhost:8080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Host = tt.host
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-Proto", tt.forwarded)
			}
			if got := publicOrigin(req, tt.baseURL); got != tt.want {
				t.Errorf("publicOrigin = %q, want %q", got, tt.want)
			}
		})
	}
}
