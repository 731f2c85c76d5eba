// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/duesync/internal/middleware"
	"github.com/hitoshi/duesync/internal/model"
)

// oauthStateCookiePrefix はプロバイダーごとのstate Cookie名の接頭辞。
// 2つのプロバイダーの認可を並行して進めても互いのstateを上書きしない。
const oauthStateCookiePrefix = "duesync_oauth_state_"

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	BeginAuthorization(provider model.Provider, callbackURL, state string) (string, error)
	CompleteAuthorization(ctx context.Context, sessionID string, provider model.Provider, callbackURL string, params url.Values) error
}

// SessionStore はハンドラーが参照するセッションストアのインターフェース。
type SessionStore interface {
	Get(id string) (*model.Session, error)
	Delete(id string)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	// BaseURL は公開URL。絶対URLの場合はコールバックURLの組み立てに使い、
	// それ以外はリクエストのHostとX-Forwarded-Protoから組み立てる。
	BaseURL string
	Session middleware.SessionConfig
}

// AuthHandler はOAuth認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	store   SessionStore
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, store SessionStore, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		store:   store,
		config:  config,
	}
}

// Login はプロバイダーのOAuthフローを開始する。
// GET /login/{provider}
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	provider, ok := model.ParseProvider(chi.URLParam(r, "provider"))
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUnknownProviderError(chi.URLParam(r, "provider")))
		return
	}

	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	authURL, err := h.service.BeginAuthorization(provider, h.callbackURL(r, provider), state)
	if err != nil {
		slog.Error("failed to build authorization URL",
			slog.String("provider", string(provider)),
			slog.String("error", err.Error()),
		)
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUnknownProviderError(string(provider)))
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookiePrefix + string(provider),
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.Session.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, authURL, http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// GET /auth/{provider}/callback?code=xxx&state=yyy
// 成功時はワンタイム値付きの/syncへ、プロバイダー側の拒否や交換の失敗時はトップページへリダイレクトする。
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider, ok := model.ParseProvider(chi.URLParam(r, "provider"))
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUnknownProviderError(chi.URLParam(r, "provider")))
		return
	}

	// 1. stateの検証（CSRF対策）
	query := r.URL.Query()
	state := query.Get("state")
	stateCookie, err := r.Cookie(oauthStateCookiePrefix + string(provider))
	if err != nil || state == "" || subtle.ConstantTimeCompare([]byte(stateCookie.Value), []byte(state)) != 1 {
		slog.Warn("oauth state mismatch",
			slog.String("provider", string(provider)),
		)
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidStateError())
		return
	}

	// stateクッキーを削除
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookiePrefix + string(provider),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.Session.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	sessionID, err := middleware.SessionIDFromContext(r.Context())
	if err != nil {
		slog.Error("session missing in callback", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// 2. 認可コードの交換とトークンの格納
	err = h.service.CompleteAuthorization(r.Context(), sessionID, provider, h.callbackURL(r, provider), query)
	if err != nil {
		var authErr *model.AuthError
		if errors.As(err, &authErr) {
			http.Redirect(w, r, "/?"+url.Values{
				"notice":   {"auth_failed"},
				"provider": {string(provider)},
			}.Encode(), http.StatusFound)
			return
		}
		slog.Error("failed to complete authorization",
			slog.String("provider", string(provider)),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	// 3. ワンタイム値付きで同期へリダイレクト
	target, err := issueSyncNonce(w, h.config.Session)
	if err != nil {
		slog.Error("failed to issue sync nonce", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// Logout はセッションを破棄する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if id, err := middleware.SessionIDFromContext(r.Context()); err == nil {
		h.store.Delete(id)
	}

	middleware.ClearSessionCookie(w, h.config.Session)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// sessionStatusResponse はGET /api/sessionのレスポンス。
type sessionStatusResponse struct {
	Connected map[model.Provider]bool `json:"connected"`
	Missing   []model.Provider        `json:"missing"`
	Ready     bool                    `json:"ready"`
}

// SessionStatus は現在のセッションで接続済みのプロバイダーを返す。
// GET /api/session
func (h *AuthHandler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newSessionStatus(currentSession(r, h.store)))
}

func newSessionStatus(sess *model.Session) sessionStatusResponse {
	missing := sess.Missing()
	if missing == nil {
		missing = []model.Provider{}
	}
	connected := make(map[model.Provider]bool, len(model.Providers()))
	for _, p := range model.Providers() {
		connected[p] = true
	}
	for _, p := range missing {
		connected[p] = false
	}

	return sessionStatusResponse{
		Connected: connected,
		Missing:   missing,
		Ready:     len(missing) == 0,
	}
}

// callbackURL はプロバイダーに登録するコールバックURLを返す。
// 認可リクエストとトークン交換で同じ値になる。
func (h *AuthHandler) callbackURL(r *http.Request, provider model.Provider) string {
	return publicOrigin(r, h.config.BaseURL) + "/auth/" + string(provider) + "/callback"
}

// publicOrigin は外部から見たスキームとホスト（およびBaseURLのパス）を返す。
func publicOrigin(r *http.Request, baseURL string) string {
	if u, err := url.Parse(baseURL); err == nil && u.Scheme != "" && u.Host != "" {
		return u.Scheme + "://" + u.Host + strings.TrimRight(u.Path, "/")
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}

// currentSession はリクエストのセッションを返す。
// ストアに存在しない場合はトークンを持たない空のセッションとして扱う。
func currentSession(r *http.Request, store SessionStore) *model.Session {
	id, err := middleware.SessionIDFromContext(r.Context())
	if err != nil {
		return &model.Session{}
	}
	sess, err := store.Get(id)
	if err != nil {
		return &model.Session{ID: id}
	}
	return sess
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
