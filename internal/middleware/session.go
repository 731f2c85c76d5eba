// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/duesync/internal/model"
)

// SessionCookieName はセッションIDを保持するCookieの名前。
const SessionCookieName = "duesync_session"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// sessionIDContextKey はリクエストコンテキストにセッションIDを格納するためのキー。
var sessionIDContextKey = contextKey("session_id")

// SessionStore はセッションの取得と作成に必要なインターフェース。
// session.Storeの部分集合として定義する。
type SessionStore interface {
	Create() (*model.Session, error)
	Get(id string) (*model.Session, error)
}

// SessionConfig はセッションCookieの設定。
type SessionConfig struct {
	Secret       string
	MaxAge       int // 秒
	CookieSecure bool
	CookieDomain string
}

// NewSessionMiddleware はCookieからセッションを解決し、セッションIDをコンテキストに注入する。
// Cookieがない、署名が一致しない、またはストアに存在しない場合は新しいセッションを作成する。
// 認証状態の判定はハンドラーが行い、このミドルウェアは401を返さない。
func NewSessionMiddleware(store SessionStore, config SessionConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id, ok := readSessionCookie(r, config.Secret); ok {
				if sess, err := store.Get(id); err == nil {
					next.ServeHTTP(w, r.WithContext(ContextWithSessionID(r.Context(), sess.ID)))
					return
				}
			}

			sess, err := store.Create()
			if err != nil {
				slog.Error("failed to create session",
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}
			SetSessionCookie(w, sess.ID, config)

			next.ServeHTTP(w, r.WithContext(ContextWithSessionID(r.Context(), sess.ID)))
		})
	}
}

// SetSessionCookie は署名付きのセッションCookieを設定する。
func SetSessionCookie(w http.ResponseWriter, id string, config SessionConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    signSessionID(id, config.Secret),
		Path:     "/",
		Domain:   config.CookieDomain,
		MaxAge:   config.MaxAge,
		HttpOnly: true,
		Secure:   config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie はセッションCookieを削除する。
func ClearSessionCookie(w http.ResponseWriter, config SessionConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// SessionIDFromContext はリクエストコンテキストからセッションIDを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func SessionIDFromContext(ctx context.Context) (string, error) {
	id, ok := ctx.Value(sessionIDContextKey).(string)
	if !ok || id == "" {
		return "", fmt.Errorf("session ID not found in context")
	}
	return id, nil
}

// ContextWithSessionID はコンテキストにセッションIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDContextKey, id)
}

// signSessionID は"<id>.<HMAC-SHA256>"形式のCookie値を返す。
func signSessionID(id, secret string) string {
	return id + "." + sessionMAC(id, secret)
}

// readSessionCookie はCookieの署名を検証してセッションIDを返す。
func readSessionCookie(r *http.Request, secret string) (string, bool) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	id, mac, ok := strings.Cut(cookie.Value, ".")
	if !ok || id == "" {
		return "", false
	}
	if !hmac.Equal([]byte(mac), []byte(sessionMAC(id, secret))) {
		return "", false
	}
	return id, true
}

func sessionMAC(id, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(id))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
